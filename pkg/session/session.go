// Package session holds the server-side state for authenticated control
// connections: one ClientSession per connection, a concurrent Registry
// indexing sessions by client ID, and a PendingTable correlating public HTTP
// requests with the tunneled responses that answer them.
package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// OutboundQueueCapacity is the bounded size of a session's outbound send
// queue. A full queue does not block the ingress handler.
const OutboundQueueCapacity = 100

// ClientSession is server-side state for one authenticated control
// connection.
type ClientSession struct {
	ClientID    string
	ConnectedAt int64

	lastPing int64 // unix seconds, atomic

	outbound  chan any
	closeOnce sync.Once
}

// NewClientSession creates a session with a fresh, open outbound queue.
func NewClientSession(clientID string, connectedAt time.Time) *ClientSession {
	return &ClientSession{
		ClientID:    clientID,
		ConnectedAt: connectedAt.Unix(),
		lastPing:    connectedAt.Unix(),
		outbound:    make(chan any, OutboundQueueCapacity),
	}
}

// LastPing returns the unix timestamp of the most recently received ping.
func (s *ClientSession) LastPing() int64 {
	return atomic.LoadInt64(&s.lastPing)
}

// TouchPing records that a ping was just received.
func (s *ClientSession) TouchPing(at time.Time) {
	atomic.StoreInt64(&s.lastPing, at.Unix())
}

// Enqueue attempts a non-blocking send of msg to the session's outbound
// queue. It returns false if the queue is full or already closed — the
// caller is expected to treat that as a gateway failure, never block.
func (s *ClientSession) Enqueue(msg any) (ok bool) {
	defer func() {
		// Enqueue on a closed channel panics; treat that the same as "full".
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.outbound <- msg:
		return true
	default:
		return false
	}
}

// Outbound returns the receive side of the outbound queue, for the writer
// task to drain in FIFO order.
func (s *ClientSession) Outbound() <-chan any {
	return s.outbound
}

// Close closes the outbound queue exactly once. Closing drops the last
// sender reference and is what causes the writer task to exit; it is not
// itself a cancellation signal.
func (s *ClientSession) Close() {
	s.closeOnce.Do(func() {
		close(s.outbound)
	})
}

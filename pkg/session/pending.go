package session

import "sync"

// PendingTable is the server-side single-shot delivery table keyed by
// request_id described in spec §3. Each slot is removed exactly once: by
// correlation with an inbound response, by its own timeout path, or by a
// send failure to the chosen client.
type PendingTable struct {
	mu    sync.Mutex
	slots map[string]chan any
}

// NewPendingTable returns an empty pending-request table.
func NewPendingTable() *PendingTable {
	return &PendingTable{slots: make(map[string]chan any)}
}

// Register installs a single-shot receive slot for requestID. The returned
// channel delivers exactly one value (an *tunnel.HTTPResponseMessage or
// *tunnel.ErrorMessage, by convention of the caller) before Remove is called.
func (p *PendingTable) Register(requestID string) <-chan any {
	ch := make(chan any, 1)
	p.mu.Lock()
	p.slots[requestID] = ch
	p.mu.Unlock()
	return ch
}

// Deliver atomically removes the slot for requestID and delivers msg into
// it. It returns false if no slot was registered (an orphan response), in
// which case the caller should log and drop the message.
func (p *PendingTable) Deliver(requestID string, msg any) bool {
	p.mu.Lock()
	ch, ok := p.slots[requestID]
	if ok {
		delete(p.slots, requestID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// Remove deletes the slot for requestID without delivering anything, for the
// timeout and send-failure paths. It is a no-op if already removed.
func (p *PendingTable) Remove(requestID string) {
	p.mu.Lock()
	delete(p.slots, requestID)
	p.mu.Unlock()
}

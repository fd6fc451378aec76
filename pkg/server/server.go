// Package server implements the public edge: the /tunnel control-connection
// upgrade and authentication handshake, the session reader dispatch, and the
// allowlisted HTTP ingress/multiplexer described in spec §4.3-§4.4, §4.8.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hatunnel/ha-tunnel/pkg/apperrors"
	"github.com/hatunnel/ha-tunnel/pkg/auth"
	"github.com/hatunnel/ha-tunnel/pkg/clientip"
	"github.com/hatunnel/ha-tunnel/pkg/middleware"
	"github.com/hatunnel/ha-tunnel/pkg/session"
	"github.com/hatunnel/ha-tunnel/pkg/tunnel"
)

// maxIngressBody is the body-size cap from spec §4.3 step 4: requests over
// this size are forwarded with the body treated as absent, not rejected.
const maxIngressBody = 10 * 1024 * 1024

// authDeadline is how long a newly-dialed connection has to send its first
// (auth) frame, per spec §4.2.
const authDeadline = 10 * time.Second

var hopByHopHeaders = []string{
	"content-length", "transfer-encoding", "connection", "keep-alive", "te", "trailers", "upgrade",
}

// Config holds the edge server's runtime configuration.
type Config struct {
	Secret         string
	ClientTimeout  time.Duration
	RequestTimeout time.Duration
	IPExtractor    clientip.Extractor
}

// Server is the public edge: it owns the session registry and
// pending-request table, and dispatches both the /tunnel control connection
// and the allowlisted public HTTP routes.
type Server struct {
	cfg      Config
	registry *session.Registry
	pending  *session.PendingTable
	logger   *zap.Logger
}

// New builds a Server with fresh, empty session and pending-request state.
func New(cfg Config, logger *zap.Logger) *Server {
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{
		cfg:      cfg,
		registry: session.NewRegistry(),
		pending:  session.NewPendingTable(),
		logger:   logger,
	}
}

// Handler builds the server's full HTTP mux. The /tunnel upgrade path is
// served outside the logging middleware since wrapping its ResponseWriter
// would break the transport's connection hijack.
func (s *Server) Handler() http.Handler {
	logged := http.NewServeMux()
	logged.HandleFunc("/health", s.handleHealth)
	logged.HandleFunc("/api/alexa/smart_home", s.handleIngress)
	logged.HandleFunc("/api/google_assistant", s.handleIngress)
	logged.HandleFunc("/auth/authorize", s.handleIngress)
	logged.HandleFunc("/auth/token", s.handleIngress)

	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", s.handleTunnel)
	mux.Handle("/", middleware.RequestLogger(s.logger)(logged))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.registry.Count() == 0 {
		status = "no_clients"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"clients": s.registry.Count(),
	})
}

// handleTunnel upgrades the connection, performs the auth handshake, and on
// success runs the session's writer and reader tasks until disconnect.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	sess, ok := s.authenticate(r.Context(), conn)
	if !ok {
		conn.Close(websocket.StatusPolicyViolation, "auth failed")
		return
	}

	s.registry.Register(sess)
	s.logger.Info("client registered", zap.String("client_id", sess.ClientID))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(r.Context(), conn, sess)
	}()

	s.readLoop(r.Context(), conn, sess)

	s.registry.Remove(sess)
	sess.Close()
	<-writerDone
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// authenticate implements spec §4.2: the first frame must be an auth message
// within authDeadline, with a timestamp in the ±120s skew window and a
// matching signature.
func (s *Server) authenticate(parent context.Context, conn *websocket.Conn) (*session.ClientSession, bool) {
	ctx, cancel := context.WithTimeout(parent, authDeadline)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		s.logger.Debug("no first frame before auth deadline", zap.Error(fmt.Errorf("%w: %v", apperrors.ErrAuthTimeout, err)))
		return nil, false
	}

	msg, err := tunnel.ParseMessage(data)
	if err != nil {
		s.logger.Debug("first frame was not valid JSON", zap.Error(fmt.Errorf("%w: %v", apperrors.ErrAuthMalformed, err)))
		return nil, false
	}

	authMsg, ok := msg.(*tunnel.AuthMessage)
	if !ok {
		s.logger.Debug("first frame was not an auth message", zap.Error(apperrors.ErrAuthMalformed), zap.String("type", fmt.Sprintf("%T", msg)))
		return nil, false
	}

	now := time.Now().Unix()
	if !auth.WithinSkew(now, authMsg.Timestamp) {
		s.logger.Debug("auth timestamp outside skew window", zap.Error(apperrors.ErrAuthRejected))
		s.sendAuthResponse(ctx, conn, false, "Invalid signature")
		return nil, false
	}

	if !auth.Verify(s.cfg.Secret, authMsg.ClientID, authMsg.Timestamp, authMsg.Signature) {
		s.logger.Debug("auth signature mismatch", zap.Error(apperrors.ErrAuthRejected))
		s.sendAuthResponse(ctx, conn, false, "Invalid signature")
		return nil, false
	}

	if err := s.sendAuthResponse(ctx, conn, true, ""); err != nil {
		return nil, false
	}

	return session.NewClientSession(authMsg.ClientID, time.Now()), true
}

func (s *Server) sendAuthResponse(ctx context.Context, conn *websocket.Conn, success bool, message string) error {
	resp := tunnel.AuthResponseMessage{Type: tunnel.TypeAuthResponse, Success: success, Message: message}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// writeLoop drains sess's outbound queue in FIFO order until it is closed.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.ClientSession) {
	for msg := range sess.Outbound() {
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("failed to marshal outbound message", zap.Error(err))
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			s.logger.Debug("outbound write failed, session ending", zap.Error(err))
			return
		}
	}
}

// readLoop implements the server reader dispatch table in spec §4.4.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.ClientSession) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		msg, err := tunnel.ParseMessage(data)
		if err != nil {
			s.logger.Warn("protocol violation: unparseable frame", zap.Error(err), zap.String("client_id", sess.ClientID))
			continue
		}

		switch m := msg.(type) {
		case *tunnel.HTTPResponseMessage:
			if !s.pending.Deliver(m.RequestID, m) {
				s.logger.Warn("orphan http_response", zap.String("request_id", m.RequestID))
			}
		case *tunnel.ErrorMessage:
			if m.RequestID == "" {
				s.logger.Warn("error message without request_id", zap.String("message", m.Message))
				continue
			}
			if !s.pending.Deliver(m.RequestID, m) {
				s.logger.Warn("orphan error response", zap.String("request_id", m.RequestID))
			}
		case *tunnel.PingMessage:
			sess.TouchPing(time.Now())
			sess.Enqueue(&tunnel.PongMessage{Type: tunnel.TypePong, Timestamp: m.Timestamp})
		case *tunnel.PongMessage:
			// client-initiated probes are not used by the server; ignored.
		default:
			s.logger.Warn("protocol violation: unexpected message type", zap.String("type", fmt.Sprintf("%T", msg)))
		}
	}
}

// handleIngress implements spec §4.3: pick a connected client, relay the
// request, and translate the correlated response (or lack of one) into a
// public HTTP response.
func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	sourceIP := s.cfg.IPExtractor.Extract(clientip.PeerIP(r.RemoteAddr), r.Header)

	sess, ok := s.awaitClient(r.Context())
	if !ok {
		http.Error(w, apperrors.ErrNoClientsAvailable.Error(), http.StatusServiceUnavailable)
		return
	}

	headers := make([]tunnel.Header, 0, len(r.Header))
	for name, values := range r.Header {
		if httpHeaderIsHost(name) {
			continue
		}
		for _, v := range values {
			headers = append(headers, tunnel.Header{Name: name, Value: v})
		}
	}

	body := readBodyOrEmpty(r.Body)

	requestID := uuid.NewString()
	respCh := s.pending.Register(requestID)

	reqMsg := &tunnel.HTTPRequestMessage{
		Type:      tunnel.TypeHTTPRequest,
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Headers:   headers,
		Body:      body,
		SourceIP:  sourceIP,
	}

	if !sess.Enqueue(reqMsg) {
		s.pending.Remove(requestID)
		http.Error(w, apperrors.ErrQueueFull.Error(), http.StatusBadGateway)
		return
	}

	s.awaitResponse(w, r.Context(), requestID, respCh)
}

func (s *Server) awaitResponse(w http.ResponseWriter, ctx context.Context, requestID string, respCh <-chan any) {
	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case msg := <-respCh:
		switch m := msg.(type) {
		case *tunnel.HTTPResponseMessage:
			s.writePublicResponse(w, m)
		case *tunnel.ErrorMessage:
			http.Error(w, m.Message, http.StatusForbidden)
		default:
			http.Error(w, "unexpected tunnel message", http.StatusInternalServerError)
		}
	case <-timer.C:
		s.pending.Remove(requestID)
		http.Error(w, apperrors.ErrPendingTimeout.Error(), http.StatusGatewayTimeout)
	case <-ctx.Done():
		s.pending.Remove(requestID)
	}
}

func (s *Server) writePublicResponse(w http.ResponseWriter, m *tunnel.HTTPResponseMessage) {
	headers := tunnel.HeadersWithout(m.Headers, hopByHopHeaders...)
	for _, h := range headers {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(m.Status)
	w.Write(m.Body)
}

// awaitClient blocks until a session is registered or cfg.ClientTimeout
// elapses, per spec §4.3 step 2.
func (s *Server) awaitClient(ctx context.Context) (*session.ClientSession, bool) {
	if sess, ok := s.registry.Any(); ok {
		return sess, true
	}

	watch := s.registry.Watch()
	defer s.registry.StopWatch(watch)

	timeout := time.NewTimer(s.cfg.ClientTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-watch:
			if sess, ok := s.registry.Any(); ok {
				return sess, true
			}
		case <-timeout.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func readBodyOrEmpty(body io.ReadCloser) []byte {
	data, err := io.ReadAll(io.LimitReader(body, maxIngressBody+1))
	if err != nil || len(data) > maxIngressBody {
		return nil
	}
	return data
}

func httpHeaderIsHost(name string) bool {
	return len(name) == 4 && (name == "Host" || name == "host" || name == "HOST")
}

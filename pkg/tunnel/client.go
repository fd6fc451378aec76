package tunnel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/hatunnel/ha-tunnel/pkg/apperrors"
	"github.com/hatunnel/ha-tunnel/pkg/auth"
)

// maxUpstreamBody caps how much of the local Home Assistant response body the
// client will read back into a single http_response frame.
const maxUpstreamBody = 10 * 1024 * 1024

// ClientConfig configures a single Client's connection and proxy behavior.
type ClientConfig struct {
	ClientID          string
	ServerURL         string
	Secret            string
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration

	HAServer       string
	HAExternalURL  string
	HATimeout      time.Duration
	HAIgnoreSSL    bool
	HAPassClientIP bool

	AssistantAlexa  bool
	AssistantGoogle bool
}

// Client maintains an outbound control connection to an edge server and
// reverse-proxies tunneled requests to a local Home Assistant instance.
type Client struct {
	cfg      ClientConfig
	logger   *zap.Logger
	upstream *http.Client
}

// NewClient builds a Client ready to Run. cfg.HAExternalURL defaults to
// cfg.HAServer when empty; callers resolving "DETECT" must do so before
// constructing the Client.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.HAExternalURL == "" {
		cfg.HAExternalURL = cfg.HAServer
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HATimeout <= 0 {
		cfg.HATimeout = 10 * time.Second
	}

	transport := &http.Transport{}
	if cfg.HAIgnoreSSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("client_id", cfg.ClientID)),
		upstream: &http.Client{
			Transport: transport,
			Timeout:   cfg.HATimeout,
		},
	}
}

// Run executes the reconnect loop described in spec §4.5, blocking until ctx
// is cancelled. Each iteration dials, authenticates, runs the heartbeat and
// request-handling tasks, and on transport loss waits reconnect_interval
// before retrying.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("tunnel connection ended, reconnecting",
				zap.Error(err),
				zap.Duration("reconnect_interval", c.cfg.ReconnectInterval),
			)
		}

		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// connectAndServe dials the server once, authenticates, and runs the
// heartbeat and reader tasks until the connection drops or ctx is cancelled.
func (c *Client) connectAndServe(ctx context.Context) error {
	wsURL, err := toWebSocketURL(c.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial tunnel server: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	if err := c.authenticate(ctx, conn); err != nil {
		return err
	}

	c.logger.Info("tunnel authenticated", zap.String("server", c.cfg.ServerURL))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(sessionCtx, conn)
	}()

	err = c.readLoop(sessionCtx, conn)
	cancel()
	wg.Wait()
	return err
}

// authenticate sends the auth frame and waits for exactly one auth_response,
// per spec §4.2.
func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	now := time.Now().Unix()
	sig := auth.Sign(c.cfg.Secret, c.cfg.ClientID, now)

	authMsg := AuthMessage{
		Type:      TypeAuth,
		ClientID:  c.cfg.ClientID,
		Timestamp: now,
		Signature: sig,
	}
	if err := writeJSON(ctx, conn, authMsg); err != nil {
		return fmt.Errorf("send auth message: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}

	msg, err := ParseMessage(data)
	if err != nil {
		return fmt.Errorf("parse auth response: %w", err)
	}

	resp, ok := msg.(*AuthResponseMessage)
	if !ok {
		return fmt.Errorf("expected auth_response, got %T", msg)
	}
	if !resp.Success {
		return fmt.Errorf("auth rejected: %s", resp.Message)
	}
	return nil
}

// heartbeatLoop writes an application-level ping directly to conn every
// HeartbeatInterval until ctx is cancelled or a write fails.
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := PingMessage{Type: TypePing, Timestamp: time.Now().Unix()}
			if err := writeJSON(ctx, conn, ping); err != nil {
				c.logger.Warn("failed to send heartbeat ping", zap.Error(err))
				return
			}
		}
	}
}

// readLoop reads inbound frames and dispatches them per spec §4.7 until the
// connection fails or ctx is cancelled.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("websocket read: %w", err)
		}

		msg, err := ParseMessage(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case *HTTPRequestMessage:
			go c.handleHTTPRequest(ctx, conn, m)
		case *PongMessage:
			// discarded per spec §4.7
		default:
			errMsg := ErrorMessage{Type: TypeError, Code: "invalid_message", Message: fmt.Sprintf("unexpected message type %T", msg)}
			if werr := writeJSON(ctx, conn, errMsg); werr != nil {
				c.logger.Warn("failed to send invalid_message error", zap.Error(werr))
			}
		}
	}
}

var supportedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// handleHTTPRequest applies the feature allowlist, the auth/authorize
// redirect short-circuit, and otherwise reverse-proxies to the local Home
// Assistant instance, per spec §4.7.
func (c *Client) handleHTTPRequest(ctx context.Context, conn *websocket.Conn, req *HTTPRequestMessage) {
	logger := c.logger.With(zap.String("request_id", req.RequestID), zap.String("path", req.Path))

	if !supportedMethods[req.Method] {
		c.sendError(ctx, conn, req.RequestID, "invalid_request", fmt.Sprintf("%s: %q", apperrors.ErrUnsupportedMethod, req.Method))
		return
	}

	if !c.featureAllowed(req.Method, req.Path) {
		logger.Debug("feature not enabled for path", zap.Error(apperrors.ErrFeatureDisabled))
		resp := HTTPResponseMessage{
			Type:      TypeHTTPResponse,
			RequestID: req.RequestID,
			Status:    400,
			Headers:   []Header{},
			Body:      []byte("Feature not enabled!"),
		}
		if err := writeJSON(ctx, conn, resp); err != nil {
			logger.Warn("failed to send feature-disabled response", zap.Error(err))
		}
		return
	}

	if req.Method == http.MethodGet && req.Path == "/auth/authorize" {
		location := strings.TrimRight(c.cfg.HAExternalURL, "/") + "/auth/authorize"
		if req.Query != "" {
			location += "?" + req.Query
		}
		resp := HTTPResponseMessage{
			Type:      TypeHTTPResponse,
			RequestID: req.RequestID,
			Status:    307,
			Headers:   []Header{{Name: "Location", Value: location}},
		}
		if err := writeJSON(ctx, conn, resp); err != nil {
			logger.Warn("failed to send auth redirect", zap.Error(err))
		}
		return
	}

	resp, err := c.proxyToUpstream(ctx, req)
	if err != nil {
		logger.Warn("upstream request failed", zap.Error(err))
		c.sendError(ctx, conn, req.RequestID, "upstream_error", err.Error())
		return
	}

	if err := writeJSON(ctx, conn, resp); err != nil {
		logger.Warn("failed to send http_response", zap.Error(err))
	}
}

// featureAllowed implements the feature/path allowlist from spec §6.
func (c *Client) featureAllowed(method, path string) bool {
	switch {
	case c.cfg.AssistantAlexa && method == http.MethodPost && path == "/api/alexa/smart_home":
		return true
	case c.cfg.AssistantGoogle && method == http.MethodPost && path == "/api/google_assistant":
		return true
	case (c.cfg.AssistantAlexa || c.cfg.AssistantGoogle) && method == http.MethodGet && path == "/auth/authorize":
		return true
	case (c.cfg.AssistantAlexa || c.cfg.AssistantGoogle) && method == http.MethodPost && path == "/auth/token":
		return true
	default:
		return false
	}
}

// proxyToUpstream issues req against the local Home Assistant base URL and
// translates the response into an HTTPResponseMessage.
func (c *Client) proxyToUpstream(ctx context.Context, req *HTTPRequestMessage) (HTTPResponseMessage, error) {
	target := strings.TrimRight(c.cfg.HAServer, "/") + req.Path
	if req.Query != "" {
		target += "?" + req.Query
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(req.Body))
	if err != nil {
		return HTTPResponseMessage{}, fmt.Errorf("build upstream request: %w", err)
	}

	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}

	if c.cfg.HAPassClientIP && req.SourceIP != "" {
		httpReq.Header.Set("X-Forwarded-For", req.SourceIP)
	}

	resp, err := c.upstream.Do(httpReq)
	if err != nil {
		return HTTPResponseMessage{}, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody+1))
	if err != nil {
		return HTTPResponseMessage{}, fmt.Errorf("read upstream response: %w", err)
	}
	if len(body) > maxUpstreamBody {
		body = body[:maxUpstreamBody]
	}

	headers := make([]Header, 0, len(resp.Header))
	for name, values := range resp.Header {
		for _, v := range values {
			headers = append(headers, Header{Name: name, Value: v})
		}
	}

	return HTTPResponseMessage{
		Type:      TypeHTTPResponse,
		RequestID: req.RequestID,
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      body,
	}, nil
}

func (c *Client) sendError(ctx context.Context, conn *websocket.Conn, requestID, code, message string) {
	errMsg := ErrorMessage{Type: TypeError, RequestID: requestID, Code: code, Message: message}
	if err := writeJSON(ctx, conn, errMsg); err != nil {
		c.logger.Warn("failed to send error message", zap.Error(err), zap.String("code", code))
	}
}

// toWebSocketURL rewrites an http(s) base URL into a ws(s):// URL pointing at
// the /tunnel path.
func toWebSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a websocket URL
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/tunnel"
	return u.String(), nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

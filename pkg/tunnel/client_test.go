package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hatunnel/ha-tunnel/pkg/auth"
)

// mockEdgeServer is a minimal stand-in for the edge server's /tunnel
// endpoint: it accepts one connection, verifies the auth handshake, and lets
// the test script drive the rest of the exchange directly.
type mockEdgeServer struct {
	t      *testing.T
	server *httptest.Server
	secret string

	mu      sync.Mutex
	conn    *websocket.Conn
	accepts int

	authed chan *AuthMessage
}

func newMockEdgeServer(t *testing.T, secret string) *mockEdgeServer {
	m := &mockEdgeServer{t: t, secret: secret, authed: make(chan *AuthMessage, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", m.handleTunnel)
	m.server = httptest.NewServer(mux)
	return m
}

func (m *mockEdgeServer) handleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		m.t.Logf("accept error: %v", err)
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.accepts++
	m.mu.Unlock()

	_, data, err := conn.Read(r.Context())
	if err != nil {
		m.t.Logf("read auth error: %v", err)
		return
	}

	msg, err := ParseMessage(data)
	if err != nil {
		m.t.Logf("parse auth error: %v", err)
		return
	}
	authMsg, ok := msg.(*AuthMessage)
	if !ok {
		m.t.Logf("expected auth message, got %T", msg)
		return
	}

	success := auth.Verify(m.secret, authMsg.ClientID, authMsg.Timestamp, authMsg.Signature)
	resp := AuthResponseMessage{Type: TypeAuthResponse, Success: success}
	if !success {
		resp.Message = "Invalid signature"
	}
	respData, _ := json.Marshal(resp)
	if err := conn.Write(r.Context(), websocket.MessageText, respData); err != nil {
		m.t.Logf("write auth_response error: %v", err)
		return
	}
	if !success {
		conn.Close(websocket.StatusNormalClosure, "auth rejected")
		return
	}

	m.authed <- authMsg
	<-r.Context().Done()
}

func (m *mockEdgeServer) sendHTTPRequest(ctx context.Context, req *HTTPRequestMessage) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (m *mockEdgeServer) readMessage(ctx context.Context) (any, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("no connection")
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return ParseMessage(data)
}

func (m *mockEdgeServer) close() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "test done")
	}
	m.server.Close()
}

func baseTestConfig(serverURL, secret string) ClientConfig {
	return ClientConfig{
		ClientID:          "test-client",
		ServerURL:         serverURL,
		Secret:            secret,
		ReconnectInterval: 50 * time.Millisecond,
		HeartbeatInterval: time.Hour, // quiesce heartbeats unless a test cares
		AssistantAlexa:    true,
		AssistantGoogle:   true,
	}
}

func TestClient_AuthenticatesSuccessfully(t *testing.T) {
	edge := newMockEdgeServer(t, "s")
	defer edge.close()

	cfg := baseTestConfig(edge.server.URL, "s")
	client := NewClient(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	select {
	case authMsg := <-edge.authed:
		assert.Equal(t, "test-client", authMsg.ClientID)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for auth")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for client shutdown")
	}
}

func TestClient_ReconnectsOnAuthRejection(t *testing.T) {
	edge := newMockEdgeServer(t, "right-secret")
	defer edge.close()

	cfg := baseTestConfig(edge.server.URL, "wrong-secret")
	cfg.ReconnectInterval = 20 * time.Millisecond
	client := NewClient(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	// Auth rejection never delivers on edge.authed; the loop must keep
	// redialing after each rejection and still exit cleanly on cancellation.
	<-ctx.Done()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client shutdown after repeated auth rejection")
	}

	edge.mu.Lock()
	accepts := edge.accepts
	edge.mu.Unlock()
	assert.GreaterOrEqual(t, accepts, 2, "client should reconnect after auth rejection")
}

func TestClient_RelaysAllowedRequest(t *testing.T) {
	edge := newMockEdgeServer(t, "s")
	defer edge.close()

	ha := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/alexa/smart_home", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer ha.Close()

	cfg := baseTestConfig(edge.server.URL, "s")
	cfg.HAServer = ha.URL
	client := NewClient(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	select {
	case <-edge.authed:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for auth")
	}

	err := edge.sendHTTPRequest(ctx, &HTTPRequestMessage{
		Type:      TypeHTTPRequest,
		RequestID: "req-1",
		Method:    "POST",
		Path:      "/api/alexa/smart_home",
		Body:      []byte(`{"x":1}`),
	})
	require.NoError(t, err)

	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	defer readCancel()
	msg, err := edge.readMessage(readCtx)
	require.NoError(t, err)
	resp, ok := msg.(*HTTPResponseMessage)
	require.True(t, ok, "expected http_response, got %T", msg)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte(`{"ok":true}`), resp.Body)
}

func TestClient_RejectsDisabledFeature(t *testing.T) {
	edge := newMockEdgeServer(t, "s")
	defer edge.close()

	cfg := baseTestConfig(edge.server.URL, "s")
	cfg.AssistantAlexa = false
	cfg.AssistantGoogle = false
	client := NewClient(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	select {
	case <-edge.authed:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for auth")
	}

	err := edge.sendHTTPRequest(ctx, &HTTPRequestMessage{
		Type:      TypeHTTPRequest,
		RequestID: "req-2",
		Method:    "POST",
		Path:      "/api/alexa/smart_home",
	})
	require.NoError(t, err)

	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	defer readCancel()
	msg, err := edge.readMessage(readCtx)
	require.NoError(t, err)
	resp, ok := msg.(*HTTPResponseMessage)
	require.True(t, ok)
	assert.Equal(t, 400, resp.Status)
	assert.Equal(t, []byte("Feature not enabled!"), resp.Body)
}

func TestClient_AuthAuthorizeRedirect(t *testing.T) {
	edge := newMockEdgeServer(t, "s")
	defer edge.close()

	cfg := baseTestConfig(edge.server.URL, "s")
	cfg.HAExternalURL = "https://ext.example"
	client := NewClient(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	select {
	case <-edge.authed:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for auth")
	}

	err := edge.sendHTTPRequest(ctx, &HTTPRequestMessage{
		Type:      TypeHTTPRequest,
		RequestID: "req-3",
		Method:    "GET",
		Path:      "/auth/authorize",
		Query:     "state=abc",
	})
	require.NoError(t, err)

	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	defer readCancel()
	msg, err := edge.readMessage(readCtx)
	require.NoError(t, err)
	resp, ok := msg.(*HTTPResponseMessage)
	require.True(t, ok)
	assert.Equal(t, 307, resp.Status)
	loc, found := HeaderGet(resp.Headers, "Location")
	require.True(t, found)
	assert.Equal(t, "https://ext.example/auth/authorize?state=abc", loc)
}

func TestClient_UnsupportedMethod(t *testing.T) {
	edge := newMockEdgeServer(t, "s")
	defer edge.close()

	cfg := baseTestConfig(edge.server.URL, "s")
	client := NewClient(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	select {
	case <-edge.authed:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for auth")
	}

	err := edge.sendHTTPRequest(ctx, &HTTPRequestMessage{
		Type:      TypeHTTPRequest,
		RequestID: "req-4",
		Method:    "TRACE",
		Path:      "/api/alexa/smart_home",
	})
	require.NoError(t, err)

	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	defer readCancel()
	msg, err := edge.readMessage(readCtx)
	require.NoError(t, err)
	errMsg, ok := msg.(*ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "req-4", errMsg.RequestID)
	assert.Equal(t, "invalid_request", errMsg.Code)
}

func TestClient_UpstreamFailureReturnsErrorMessage(t *testing.T) {
	edge := newMockEdgeServer(t, "s")
	defer edge.close()

	cfg := baseTestConfig(edge.server.URL, "s")
	cfg.HAServer = "http://127.0.0.1:1" // nothing listens here
	client := NewClient(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	select {
	case <-edge.authed:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for auth")
	}

	err := edge.sendHTTPRequest(ctx, &HTTPRequestMessage{
		Type:      TypeHTTPRequest,
		RequestID: "req-5",
		Method:    "POST",
		Path:      "/api/alexa/smart_home",
	})
	require.NoError(t, err)

	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	defer readCancel()
	msg, err := edge.readMessage(readCtx)
	require.NoError(t, err)
	errMsg, ok := msg.(*ErrorMessage)
	require.True(t, ok, "expected error message, got %T", msg)
	assert.Equal(t, "req-5", errMsg.RequestID)
	assert.Equal(t, "upstream_error", errMsg.Code)
}

func TestClient_PassesClientIPWhenEnabled(t *testing.T) {
	edge := newMockEdgeServer(t, "s")
	defer edge.close()

	var seenXFF string
	ha := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenXFF = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	}))
	defer ha.Close()

	cfg := baseTestConfig(edge.server.URL, "s")
	cfg.HAServer = ha.URL
	cfg.HAPassClientIP = true
	client := NewClient(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	select {
	case <-edge.authed:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for auth")
	}

	err := edge.sendHTTPRequest(ctx, &HTTPRequestMessage{
		Type:      TypeHTTPRequest,
		RequestID: "req-6",
		Method:    "POST",
		Path:      "/api/alexa/smart_home",
		SourceIP:  "203.0.113.5",
	})
	require.NoError(t, err)

	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	defer readCancel()
	_, err = edge.readMessage(readCtx)
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.5", seenXFF)
}

func TestClient_HeartbeatSendsPing(t *testing.T) {
	edge := newMockEdgeServer(t, "s")
	defer edge.close()

	cfg := baseTestConfig(edge.server.URL, "s")
	cfg.HeartbeatInterval = 20 * time.Millisecond
	client := NewClient(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	select {
	case <-edge.authed:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for auth")
	}

	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()
	msg, err := edge.readMessage(readCtx)
	require.NoError(t, err)
	_, ok := msg.(*PingMessage)
	assert.True(t, ok, "expected ping, got %T", msg)
}

func TestToWebSocketURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://example.com", "ws://example.com/tunnel"},
		{"https://example.com", "wss://example.com/tunnel"},
		{"https://example.com/", "wss://example.com/tunnel"},
	}
	for _, tt := range tests {
		got, err := toWebSocketURL(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := toWebSocketURL("ftp://example.com")
	assert.Error(t, err)
}

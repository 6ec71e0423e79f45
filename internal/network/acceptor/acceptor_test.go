package acceptor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	network "github.com/lk2023060901/relay-hub/internal/network"
	"github.com/lk2023060901/relay-hub/internal/network/session"
)

type stageError struct {
	stage network.Stage
	err   error
}

// recordHandler 记录所有回调，收到 "panic" 时 panic，其余消息原样回显。
type recordHandler struct {
	mu        sync.Mutex
	connected []string
	messages  []string
	closed    []string
	errs      []stageError

	connectedCh chan string
	closedCh    chan string
}

func newRecordHandler() *recordHandler {
	return &recordHandler{
		connectedCh: make(chan string, 16),
		closedCh:    make(chan string, 16),
	}
}

func (h *recordHandler) OnConnected(sess session.Session) {
	h.mu.Lock()
	h.connected = append(h.connected, sess.ID())
	h.mu.Unlock()
	h.connectedCh <- sess.ID()
}

func (h *recordHandler) OnMessage(sess session.Session, payload []byte) {
	if string(payload) == "panic" {
		panic("boom")
	}
	h.mu.Lock()
	h.messages = append(h.messages, string(payload))
	h.mu.Unlock()
	_ = sess.Send(map[string]string{"echo": string(payload)})
}

func (h *recordHandler) OnClosed(sess session.Session, err error) {
	h.mu.Lock()
	h.closed = append(h.closed, sess.ID())
	h.mu.Unlock()
	h.closedCh <- sess.ID()
}

func (h *recordHandler) OnError(sess session.Session, stage network.Stage, err error) {
	h.mu.Lock()
	h.errs = append(h.errs, stageError{stage: stage, err: err})
	h.mu.Unlock()
}

func (h *recordHandler) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func (h *recordHandler) reported() []stageError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]stageError(nil), h.errs...)
}

func startAcceptor(t *testing.T, cfg Config) (*Acceptor, *recordHandler, string) {
	t.Helper()
	h := newRecordHandler()
	a, err := New(cfg, h)
	require.NoError(t, err)

	srv := httptest.NewServer(a)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
		srv.Close()
	})
	return a, h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitID(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
		return ""
	}
}

func TestNewRequiresHandler(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestConnectEchoClose(t *testing.T) {
	a, h, url := startAcceptor(t, DefaultConfig())
	assert.Equal(t, "/ws", a.Path())

	conn := dial(t, url, nil)
	id := waitID(t, h.connectedCh)
	assert.Equal(t, 1, a.Count())
	require.Len(t, a.Sessions(), 1)
	assert.Equal(t, id, a.Sessions()[0].ID())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"hello"}`, string(data))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, id, waitID(t, h.closedCh))
	assert.Equal(t, 0, a.Count())
	assert.Empty(t, h.reported())
}

func TestCustomIDGenerator(t *testing.T) {
	h := newRecordHandler()
	a, err := New(DefaultConfig(), h, WithIDGenerator(func() string { return "fixed" }))
	require.NoError(t, err)
	srv := httptest.NewServer(a)
	defer srv.Close()
	defer a.Shutdown(context.Background())

	dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	assert.Equal(t, "fixed", waitID(t, h.connectedCh))
}

func TestOriginPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"http://Good.Example", "not a url"}
	_, h, url := startAcceptor(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	dial(t, url, http.Header{"Origin": []string{"http://good.example"}})
	waitID(t, h.connectedCh)

	dial(t, url, nil)
	waitID(t, h.connectedCh)
}

func TestOriginNormalize(t *testing.T) {
	p := newOriginPolicy([]string{" * "})
	assert.True(t, p.allow(httptest.NewRequest(http.MethodGet, "/ws", nil)))

	got, ok := normalizeOrigin("HTTPS://Example.COM:8443")
	assert.True(t, ok)
	assert.Equal(t, "https://example.com:8443", got)

	_, ok = normalizeOrigin("example.com")
	assert.False(t, ok)
}

func TestMaxConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	_, h, url := startAcceptor(t, cfg)

	conn := dial(t, url, nil)
	waitID(t, h.connectedCh)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, conn.Close())
	waitID(t, h.closedCh)

	// 名额在 OnClosed 之前归还，断线后立即重连不应被拒绝。
	dial(t, url, nil)
	waitID(t, h.connectedCh)
}

func TestReconnectRepeatedlyAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	cfg.WorkerExpiry = 10 * time.Millisecond
	a, h, url := startAcceptor(t, cfg)

	for i := 0; i < 5; i++ {
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err, "attempt %d", i)
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
		waitID(t, h.connectedCh)
		assert.Equal(t, 1, a.Count())

		require.NoError(t, conn.Close())
		waitID(t, h.closedCh)
		if i%2 == 1 {
			time.Sleep(30 * time.Millisecond)
		}
	}
	assert.Equal(t, 0, a.Count())
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = RateLimitConfig{PerSecond: 0.001, Burst: 2}
	_, h, url := startAcceptor(t, cfg)

	conn := dial(t, url, nil)
	waitID(t, h.connectedCh)
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("m")))
	}

	assert.Eventually(t, func() bool { return h.messageCount() == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, h.messageCount())
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	_, h, url := startAcceptor(t, DefaultConfig())

	conn := dial(t, url, nil)
	waitID(t, h.connectedCh)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("panic")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("after")))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"after"}`, string(data))

	errs := h.reported()
	require.Len(t, errs, 1)
	assert.Equal(t, network.StageDispatch, errs[0].stage)
	assert.True(t, errors.Is(errs[0].err, network.ErrDispatchFailed))
}

func TestShutdown(t *testing.T) {
	a, h, url := startAcceptor(t, DefaultConfig())

	conn := dial(t, url, nil)
	id := waitID(t, h.connectedCh)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
	assert.Equal(t, id, waitID(t, h.closedCh))
	assert.Equal(t, 0, a.Count())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, a.Shutdown(ctx))
}

package hub

import (
	"context"
	"net"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/relay-hub/internal/json"
	"github.com/lk2023060901/relay-hub/internal/network/serializer"
	"github.com/lk2023060901/relay-hub/internal/network/session"
)

var errMockSend = errors.New("mock send failed")

// mockSession 记录所有发出的消息，供断言使用。
type mockSession struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sent     []map[string]json.RawMessage
	sendErr  error
	closed   bool
}

var _ session.Session = (*mockSession)(nil)

func newMockSession(id string) *mockSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &mockSession{id: id, ctx: ctx, cancel: cancel}
}

func (m *mockSession) ID() string               { return m.id }
func (m *mockSession) Context() context.Context { return m.ctx }
func (m *mockSession) RemoteAddr() net.Addr     { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000} }

func (m *mockSession) Send(msg any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMockSend
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	data, err := serializer.JSONSerializer{}.Marshal(msg)
	if err != nil {
		return err
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	m.sent = append(m.sent, decoded)
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cancel()
	return nil
}

func (m *mockSession) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockSession) setFailSend(v bool) {
	if v {
		m.failWith(errMockSend)
		return
	}
	m.failWith(nil)
}

// failWith 让后续的 Send 返回 err，nil 表示恢复正常。
func (m *mockSession) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// drain 取出并清空已发送的消息。
func (m *mockSession) drain() []map[string]json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sent
	m.sent = nil
	return out
}

// field 将消息中的字段解码到 v。
func field[T any](msg map[string]json.RawMessage, key string) T {
	var v T
	if raw, ok := msg[key]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	network "github.com/lk2023060901/relay-hub/internal/network"
	"github.com/lk2023060901/relay-hub/internal/network/serializer"
	"github.com/lk2023060901/relay-hub/pkg/metrics"
	"github.com/lk2023060901/relay-hub/pkg/util/merr"
)

// WSSession 是基于 gorilla/websocket 的 Session 实现。
//
// 设计要点：
//   - Send 只负责编码并投递到会话级发送队列，不直接触碰底层连接；
//   - 独立的 writeLoop 协程串行写出队列中的文本帧，并按 PingPeriod 发送 ping；
//   - 读取由接入层在自身协程中调用 ReadMessage 完成，gorilla 允许一读一写并发；
//   - 发送队列永不关闭，写协程通过 ctx 退出，避免 Send 与 Close 之间的竞争。
type WSSession struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc

	conn       *websocket.Conn
	ser        serializer.Serializer
	cfg        Config
	remoteAddr net.Addr

	// sendQueue 为待写出的文本帧队列，仅由 writeLoop 消费。
	sendQueue chan []byte

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	// writeErr 记录导致写协程退出的错误，正常关闭时为 nil。
	writeErr atomic.Error
}

// 确保 WSSession 实现了 Session 接口。
var _ Session = (*WSSession)(nil)

// NewWSSession 基于已完成升级的 WebSocket 连接创建会话，并启动写协程。
//
// 参数：
//   - parent：会话所属的上层上下文（例如 Acceptor 的基础 ctx）；为 nil 时使用 context.Background()；
//   - id    ：连接 ID；
//   - conn  ：已升级的 WebSocket 连接，所有权转移给会话；
//   - ser   ：出站消息使用的 Serializer；
//   - cfg   ：会话参数，未设置的字段使用默认值。
func NewWSSession(parent context.Context, id string, conn *websocket.Conn, ser serializer.Serializer, cfg Config) *WSSession {
	if parent == nil {
		parent = context.Background()
	}
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(parent)

	s := &WSSession{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		ser:        ser,
		cfg:        cfg,
		remoteAddr: conn.RemoteAddr(),
		sendQueue:  make(chan []byte, cfg.SendQueueSize),
		done:       make(chan struct{}),
	}

	conn.SetReadLimit(cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	go s.writeLoop()
	return s
}

// ID 实现 Session.ID。
func (s *WSSession) ID() string {
	return s.id
}

// Context 实现 Session.Context。
func (s *WSSession) Context() context.Context {
	return s.ctx
}

// RemoteAddr 实现 Session.RemoteAddr。
func (s *WSSession) RemoteAddr() net.Addr {
	return s.remoteAddr
}

// Send 实现 Session.Send。
func (s *WSSession) Send(msg any) error {
	if s.closed.Load() {
		return merr.WrapErrSessionClosed(s.id)
	}

	data, err := s.ser.Marshal(msg)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "session %s: encode", s.id), network.ErrEncodeFailed)
	}

	select {
	case <-s.ctx.Done():
		return merr.WrapErrSessionClosed(s.id)
	case s.sendQueue <- data:
		return nil
	default:
		metrics.SendQueueOverflow.Inc()
		return merr.WrapErrSendQueueFull(s.id, cap(s.sendQueue))
	}
}

// ReadMessage 阻塞读取下一条数据帧，只能由单个协程调用。
//
// 每收到一帧都会顺延读超时；ping/pong/close 等控制帧由 gorilla 在内部处理。
func (s *WSSession) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	return data, nil
}

// Close 实现 Session.Close。
//
// 仅标记关闭并取消上下文，由写协程发送 close 帧并关闭底层连接。
func (s *WSSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
	return nil
}

// Done 在写协程退出且底层连接已关闭后关闭。
func (s *WSSession) Done() <-chan struct{} {
	return s.done
}

// Err 返回导致会话写出失败的错误，正常关闭时为 nil。
func (s *WSSession) Err() error {
	return s.writeErr.Load()
}

// writeLoop 为每个会话启动的专职写协程。
//
// 行为：
//   - 从 sendQueue 中按顺序取出文本帧写出；
//   - 按 PingPeriod 发送 ping，维持心跳；
//   - ctx 结束时尽力发送 close 帧后关闭连接；
//   - 写出失败时记录原因并关闭会话，读协程随之因连接关闭而退出。
func (s *WSSession) writeLoop() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.Close()
		_ = s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteWait))
			return
		case data := <-s.sendQueue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.writeErr.Store(errors.Mark(errors.Wrapf(err, "session %s: write", s.id), network.ErrSendFailed))
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.writeErr.Store(errors.Mark(errors.Wrapf(err, "session %s: ping", s.id), network.ErrSendFailed))
				return
			}
		}
	}
}

package session

import (
	"context"
	"net"
)

// Session 抽象了一条网络会话/连接。
//
// 约定：
//   - 每个 Session 对应一条底层 WebSocket 连接；
//   - Session ID 为接入时分配的字符串，在进程内保持唯一，连接存续期间不变；
//   - 框架层只关心会话本身，不关心“用户身份”等具体业务概念。
type Session interface {
	// ID 返回该会话的唯一标识（即连接 ID）。
	ID() string

	// Context 返回与该会话关联的上下文，会话关闭时触发 Done。
	//
	// 上下文中携带了连接级的日志字段，业务层可通过 log.Ctx(ctx) 取得。
	Context() context.Context

	// RemoteAddr 返回远端地址，主要用于日志记录与审计。
	RemoteAddr() net.Addr

	// Send 将一条业务消息编码后投递到该会话的发送队列。
	//
	// 行为：
	//   - 同一会话上的写出由唯一的发送协程串行完成，调用方可以在任意协程中调用；
	//   - 队列已满时不阻塞，直接返回 ErrSendQueueFull；
	//   - 会话已关闭时返回 ErrSessionClosed。
	Send(msg any) error

	// Close 主动关闭该会话，多次调用是幂等的。
	Close() error
}

package router

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/relay-hub/internal/network/serializer"
	"github.com/lk2023060901/relay-hub/internal/network/session"
	"github.com/lk2023060901/relay-hub/pkg/util/merr"
)

// Handler 是框架暴露给业务层的通用处理函数签名。
//
// 说明：
//   - ctx ：当前会话的上下文，携带连接级日志字段；
//   - sess：当前会话，用于关联用户身份并发送响应；
//   - req ：已经经过反序列化的请求对象，具体类型由 Route.NewRequest 决定；
//   - 返回：
//   - resp：可选的响应对象，非 nil 时由 Router 自动发送给当前会话；
//   - err ：业务执行失败时的错误，由上层决定如何记录或转换为错误回复。
type Handler func(ctx context.Context, sess session.Session, req any) (resp any, err error)

// Route 描述一条路由规则：消息类型 -> 请求类型 + 业务 Handler。
type Route struct {
	// NewRequest 用于创建一个空的请求对象实例。
	//
	// 要求：
	//   - 必须返回指针（例如：func() any { return &RegisterRequest{} }）。
	NewRequest func() any

	// Handler 为业务层实现的处理函数。
	Handler Handler
}

// Router 维护消息类型到路由规则的映射，并负责从“文本帧”到业务 Handler 的调度。
//
// 典型调用链（服务器侧）：
//  1. 上层从帧中识别出消息类型 kind；
//  2. 调用 Router.Handle(ctx, sess, kind, payload)；
//  3. Router 根据 kind 找到 Route：
//     - NewRequest() 创建请求对象；
//     - 使用 Serializer.Unmarshal(payload, req) 反序列化整帧；
//     - 调用业务 Handler；
//     - 如有响应，通过 sess.Send 发送。
//
// 注册须在开始处理消息之前完成，之后 Router 只读，可并发调用 Handle。
type Router[K comparable] struct {
	ser    serializer.Serializer
	routes map[K]Route
}

// New 创建一个基于给定 Serializer 的 Router 实例。
func New[K comparable](ser serializer.Serializer) *Router[K] {
	return &Router[K]{
		ser:    ser,
		routes: make(map[K]Route),
	}
}

// Register 为消息类型 kind 注册一条路由规则，同一类型不允许重复注册。
func (r *Router[K]) Register(kind K, route Route) error {
	if route.NewRequest == nil {
		return fmt.Errorf("router: NewRequest is nil for kind=%v", kind)
	}
	if route.Handler == nil {
		return fmt.Errorf("router: Handler is nil for kind=%v", kind)
	}
	if _, exists := r.routes[kind]; exists {
		return fmt.Errorf("router: kind=%v already registered", kind)
	}
	r.routes[kind] = route
	return nil
}

// Has 判断 kind 是否已注册。
func (r *Router[K]) Has(kind K) bool {
	_, ok := r.routes[kind]
	return ok
}

// Handle 处理一条已经识别出类型的消息。
//
// 错误：
//   - 未注册的类型返回 ErrMessageUnknownType；
//   - 反序列化失败返回 ErrMessageInvalidFormat；
//   - 其余为 Handler 返回的错误或发送响应失败的错误。
func (r *Router[K]) Handle(ctx context.Context, sess session.Session, kind K, payload []byte) error {
	if sess == nil {
		return fmt.Errorf("router: session is nil")
	}

	route, ok := r.routes[kind]
	if !ok {
		return merr.WrapErrMessageUnknownType(kind)
	}

	// 1. 构造请求对象并反序列化。
	req := route.NewRequest()
	if req == nil {
		return fmt.Errorf("router: NewRequest returned nil for kind=%v", kind)
	}
	if len(payload) > 0 {
		if err := r.ser.Unmarshal(payload, req); err != nil {
			return merr.WrapErrMessageInvalidFormat(err.Error())
		}
	}

	// 2. 调用业务 Handler。
	resp, err := route.Handler(ctx, sess, req)
	if err != nil {
		return err
	}

	// 3. 有响应时发送给当前会话。
	if resp == nil {
		return nil
	}
	if err := sess.Send(resp); err != nil {
		return errors.Wrapf(err, "router: send response for kind=%v", kind)
	}
	return nil
}

package hub

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/relay-hub/internal/json"
	network "github.com/lk2023060901/relay-hub/internal/network"
	"github.com/lk2023060901/relay-hub/internal/network/acceptor"
	"github.com/lk2023060901/relay-hub/internal/network/router"
	"github.com/lk2023060901/relay-hub/internal/network/serializer"
	"github.com/lk2023060901/relay-hub/internal/network/session"
	"github.com/lk2023060901/relay-hub/pkg/log"
	"github.com/lk2023060901/relay-hub/pkg/metrics"
	"github.com/lk2023060901/relay-hub/pkg/util/merr"
)

// Config 为 Hub 的业务参数。
type Config struct {
	// ServiceName 出现在 connected 欢迎消息中。
	ServiceName string `mapstructure:"service-name"`

	// MaxUserIDLength 为 userId 允许的最大字符数。
	MaxUserIDLength int `mapstructure:"max-user-id-length"`

	// InactiveTimeout 为连接允许的最长静默时间，超时的连接会被关闭；<= 0 表示不清理。
	InactiveTimeout time.Duration `mapstructure:"inactive-timeout"`

	// SweepInterval 为空闲连接的检查周期。
	SweepInterval time.Duration `mapstructure:"sweep-interval"`
}

// DefaultConfig 返回默认的 Hub 配置。
func DefaultConfig() Config {
	return Config{
		ServiceName:     "relay-hub",
		MaxUserIDLength: 50,
		InactiveTimeout: 5 * time.Minute,
		SweepInterval:   time.Minute,
	}
}

// Stats 为 Hub 的实时统计。
type Stats struct {
	Connections int
	OnlineUsers int
}

// Hub 实现 acceptor.Handler，是在线状态与消息转发的业务核心。
//
// 每条连接的消息在该连接自己的读协程中串行处理，不同连接并发执行；
// 共享状态全部收敛在 Registry 中。
type Hub struct {
	log.Binder

	cfg      Config
	ser      serializer.Serializer
	registry *Registry
	presence *Broadcaster
	router   *router.Router[Kind]

	now func() time.Time
}

// 确保 Hub 实现了 acceptor.Handler 接口。
var _ acceptor.Handler = (*Hub)(nil)

// New 创建 Hub 并注册全部消息路由。
func New(cfg Config) (*Hub, error) {
	def := DefaultConfig()
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.MaxUserIDLength <= 0 {
		cfg.MaxUserIDLength = def.MaxUserIDLength
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	registry := NewRegistry()
	h := &Hub{
		cfg:      cfg,
		ser:      serializer.JSONSerializer{},
		registry: registry,
		presence: NewBroadcaster(registry),
		now:      time.Now,
	}
	h.SetLogger(log.With(log.FieldComponent("hub")))

	h.router = router.New[Kind](h.ser)
	if err := h.registerRoutes(); err != nil {
		return nil, err
	}
	return h, nil
}

// Registry 返回 Hub 使用的注册表。
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Stats 返回当前连接数与在线用户数。
func (h *Hub) Stats() Stats {
	conns, users := h.registry.Count()
	return Stats{Connections: conns, OnlineUsers: users}
}

// OnConnected 实现 acceptor.Handler.OnConnected。
func (h *Hub) OnConnected(sess session.Session) {
	logger := log.Ctx(sess.Context())
	if err := h.registry.Create(sess); err != nil {
		logger.Warn("create registry entry failed", zap.Error(err))
		_ = sess.Close()
		return
	}

	if err := sess.Send(&Connected{
		Type:     TypeConnected,
		ClientID: sess.ID(),
		Message:  "Connected to " + h.cfg.ServiceName,
	}); err != nil {
		logger.Warn("send connected failed", zap.Error(err))
	}
	logger.Info("client connected")
}

// OnMessage 实现 acceptor.Handler.OnMessage。
//
// 流程：
//  0. 刷新连接的最近活跃时间，任何入站帧都算活跃；
//  1. 解码为 JSON 对象，失败时回复 "Invalid message format"；
//  2. 读取 type 并解析为 Kind，未知类型只记录调试日志；
//  3. 交给 Router 分发，请求体解码失败同样回复格式错误。
func (h *Hub) OnMessage(sess session.Session, payload []byte) {
	ctx := sess.Context()
	logger := log.Ctx(ctx)
	h.registry.Touch(sess.ID())

	var fields map[string]json.RawMessage
	if err := h.ser.Unmarshal(payload, &fields); err != nil || fields == nil {
		metrics.MessagesDropped.WithLabelValues(KindUnknown.String(), metrics.DropReasonInvalidFormat).Inc()
		logger.Debug("malformed envelope", zap.Int("size", len(payload)), zap.Error(err))
		h.reply(sess, newError(msgInvalidFormat))
		return
	}

	var typ string
	if raw, ok := fields["type"]; ok {
		_ = h.ser.Unmarshal(raw, &typ)
	}
	kind := ParseKind(typ)
	if kind == KindUnknown {
		metrics.MessagesDropped.WithLabelValues(KindUnknown.String(), metrics.DropReasonUnknownType).Inc()
		logger.Debug("unknown message type", log.FieldKind(typ))
		return
	}
	metrics.MessagesReceived.WithLabelValues(kind.String()).Inc()

	err := h.router.Handle(ctx, sess, kind, payload)
	switch {
	case err == nil:
	case errors.Is(err, merr.ErrMessageInvalidFormat):
		metrics.MessagesDropped.WithLabelValues(kind.String(), metrics.DropReasonInvalidFormat).Inc()
		logger.Debug("malformed request", log.FieldKind(kind.String()), zap.Error(err))
		h.reply(sess, newError(msgInvalidFormat))
	case merr.IsInputError(err):
		logger.Debug("request rejected", log.FieldKind(kind.String()), zap.Error(err))
	default:
		logger.Warn("handle message failed", log.FieldKind(kind.String()), zap.Error(err))
	}
}

// OnClosed 实现 acceptor.Handler.OnClosed。
//
// 移除注册记录并条件解绑身份；只有在线的连接才会触发下线广播。
func (h *Hub) OnClosed(sess session.Session, err error) {
	ctx := sess.Context()
	logger := log.Ctx(ctx)

	entry, ok := h.registry.Remove(sess.ID())
	if !ok {
		return
	}
	logger.Info("client disconnected",
		log.FieldUserID(entry.Identity),
		zap.Bool("online", entry.Online),
		zap.Duration("duration", h.now().Sub(entry.ConnectedAt)),
		zap.Error(err))

	if entry.Online {
		h.presence.Broadcast(ctx, entry.Identity, false, nil)
	}
}

// OnError 实现 acceptor.Handler.OnError。
func (h *Hub) OnError(sess session.Session, stage network.Stage, err error) {
	logger := h.Logger()
	if sess != nil {
		logger = log.Ctx(sess.Context())
	}
	switch stage {
	case network.StageDispatch:
		logger.Error("message handling panicked", log.FieldStage(stage.String()), zap.Error(err))
	case network.StageHandshake:
		logger.RatedWarn(1, "websocket handshake failed", log.FieldStage(stage.String()), zap.Error(err))
	default:
		logger.Warn("network error", log.FieldStage(stage.String()), zap.Error(err))
	}
}

// reply 向当前连接发送一条消息，失败只记录日志。
func (h *Hub) reply(sess session.Session, msg any) {
	if err := sess.Send(msg); err != nil {
		log.Ctx(sess.Context()).Warn("reply failed", zap.Error(err))
	}
}

// RunSweeper 按 SweepInterval 周期关闭空闲连接，直到 ctx 结束。
// InactiveTimeout <= 0 时直接返回。
func (h *Hub) RunSweeper(ctx context.Context) {
	if h.cfg.InactiveTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	h.Logger().Info("inactive sweeper started",
		zap.Duration("timeout", h.cfg.InactiveTimeout),
		zap.Duration("interval", h.cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep 关闭所有超过 InactiveTimeout 未活跃的连接并返回关闭的数量。
//
// 这里只关闭会话，注册记录的移除与下线广播由随后的 OnClosed 完成。
func (h *Hub) Sweep() int {
	if h.cfg.InactiveTimeout <= 0 {
		return 0
	}
	idle := h.registry.Idle(h.now().Add(-h.cfg.InactiveTimeout))
	for _, e := range idle {
		log.Ctx(e.Session.Context()).Info("closing inactive connection",
			log.FieldUserID(e.Identity),
			zap.Bool("online", e.Online),
			zap.Time("lastSeen", e.LastSeen))
		_ = e.Session.Close()
	}
	if len(idle) > 0 {
		metrics.InactiveClosed.Add(float64(len(idle)))
	}
	return len(idle)
}

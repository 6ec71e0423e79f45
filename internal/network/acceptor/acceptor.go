package acceptor

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	network "github.com/lk2023060901/relay-hub/internal/network"
	"github.com/lk2023060901/relay-hub/internal/network/serializer"
	"github.com/lk2023060901/relay-hub/internal/network/session"
	"github.com/lk2023060901/relay-hub/pkg/log"
	"github.com/lk2023060901/relay-hub/pkg/metrics"
	"github.com/lk2023060901/relay-hub/pkg/util/conc"
	"github.com/lk2023060901/relay-hub/pkg/util/merr"
)

// RateLimitConfig 描述单个连接的入站帧限流参数（令牌桶）。
type RateLimitConfig struct {
	// PerSecond 为每秒补充的令牌数，<= 0 表示不限流。
	PerSecond float64 `mapstructure:"per-second"`

	// Burst 为令牌桶容量。
	Burst int `mapstructure:"burst"`
}

// Config 描述 Acceptor 的接入参数。
//
// 说明：
//   - Path 为 WebSocket 的升级路径（如 "/ws"），由 HTTP 路由使用；
//   - MaxConnections 限制同时存活的连接数（含握手中的连接），<= 0 表示不限制；
//   - WorkerExpiry 为读循环协程空闲后的保留时长，便于断线重连时复用；
//   - AllowedOrigins 为握手时允许的 Origin 列表，"*" 表示全部允许；
//   - Session 为每个连接的收发参数。
type Config struct {
	Path           string          `mapstructure:"path"`
	MaxConnections int             `mapstructure:"max-connections"`
	WorkerExpiry   time.Duration   `mapstructure:"worker-expiry"`
	AllowedOrigins []string        `mapstructure:"allowed-origins"`
	RateLimit      RateLimitConfig `mapstructure:"rate-limit"`

	Session session.Config `mapstructure:"-"`
}

// DefaultConfig 返回默认的接入配置。
func DefaultConfig() Config {
	return Config{
		Path:           "/ws",
		MaxConnections: 10000,
		WorkerExpiry:   30 * time.Second,
		AllowedOrigins: []string{"*"},
		RateLimit: RateLimitConfig{
			PerSecond: 50,
			Burst:     100,
		},
		Session: session.DefaultConfig(),
	}
}

// Handler 由框架使用者实现，用于在服务器侧的各个阶段插入自定义逻辑。
//
// 说明：
//   - 同一会话上的 OnConnected、OnMessage、OnClosed 在该会话的读协程中串行调用；
//   - 不同会话的回调并发执行，实现需要自行保证共享状态的并发安全；
//   - 回调应避免长时间阻塞，否则会延迟该会话后续帧的处理。
type Handler interface {
	// OnConnected 在握手成功并创建好会话后被调用一次。
	OnConnected(sess session.Session)

	// OnMessage 在收到一条数据帧后被调用，payload 为帧的原始内容。
	OnMessage(sess session.Session, payload []byte)

	// OnClosed 在会话生命周期结束时被调用一次。
	//
	// 参数 err 为关闭原因，正常关闭时为 nil。
	OnClosed(sess session.Session, err error)

	// OnError 在会话处理的各个阶段发生错误时被调用。
	//
	// stage 用于标识错误发生的位置；握手阶段失败时 sess 可能为 nil。
	OnError(sess session.Session, stage network.Stage, err error)
}

// Acceptor 是服务器侧的 WebSocket 接入层，实现了 http.Handler。
//
// 职责：
//   - 校验 Origin、连接数上限后完成 WebSocket 升级；
//   - 为每个连接创建 WSSession，并在协程池中运行其读循环；
//   - 对入站帧按连接限流，再交给 Handler.OnMessage；
//   - 维护当前活跃会话列表，支持优雅关闭。
type Acceptor struct {
	cfg     Config
	handler Handler

	ser      serializer.Serializer
	newID    func() string
	upgrader websocket.Upgrader
	origins  *originPolicy

	pool     *conc.Pool
	sessions *session.Manager

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	mu     sync.Mutex
	closed bool
	active int // 已占用名额的连接数，含握手中的连接
	wg     sync.WaitGroup
}

// 确保 Acceptor 实现了 http.Handler 接口。
var _ http.Handler = (*Acceptor)(nil)

// New 创建一个 Acceptor。
func New(cfg Config, h Handler, opts ...Option) (*Acceptor, error) {
	if h == nil {
		return nil, errors.New("acceptor: handler is nil")
	}

	a := &Acceptor{
		cfg:      cfg,
		handler:  h,
		ser:      serializer.JSONSerializer{},
		newID:    session.NewID,
		origins:  newOriginPolicy(cfg.AllowedOrigins),
		sessions: session.NewManager(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			// Origin 在升级前已由 originPolicy 校验。
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(a)
	}

	// 名额由 active 控制；池满时 Submit 只会短暂等待刚结束的 worker 归还。
	pool, err := conc.NewPool(cfg.MaxConnections,
		conc.WithExpiryDuration(cfg.WorkerExpiry),
		conc.WithPanicHandler(func(v any) {
			log.Error("connection loop panicked", zap.Any("panic", v))
		}),
	)
	if err != nil {
		return nil, err
	}
	a.pool = pool

	ctx, span := log.NewIntentContext("relay-hub", "accept")
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.span = span
	return a, nil
}

// Path 返回 WebSocket 的升级路径。
func (a *Acceptor) Path() string {
	if a.cfg.Path == "" {
		return "/ws"
	}
	return a.cfg.Path
}

// ServeHTTP 处理 WebSocket 升级请求。
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !a.origins.allow(r) {
		metrics.SessionsRejected.WithLabelValues(metrics.RejectReasonOrigin).Inc()
		log.RatedWarn(1, "blocked websocket connection from disallowed origin",
			zap.String("origin", r.Header.Get("Origin")),
			log.FieldRemote(r.RemoteAddr))
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		metrics.SessionsRejected.WithLabelValues(metrics.RejectReasonShutdown).Inc()
		log.RatedWarn(1, "reject websocket upgrade",
			zap.Error(merr.WrapErrServiceNotReady("shutting down")),
			log.FieldRemote(r.RemoteAddr))
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if a.cfg.MaxConnections > 0 && a.active >= a.cfg.MaxConnections {
		a.mu.Unlock()
		metrics.SessionsRejected.WithLabelValues(metrics.RejectReasonCapacity).Inc()
		log.RatedWarn(1, "connection limit reached", zap.Int("limit", a.cfg.MaxConnections))
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	a.active++
	a.wg.Add(1)
	a.mu.Unlock()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 失败时已向客户端写出 HTTP 错误。
		a.release()
		a.wg.Done()
		metrics.SessionsRejected.WithLabelValues(metrics.RejectReasonHandshake).Inc()
		a.reportError(nil, network.StageHandshake, errors.Mark(err, network.ErrHandshakeFailed))
		return
	}

	id := a.newID()
	ctx, span := log.StartIntent(a.ctx, "session")
	ctx = log.WithFields(ctx, log.FieldConnID(id), log.FieldRemote(conn.RemoteAddr().String()))
	sess := session.NewWSSession(ctx, id, conn, a.ser, a.cfg.Session)

	if err := a.pool.Submit(func() {
		defer a.wg.Done()
		defer span.End()
		a.serve(sess)
	}); err != nil {
		a.release()
		a.wg.Done()
		span.End()
		metrics.SessionsRejected.WithLabelValues(metrics.RejectReasonCapacity).Inc()
		a.reportError(sess, network.StageHandshake, err)
		_ = sess.Close()
	}
}

// release 归还一个连接名额。
func (a *Acceptor) release() {
	a.mu.Lock()
	a.active--
	a.mu.Unlock()
}

// serve 运行单个连接的读循环，直至连接断开或接入器关闭。
//
// 流程：
//  1. 注册会话并回调 OnConnected；
//  2. 循环读取数据帧，经过限流后回调 OnMessage；
//  3. 读失败后关闭会话，等待写协程退出，移除会话并归还名额，最后回调 OnClosed。
func (a *Acceptor) serve(sess *session.WSSession) {
	logger := log.Ctx(sess.Context())

	if err := a.sessions.Add(sess); err != nil {
		a.release()
		a.reportError(sess, network.StageHandshake, err)
		_ = sess.Close()
		<-sess.Done()
		return
	}
	metrics.SessionsConnected.Inc()
	logger.Debug("websocket session established")

	a.invoke(sess, func() { a.handler.OnConnected(sess) })

	limiter := a.newLimiter()
	var cause error
	for {
		data, err := sess.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				cause = errors.Mark(err, network.ErrRecvFailed)
			}
			break
		}
		if limiter != nil && !limiter.Allow() {
			metrics.RateLimitedFrames.Inc()
			logger.WithRateGroup("acceptor.rate_limit", 1, 10).
				RatedWarn(1, "inbound frame dropped",
					zap.Error(merr.WrapErrServiceRateLimit(a.cfg.RateLimit.PerSecond)),
					zap.Int("burst", a.cfg.RateLimit.Burst))
			continue
		}
		a.invoke(sess, func() { a.handler.OnMessage(sess, data) })
	}

	_ = sess.Close()
	<-sess.Done()
	if cause == nil {
		cause = sess.Err()
	}

	a.sessions.Remove(sess.ID())
	a.release()
	metrics.SessionsConnected.Dec()
	logger.Debug("websocket session closed", zap.Error(cause))

	a.invoke(sess, func() { a.handler.OnClosed(sess, cause) })
}

// invoke 执行一次 Handler 回调，回调 panic 时上报 StageDispatch 错误而不影响读循环。
func (a *Acceptor) invoke(sess session.Session, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.reportError(sess, network.StageDispatch,
				errors.Mark(errors.Newf("handler panicked: %v", r), network.ErrDispatchFailed))
		}
	}()
	fn()
}

func (a *Acceptor) reportError(sess session.Session, stage network.Stage, err error) {
	metrics.NetworkErrors.WithLabelValues(stage.String()).Inc()
	a.handler.OnError(sess, stage, err)
}

func (a *Acceptor) newLimiter() *rate.Limiter {
	rl := a.cfg.RateLimit
	if rl.PerSecond <= 0 {
		return nil
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = max(1, int(rl.PerSecond))
	}
	return rate.NewLimiter(rate.Limit(rl.PerSecond), burst)
}

// isNormalClose 判断读错误是否属于正常断开（对端关闭或本端主动关闭）。
func isNormalClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

// Sessions 返回当前活跃会话的快照。
func (a *Acceptor) Sessions() []session.Session {
	return a.sessions.Snapshot()
}

// Count 返回当前活跃会话数。
func (a *Acceptor) Count() int {
	return a.sessions.Count()
}

// Shutdown 拒绝新的连接，关闭所有会话并等待其读循环退出。
//
// ctx 结束时不再等待，返回 ctx 的错误。
func (a *Acceptor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	log.Info("acceptor shutting down", zap.Int("sessions", a.sessions.Count()))
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	defer func() {
		a.pool.Release()
		a.span.End()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

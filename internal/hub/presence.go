package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/lk2023060901/relay-hub/internal/json"
	"github.com/lk2023060901/relay-hub/pkg/log"
	"github.com/lk2023060901/relay-hub/pkg/metrics"
)

// Broadcaster 负责向其他在线连接广播身份的上下线状态。
type Broadcaster struct {
	log.Binder

	registry *Registry
}

// NewBroadcaster 创建一个基于 registry 的广播器。
func NewBroadcaster(registry *Registry) *Broadcaster {
	b := &Broadcaster{registry: registry}
	b.SetLogger(log.With(log.FieldComponent("presence")).WithRateGroup("hub.presence", 1, 60))
	return b
}

// Broadcast 向除 identity 自身以外的所有在线连接发送 user-status，返回成功投递的数量。
//
// 对单个接收方的发送失败只记录（限流）日志与指标，不会中断循环，也不会返回给调用方。
func (b *Broadcaster) Broadcast(ctx context.Context, identity string, online bool, profile json.RawMessage) int {
	status := &UserStatus{
		Type:     TypeUserStatus,
		UserID:   identity,
		IsOnline: online,
		UserInfo: orNull(profile),
	}
	if !online {
		status.UserInfo = jsonNull
	}
	data, err := json.Marshal(status)
	if err != nil {
		log.Ctx(ctx).Warn("encode user-status failed", log.FieldUserID(identity), zap.Error(err))
		return 0
	}

	label := metrics.PresenceOffline
	if online {
		label = metrics.PresenceOnline
	}
	metrics.PresenceBroadcasts.WithLabelValues(label).Inc()

	recipients := b.registry.OnlineExcept(identity)
	delivered := 0
	for _, sess := range recipients {
		if err := sess.Send(json.RawMessage(data)); err != nil {
			metrics.BroadcastSendFailures.Inc()
			b.Logger().RatedWarn(1, "user-status delivery failed",
				log.FieldUserID(identity),
				log.FieldConnID(sess.ID()),
				zap.Bool("online", online),
				zap.Error(err))
			continue
		}
		delivered++
	}

	log.Ctx(ctx).Debug("user-status broadcast",
		log.FieldUserID(identity),
		zap.Bool("online", online),
		zap.Int("recipients", len(recipients)),
		zap.Int("delivered", delivered))
	return delivered
}

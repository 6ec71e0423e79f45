package hub

import (
	"context"
	"fmt"
	"maps"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lk2023060901/relay-hub/internal/json"
	"github.com/lk2023060901/relay-hub/internal/network/router"
	"github.com/lk2023060901/relay-hub/internal/network/session"
	"github.com/lk2023060901/relay-hub/pkg/log"
	"github.com/lk2023060901/relay-hub/pkg/metrics"
	"github.com/lk2023060901/relay-hub/pkg/util/merr"
)

func (h *Hub) registerRoutes() error {
	routes := map[Kind]router.Route{
		KindRegister: {
			NewRequest: func() any { return &RegisterRequest{} },
			Handler:    h.handleRegister,
		},
		KindOffer:        h.relayRoute(KindOffer),
		KindAnswer:       h.relayRoute(KindAnswer),
		KindICECandidate: h.relayRoute(KindICECandidate),
		KindMessage: {
			NewRequest: func() any { return &MessageRequest{} },
			Handler:    h.handleMessage,
		},
		KindContactRequest: {
			NewRequest: func() any { return &ContactRequest{} },
			Handler:    h.handleContactRequest,
		},
		KindContactAccepted: {
			NewRequest: func() any { return &ContactAcceptedRequest{} },
			Handler:    h.handleContactAccepted,
		},
		KindGetOnlineUsers: {
			NewRequest: func() any { return &EmptyRequest{} },
			Handler:    h.handleGetOnlineUsers,
		},
		KindPing: {
			NewRequest: func() any { return &EmptyRequest{} },
			Handler:    h.handlePing,
		},
	}
	for kind, route := range routes {
		if err := h.router.Register(kind, route); err != nil {
			return err
		}
	}
	return nil
}

// handleRegister 绑定身份并标记在线，先回复 registered，再广播上线状态。
//
// registered 在注册表写锁内入队，其他连接随后的上线广播一定排在它之后。
func (h *Hub) handleRegister(ctx context.Context, sess session.Session, req any) (any, error) {
	in := req.(*RegisterRequest)
	logger := log.Ctx(ctx)

	userID, err := h.parseUserID(in.UserID)
	if err != nil {
		logger.Debug("register rejected", zap.Error(err))
		return newError(msgInvalidUserID), nil
	}

	reg, err := h.registry.RegisterWith(sess.ID(), userID, in.UserInfo, func(reg Registration) {
		h.reply(sess, &Registered{
			Type:        TypeRegistered,
			UserID:      userID,
			OnlineUsers: reg.Online,
		})
	})
	if err != nil {
		// 连接已关闭，忽略。
		logger.Warn("register on a closed connection", log.FieldUserID(userID), zap.Error(err))
		return nil, nil
	}

	if reg.Superseded != "" {
		h.presence.Broadcast(ctx, reg.Superseded, false, nil)
	}
	h.presence.Broadcast(ctx, userID, true, in.UserInfo)

	logger.Info("user registered",
		log.FieldUserID(userID),
		zap.String("superseded", reg.Superseded),
		zap.String("displaced", reg.Displaced),
		zap.Int("online", len(reg.Online)))
	return nil, nil
}

// parseUserID 要求 userId 为非空字符串且不超过最大长度。
func (h *Hub) parseUserID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", merr.WrapErrUserIDInvalid(nil, h.cfg.MaxUserIDLength, "missing")
	}
	var userID string
	if err := h.ser.Unmarshal(raw, &userID); err != nil {
		return "", merr.WrapErrUserIDInvalid(string(raw), h.cfg.MaxUserIDLength, "not a string")
	}
	if userID == "" || utf8.RuneCountInString(userID) > h.cfg.MaxUserIDLength {
		return "", merr.WrapErrUserIDInvalid(userID, h.cfg.MaxUserIDLength)
	}
	return userID, nil
}

// relayRoute 构造信令转发路由：原样转发并注入 fromUserId，目标不在线时静默丢弃。
func (h *Hub) relayRoute(kind Kind) router.Route {
	return router.Route{
		NewRequest: func() any { return &RelayRequest{} },
		Handler: func(ctx context.Context, sess session.Session, req any) (any, error) {
			in := *req.(*RelayRequest)

			var targetID string
			if raw, ok := in["targetUserId"]; ok {
				_ = h.ser.Unmarshal(raw, &targetID)
			}
			target, ok := h.resolveTarget(ctx, kind, targetID)
			if !ok {
				return nil, nil
			}

			from, err := json.Marshal(optionalID(h.identityOf(sess)))
			if err != nil {
				return nil, err
			}
			out := make(RelayRequest, len(in)+1)
			maps.Copy(out, in)
			out["fromUserId"] = from

			h.deliver(ctx, kind, target, out)
			return nil, nil
		},
	}
}

// handleMessage 投递点对点消息，目标不在线时静默丢弃。
func (h *Hub) handleMessage(ctx context.Context, sess session.Session, req any) (any, error) {
	in := req.(*MessageRequest)
	target, ok := h.resolveTarget(ctx, KindMessage, in.TargetUserID)
	if !ok {
		return nil, nil
	}
	h.deliver(ctx, KindMessage, target, &DirectMessage{
		Type:        KindMessage.String(),
		FromUserID:  optionalID(h.identityOf(sess)),
		MessageData: in.MessageData,
	})
	return nil, nil
}

// handleContactRequest 投递好友请求，目标不在线时回复错误。
func (h *Hub) handleContactRequest(ctx context.Context, sess session.Session, req any) (any, error) {
	in := req.(*ContactRequest)
	target, ok := h.resolveTarget(ctx, KindContactRequest, in.TargetUserID)
	if !ok {
		return newError(fmt.Sprintf("User %s is not online", in.TargetUserID)), nil
	}
	sender, _ := h.registry.Get(sess.ID())
	h.deliver(ctx, KindContactRequest, target, &ContactRequestDelivery{
		Type:         KindContactRequest.String(),
		FromUserID:   optionalID(sender.Identity),
		FromUserInfo: orNull(sender.Profile),
		RequestData:  in.RequestData,
	})
	return nil, nil
}

// handleContactAccepted 通知请求方好友请求已被接受，目标不在线时静默丢弃。
func (h *Hub) handleContactAccepted(ctx context.Context, sess session.Session, req any) (any, error) {
	in := req.(*ContactAcceptedRequest)
	target, ok := h.resolveTarget(ctx, KindContactAccepted, in.TargetUserID)
	if !ok {
		return nil, nil
	}
	sender, _ := h.registry.Get(sess.ID())
	h.deliver(ctx, KindContactAccepted, target, &ContactAcceptedDelivery{
		Type:         KindContactAccepted.String(),
		FromUserID:   optionalID(sender.Identity),
		FromUserInfo: orNull(sender.Profile),
		AccepterInfo: in.AccepterInfo,
	})
	return nil, nil
}

func (h *Hub) handleGetOnlineUsers(ctx context.Context, sess session.Session, req any) (any, error) {
	return &OnlineUsers{
		Type:  TypeOnlineUsers,
		Users: h.registry.ListOnline(),
	}, nil
}

func (h *Hub) handlePing(ctx context.Context, sess session.Session, req any) (any, error) {
	return &Pong{
		Type:      TypePong,
		Timestamp: h.now().UnixMilli(),
	}, nil
}

// resolveTarget 按身份查找在线的目标连接，找不到时计入丢弃指标。
func (h *Hub) resolveTarget(ctx context.Context, kind Kind, targetID string) (session.Session, bool) {
	if targetID != "" {
		if target, ok := h.registry.Resolve(targetID); ok {
			return target.Session, true
		}
	}
	metrics.MessagesDropped.WithLabelValues(kind.String(), metrics.DropReasonTargetOffline).Inc()
	log.Ctx(ctx).Debug("drop message", log.FieldKind(kind.String()), zap.Error(merr.WrapErrTargetOffline(targetID)))
	return nil, false
}

// deliver 向目标连接投递消息，失败只记录日志与指标。
func (h *Hub) deliver(ctx context.Context, kind Kind, target session.Session, msg any) {
	if err := target.Send(msg); err != nil {
		// 队列已满属于可重试错误，其余视为目标连接已关闭。
		reason := metrics.DropReasonSendFailed
		if merr.IsRetryableErr(err) {
			reason = metrics.DropReasonQueueFull
		}
		metrics.MessagesDropped.WithLabelValues(kind.String(), reason).Inc()
		log.Ctx(ctx).Warn("deliver failed",
			log.FieldKind(kind.String()),
			zap.String("targetConnId", target.ID()),
			zap.String("reason", reason),
			zap.Int32("code", merr.Code(err)),
			zap.Error(err))
		return
	}
	metrics.MessagesDelivered.WithLabelValues(kind.String()).Inc()
}

// identityOf 返回连接当前注册的身份，未注册时为空。
func (h *Hub) identityOf(sess session.Session) string {
	entry, _ := h.registry.Get(sess.ID())
	return entry.Identity
}

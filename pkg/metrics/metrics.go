// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// hubNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	hubNamespace = "relayhub"

	sessionSubsystem  = "session"
	messageSubsystem  = "message"
	presenceSubsystem = "presence"

	// 以下为当前使用的通用标签名。
	typeLabelName   = "type"
	reasonLabelName = "reason"
	statusLabelName = "status"
	stageLabelName  = "stage"
)

// 消息丢弃原因。
const (
	DropReasonInvalidFormat = "invalid_format"
	DropReasonUnknownType   = "unknown_type"
	DropReasonTargetOffline = "target_offline"
	DropReasonSendFailed    = "send_failed"
	DropReasonQueueFull     = "queue_full"
	DropReasonRateLimited   = "rate_limited"
)

// 连接被拒绝的原因。
const (
	RejectReasonCapacity  = "capacity"
	RejectReasonOrigin    = "origin"
	RejectReasonHandshake = "handshake"
	RejectReasonShutdown  = "shutdown"
)

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

var (
	SessionsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: hubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "connected",
			Help:      "number of live websocket connections",
		})

	UsersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: hubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "users_online",
			Help:      "number of identities currently registered and reachable",
		})

	SessionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: hubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "rejected_total",
			Help:      "upgrade requests rejected before a session was created",
		}, []string{reasonLabelName})

	SendQueueOverflow = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: hubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "send_queue_overflow_total",
			Help:      "outbound frames dropped because the per-connection send queue was full",
		})

	RateLimitedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: hubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "rate_limited_frames_total",
			Help:      "inbound frames discarded by the per-connection rate limiter",
		})

	InactiveClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: hubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "inactive_closed_total",
			Help:      "connections closed by the hub after staying silent past the inactive timeout",
		})

	NetworkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: hubNamespace,
			Subsystem: sessionSubsystem,
			Name:      "errors_total",
			Help:      "errors reported by the network layer, by processing stage",
		}, []string{stageLabelName})

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: hubNamespace,
			Subsystem: messageSubsystem,
			Name:      "received_total",
			Help:      "inbound envelopes accepted for dispatch, by type",
		}, []string{typeLabelName})

	MessagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: hubNamespace,
			Subsystem: messageSubsystem,
			Name:      "delivered_total",
			Help:      "envelopes enqueued to a target connection, by type",
		}, []string{typeLabelName})

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: hubNamespace,
			Subsystem: messageSubsystem,
			Name:      "dropped_total",
			Help:      "envelopes that were not delivered, by type and reason",
		}, []string{typeLabelName, reasonLabelName})

	PresenceBroadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: hubNamespace,
			Subsystem: presenceSubsystem,
			Name:      "broadcasts_total",
			Help:      "presence broadcasts performed, by status",
		}, []string{statusLabelName})

	BroadcastSendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: hubNamespace,
			Subsystem: presenceSubsystem,
			Name:      "send_failures_total",
			Help:      "per-recipient failures while broadcasting presence",
		})

	metricRegisterer prometheus.Registerer
	registerOnce     sync.Once
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(SessionsConnected)
		r.MustRegister(UsersOnline)
		r.MustRegister(SessionsRejected)
		r.MustRegister(SendQueueOverflow)
		r.MustRegister(RateLimitedFrames)
		r.MustRegister(InactiveClosed)
		r.MustRegister(NetworkErrors)
		r.MustRegister(MessagesReceived)
		r.MustRegister(MessagesDelivered)
		r.MustRegister(MessagesDropped)
		r.MustRegister(PresenceBroadcasts)
		r.MustRegister(BroadcastSendFailures)
		metricRegisterer = r
	})
}

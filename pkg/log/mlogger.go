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

package log

import (
	"sync/atomic"

	"github.com/uber/jaeger-client-go/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MLogger 在 zap.Logger 之上增加按分组限流的日志输出。
// 广播失败、入站限流这类可能被单个客户端刷屏的路径都通过 Rated* 输出。
type MLogger struct {
	*zap.Logger
	rl atomic.Value // limiterBox
}

// With 返回携带额外字段的子 Logger，字段在首次写日志时才编码。
// 子 Logger 不继承父 Logger 的限流分组。
func (l *MLogger) With(fields ...zap.Field) *MLogger {
	return &MLogger{Logger: l.Logger.WithLazy(fields...)}
}

// WithRateGroup 为 Logger 绑定名为 groupName 的限流器并返回自身。
// 同名分组共享一个令牌桶，后一次调用会刷新其参数。
func (l *MLogger) WithRateGroup(groupName string, creditPerSecond, maxBalance float64) *MLogger {
	rl := utils.NewRateLimiter(creditPerSecond, maxBalance)
	if actual, loaded := _namedRateLimiters.LoadOrStore(groupName, rl); loaded {
		rl = actual.(*utils.ReconfigurableRateLimiter)
		rl.Update(creditPerSecond, maxBalance)
	}
	l.rl.Store(limiterBox{rl})
	return l
}

func (l *MLogger) r() RateLimiter {
	if box, ok := l.rl.Load().(limiterBox); ok && box.RateLimiter != nil {
		return box.RateLimiter
	}
	return R()
}

// rated 在限流器放行时以 lvl 输出日志，返回是否输出。
func (l *MLogger) rated(cost float64, lvl zapcore.Level, msg string, fields []zap.Field) bool {
	if !l.r().CheckCredit(cost) {
		return false
	}
	if ce := l.WithOptions(zap.AddCallerSkip(2)).Check(lvl, msg); ce != nil {
		ce.Write(fields...)
	}
	return true
}

func (l *MLogger) RatedDebug(cost float64, msg string, fields ...zap.Field) bool {
	return l.rated(cost, zapcore.DebugLevel, msg, fields)
}

func (l *MLogger) RatedInfo(cost float64, msg string, fields ...zap.Field) bool {
	return l.rated(cost, zapcore.InfoLevel, msg, fields)
}

// RatedWarn 以 Warn 级别输出限流日志，被限流时返回 false。
func (l *MLogger) RatedWarn(cost float64, msg string, fields ...zap.Field) bool {
	return l.rated(cost, zapcore.WarnLevel, msg, fields)
}

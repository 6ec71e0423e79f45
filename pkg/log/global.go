// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxLogKeyType struct{}

var ctxLogKey = ctxLogKeyType{}

// Debug、Info、Warn、Error 使用全局 Logger 输出，适合进程级事件；
// 与某条连接相关的日志应通过 Ctx(ctx) 输出以携带连接字段。
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// RatedWarn 按全局限流器输出 Warn 日志，返回 true 表示本次已输出。
func RatedWarn(cost float64, msg string, fields ...zap.Field) bool {
	if R().CheckCredit(cost) {
		L().Warn(msg, fields...)
		return true
	}
	return false
}

// With 基于全局 Logger 创建携带额外字段的子 Logger。
func With(fields ...zap.Field) *MLogger {
	return &MLogger{
		Logger: L().WithLazy(fields...).WithOptions(zap.AddCallerSkip(-1)),
	}
}

// WithModule 为 ctx 中的 Logger 添加模块名字段。
func WithModule(ctx context.Context, module string) context.Context {
	return WithFields(ctx, FieldModule(module))
}

// WithFields 返回一个 Logger 附加了 fields 的子上下文。
// 连接 ID、对端地址等字段在接入时写入，之后该连接的所有日志都会带上。
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	base := ctxL()
	if l, ok := ctx.Value(ctxLogKey).(*MLogger); ok {
		base = l.Logger
	}
	return context.WithValue(ctx, ctxLogKey, &MLogger{Logger: base.With(fields...)})
}

// NewIntentContext 开启一个 otel span，并把 role、intent 与 traceID 写入上下文 Logger。
// 调用方负责结束返回的 span。
func NewIntentContext(role string, intent string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(role).Start(context.Background(), intent)
	ctx = WithFields(ctx,
		zap.String("role", role),
		zap.String("intent", intent),
		zap.String("traceID", span.SpanContext().TraceID().String()))
	return ctx, span
}

// StartIntent 在 ctx 下开启一个子 span，并把 intent 与 spanID 写入上下文 Logger。
// 调用方负责结束返回的 span。
func StartIntent(ctx context.Context, intent string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("relay-hub").Start(ctx, intent)
	ctx = WithFields(ctx,
		zap.String("span", intent),
		zap.String("spanID", span.SpanContext().SpanID().String()))
	return ctx, span
}

// Ctx 返回 ctx 上绑定的 Logger，未绑定或 ctx 为 nil 时返回全局 Logger。
func Ctx(ctx context.Context) *MLogger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxLogKey).(*MLogger); ok {
			return l
		}
	}
	return &MLogger{Logger: ctxL()}
}

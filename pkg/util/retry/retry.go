// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/relay-hub/pkg/log"
	"github.com/lk2023060901/relay-hub/pkg/util/merr"
)

func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return file + ":" + strconv.Itoa(line)
}

// Do 使用指数退避重试执行 fn。
// opts 用于控制最大尝试次数、初始与最大间隔以及可重试错误的判定。
// ctx 结束时返回最后一次 fn 的错误（若 fn 尚未失败过则返回 ctx 的错误）。
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	logger := log.Ctx(ctx)
	c := newDefaultConfig()
	for _, opt := range opts {
		opt(c)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.sleep
	eb.MaxInterval = c.maxSleepTime
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = eb
	if c.attempts > 0 {
		b = backoff.WithMaxRetries(eb, uint64(c.attempts-1))
	}
	b = backoff.WithContext(b, ctx)

	caller := getCaller(2)
	var (
		retried uint
		lastErr error
	)
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if retried%4 == 0 {
			logger.Warn("retry func failed",
				zap.Uint("retried", retried),
				zap.Error(err),
				zap.String("caller", caller))
		}
		retried++

		if !IsRecoverable(err) {
			logger.Warn("retry func failed, not be recoverable",
				zap.Uint("retried", retried),
				zap.Uint("attempt", c.attempts),
				zap.String("caller", caller))
			return backoff.Permanent(err)
		}
		if c.isRetryErr != nil && !c.isRetryErr(err) {
			logger.Warn("retry func failed, not be retryable",
				zap.Uint("retried", retried),
				zap.Uint("attempt", c.attempts),
				zap.String("caller", caller))
			return backoff.Permanent(err)
		}
		lastErr = err
		return err
	}

	err := backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		logger.Debug("retry func scheduled",
			zap.Uint("retried", retried),
			zap.Duration("next", next),
			zap.String("caller", caller))
	})
	if err == nil {
		return nil
	}
	if merr.IsCanceledOrTimeout(err) && lastErr != nil && !errors.Is(lastErr, err) {
		logger.Warn("retry func failed, ctx done",
			zap.Uint("retried", retried),
			zap.Uint("attempt", c.attempts),
			zap.String("caller", caller))
		return lastErr
	}
	if lastErr != nil && errors.Is(err, lastErr) && c.attempts > 0 && retried >= c.attempts {
		logger.Warn("retry func failed, reach max retry",
			zap.Uint("attempt", c.attempts),
			zap.String("caller", caller))
	}
	return err
}

// errUnrecoverable 表示不可恢复错误的标记实例。
var errUnrecoverable = errors.New("unrecoverable error")

// Unrecoverable 将错误包装为不可恢复错误，使重试逻辑能够快速返回。
func Unrecoverable(err error) error {
	return merr.Combine(err, errUnrecoverable)
}

// IsRecoverable 判断给定错误是否为“可恢复”错误。
func IsRecoverable(err error) bool {
	return !errors.Is(err, errUnrecoverable)
}

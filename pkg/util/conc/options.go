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

package conc

import (
	"time"

	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/lk2023060901/relay-hub/pkg/log"
)

// poolOption 汇总 Pool 的可调参数，最终转换为 ants.Option。
type poolOption struct {
	// nonBlocking 为 true 时池满直接返回错误，否则 Submit 等待空闲 worker。
	nonBlocking bool
	// idleExpiry 为空闲 worker 的回收时间，<= 0 时使用 ants 的默认值（1s）。
	idleExpiry time.Duration
	// panicHandler 处理任务中的 panic，为空时只记录日志。
	panicHandler func(any)
	// preHandler 在每个任务开始前执行。
	preHandler func()
}

func (opt *poolOption) antsOptions() []ants.Option {
	handler := opt.panicHandler
	if handler == nil {
		handler = func(v any) {
			log.Error("conc pool task panicked", zap.Any("panic", v))
		}
	}
	result := []ants.Option{
		ants.WithNonblocking(opt.nonBlocking),
		ants.WithPanicHandler(handler),
	}
	if opt.idleExpiry > 0 {
		result = append(result, ants.WithExpiryDuration(opt.idleExpiry))
	}
	return result
}

// PoolOption 用于配置协程池行为的选项函数。
type PoolOption func(opt *poolOption)

func defaultPoolOption() *poolOption {
	return &poolOption{}
}

// WithNonBlocking 设置池满时 Submit 是否立即失败。
func WithNonBlocking(v bool) PoolOption {
	return func(opt *poolOption) {
		opt.nonBlocking = v
	}
}

// WithExpiryDuration 设置空闲 worker 的回收时间。
// 回收前空闲 worker 仍计入 Running，但会被后续任务复用。
func WithExpiryDuration(d time.Duration) PoolOption {
	return func(opt *poolOption) {
		opt.idleExpiry = d
	}
}

func WithPanicHandler(fn func(any)) PoolOption {
	return func(opt *poolOption) {
		opt.panicHandler = fn
	}
}

func WithPreHandler(fn func()) PoolOption {
	return func(opt *poolOption) {
		opt.preHandler = fn
	}
}

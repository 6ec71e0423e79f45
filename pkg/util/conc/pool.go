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
	"github.com/cockroachdb/errors"
	ants "github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/relay-hub/pkg/util/merr"
)

// Pool 是对 ants.Pool 的封装，用于限制长期运行任务（例如连接读循环）的并发数量。
type Pool struct {
	inner *ants.Pool
	opt   *poolOption
}

// NewPool 创建容量为 cap 的协程池；cap <= 0 表示不限制容量。
func NewPool(cap int, opts ...PoolOption) (*Pool, error) {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		return nil, errors.Wrap(err, "conc: create ants pool")
	}
	return &Pool{
		inner: pool,
		opt:   opt,
	}, nil
}

// Submit 提交一个任务。非阻塞模式下池已满时返回 ErrServiceTooManyRequests。
func (p *Pool) Submit(task func()) error {
	err := p.inner.Submit(func() {
		if p.opt.preHandler != nil {
			p.opt.preHandler()
		}
		task()
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ants.ErrPoolOverload):
		return merr.WrapErrTooManyRequests(int32(p.inner.Cap()), err.Error())
	case errors.Is(err, ants.ErrPoolClosed):
		return merr.WrapErrServiceUnavailable("pool closed")
	default:
		return err
	}
}

// Cap 返回协程池容量，不限制时为 -1。
func (p *Pool) Cap() int {
	return p.inner.Cap()
}

// Running 返回当前存活的 worker 数，包含尚未回收的空闲 worker。
func (p *Pool) Running() int {
	return p.inner.Running()
}

// Free 返回还可新建的 worker 数，不限制容量时为 -1。
// 空闲 worker 可被复用，因此 Free 为 0 并不代表 Submit 一定失败。
func (p *Pool) Free() int {
	return p.inner.Free()
}

// Release 关闭协程池，已提交的任务会继续执行完毕。
func (p *Pool) Release() {
	p.inner.Release()
}

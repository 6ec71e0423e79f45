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
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestDoSucceedsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, Attempts(5), Sleep(time.Millisecond), MaxSleepTime(5*time.Millisecond))
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReachesMaxAttempts(t *testing.T) {
	calls := 0
	errFail := errors.New("always")
	err := Do(context.Background(), func() error {
		calls++
		return errFail
	}, Attempts(4), Sleep(time.Millisecond))
	assert.ErrorIs(t, err, errFail)
	assert.Equal(t, 4, calls)
}

func TestDoUnrecoverable(t *testing.T) {
	calls := 0
	errFail := errors.New("fatal")
	err := Do(context.Background(), func() error {
		calls++
		return Unrecoverable(errFail)
	}, Attempts(5), Sleep(time.Millisecond))
	assert.ErrorIs(t, err, errFail)
	assert.False(t, IsRecoverable(err))
	assert.Equal(t, 1, calls)
}

func TestDoRetryErrPredicate(t *testing.T) {
	calls := 0
	errSkip := errors.New("skip")
	err := Do(context.Background(), func() error {
		calls++
		return errSkip
	}, Attempts(5), Sleep(time.Millisecond), RetryErr(func(err error) bool {
		return !errors.Is(err, errSkip)
	}))
	assert.ErrorIs(t, err, errSkip)
	assert.Equal(t, 1, calls)
}

func TestDoContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	errFail := errors.New("still failing")
	err = Do(ctx, func() error { return errFail }, Attempts(0), Sleep(10*time.Millisecond))
	assert.ErrorIs(t, err, errFail)
}

func TestOptions(t *testing.T) {
	c := newDefaultConfig()
	Sleep(5 * time.Second)(c)
	assert.Equal(t, 10*time.Second, c.maxSleepTime)

	MaxSleepTime(time.Second)(c)
	assert.Equal(t, 10*time.Second, c.maxSleepTime)

	MaxSleepTime(time.Minute)(c)
	assert.Equal(t, time.Minute, c.maxSleepTime)
}

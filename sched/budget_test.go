// Copyright 2019 - 2025 The Samply Community
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sched

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget_AcquireUpToLimit(t *testing.T) {
	b := NewBudget("test", 2)

	r1, err := b.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := b.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, b.InUse())

	r1()
	assert.Equal(t, 1, b.InUse())
	r2()
	assert.Equal(t, 0, b.InUse())
}

func TestBudget_AcquireBlocksUntilRelease(t *testing.T) {
	b := NewBudget("test", 1)

	release, err := b.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := b.Acquire(context.Background())
		assert.NoError(t, err)
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire succeeded while the only slot was held")
	default:
	}

	release()
	<-acquired
}

func TestBudget_AcquireFailsOnCancelledContext(t *testing.T) {
	b := NewBudget("test", 1)
	release, err := b.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewBudget_clampsNonPositiveLimit(t *testing.T) {
	b := NewBudget("test", 0)
	assert.Equal(t, 1, b.Limit())
}

func TestBudget_Name(t *testing.T) {
	assert.Equal(t, "crawl-patient", NewBudget("crawl-patient", 8).Name())
}

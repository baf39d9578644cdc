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

// Package sched owns the named concurrency budgets and the global
// cancellation signal that every other component suspends against.
package sched

import "context"

// Budget is a named concurrency limiter: up to n callers may hold it at
// once, the rest block in Acquire. Built on a `sem := make(chan bool, n)`
// semaphore pattern, generalized into several named budgets (bulk
// download, crawl-patient, crawl-type, hydrate-attachment) so each stage
// of the pipeline can be throttled independently.
type Budget struct {
	name string
	sem  chan struct{}
}

// NewBudget creates a Budget that allows n concurrent holders.
func NewBudget(name string, n int) *Budget {
	if n <= 0 {
		n = 1
	}
	return &Budget{name: name, sem: make(chan struct{}, n)}
}

// Name returns the budget's name, used in log messages and progress bars.
func (b *Budget) Name() string { return b.name }

// Acquire blocks until a slot is free or ctx is done, then returns a
// release function the caller must call exactly once.
func (b *Budget) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Limit returns the configured concurrency limit.
func (b *Budget) Limit() int { return cap(b.sem) }

// InUse returns the number of slots currently held.
func (b *Budget) InUse() int { return len(b.sem) }

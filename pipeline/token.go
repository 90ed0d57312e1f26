// Copyright 2026 The TileKit Authors
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
//
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"sync/atomic"
	"time"
)

// A Releaser is anything that can hand an access grant back to its
// queue. Both token kinds satisfy it.
type Releaser interface {
	Release()
}

// A ReadToken proves a live shared grant. It exposes the resource for
// reading only; no mutation entry point exists on a shared token, so
// writing through one is unrepresentable rather than checked at run
// time. Clones share the underlying grant and the ticket is released
// when the last clone is.
type ReadToken[T any] struct {
	s         *state[T]
	t         *ticket
	refs      *atomic.Int64
	grantedAt time.Time
}

func newReadToken[T any](s *state[T], t *ticket, grantedAt time.Time) *ReadToken[T] {
	refs := &atomic.Int64{}
	refs.Store(1)
	return &ReadToken[T]{s: s, t: t, refs: refs, grantedAt: grantedAt}
}

// Get returns the guarded resource. The reference must not outlive the
// token.
func (tk *ReadToken[T]) Get() T {
	if tk.refs.Load() <= 0 {
		panic("pipeline: use of released token")
	}
	return tk.s.res
}

// Clone duplicates the token for another concurrently running reader
// drawn from the same activated batch.
func (tk *ReadToken[T]) Clone() *ReadToken[T] {
	if tk.refs.Add(1) <= 1 {
		panic("pipeline: clone of released token")
	}
	return &ReadToken[T]{s: tk.s, t: tk.t, refs: tk.refs, grantedAt: tk.grantedAt}
}

// Release drops this reference. The last release dequeues the ticket
// and re-evaluates the queue head. Releasing the same reference twice
// is a programming error.
func (tk *ReadToken[T]) Release() {
	n := tk.refs.Add(-1)
	if n < 0 {
		panic("pipeline: token released twice")
	}
	if n == 0 {
		tk.s.finish(tk.t, tk.grantedAt)
	}
}

// A WriteToken proves a live exclusive grant. It is not clonable;
// passing it on transfers release responsibility.
type WriteToken[T any] struct {
	s         *state[T]
	t         *ticket
	grantedAt time.Time
	released  atomic.Bool
}

func newWriteToken[T any](s *state[T], t *ticket, grantedAt time.Time) *WriteToken[T] {
	return &WriteToken[T]{s: s, t: t, grantedAt: grantedAt}
}

// Get returns the guarded resource with the exclusive grant behind it.
// The reference must not outlive the token.
func (tk *WriteToken[T]) Get() T {
	if tk.released.Load() {
		panic("pipeline: use of released token")
	}
	return tk.s.res
}

// Release dequeues the ticket and re-evaluates the queue head.
// Releasing twice is a programming error.
func (tk *WriteToken[T]) Release() {
	if tk.released.Swap(true) {
		panic("pipeline: token released twice")
	}
	tk.s.finish(tk.t, tk.grantedAt)
}

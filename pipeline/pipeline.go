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
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/field-eng-powertools/notify"
)

var (
	// ErrClosed is returned for access requests made after the guard
	// has begun to shut down.
	ErrClosed = errors.New("pipeline: closed")
	// ErrCanceled is reported through a pending grant whose ticket was
	// withdrawn before activation.
	ErrCanceled = errors.New("pipeline: request canceled")
)

// A Pipeline guards one resource instance. Access is requested through
// [Pipeline.Shared] and [Pipeline.Exclusive]; grants are delivered
// asynchronously, in strict submission order, once the admission rules
// allow. The resource is only ever reachable through a live token.
//
// A Pipeline is internally synchronized and safe for concurrent use.
type Pipeline[T any] struct {
	s   *state[T]
	sub bool
}

// state is shared between a root guard and its sub-guards.
type state[T any] struct {
	res     T
	q       queue
	runner  Runner
	events  *Events
	dispose func(T)

	// live mirrors the queue's ticket count for drain observers.
	live     notify.Var[int]
	disposed atomic.Bool
}

// Option configures a Pipeline at construction.
type Option[T any] func(*state[T])

// WithRunner sets the runner used to deliver grants. Grants are never
// delivered inline on the releasing call stack; the default runner
// starts a goroutine per delivery.
//
// See [GoRunner] or
// [github.com/cockroachdb/field-eng-powertools/workgroup.Group].
func WithRunner[T any](r Runner) Option[T] {
	return func(s *state[T]) { s.runner = r }
}

// WithEvents injects monitoring callbacks.
func WithEvents[T any](e *Events) Option[T] {
	return func(s *state[T]) { s.events = e }
}

// WithDisposer registers a cleanup function for the resource, invoked
// once the root guard has closed and fully drained.
func WithDisposer[T any](fn func(T)) Option[T] {
	return func(s *state[T]) { s.dispose = fn }
}

// New constructs a Pipeline that takes ownership of the resource.
func New[T any](res T, opts ...Option[T]) *Pipeline[T] {
	s := &state[T]{
		res:    res,
		runner: GoRunner(context.Background()),
	}
	s.q.onChange = func(n int) { s.live.Set(n) }
	for _, o := range opts {
		o(s)
	}
	return &Pipeline[T]{s: s}
}

// Shared requests shared (read) access. The returned pending resolves
// with a [ReadToken] once every earlier-enqueued exclusive request has
// been released.
func (p *Pipeline[T]) Shared() *SharedPending[T] {
	sp := &SharedPending[T]{}
	sp.init(p.s, Shared)
	return sp
}

// Exclusive requests exclusive (write) access. The returned pending
// resolves with a [WriteToken] once the request is alone at the head
// of the queue.
func (p *Pipeline[T]) Exclusive() *ExclusivePending[T] {
	ep := &ExclusivePending[T]{}
	ep.init(p.s, Exclusive)
	return ep
}

// Sub returns a sub-guard for handing the resource to a nested
// algorithm scope. A sub-guard routes its requests through the same
// ticket queue as the root, so ordering is preserved across scopes.
// Closing a sub-guard never drains or disposes; that is the root's
// job.
func (p *Pipeline[T]) Sub() *Pipeline[T] {
	return &Pipeline[T]{s: p.s, sub: true}
}

// Close shuts the guard down. New access requests fail immediately
// with [ErrClosed]; tokens already granted and tickets already queued
// remain valid and are drained before Close returns. Once drained, the
// disposer (if any) receives the resource.
//
// Closing a sub-guard is a no-op beyond dropping the reference.
func (p *Pipeline[T]) Close(ctx context.Context) error {
	if p.sub {
		return nil
	}
	p.s.q.close()
	for {
		n, changed := p.s.live.Get()
		if n == 0 {
			break
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.s.dispose != nil && p.s.disposed.CompareAndSwap(false, true) {
		p.s.dispose(p.s.res)
	}
	return nil
}

// dispatch fires grant deliveries through the runner so that a release
// never runs the next continuation on its own stack. If the runner
// refuses the work the delivery happens inline; dropping the grant
// would wedge the queue.
func (s *state[T]) dispatch(granted []*ticket) {
	for _, t := range granted {
		t := t
		if err := s.runner.Go(func(context.Context) { t.grant() }); err != nil {
			t.grant()
		}
	}
}

// finish releases a ticket and activates whatever became eligible.
func (s *state[T]) finish(t *ticket, grantedAt time.Time) {
	next := s.q.release(t)
	s.events.doRelease(t.mode, time.Since(grantedAt))
	s.dispatch(next)
}

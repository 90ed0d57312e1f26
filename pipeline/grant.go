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
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/field-eng-powertools/notify"
)

// grant is the resolved value of a pending request: exactly one of the
// tokens, or an error.
type grant[T any] struct {
	read  *ReadToken[T]
	write *WriteToken[T]
	err   error
}

func (g *grant[T]) release() {
	if g.read != nil {
		g.read.Release()
	}
	if g.write != nil {
		g.write.Release()
	}
}

// pend is the shared half of [SharedPending] and [ExclusivePending]:
// an awaitable slot that the ticket's grant callback fills in.
type pend[T any] struct {
	s      *state[T]
	t      *ticket
	result notify.Var[*grant[T]]

	// claimed arbitrates ownership of a delivered token: exactly one of
	// wait and abandon wins the CAS, and the winner owns the release.
	claimed  atomic.Bool
	abandons sync.Once
}

func (p *pend[T]) init(s *state[T], mode Mode) {
	p.s = s
	// The grant callback must be in place before the ticket reaches the
	// queue: a release racing with this enqueue may activate the ticket
	// and dispatch it from another goroutine immediately.
	t := newTicket(mode)
	t.grant = func() {
		g := &grant[T]{}
		grantedAt := time.Now()
		switch mode {
		case Shared:
			g.read = newReadToken(s, t, grantedAt)
		case Exclusive:
			g.write = newWriteToken(s, t, grantedAt)
		}
		s.events.doGrant(mode, grantedAt.Sub(t.enqueuedAt))
		p.result.Set(g)
	}
	p.t = t
	next, err := s.q.enqueue(t)
	if err != nil {
		p.t = nil
		p.result.Set(&grant[T]{err: err})
		return
	}
	// The new ticket may itself be in the eligible run.
	deferred := true
	for _, n := range next {
		if n == t {
			deferred = false
		}
	}
	s.events.doEnqueue(mode, deferred)
	s.dispatch(next)
}

// wait blocks until the ticket is activated or ctx expires. On ctx
// expiry the ticket is withdrawn, or its token returned to the queue
// if activation won the race, so the queue always advances.
//
// Exactly one of wait and abandon claims a delivered token; the CAS on
// claimed decides the winner, so the token is released exactly once no
// matter how a Cancel interleaves with a successful Wait.
func (p *pend[T]) wait(ctx context.Context) (*grant[T], error) {
	for {
		g, changed := p.result.Get()
		if g != nil {
			if g.err != nil {
				return nil, g.err
			}
			if !p.claimed.CompareAndSwap(false, true) {
				// A concurrent abandon won and already returned the
				// token to the queue.
				return nil, ErrCanceled
			}
			return g, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			p.abandons.Do(p.abandon)
			return nil, ctx.Err()
		}
	}
}

// abandon withdraws a queued ticket. If the ticket was already
// activated, the delivery is awaited and the unclaimed token is handed
// straight back, keeping the release path exactly-once.
func (p *pend[T]) abandon() {
	if p.t == nil || p.claimed.Load() {
		return
	}
	if ok, next := p.s.q.cancel(p.t); ok {
		p.result.Set(&grant[T]{err: ErrCanceled})
		p.s.dispatch(next)
		return
	}
	for {
		g, changed := p.result.Get()
		if g != nil {
			if g.err == nil && p.claimed.CompareAndSwap(false, true) {
				g.release()
			}
			return
		}
		<-changed
	}
}

// A SharedPending resolves with a [ReadToken] once shared access is
// granted.
type SharedPending[T any] struct {
	pend[T]
}

// Wait blocks until the grant is delivered. If ctx expires first the
// request is canceled and the context error returned.
func (p *SharedPending[T]) Wait(ctx context.Context) (*ReadToken[T], error) {
	g, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	return g.read, nil
}

// Cancel withdraws the request. Canceling after the token has been
// claimed through Wait is a no-op.
func (p *SharedPending[T]) Cancel() {
	p.abandons.Do(p.abandon)
}

// An ExclusivePending resolves with a [WriteToken] once exclusive
// access is granted.
type ExclusivePending[T any] struct {
	pend[T]
}

// Wait blocks until the grant is delivered. If ctx expires first the
// request is canceled and the context error returned.
func (p *ExclusivePending[T]) Wait(ctx context.Context) (*WriteToken[T], error) {
	g, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	return g.write, nil
}

// Cancel withdraws the request. Canceling after the token has been
// claimed through Wait is a no-op.
func (p *ExclusivePending[T]) Cancel() {
	p.abandons.Do(p.abandon)
}

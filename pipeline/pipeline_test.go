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
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/field-eng-powertools/workgroup"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Ensure exclusive grants are issued in strict submission order.
func TestSerialExclusive(t *testing.T) {
	const numWaiters = 256
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var counter atomic.Int32
	p := New(&counter)

	pendings := make([]*ExclusivePending[*atomic.Int32], numWaiters)
	for i := range pendings {
		pendings[i] = p.Exclusive()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for i, pending := range pendings {
		i, pending := i, pending
		eg.Go(func() error {
			tok, err := pending.Wait(egCtx)
			if err != nil {
				return err
			}
			defer tok.Release()
			r.Equal(int32(i), tok.Get().Add(1)-1, "out of order grant")
			return nil
		})
	}
	r.NoError(eg.Wait())
	r.Equal(int32(numWaiters), counter.Load())
}

// Random mix of shared and exclusive requests; exclusive holders
// toggle the resource to a nonce and back, shared holders must never
// observe a nonce.
func TestMutualExclusionSmoke(t *testing.T) {
	const numWaiters = 512
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var resource atomic.Int64
	p := New(&resource, WithRunner[*atomic.Int64](workgroup.WithSize(ctx, 4, 2*numWaiters)))

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < numWaiters; i++ {
		if rand.Intn(2) == 0 {
			pending := p.Exclusive()
			eg.Go(func() error {
				tok, err := pending.Wait(egCtx)
				if err != nil {
					return err
				}
				defer tok.Release()
				nonce := rand.Int63n(1<<62) + 1
				r.True(tok.Get().CompareAndSwap(0, nonce), "writer collision")
				runtime.Gosched()
				r.True(tok.Get().CompareAndSwap(nonce, 0), "writer collision")
				return nil
			})
		} else {
			pending := p.Shared()
			eg.Go(func() error {
				tok, err := pending.Wait(egCtx)
				if err != nil {
					return err
				}
				defer tok.Release()
				r.Zero(tok.Get().Load(), "reader observed a live write")
				runtime.Gosched()
				r.Zero(tok.Get().Load(), "reader observed a live write")
				return nil
			})
		}
	}
	r.NoError(eg.Wait())
}

// Spec scenario: A writes under an exclusive grant, B's exclusive
// grant arrives only after A's release and observes the write.
func TestExclusiveHandoffObservesWrite(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	buf := make([]int, 1)
	p := New(buf)

	a := p.Exclusive()
	b := p.Exclusive()

	released := make(chan struct{})
	go func() {
		defer close(released)
		tok, err := a.Wait(ctx)
		if err != nil {
			return
		}
		tok.Get()[0] = 1
		runtime.Gosched()
		tok.Release()
	}()

	tok, err := b.Wait(ctx)
	r.NoError(err)
	defer tok.Release()
	<-released
	r.Equal(1, tok.Get()[0])
}

// Spec scenario: three concurrent readers all hold live tokens at the
// same time.
func TestThreeReadersSimultaneous(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := New("resource")

	var live atomic.Int32
	var peak atomic.Int32
	var arrived sync.WaitGroup
	arrived.Add(3)

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < 3; i++ {
		pending := p.Shared()
		eg.Go(func() error {
			tok, err := pending.Wait(egCtx)
			if err != nil {
				return err
			}
			defer tok.Release()
			n := live.Add(1)
			defer live.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			// Hold the token until all three are inside.
			arrived.Done()
			arrived.Wait()
			return nil
		})
	}
	r.NoError(eg.Wait())
	r.Equal(int32(3), peak.Load())
}

// A release on one goroutine may activate a ticket the instant it is
// enqueued on another; the grant delivery must always find the
// callback in place. Run with -race.
func TestEnqueueDuringConcurrentRelease(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p := New(struct{}{})
	for i := 0; i < 1000; i++ {
		tok, err := p.Exclusive().Wait(ctx)
		r.NoError(err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Release()
		}()
		next, err := p.Exclusive().Wait(ctx)
		r.NoError(err)
		next.Release()
		wg.Wait()
	}
}

// Cancel racing a successful Wait must resolve to exactly one owner:
// either the caller gets the token and its single Release succeeds, or
// Wait reports cancellation and the queue has already been advanced.
func TestCancelWaitRace(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p := New(struct{}{})
	for i := 0; i < 2000; i++ {
		b := p.Exclusive()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Cancel()
		}()
		tok, err := b.Wait(ctx)
		wg.Wait()
		if err != nil {
			r.ErrorIs(err, ErrCanceled)
		} else {
			tok.Release()
		}

		// Whichever side won, the ticket is gone and the queue advances.
		again, err := p.Exclusive().Wait(ctx)
		r.NoError(err)
		again.Release()
	}
}

func TestCancelQueuedTicket(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := New(struct{}{})

	a := p.Exclusive()
	tokA, err := a.Wait(ctx)
	r.NoError(err)

	b := p.Exclusive()
	c := p.Exclusive()
	b.Cancel()

	_, err = b.Wait(ctx)
	r.ErrorIs(err, ErrCanceled)

	tokA.Release()
	tokC, err := c.Wait(ctx)
	r.NoError(err)
	tokC.Release()
}

func TestWaitContextExpiry(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := New(struct{}{})

	a := p.Exclusive()
	tokA, err := a.Wait(ctx)
	r.NoError(err)

	b := p.Exclusive()
	shortCtx, shortCancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer shortCancel()
	_, err = b.Wait(shortCtx)
	r.ErrorIs(err, context.DeadlineExceeded)

	// The abandoned ticket must not wedge the queue.
	c := p.Exclusive()
	tokA.Release()
	tokC, err := c.Wait(ctx)
	r.NoError(err)
	tokC.Release()
}

func TestSharedTokenClone(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := New(struct{}{})

	s := p.Shared()
	tok, err := s.Wait(ctx)
	r.NoError(err)
	clone := tok.Clone()

	w := p.Exclusive()
	tok.Release()

	// The writer stays blocked while any clone is live.
	shortCtx, shortCancel := context.WithTimeout(ctx, 10*time.Millisecond)
	_, err = w.Wait(shortCtx)
	shortCancel()
	r.ErrorIs(err, context.DeadlineExceeded)

	clone.Release()
	w2 := p.Exclusive()
	tokW, err := w2.Wait(ctx)
	r.NoError(err)
	tokW.Release()
}

func TestTokenDoubleReleasePanics(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := New(struct{}{})
	tok, err := p.Exclusive().Wait(ctx)
	r.NoError(err)
	tok.Release()
	r.Panics(func() { tok.Release() })
}

func TestCloseDrainsAndDisposes(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var disposed atomic.Bool
	p := New("resource", WithDisposer[string](func(string) { disposed.Store(true) }))

	tok, err := p.Exclusive().Wait(ctx)
	r.NoError(err)

	closed := make(chan error, 1)
	go func() { closed <- p.Close(ctx) }()

	// New requests are refused as soon as Close begins. Probes that race
	// ahead of Close withdraw themselves so they cannot foul the drain.
	r.Eventually(func() bool {
		sp := p.Shared()
		sp.Cancel()
		_, err := sp.Wait(ctx)
		return errors.Is(err, ErrClosed)
	}, time.Second, time.Millisecond)

	// Close does not return while a token is live.
	select {
	case <-closed:
		t.Fatal("Close returned before drain")
	case <-time.After(20 * time.Millisecond):
	}
	r.False(disposed.Load())

	tok.Release()
	r.NoError(<-closed)
	r.True(disposed.Load())
}

func TestSubGuardSharesQueue(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := New(struct{}{})
	sub := p.Sub()

	a := p.Exclusive()
	tokA, err := a.Wait(ctx)
	r.NoError(err)

	s := sub.Exclusive()
	b := p.Shared()

	tokA.Release()
	tokS, err := s.Wait(ctx)
	r.NoError(err)

	// The later shared request waits behind the sub-guard's ticket.
	shortCtx, shortCancel := context.WithTimeout(ctx, 10*time.Millisecond)
	_, err = b.Wait(shortCtx)
	shortCancel()
	r.ErrorIs(err, context.DeadlineExceeded)

	// Closing a sub-guard leaves the root usable.
	r.NoError(sub.Close(ctx))
	tokS.Release()

	tokB, err := p.Shared().Wait(ctx)
	r.NoError(err)
	tokB.Release()
}

func TestEventsFire(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var enqueued, granted, released atomic.Int32
	var deferredSeen atomic.Bool
	events := &Events{
		OnEnqueue: func(_ Mode, deferred bool) {
			enqueued.Add(1)
			if deferred {
				deferredSeen.Store(true)
			}
		},
		OnGrant:   func(Mode, time.Duration) { granted.Add(1) },
		OnRelease: func(Mode, time.Duration) { released.Add(1) },
	}
	p := New(struct{}{}, WithEvents[struct{}](events))

	tokA, err := p.Exclusive().Wait(ctx)
	r.NoError(err)
	b := p.Exclusive()
	tokA.Release()
	tokB, err := b.Wait(ctx)
	r.NoError(err)
	tokB.Release()

	r.Equal(int32(2), enqueued.Load())
	r.Equal(int32(2), granted.Load())
	r.Equal(int32(2), released.Load())
	r.True(deferredSeen.Load())
}

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

package comm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scalable-compute/tilekit/pipeline"
)

// fakeRequest completes after a fixed number of probes.
type fakeRequest struct {
	remaining atomic.Int32
	probes    atomic.Int32
}

func (f *fakeRequest) Test() (bool, error) {
	f.probes.Add(1)
	return f.remaining.Add(-1) <= 0, nil
}

// gateRequest completes only once the gate opens.
type gateRequest struct {
	open *atomic.Bool
}

func (g gateRequest) Test() (bool, error) { return g.open.Load(), nil }

type fakeReleaser struct {
	released atomic.Bool
}

func (f *fakeReleaser) Release() {
	if f.released.Swap(true) {
		panic("released twice")
	}
}

func TestSubmitPollsToCompletion(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ex := NewExecutor(ctx)
	req := &fakeRequest{}
	req.remaining.Store(100)

	h := ex.Submit(func(context.Context) (Request, error) { return req, nil })
	r.NoError(h.Wait(ctx))
	r.True(h.Status().Completed())
	r.NoError(h.Status().Err())
	r.GreaterOrEqual(req.probes.Load(), int32(100))
}

func TestSubmitBeginError(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ex := NewExecutor(ctx)
	boom := errors.New("boom")
	rel := &fakeReleaser{}

	h := ex.Submit(func(context.Context) (Request, error) { return nil, boom }, rel)
	r.ErrorIs(h.Wait(ctx), boom)
	r.True(rel.released.Load())
	r.True(h.Status().Completed())
}

// The token handed to Submit must come back before the request
// completes: enqueuing is the only serialized part.
func TestSubmitReleasesEarly(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ex := NewExecutor(ctx)
	rel := &fakeReleaser{}

	// The request refuses to complete until the releaser has been
	// dropped, so a hold-until-completion executor would deadlock here.
	h := ex.Submit(func(context.Context) (Request, error) {
		return gateRequest{open: &rel.released}, nil
	}, rel)
	r.NoError(h.Wait(ctx))
}

// A failed submission resolves only its own handle; an independent
// operation on the same executor is untouched.
func TestSubmitFailureIsolated(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ex := NewExecutor(ctx)

	bad := ex.Submit(func(context.Context) (Request, error) {
		return nil, errors.New("peer rejected")
	})
	good := ex.Submit(func(context.Context) (Request, error) {
		return doneRequest{}, nil
	})

	r.Error(bad.Wait(ctx))
	r.NoError(good.Wait(ctx))
}

// A failed begin must not wedge grants on unrelated resources either:
// the early releaser comes back and the next waiter gets the token.
func TestSubmitBeginErrorReleasesCommunicator(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ex := NewExecutor(ctx)
	p := pipeline.New(NewCommunicator(NewWorld(1).Rank(0)))

	ctok, err := p.Exclusive().Wait(ctx)
	r.NoError(err)

	h := ex.Submit(func(context.Context) (Request, error) {
		return nil, errors.New("no route")
	}, ctok)
	r.Error(h.Wait(ctx))

	next, err := p.Exclusive().Wait(ctx)
	r.NoError(err)
	next.Release()
}

type errRunner struct{}

func (errRunner) Go(func(context.Context)) error { return errors.New("pool closed") }

func TestSubmitRunnerFailure(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ex := NewExecutor(ctx, WithRunner(errRunner{}))
	rel := &fakeReleaser{}
	h := ex.Submit(func(context.Context) (Request, error) {
		t.Fatal("begin must not run")
		return nil, nil
	}, rel)
	r.Error(h.Wait(ctx))
	r.True(rel.released.Load())
}

func TestHandleWaitContextExpiry(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ex := NewExecutor(ctx)
	var open atomic.Bool
	h := ex.Submit(func(context.Context) (Request, error) {
		return gateRequest{open: &open}, nil
	})

	shortCtx, shortCancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer shortCancel()
	r.ErrorIs(h.Wait(shortCtx), context.DeadlineExceeded)
	r.False(h.Status().Completed())

	// Abandoning the wait does not abandon the operation.
	open.Store(true)
	r.NoError(h.Wait(ctx))
}

func TestStatusStrings(t *testing.T) {
	r := require.New(t)
	r.Equal("queued", statusQueued.String())
	r.Equal("polling", statusPolling.String())
	r.Equal("success", statusSuccess.String())
	r.Equal("error: boom", StatusFor(errors.New("boom")).String())
	r.Same(statusSuccess, StatusFor(nil))
}

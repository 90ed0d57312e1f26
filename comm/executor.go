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
	"runtime"
	"time"

	"github.com/cockroachdb/field-eng-powertools/workgroup"
	"github.com/hashicorp/go-hclog"

	"github.com/scalable-compute/tilekit/pipeline"
)

// Poll cadence: spin politely first, then back off exponentially. The
// cap keeps worst-case completion latency in the order of the OS timer
// granularity rather than unbounded sleep growth.
const (
	pollSpinLimit = 32
	pollBaseDelay = time.Microsecond
	pollMaxDelay  = 100 * time.Microsecond
)

// An Executor runs network-call submissions and completion polling on
// a dedicated execution context, kept apart from compute runners so
// that polling never starves ready work. Suspended operations poll
// cooperatively; the pool is never blocked outright on a request.
type Executor struct {
	runner pipeline.Runner
	log    hclog.Logger
}

// ExecutorOption configures an [Executor].
type ExecutorOption func(*Executor)

// WithLogger sets the logger for submission tracing.
func WithLogger(l hclog.Logger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

// WithRunner substitutes the execution context. The default is a
// two-worker group bound to the constructor's context.
func WithRunner(r pipeline.Runner) ExecutorOption {
	return func(e *Executor) { e.runner = r }
}

// NewExecutor constructs an Executor whose default pool lives until
// ctx is canceled.
func NewExecutor(ctx context.Context, opts ...ExecutorOption) *Executor {
	e := &Executor{log: hclog.NewNullLogger()}
	for _, o := range opts {
		o(e)
	}
	if e.runner == nil {
		e.runner = workgroup.WithSize(ctx, 2, 128)
	}
	return e
}

// Submit invokes begin on the dedicated context and resolves the
// returned handle once the request it produced completes.
//
// The releasers are dropped immediately after begin returns, success
// or not: enqueuing the network operation is the part that must be
// serialized per-communicator, so holding the communicator token
// through completion would throttle unrelated submissions. This is a
// deliberate narrowing of the usual hold-until-continuation-ends rule.
//
// A begin error resolves the handle as failed without any polling; an
// in-flight request is only ever polled, never resubmitted.
func (e *Executor) Submit(begin func(context.Context) (Request, error), early ...pipeline.Releaser) *Handle {
	h := newHandle()
	work := func(ctx context.Context) {
		e.log.Trace("beginning network call", "op", h.id)
		req, err := begin(ctx)
		for _, r := range early {
			r.Release()
		}
		if err != nil {
			e.log.Debug("submission failed", "op", h.id, "error", err)
			h.finish(err)
			return
		}
		h.set(statusPolling)
		if err := e.poll(ctx, req); err != nil {
			e.log.Debug("network call failed", "op", h.id, "error", err)
			h.finish(err)
			return
		}
		e.log.Trace("network call complete", "op", h.id)
		h.set(statusSuccess)
	}
	if err := e.runner.Go(work); err != nil {
		for _, r := range early {
			r.Release()
		}
		h.finish(err)
	}
	return h
}

// poll tests the request until completion, yielding between probes so
// other operations queued to the same context interleave.
func (e *Executor) poll(ctx context.Context, req Request) error {
	delay := pollBaseDelay
	for attempt := 0; ; attempt++ {
		done, err := req.Test()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt < pollSpinLimit {
			runtime.Gosched()
			continue
		}
		time.Sleep(delay)
		if delay < pollMaxDelay {
			delay *= 2
			if delay > pollMaxDelay {
				delay = pollMaxDelay
			}
		}
	}
}

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
	"fmt"

	"github.com/cockroachdb/field-eng-powertools/notify"
	"github.com/google/uuid"
)

// Status describes the progress of an asynchronous network operation.
type Status struct {
	err error
}

// Sentinel instances of Status.
var (
	statusQueued  = &Status{}
	statusPolling = &Status{}
	statusSuccess = &Status{}
)

// StatusFor constructs a successful status if err is nil, otherwise a
// failed one carrying the error.
func StatusFor(err error) *Status {
	if err == nil {
		return statusSuccess
	}
	return &Status{err: err}
}

// Completed returns true once the operation has succeeded or failed.
func (s *Status) Completed() bool {
	return s == statusSuccess || s.err != nil
}

// Err returns the operation's error, if any.
func (s *Status) Err() error {
	return s.err
}

func (s *Status) String() string {
	switch s {
	case statusQueued:
		return "queued"
	case statusPolling:
		return "polling"
	case statusSuccess:
		return "success"
	default:
		return fmt.Sprintf("error: %v", s.err)
	}
}

// A Handle is the awaitable result of one scheduled network operation.
type Handle struct {
	id     uuid.UUID
	result notify.Var[*Status]
}

func newHandle() *Handle {
	h := &Handle{id: uuid.New()}
	h.result.Set(statusQueued)
	return h
}

func (h *Handle) set(s *Status)    { h.result.Set(s) }
func (h *Handle) finish(err error) { h.result.Set(StatusFor(err)) }

// Status returns the current status without blocking.
func (h *Handle) Status() *Status {
	s, _ := h.result.Get()
	return s
}

// Wait blocks until the operation completes and returns its error.
// A ctx expiry abandons the wait, not the operation; the network call
// keeps polling toward completion.
func (h *Handle) Wait(ctx context.Context) error {
	for {
		s, changed := h.result.Get()
		if s != nil && s.Completed() {
			return s.Err()
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

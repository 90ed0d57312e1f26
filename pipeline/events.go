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

import "time"

// Events provides a guard with optional callbacks to monitor queue
// behavior. Callbacks may fire concurrently and must not block.
//
// See [WithEvents].
type Events struct {
	// OnEnqueue fires for every accepted request; deferred reports
	// whether the request had to wait behind earlier tickets.
	OnEnqueue func(mode Mode, deferred bool)
	// OnGrant fires when a ticket is activated.
	OnGrant func(mode Mode, sinceEnqueue time.Duration)
	// OnRelease fires when a token is released.
	OnRelease func(mode Mode, held time.Duration)
}

func (e *Events) doEnqueue(mode Mode, deferred bool) {
	if e != nil && e.OnEnqueue != nil {
		e.OnEnqueue(mode, deferred)
	}
}

func (e *Events) doGrant(mode Mode, sinceEnqueue time.Duration) {
	if e != nil && e.OnGrant != nil {
		e.OnGrant(mode, sinceEnqueue)
	}
}

func (e *Events) doRelease(mode Mode, held time.Duration) {
	if e != nil && e.OnRelease != nil {
		e.OnRelease(mode, held)
	}
}

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

/*
Package pipeline orders asynchronous access to a shared, long-lived
resource, such as a matrix tile or a network communicator.

A [Pipeline] owns one resource. Code that needs the resource requests
shared or exclusive access and receives a pending grant; the grant
resolves with a scoped token once every earlier request that conflicts
with it has been released:

	tile := pipeline.New(buf)

	// A writer and two readers, in submission order. The readers run
	// concurrently with each other, but only after the write is done.
	w := tile.Exclusive()
	r1 := tile.Shared()
	r2 := tile.Shared()

	tok, _ := w.Wait(ctx)
	fill(tok.Get())
	tok.Release()

	// r1 and r2 resolve together now.

The queue is the lock: there is no mutex to hold across a critical
section, so a grant holder is free to suspend (for instance on a
network round trip) without pinning an OS thread. Grants are issued in
strict submission order; shared runs coalesce, and nothing is ever
skipped, so neither readers nor writers starve.

Tokens follow the grant everywhere: release happens exactly once per
grant, on every control-flow path, and releasing re-evaluates the
queue head. A [ReadToken] has no mutation entry point, so the
shared/exclusive distinction is enforced by the type system rather
than checked at run time.
*/
package pipeline

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
Package comm adapts begin-then-poll network calls, the shape exposed by
message-passing transports, into units that compose with the access
pipeline instead of stalling a worker thread.

The [Executor] owns a dedicated execution context for submissions and
completion polling. A scheduled operation acquires its tile grant,
stages the tile into the transport-addressable memory domain with
[WithTemporaryTile], acquires the communicator grant, begins the call,
and then releases the communicator immediately: only the act of
enqueuing a transfer must be serialized per communicator. Completion is
observed by cooperatively polling [Request.Test].

A failed begin resolves the operation's [Handle] right away and touches
nothing else; grants on unrelated resources proceed normally. A
transfer whose peer never shows up simply never completes, and bounding
that is the caller's business.

The [World]/[Loopback] transport wires several in-process ranks
together for tests and miniapps.
*/
package comm

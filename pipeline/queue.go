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
	"fmt"
	"sync"
	"time"
)

// Mode selects the kind of access a ticket requests.
type Mode int

const (
	// Shared access may be granted to any number of consecutively
	// enqueued tickets at once.
	Shared Mode = iota
	// Exclusive access is granted to one ticket at a time, and only
	// while no other ticket is active.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Ticket lifecycle. A ticket leaves the list when it reaches
// ticketDone, either by release or by cancellation.
const (
	ticketQueued = iota
	ticketActive
	ticketDone
)

// A ticket is one pending or active access request. Instances should
// only be accessed while holding the parent queue's lock, except for
// the grant callback, which is fired after the lock is dropped.
type ticket struct {
	mode       Mode
	seq        uint64
	state      int
	prev, next *ticket

	// grant delivers the token to the requester. It must be fully set
	// before the ticket is handed to enqueue: the moment the queue lock
	// drops, a concurrent release may activate the ticket and read
	// grant from a delivery goroutine. Invoked at most once.
	grant      func()
	enqueuedAt time.Time
}

func newTicket(mode Mode) *ticket {
	return &ticket{mode: mode, enqueuedAt: time.Now()}
}

// A queue implements in-order admission for shared and exclusive
// access requests against a single resource. At most one exclusive
// ticket is active at a time, and only while nothing else is active; a
// run of consecutively enqueued shared tickets may be active together.
// No ticket is ever activated ahead of an earlier-enqueued one.
//
// A queue is internally synchronized. Mutating methods return the
// newly activated tickets; the caller fires their grant callbacks
// after the lock has been released.
type queue struct {
	mu struct {
		sync.Mutex
		head, tail *ticket
		seq        uint64
		count      int
		closed     bool
	}

	// onChange is invoked with the live ticket count while the lock is
	// still held, so drain observers never see stale counts.
	onChange func(int)
}

// enqueue appends a prepared ticket, grant callback and all. It fails
// only once the queue has been closed; a refused ticket is never
// linked and must not be released or canceled.
func (q *queue) enqueue(t *ticket) ([]*ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.mu.closed {
		return nil, ErrClosed
	}
	q.mu.seq++
	t.seq = q.mu.seq
	t.state = ticketQueued
	if q.mu.tail == nil {
		q.mu.head = t
	} else {
		q.mu.tail.next = t
		t.prev = q.mu.tail
	}
	q.mu.tail = t
	q.mu.count++
	q.noteLocked()
	return q.advanceLocked(), nil
}

// release removes an active ticket and re-evaluates the queue head.
// Releasing a ticket that is not active is a programming error.
func (q *queue) release(t *ticket) []*ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.state != ticketActive {
		panic(fmt.Sprintf("pipeline: ticket %d released twice", t.seq))
	}
	t.state = ticketDone
	q.removeLocked(t)
	return q.advanceLocked()
}

// cancel withdraws a ticket that has not been activated yet. It
// reports false if the ticket was already active or gone, in which
// case the caller owns the ordinary release path.
func (q *queue) cancel(t *ticket) (bool, []*ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.state != ticketQueued {
		return false, nil
	}
	t.state = ticketDone
	q.removeLocked(t)
	return true, q.advanceLocked()
}

// close refuses further enqueues. Tickets already queued or active are
// unaffected; the guard drains them before tearing down.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mu.closed = true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mu.count
}

// advanceLocked scans from the head and greedily activates the next
// eligible run: shared tickets while nothing exclusive is in the way,
// or exactly one exclusive ticket if it is alone at the head. Because
// activation itself is in FIFO order, active tickets always form a
// prefix of the list.
func (q *queue) advanceLocked() []*ticket {
	var granted []*ticket
	atHead := true
	for t := q.mu.head; t != nil; t = t.next {
		if t.state == ticketActive {
			if t.mode == Exclusive {
				return granted
			}
			atHead = false
			continue
		}
		if t.mode == Exclusive {
			if atHead {
				t.state = ticketActive
				granted = append(granted, t)
			}
			return granted
		}
		t.state = ticketActive
		granted = append(granted, t)
		atHead = false
	}
	return granted
}

func (q *queue) removeLocked(t *ticket) {
	if t.prev == nil {
		q.mu.head = t.next
	} else {
		t.prev.next = t.next
	}
	if t.next == nil {
		q.mu.tail = t.prev
	} else {
		t.next.prev = t.prev
	}
	t.prev, t.next = nil, nil
	q.mu.count--
	q.noteLocked()
}

func (q *queue) noteLocked() {
	if q.onChange != nil {
		q.onChange(q.mu.count)
	}
}

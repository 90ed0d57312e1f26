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
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// A World connects a number of in-process ranks with a [Transport]
// implementing the begin/test contract against shared memory. It
// stands in for a real message-passing binding in tests and
// single-process miniapps; it is not a network stack.
//
// Point-to-point sends are eager: the payload is snapshotted at begin
// and the send request completes immediately. Collectives follow the
// usual matching rule: the n-th collective begun on one rank pairs
// with the n-th collective begun on every other rank.
type World struct {
	size  int
	ranks []*Loopback

	mu struct {
		sync.Mutex
		p2p   map[p2pKey][]any
		colls map[int]*collective
	}
}

type p2pKey struct {
	source, dest, tag int
}

type collective struct {
	kind string
	op   Op
	root int

	joined  int
	fetched int
	// fetchers is how many ranks must observe the result before the
	// slot can be reclaimed.
	fetchers int
	acc      any
}

// NewWorld creates size connected ranks.
func NewWorld(size int) *World {
	if size <= 0 {
		panic(fmt.Sprintf("comm: invalid world size %d", size))
	}
	w := &World{size: size}
	w.mu.p2p = make(map[p2pKey][]any)
	w.mu.colls = make(map[int]*collective)
	for r := 0; r < size; r++ {
		w.ranks = append(w.ranks, &Loopback{w: w, rank: r})
	}
	return w
}

// Size returns the number of ranks.
func (w *World) Size() int { return w.size }

// Rank returns the transport endpoint for one rank.
func (w *World) Rank(r int) *Loopback { return w.ranks[r] }

// Ranks returns all endpoints in rank order.
func (w *World) Ranks() []*Loopback { return w.ranks }

// Close verifies that no traffic was left behind: unmatched sends or
// collectives some rank never joined indicate a peer that went
// missing. All findings are aggregated.
func (w *World) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs *multierror.Error
	for k, msgs := range w.mu.p2p {
		if len(msgs) > 0 {
			errs = multierror.Append(errs, fmt.Errorf(
				"comm: %d unreceived message(s) from rank %d to rank %d tag %d",
				len(msgs), k.source, k.dest, k.tag))
		}
	}
	for slot, c := range w.mu.colls {
		errs = multierror.Append(errs, fmt.Errorf(
			"comm: %s collective in slot %d joined by %d of %d ranks",
			c.kind, slot, c.joined, w.size))
	}
	return errs.ErrorOrNil()
}

// Loopback is one rank's endpoint in a [World].
type Loopback struct {
	w    *World
	rank int

	// seq numbers this rank's collectives; guarded by w.mu.
	seq int
}

var _ Transport = (*Loopback)(nil)

// Rank implements [Transport].
func (l *Loopback) Rank() int { return l.rank }

// Size implements [Transport].
func (l *Loopback) Size() int { return l.w.size }

// Send implements [Transport]. The payload is snapshotted, so the
// request completes at once and the buffer is immediately reusable.
func (l *Loopback) Send(buf any, dest, tag int) (Request, error) {
	if dest < 0 || dest >= l.w.size {
		return nil, fmt.Errorf("%w: send to rank %d of %d", ErrInvalidArgument, dest, l.w.size)
	}
	if tag < 0 {
		return nil, fmt.Errorf("%w: negative tag %d", ErrInvalidArgument, tag)
	}
	snap, err := snapshot(buf)
	if err != nil {
		return nil, err
	}
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	k := p2pKey{source: l.rank, dest: dest, tag: tag}
	l.w.mu.p2p[k] = append(l.w.mu.p2p[k], snap)
	return doneRequest{}, nil
}

// Recv implements [Transport]. The request completes once a matching
// send has been posted; the payload is copied into buf at that point.
func (l *Loopback) Recv(buf any, source, tag int) (Request, error) {
	if source < 0 || source >= l.w.size {
		return nil, fmt.Errorf("%w: recv from rank %d of %d", ErrInvalidArgument, source, l.w.size)
	}
	if tag < 0 {
		return nil, fmt.Errorf("%w: negative tag %d", ErrInvalidArgument, tag)
	}
	if _, err := snapshot(buf); err != nil {
		return nil, err
	}
	k := p2pKey{source: source, dest: l.rank, tag: tag}
	return &testRequest{test: func() (bool, error) {
		l.w.mu.Lock()
		defer l.w.mu.Unlock()
		msgs := l.w.mu.p2p[k]
		if len(msgs) == 0 {
			return false, nil
		}
		msg := msgs[0]
		if err := copyInto(buf, msg); err != nil {
			return false, err
		}
		if len(msgs) == 1 {
			delete(l.w.mu.p2p, k)
		} else {
			l.w.mu.p2p[k] = msgs[1:]
		}
		return true, nil
	}}, nil
}

// Bcast implements [Transport].
func (l *Loopback) Bcast(buf any, root int) (Request, error) {
	if root < 0 || root >= l.w.size {
		return nil, fmt.Errorf("%w: bcast root %d of %d", ErrInvalidArgument, root, l.w.size)
	}
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	c, err := l.joinLocked("bcast", 0, root, l.w.size)
	if err != nil {
		return nil, err
	}
	if l.rank == root {
		snap, err := snapshot(buf)
		if err != nil {
			return nil, err
		}
		c.acc = snap
		c.fetched++
		l.maybeReclaimLocked()
		return doneRequest{}, nil
	}
	if _, err := snapshot(buf); err != nil {
		return nil, err
	}
	fetched := false
	return &testRequest{test: func() (bool, error) {
		l.w.mu.Lock()
		defer l.w.mu.Unlock()
		if c.acc == nil {
			return false, nil
		}
		if !fetched {
			if err := copyInto(buf, c.acc); err != nil {
				return false, err
			}
			fetched = true
			c.fetched++
			l.maybeReclaimLocked()
		}
		return true, nil
	}}, nil
}

// Reduce implements [Transport]. Ranks other than root pass a nil
// recv; root may pass recv == send for an in-place reduction.
func (l *Loopback) Reduce(send, recv any, op Op, root int) (Request, error) {
	if root < 0 || root >= l.w.size {
		return nil, fmt.Errorf("%w: reduce root %d of %d", ErrInvalidArgument, root, l.w.size)
	}
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	c, err := l.joinLocked("reduce", op, root, 1)
	if err != nil {
		return nil, err
	}
	if err := l.contributeLocked(c, op, send); err != nil {
		return nil, err
	}
	if l.rank != root {
		l.maybeReclaimLocked()
		return doneRequest{}, nil
	}
	fetched := false
	return &testRequest{test: func() (bool, error) {
		l.w.mu.Lock()
		defer l.w.mu.Unlock()
		if c.joined < l.w.size {
			return false, nil
		}
		if !fetched {
			if err := copyInto(recv, c.acc); err != nil {
				return false, err
			}
			fetched = true
			c.fetched++
			l.maybeReclaimLocked()
		}
		return true, nil
	}}, nil
}

// AllReduce implements [Transport]. recv == send performs the
// reduction in place.
func (l *Loopback) AllReduce(send, recv any, op Op) (Request, error) {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	c, err := l.joinLocked("allreduce", op, 0, l.w.size)
	if err != nil {
		return nil, err
	}
	if err := l.contributeLocked(c, op, send); err != nil {
		return nil, err
	}
	fetched := false
	return &testRequest{test: func() (bool, error) {
		l.w.mu.Lock()
		defer l.w.mu.Unlock()
		if c.joined < l.w.size {
			return false, nil
		}
		if !fetched {
			if err := copyInto(recv, c.acc); err != nil {
				return false, err
			}
			fetched = true
			c.fetched++
			l.maybeReclaimLocked()
		}
		return true, nil
	}}, nil
}

// joinLocked matches this rank's next collective slot against the
// world, verifying that all participants agree on what the slot is.
func (l *Loopback) joinLocked(kind string, op Op, root, fetchers int) (*collective, error) {
	slot := l.seq
	c, ok := l.w.mu.colls[slot]
	if !ok {
		c = &collective{kind: kind, op: op, root: root, fetchers: fetchers}
		l.w.mu.colls[slot] = c
	} else if c.kind != kind || c.op != op || c.root != root {
		return nil, fmt.Errorf("%w: rank %d began %s(op=%v, root=%d) in slot %d holding %s(op=%v, root=%d)",
			ErrInvalidArgument, l.rank, kind, op, root, slot, c.kind, c.op, c.root)
	}
	l.seq++
	c.joined++
	return c, nil
}

func (l *Loopback) contributeLocked(c *collective, op Op, send any) (err error) {
	if c.acc == nil {
		c.acc, err = snapshot(send)
		return err
	}
	return combine(op, c.acc, send)
}

// maybeReclaimLocked frees finished collective slots. Slots are keyed
// by sequence number, so the scan stays cheap: only in-flight slots
// exist.
func (l *Loopback) maybeReclaimLocked() {
	for slot, c := range l.w.mu.colls {
		if c.joined == l.w.size && c.fetched == c.fetchers {
			delete(l.w.mu.colls, slot)
		}
	}
}

type doneRequest struct{}

func (doneRequest) Test() (bool, error) { return true, nil }

type testRequest struct {
	test func() (bool, error)
}

func (r *testRequest) Test() (bool, error) { return r.test() }

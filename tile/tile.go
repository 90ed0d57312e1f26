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

// Package tile provides the strided numeric buffers guarded by the
// access pipeline. Tiles are column-major views with a leading
// dimension, carry a memory [Domain], and do no locking of their own:
// all concurrency control lives with whoever holds the access token.
package tile

import "fmt"

// Number constrains tile element types.
type Number interface {
	~int | ~int32 | ~int64 | ~float32 | ~float64 | ~complex64 | ~complex128
}

// Domain identifies where a tile's memory lives. Network transports
// typically address only the pinned domain, so data elsewhere is
// staged through a temporary before a transfer.
type Domain int

const (
	// Host is ordinary pageable memory.
	Host Domain = iota
	// HostPinned is page-locked memory addressable by the transport.
	HostPinned
)

func (d Domain) String() string {
	switch d {
	case Host:
		return "host"
	case HostPinned:
		return "host-pinned"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// A Tile is a rows x cols column-major view over a backing slice with
// leading dimension ld >= rows. Element (i, j) lives at data[i+j*ld].
type Tile[E Number] struct {
	data       []E
	rows, cols int
	ld         int
	dom        Domain
}

// New allocates a contiguous rows x cols tile in the given domain.
func New[E Number](dom Domain, rows, cols int) *Tile[E] {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("tile: invalid size %dx%d", rows, cols))
	}
	return &Tile[E]{
		data: make([]E, rows*cols),
		rows: rows,
		cols: cols,
		ld:   max(rows, 1),
		dom:  dom,
	}
}

// FromSlice wraps an existing backing slice as a tile view. The slice
// must hold at least ld*(cols-1)+rows elements.
func FromSlice[E Number](dom Domain, rows, cols, ld int, data []E) *Tile[E] {
	if rows < 0 || cols < 0 || ld < max(rows, 1) {
		panic(fmt.Sprintf("tile: invalid view %dx%d ld=%d", rows, cols, ld))
	}
	if need := elemCount(rows, cols, ld); len(data) < need {
		panic(fmt.Sprintf("tile: backing slice too short: %d < %d", len(data), need))
	}
	return &Tile[E]{data: data, rows: rows, cols: cols, ld: ld, dom: dom}
}

func elemCount(rows, cols, ld int) int {
	if rows == 0 || cols == 0 {
		return 0
	}
	return ld*(cols-1) + rows
}

// Rows returns the row count.
func (t *Tile[E]) Rows() int { return t.rows }

// Cols returns the column count.
func (t *Tile[E]) Cols() int { return t.cols }

// LD returns the leading dimension.
func (t *Tile[E]) LD() int { return t.ld }

// Domain returns the memory domain the tile lives in.
func (t *Tile[E]) Domain() Domain { return t.dom }

// SameShape reports whether o has the same rows and cols.
func (t *Tile[E]) SameShape(o *Tile[E]) bool {
	return t.rows == o.rows && t.cols == o.cols
}

// IsContiguous reports whether the elements occupy one dense run.
func (t *Tile[E]) IsContiguous() bool {
	return t.ld == t.rows || t.cols <= 1
}

// At returns element (i, j).
func (t *Tile[E]) At(i, j int) E {
	t.check(i, j)
	return t.data[i+j*t.ld]
}

// Set stores element (i, j).
func (t *Tile[E]) Set(i, j int, v E) {
	t.check(i, j)
	t.data[i+j*t.ld] = v
}

func (t *Tile[E]) check(i, j int) {
	if i < 0 || i >= t.rows || j < 0 || j >= t.cols {
		panic(fmt.Sprintf("tile: index (%d,%d) out of %dx%d", i, j, t.rows, t.cols))
	}
}

// Data returns the dense backing run of a contiguous tile, suitable
// for handing to a transport. Calling Data on a strided tile is a
// programming error; stage through a contiguous temporary first.
func (t *Tile[E]) Data() []E {
	if !t.IsContiguous() {
		panic("tile: Data on non-contiguous tile")
	}
	return t.data[:t.rows*t.cols]
}

// Fill stores v into every element.
func (t *Tile[E]) Fill(v E) {
	for j := 0; j < t.cols; j++ {
		col := t.data[j*t.ld : j*t.ld+t.rows]
		for i := range col {
			col[i] = v
		}
	}
}

// CopyFrom copies src into t. The shapes must match; strides and
// domains may differ.
func (t *Tile[E]) CopyFrom(src *Tile[E]) error {
	if !t.SameShape(src) {
		return fmt.Errorf("tile: copy %dx%d -> %dx%d: shape mismatch",
			src.rows, src.cols, t.rows, t.cols)
	}
	for j := 0; j < t.cols; j++ {
		copy(t.data[j*t.ld:j*t.ld+t.rows], src.data[j*src.ld:j*src.ld+src.rows])
	}
	return nil
}

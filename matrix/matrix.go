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

// Package matrix owns a grid of tiles, one access pipeline per tile,
// so that algorithm steps touching disjoint tiles proceed fully in
// parallel while steps sharing a tile are ordered by its queue.
package matrix

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/scalable-compute/tilekit/pipeline"
	"github.com/scalable-compute/tilekit/tile"
)

// A Matrix is a tilesRows x tilesCols grid of equally sized tiles.
// Access to each tile goes through that tile's own pipeline; the
// matrix imposes no ordering across tiles.
type Matrix[E tile.Number] struct {
	tilesRows, tilesCols int
	pipes                []*pipeline.Pipeline[*tile.Tile[E]]
}

// New allocates the full grid in the given domain. Options apply to
// every tile pipeline.
func New[E tile.Number](dom tile.Domain, tilesRows, tilesCols, tileRows, tileCols int, opts ...pipeline.Option[*tile.Tile[E]]) *Matrix[E] {
	if tilesRows <= 0 || tilesCols <= 0 {
		panic(fmt.Sprintf("matrix: invalid grid %dx%d", tilesRows, tilesCols))
	}
	m := &Matrix[E]{tilesRows: tilesRows, tilesCols: tilesCols}
	for i := 0; i < tilesRows*tilesCols; i++ {
		m.pipes = append(m.pipes, pipeline.New(tile.New[E](dom, tileRows, tileCols), opts...))
	}
	return m
}

// TilesRows returns the number of tile rows.
func (m *Matrix[E]) TilesRows() int { return m.tilesRows }

// TilesCols returns the number of tile columns.
func (m *Matrix[E]) TilesCols() int { return m.tilesCols }

func (m *Matrix[E]) pipe(i, j int) *pipeline.Pipeline[*tile.Tile[E]] {
	if i < 0 || i >= m.tilesRows || j < 0 || j >= m.tilesCols {
		panic(fmt.Sprintf("matrix: tile (%d,%d) out of %dx%d", i, j, m.tilesRows, m.tilesCols))
	}
	return m.pipes[i*m.tilesCols+j]
}

// Read requests shared access to tile (i, j).
func (m *Matrix[E]) Read(i, j int) *pipeline.SharedPending[*tile.Tile[E]] {
	return m.pipe(i, j).Shared()
}

// ReadWrite requests exclusive access to tile (i, j).
func (m *Matrix[E]) ReadWrite(i, j int) *pipeline.ExclusivePending[*tile.Tile[E]] {
	return m.pipe(i, j).Exclusive()
}

// ReadAll requests shared access to every tile, row-major.
func (m *Matrix[E]) ReadAll() []*pipeline.SharedPending[*tile.Tile[E]] {
	out := make([]*pipeline.SharedPending[*tile.Tile[E]], 0, len(m.pipes))
	for _, p := range m.pipes {
		out = append(out, p.Shared())
	}
	return out
}

// ReadWriteAll requests exclusive access to every tile, row-major.
func (m *Matrix[E]) ReadWriteAll() []*pipeline.ExclusivePending[*tile.Tile[E]] {
	out := make([]*pipeline.ExclusivePending[*tile.Tile[E]], 0, len(m.pipes))
	for _, p := range m.pipes {
		out = append(out, p.Exclusive())
	}
	return out
}

// Sub returns a sub-guard for tile (i, j), for handing to a nested
// algorithm scope. Requests through it keep their place in the same
// queue.
func (m *Matrix[E]) Sub(i, j int) *pipeline.Pipeline[*tile.Tile[E]] {
	return m.pipe(i, j).Sub()
}

// Close drains every tile pipeline. Failures to drain are collected
// rather than aborting the remaining tiles.
func (m *Matrix[E]) Close(ctx context.Context) error {
	var errs *multierror.Error
	for i, p := range m.pipes {
		if err := p.Close(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf(
				"matrix: draining tile (%d,%d): %w", i/m.tilesCols, i%m.tilesCols, err))
		}
	}
	return errs.ErrorOrNil()
}

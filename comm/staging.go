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

	"github.com/scalable-compute/tilekit/tile"
)

// Staging flags. Spelled out as named types so call sites read as a
// sentence rather than a row of bare booleans.
type (
	// CopyToDestination controls whether source data is copied into
	// the temporary before the body runs.
	CopyToDestination bool
	// CopyFromDestination controls whether the temporary's data is
	// copied back into the source after the body completes.
	CopyFromDestination bool
	// RequireContiguous forces the temporary to be laid out densely
	// regardless of the source's stride.
	RequireContiguous bool
)

const (
	CopyToDestinationNo    CopyToDestination   = false
	CopyToDestinationYes   CopyToDestination   = true
	CopyFromDestinationNo  CopyFromDestination = false
	CopyFromDestinationYes CopyFromDestination = true
	RequireContiguousNo    RequireContiguous   = false
	RequireContiguousYes   RequireContiguous   = true
)

// WithTemporaryTile brackets body with a same-shape temporary tile in
// the dst memory domain. Copies happen strictly before and after body,
// and the temporary does not outlive the call, so staged data can
// never race with the original even under asynchronous scheduling
// inside body.
//
// If the source already lives in dst and satisfies the contiguity
// requirement, no temporary is made and body receives the source
// directly.
func WithTemporaryTile[E tile.Number](
	dst tile.Domain,
	copyIn CopyToDestination,
	copyOut CopyFromDestination,
	contig RequireContiguous,
	t *tile.Tile[E],
	body func(*tile.Tile[E]) error,
) error {
	if t.Domain() == dst && (!bool(contig) || t.IsContiguous()) {
		return body(t)
	}
	tmp := tile.New[E](dst, t.Rows(), t.Cols())
	if copyIn {
		if err := tmp.CopyFrom(t); err != nil {
			return fmt.Errorf("staging copy in: %w", err)
		}
	}
	if err := body(tmp); err != nil {
		return err
	}
	if copyOut {
		if err := t.CopyFrom(tmp); err != nil {
			return fmt.Errorf("staging copy out: %w", err)
		}
	}
	return nil
}

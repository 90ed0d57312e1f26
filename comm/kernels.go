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

	"github.com/scalable-compute/tilekit/pipeline"
	"github.com/scalable-compute/tilekit/tile"
)

// The scheduling kernels tie the three mechanisms together: a tile
// grant, a staging copy into the transport-addressable domain, and a
// guarded submission through the executor. The communicator grant is
// requested only once the staged buffer is ready and is dropped the
// moment the transfer has been begun.
//
// All kernels stage through a contiguous temporary because the
// transport contract takes dense buffers.

// schedule runs the shared kernel skeleton: acquire the tile, stage,
// acquire the communicator, begin the call and await completion.
func schedule[E tile.Number](
	ctx context.Context,
	ex *Executor,
	pcomm *pipeline.ExclusivePending[*Communicator],
	wait func(context.Context) (pipeline.Releaser, *tile.Tile[E], error),
	copyIn CopyToDestination,
	copyOut CopyFromDestination,
	begin func(c *Communicator, buf []E) (Request, error),
) *Handle {
	h := newHandle()
	go func() {
		tok, t, err := wait(ctx)
		if err != nil {
			pcomm.Cancel()
			h.finish(err)
			return
		}
		defer tok.Release()
		err = WithTemporaryTile(tile.HostPinned, copyIn, copyOut, RequireContiguousYes, t,
			func(tmp *tile.Tile[E]) error {
				ctok, err := pcomm.Wait(ctx)
				if err != nil {
					return err
				}
				sub := ex.Submit(func(context.Context) (Request, error) {
					return begin(ctok.Get(), tmp.Data())
				}, ctok)
				return sub.Wait(ctx)
			})
		h.finish(err)
	}()
	return h
}

func waitShared[E tile.Number](p *pipeline.SharedPending[*tile.Tile[E]]) func(context.Context) (pipeline.Releaser, *tile.Tile[E], error) {
	return func(ctx context.Context) (pipeline.Releaser, *tile.Tile[E], error) {
		tok, err := p.Wait(ctx)
		if err != nil {
			return nil, nil, err
		}
		return tok, tok.Get(), nil
	}
}

func waitExclusive[E tile.Number](p *pipeline.ExclusivePending[*tile.Tile[E]]) func(context.Context) (pipeline.Releaser, *tile.Tile[E], error) {
	return func(ctx context.Context) (pipeline.Releaser, *tile.Tile[E], error) {
		tok, err := p.Wait(ctx)
		if err != nil {
			return nil, nil, err
		}
		return tok, tok.Get(), nil
	}
}

// ScheduleSend schedules a two-sided send of the tile to dest.
func ScheduleSend[E tile.Number](ctx context.Context, ex *Executor, pcomm *pipeline.ExclusivePending[*Communicator], dest, tag int, ptile *pipeline.SharedPending[*tile.Tile[E]]) *Handle {
	return schedule(ctx, ex, pcomm, waitShared(ptile), CopyToDestinationYes, CopyFromDestinationNo,
		func(c *Communicator, buf []E) (Request, error) {
			return c.Send(buf, dest, tag)
		})
}

// ScheduleRecv schedules a two-sided receive into the tile from
// source. The tile contents before the receive are irrelevant, so
// nothing is copied into the temporary.
func ScheduleRecv[E tile.Number](ctx context.Context, ex *Executor, pcomm *pipeline.ExclusivePending[*Communicator], source, tag int, ptile *pipeline.ExclusivePending[*tile.Tile[E]]) *Handle {
	return schedule(ctx, ex, pcomm, waitExclusive(ptile), CopyToDestinationNo, CopyFromDestinationYes,
		func(c *Communicator, buf []E) (Request, error) {
			return c.Recv(buf, source, tag)
		})
}

// ScheduleSendBcast schedules the root side of a broadcast. The send
// does not change the data, so the temporary is not copied back.
func ScheduleSendBcast[E tile.Number](ctx context.Context, ex *Executor, pcomm *pipeline.ExclusivePending[*Communicator], ptile *pipeline.SharedPending[*tile.Tile[E]]) *Handle {
	return schedule(ctx, ex, pcomm, waitShared(ptile), CopyToDestinationYes, CopyFromDestinationNo,
		func(c *Communicator, buf []E) (Request, error) {
			return c.Bcast(buf, c.Rank())
		})
}

// ScheduleRecvBcast schedules a receiving side of a broadcast rooted
// at root. The input tile may be uninitialized, so only the copy back
// happens.
func ScheduleRecvBcast[E tile.Number](ctx context.Context, ex *Executor, pcomm *pipeline.ExclusivePending[*Communicator], root int, ptile *pipeline.ExclusivePending[*tile.Tile[E]]) *Handle {
	return schedule(ctx, ex, pcomm, waitExclusive(ptile), CopyToDestinationNo, CopyFromDestinationYes,
		func(c *Communicator, buf []E) (Request, error) {
			return c.Bcast(buf, root)
		})
}

// ScheduleReduceSend schedules a contributing side of a reduction
// rooted at rankRoot.
func ScheduleReduceSend[E tile.Number](ctx context.Context, ex *Executor, pcomm *pipeline.ExclusivePending[*Communicator], rankRoot int, op Op, ptile *pipeline.SharedPending[*tile.Tile[E]]) *Handle {
	return schedule(ctx, ex, pcomm, waitShared(ptile), CopyToDestinationYes, CopyFromDestinationNo,
		func(c *Communicator, buf []E) (Request, error) {
			return c.Reduce(buf, nil, op, rankRoot)
		})
}

// ScheduleReduceRecvInPlace schedules the root side of a reduction,
// combining into the tile in place.
func ScheduleReduceRecvInPlace[E tile.Number](ctx context.Context, ex *Executor, pcomm *pipeline.ExclusivePending[*Communicator], op Op, ptile *pipeline.ExclusivePending[*tile.Tile[E]]) *Handle {
	return schedule(ctx, ex, pcomm, waitExclusive(ptile), CopyToDestinationYes, CopyFromDestinationYes,
		func(c *Communicator, buf []E) (Request, error) {
			return c.Reduce(buf, buf, op, c.Rank())
		})
}

// ScheduleAllReduceInPlace schedules an all-reduce combining into the
// tile in place on every rank.
func ScheduleAllReduceInPlace[E tile.Number](ctx context.Context, ex *Executor, pcomm *pipeline.ExclusivePending[*Communicator], op Op, ptile *pipeline.ExclusivePending[*tile.Tile[E]]) *Handle {
	return schedule(ctx, ex, pcomm, waitExclusive(ptile), CopyToDestinationYes, CopyFromDestinationYes,
		func(c *Communicator, buf []E) (Request, error) {
			return c.AllReduce(buf, buf, op)
		})
}

// ScheduleAllReduce schedules an all-reduce from a read-only input
// tile into a writable output tile.
func ScheduleAllReduce[E tile.Number](ctx context.Context, ex *Executor, pcomm *pipeline.ExclusivePending[*Communicator], op Op, ptileIn *pipeline.SharedPending[*tile.Tile[E]], ptileOut *pipeline.ExclusivePending[*tile.Tile[E]]) *Handle {
	h := newHandle()
	go func() {
		in, err := ptileIn.Wait(ctx)
		if err != nil {
			ptileOut.Cancel()
			pcomm.Cancel()
			h.finish(err)
			return
		}
		defer in.Release()
		out, err := ptileOut.Wait(ctx)
		if err != nil {
			pcomm.Cancel()
			h.finish(err)
			return
		}
		defer out.Release()
		err = WithTemporaryTile(tile.HostPinned, CopyToDestinationYes, CopyFromDestinationNo, RequireContiguousYes, in.Get(),
			func(tmpIn *tile.Tile[E]) error {
				return WithTemporaryTile(tile.HostPinned, CopyToDestinationNo, CopyFromDestinationYes, RequireContiguousYes, out.Get(),
					func(tmpOut *tile.Tile[E]) error {
						ctok, err := pcomm.Wait(ctx)
						if err != nil {
							return err
						}
						sub := ex.Submit(func(context.Context) (Request, error) {
							return ctok.Get().AllReduce(tmpIn.Data(), tmpOut.Data(), op)
						}, ctok)
						return sub.Wait(ctx)
					})
			})
		h.finish(err)
	}()
	return h
}

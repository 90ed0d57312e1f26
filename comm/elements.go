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

import "fmt"

// The loopback transport moves payloads as dense slices of the tile
// element types. These helpers are the type-switch boundary; past
// them, everything is generic.

func snapshot(buf any) (any, error) {
	switch b := buf.(type) {
	case []int:
		return append([]int(nil), b...), nil
	case []int32:
		return append([]int32(nil), b...), nil
	case []int64:
		return append([]int64(nil), b...), nil
	case []float32:
		return append([]float32(nil), b...), nil
	case []float64:
		return append([]float64(nil), b...), nil
	case []complex64:
		return append([]complex64(nil), b...), nil
	case []complex128:
		return append([]complex128(nil), b...), nil
	default:
		return nil, fmt.Errorf("%w: unsupported buffer type %T", ErrInvalidArgument, buf)
	}
}

func copyInto(dst, src any) error {
	switch d := dst.(type) {
	case []int:
		return copySlice(d, src)
	case []int32:
		return copySlice(d, src)
	case []int64:
		return copySlice(d, src)
	case []float32:
		return copySlice(d, src)
	case []float64:
		return copySlice(d, src)
	case []complex64:
		return copySlice(d, src)
	case []complex128:
		return copySlice(d, src)
	default:
		return fmt.Errorf("%w: unsupported buffer type %T", ErrInvalidArgument, dst)
	}
}

func copySlice[E comparable](dst []E, src any) error {
	s, ok := src.([]E)
	if !ok {
		return fmt.Errorf("%w: payload %T does not match buffer %T", ErrInvalidArgument, src, dst)
	}
	if len(s) != len(dst) {
		return fmt.Errorf("%w: payload length %d does not match buffer length %d",
			ErrInvalidArgument, len(s), len(dst))
	}
	copy(dst, s)
	return nil
}

func combine(op Op, acc, in any) error {
	switch a := acc.(type) {
	case []int:
		return combineOrdered(op, a, in)
	case []int32:
		return combineOrdered(op, a, in)
	case []int64:
		return combineOrdered(op, a, in)
	case []float32:
		return combineOrdered(op, a, in)
	case []float64:
		return combineOrdered(op, a, in)
	case []complex64:
		return combineUnordered(op, a, in)
	case []complex128:
		return combineUnordered(op, a, in)
	default:
		return fmt.Errorf("%w: unsupported buffer type %T", ErrInvalidArgument, acc)
	}
}

func combineOrdered[E ~int | ~int32 | ~int64 | ~float32 | ~float64](op Op, acc []E, in any) error {
	s, err := matched(acc, in)
	if err != nil {
		return err
	}
	switch op {
	case OpSum:
		for i := range acc {
			acc[i] += s[i]
		}
	case OpProd:
		for i := range acc {
			acc[i] *= s[i]
		}
	case OpMax:
		for i := range acc {
			if s[i] > acc[i] {
				acc[i] = s[i]
			}
		}
	case OpMin:
		for i := range acc {
			if s[i] < acc[i] {
				acc[i] = s[i]
			}
		}
	default:
		return fmt.Errorf("%w: unknown reduce op %v", ErrInvalidArgument, op)
	}
	return nil
}

// Complex elements have no ordering, so only sum and prod reduce.
func combineUnordered[E ~complex64 | ~complex128](op Op, acc []E, in any) error {
	s, err := matched(acc, in)
	if err != nil {
		return err
	}
	switch op {
	case OpSum:
		for i := range acc {
			acc[i] += s[i]
		}
	case OpProd:
		for i := range acc {
			acc[i] *= s[i]
		}
	default:
		return fmt.Errorf("%w: reduce op %v is undefined for complex elements", ErrInvalidArgument, op)
	}
	return nil
}

func matched[E any](acc []E, in any) ([]E, error) {
	s, ok := in.([]E)
	if !ok {
		return nil, fmt.Errorf("%w: contribution %T does not match accumulator %T", ErrInvalidArgument, in, acc)
	}
	if len(s) != len(acc) {
		return nil, fmt.Errorf("%w: contribution length %d does not match accumulator length %d",
			ErrInvalidArgument, len(s), len(acc))
	}
	return s, nil
}

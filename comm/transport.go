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
	"errors"
	"fmt"
)

// ErrInvalidArgument tags submission failures caused by bad call
// arguments (out-of-range rank, non-slice buffer, mismatched lengths).
var ErrInvalidArgument = errors.New("comm: invalid argument")

// A Request is an in-flight network operation begun by a [Transport].
type Request interface {
	// Test reports, without blocking, whether the operation has
	// completed. A returned error is terminal; callers stop testing
	// after done or error.
	Test() (done bool, err error)
}

// Op selects the combining function of a reduction.
type Op int

const (
	OpSum Op = iota
	OpProd
	OpMax
	OpMin
)

func (o Op) String() string {
	switch o {
	case OpSum:
		return "sum"
	case OpProd:
		return "prod"
	case OpMax:
		return "max"
	case OpMin:
		return "min"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Transport is the message-passing collaborator contract. Every
// operation begins the transfer and returns an opaque request;
// completion is observed solely through [Request.Test]. Buffers are
// dense slices of a tile element type and must not be touched between
// begin and completion.
//
// Implementations are expected to tolerate concurrent calls from the
// adapter's execution context, but submissions on one rank for
// collective operations must be serialized by the caller; that is what
// guarding the communicator with a pipeline is for.
type Transport interface {
	Rank() int
	Size() int

	Send(buf any, dest, tag int) (Request, error)
	Recv(buf any, source, tag int) (Request, error)
	Bcast(buf any, root int) (Request, error)
	Reduce(send, recv any, op Op, root int) (Request, error)
	AllReduce(send, recv any, op Op) (Request, error)
}

// A Communicator pairs a transport with its place in the grid. It is
// the payload guarded by a communicator pipeline: submissions must
// happen under an exclusive grant, while completion is waited on with
// the grant already released.
type Communicator struct {
	Transport
}

// NewCommunicator wraps a transport.
func NewCommunicator(t Transport) *Communicator {
	if t == nil {
		panic("comm: nil transport")
	}
	return &Communicator{Transport: t}
}

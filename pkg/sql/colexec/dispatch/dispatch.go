// Copyright 2024 QuiverDB
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatch is the exchange sink: it hash-partitions its input
// across destination partitions of the task's output buffer. Producing
// drivers block on the buffer watermark rather than buffering without
// bound.
package dispatch

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
	"github.com/quiverdb/quiver/pkg/exchange"
	"github.com/quiverdb/quiver/pkg/sql/colexec"
	"github.com/quiverdb/quiver/pkg/vm"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

const opName = "dispatch"

type Dispatch struct {
	vm.OperatorBase

	Destinations int
	PartitionBy  []int
	Attrs        []string
	Types        []vector.T

	Buffer *exchange.OutputBuffer

	ctr container
}

type container struct {
	inputDone bool
	done      bool
}

func NewArgument() *Dispatch { return &Dispatch{} }

func (dispatch *Dispatch) String(buf *bytes.Buffer) {
	buf.WriteString(fmt.Sprintf("%s(%d)", opName, dispatch.Destinations))
}

func (dispatch *Dispatch) Prepare(_ *process.Process) error { return nil }

func (dispatch *Dispatch) NeedsInput() bool { return !dispatch.ctr.inputDone }

func (dispatch *Dispatch) IsBlocked() (bool, *process.Wait) {
	if dispatch.ctr.inputDone {
		return false, nil
	}
	return dispatch.Buffer.Full()
}

func (dispatch *Dispatch) AddInput(proc *process.Process, bat *batch.Batch) error {
	// Broadcast-free single destination skips the row split.
	if dispatch.Destinations == 1 || len(dispatch.PartitionBy) == 0 {
		return dispatch.Buffer.Enqueue(0, bat)
	}
	outs := make([]*batch.Batch, dispatch.Destinations)
	var key []byte
	for row := 0; row < bat.RowCount(); row++ {
		key, _ = colexec.EncodeRowKey(bat, dispatch.PartitionBy, row, key[:0])
		dest := int(xxhash.Sum64(key) % uint64(dispatch.Destinations))
		if outs[dest] == nil {
			outs[dest] = batch.New(dispatch.Attrs, dispatch.Types)
		}
		if err := outs[dest].UnionRow(bat, row); err != nil {
			return err
		}
	}
	bat.Clean(proc.Mp())
	for dest, out := range outs {
		if out == nil {
			continue
		}
		if err := dispatch.Buffer.Enqueue(dest, out); err != nil {
			return err
		}
	}
	return nil
}

func (dispatch *Dispatch) GetOutput(_ *process.Process) (*batch.Batch, error) {
	return nil, nil
}

func (dispatch *Dispatch) IsFinished() bool { return dispatch.ctr.done }

// NoMoreInput drops this driver's producer reference; the buffer seals
// once the last sibling does the same.
func (dispatch *Dispatch) NoMoreInput(_ *process.Process) error {
	ctr := &dispatch.ctr
	if !ctr.inputDone {
		ctr.inputDone = true
		dispatch.Buffer.SetNoMoreData()
	}
	ctr.done = true
	return nil
}

func (dispatch *Dispatch) Close(_ *process.Process, _ bool, _ error) {
	dispatch.ctr.done = true
}

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

// Package limit truncates the stream after a fixed number of rows.
package limit

import (
	"bytes"
	"fmt"

	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/vm"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

const opName = "limit"

type Limit struct {
	vm.OperatorBase

	LimitCount uint64

	ctr container
}

type container struct {
	seen    uint64
	pending *batch.Batch
	inputDone bool
	done      bool
}

func NewArgument() *Limit { return &Limit{} }

func (limit *Limit) String(buf *bytes.Buffer) {
	buf.WriteString(fmt.Sprintf("%s(%d)", opName, limit.LimitCount))
}

func (limit *Limit) Prepare(_ *process.Process) error { return nil }

func (limit *Limit) NeedsInput() bool {
	ctr := &limit.ctr
	return ctr.pending == nil && !ctr.inputDone && ctr.seen < limit.LimitCount
}

func (limit *Limit) AddInput(proc *process.Process, bat *batch.Batch) error {
	ctr := &limit.ctr
	if ctr.pending != nil || ctr.seen >= limit.LimitCount {
		return verr.NewInvariantViolation("limit received input it did not ask for")
	}
	n := uint64(bat.RowCount())
	if ctr.seen+n > limit.LimitCount {
		keep := int(limit.LimitCount - ctr.seen)
		sels := make([]int64, keep)
		for i := range sels {
			sels[i] = int64(i)
		}
		bat.Shrink(sels)
		n = uint64(keep)
	}
	ctr.seen += n
	ctr.pending = bat
	return nil
}

func (limit *Limit) GetOutput(_ *process.Process) (*batch.Batch, error) {
	ctr := &limit.ctr
	if ctr.pending != nil {
		bat := ctr.pending
		ctr.pending = nil
		return bat, nil
	}
	if ctr.inputDone || ctr.seen >= limit.LimitCount {
		ctr.done = true
	}
	return nil, nil
}

func (limit *Limit) IsBlocked() (bool, *process.Wait) { return false, nil }

func (limit *Limit) IsFinished() bool { return limit.ctr.done }

func (limit *Limit) NoMoreInput(_ *process.Process) error {
	limit.ctr.inputDone = true
	return nil
}

func (limit *Limit) Close(proc *process.Process, _ bool, _ error) {
	ctr := &limit.ctr
	if ctr.pending != nil {
		ctr.pending.Clean(proc.Mp())
		ctr.pending = nil
	}
	ctr.done = true
}

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

// Package restrict filters rows by a boolean expression. A null filter
// result drops the row.
package restrict

import (
	"bytes"

	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
	"github.com/quiverdb/quiver/pkg/plan"
	"github.com/quiverdb/quiver/pkg/sql/colexec"
	"github.com/quiverdb/quiver/pkg/vm"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

const opName = "restrict"

type Restrict struct {
	vm.OperatorBase

	Filter plan.Expr

	ctr container
}

type container struct {
	executor colexec.ExpressionExecutor
	pending  *batch.Batch
	inputDone bool
	done      bool
}

func NewArgument() *Restrict { return &Restrict{} }

func (restrict *Restrict) String(buf *bytes.Buffer) {
	buf.WriteString(opName)
}

func (restrict *Restrict) Prepare(_ *process.Process) error {
	if restrict.ctr.executor == nil {
		executor, err := colexec.NewExpressionExecutor(restrict.Filter)
		if err != nil {
			return err
		}
		restrict.ctr.executor = executor
	}
	return nil
}

func (restrict *Restrict) NeedsInput() bool {
	return restrict.ctr.pending == nil && !restrict.ctr.inputDone
}

func (restrict *Restrict) AddInput(proc *process.Process, bat *batch.Batch) error {
	ctr := &restrict.ctr
	if ctr.pending != nil {
		return verr.NewInvariantViolation("restrict received input while holding output")
	}
	sels, err := ctr.evalFilter(proc, bat)
	if err != nil {
		return err
	}
	if len(sels) == 0 {
		bat.Clean(proc.Mp())
		return nil
	}
	if len(sels) < bat.RowCount() {
		bat.Shrink(sels)
	}
	ctr.pending = bat
	return nil
}

func (ctr *container) evalFilter(proc *process.Process, bat *batch.Batch) ([]int64, error) {
	vec, err := ctr.executor.Eval(proc, bat)
	if err != nil {
		return nil, err
	}
	if vec.Type() != vector.TBool {
		return nil, verr.NewDataError("filter evaluated to %s, want bool", vec.Type())
	}
	bs := vec.Bools()
	var sels []int64
	for i := 0; i < bat.RowCount(); i++ {
		if !vec.IsNull(i) && bs[i] {
			sels = append(sels, int64(i))
		}
	}
	return sels, nil
}

func (restrict *Restrict) GetOutput(_ *process.Process) (*batch.Batch, error) {
	ctr := &restrict.ctr
	if ctr.pending != nil {
		bat := ctr.pending
		ctr.pending = nil
		return bat, nil
	}
	if ctr.inputDone {
		ctr.done = true
	}
	return nil, nil
}

func (restrict *Restrict) IsBlocked() (bool, *process.Wait) { return false, nil }

func (restrict *Restrict) IsFinished() bool { return restrict.ctr.done }

func (restrict *Restrict) NoMoreInput(_ *process.Process) error {
	restrict.ctr.inputDone = true
	return nil
}

func (restrict *Restrict) Close(proc *process.Process, _ bool, _ error) {
	ctr := &restrict.ctr
	if ctr.pending != nil {
		ctr.pending.Clean(proc.Mp())
		ctr.pending = nil
	}
	if ctr.executor != nil {
		ctr.executor.Free()
		ctr.executor = nil
	}
	ctr.done = true
}

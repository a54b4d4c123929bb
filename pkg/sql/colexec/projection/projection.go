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

// Package projection evaluates a list of expressions into a fresh batch.
package projection

import (
	"bytes"

	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/plan"
	"github.com/quiverdb/quiver/pkg/sql/colexec"
	"github.com/quiverdb/quiver/pkg/vm"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

const opName = "projection"

type Projection struct {
	vm.OperatorBase

	Exprs []plan.Expr
	Attrs []string

	ctr container
}

type container struct {
	executors []colexec.ExpressionExecutor
	pending   *batch.Batch
	inputDone bool
	done      bool
}

func NewArgument() *Projection { return &Projection{} }

func (projection *Projection) String(buf *bytes.Buffer) {
	buf.WriteString(opName)
}

func (projection *Projection) Prepare(_ *process.Process) error {
	if projection.ctr.executors != nil {
		return nil
	}
	projection.ctr.executors = make([]colexec.ExpressionExecutor, len(projection.Exprs))
	for i, expr := range projection.Exprs {
		executor, err := colexec.NewExpressionExecutor(expr)
		if err != nil {
			return err
		}
		projection.ctr.executors[i] = executor
	}
	return nil
}

func (projection *Projection) NeedsInput() bool {
	return projection.ctr.pending == nil && !projection.ctr.inputDone
}

func (projection *Projection) AddInput(proc *process.Process, bat *batch.Batch) error {
	ctr := &projection.ctr
	if ctr.pending != nil {
		return verr.NewInvariantViolation("projection received input while holding output")
	}
	out := batch.NewWithSize(len(ctr.executors))
	copy(out.Attrs, projection.Attrs)
	for i, executor := range ctr.executors {
		vec, err := executor.Eval(proc, bat)
		if err != nil {
			bat.Clean(proc.Mp())
			return err
		}
		out.Vecs[i] = vec
	}
	out.SetRowCount(bat.RowCount())
	bat.Clean(proc.Mp())
	ctr.pending = out
	return nil
}

func (projection *Projection) GetOutput(_ *process.Process) (*batch.Batch, error) {
	ctr := &projection.ctr
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

func (projection *Projection) IsBlocked() (bool, *process.Wait) { return false, nil }

func (projection *Projection) IsFinished() bool { return projection.ctr.done }

func (projection *Projection) NoMoreInput(_ *process.Process) error {
	projection.ctr.inputDone = true
	return nil
}

func (projection *Projection) Close(proc *process.Process, _ bool, _ error) {
	ctr := &projection.ctr
	if ctr.pending != nil {
		ctr.pending.Clean(proc.Mp())
		ctr.pending = nil
	}
	for _, executor := range ctr.executors {
		executor.Free()
	}
	ctr.executors = nil
	ctr.done = true
}

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

// Package value_scan is the leaf source operator: it emits a fixed list of
// batches, partitioned round-robin across the pipeline's drivers.
package value_scan

import (
	"bytes"

	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/vm"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

const opName = "value_scan"

type ValueScan struct {
	vm.OperatorBase

	Batches []*batch.Batch

	ctr container
}

type container struct {
	idx  int
	done bool
}

func NewArgument() *ValueScan { return &ValueScan{} }

func (valueScan *ValueScan) String(buf *bytes.Buffer) {
	buf.WriteString(opName)
}

func (valueScan *ValueScan) Prepare(_ *process.Process) error {
	valueScan.ctr.idx = 0
	valueScan.ctr.done = false
	return nil
}

func (valueScan *ValueScan) NeedsInput() bool { return false }

func (valueScan *ValueScan) AddInput(_ *process.Process, _ *batch.Batch) error {
	return verr.NewInvariantViolation("input pushed into a source operator")
}

func (valueScan *ValueScan) GetOutput(proc *process.Process) (*batch.Batch, error) {
	ctr := &valueScan.ctr
	// Sibling drivers each take their own stripe of the batch list.
	for ctr.idx < len(valueScan.Batches) {
		i := ctr.idx
		ctr.idx++
		if int32(i)%valueScan.MaxParallel != valueScan.ParallelID {
			continue
		}
		bat := valueScan.Batches[i]
		if bat.IsEmpty() {
			continue
		}
		proc.Stats().InputRows.Add(int64(bat.RowCount()))
		proc.Stats().InputBatches.Add(1)
		return bat, nil
	}
	ctr.done = true
	return nil, nil
}

func (valueScan *ValueScan) IsBlocked() (bool, *process.Wait) { return false, nil }

func (valueScan *ValueScan) IsFinished() bool { return valueScan.ctr.done }

func (valueScan *ValueScan) NoMoreInput(_ *process.Process) error { return nil }

func (valueScan *ValueScan) Close(_ *process.Process, _ bool, _ error) {
	valueScan.Batches = nil
	valueScan.ctr.done = true
}

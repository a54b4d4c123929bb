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

// Package merge is the exchange source: it pulls one destination
// partition's pages from the upstream tasks through an exchange client
// and feeds them into the pipeline.
package merge

import (
	"bytes"

	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/exchange"
	"github.com/quiverdb/quiver/pkg/vm"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

const opName = "merge"

type Merge struct {
	vm.OperatorBase

	Client *exchange.Client

	ctr container
}

type container struct {
	wait *process.Wait
	done bool
}

func NewArgument() *Merge { return &Merge{} }

func (merge *Merge) String(buf *bytes.Buffer) {
	buf.WriteString(opName)
}

func (merge *Merge) Prepare(_ *process.Process) error {
	if merge.Client == nil {
		return verr.NewInvariantViolation("merge without an exchange client")
	}
	return nil
}

func (merge *Merge) NeedsInput() bool { return false }

func (merge *Merge) AddInput(_ *process.Process, _ *batch.Batch) error {
	return verr.NewInvariantViolation("input pushed into a source operator")
}

func (merge *Merge) GetOutput(proc *process.Process) (*batch.Batch, error) {
	ctr := &merge.ctr
	bat, wait, err := merge.Client.Poll()
	if err != nil {
		return nil, err
	}
	if bat != nil {
		proc.Stats().InputBatches.Add(1)
		return bat, nil
	}
	ctr.wait = wait
	if wait == nil && merge.Client.Finished() {
		ctr.done = true
	}
	return nil, nil
}

func (merge *Merge) IsBlocked() (bool, *process.Wait) {
	ctr := &merge.ctr
	if ctr.wait != nil && !ctr.wait.Resolved() {
		return true, ctr.wait
	}
	ctr.wait = nil
	return false, nil
}

func (merge *Merge) IsFinished() bool { return merge.ctr.done }

func (merge *Merge) NoMoreInput(_ *process.Process) error { return nil }

func (merge *Merge) Close(_ *process.Process, _ bool, _ error) {
	merge.ctr.done = true
}

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

// Package vm defines the operator capability interface every pipeline
// stage implements and the base struct operators embed.
package vm

import (
	"bytes"

	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

type OpType int

const (
	ValueScan OpType = iota
	Restrict
	Projection
	Limit
	Group
	HashBuild
	Join
	Dispatch
	Merge
	Output
)

// Operator is a single pipeline stage. The driver is the only caller and
// never calls concurrently, so operators need no internal locking except
// around state shared across drivers (bridges, exchange buffers).
//
// The contract:
//   - NeedsInput reports whether AddInput may be called.
//   - AddInput hands over ownership of a batch; calling it while
//     NeedsInput is false is an invariant violation.
//   - GetOutput returns at most one batch, or nil when none is currently
//     available, which is distinct from IsFinished.
//   - IsBlocked returns a wait future that resolves when progress becomes
//     possible; the operator must not be called again until then.
//   - NoMoreInput signals upstream exhaustion; buffering operators flush.
//   - Close releases everything, is idempotent and must not fail, even
//     mid-error.
type Operator interface {
	String(buf *bytes.Buffer)
	Prepare(proc *process.Process) error

	NeedsInput() bool
	AddInput(proc *process.Process, bat *batch.Batch) error
	GetOutput(proc *process.Process) (*batch.Batch, error)
	IsBlocked() (bool, *process.Wait)
	IsFinished() bool
	NoMoreInput(proc *process.Process) error
	Close(proc *process.Process, pipelineFailed bool, err error)
}

type OperatorInfo struct {
	// ID is the plan descriptor id, stable across drivers and attached to
	// errors for diagnostics.
	ID int32
	// ParallelID distinguishes sibling driver instances of one descriptor.
	ParallelID  int32
	MaxParallel int32
}

// OperatorBase carries the descriptor info and the default non-blocking
// IsBlocked. Operators embed it and override what they need.
type OperatorBase struct {
	OperatorInfo
}

func (o *OperatorBase) SetInfo(info OperatorInfo) { o.OperatorInfo = info }

func (o *OperatorBase) GetID() int32 { return o.ID }

func (o *OperatorBase) IsBlocked() (bool, *process.Wait) { return false, nil }

// InfoSetter lets the pipeline builder stamp descriptor info onto any
// operator without knowing its concrete type.
type InfoSetter interface {
	SetInfo(info OperatorInfo)
	GetID() int32
}

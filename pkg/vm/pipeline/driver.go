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

// Package pipeline runs operator chains. A driver owns one instance of a
// pipeline's operator chain and advances it cooperatively: at most one
// batch moves per step, at most a quantum of batches per worker slot, and
// a blocked operator suspends the whole driver on its wait future rather
// than a worker thread.
package pipeline

import (
	"bytes"
	"sync/atomic"

	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/logutil"
	"github.com/quiverdb/quiver/pkg/vm"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

// DriverState is the scheduling state, maintained with CAS so a wait
// callback and a worker never double-enqueue the driver.
type DriverState int32

const (
	StateReady DriverState = iota
	StateQueued
	StateRunning
	StateBlocked
	StateDone
)

// StepResult tells the scheduler what to do with the driver next.
type StepResult int

const (
	// Yielded: the quantum is spent, re-enqueue behind other ready drivers.
	Yielded StepResult = iota
	// Blocked: park until the returned wait resolves.
	Blocked
	// Finished: the chain is exhausted and closed.
	Finished
)

// Driver drives one operator chain, ordered source first.
type Driver struct {
	ID   int
	ops  []vm.Operator
	proc *process.Process

	noMore []bool
	state  atomic.Int32
	closed bool
}

func NewDriver(id int, ops []vm.Operator, proc *process.Process) *Driver {
	return &Driver{
		ID:     id,
		ops:    ops,
		proc:   proc,
		noMore: make([]bool, len(ops)),
	}
}

func (d *Driver) Prepare() error {
	for _, op := range d.ops {
		if err := op.Prepare(d.proc); err != nil {
			return verr.WithOperator(err, opID(op))
		}
	}
	return nil
}

// State transitions are CAS-guarded; see Unblock.
func (d *Driver) State() DriverState { return DriverState(d.state.Load()) }

func (d *Driver) SetState(from, to DriverState) bool {
	return d.state.CompareAndSwap(int32(from), int32(to))
}

func (d *Driver) ForceState(s DriverState) { d.state.Store(int32(s)) }

// Unblock is the wait-future callback: exactly one caller wins the
// Blocked -> Queued transition, so a driver is never enqueued twice.
func (d *Driver) Unblock(enqueue func(*Driver)) func() {
	return func() {
		if d.SetState(StateBlocked, StateQueued) {
			enqueue(d)
		}
	}
}

// Step advances the chain by up to quantum batch moves. One batch moves
// per inner iteration, always at the most downstream pair that can make
// progress, so batches drain toward the sink before new ones are pulled
// from the source.
func (d *Driver) Step(quantum int) (StepResult, *process.Wait, error) {
	for moved := 0; moved < quantum; {
		if d.proc.Cancelled() {
			return Finished, nil, verr.NewTaskCancelled()
		}
		if blocked, w := d.blockedOn(); blocked {
			return Blocked, w, nil
		}
		progressed, err := d.advanceOne()
		if err != nil {
			return Finished, nil, err
		}
		if progressed {
			moved++
			continue
		}
		// No pair moved a batch: either the chain is done, an operator
		// went blocked within this step, or the contract is broken.
		if d.sink().IsFinished() {
			return Finished, nil, nil
		}
		if blocked, w := d.blockedOn(); blocked {
			return Blocked, w, nil
		}
		return Finished, nil, d.hangError()
	}
	return Yielded, nil, nil
}

// blockedOn scans downstream first so the chain drains before upstream
// stages are even asked.
func (d *Driver) blockedOn() (bool, *process.Wait) {
	for i := len(d.ops) - 1; i >= 0; i-- {
		if blocked, w := d.ops[i].IsBlocked(); blocked {
			return true, w
		}
	}
	return false, nil
}

// advanceOne moves at most one batch across one adjacent pair, preferring
// the most downstream pair. Signalling upstream exhaustion downstream
// counts as progress.
func (d *Driver) advanceOne() (bool, error) {
	for i := len(d.ops) - 2; i >= 0; i-- {
		up, down := d.ops[i], d.ops[i+1]
		if up.IsFinished() && !d.noMore[i+1] {
			d.noMore[i+1] = true
			if err := down.NoMoreInput(d.proc); err != nil {
				return false, verr.WithOperator(err, opID(down))
			}
			return true, nil
		}
		if !down.NeedsInput() || up.IsFinished() {
			continue
		}
		bat, err := up.GetOutput(d.proc)
		if err != nil {
			return false, verr.WithOperator(err, opID(up))
		}
		if bat == nil || bat.IsEmpty() {
			// The call may have flipped the operator to finished (sources
			// at exhaustion, buffering operators after their final flush);
			// that transition is progress, the next step propagates it.
			if up.IsFinished() {
				return true, nil
			}
			continue
		}
		if err := down.AddInput(d.proc, bat); err != nil {
			return false, verr.WithOperator(err, opID(down))
		}
		return true, nil
	}
	// A single-operator chain or a sink that finishes itself: poke the
	// sink so self-driven phases (aggregation flush, spill replay) run.
	sink := d.sink()
	if !sink.IsFinished() {
		bat, err := sink.GetOutput(d.proc)
		if err != nil {
			return false, verr.WithOperator(err, opID(sink))
		}
		if bat != nil && !bat.IsEmpty() {
			return false, verr.NewInvariantViolation("sink operator produced a batch")
		}
	}
	return false, nil
}

func (d *Driver) sink() vm.Operator { return d.ops[len(d.ops)-1] }

func (d *Driver) hangError() error {
	var buf bytes.Buffer
	for i, op := range d.ops {
		if i > 0 {
			buf.WriteString(" -> ")
		}
		op.String(&buf)
	}
	return verr.NewInvariantViolation(
		"driver %d hanging: no operator blocked, finished or able to progress in [%s]",
		d.ID, buf.String())
}

// Close shuts the chain down downstream first, so sinks detach from
// shared structures before upstream state goes away. Idempotent.
func (d *Driver) Close(pipelineFailed bool, err error) {
	if d.closed {
		return
	}
	d.closed = true
	d.ForceState(StateDone)
	for i := len(d.ops) - 1; i >= 0; i-- {
		d.ops[i].Close(d.proc, pipelineFailed, err)
	}
	if pipelineFailed && err != nil {
		logutil.Errorf("driver %d closed after failure: %v", d.ID, err)
	}
}

func opID(op vm.Operator) int32 {
	if setter, ok := op.(vm.InfoSetter); ok {
		return setter.GetID()
	}
	return -1
}

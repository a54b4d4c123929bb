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

package task

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/quiverdb/quiver/pkg/common/mpool"
	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/exchange"
	"github.com/quiverdb/quiver/pkg/logutil"
	"github.com/quiverdb/quiver/pkg/plan"
	"github.com/quiverdb/quiver/pkg/spill"
	"github.com/quiverdb/quiver/pkg/sql/colexec/output"
	"github.com/quiverdb/quiver/pkg/vm/message"
	"github.com/quiverdb/quiver/pkg/vm/pipeline"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

type State int32

const (
	StateRunning State = iota
	StateFinished
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Task is one running fragment: its pipelines, its drivers and every
// shared resource that must be released exactly once at teardown.
type Task struct {
	id   string
	rt   *Runtime
	mp   *mpool.MPool
	proc *process.Process

	pipelines   []*pipeline.Pipeline
	drivers     []*pipeline.Driver
	pipelineOf  map[*pipeline.Driver]*pipeline.Pipeline
	driverTotal int
	remaining   atomic.Int32

	bridges  []*message.JoinBridge
	spillers []*spill.Spiller
	buffer   *exchange.OutputBuffer
	sink     *output.Sink

	state atomic.Int32
	done  *process.Wait

	errMu    sync.Mutex
	firstErr error
	isAbort  atomic.Bool
}

func newTask(ctx context.Context, rt *Runtime, fragment *plan.Fragment) (*Task, error) {
	id := uuid.NewString()
	mp := mpool.New("task."+id, rt.cfg.MemoryBudget)
	proc := process.New(ctx, mp)
	proc.Id = id
	proc.SpillDir = rt.cfg.SpillDir

	t := &Task{
		id:   id,
		rt:   rt,
		mp:   mp,
		proc: proc,
		done: process.NewWait(),
	}
	if err := t.compile(fragment); err != nil {
		t.cleanupResources()
		return nil, err
	}
	t.pipelineOf = make(map[*pipeline.Driver]*pipeline.Pipeline)
	for _, p := range t.pipelines {
		t.drivers = append(t.drivers, p.Drivers...)
		for _, d := range p.Drivers {
			t.pipelineOf[d] = p
		}
	}
	t.driverTotal = len(t.drivers)
	t.remaining.Store(int32(t.driverTotal))
	return t, nil
}

func (t *Task) start() {
	for _, d := range t.drivers {
		if err := d.Prepare(); err != nil {
			t.abort(err, false)
			break
		}
	}
	for _, d := range t.drivers {
		d.ForceState(pipeline.StateQueued)
		t.rt.sched.enqueue(t, d)
	}
}

func (t *Task) ID() string { return t.id }

func (t *Task) State() State { return State(t.state.Load()) }

func (t *Task) Stats() *process.Stats { return t.proc.Stats() }

func (t *Task) aborted() bool { return t.isAbort.Load() }

func (t *Task) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.firstErr
}

// abort records the first failure, flips the task state and wakes every
// suspended driver so the task drains instead of hanging. Subsequent
// calls only contribute their driver's shutdown.
func (t *Task) abort(err error, cancelled bool) {
	if !t.isAbort.CompareAndSwap(false, true) {
		return
	}
	t.errMu.Lock()
	t.firstErr = err
	t.errMu.Unlock()
	if cancelled || verr.IsTaskCancelled(err) {
		t.state.Store(int32(StateCancelled))
	} else {
		t.state.Store(int32(StateFailed))
	}
	logutil.Warnf("task %s aborting: %v", t.id, err)

	t.proc.Cancel()
	for _, br := range t.bridges {
		br.Cancel(t.mp)
	}
	if t.buffer != nil {
		t.buffer.Destroy()
	}
	if t.sink != nil {
		t.sink.Close()
	}
	// Blocked drivers hold no worker; push them back onto the queue so
	// each observes cancellation and finishes through the normal path.
	for _, d := range t.drivers {
		if d.SetState(pipeline.StateBlocked, pipeline.StateQueued) {
			t.rt.sched.enqueue(t, d)
		}
	}
}

func (t *Task) driverFinished(d *pipeline.Driver, err error) {
	d.Close(err != nil, err)
	if p := t.pipelineOf[d]; p != nil && p.DriverDone() {
		logutil.Infof("task %s pipeline %s finished", t.id, p.Name)
	}
	if t.remaining.Add(-1) == 0 {
		t.finish()
	}
}

// finish runs once, after the last driver closed. Cleanup here is
// unconditional: spill files, buffers and reservations go away on the
// failure path exactly as on success.
func (t *Task) finish() {
	if !t.aborted() {
		t.state.CompareAndSwap(int32(StateRunning), int32(StateFinished))
	}
	t.cleanupResources()
	if t.aborted() {
		if t.sink != nil {
			t.sink.Close()
		}
		if t.buffer != nil {
			t.buffer.Destroy()
		}
	}
	stats := t.proc.Stats()
	logutil.Infof("task %s %s: in %d rows, out %d rows, spilled %s in %d events, peak memory %s",
		t.id, t.State(),
		stats.InputRows.Load(), stats.OutputRows.Load(),
		humanize.IBytes(uint64(stats.SpilledBytes.Load())), stats.SpillEvents.Load(),
		humanize.IBytes(uint64(t.mp.HighWaterMark())))
	t.done.Resolve()
}

func (t *Task) cleanupResources() {
	for _, s := range t.spillers {
		s.Cleanup()
	}
}

// Handle is the caller's view of a task.
type Handle struct {
	task   *Task
	closed bool
}

// Next returns the next result batch, nil at end of stream. After a
// failure or cancellation it returns the task's error instead.
func (h *Handle) Next(ctx context.Context) (*batch.Batch, error) {
	if h.task.sink == nil {
		return nil, verr.NewInvariantViolation("task %s produces no direct output", h.task.id)
	}
	bat, err := h.task.sink.Pop(ctx)
	if err != nil {
		return nil, err
	}
	if bat != nil {
		return bat, nil
	}
	if taskErr := h.task.Err(); taskErr != nil {
		return nil, taskErr
	}
	return nil, nil
}

// Cancel aborts the task. Idempotent; a no-op once the task finished.
func (h *Handle) Cancel() {
	h.task.abort(verr.NewTaskCancelled(), true)
}

// Wait parks until the task reaches a terminal state.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.task.done.Done():
		return h.task.Err()
	case <-ctx.Done():
		return verr.NewTaskCancelled()
	}
}

// TaskID names this task for exchange-source nodes of downstream
// fragments.
func (h *Handle) TaskID() string { return h.task.id }

func (h *Handle) State() State { return h.task.State() }

func (h *Handle) Stats() *process.Stats { return h.task.Stats() }

func (h *Handle) Err() error { return h.task.Err() }

// MemoryInUse exposes the task pool's live reservation, mostly for tests
// asserting that teardown released everything.
func (h *Handle) MemoryInUse() int64 { return h.task.mp.CurrNB() }

// Close cancels the task if still running, waits for teardown and drops
// the task's exchange buffer. Consumers of this task's output must have
// finished by then.
func (h *Handle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	if h.task.State() == StateRunning {
		h.Cancel()
	}
	<-h.task.done.Done()
	h.task.rt.removeTask(h.task)
}

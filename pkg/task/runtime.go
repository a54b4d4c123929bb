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

// Package task turns plan fragments into running tasks: it compiles the
// fragment into pipelines, fans each pipeline out over drivers, schedules
// the drivers cooperatively on a fixed worker pool and owns the task's
// shared resources through teardown.
package task

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/config"
	"github.com/quiverdb/quiver/pkg/exchange"
	"github.com/quiverdb/quiver/pkg/logutil"
	"github.com/quiverdb/quiver/pkg/plan"
)

// Runtime is the engine entry point: one per process, holding the worker
// pool, the exchange buffer registry and the transport every task's
// exchange client uses.
type Runtime struct {
	cfg    *config.Config
	sched  *scheduler
	bufMgr *exchange.OutputBufferManager
	fetch  exchange.FetchFunc
	ack    exchange.AckFunc

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
}

func NewRuntime(cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, verr.NewInvariantViolation("create worker pool: %v", err)
	}
	r := &Runtime{
		cfg:    cfg,
		sched:  &scheduler{pool: pool, quantum: cfg.QuantumBatches},
		bufMgr: exchange.NewOutputBufferManager(),
		tasks:  make(map[string]*Task),
	}
	r.fetch, r.ack = exchange.InProcessTransport(r.bufMgr)
	return r, nil
}

// Submit compiles and starts a fragment. The returned handle is the only
// way results, status and cancellation reach the caller.
func (r *Runtime) Submit(ctx context.Context, fragment *plan.Fragment) (*Handle, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, verr.NewInvariantViolation("submit on a closed runtime")
	}
	r.mu.Unlock()
	if fragment == nil || fragment.Root == nil {
		return nil, verr.NewDataError("empty fragment")
	}
	t, err := newTask(ctx, r, fragment)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.tasks[t.id] = t
	r.mu.Unlock()
	t.start()
	logutil.Infof("task %s submitted: %d pipelines, %d drivers",
		t.id, len(t.pipelines), t.driverTotal)
	return &Handle{task: t}, nil
}

func (r *Runtime) BufferManager() *exchange.OutputBufferManager { return r.bufMgr }

func (r *Runtime) removeTask(t *Task) {
	r.mu.Lock()
	delete(r.tasks, t.id)
	r.mu.Unlock()
	r.bufMgr.Unregister(t.id)
}

// Close cancels every live task and releases the worker pool.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()
	for _, t := range tasks {
		t.abort(verr.NewTaskCancelled(), true)
	}
	for _, t := range tasks {
		<-t.done.Done()
		r.removeTask(t)
	}
	r.sched.pool.Release()
}

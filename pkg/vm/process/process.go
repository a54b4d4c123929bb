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

// Package process carries the per-task execution context handed to every
// operator call: cancellation, the memory pool, the spill directory and
// shared counters. One Process is shared by all drivers of a task; the
// fields operators touch are either immutable or internally synchronized.
package process

import (
	"context"
	"sync/atomic"

	"github.com/quiverdb/quiver/pkg/common/mpool"
)

type Process struct {
	Ctx    context.Context
	Cancel context.CancelFunc

	// Id is the owning task's id, used in log fields and spill paths.
	Id string

	SpillDir string

	mp    *mpool.MPool
	stats Stats
}

// Stats are the task-level execution counters surfaced through the task
// handle.
type Stats struct {
	InputRows    atomic.Int64
	OutputRows   atomic.Int64
	InputBatches atomic.Int64
	SpillEvents  atomic.Int64
	SpilledBytes atomic.Int64
	// BuildNDV is the hash build's distinct-key estimate.
	BuildNDV atomic.Uint64
}

func New(ctx context.Context, mp *mpool.MPool) *Process {
	ctx, cancel := context.WithCancel(ctx)
	return &Process{
		Ctx:    ctx,
		Cancel: cancel,
		mp:     mp,
	}
}

var fallbackMp = mpool.MustNewNoFixed("fallback_proc_mp")

func (proc *Process) Mp() *mpool.MPool {
	if proc == nil || proc.mp == nil {
		return fallbackMp
	}
	return proc.mp
}

func (proc *Process) GetMPool() *mpool.MPool { return proc.Mp() }

func (proc *Process) Stats() *Stats { return &proc.stats }

// Cancelled reports the cooperative cancellation flag. Drivers poll it
// between batch-sized units of work, never inside an operator call.
func (proc *Process) Cancelled() bool {
	select {
	case <-proc.Ctx.Done():
		return true
	default:
		return false
	}
}

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
	"github.com/panjf2000/ants/v2"

	"github.com/quiverdb/quiver/pkg/vm/pipeline"
)

// scheduler multiplexes many drivers over a fixed worker pool. A driver
// occupies a worker only while stepping; between quanta it sits in the
// pool's queue and while blocked it sits nowhere at all, woken by its
// wait future's callback.
type scheduler struct {
	pool    *ants.Pool
	quantum int
}

// enqueue hands the driver to the pool. Submission happens off-worker so
// a full pool delays the driver instead of deadlocking the worker that
// re-enqueues it.
func (s *scheduler) enqueue(t *Task, d *pipeline.Driver) {
	go func() {
		if err := s.pool.Submit(func() { s.run(t, d) }); err != nil {
			// Pool released mid-flight; finish the driver inline so the
			// task still reaches teardown.
			s.run(t, d)
		}
	}()
}

func (s *scheduler) run(t *Task, d *pipeline.Driver) {
	d.ForceState(pipeline.StateRunning)
	res, wait, err := d.Step(s.quantum)
	switch {
	case err != nil:
		t.abort(err, false)
		t.driverFinished(d, err)
	case res == pipeline.Finished:
		t.driverFinished(d, nil)
	case res == pipeline.Blocked:
		d.ForceState(pipeline.StateBlocked)
		wait.OnResolve(d.Unblock(func(d *pipeline.Driver) { s.enqueue(t, d) }))
		// A concurrent abort may have walked the drivers before the state
		// flip above; re-check so this driver still gets its wake-up.
		if t.aborted() {
			if d.SetState(pipeline.StateBlocked, pipeline.StateQueued) {
				s.enqueue(t, d)
			}
		}
	default:
		d.ForceState(pipeline.StateQueued)
		s.enqueue(t, d)
	}
}

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

// Package output is the terminal sink of a task's last pipeline. Result
// batches flow into a bounded sink the task handle drains; producing
// drivers block on sink capacity instead of outrunning the consumer.
package output

import (
	"bytes"
	"context"
	"sync"

	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/vm"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

const opName = "output"

// DefaultSinkCapacity bounds the batches parked between the pipeline and
// the consumer of the task handle.
const DefaultSinkCapacity = 64

// Sink is the rendezvous between output drivers and the task handle.
// Producers never park a worker on it; they report a wait future through
// the operator's IsBlocked. The handle side does park, in Pop.
type Sink struct {
	mu        sync.Mutex
	queue     []*batch.Batch
	capacity  int
	producers int
	finished  bool
	closed    bool
	dataWait  *process.Wait
	spaceWait *process.Wait
}

func NewSink(capacity, producers int) *Sink {
	if capacity <= 0 {
		capacity = DefaultSinkCapacity
	}
	return &Sink{capacity: capacity, producers: producers}
}

func (s *Sink) push(bat *batch.Batch) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return verr.NewTaskCancelled()
	}
	s.queue = append(s.queue, bat)
	w := s.dataWait
	s.dataWait = nil
	s.mu.Unlock()
	if w != nil {
		w.Resolve()
	}
	return nil
}

func (s *Sink) full() (bool, *process.Wait) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) < s.capacity {
		return false, nil
	}
	if s.spaceWait == nil || s.spaceWait.Resolved() {
		s.spaceWait = process.NewWait()
	}
	return true, s.spaceWait
}

func (s *Sink) finishOne() {
	s.mu.Lock()
	s.producers--
	done := s.producers <= 0
	if done {
		s.finished = true
	}
	w := s.dataWait
	if done {
		s.dataWait = nil
	} else {
		w = nil
	}
	s.mu.Unlock()
	if w != nil {
		w.Resolve()
	}
}

// Pop blocks until a batch, end of stream (nil, nil) or ctx cancellation.
func (s *Sink) Pop(ctx context.Context) (*batch.Batch, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			bat := s.queue[0]
			s.queue = s.queue[1:]
			space := s.spaceWait
			s.spaceWait = nil
			s.mu.Unlock()
			if space != nil {
				space.Resolve()
			}
			return bat, nil
		}
		if s.finished || s.closed {
			s.mu.Unlock()
			return nil, nil
		}
		if s.dataWait == nil || s.dataWait.Resolved() {
			s.dataWait = process.NewWait()
		}
		w := s.dataWait
		s.mu.Unlock()
		select {
		case <-w.Done():
		case <-ctx.Done():
			return nil, verr.NewTaskCancelled()
		}
	}
}

// Close abandons the sink and wakes everyone. Idempotent; runs on task
// teardown on every path.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	waits := []*process.Wait{s.dataWait, s.spaceWait}
	s.dataWait, s.spaceWait = nil, nil
	s.mu.Unlock()
	for _, w := range waits {
		if w != nil {
			w.Resolve()
		}
	}
}

type Output struct {
	vm.OperatorBase

	Sink *Sink

	ctr container
}

type container struct {
	inputDone bool
	done      bool
}

func NewArgument() *Output { return &Output{} }

func (output *Output) String(buf *bytes.Buffer) {
	buf.WriteString(opName)
}

func (output *Output) Prepare(_ *process.Process) error {
	if output.Sink == nil {
		return verr.NewInvariantViolation("output without a sink")
	}
	return nil
}

func (output *Output) NeedsInput() bool { return !output.ctr.inputDone }

func (output *Output) IsBlocked() (bool, *process.Wait) {
	if output.ctr.inputDone {
		return false, nil
	}
	return output.Sink.full()
}

func (output *Output) AddInput(proc *process.Process, bat *batch.Batch) error {
	proc.Stats().OutputRows.Add(int64(bat.RowCount()))
	return output.Sink.push(bat)
}

func (output *Output) GetOutput(_ *process.Process) (*batch.Batch, error) {
	return nil, nil
}

func (output *Output) IsFinished() bool { return output.ctr.done }

func (output *Output) NoMoreInput(_ *process.Process) error {
	ctr := &output.ctr
	if !ctr.inputDone {
		ctr.inputDone = true
		output.Sink.finishOne()
	}
	ctr.done = true
	return nil
}

func (output *Output) Close(_ *process.Process, _ bool, _ error) {
	output.ctr.done = true
}

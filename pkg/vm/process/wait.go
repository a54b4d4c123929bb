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

package process

import "sync"

// Wait is the future half of a blocking condition. An operator returns one
// from IsBlocked; whoever clears the condition (bridge publication,
// exchange data arrival, buffer drain) resolves it exactly once. Workers
// never park on a Wait; the scheduler registers a callback instead.
type Wait struct {
	mu   sync.Mutex
	done bool
	ch   chan struct{}
	fns  []func()
}

func NewWait() *Wait {
	return &Wait{ch: make(chan struct{})}
}

// Resolve fires the future. Calls after the first are no-ops.
func (w *Wait) Resolve() {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	fns := w.fns
	w.fns = nil
	close(w.ch)
	w.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (w *Wait) Resolved() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// OnResolve registers fn to run when the future resolves; fn runs
// immediately when it already has.
func (w *Wait) OnResolve(fn func()) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		fn()
		return
	}
	w.fns = append(w.fns, fn)
	w.mu.Unlock()
}

// Done exposes the channel form for callers that do park, such as the
// task handle and tests.
func (w *Wait) Done() <-chan struct{} { return w.ch }

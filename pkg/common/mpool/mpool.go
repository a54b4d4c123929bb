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

// Package mpool implements the task-scoped memory budget. The pool is the
// single arbiter of allocation: every operator reserves before growing a
// buffer and releases when the buffer is cleaned. Reservations are
// bookkeeping only, the bytes themselves live in ordinary Go memory.
package mpool

import (
	"sync/atomic"

	"github.com/quiverdb/quiver/pkg/common/verr"
)

// NoLimit makes a pool that never rejects a reservation.
const NoLimit int64 = 1<<63 - 1

type MPool struct {
	name string
	cap  int64
	curr atomic.Int64
	high atomic.Int64
}

func New(name string, cap int64) *MPool {
	if cap <= 0 {
		cap = NoLimit
	}
	return &MPool{name: name, cap: cap}
}

func MustNewNoFixed(name string) *MPool {
	return New(name, NoLimit)
}

func (m *MPool) Name() string { return m.name }

func (m *MPool) Cap() int64 { return m.cap }

// Reserve claims size bytes against the budget. It fails without side
// effects when the reservation would exceed the cap; callers that can
// spill do so and retry, everyone else propagates ResourceExhausted.
func (m *MPool) Reserve(size int64) error {
	if size < 0 {
		return verr.NewInvariantViolation("mpool %s: negative reservation %d", m.name, size)
	}
	for {
		curr := m.curr.Load()
		next := curr + size
		if next > m.cap {
			return verr.NewResourceExhausted(
				"mpool %s: reservation of %d bytes exceeds budget (%d of %d in use)",
				m.name, size, curr, m.cap)
		}
		if m.curr.CompareAndSwap(curr, next) {
			for {
				high := m.high.Load()
				if next <= high || m.high.CompareAndSwap(high, next) {
					return nil
				}
			}
		}
	}
}

// Available reports whether a reservation of size would currently succeed.
func (m *MPool) Available(size int64) bool {
	return m.curr.Load()+size <= m.cap
}

func (m *MPool) Release(size int64) {
	if size < 0 {
		panic(verr.NewInvariantViolation("mpool %s: negative release %d", m.name, size))
	}
	if m.curr.Add(-size) < 0 {
		panic(verr.NewInvariantViolation("mpool %s: released more than reserved", m.name))
	}
}

// CurrNB returns the current number of reserved bytes.
func (m *MPool) CurrNB() int64 { return m.curr.Load() }

// HighWaterMark returns the peak reservation seen over the pool's lifetime.
func (m *MPool) HighWaterMark() int64 { return m.high.Load() }

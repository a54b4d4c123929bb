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

// Package hashmap provides the string-keyed group map shared by the hash
// aggregation and the join build. Keys are encoded join/group columns; the
// map assigns dense group ids starting at 1, with 0 meaning not found.
package hashmap

import "github.com/quiverdb/quiver/pkg/common/mpool"

// Rough per-entry overhead charged to the memory pool, on top of key bytes.
const entryOverhead = 48

type StrHashMap struct {
	m      map[string]uint64
	rows   uint64
	size   int64
	mp     *mpool.MPool
	closed bool
}

func NewStrHashMap(mp *mpool.MPool) *StrHashMap {
	return &StrHashMap{
		m:  make(map[string]uint64),
		mp: mp,
	}
}

// Insert returns the group id for key, allocating a new id when the key is
// unseen. The second result reports whether a new group was created.
func (m *StrHashMap) Insert(key []byte) (uint64, bool, error) {
	if id, ok := m.m[string(key)]; ok {
		return id, false, nil
	}
	cost := int64(len(key)) + entryOverhead
	if m.mp != nil {
		if err := m.mp.Reserve(cost); err != nil {
			return 0, false, err
		}
	}
	m.rows++
	m.size += cost
	m.m[string(key)] = m.rows
	return m.rows, true, nil
}

// Find returns the group id for key, or 0 when absent.
func (m *StrHashMap) Find(key []byte) uint64 {
	return m.m[string(key)]
}

func (m *StrHashMap) GroupCount() uint64 { return m.rows }

func (m *StrHashMap) Size() int64 { return m.size }

func (m *StrHashMap) Free() {
	if m.closed {
		return
	}
	m.closed = true
	if m.mp != nil {
		m.mp.Release(m.size)
	}
	m.m = nil
	m.size = 0
}

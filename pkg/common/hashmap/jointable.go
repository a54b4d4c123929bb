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

package hashmap

import (
	"github.com/quiverdb/quiver/pkg/common/mpool"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
)

// JoinTable is the probe side's view of a completed hash-join build
// partition: an immutable key map plus the build rows it references.
// Safe for concurrent read-only access once published through a bridge.
//
// Row references are packed as batIdx*batch.DefaultBatchSize+row; rows are
// copied into fixed-capacity chunks at insert time so the packing stays
// valid regardless of input batch shapes.
type JoinTable struct {
	ht   *StrHashMap
	sels [][]int32
	bats []*batch.Batch

	attrs []string
	types []vector.T

	rowCount int64
	mp       *mpool.MPool
}

func NewJoinTable(attrs []string, types []vector.T, mp *mpool.MPool) *JoinTable {
	return &JoinTable{
		ht:    NewStrHashMap(mp),
		attrs: attrs,
		types: types,
		mp:    mp,
	}
}

// AddRow copies row from src into the table under key. The key must not
// be a null key; the build operator skips those since they never match.
func (t *JoinTable) AddRow(key []byte, src *batch.Batch, row int) error {
	cur := t.currentChunk()
	if cur == nil || cur.RowCount() >= batch.DefaultBatchSize {
		cur = batch.New(t.attrs, t.types)
		t.bats = append(t.bats, cur)
	}
	if err := cur.UnionRow(src, row); err != nil {
		return err
	}
	ref := int32((len(t.bats)-1)*batch.DefaultBatchSize + cur.RowCount() - 1)
	id, isNew, err := t.ht.Insert(key)
	if err != nil {
		return err
	}
	if isNew {
		t.sels = append(t.sels, []int32{ref})
	} else {
		t.sels[id-1] = append(t.sels[id-1], ref)
	}
	t.rowCount++
	return nil
}

func (t *JoinTable) currentChunk() *batch.Batch {
	if len(t.bats) == 0 {
		return nil
	}
	return t.bats[len(t.bats)-1]
}

// Seal charges the table's row storage to the memory pool. Called once by
// the build side before publishing; a failed reservation means the
// partition has to spill instead.
func (t *JoinTable) Seal() error {
	for _, bat := range t.bats {
		if err := bat.Retain(t.mp); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the packed row references matching key, or nil.
func (t *JoinTable) Find(key []byte) []int32 {
	id := t.ht.Find(key)
	if id == 0 {
		return nil
	}
	return t.sels[id-1]
}

// RowAt resolves a packed reference to its chunk and row index.
func (t *JoinTable) RowAt(ref int32) (*batch.Batch, int) {
	return t.bats[int(ref)/batch.DefaultBatchSize], int(ref) % batch.DefaultBatchSize
}

func (t *JoinTable) RowCount() int64 { return t.rowCount }

func (t *JoinTable) GroupCount() uint64 { return t.ht.GroupCount() }

func (t *JoinTable) Size() int64 {
	n := t.ht.Size()
	for _, bat := range t.bats {
		n += bat.Size()
	}
	return n
}

// Batches exposes the row chunks for spilling the table back out.
func (t *JoinTable) Batches() []*batch.Batch { return t.bats }

func (t *JoinTable) Free() {
	if t.ht != nil {
		t.ht.Free()
	}
	for _, bat := range t.bats {
		bat.Clean(t.mp)
	}
	t.bats = nil
	t.sels = nil
}

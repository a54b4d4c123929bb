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

// Package batch implements the columnar block of rows that flows between
// operators. A batch is produced by exactly one operator and owned by the
// consumer once handed over; downstream stages never mutate it.
package batch

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/quiverdb/quiver/pkg/common/mpool"
	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/vector"
)

// DefaultBatchSize is the row capacity operators aim for when building
// output batches.
const DefaultBatchSize = 8192

type Batch struct {
	Attrs []string
	Vecs  []*vector.Vector

	rowCount int
	reserved int64
}

func NewWithSize(n int) *Batch {
	return &Batch{
		Attrs: make([]string, n),
		Vecs:  make([]*vector.Vector, n),
	}
}

func New(attrs []string, types []vector.T) *Batch {
	bat := NewWithSize(len(attrs))
	copy(bat.Attrs, attrs)
	for i, t := range types {
		bat.Vecs[i] = vector.New(t)
	}
	return bat
}

func (bat *Batch) RowCount() int { return bat.rowCount }

func (bat *Batch) SetRowCount(n int) { bat.rowCount = n }

func (bat *Batch) AddRowCount(n int) { bat.rowCount += n }

func (bat *Batch) IsEmpty() bool { return bat == nil || bat.rowCount == 0 }

// Size returns the approximate heap footprint, the unit of memory pool
// accounting and of the output buffer watermark.
func (bat *Batch) Size() int64 {
	var n int64
	for _, vec := range bat.Vecs {
		if vec != nil {
			n += vec.Size()
		}
	}
	return n
}

// Retain reserves the batch's size against mp. Called by operators that
// buffer batches beyond the current quantum (join build, aggregation).
func (bat *Batch) Retain(mp *mpool.MPool) error {
	if bat.reserved > 0 {
		return verr.NewInvariantViolation("batch retained twice")
	}
	size := bat.Size()
	if err := mp.Reserve(size); err != nil {
		return err
	}
	bat.reserved = size
	return nil
}

// Clean releases the batch's reservation, if any. Idempotent.
func (bat *Batch) Clean(mp *mpool.MPool) {
	if bat == nil {
		return
	}
	if bat.reserved > 0 && mp != nil {
		mp.Release(bat.reserved)
		bat.reserved = 0
	}
	bat.Vecs = nil
	bat.rowCount = 0
}

// Shrink keeps only the selected rows in all columns.
func (bat *Batch) Shrink(sels []int64) {
	for _, vec := range bat.Vecs {
		vec.Shrink(sels)
	}
	bat.rowCount = len(sels)
}

func (bat *Batch) MarshalBinary() ([]byte, error) {
	var w bytes.Buffer
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(bat.rowCount))
	w.Write(scratch[:])
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(bat.Vecs)))
	w.Write(scratch[:])
	for i, vec := range bat.Vecs {
		name := []byte(bat.Attrs[i])
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(name)))
		w.Write(scratch[:])
		w.Write(name)
		if err := vec.MarshalTo(&w); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func (bat *Batch) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var scratch [4]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return verr.NewDataError("corrupt batch encoding: %v", err)
	}
	bat.rowCount = int(binary.LittleEndian.Uint32(scratch[:]))
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return verr.NewDataError("corrupt batch encoding: %v", err)
	}
	n := int(binary.LittleEndian.Uint32(scratch[:]))
	bat.Attrs = make([]string, n)
	bat.Vecs = make([]*vector.Vector, n)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return verr.NewDataError("corrupt batch encoding: %v", err)
		}
		nameLen := int(binary.LittleEndian.Uint32(scratch[:]))
		name := make([]byte, nameLen)
		if nameLen > 0 {
			if _, err := io.ReadFull(r, name); err != nil {
				return verr.NewDataError("corrupt batch encoding: %v", err)
			}
		}
		bat.Attrs[i] = string(name)
		vec, err := vector.Unmarshal(r)
		if err != nil {
			return err
		}
		bat.Vecs[i] = vec
	}
	return nil
}

// UnionRow appends row from src across all columns.
func (bat *Batch) UnionRow(src *Batch, row int) error {
	for i, vec := range bat.Vecs {
		if err := vec.UnionOne(src.Vecs[i], row); err != nil {
			return err
		}
	}
	bat.rowCount++
	return nil
}

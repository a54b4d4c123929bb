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

// Package group implements hash aggregation. It consumes its whole input
// before producing: groups accumulate in a string hash map keyed by the
// encoded group-by columns and are flushed in batches once upstream is
// exhausted. Rows whose group key contains a null form no group.
package group

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/quiverdb/quiver/pkg/common/hashmap"
	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
	"github.com/quiverdb/quiver/pkg/plan"
	"github.com/quiverdb/quiver/pkg/sql/colexec"
	"github.com/quiverdb/quiver/pkg/vm"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

const opName = "group"

type Group struct {
	vm.OperatorBase

	GroupBy []int
	Aggs    []plan.AggSpec

	// Attrs/Types describe the operator's output schema: group-by columns
	// first, one column per aggregate after.
	Attrs []string
	Types []vector.T

	ctr container
}

type container struct {
	ht   *hashmap.StrHashMap
	keys *batch.Batch
	aggs []aggState

	flushPos  int
	inputDone bool
	done      bool
}

func NewArgument() *Group { return &Group{} }

func (group *Group) String(buf *bytes.Buffer) {
	fns := make([]string, len(group.Aggs))
	for i, agg := range group.Aggs {
		fns[i] = agg.Func
	}
	buf.WriteString(fmt.Sprintf("%s(%s)", opName, strings.Join(fns, ",")))
}

func (group *Group) Prepare(proc *process.Process) error {
	ctr := &group.ctr
	if ctr.ht != nil {
		return nil
	}
	ctr.ht = hashmap.NewStrHashMap(proc.Mp())
	keyTypes := make([]vector.T, len(group.GroupBy))
	keyAttrs := make([]string, len(group.GroupBy))
	copy(keyTypes, group.Types[:len(group.GroupBy)])
	copy(keyAttrs, group.Attrs[:len(group.GroupBy)])
	ctr.keys = batch.New(keyAttrs, keyTypes)
	ctr.aggs = make([]aggState, len(group.Aggs))
	for i, spec := range group.Aggs {
		st, err := newAggState(spec, group.Types[len(group.GroupBy)+i])
		if err != nil {
			return err
		}
		ctr.aggs[i] = st
	}
	return nil
}

func (group *Group) NeedsInput() bool {
	return !group.ctr.inputDone
}

func (group *Group) AddInput(proc *process.Process, bat *batch.Batch) error {
	ctr := &group.ctr
	defer bat.Clean(proc.Mp())
	for i, st := range ctr.aggs {
		if err := st.accepts(bat.Vecs[group.Aggs[i].Col].Type()); err != nil {
			return err
		}
	}
	var key []byte
	for row := 0; row < bat.RowCount(); row++ {
		var hasNull bool
		key, hasNull = colexec.EncodeRowKey(bat, group.GroupBy, row, key[:0])
		if hasNull {
			continue
		}
		id, isNew, err := ctr.ht.Insert(key)
		if err != nil {
			return err
		}
		if isNew {
			for i, col := range group.GroupBy {
				if err := ctr.keys.Vecs[i].UnionOne(bat.Vecs[col], row); err != nil {
					return err
				}
			}
			ctr.keys.AddRowCount(1)
			for _, st := range ctr.aggs {
				st.grow()
			}
		}
		g := int(id - 1)
		for i, st := range ctr.aggs {
			vec := bat.Vecs[group.Aggs[i].Col]
			if vec.IsNull(row) {
				continue
			}
			st.fill(g, vec, row)
		}
	}
	return nil
}

func (group *Group) GetOutput(_ *process.Process) (*batch.Batch, error) {
	ctr := &group.ctr
	if !ctr.inputDone {
		return nil, nil
	}
	total := ctr.keys.RowCount()
	if ctr.flushPos >= total {
		ctr.done = true
		return nil, nil
	}
	end := ctr.flushPos + batch.DefaultBatchSize
	if end > total {
		end = total
	}
	out := batch.New(group.Attrs, group.Types)
	for row := ctr.flushPos; row < end; row++ {
		for i := range group.GroupBy {
			if err := out.Vecs[i].UnionOne(ctr.keys.Vecs[i], row); err != nil {
				return nil, err
			}
		}
		for i, st := range ctr.aggs {
			st.emit(row, out.Vecs[len(group.GroupBy)+i])
		}
	}
	out.SetRowCount(end - ctr.flushPos)
	ctr.flushPos = end
	return out, nil
}

func (group *Group) IsBlocked() (bool, *process.Wait) { return false, nil }

func (group *Group) IsFinished() bool { return group.ctr.done }

func (group *Group) NoMoreInput(_ *process.Process) error {
	group.ctr.inputDone = true
	return nil
}

func (group *Group) Close(proc *process.Process, _ bool, _ error) {
	ctr := &group.ctr
	if ctr.ht != nil {
		ctr.ht.Free()
		ctr.ht = nil
	}
	if ctr.keys != nil {
		ctr.keys.Clean(proc.Mp())
		ctr.keys = nil
	}
	ctr.aggs = nil
	ctr.done = true
}

// aggState is one aggregate's accumulator array, indexed by group id.
// accepts rejects a mistyped input column before any row is touched; fill
// may then index the vector's typed slice directly.
type aggState interface {
	accepts(typ vector.T) error
	grow()
	fill(group int, vec *vector.Vector, row int)
	emit(group int, out *vector.Vector)
}

func newAggState(spec plan.AggSpec, outType vector.T) (aggState, error) {
	switch spec.Func {
	case "count":
		return &countState{}, nil
	case "sum":
		switch outType {
		case vector.TInt64:
			return &sumInt64State{}, nil
		case vector.TFloat64:
			return &sumFloat64State{}, nil
		}
		return nil, verr.NewDataError("sum over %s column", outType)
	case "min", "max":
		switch outType {
		case vector.TInt64:
			return &minMaxInt64State{max: spec.Func == "max"}, nil
		case vector.TFloat64:
			return &minMaxFloat64State{max: spec.Func == "max"}, nil
		}
		return nil, verr.NewDataError("%s over %s column", spec.Func, outType)
	}
	return nil, verr.NewDataError("unknown aggregate %s", spec.Func)
}

type countState struct {
	counts []int64
}

func (s *countState) accepts(_ vector.T) error { return nil }

func (s *countState) grow() { s.counts = append(s.counts, 0) }

func (s *countState) fill(g int, _ *vector.Vector, _ int) { s.counts[g]++ }

func (s *countState) emit(g int, out *vector.Vector) { out.AppendInt64(s.counts[g]) }

type sumInt64State struct {
	sums  []int64
	empty []bool
}

func (s *sumInt64State) accepts(typ vector.T) error {
	if typ != vector.TInt64 {
		return verr.NewDataError("sum over a %s column, want int64", typ)
	}
	return nil
}

func (s *sumInt64State) grow() {
	s.sums = append(s.sums, 0)
	s.empty = append(s.empty, true)
}

func (s *sumInt64State) fill(g int, vec *vector.Vector, row int) {
	s.sums[g] += vec.Int64s()[row]
	s.empty[g] = false
}

func (s *sumInt64State) emit(g int, out *vector.Vector) {
	if s.empty[g] {
		out.AppendNull()
		return
	}
	out.AppendInt64(s.sums[g])
}

type sumFloat64State struct {
	sums  []float64
	empty []bool
}

func (s *sumFloat64State) accepts(typ vector.T) error {
	if typ != vector.TFloat64 {
		return verr.NewDataError("sum over a %s column, want float64", typ)
	}
	return nil
}

func (s *sumFloat64State) grow() {
	s.sums = append(s.sums, 0)
	s.empty = append(s.empty, true)
}

func (s *sumFloat64State) fill(g int, vec *vector.Vector, row int) {
	s.sums[g] += vec.Float64s()[row]
	s.empty[g] = false
}

func (s *sumFloat64State) emit(g int, out *vector.Vector) {
	if s.empty[g] {
		out.AppendNull()
		return
	}
	out.AppendFloat64(s.sums[g])
}

type minMaxInt64State struct {
	max   bool
	vals  []int64
	empty []bool
}

func (s *minMaxInt64State) accepts(typ vector.T) error {
	if typ != vector.TInt64 {
		return verr.NewDataError("%s over a %s column, want int64", s.name(), typ)
	}
	return nil
}

func (s *minMaxInt64State) name() string {
	if s.max {
		return "max"
	}
	return "min"
}

func (s *minMaxInt64State) grow() {
	s.vals = append(s.vals, 0)
	s.empty = append(s.empty, true)
}

func (s *minMaxInt64State) fill(g int, vec *vector.Vector, row int) {
	v := vec.Int64s()[row]
	if s.empty[g] || (s.max && v > s.vals[g]) || (!s.max && v < s.vals[g]) {
		s.vals[g] = v
	}
	s.empty[g] = false
}

func (s *minMaxInt64State) emit(g int, out *vector.Vector) {
	if s.empty[g] {
		out.AppendNull()
		return
	}
	out.AppendInt64(s.vals[g])
}

type minMaxFloat64State struct {
	max   bool
	vals  []float64
	empty []bool
}

func (s *minMaxFloat64State) accepts(typ vector.T) error {
	if typ != vector.TFloat64 {
		return verr.NewDataError("%s over a %s column, want float64", s.name(), typ)
	}
	return nil
}

func (s *minMaxFloat64State) name() string {
	if s.max {
		return "max"
	}
	return "min"
}

func (s *minMaxFloat64State) grow() {
	s.vals = append(s.vals, 0)
	s.empty = append(s.empty, true)
}

func (s *minMaxFloat64State) fill(g int, vec *vector.Vector, row int) {
	v := vec.Float64s()[row]
	if s.empty[g] || (s.max && v > s.vals[g]) || (!s.max && v < s.vals[g]) {
		s.vals[g] = v
	}
	s.empty[g] = false
}

func (s *minMaxFloat64State) emit(g int, out *vector.Vector) {
	if s.empty[g] {
		out.AppendNull()
		return
	}
	out.AppendFloat64(s.vals[g])
}

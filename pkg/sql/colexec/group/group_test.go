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

package group

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/common/mpool"
	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
	"github.com/quiverdb/quiver/pkg/plan"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

func keyValBatch(rows [][2]any) *batch.Batch {
	bat := batch.New([]string{"k", "v"}, []vector.T{vector.TInt64, vector.TInt64})
	for _, r := range rows {
		if r[0] == nil {
			bat.Vecs[0].AppendNull()
		} else {
			bat.Vecs[0].AppendInt64(int64(r[0].(int)))
		}
		if r[1] == nil {
			bat.Vecs[1].AppendNull()
		} else {
			bat.Vecs[1].AppendInt64(int64(r[1].(int)))
		}
	}
	bat.SetRowCount(len(rows))
	return bat
}

func runGroup(t *testing.T, op *Group, inputs ...*batch.Batch) map[int64][]int64 {
	t.Helper()
	proc := process.New(context.Background(), mpool.MustNewNoFixed("test"))
	require.NoError(t, op.Prepare(proc))
	for _, in := range inputs {
		require.True(t, op.NeedsInput())
		require.NoError(t, op.AddInput(proc, in))
	}
	require.NoError(t, op.NoMoreInput(proc))

	out := make(map[int64][]int64)
	for {
		bat, err := op.GetOutput(proc)
		require.NoError(t, err)
		if bat == nil {
			break
		}
		for row := 0; row < bat.RowCount(); row++ {
			k := bat.Vecs[0].Int64s()[row]
			var vals []int64
			for col := 1; col < len(bat.Vecs); col++ {
				if bat.Vecs[col].IsNull(row) {
					vals = append(vals, -999)
				} else {
					vals = append(vals, bat.Vecs[col].Int64s()[row])
				}
			}
			out[k] = vals
		}
	}
	require.True(t, op.IsFinished())
	op.Close(proc, false, nil)
	return out
}

func TestGroupSumCount(t *testing.T) {
	op := NewArgument()
	op.GroupBy = []int{0}
	op.Aggs = []plan.AggSpec{{Func: "sum", Col: 1}, {Func: "count", Col: 1}}
	op.Attrs = []string{"k", "sum_v", "cnt_v"}
	op.Types = []vector.T{vector.TInt64, vector.TInt64, vector.TInt64}

	got := runGroup(t, op,
		keyValBatch([][2]any{{1, 10}, {2, 20}, {1, 5}}),
		keyValBatch([][2]any{{2, 1}, {3, 7}, {1, nil}}),
	)
	require.Equal(t, map[int64][]int64{
		1: {15, 2}, // null value skipped by sum and count
		2: {21, 2},
		3: {7, 1},
	}, got)
}

func TestGroupMinMax(t *testing.T) {
	op := NewArgument()
	op.GroupBy = []int{0}
	op.Aggs = []plan.AggSpec{{Func: "min", Col: 1}, {Func: "max", Col: 1}}
	op.Attrs = []string{"k", "min_v", "max_v"}
	op.Types = []vector.T{vector.TInt64, vector.TInt64, vector.TInt64}

	got := runGroup(t, op,
		keyValBatch([][2]any{{1, 10}, {1, -4}, {1, 3}, {2, nil}}),
	)
	require.Equal(t, map[int64][]int64{
		1: {-4, 10},
		2: {-999, -999}, // group of only nulls aggregates to null
	}, got)
}

func TestGroupNullKeyDropped(t *testing.T) {
	op := NewArgument()
	op.GroupBy = []int{0}
	op.Aggs = []plan.AggSpec{{Func: "count", Col: 1}}
	op.Attrs = []string{"k", "cnt"}
	op.Types = []vector.T{vector.TInt64, vector.TInt64}

	got := runGroup(t, op,
		keyValBatch([][2]any{{nil, 1}, {1, 2}, {nil, 3}}),
	)
	require.Len(t, got, 1)
	require.Equal(t, []int64{1}, got[1])
}

func TestGroupRejectsMistypedAggColumn(t *testing.T) {
	cases := []struct {
		fn  string
		typ vector.T
	}{
		{"sum", vector.TFloat64},
		{"min", vector.TFloat64},
		{"max", vector.TVarlen},
	}
	for _, c := range cases {
		t.Run(c.fn, func(t *testing.T) {
			proc := process.New(context.Background(), mpool.MustNewNoFixed("test"))
			op := NewArgument()
			op.GroupBy = []int{0}
			op.Aggs = []plan.AggSpec{{Func: c.fn, Col: 1}}
			op.Attrs = []string{"k", "agg"}
			op.Types = []vector.T{vector.TInt64, vector.TInt64}
			require.NoError(t, op.Prepare(proc))

			// The value column arrives with a type the int64 accumulator
			// cannot read; this must fail, not panic.
			bat := batch.New([]string{"k", "v"}, []vector.T{vector.TInt64, c.typ})
			bat.Vecs[0].AppendInt64(1)
			switch c.typ {
			case vector.TFloat64:
				bat.Vecs[1].AppendFloat64(1.5)
			default:
				bat.Vecs[1].AppendBytes([]byte("x"))
			}
			bat.SetRowCount(1)

			err := op.AddInput(proc, bat)
			require.Error(t, err)
			require.True(t, verr.IsDataError(err))
			op.Close(proc, true, err)
		})
	}
}

func TestGroupManyGroupsFlushInChunks(t *testing.T) {
	op := NewArgument()
	op.GroupBy = []int{0}
	op.Aggs = []plan.AggSpec{{Func: "sum", Col: 1}}
	op.Attrs = []string{"k", "sum_v"}
	op.Types = []vector.T{vector.TInt64, vector.TInt64}

	n := batch.DefaultBatchSize + 100
	bat := batch.New([]string{"k", "v"}, []vector.T{vector.TInt64, vector.TInt64})
	for i := 0; i < n; i++ {
		bat.Vecs[0].AppendInt64(int64(i))
		bat.Vecs[1].AppendInt64(1)
	}
	bat.SetRowCount(n)

	got := runGroup(t, op, bat)
	require.Len(t, got, n)
	require.Equal(t, []int64{1}, got[0])
	require.Equal(t, []int64{1}, got[int64(n-1)])
}

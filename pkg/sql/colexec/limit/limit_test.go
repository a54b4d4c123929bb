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

package limit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/common/mpool"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

func intBatch(vals ...int64) *batch.Batch {
	bat := batch.New([]string{"v"}, []vector.T{vector.TInt64})
	for _, v := range vals {
		bat.Vecs[0].AppendInt64(v)
	}
	bat.SetRowCount(len(vals))
	return bat
}

func TestLimitTruncates(t *testing.T) {
	cases := []struct {
		name    string
		limit   uint64
		inputs  [][]int64
		want    []int64
	}{
		{"under", 10, [][]int64{{1, 2}, {3}}, []int64{1, 2, 3}},
		{"exact", 3, [][]int64{{1, 2}, {3}}, []int64{1, 2, 3}},
		{"split", 3, [][]int64{{1, 2}, {3, 4, 5}}, []int64{1, 2, 3}},
		{"zero", 0, [][]int64{{1, 2}}, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			proc := process.New(context.Background(), mpool.MustNewNoFixed("test"))
			op := NewArgument()
			op.LimitCount = c.limit
			require.NoError(t, op.Prepare(proc))

			var got []int64
			for _, in := range c.inputs {
				if !op.NeedsInput() {
					break
				}
				require.NoError(t, op.AddInput(proc, intBatch(in...)))
				bat, err := op.GetOutput(proc)
				require.NoError(t, err)
				if bat != nil {
					got = append(got, bat.Vecs[0].Int64s()...)
				}
			}
			require.NoError(t, op.NoMoreInput(proc))
			bat, err := op.GetOutput(proc)
			require.NoError(t, err)
			require.Nil(t, bat)
			require.True(t, op.IsFinished())
			require.Equal(t, c.want, got)
			op.Close(proc, false, nil)
		})
	}
}

func TestLimitStopsAskingForInput(t *testing.T) {
	proc := process.New(context.Background(), mpool.MustNewNoFixed("test"))
	op := NewArgument()
	op.LimitCount = 2
	require.NoError(t, op.Prepare(proc))

	require.NoError(t, op.AddInput(proc, intBatch(1, 2, 3)))
	require.False(t, op.NeedsInput())
	bat, err := op.GetOutput(proc)
	require.NoError(t, err)
	require.Equal(t, 2, bat.RowCount())
	// Limit reached; the operator refuses further input.
	require.False(t, op.NeedsInput())
	require.Error(t, op.AddInput(proc, intBatch(4)))
}

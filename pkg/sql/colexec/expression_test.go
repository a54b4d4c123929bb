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

package colexec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
	"github.com/quiverdb/quiver/pkg/plan"
)

func testInput() *batch.Batch {
	bat := batch.New([]string{"a", "b"}, []vector.T{vector.TInt64, vector.TInt64})
	bat.Vecs[0].AppendInt64(1)
	bat.Vecs[0].AppendInt64(5)
	bat.Vecs[0].AppendNull()
	bat.Vecs[1].AppendInt64(3)
	bat.Vecs[1].AppendInt64(3)
	bat.Vecs[1].AppendInt64(3)
	bat.SetRowCount(3)
	return bat
}

func TestCompareBuiltins(t *testing.T) {
	cases := []struct {
		fn   string
		want []bool // rows 0, 1; row 2 is null
	}{
		{"eq", []bool{false, false}},
		{"ne", []bool{true, true}},
		{"lt", []bool{true, false}},
		{"le", []bool{true, false}},
		{"gt", []bool{false, true}},
		{"ge", []bool{false, true}},
	}
	bat := testInput()
	for _, c := range cases {
		exec, err := NewExpressionExecutor(plan.NewFunc(c.fn,
			plan.NewColumn(0, vector.TInt64), plan.NewColumn(1, vector.TInt64)))
		require.NoError(t, err, c.fn)
		vec, err := exec.Eval(nil, bat)
		require.NoError(t, err, c.fn)
		require.Equal(t, vector.TBool, vec.Type())
		require.Equal(t, c.want[0], vec.Bools()[0], c.fn)
		require.Equal(t, c.want[1], vec.Bools()[1], c.fn)
		// Null input propagates to a null comparison.
		require.True(t, vec.IsNull(2), c.fn)
		exec.Free()
	}
}

func TestArithBuiltins(t *testing.T) {
	bat := testInput()
	cases := []struct {
		fn   string
		want []int64
	}{
		{"add", []int64{4, 8}},
		{"sub", []int64{-2, 2}},
		{"mul", []int64{3, 15}},
		{"mod", []int64{1, 2}},
	}
	for _, c := range cases {
		exec, err := NewExpressionExecutor(plan.NewFunc(c.fn,
			plan.NewColumn(0, vector.TInt64), plan.NewColumn(1, vector.TInt64)))
		require.NoError(t, err)
		vec, err := exec.Eval(nil, bat)
		require.NoError(t, err, c.fn)
		require.Equal(t, c.want[0], vec.Int64s()[0], c.fn)
		require.Equal(t, c.want[1], vec.Int64s()[1], c.fn)
		require.True(t, vec.IsNull(2), c.fn)
	}
}

func TestModuloByZero(t *testing.T) {
	bat := testInput()
	exec, err := NewExpressionExecutor(plan.NewFunc("mod",
		plan.NewColumn(0, vector.TInt64), plan.NewInt64Const(0)))
	require.NoError(t, err)
	_, err = exec.Eval(nil, bat)
	require.Error(t, err)
}

func TestConstAndLogic(t *testing.T) {
	bat := testInput()
	// a > 2 and a < 100
	expr := plan.NewFunc("and",
		plan.NewFunc("gt", plan.NewColumn(0, vector.TInt64), plan.NewInt64Const(2)),
		plan.NewFunc("lt", plan.NewColumn(0, vector.TInt64), plan.NewInt64Const(100)))
	exec, err := NewExpressionExecutor(expr)
	require.NoError(t, err)
	vec, err := exec.Eval(nil, bat)
	require.NoError(t, err)
	require.False(t, vec.Bools()[0])
	require.True(t, vec.Bools()[1])
	require.True(t, vec.IsNull(2))
}

func TestTypeMismatch(t *testing.T) {
	bat := testInput()
	exec, err := NewExpressionExecutor(plan.NewFunc("eq",
		plan.NewColumn(0, vector.TInt64),
		&plan.ConstExpr{Typ: vector.TVarlen, Str: []byte("x")}))
	require.NoError(t, err)
	_, err = exec.Eval(nil, bat)
	require.Error(t, err)
}

func TestEncodeRowKeyMultiColumn(t *testing.T) {
	bat := testInput()
	key1, hasNull := EncodeRowKey(bat, []int{0, 1}, 0, nil)
	require.False(t, hasNull)
	key2, hasNull := EncodeRowKey(bat, []int{0, 1}, 1, nil)
	require.False(t, hasNull)
	require.NotEqual(t, key1, key2)

	_, hasNull = EncodeRowKey(bat, []int{0, 1}, 2, nil)
	require.True(t, hasNull)
}

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

package batch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/common/mpool"
	"github.com/quiverdb/quiver/pkg/container/vector"
)

func testBatch(t *testing.T) *Batch {
	t.Helper()
	bat := New([]string{"a", "b"}, []vector.T{vector.TInt64, vector.TVarlen})
	for i := 0; i < 3; i++ {
		bat.Vecs[0].AppendInt64(int64(i))
	}
	bat.Vecs[1].AppendBytes([]byte("x"))
	bat.Vecs[1].AppendNull()
	bat.Vecs[1].AppendBytes([]byte("zz"))
	bat.SetRowCount(3)
	return bat
}

func TestMarshalRoundTrip(t *testing.T) {
	bat := testBatch(t)
	data, err := bat.MarshalBinary()
	require.NoError(t, err)

	got := NewWithSize(0)
	require.NoError(t, got.UnmarshalBinary(data))
	require.Equal(t, bat.Attrs, got.Attrs)
	require.Equal(t, bat.RowCount(), got.RowCount())
	require.Equal(t, bat.Vecs[0].Int64s(), got.Vecs[0].Int64s())
	require.True(t, got.Vecs[1].IsNull(1))
	require.Equal(t, []byte("zz"), got.Vecs[1].BytesAt(2))
}

func TestRetainClean(t *testing.T) {
	mp := mpool.New("test", mpool.NoLimit)
	bat := testBatch(t)
	require.NoError(t, bat.Retain(mp))
	require.Greater(t, mp.CurrNB(), int64(0))
	require.Error(t, bat.Retain(mp))

	bat.Clean(mp)
	require.Equal(t, int64(0), mp.CurrNB())
	bat.Clean(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestRetainOverBudget(t *testing.T) {
	mp := mpool.New("tiny", 1)
	bat := testBatch(t)
	require.Error(t, bat.Retain(mp))
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestUnionRow(t *testing.T) {
	src := testBatch(t)
	dst := New([]string{"a", "b"}, []vector.T{vector.TInt64, vector.TVarlen})
	require.NoError(t, dst.UnionRow(src, 1))
	require.Equal(t, 1, dst.RowCount())
	require.Equal(t, int64(1), dst.Vecs[0].Int64s()[0])
	require.True(t, dst.Vecs[1].IsNull(0))
}

func TestShrink(t *testing.T) {
	bat := testBatch(t)
	bat.Shrink([]int64{2})
	require.Equal(t, 1, bat.RowCount())
	require.Equal(t, int64(2), bat.Vecs[0].Int64s()[0])
	require.Equal(t, []byte("zz"), bat.Vecs[1].BytesAt(0))
}

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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/common/mpool"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
)

func TestStrHashMapInsertFind(t *testing.T) {
	mp := mpool.New("test", mpool.NoLimit)
	m := NewStrHashMap(mp)
	defer m.Free()

	id, isNew, err := m.Insert([]byte("k1"))
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, uint64(1), id)

	id2, isNew, err := m.Insert([]byte("k1"))
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, id, id2)

	require.Equal(t, uint64(0), m.Find([]byte("missing")))
	require.Equal(t, uint64(1), m.GroupCount())
}

func TestStrHashMapBudget(t *testing.T) {
	mp := mpool.New("tiny", 60)
	m := NewStrHashMap(mp)
	defer m.Free()

	_, _, err := m.Insert([]byte("a"))
	require.NoError(t, err)
	_, _, err = m.Insert([]byte("b"))
	require.Error(t, err)

	m.Free()
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestJoinTable(t *testing.T) {
	mp := mpool.New("test", mpool.NoLimit)
	attrs := []string{"k", "v"}
	types := []vector.T{vector.TInt64, vector.TVarlen}
	table := NewJoinTable(attrs, types, mp)
	defer table.Free()

	src := batch.New(attrs, types)
	for i := 0; i < 10; i++ {
		src.Vecs[0].AppendInt64(int64(i % 3))
		src.Vecs[1].AppendBytes([]byte(fmt.Sprintf("row-%d", i)))
	}
	src.SetRowCount(10)

	var key []byte
	for i := 0; i < 10; i++ {
		key, _ = src.Vecs[0].EncodeKey(i, key[:0])
		require.NoError(t, table.AddRow(key, src, i))
	}
	require.NoError(t, table.Seal())
	require.Equal(t, int64(10), table.RowCount())
	require.Equal(t, uint64(3), table.GroupCount())

	// Key 1 owns rows 1, 4, 7.
	probe := vector.New(vector.TInt64)
	probe.AppendInt64(1)
	key, _ = probe.EncodeKey(0, key[:0])
	refs := table.Find(key)
	require.Len(t, refs, 3)

	for _, ref := range refs {
		bat, row := table.RowAt(ref)
		require.Equal(t, int64(1), bat.Vecs[0].Int64s()[row])
	}

	probe2 := vector.New(vector.TInt64)
	probe2.AppendInt64(99)
	key, _ = probe2.EncodeKey(0, key[:0])
	require.Nil(t, table.Find(key))

	table.Free()
	require.Equal(t, int64(0), mp.CurrNB())
}

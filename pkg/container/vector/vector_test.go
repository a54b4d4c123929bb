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

package vector

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeKeyNull(t *testing.T) {
	v := New(TInt64)
	v.AppendInt64(1)
	v.AppendNull()

	key, isNull := v.EncodeKey(0, nil)
	require.False(t, isNull)
	require.NotEmpty(t, key)

	_, isNull = v.EncodeKey(1, nil)
	require.True(t, isNull)
}

func TestEncodeKeyNegativeZero(t *testing.T) {
	v := New(TFloat64)
	v.AppendFloat64(0.0)
	var negZero float64
	negZero = -negZero // avoid constant folding of -0.0
	v.AppendFloat64(negZero)

	a, _ := v.EncodeKey(0, nil)
	b, _ := v.EncodeKey(1, nil)
	require.Equal(t, a, b)
}

func TestEncodeKeyTypeTagged(t *testing.T) {
	// int64(1) and the one-byte string "\x01" must not encode alike.
	iv := New(TInt64)
	iv.AppendInt64(1)
	sv := New(TVarlen)
	sv.AppendBytes([]byte{1})

	a, _ := iv.EncodeKey(0, nil)
	b, _ := sv.EncodeKey(0, nil)
	require.NotEqual(t, a, b)
}

func TestShrink(t *testing.T) {
	v := New(TInt64)
	v.AppendInt64(10)
	v.AppendNull()
	v.AppendInt64(30)
	v.AppendInt64(40)

	v.Shrink([]int64{1, 3})
	require.Equal(t, 2, v.Length())
	require.True(t, v.IsNull(0))
	require.False(t, v.IsNull(1))
	require.Equal(t, int64(40), v.Int64s()[1])
}

func TestMarshalRoundTrip(t *testing.T) {
	cases := []*Vector{
		func() *Vector {
			v := New(TInt64)
			v.AppendInt64(-5)
			v.AppendNull()
			v.AppendInt64(42)
			return v
		}(),
		func() *Vector {
			v := New(TVarlen)
			v.AppendBytes([]byte("hello"))
			v.AppendBytes(nil)
			v.AppendNull()
			return v
		}(),
		func() *Vector {
			v := New(TBool)
			v.AppendBool(true)
			v.AppendBool(false)
			return v
		}(),
	}
	for _, v := range cases {
		var buf bytes.Buffer
		require.NoError(t, v.MarshalTo(&buf))
		got, err := Unmarshal(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		require.Equal(t, v.Type(), got.Type())
		require.Equal(t, v.Length(), got.Length())
		for i := 0; i < v.Length(); i++ {
			require.Equal(t, v.IsNull(i), got.IsNull(i), "row %d", i)
		}
		switch v.Type() {
		case TInt64:
			require.Equal(t, v.Int64s(), got.Int64s())
		case TBool:
			require.Equal(t, v.Bools(), got.Bools())
		case TVarlen:
			for i := 0; i < v.Length(); i++ {
				require.Equal(t, v.BytesAt(i), got.BytesAt(i))
			}
		}
	}
}

func TestUnionOneTypeMismatch(t *testing.T) {
	a := New(TInt64)
	b := New(TFloat64)
	b.AppendFloat64(1)
	require.Error(t, a.UnionOne(b, 0))
}

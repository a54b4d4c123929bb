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

// Package vector implements the typed column of a batch. A vector is
// append-only while being produced and immutable once its batch has been
// handed downstream.
package vector

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring"

	"github.com/quiverdb/quiver/pkg/common/verr"
)

type T uint8

const (
	TInt64 T = iota
	TFloat64
	TBool
	TVarlen
)

func (t T) String() string {
	switch t {
	case TInt64:
		return "int64"
	case TFloat64:
		return "float64"
	case TBool:
		return "bool"
	case TVarlen:
		return "varlen"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

type Vector struct {
	typ   T
	i64   []int64
	f64   []float64
	bs    []bool
	str   [][]byte
	nulls *roaring.Bitmap
}

func New(typ T) *Vector {
	return &Vector{typ: typ}
}

func (v *Vector) Type() T { return v.typ }

func (v *Vector) Length() int {
	switch v.typ {
	case TInt64:
		return len(v.i64)
	case TFloat64:
		return len(v.f64)
	case TBool:
		return len(v.bs)
	default:
		return len(v.str)
	}
}

func (v *Vector) AppendInt64(x int64)   { v.i64 = append(v.i64, x) }
func (v *Vector) AppendFloat64(x float64) { v.f64 = append(v.f64, x) }
func (v *Vector) AppendBool(x bool)     { v.bs = append(v.bs, x) }

func (v *Vector) AppendBytes(b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	v.str = append(v.str, cp)
}

// AppendNull appends the type's zero value and marks the row null.
func (v *Vector) AppendNull() {
	row := uint32(v.Length())
	switch v.typ {
	case TInt64:
		v.i64 = append(v.i64, 0)
	case TFloat64:
		v.f64 = append(v.f64, 0)
	case TBool:
		v.bs = append(v.bs, false)
	default:
		v.str = append(v.str, nil)
	}
	if v.nulls == nil {
		v.nulls = roaring.New()
	}
	v.nulls.Add(row)
}

func (v *Vector) IsNull(row int) bool {
	return v.nulls != nil && v.nulls.Contains(uint32(row))
}

func (v *Vector) HasNulls() bool {
	return v.nulls != nil && !v.nulls.IsEmpty()
}

func (v *Vector) Int64s() []int64     { return v.i64 }
func (v *Vector) Float64s() []float64 { return v.f64 }
func (v *Vector) Bools() []bool       { return v.bs }
func (v *Vector) BytesAt(row int) []byte { return v.str[row] }

// UnionOne appends row from src, null state included. The two vectors must
// share a type; a mismatch is a data error since it means the plan's
// schemas disagree.
func (v *Vector) UnionOne(src *Vector, row int) error {
	if v.typ != src.typ {
		return verr.NewDataError("union %s vector into %s vector", src.typ, v.typ)
	}
	if src.IsNull(row) {
		v.AppendNull()
		return nil
	}
	switch v.typ {
	case TInt64:
		v.i64 = append(v.i64, src.i64[row])
	case TFloat64:
		v.f64 = append(v.f64, src.f64[row])
	case TBool:
		v.bs = append(v.bs, src.bs[row])
	default:
		v.AppendBytes(src.str[row])
	}
	return nil
}

func (v *Vector) UnionNull() { v.AppendNull() }

// Shrink keeps only the selected rows, in sel order. Used by the filter
// operator; the vector must still be exclusively owned by its producer.
func (v *Vector) Shrink(sels []int64) {
	var nulls *roaring.Bitmap
	for i, sel := range sels {
		if v.IsNull(int(sel)) {
			if nulls == nil {
				nulls = roaring.New()
			}
			nulls.Add(uint32(i))
		}
		switch v.typ {
		case TInt64:
			v.i64[i] = v.i64[sel]
		case TFloat64:
			v.f64[i] = v.f64[sel]
		case TBool:
			v.bs[i] = v.bs[sel]
		default:
			v.str[i] = v.str[sel]
		}
	}
	n := len(sels)
	switch v.typ {
	case TInt64:
		v.i64 = v.i64[:n]
	case TFloat64:
		v.f64 = v.f64[:n]
	case TBool:
		v.bs = v.bs[:n]
	default:
		v.str = v.str[:n]
	}
	v.nulls = nulls
}

// Size returns the approximate heap footprint in bytes, used for memory
// pool reservations.
func (v *Vector) Size() int64 {
	var n int64
	switch v.typ {
	case TInt64:
		n = int64(len(v.i64)) * 8
	case TFloat64:
		n = int64(len(v.f64)) * 8
	case TBool:
		n = int64(len(v.bs))
	default:
		for _, s := range v.str {
			n += int64(len(s)) + 24
		}
	}
	if v.nulls != nil {
		n += int64(v.nulls.GetSizeInBytes())
	}
	return n
}

// EncodeKey appends a row's key encoding to buf. The encoding is
// type-tagged and length-delimited so multi-column keys never collide.
// The second result reports whether the row is null.
func (v *Vector) EncodeKey(row int, buf []byte) ([]byte, bool) {
	if v.IsNull(row) {
		return buf, true
	}
	buf = append(buf, byte(v.typ))
	switch v.typ {
	case TInt64:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.i64[row]))
	case TFloat64:
		// -0.0 and 0.0 hash apart under a raw bit encoding; joins treat
		// them as equal so normalize first.
		f := v.f64[row]
		if f == 0 {
			f = 0
		}
		bits := binary.LittleEndian.AppendUint64(nil, math.Float64bits(f))
		buf = append(buf, bits...)
	case TBool:
		if v.bs[row] {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	default:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.str[row])))
		buf = append(buf, v.str[row]...)
	}
	return buf, false
}

func (v *Vector) MarshalTo(w *bytes.Buffer) error {
	w.WriteByte(byte(v.typ))
	n := v.Length()
	var scratch [8]byte
	binary.LittleEndian.PutUint32(scratch[:4], uint32(n))
	w.Write(scratch[:4])

	var nullBytes []byte
	if v.HasNulls() {
		b, err := v.nulls.ToBytes()
		if err != nil {
			return verr.NewIOError(err, "marshal null bitmap")
		}
		nullBytes = b
	}
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(nullBytes)))
	w.Write(scratch[:4])
	w.Write(nullBytes)

	switch v.typ {
	case TInt64:
		for _, x := range v.i64 {
			binary.LittleEndian.PutUint64(scratch[:], uint64(x))
			w.Write(scratch[:])
		}
	case TFloat64:
		for _, x := range v.f64 {
			binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(x))
			w.Write(scratch[:])
		}
	case TBool:
		for _, x := range v.bs {
			if x {
				w.WriteByte(1)
			} else {
				w.WriteByte(0)
			}
		}
	default:
		for _, s := range v.str {
			binary.LittleEndian.PutUint32(scratch[:4], uint32(len(s)))
			w.Write(scratch[:4])
			w.Write(s)
		}
	}
	return nil
}

func Unmarshal(r *bytes.Reader) (*Vector, error) {
	badData := func(err error) (*Vector, error) {
		return nil, verr.NewDataError("corrupt vector encoding: %v", err)
	}
	t, err := r.ReadByte()
	if err != nil {
		return badData(err)
	}
	v := New(T(t))
	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return badData(err)
	}
	n := int(binary.LittleEndian.Uint32(scratch[:4]))
	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return badData(err)
	}
	nullLen := int(binary.LittleEndian.Uint32(scratch[:4]))
	if nullLen > 0 {
		nb := make([]byte, nullLen)
		if _, err := io.ReadFull(r, nb); err != nil {
			return badData(err)
		}
		v.nulls = roaring.New()
		if err := v.nulls.UnmarshalBinary(nb); err != nil {
			return badData(err)
		}
	}
	switch v.typ {
	case TInt64:
		v.i64 = make([]int64, n)
		for i := range v.i64 {
			if _, err := io.ReadFull(r, scratch[:]); err != nil {
				return badData(err)
			}
			v.i64[i] = int64(binary.LittleEndian.Uint64(scratch[:]))
		}
	case TFloat64:
		v.f64 = make([]float64, n)
		for i := range v.f64 {
			if _, err := io.ReadFull(r, scratch[:]); err != nil {
				return badData(err)
			}
			v.f64[i] = math.Float64frombits(binary.LittleEndian.Uint64(scratch[:]))
		}
	case TBool:
		v.bs = make([]bool, n)
		for i := range v.bs {
			b, err := r.ReadByte()
			if err != nil {
				return badData(err)
			}
			v.bs[i] = b != 0
		}
	case TVarlen:
		v.str = make([][]byte, n)
		for i := range v.str {
			if _, err := io.ReadFull(r, scratch[:4]); err != nil {
				return badData(err)
			}
			l := int(binary.LittleEndian.Uint32(scratch[:4]))
			s := make([]byte, l)
			if _, err := io.ReadFull(r, s); err != nil {
				return badData(err)
			}
			v.str[i] = s
		}
	default:
		return nil, verr.NewDataError("unknown vector type tag %d", t)
	}
	return v, nil
}

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

// Package colexec holds the pieces shared by the columnar operators:
// expression execution and join/group key encoding.
package colexec

import (
	"bytes"

	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
	"github.com/quiverdb/quiver/pkg/plan"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

// ExpressionExecutor evaluates one compiled expression against a batch,
// producing a vector of the batch's row count.
type ExpressionExecutor interface {
	Eval(proc *process.Process, bat *batch.Batch) (*vector.Vector, error)
	Free()
}

func NewExpressionExecutor(expr plan.Expr) (ExpressionExecutor, error) {
	switch e := expr.(type) {
	case *plan.ColExpr:
		return &columnExecutor{pos: e.Pos, typ: e.Typ}, nil
	case *plan.ConstExpr:
		return &constExecutor{c: e}, nil
	case *plan.FuncExpr:
		args := make([]ExpressionExecutor, len(e.Args))
		for i, a := range e.Args {
			sub, err := NewExpressionExecutor(a)
			if err != nil {
				return nil, err
			}
			args[i] = sub
		}
		if len(args) != 2 {
			return nil, verr.NewDataError("builtin %s expects 2 arguments, got %d", e.Name, len(args))
		}
		return &funcExecutor{name: e.Name, args: args}, nil
	}
	return nil, verr.NewDataError("unknown expression node %T", expr)
}

type columnExecutor struct {
	pos int
	typ vector.T
}

func (c *columnExecutor) Eval(_ *process.Process, bat *batch.Batch) (*vector.Vector, error) {
	if c.pos >= len(bat.Vecs) {
		return nil, verr.NewDataError("column %d out of range, batch has %d columns", c.pos, len(bat.Vecs))
	}
	vec := bat.Vecs[c.pos]
	if vec.Type() != c.typ {
		return nil, verr.NewDataError("column %d is %s, expression expects %s", c.pos, vec.Type(), c.typ)
	}
	return vec, nil
}

func (c *columnExecutor) Free() {}

type constExecutor struct {
	c *plan.ConstExpr
}

func (c *constExecutor) Eval(_ *process.Process, bat *batch.Batch) (*vector.Vector, error) {
	vec := vector.New(c.c.Typ)
	for i := 0; i < bat.RowCount(); i++ {
		if c.c.Null {
			vec.AppendNull()
			continue
		}
		switch c.c.Typ {
		case vector.TInt64:
			vec.AppendInt64(c.c.I64)
		case vector.TFloat64:
			vec.AppendFloat64(c.c.F64)
		case vector.TBool:
			vec.AppendBool(c.c.B)
		default:
			vec.AppendBytes(c.c.Str)
		}
	}
	return vec, nil
}

func (c *constExecutor) Free() {}

type funcExecutor struct {
	name string
	args []ExpressionExecutor
}

func (f *funcExecutor) Eval(proc *process.Process, bat *batch.Batch) (*vector.Vector, error) {
	lhs, err := f.args[0].Eval(proc, bat)
	if err != nil {
		return nil, err
	}
	rhs, err := f.args[1].Eval(proc, bat)
	if err != nil {
		return nil, err
	}
	if lhs.Type() != rhs.Type() {
		return nil, verr.NewDataError("builtin %s on mismatched types %s and %s", f.name, lhs.Type(), rhs.Type())
	}
	n := bat.RowCount()
	switch f.name {
	case "eq", "ne", "lt", "le", "gt", "ge":
		return evalCompare(f.name, lhs, rhs, n)
	case "and", "or":
		return evalLogic(f.name, lhs, rhs, n)
	case "add", "sub", "mul", "mod":
		return evalArith(f.name, lhs, rhs, n)
	}
	return nil, verr.NewDataError("unknown builtin %s", f.name)
}

func (f *funcExecutor) Free() {
	for _, a := range f.args {
		a.Free()
	}
}

func evalCompare(name string, lhs, rhs *vector.Vector, n int) (*vector.Vector, error) {
	out := vector.New(vector.TBool)
	for i := 0; i < n; i++ {
		if lhs.IsNull(i) || rhs.IsNull(i) {
			out.AppendNull()
			continue
		}
		var cmp int
		switch lhs.Type() {
		case vector.TInt64:
			a, b := lhs.Int64s()[i], rhs.Int64s()[i]
			cmp = compareOrdered(a, b)
		case vector.TFloat64:
			a, b := lhs.Float64s()[i], rhs.Float64s()[i]
			cmp = compareOrdered(a, b)
		case vector.TVarlen:
			cmp = bytes.Compare(lhs.BytesAt(i), rhs.BytesAt(i))
		default:
			return nil, verr.NewDataError("comparison on %s column", lhs.Type())
		}
		out.AppendBool(cmpHolds(name, cmp))
	}
	return out, nil
}

func compareOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpHolds(name string, cmp int) bool {
	switch name {
	case "eq":
		return cmp == 0
	case "ne":
		return cmp != 0
	case "lt":
		return cmp < 0
	case "le":
		return cmp <= 0
	case "gt":
		return cmp > 0
	default:
		return cmp >= 0
	}
}

func evalLogic(name string, lhs, rhs *vector.Vector, n int) (*vector.Vector, error) {
	if lhs.Type() != vector.TBool {
		return nil, verr.NewDataError("%s on %s column", name, lhs.Type())
	}
	out := vector.New(vector.TBool)
	for i := 0; i < n; i++ {
		if lhs.IsNull(i) || rhs.IsNull(i) {
			out.AppendNull()
			continue
		}
		a, b := lhs.Bools()[i], rhs.Bools()[i]
		if name == "and" {
			out.AppendBool(a && b)
		} else {
			out.AppendBool(a || b)
		}
	}
	return out, nil
}

func evalArith(name string, lhs, rhs *vector.Vector, n int) (*vector.Vector, error) {
	out := vector.New(lhs.Type())
	for i := 0; i < n; i++ {
		if lhs.IsNull(i) || rhs.IsNull(i) {
			out.AppendNull()
			continue
		}
		switch lhs.Type() {
		case vector.TInt64:
			a, b := lhs.Int64s()[i], rhs.Int64s()[i]
			switch name {
			case "add":
				out.AppendInt64(a + b)
			case "sub":
				out.AppendInt64(a - b)
			case "mul":
				out.AppendInt64(a * b)
			default:
				if b == 0 {
					return nil, verr.NewDataError("modulo by zero at row %d", i)
				}
				out.AppendInt64(a % b)
			}
		case vector.TFloat64:
			a, b := lhs.Float64s()[i], rhs.Float64s()[i]
			switch name {
			case "add":
				out.AppendFloat64(a + b)
			case "sub":
				out.AppendFloat64(a - b)
			case "mul":
				out.AppendFloat64(a * b)
			default:
				return nil, verr.NewDataError("modulo on float column")
			}
		default:
			return nil, verr.NewDataError("%s on %s column", name, lhs.Type())
		}
	}
	return out, nil
}

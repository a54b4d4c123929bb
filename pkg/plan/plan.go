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

// Package plan defines the physical plan fragment the engine executes: an
// immutable tree of operator descriptors with stable ids. The engine does
// not plan queries; a fragment arrives fully resolved from the front end
// and is never mutated after submission.
package plan

import (
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
)

type NodeOp int

const (
	ValueScan NodeOp = iota
	Restrict
	Projection
	Limit
	Group
	Join
	ExchangeSink
	ExchangeSource
)

type JoinType int

const (
	Inner JoinType = iota
	Left
	Semi
	Anti
)

func (t JoinType) String() string {
	switch t {
	case Inner:
		return "inner"
	case Left:
		return "left"
	case Semi:
		return "semi"
	case Anti:
		return "anti"
	}
	return "unknown"
}

// ResultPos selects an output column: Rel 0 is the probe (or only) input,
// Rel 1 is the join build side.
type ResultPos struct {
	Rel int
	Pos int
}

type AggSpec struct {
	// Func is one of sum, count, min, max.
	Func string
	Col  int
}

// Node is one operator descriptor. Child is the upstream node (nil for
// sources); a Join node additionally owns its BuildSide subtree, which
// the task compiler splits into a separate build pipeline.
type Node struct {
	ID int32
	Op NodeOp

	Child     *Node
	BuildSide *Node

	// Attrs/Types describe the node's output schema.
	Attrs []string
	Types []vector.T

	// ValueScan: rows partitioned across the pipeline's drivers.
	Data []*batch.Batch

	// Restrict.
	Filter Expr

	// Projection.
	Exprs []Expr

	// Limit.
	LimitCount uint64

	// Group.
	GroupBy []int
	Aggs    []AggSpec

	// Join. Keys index into the probe/build schemas respectively.
	JoinType  JoinType
	ProbeKeys []int
	BuildKeys []int
	Result    []ResultPos

	// ExchangeSink: number of destination partitions and the columns the
	// partitioner hashes. Zero PartitionBy broadcasts to destination 0.
	Destinations int
	PartitionBy  []int

	// ExchangeSource: ids of the upstream tasks this node fetches from.
	UpstreamTasks []string
	// Destination is the partition this consumer owns.
	Destination int
}

// Fragment is the unit of task submission.
type Fragment struct {
	Root *Node
}

// Expr is an expression descriptor, evaluated against a batch by the
// executor compiled in colexec. The engine treats evaluation as opaque.
type Expr interface{ exprNode() }

type ColExpr struct {
	Pos int
	Typ vector.T
}

type ConstExpr struct {
	Typ  vector.T
	Null bool
	I64  int64
	F64  float64
	Str  []byte
	B    bool
}

// FuncExpr applies a builtin: eq, ne, lt, le, gt, ge, and, or, add, sub,
// mul, mod.
type FuncExpr struct {
	Name string
	Args []Expr
}

func (*ColExpr) exprNode()   {}
func (*ConstExpr) exprNode() {}
func (*FuncExpr) exprNode()  {}

// NewColumn is shorthand used widely in tests.
func NewColumn(pos int, typ vector.T) *ColExpr { return &ColExpr{Pos: pos, Typ: typ} }

func NewInt64Const(v int64) *ConstExpr { return &ConstExpr{Typ: vector.TInt64, I64: v} }

func NewFunc(name string, args ...Expr) *FuncExpr { return &FuncExpr{Name: name, Args: args} }

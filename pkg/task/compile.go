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

package task

import (
	"fmt"

	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/exchange"
	"github.com/quiverdb/quiver/pkg/plan"
	"github.com/quiverdb/quiver/pkg/spill"
	"github.com/quiverdb/quiver/pkg/sql/colexec/dispatch"
	"github.com/quiverdb/quiver/pkg/sql/colexec/group"
	"github.com/quiverdb/quiver/pkg/sql/colexec/hashbuild"
	"github.com/quiverdb/quiver/pkg/sql/colexec/join"
	"github.com/quiverdb/quiver/pkg/sql/colexec/limit"
	"github.com/quiverdb/quiver/pkg/sql/colexec/merge"
	"github.com/quiverdb/quiver/pkg/sql/colexec/output"
	"github.com/quiverdb/quiver/pkg/sql/colexec/projection"
	"github.com/quiverdb/quiver/pkg/sql/colexec/restrict"
	"github.com/quiverdb/quiver/pkg/sql/colexec/value_scan"
	"github.com/quiverdb/quiver/pkg/vm"
	"github.com/quiverdb/quiver/pkg/vm/message"
	"github.com/quiverdb/quiver/pkg/vm/pipeline"
)

// segment is one linear run of plan nodes executed by a single pipeline,
// ordered source first. Build segments end in a hash build sink for their
// join node; the root segment ends in the task's output edge.
type segment struct {
	nodes    []*plan.Node
	joinNode *plan.Node
}

// joinShared is the state one build/probe pair shares across pipelines.
type joinShared struct {
	bridge       *message.JoinBridge
	buildSpiller *spill.Spiller
	probeSpiller *spill.Spiller
}

// compile splits the fragment into pipelines and instantiates per-driver
// operator chains. Pipelines whose semantics require a single total order
// over the input, aggregation, limit and exchange consumption, run with
// one driver; everything else fans out.
func (t *Task) compile(fragment *plan.Fragment) error {
	segments := collectSegments(fragment.Root, nil)

	parallel := make([]int, len(segments))
	for i, seg := range segments {
		parallel[i] = t.segmentParallel(seg)
	}

	// Shared join state needs both sides' driver counts before any
	// operator exists.
	joins := make(map[*plan.Node]*joinShared)
	for i, seg := range segments {
		for _, node := range seg.nodes {
			if node.Op != plan.Join {
				continue
			}
			buildIdx := segmentIndexOf(segments, node)
			shared, err := t.newJoinShared(node, parallel[buildIdx], parallel[i])
			if err != nil {
				return err
			}
			joins[node] = shared
		}
	}

	root := fragment.Root
	rootParallel := parallel[0]
	if root.Op == plan.ExchangeSink {
		if root.Destinations <= 0 {
			return verr.NewDataError("exchange sink with %d destinations", root.Destinations)
		}
		t.buffer = exchange.NewOutputBuffer(root.Destinations, t.rt.cfg.OutputBufferWatermark)
		t.buffer.SetProducers(rootParallel)
		if err := t.rt.bufMgr.Register(t.id, t.buffer); err != nil {
			return err
		}
	} else {
		t.sink = output.NewSink(output.DefaultSinkCapacity, rootParallel)
	}

	nextDriverID := 0
	for i, seg := range segments {
		drivers := make([]*pipeline.Driver, parallel[i])
		for pid := 0; pid < parallel[i]; pid++ {
			ops, err := t.buildChain(seg, joins, i == 0, int32(pid), int32(parallel[i]))
			if err != nil {
				return err
			}
			drivers[pid] = pipeline.NewDriver(nextDriverID, ops, t.proc)
			nextDriverID++
		}
		name := fmt.Sprintf("pipeline-%d", i)
		if seg.joinNode != nil {
			name = fmt.Sprintf("build-%d", seg.joinNode.ID)
		}
		t.pipelines = append(t.pipelines, pipeline.New(name, drivers))
	}
	return nil
}

// collectSegments walks Child edges into linear segments; every join's
// build side becomes its own segment. The root segment is first.
func collectSegments(root *plan.Node, joinNode *plan.Node) []*segment {
	seg := &segment{joinNode: joinNode}
	var rest []*segment
	for n := root; n != nil; n = n.Child {
		seg.nodes = append([]*plan.Node{n}, seg.nodes...)
		if n.Op == plan.Join && n.BuildSide != nil {
			rest = append(rest, collectSegments(n.BuildSide, n)...)
		}
	}
	return append([]*segment{seg}, rest...)
}

func segmentIndexOf(segments []*segment, joinNode *plan.Node) int {
	for i, seg := range segments {
		if seg.joinNode == joinNode {
			return i
		}
	}
	return -1
}

func (t *Task) segmentParallel(seg *segment) int {
	n := t.rt.cfg.MaxDriversPerPipeline
	for _, node := range seg.nodes {
		switch node.Op {
		case plan.Group, plan.Limit, plan.ExchangeSource:
			return 1
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (t *Task) newJoinShared(node *plan.Node, nBuilders, nProbers int) (*joinShared, error) {
	buildSp, err := spill.New(t.rt.cfg.SpillDir, t.id,
		fmt.Sprintf("join-%d-build", node.ID), t.proc.Stats())
	if err != nil {
		return nil, err
	}
	probeSp, err := spill.New(t.rt.cfg.SpillDir, t.id,
		fmt.Sprintf("join-%d-probe", node.ID), t.proc.Stats())
	if err != nil {
		return nil, err
	}
	shared := &joinShared{
		bridge:       message.NewJoinBridge(nBuilders, nProbers),
		buildSpiller: buildSp,
		probeSpiller: probeSp,
	}
	shared.bridge.SetOnRelease(func(artifact *message.JoinArtifact) {
		for _, table := range artifact.Tables {
			table.Free()
		}
	})
	t.bridges = append(t.bridges, shared.bridge)
	t.spillers = append(t.spillers, buildSp, probeSp)
	return shared, nil
}

// buildChain instantiates one driver's operator chain for a segment.
func (t *Task) buildChain(seg *segment, joins map[*plan.Node]*joinShared, isRoot bool, parallelID, maxParallel int32) ([]vm.Operator, error) {
	var ops []vm.Operator
	for _, node := range seg.nodes {
		op, err := t.buildOperator(node, joins)
		if err != nil {
			return nil, err
		}
		stamp(op, node.ID, parallelID, maxParallel)
		ops = append(ops, op)
	}
	if seg.joinNode != nil {
		shared := joins[seg.joinNode]
		buildNode := seg.nodes[len(seg.nodes)-1]
		hb := hashbuild.NewArgument()
		hb.BuildKeys = seg.joinNode.BuildKeys
		hb.Attrs = buildNode.Attrs
		hb.Types = buildNode.Types
		hb.NParts = t.rt.cfg.SpillPartitions
		hb.Bridge = shared.bridge
		hb.BuildSpiller = shared.buildSpiller
		hb.ProbeSpiller = shared.probeSpiller
		stamp(hb, seg.joinNode.ID, parallelID, maxParallel)
		return append(ops, hb), nil
	}
	if isRoot && seg.nodes[len(seg.nodes)-1].Op != plan.ExchangeSink {
		out := output.NewArgument()
		out.Sink = t.sink
		stamp(out, seg.nodes[len(seg.nodes)-1].ID, parallelID, maxParallel)
		ops = append(ops, out)
	}
	return ops, nil
}

func (t *Task) buildOperator(node *plan.Node, joins map[*plan.Node]*joinShared) (vm.Operator, error) {
	switch node.Op {
	case plan.ValueScan:
		op := value_scan.NewArgument()
		op.Batches = node.Data
		return op, nil
	case plan.Restrict:
		op := restrict.NewArgument()
		op.Filter = node.Filter
		return op, nil
	case plan.Projection:
		op := projection.NewArgument()
		op.Exprs = node.Exprs
		op.Attrs = node.Attrs
		return op, nil
	case plan.Limit:
		op := limit.NewArgument()
		op.LimitCount = node.LimitCount
		return op, nil
	case plan.Group:
		op := group.NewArgument()
		op.GroupBy = node.GroupBy
		op.Aggs = node.Aggs
		op.Attrs = node.Attrs
		op.Types = node.Types
		return op, nil
	case plan.Join:
		shared := joins[node]
		op := join.NewArgument()
		op.JoinType = node.JoinType
		op.ProbeKeys = node.ProbeKeys
		op.BuildKeys = node.BuildKeys
		op.Result = node.Result
		op.Attrs = node.Attrs
		op.Types = node.Types
		op.ProbeAttrs = node.Child.Attrs
		op.ProbeTypes = node.Child.Types
		op.NParts = t.rt.cfg.SpillPartitions
		op.Bridge = shared.bridge
		return op, nil
	case plan.ExchangeSink:
		op := dispatch.NewArgument()
		op.Destinations = node.Destinations
		op.PartitionBy = node.PartitionBy
		op.Attrs = node.Child.Attrs
		op.Types = node.Child.Types
		op.Buffer = t.buffer
		return op, nil
	case plan.ExchangeSource:
		op := merge.NewArgument()
		op.Client = exchange.NewClient(node.UpstreamTasks, node.Destination,
			t.rt.fetch, t.rt.ack, t.rt.cfg.ExchangeFetchRetries)
		return op, nil
	}
	return nil, verr.NewDataError("unknown plan operator %d", node.Op)
}

func stamp(op vm.Operator, id, parallelID, maxParallel int32) {
	if setter, ok := op.(vm.InfoSetter); ok {
		setter.SetInfo(vm.OperatorInfo{ID: id, ParallelID: parallelID, MaxParallel: maxParallel})
	}
}

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

// Package join is the probe side of the hash join. A probe driver blocks
// until the bridge publishes the build artifact, streams its input against
// the in-memory partition tables, and defers rows hashing into spilled
// partitions to a disk replay phase that runs after every probe driver has
// drained.
//
// Join semantics: inner, left outer, semi and anti over equality keys.
// A null key matches nothing; for left and anti joins a null-key probe row
// is still emitted, since no-match is exactly what those joins report.
package join

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/quiverdb/quiver/pkg/common/hashmap"
	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
	"github.com/quiverdb/quiver/pkg/plan"
	"github.com/quiverdb/quiver/pkg/sql/colexec"
	"github.com/quiverdb/quiver/pkg/vm"
	"github.com/quiverdb/quiver/pkg/vm/message"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

const opName = "join"

type Join struct {
	vm.OperatorBase

	JoinType  plan.JoinType
	ProbeKeys []int
	// BuildKeys index into the build schema, needed when a spilled build
	// partition is re-keyed during replay.
	BuildKeys []int
	Result    []plan.ResultPos

	// Attrs/Types describe the join output schema per Result.
	Attrs []string
	Types []vector.T
	// ProbeAttrs/ProbeTypes describe the probe input schema, needed to
	// stage probe rows bound for spilled partitions.
	ProbeAttrs []string
	ProbeTypes []vector.T

	NParts int
	Bridge *message.JoinBridge

	ctr container
}

type joinPhase int

const (
	phaseWaitBuild joinPhase = iota
	phaseProbe
	phaseWaitDrained
	phaseReplay
	phaseDone
)

type container struct {
	phase    joinPhase
	artifact *message.JoinArtifact
	released bool

	keyBuf  []byte
	staging map[int]*batch.Batch
	outs    []*batch.Batch

	inputDone bool
}

func NewArgument() *Join { return &Join{} }

func (join *Join) String(buf *bytes.Buffer) {
	buf.WriteString(fmt.Sprintf("%s(%s)", opName, join.JoinType))
}

func (join *Join) Prepare(_ *process.Process) error {
	ctr := &join.ctr
	if ctr.staging == nil {
		ctr.staging = make(map[int]*batch.Batch)
	}
	return nil
}

func (join *Join) NeedsInput() bool {
	ctr := &join.ctr
	return ctr.phase == phaseProbe && len(ctr.outs) == 0 && !ctr.inputDone
}

// IsBlocked gates two rendezvous points: build publication and probe
// drain. Both futures are resolved by bridge cancellation as well, so a
// blocked driver always wakes.
func (join *Join) IsBlocked() (bool, *process.Wait) {
	ctr := &join.ctr
	switch ctr.phase {
	case phaseWaitBuild:
		if join.Bridge.State() == message.Building {
			return true, join.Bridge.WaitReady()
		}
		ctr.artifact = join.Bridge.Artifact()
		ctr.phase = phaseProbe
	case phaseWaitDrained:
		if !join.Bridge.WaitDrained().Resolved() {
			return true, join.Bridge.WaitDrained()
		}
		ctr.phase = phaseReplay
	}
	return false, nil
}

func (join *Join) AddInput(proc *process.Process, bat *batch.Batch) error {
	ctr := &join.ctr
	if ctr.phase != phaseProbe {
		return verr.NewInvariantViolation("probe input in join phase %d", ctr.phase)
	}
	if ctr.artifact == nil {
		if join.Bridge.State() == message.Cancelled {
			return verr.NewTaskCancelled()
		}
		return verr.NewInvariantViolation("probe started before build published")
	}
	defer bat.Clean(proc.Mp())
	out := join.newOutput()
	for row := 0; row < bat.RowCount(); row++ {
		var hasNull bool
		ctr.keyBuf, hasNull = colexec.EncodeRowKey(bat, join.ProbeKeys, row, ctr.keyBuf[:0])
		if hasNull {
			if err := join.emitUnmatched(out, bat, row); err != nil {
				return err
			}
			continue
		}
		pid := int(xxhash.Sum64(ctr.keyBuf) % uint64(join.NParts))
		if ctr.artifact.BuildSpiller.Spilled(pid) {
			if err := join.stageSpilledProbe(proc, pid, bat, row); err != nil {
				return err
			}
			continue
		}
		if err := join.probeRow(out, ctr.artifact.Tables[pid], ctr.keyBuf, bat, row); err != nil {
			return err
		}
		if out.RowCount() >= batch.DefaultBatchSize {
			ctr.outs = append(ctr.outs, out)
			out = join.newOutput()
		}
	}
	if !out.IsEmpty() {
		ctr.outs = append(ctr.outs, out)
	}
	return nil
}

// probeRow resolves one probe row against a partition table (nil when the
// partition is empty) and appends the join output rows.
func (join *Join) probeRow(out *batch.Batch, table *hashmap.JoinTable, key []byte, bat *batch.Batch, row int) error {
	var refs []int32
	if table != nil {
		refs = table.Find(key)
	}
	switch join.JoinType {
	case plan.Inner:
		for _, ref := range refs {
			buildBat, buildRow := table.RowAt(ref)
			if err := join.emitMatched(out, bat, row, buildBat, buildRow); err != nil {
				return err
			}
		}
	case plan.Left:
		if len(refs) == 0 {
			return join.emitUnmatched(out, bat, row)
		}
		for _, ref := range refs {
			buildBat, buildRow := table.RowAt(ref)
			if err := join.emitMatched(out, bat, row, buildBat, buildRow); err != nil {
				return err
			}
		}
	case plan.Semi:
		if len(refs) > 0 {
			return join.emitProbeOnly(out, bat, row)
		}
	case plan.Anti:
		if len(refs) == 0 {
			return join.emitProbeOnly(out, bat, row)
		}
	}
	return nil
}

// emitUnmatched handles the no-match row for null-key and left/anti
// cases: inner and semi drop it, left pads the build columns with nulls,
// anti emits the probe columns.
func (join *Join) emitUnmatched(out *batch.Batch, bat *batch.Batch, row int) error {
	switch join.JoinType {
	case plan.Left:
		for i, rp := range join.Result {
			if rp.Rel == 0 {
				if err := out.Vecs[i].UnionOne(bat.Vecs[rp.Pos], row); err != nil {
					return err
				}
			} else {
				out.Vecs[i].UnionNull()
			}
		}
		out.AddRowCount(1)
	case plan.Anti:
		return join.emitProbeOnly(out, bat, row)
	}
	return nil
}

func (join *Join) emitProbeOnly(out *batch.Batch, bat *batch.Batch, row int) error {
	for i, rp := range join.Result {
		if rp.Rel != 0 {
			return verr.NewInvariantViolation("%s join output references the build side", join.JoinType)
		}
		if err := out.Vecs[i].UnionOne(bat.Vecs[rp.Pos], row); err != nil {
			return err
		}
	}
	out.AddRowCount(1)
	return nil
}

func (join *Join) emitMatched(out *batch.Batch, probeBat *batch.Batch, probeRow int, buildBat *batch.Batch, buildRow int) error {
	for i, rp := range join.Result {
		src, row := probeBat, probeRow
		if rp.Rel == 1 {
			src, row = buildBat, buildRow
		}
		if err := out.Vecs[i].UnionOne(src.Vecs[rp.Pos], row); err != nil {
			return err
		}
	}
	out.AddRowCount(1)
	return nil
}

func (join *Join) newOutput() *batch.Batch {
	return batch.New(join.Attrs, join.Types)
}

// stageSpilledProbe copies a probe row bound for a spilled partition into
// a staging chunk, flushing full chunks to the shared probe spiller.
func (join *Join) stageSpilledProbe(proc *process.Process, pid int, bat *batch.Batch, row int) error {
	ctr := &join.ctr
	cur := ctr.staging[pid]
	if cur == nil {
		cur = batch.New(join.ProbeAttrs, join.ProbeTypes)
		ctr.staging[pid] = cur
	}
	if err := cur.UnionRow(bat, row); err != nil {
		return err
	}
	if cur.RowCount() >= batch.DefaultBatchSize {
		if err := ctr.artifact.ProbeSpiller.Spill(pid, []*batch.Batch{cur}); err != nil {
			return err
		}
		cur.Clean(proc.Mp())
		delete(ctr.staging, pid)
	}
	return nil
}

func (join *Join) GetOutput(proc *process.Process) (*batch.Batch, error) {
	ctr := &join.ctr
	if len(ctr.outs) > 0 {
		bat := ctr.outs[0]
		ctr.outs = ctr.outs[1:]
		return bat, nil
	}
	switch ctr.phase {
	case phaseProbe:
		if ctr.inputDone {
			if err := join.finishProbe(proc); err != nil {
				return nil, err
			}
		}
		return nil, nil
	case phaseReplay:
		if err := join.replayOne(proc); err != nil {
			return nil, err
		}
		if len(ctr.outs) > 0 {
			bat := ctr.outs[0]
			ctr.outs = ctr.outs[1:]
			return bat, nil
		}
		return nil, nil
	default:
		return nil, nil
	}
}

// finishProbe flushes staged probe rows, signals the drain barrier and
// moves on to replay (or straight to done when nothing spilled).
func (join *Join) finishProbe(proc *process.Process) error {
	ctr := &join.ctr
	if ctr.artifact == nil {
		return verr.NewTaskCancelled()
	}
	for pid, cur := range ctr.staging {
		if !cur.IsEmpty() {
			if err := ctr.artifact.ProbeSpiller.Spill(pid, []*batch.Batch{cur}); err != nil {
				return err
			}
		}
		cur.Clean(proc.Mp())
		delete(ctr.staging, pid)
	}
	if err := join.Bridge.ArriveProbe(); err != nil {
		return err
	}
	if len(ctr.artifact.SpilledParts) == 0 {
		ctr.phase = phaseDone
		return nil
	}
	ctr.phase = phaseWaitDrained
	return nil
}

// replayOne claims one spilled partition, rebuilds its table from the
// build run and probes the partition's probe run against it. Partitions
// are claimed by exactly one driver; when none remain the join is done.
func (join *Join) replayOne(proc *process.Process) error {
	ctr := &join.ctr
	pid, ok := join.Bridge.ClaimSpilled()
	if !ok {
		ctr.phase = phaseDone
		return nil
	}
	table, err := join.restoreTable(proc, pid)
	if err != nil {
		return err
	}
	defer table.Free()

	if !ctr.artifact.ProbeSpiller.Spilled(pid) {
		return nil
	}
	reader, err := ctr.artifact.ProbeSpiller.Restore(pid)
	if err != nil {
		return err
	}
	defer reader.Close()
	out := join.newOutput()
	var key []byte
	for {
		bat, err := reader.Next()
		if err != nil {
			return err
		}
		if bat == nil {
			break
		}
		for row := 0; row < bat.RowCount(); row++ {
			// Staged rows never carry null keys, those resolved in-memory.
			key, _ = colexec.EncodeRowKey(bat, join.ProbeKeys, row, key[:0])
			if err := join.probeRow(out, table, key, bat, row); err != nil {
				return err
			}
			if out.RowCount() >= batch.DefaultBatchSize {
				ctr.outs = append(ctr.outs, out)
				out = join.newOutput()
			}
		}
	}
	if !out.IsEmpty() {
		ctr.outs = append(ctr.outs, out)
	}
	return nil
}

func (join *Join) restoreTable(proc *process.Process, pid int) (*hashmap.JoinTable, error) {
	ctr := &join.ctr
	reader, err := ctr.artifact.BuildSpiller.Restore(pid)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	table := hashmap.NewJoinTable(ctr.artifact.Attrs, ctr.artifact.Types, proc.Mp())
	var key []byte
	for {
		bat, err := reader.Next()
		if err != nil {
			table.Free()
			return nil, err
		}
		if bat == nil {
			break
		}
		for row := 0; row < bat.RowCount(); row++ {
			var hasNull bool
			key, hasNull = colexec.EncodeRowKey(bat, join.BuildKeys, row, key[:0])
			if hasNull {
				continue
			}
			if err := table.AddRow(key, bat, row); err != nil {
				table.Free()
				return nil, err
			}
		}
	}
	if err := table.Seal(); err != nil {
		table.Free()
		return nil, err
	}
	return table, nil
}

func (join *Join) IsFinished() bool { return join.ctr.phase == phaseDone && len(join.ctr.outs) == 0 }

func (join *Join) NoMoreInput(_ *process.Process) error {
	join.ctr.inputDone = true
	return nil
}

func (join *Join) Close(proc *process.Process, _ bool, _ error) {
	ctr := &join.ctr
	for pid, cur := range ctr.staging {
		cur.Clean(proc.Mp())
		delete(ctr.staging, pid)
	}
	for _, bat := range ctr.outs {
		bat.Clean(proc.Mp())
	}
	ctr.outs = nil
	if !ctr.released {
		ctr.released = true
		join.Bridge.Release()
	}
	ctr.phase = phaseDone
}

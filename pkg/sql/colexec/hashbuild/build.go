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

// Package hashbuild is the sink of a join's build pipeline. Each build
// driver partitions its input by join-key hash, retaining batches against
// the memory pool and spilling whole partitions when the pool runs dry.
// The last driver to finish merges every partial into partition hash
// tables and publishes the artifact through the join bridge.
package hashbuild

import (
	"bytes"

	"github.com/axiomhq/hyperloglog"
	"github.com/cespare/xxhash/v2"

	"github.com/quiverdb/quiver/pkg/common/hashmap"
	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
	"github.com/quiverdb/quiver/pkg/logutil"
	"github.com/quiverdb/quiver/pkg/sql/colexec"
	"github.com/quiverdb/quiver/pkg/spill"
	"github.com/quiverdb/quiver/pkg/vm"
	"github.com/quiverdb/quiver/pkg/vm/message"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

const opName = "hash_build"

type HashBuild struct {
	vm.OperatorBase

	BuildKeys []int
	Attrs     []string
	Types     []vector.T

	// NParts is the spill partition fanout, fixed for the task.
	NParts int

	Bridge       *message.JoinBridge
	BuildSpiller *spill.Spiller
	ProbeSpiller *spill.Spiller

	ctr container
}

type container struct {
	parts  []partitionAcc
	sketch *hyperloglog.Sketch
	keyBuf []byte

	arrived bool
	done    bool
}

// partitionAcc accumulates one partition's build rows. Once spilled, rows
// stream to disk through a single unreserved staging chunk.
type partitionAcc struct {
	bats    []*batch.Batch
	spilled bool
}

func NewArgument() *HashBuild { return &HashBuild{} }

func (hashBuild *HashBuild) String(buf *bytes.Buffer) {
	buf.WriteString(opName)
}

func (hashBuild *HashBuild) Prepare(_ *process.Process) error {
	ctr := &hashBuild.ctr
	if ctr.parts != nil {
		return nil
	}
	if hashBuild.NParts < 2 {
		return verr.NewInvariantViolation("hash build with %d partitions", hashBuild.NParts)
	}
	ctr.parts = make([]partitionAcc, hashBuild.NParts)
	ctr.sketch = hyperloglog.New14()
	return nil
}

func (hashBuild *HashBuild) NeedsInput() bool { return !hashBuild.ctr.arrived }

func (hashBuild *HashBuild) AddInput(proc *process.Process, bat *batch.Batch) error {
	ctr := &hashBuild.ctr
	defer bat.Clean(proc.Mp())
	for row := 0; row < bat.RowCount(); row++ {
		var hasNull bool
		ctr.keyBuf, hasNull = colexec.EncodeRowKey(bat, hashBuild.BuildKeys, row, ctr.keyBuf[:0])
		if hasNull {
			// Null keys never match any probe row, build side drops them.
			continue
		}
		ctr.sketch.Insert(ctr.keyBuf)
		pid := int(xxhash.Sum64(ctr.keyBuf) % uint64(hashBuild.NParts))
		if err := hashBuild.appendRow(proc, pid, bat, row); err != nil {
			return err
		}
	}
	return nil
}

func (hashBuild *HashBuild) appendRow(proc *process.Process, pid int, src *batch.Batch, row int) error {
	ctr := &hashBuild.ctr
	p := &ctr.parts[pid]
	cur := p.current()
	if cur == nil || cur.RowCount() >= batch.DefaultBatchSize {
		if cur != nil && !p.spilled {
			// Chunks are charged to the pool as they fill; a failed
			// reservation tips the whole partition onto disk.
			if err := cur.Retain(proc.Mp()); err != nil {
				if !verr.IsResourceExhausted(err) {
					return err
				}
				if err := hashBuild.spillPartition(proc, pid); err != nil {
					return err
				}
			}
		}
		if cur != nil && p.spilled && cur.RowCount() >= batch.DefaultBatchSize {
			if err := hashBuild.flushSpilled(proc, pid); err != nil {
				return err
			}
		}
		cur = batch.New(hashBuild.Attrs, hashBuild.Types)
		p.bats = append(p.bats, cur)
	}
	return cur.UnionRow(src, row)
}

func (p *partitionAcc) current() *batch.Batch {
	if len(p.bats) == 0 {
		return nil
	}
	return p.bats[len(p.bats)-1]
}

// spillPartition moves every accumulated chunk of pid to disk and releases
// its reservations. Later rows for pid stream through flushSpilled.
func (hashBuild *HashBuild) spillPartition(proc *process.Process, pid int) error {
	p := &hashBuild.ctr.parts[pid]
	if err := hashBuild.BuildSpiller.Spill(pid, p.bats); err != nil {
		return err
	}
	for _, bat := range p.bats {
		bat.Clean(proc.Mp())
	}
	p.bats = nil
	p.spilled = true
	logutil.Infof("hash build %d: partition %d spilled under memory pressure",
		hashBuild.ParallelID, pid)
	return nil
}

func (hashBuild *HashBuild) flushSpilled(proc *process.Process, pid int) error {
	p := &hashBuild.ctr.parts[pid]
	if err := hashBuild.BuildSpiller.Spill(pid, p.bats); err != nil {
		return err
	}
	for _, bat := range p.bats {
		bat.Clean(proc.Mp())
	}
	p.bats = nil
	return nil
}

func (hashBuild *HashBuild) GetOutput(_ *process.Process) (*batch.Batch, error) {
	return nil, nil
}

func (hashBuild *HashBuild) IsBlocked() (bool, *process.Wait) { return false, nil }

func (hashBuild *HashBuild) IsFinished() bool { return hashBuild.ctr.done }

// NoMoreInput hands the partial to the bridge. The last arriver merges all
// partials and publishes; everyone else is immediately finished.
func (hashBuild *HashBuild) NoMoreInput(proc *process.Process) error {
	ctr := &hashBuild.ctr
	if ctr.arrived {
		return nil
	}
	partial := &message.BuildPartial{
		Parts:  make(map[int][]*batch.Batch, hashBuild.NParts),
		Sketch: ctr.sketch,
	}
	for pid := range ctr.parts {
		p := &ctr.parts[pid]
		if p.spilled {
			if len(p.bats) > 0 {
				if err := hashBuild.flushSpilled(proc, pid); err != nil {
					return err
				}
			}
			continue
		}
		if cur := p.current(); cur != nil && !cur.IsEmpty() {
			if err := cur.Retain(proc.Mp()); err != nil {
				if !verr.IsResourceExhausted(err) {
					return err
				}
				if err := hashBuild.spillPartition(proc, pid); err != nil {
					return err
				}
				continue
			}
		}
		partial.Parts[pid] = p.bats
		p.bats = nil
	}
	ctr.parts = nil
	ctr.arrived = true
	ctr.done = true

	last, all, err := hashBuild.Bridge.Arrive(partial)
	if err != nil {
		return err
	}
	if !last {
		return nil
	}
	return hashBuild.merge(proc, all)
}

// merge folds every driver's partial into per-partition join tables and
// publishes the artifact. A partition any driver spilled stays on disk;
// in-memory remnants of it are flushed out to join it there. A partition
// whose table cannot be built within budget is demoted to disk as well.
func (hashBuild *HashBuild) merge(proc *process.Process, partials []*message.BuildPartial) error {
	sketch := hyperloglog.New14()
	for _, partial := range partials {
		if partial.Sketch != nil {
			if err := sketch.Merge(partial.Sketch); err != nil {
				return verr.NewInvariantViolation("merge ndv sketches: %v", err)
			}
		}
	}
	ndv := sketch.Estimate()
	proc.Stats().BuildNDV.Store(ndv)

	byPart := make(map[int][]*batch.Batch)
	for _, partial := range partials {
		for pid, bats := range partial.Parts {
			byPart[pid] = append(byPart[pid], bats...)
		}
	}

	artifact := &message.JoinArtifact{
		Tables:       make(map[int]*hashmap.JoinTable),
		BuildSpiller: hashBuild.BuildSpiller,
		ProbeSpiller: hashBuild.ProbeSpiller,
		Attrs:        hashBuild.Attrs,
		Types:        hashBuild.Types,
	}
	for pid := 0; pid < hashBuild.NParts; pid++ {
		bats := byPart[pid]
		if hashBuild.BuildSpiller.Spilled(pid) {
			if len(bats) > 0 {
				if err := hashBuild.BuildSpiller.Spill(pid, bats); err != nil {
					return err
				}
				cleanAll(proc, bats)
			}
			artifact.SpilledParts = append(artifact.SpilledParts, pid)
			continue
		}
		if len(bats) == 0 {
			continue
		}
		table, err := hashBuild.buildTable(proc, bats)
		if err != nil {
			if !verr.IsResourceExhausted(err) {
				return err
			}
			if err := hashBuild.BuildSpiller.Spill(pid, bats); err != nil {
				return err
			}
			cleanAll(proc, bats)
			artifact.SpilledParts = append(artifact.SpilledParts, pid)
			logutil.Infof("hash build: partition %d demoted to disk at merge", pid)
			continue
		}
		cleanAll(proc, bats)
		artifact.Tables[pid] = table
		artifact.RowCount += table.RowCount()
	}
	logutil.Infof("hash build published: %d in-memory partitions, %d spilled, ndv estimate %d",
		len(artifact.Tables), len(artifact.SpilledParts), ndv)
	return hashBuild.Bridge.Publish(artifact)
}

func (hashBuild *HashBuild) buildTable(proc *process.Process, bats []*batch.Batch) (*hashmap.JoinTable, error) {
	table := hashmap.NewJoinTable(hashBuild.Attrs, hashBuild.Types, proc.Mp())
	var key []byte
	for _, bat := range bats {
		for row := 0; row < bat.RowCount(); row++ {
			var hasNull bool
			key, hasNull = colexec.EncodeRowKey(bat, hashBuild.BuildKeys, row, key[:0])
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

func cleanAll(proc *process.Process, bats []*batch.Batch) {
	for _, bat := range bats {
		bat.Clean(proc.Mp())
	}
}

// Close releases partial state still owned by the operator. State already
// transferred to the bridge is the bridge's to free.
func (hashBuild *HashBuild) Close(proc *process.Process, _ bool, _ error) {
	ctr := &hashBuild.ctr
	for pid := range ctr.parts {
		for _, bat := range ctr.parts[pid].bats {
			bat.Clean(proc.Mp())
		}
		ctr.parts[pid].bats = nil
	}
	ctr.parts = nil
	ctr.done = true
}

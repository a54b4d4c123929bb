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

// Package message holds the cross-pipeline rendezvous structures. The
// join bridge carries a completed build side from the build drivers to
// the probe drivers; ownership of partial state transfers into the bridge
// at NoMoreInput and the merged artifact is immutably shared afterwards.
package message

import (
	"sync"

	"github.com/axiomhq/hyperloglog"

	"github.com/quiverdb/quiver/pkg/common/hashmap"
	"github.com/quiverdb/quiver/pkg/common/mpool"
	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
	"github.com/quiverdb/quiver/pkg/spill"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

type BridgeState int32

const (
	Building BridgeState = iota
	Ready
	Cancelled
)

// BuildPartial is one build driver's accumulated input, partitioned by
// join-key hash. Partitions already spilled by the driver hold no batches.
type BuildPartial struct {
	// Parts maps partition id to retained input batches.
	Parts map[int][]*batch.Batch
	// Sketch estimates the driver's distinct join keys; the publisher
	// merges the sketches into the task's build NDV stat.
	Sketch *hyperloglog.Sketch
}

// JoinArtifact is the immutable build-side state probe drivers share once
// the bridge is Ready.
type JoinArtifact struct {
	// Tables holds the in-memory partitions.
	Tables map[int]*hashmap.JoinTable
	// SpilledParts lists partitions whose build rows live on disk.
	SpilledParts []int
	// BuildSpiller / ProbeSpiller are task-owned; the probe side appends
	// unresolved probe rows to ProbeSpiller and replays both after the
	// in-memory probe completes.
	BuildSpiller *spill.Spiller
	ProbeSpiller *spill.Spiller

	Attrs []string
	Types []vector.T

	RowCount int64
}

// JoinBridge coordinates one build/probe pair. Build drivers register
// partials; whichever finishes last merges and publishes. Probe drivers
// block on WaitReady until the Building -> Ready transition, which
// happens exactly once.
type JoinBridge struct {
	mu       sync.Mutex
	state    BridgeState
	ready    *process.Wait
	expected int
	arrived  int
	partials []*BuildPartial
	artifact *JoinArtifact

	probeRefs int
	claims    map[int]bool
	onRelease func(*JoinArtifact)

	// drained resolves once every probe driver has finished its in-memory
	// pass, so spilled-partition replay never races appends to the shared
	// probe spiller.
	drained      *process.Wait
	probeWant    int
	probeArrived int
}

// NewJoinBridge creates a bridge expecting nBuilders build drivers and
// holding the artifact alive until nProbers probe drivers release it.
func NewJoinBridge(nBuilders, nProbers int) *JoinBridge {
	return &JoinBridge{
		ready:     process.NewWait(),
		expected:  nBuilders,
		probeRefs: nProbers,
		claims:    make(map[int]bool),
		drained:   process.NewWait(),
		probeWant: nProbers,
	}
}

// ArriveProbe marks one probe driver's in-memory pass complete. The
// drained future resolves once every probe driver has arrived.
func (b *JoinBridge) ArriveProbe() error {
	b.mu.Lock()
	b.probeArrived++
	arrived, want := b.probeArrived, b.probeWant
	b.mu.Unlock()
	if arrived > want {
		return verr.NewInvariantViolation(
			"%d probe drivers drained, expected %d", arrived, want)
	}
	if arrived == want {
		b.drained.Resolve()
	}
	return nil
}

// WaitDrained returns the future the probe side blocks on between its
// in-memory pass and spilled-partition replay.
func (b *JoinBridge) WaitDrained() *process.Wait { return b.drained }

// Arrive transfers one driver's partial into the bridge. The last caller
// gets every partial back and must follow up with Publish.
func (b *JoinBridge) Arrive(partial *BuildPartial) (last bool, all []*BuildPartial, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Building {
		return false, nil, verr.NewInvariantViolation("build arrival on a %v bridge", b.state)
	}
	b.partials = append(b.partials, partial)
	b.arrived++
	if b.arrived > b.expected {
		return false, nil, verr.NewInvariantViolation(
			"%d build drivers arrived, expected %d", b.arrived, b.expected)
	}
	if b.arrived == b.expected {
		return true, b.partials, nil
	}
	return false, nil, nil
}

// Publish installs the merged artifact and releases all waiters. Called
// exactly once, by the build driver that finished last.
func (b *JoinBridge) Publish(artifact *JoinArtifact) error {
	b.mu.Lock()
	if b.state == Cancelled {
		b.mu.Unlock()
		return verr.NewTaskCancelled()
	}
	if b.state != Building {
		b.mu.Unlock()
		return verr.NewInvariantViolation("bridge published twice")
	}
	b.artifact = artifact
	b.state = Ready
	b.partials = nil
	b.mu.Unlock()
	b.ready.Resolve()
	return nil
}

// WaitReady returns the future probe operators report from IsBlocked
// while the bridge is Building.
func (b *JoinBridge) WaitReady() *process.Wait { return b.ready }

func (b *JoinBridge) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Artifact returns the published build side, or nil when the bridge was
// cancelled before publication.
func (b *JoinBridge) Artifact() *JoinArtifact {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.artifact
}

// ClaimSpilled hands out one spilled partition for replay. Each partition
// is claimed by exactly one probe driver, which restores the build rows,
// rebuilds the partition table and probes the shared probe spill against
// it.
func (b *JoinBridge) ClaimSpilled() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.artifact == nil {
		return 0, false
	}
	for _, pid := range b.artifact.SpilledParts {
		if !b.claims[pid] {
			b.claims[pid] = true
			return pid, true
		}
	}
	return 0, false
}

// SetOnRelease installs the artifact disposer run when the last probe
// driver closes.
func (b *JoinBridge) SetOnRelease(fn func(*JoinArtifact)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRelease = fn
}

// Release drops one probe driver's reference. The artifact is freed when
// the last reference goes away.
func (b *JoinBridge) Release() {
	b.mu.Lock()
	b.probeRefs--
	done := b.probeRefs == 0 && b.artifact != nil
	artifact := b.artifact
	fn := b.onRelease
	if done {
		b.artifact = nil
	}
	b.mu.Unlock()
	if done && fn != nil {
		fn(artifact)
	}
}

// Cancel aborts the rendezvous and wakes every waiter so blocked probe
// drivers can observe cancellation instead of hanging. Partials already
// transferred in are released against mp.
func (b *JoinBridge) Cancel(mp *mpool.MPool) {
	b.mu.Lock()
	if b.state == Ready {
		b.mu.Unlock()
		return
	}
	b.state = Cancelled
	partials := b.partials
	b.partials = nil
	b.mu.Unlock()
	for _, partial := range partials {
		for _, bats := range partial.Parts {
			for _, bat := range bats {
				bat.Clean(mp)
			}
		}
	}
	b.ready.Resolve()
	b.drained.Resolve()
}

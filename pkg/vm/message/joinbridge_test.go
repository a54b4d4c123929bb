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

package message

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/common/mpool"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
)

func TestBridgeArrivePublish(t *testing.T) {
	b := NewJoinBridge(2, 1)
	require.Equal(t, Building, b.State())
	require.False(t, b.WaitReady().Resolved())

	last, all, err := b.Arrive(&BuildPartial{})
	require.NoError(t, err)
	require.False(t, last)
	require.Nil(t, all)

	last, all, err = b.Arrive(&BuildPartial{})
	require.NoError(t, err)
	require.True(t, last)
	require.Len(t, all, 2)

	require.NoError(t, b.Publish(&JoinArtifact{RowCount: 7}))
	require.Equal(t, Ready, b.State())
	require.True(t, b.WaitReady().Resolved())
	require.Equal(t, int64(7), b.Artifact().RowCount)

	// Publishing twice breaks the rendezvous contract.
	require.Error(t, b.Publish(&JoinArtifact{}))
	// So does a late arrival.
	_, _, err = b.Arrive(&BuildPartial{})
	require.Error(t, err)
}

func TestBridgeExtraArrival(t *testing.T) {
	b := NewJoinBridge(1, 1)
	_, _, err := b.Arrive(&BuildPartial{})
	require.NoError(t, err)
	require.NoError(t, b.Publish(&JoinArtifact{}))
	_, _, err = b.Arrive(&BuildPartial{})
	require.Error(t, err)
}

func TestBridgeClaimSpilled(t *testing.T) {
	b := NewJoinBridge(1, 2)
	_, _, err := b.Arrive(&BuildPartial{})
	require.NoError(t, err)
	require.NoError(t, b.Publish(&JoinArtifact{SpilledParts: []int{3, 5}}))

	seen := map[int]bool{}
	for {
		pid, ok := b.ClaimSpilled()
		if !ok {
			break
		}
		require.False(t, seen[pid], "partition %d claimed twice", pid)
		seen[pid] = true
	}
	require.Len(t, seen, 2)
	require.True(t, seen[3])
	require.True(t, seen[5])
}

func TestBridgeRelease(t *testing.T) {
	b := NewJoinBridge(1, 2)
	_, _, err := b.Arrive(&BuildPartial{})
	require.NoError(t, err)
	require.NoError(t, b.Publish(&JoinArtifact{}))

	freed := false
	b.SetOnRelease(func(*JoinArtifact) { freed = true })
	b.Release()
	require.False(t, freed)
	b.Release()
	require.True(t, freed)
}

func TestBridgeCancelWakesWaitersAndFreesPartials(t *testing.T) {
	mp := mpool.New("test", mpool.NoLimit)
	b := NewJoinBridge(2, 1)

	bat := batch.New([]string{"v"}, []vector.T{vector.TInt64})
	bat.Vecs[0].AppendInt64(1)
	bat.SetRowCount(1)
	require.NoError(t, bat.Retain(mp))

	_, _, err := b.Arrive(&BuildPartial{Parts: map[int][]*batch.Batch{0: {bat}}})
	require.NoError(t, err)

	b.Cancel(mp)
	require.Equal(t, Cancelled, b.State())
	require.True(t, b.WaitReady().Resolved())
	require.True(t, b.WaitDrained().Resolved())
	require.Equal(t, int64(0), mp.CurrNB())
	require.Nil(t, b.Artifact())

	require.Error(t, b.Publish(&JoinArtifact{}))
}

func TestBridgeCancelAfterReadyIsNoop(t *testing.T) {
	b := NewJoinBridge(1, 1)
	_, _, err := b.Arrive(&BuildPartial{})
	require.NoError(t, err)
	require.NoError(t, b.Publish(&JoinArtifact{RowCount: 1}))
	b.Cancel(nil)
	require.Equal(t, Ready, b.State())
	require.NotNil(t, b.Artifact())
}

func TestBridgeProbeDrain(t *testing.T) {
	b := NewJoinBridge(1, 2)
	require.False(t, b.WaitDrained().Resolved())
	require.NoError(t, b.ArriveProbe())
	require.False(t, b.WaitDrained().Resolved())
	require.NoError(t, b.ArriveProbe())
	require.True(t, b.WaitDrained().Resolved())
	require.Error(t, b.ArriveProbe())
}

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

package exchange

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/container/vector"
)

func intBatch(vals ...int64) *batch.Batch {
	bat := batch.New([]string{"v"}, []vector.T{vector.TInt64})
	for _, v := range vals {
		bat.Vecs[0].AppendInt64(v)
	}
	bat.SetRowCount(len(vals))
	return bat
}

func TestFetchIsIdempotentUntilAck(t *testing.T) {
	buf := NewOutputBuffer(1, 1<<20)
	require.NoError(t, buf.Enqueue(0, intBatch(1)))
	require.NoError(t, buf.Enqueue(0, intBatch(2)))

	bats, lastSeq, done, _, err := buf.Fetch(0, 0)
	require.NoError(t, err)
	require.False(t, done)
	require.Len(t, bats, 2)
	require.Equal(t, int64(2), lastSeq)

	// Same cursor, same answer: the consumer lost the response.
	bats2, lastSeq2, _, _, err := buf.Fetch(0, 0)
	require.NoError(t, err)
	require.Len(t, bats2, 2)
	require.Equal(t, lastSeq, lastSeq2)

	// After ack the pages are gone for good.
	require.NoError(t, buf.Ack(0, 2))
	bats3, _, _, wait, err := buf.Fetch(0, 2)
	require.NoError(t, err)
	require.Empty(t, bats3)
	require.NotNil(t, wait)

	// Duplicate ack is harmless.
	require.NoError(t, buf.Ack(0, 2))
}

func TestFetchDoneAfterSeal(t *testing.T) {
	buf := NewOutputBuffer(1, 1<<20)
	require.NoError(t, buf.Enqueue(0, intBatch(1)))
	buf.SetNoMoreData()

	bats, lastSeq, done, _, err := buf.Fetch(0, 0)
	require.NoError(t, err)
	require.False(t, done)
	require.Len(t, bats, 1)

	_, _, done, wait, err := buf.Fetch(0, lastSeq)
	require.NoError(t, err)
	require.True(t, done)
	require.Nil(t, wait)

	require.Error(t, buf.Enqueue(0, intBatch(9)))
}

func TestProducerRefcount(t *testing.T) {
	buf := NewOutputBuffer(1, 1<<20)
	buf.SetProducers(2)
	buf.SetNoMoreData()
	_, _, done, _, err := buf.Fetch(0, 0)
	require.NoError(t, err)
	require.False(t, done)
	buf.SetNoMoreData()
	_, _, done, _, err = buf.Fetch(0, 0)
	require.NoError(t, err)
	require.True(t, done)
}

func TestWatermarkBackpressure(t *testing.T) {
	buf := NewOutputBuffer(1, 16)
	full, _ := buf.Full()
	require.False(t, full)

	require.NoError(t, buf.Enqueue(0, intBatch(1, 2, 3)))
	full, wait := buf.Full()
	require.True(t, full)
	require.NotNil(t, wait)
	require.False(t, wait.Resolved())

	_, lastSeq, _, _, err := buf.Fetch(0, 0)
	require.NoError(t, err)
	require.NoError(t, buf.Ack(0, lastSeq))
	require.True(t, wait.Resolved())
	full, _ = buf.Full()
	require.False(t, full)
}

func TestDataWaitResolvesOnEnqueue(t *testing.T) {
	buf := NewOutputBuffer(1, 1<<20)
	_, _, _, wait, err := buf.Fetch(0, 0)
	require.NoError(t, err)
	require.NotNil(t, wait)
	require.False(t, wait.Resolved())

	require.NoError(t, buf.Enqueue(0, intBatch(1)))
	require.True(t, wait.Resolved())
}

func TestClientDrainsUpstreams(t *testing.T) {
	mgr := NewOutputBufferManager()
	fetch, ack := InProcessTransport(mgr)

	for i, id := range []string{"up-a", "up-b"} {
		buf := NewOutputBuffer(1, 1<<20)
		require.NoError(t, mgr.Register(id, buf))
		require.NoError(t, buf.Enqueue(0, intBatch(int64(i*10+1))))
		require.NoError(t, buf.Enqueue(0, intBatch(int64(i*10+2))))
		buf.SetNoMoreData()
	}

	c := NewClient([]string{"up-a", "up-b"}, 0, fetch, ack, 3)
	var got []int64
	for {
		bat, wait, err := c.Poll()
		require.NoError(t, err)
		require.Nil(t, wait)
		if bat == nil {
			break
		}
		got = append(got, bat.Vecs[0].Int64s()...)
	}
	require.True(t, c.Finished())
	require.ElementsMatch(t, []int64{1, 2, 11, 12}, got)
}

func TestClientRetriesTransient(t *testing.T) {
	calls := 0
	fetch := func(taskID string, dest int, afterSeq int64) (FetchResult, error) {
		calls++
		if calls < 3 {
			return FetchResult{}, verr.NewTransientIOError(nil, "flaky")
		}
		return FetchResult{Batches: []*batch.Batch{intBatch(42)}, LastSeq: 1}, nil
	}
	ack := func(string, int, int64) error { return nil }

	c := NewClient([]string{"up"}, 0, fetch, ack, 5)
	bat, _, err := c.Poll()
	require.NoError(t, err)
	require.NotNil(t, bat)
	require.Equal(t, int64(42), bat.Vecs[0].Int64s()[0])
	require.Equal(t, 3, calls)
}

func TestClientGivesUpAfterRetries(t *testing.T) {
	fetch := func(string, int, int64) (FetchResult, error) {
		return FetchResult{}, verr.NewTransientIOError(nil, "down")
	}
	ack := func(string, int, int64) error { return nil }

	c := NewClient([]string{"up"}, 0, fetch, ack, 2)
	_, _, err := c.Poll()
	require.Error(t, err)
	require.True(t, verr.IsIOError(err))
	require.False(t, verr.IsTransient(err))
}

func TestClientStopsOnFatalError(t *testing.T) {
	fetch := func(string, int, int64) (FetchResult, error) {
		return FetchResult{}, verr.NewDataError("corrupt page")
	}
	ack := func(string, int, int64) error { return nil }
	c := NewClient([]string{"up"}, 0, fetch, ack, 5)
	_, _, err := c.Poll()
	require.Error(t, err)
	require.True(t, verr.IsDataError(err))
}

func TestDestroyWakesEverything(t *testing.T) {
	buf := NewOutputBuffer(1, 4)
	require.NoError(t, buf.Enqueue(0, intBatch(1, 2, 3)))
	_, space := buf.Full()
	require.NotNil(t, space)
	_, _, _, data, err := buf.Fetch(0, 99)
	require.NoError(t, err)
	require.NotNil(t, data)

	buf.Destroy()
	require.True(t, space.Resolved())
	require.True(t, data.Resolved())
	_, _, _, _, err = buf.Fetch(0, 0)
	require.True(t, verr.IsTaskCancelled(err))
	buf.Destroy()
}

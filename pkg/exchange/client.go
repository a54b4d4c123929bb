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
	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/logutil"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

// FetchResult is one fetch's answer. Wait is non-nil exactly when the
// stream has no pages yet and is not done.
type FetchResult struct {
	Batches []*batch.Batch
	LastSeq int64
	Done    bool
	Wait    *process.Wait
}

// FetchFunc and AckFunc abstract the transport. The in-process transport
// resolves task ids against an OutputBufferManager; a networked one would
// carry the same calls over a wire.
type (
	FetchFunc func(taskID string, dest int, afterSeq int64) (FetchResult, error)
	AckFunc   func(taskID string, dest int, seq int64) error
)

type upstreamState struct {
	taskID   string
	afterSeq int64
	done     bool
}

// Client pulls one destination partition's pages from a set of upstream
// tasks, interleaving upstreams round-robin. Cursors advance only after a
// fetch response is in hand, and every consumed page is acknowledged, so
// pages are neither lost nor delivered twice across fetch retries.
type Client struct {
	dest      int
	fetch     FetchFunc
	ack       AckFunc
	retries   int
	upstreams []*upstreamState
	pending   []*batch.Batch
	rr        int
}

func NewClient(upstreamTasks []string, dest int, fetch FetchFunc, ack AckFunc, retries int) *Client {
	ups := make([]*upstreamState, len(upstreamTasks))
	for i, id := range upstreamTasks {
		ups[i] = &upstreamState{taskID: id}
	}
	return &Client{
		dest:      dest,
		fetch:     fetch,
		ack:       ack,
		retries:   retries,
		upstreams: ups,
	}
}

// Poll returns the next available batch. With no batch available it
// returns a wait future resolving when one of the upstreams has more, or
// (nil, nil, nil) once every upstream is done.
func (c *Client) Poll() (*batch.Batch, *process.Wait, error) {
	if len(c.pending) > 0 {
		bat := c.pending[0]
		c.pending = c.pending[1:]
		return bat, nil, nil
	}
	var waits []*process.Wait
	for range c.upstreams {
		up := c.upstreams[c.rr%len(c.upstreams)]
		c.rr++
		if up.done {
			continue
		}
		res, err := c.fetchWithRetry(up)
		if err != nil {
			return nil, nil, err
		}
		if res.Done {
			up.done = true
			continue
		}
		if len(res.Batches) > 0 {
			up.afterSeq = res.LastSeq
			if err := c.ack(up.taskID, c.dest, res.LastSeq); err != nil {
				return nil, nil, err
			}
			c.pending = append(c.pending, res.Batches[1:]...)
			return res.Batches[0], nil, nil
		}
		if res.Wait != nil {
			waits = append(waits, res.Wait)
		}
	}
	if len(waits) == 0 {
		return nil, nil, nil
	}
	return nil, anyOf(waits), nil
}

// fetchWithRetry retries transient fetch failures with the same cursor;
// the idempotent producer side makes the retry safe.
func (c *Client) fetchWithRetry(up *upstreamState) (FetchResult, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		res, err := c.fetch(up.taskID, c.dest, up.afterSeq)
		if err == nil {
			return res, nil
		}
		if !verr.IsTransient(err) {
			return FetchResult{}, err
		}
		lastErr = err
		logutil.Warnf("exchange fetch from %s retried (%d/%d): %v",
			up.taskID, attempt+1, c.retries, err)
	}
	return FetchResult{}, verr.NewIOError(lastErr, "exchange fetch from %s exhausted %d retries",
		up.taskID, c.retries)
}

// Finished reports whether every upstream stream has ended and all fetched
// batches were handed out.
func (c *Client) Finished() bool {
	if len(c.pending) > 0 {
		return false
	}
	for _, up := range c.upstreams {
		if !up.done {
			return false
		}
	}
	return true
}

// anyOf folds several futures into one resolving as soon as any does.
func anyOf(waits []*process.Wait) *process.Wait {
	if len(waits) == 1 {
		return waits[0]
	}
	w := process.NewWait()
	for _, uw := range waits {
		uw.OnResolve(w.Resolve)
	}
	return w
}

// InProcessTransport binds Fetch and Ack to a local buffer manager.
func InProcessTransport(m *OutputBufferManager) (FetchFunc, AckFunc) {
	fetch := func(taskID string, dest int, afterSeq int64) (FetchResult, error) {
		buf, ok := m.Get(taskID)
		if !ok {
			// The producer may not have registered yet; transient so the
			// consumer retries instead of failing the task.
			return FetchResult{}, verr.NewTransientIOError(nil, "no output buffer for task %s", taskID)
		}
		bats, lastSeq, done, wait, err := buf.Fetch(dest, afterSeq)
		if err != nil {
			return FetchResult{}, err
		}
		return FetchResult{Batches: bats, LastSeq: lastSeq, Done: done, Wait: wait}, nil
	}
	ack := func(taskID string, dest int, seq int64) error {
		buf, ok := m.Get(taskID)
		if !ok {
			return nil
		}
		return buf.Ack(dest, seq)
	}
	return fetch, ack
}

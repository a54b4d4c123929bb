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

// Package exchange moves batches between tasks. A producing task enqueues
// into its OutputBuffer, which retains pages until the consumer
// acknowledges them; consumers fetch by sequence number, so a repeated
// fetch after a lost response returns the same pages again.
package exchange

import (
	"sync"

	"github.com/google/btree"

	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

// page is one enqueued batch with its per-destination sequence number.
// Sequence numbers start at 1 and have no gaps.
type page struct {
	seq int64
	bat *batch.Batch
}

func pageLess(a, b *page) bool { return a.seq < b.seq }

type destBuffer struct {
	pages   *btree.BTreeG[*page]
	nextSeq int64
	// dataWait resolves when a page arrives or the buffer finishes.
	dataWait *process.Wait
}

// OutputBuffer is one task's outgoing edge, fanned out over a fixed set
// of destination partitions. Bytes across all destinations count against
// a single watermark; producers block via the wait future returned from
// Full until acknowledgements drain the buffer.
type OutputBuffer struct {
	mu        sync.Mutex
	dests     []*destBuffer
	bytes     int64
	watermark int64
	producers int
	noMore    bool
	destroyed bool
	// spaceWait resolves when the buffer drops back under the watermark.
	spaceWait *process.Wait
}

func NewOutputBuffer(destinations int, watermark int64) *OutputBuffer {
	buf := &OutputBuffer{
		dests:     make([]*destBuffer, destinations),
		watermark: watermark,
		producers: 1,
	}
	for i := range buf.dests {
		buf.dests[i] = &destBuffer{pages: btree.NewG(8, pageLess)}
	}
	return buf
}

// Full reports whether producers must pause, with the future that resolves
// once space frees up.
func (buf *OutputBuffer) Full() (bool, *process.Wait) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.bytes < buf.watermark {
		return false, nil
	}
	if buf.spaceWait == nil || buf.spaceWait.Resolved() {
		buf.spaceWait = process.NewWait()
	}
	return true, buf.spaceWait
}

// Enqueue appends bat to the destination's page stream. Callers check Full
// first; Enqueue itself never blocks or fails on watermark, since a
// producer that already built a batch has nowhere else to put it.
func (buf *OutputBuffer) Enqueue(dest int, bat *batch.Batch) error {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.destroyed {
		return verr.NewTaskCancelled()
	}
	if buf.noMore {
		return verr.NewInvariantViolation("enqueue after no-more-data")
	}
	if dest < 0 || dest >= len(buf.dests) {
		return verr.NewInvariantViolation("enqueue to destination %d of %d", dest, len(buf.dests))
	}
	d := buf.dests[dest]
	d.nextSeq++
	d.pages.ReplaceOrInsert(&page{seq: d.nextSeq, bat: bat})
	buf.bytes += bat.Size()
	if d.dataWait != nil {
		d.dataWait.Resolve()
		d.dataWait = nil
	}
	return nil
}

// SetProducers declares how many producing drivers feed the buffer. Each
// calls SetNoMoreData once; the stream seals when the last one does.
func (buf *OutputBuffer) SetProducers(n int) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.producers = n
}

// SetNoMoreData drops one producer reference and seals every destination
// stream once none remain. Sealed fetches past the last sequence report
// done instead of waiting.
func (buf *OutputBuffer) SetNoMoreData() {
	buf.mu.Lock()
	buf.producers--
	if buf.producers > 0 {
		buf.mu.Unlock()
		return
	}
	buf.noMore = true
	waits := make([]*process.Wait, 0, len(buf.dests))
	for _, d := range buf.dests {
		if d.dataWait != nil {
			waits = append(waits, d.dataWait)
			d.dataWait = nil
		}
	}
	buf.mu.Unlock()
	for _, w := range waits {
		w.Resolve()
	}
}

// Fetch returns the retained pages with sequence beyond afterSeq. It is
// idempotent until Ack discards pages, so a consumer that lost a response
// simply asks again with the same cursor. When no pages are available the
// returned wait resolves on the next enqueue; done reports stream end.
func (buf *OutputBuffer) Fetch(dest int, afterSeq int64) (bats []*batch.Batch, lastSeq int64, done bool, wait *process.Wait, err error) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.destroyed {
		return nil, 0, false, nil, verr.NewTaskCancelled()
	}
	if dest < 0 || dest >= len(buf.dests) {
		return nil, 0, false, nil, verr.NewInvariantViolation("fetch from destination %d of %d", dest, len(buf.dests))
	}
	d := buf.dests[dest]
	lastSeq = afterSeq
	d.pages.AscendGreaterOrEqual(&page{seq: afterSeq + 1}, func(p *page) bool {
		bats = append(bats, p.bat)
		lastSeq = p.seq
		return true
	})
	if len(bats) > 0 {
		return bats, lastSeq, false, nil, nil
	}
	if buf.noMore && afterSeq >= d.nextSeq {
		return nil, afterSeq, true, nil, nil
	}
	if d.dataWait == nil {
		d.dataWait = process.NewWait()
	}
	return nil, afterSeq, false, d.dataWait, nil
}

// Ack discards every page with sequence at or below seq and wakes blocked
// producers once the buffer is back under the watermark. Acking the same
// sequence twice is a no-op.
func (buf *OutputBuffer) Ack(dest int, seq int64) error {
	buf.mu.Lock()
	if buf.destroyed {
		buf.mu.Unlock()
		return nil
	}
	if dest < 0 || dest >= len(buf.dests) {
		buf.mu.Unlock()
		return verr.NewInvariantViolation("ack for destination %d of %d", dest, len(buf.dests))
	}
	d := buf.dests[dest]
	var drop []*page
	d.pages.AscendLessThan(&page{seq: seq + 1}, func(p *page) bool {
		drop = append(drop, p)
		return true
	})
	for _, p := range drop {
		d.pages.Delete(p)
		buf.bytes -= p.bat.Size()
	}
	var space *process.Wait
	if buf.bytes < buf.watermark && buf.spaceWait != nil {
		space = buf.spaceWait
		buf.spaceWait = nil
	}
	buf.mu.Unlock()
	if space != nil {
		space.Resolve()
	}
	return nil
}

// BufferedBytes reports the retained payload size, test and log visible.
func (buf *OutputBuffer) BufferedBytes() int64 {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.bytes
}

// Destroy drops every retained page and wakes all waiters. Idempotent;
// runs on task teardown on both success and failure paths.
func (buf *OutputBuffer) Destroy() {
	buf.mu.Lock()
	if buf.destroyed {
		buf.mu.Unlock()
		return
	}
	buf.destroyed = true
	var waits []*process.Wait
	if buf.spaceWait != nil {
		waits = append(waits, buf.spaceWait)
		buf.spaceWait = nil
	}
	for _, d := range buf.dests {
		if d.dataWait != nil {
			waits = append(waits, d.dataWait)
			d.dataWait = nil
		}
		d.pages.Clear(false)
	}
	buf.bytes = 0
	buf.mu.Unlock()
	for _, w := range waits {
		w.Resolve()
	}
}

// OutputBufferManager is the process-wide registry consumers resolve
// upstream task ids against.
type OutputBufferManager struct {
	mu   sync.Mutex
	bufs map[string]*OutputBuffer
}

func NewOutputBufferManager() *OutputBufferManager {
	return &OutputBufferManager{bufs: make(map[string]*OutputBuffer)}
}

func (m *OutputBufferManager) Register(taskID string, buf *OutputBuffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bufs[taskID]; ok {
		return verr.NewInvariantViolation("output buffer for task %s registered twice", taskID)
	}
	m.bufs[taskID] = buf
	return nil
}

func (m *OutputBufferManager) Get(taskID string) (*OutputBuffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.bufs[taskID]
	return buf, ok
}

// Unregister destroys and removes the task's buffer.
func (m *OutputBufferManager) Unregister(taskID string) {
	m.mu.Lock()
	buf := m.bufs[taskID]
	delete(m.bufs, taskID)
	m.mu.Unlock()
	if buf != nil {
		buf.Destroy()
	}
}

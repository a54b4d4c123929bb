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

// Package spill converts in-memory operator state into disk-resident,
// replayable partition runs. Spilling only ever happens under explicit
// operator control. Files are private to one task and removed on task
// teardown whether or not restore completed.
package spill

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pierrec/lz4/v4"

	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/container/batch"
	"github.com/quiverdb/quiver/pkg/logutil"
	"github.com/quiverdb/quiver/pkg/vm/process"
)

type Spiller struct {
	dir   string
	name  string
	stats *process.Stats

	mu      sync.Mutex
	parts   map[int]*partition
	removed bool
}

type partition struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	batches int
	bytes   int64
}

// New creates a spiller rooted at <root>/<taskID>/<name>. Concurrent
// appends to the same partition are serialized; restore streams are
// single-reader, forward-only.
func New(root, taskID, name string, stats *process.Stats) (*Spiller, error) {
	dir := filepath.Join(root, taskID, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, verr.NewIOError(err, "create spill dir %s", dir)
	}
	return &Spiller{
		dir:   dir,
		name:  name,
		stats: stats,
		parts: make(map[int]*partition),
	}, nil
}

func (s *Spiller) part(pid int) (*partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil, verr.NewInvariantViolation("spiller %s used after cleanup", s.name)
	}
	p, ok := s.parts[pid]
	if !ok {
		p = &partition{path: filepath.Join(s.dir, "part-"+strconv.Itoa(pid))}
		s.parts[pid] = p
	}
	return p, nil
}

// Spill appends the serialized rows of bats to the partition's run file.
// A write failure is returned as a non-transient IOError: there is no
// other place for the data to go, so callers treat it as task-fatal.
func (s *Spiller) Spill(pid int, bats []*batch.Batch) error {
	p, err := s.part(pid)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return verr.NewIOError(err, "open spill partition %d", pid)
		}
		p.f = f
	}
	var compressor lz4.Compressor
	for _, bat := range bats {
		if bat.IsEmpty() {
			continue
		}
		raw, err := bat.MarshalBinary()
		if err != nil {
			return err
		}
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := compressor.CompressBlock(raw, dst)
		if err != nil {
			return verr.NewIOError(err, "compress spill block, partition %d", pid)
		}
		var frame [8]byte
		binary.LittleEndian.PutUint32(frame[:4], uint32(len(raw)))
		// compLen of zero marks an incompressible block stored raw.
		binary.LittleEndian.PutUint32(frame[4:], uint32(n))
		payload := dst[:n]
		if n == 0 {
			payload = raw
		}
		if _, err := p.f.Write(frame[:]); err != nil {
			return verr.NewIOError(err, "write spill partition %d", pid)
		}
		if _, err := p.f.Write(payload); err != nil {
			return verr.NewIOError(err, "write spill partition %d", pid)
		}
		p.batches++
		p.bytes += int64(len(frame) + len(payload))
		if s.stats != nil {
			s.stats.SpillEvents.Add(1)
			s.stats.SpilledBytes.Add(int64(len(payload)))
		}
	}
	return nil
}

// Spilled reports whether the partition has any rows on disk.
func (s *Spiller) Spilled(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[pid]
	return ok && p.batches > 0
}

// Restore opens a forward stream over the partition's rows, restartable
// only from the start. The caller consumes it fully before cleanup.
func (s *Spiller) Restore(pid int) (*Reader, error) {
	p, err := s.part(pid)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f != nil {
		if err := p.f.Sync(); err != nil {
			return nil, verr.NewIOError(err, "sync spill partition %d", pid)
		}
	}
	f, err := os.Open(p.path)
	if err != nil {
		return nil, verr.NewIOError(err, "open spill partition %d for restore", pid)
	}
	return &Reader{f: f, br: bufio.NewReader(f)}, nil
}

// Cleanup removes every partition file. Unconditional and idempotent; it
// runs on task teardown regardless of the success or failure path.
func (s *Spiller) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return
	}
	s.removed = true
	var total int64
	for _, p := range s.parts {
		p.mu.Lock()
		if p.f != nil {
			_ = p.f.Close()
			p.f = nil
		}
		total += p.bytes
		p.mu.Unlock()
	}
	if err := os.RemoveAll(s.dir); err != nil {
		logutil.Errorf("spiller %s: cleanup of %s failed: %v", s.name, s.dir, err)
		return
	}
	if total > 0 {
		logutil.Infof("spiller %s: removed %d partitions, %s on disk",
			s.name, len(s.parts), humanize.IBytes(uint64(total)))
	}
}

type Reader struct {
	f  *os.File
	br *bufio.Reader
}

// Next returns the next spilled batch, or nil at end of stream.
func (r *Reader) Next() (*batch.Batch, error) {
	var frame [8]byte
	if _, err := io.ReadFull(r.br, frame[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, verr.NewIOError(err, "read spill frame")
	}
	rawLen := binary.LittleEndian.Uint32(frame[:4])
	compLen := binary.LittleEndian.Uint32(frame[4:])
	payloadLen := compLen
	if compLen == 0 {
		payloadLen = rawLen
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return nil, verr.NewIOError(err, "read spill block")
	}
	raw := payload
	if compLen != 0 {
		raw = make([]byte, rawLen)
		if _, err := lz4.UncompressBlock(payload, raw); err != nil {
			return nil, verr.NewIOError(err, "decompress spill block")
		}
	}
	bat := batch.NewWithSize(0)
	if err := bat.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return bat, nil
}

func (r *Reader) Close() error { return r.f.Close() }

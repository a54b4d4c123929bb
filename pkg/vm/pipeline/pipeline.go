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

package pipeline

import (
	"sync/atomic"
)

// Pipeline is a group of sibling drivers running instances of the same
// operator chain.
type Pipeline struct {
	Name    string
	Drivers []*Driver

	remaining atomic.Int32
}

func New(name string, drivers []*Driver) *Pipeline {
	p := &Pipeline{Name: name, Drivers: drivers}
	p.remaining.Store(int32(len(drivers)))
	return p
}

// DriverDone records one driver's completion; true for the last one.
func (p *Pipeline) DriverDone() bool {
	return p.remaining.Add(-1) == 0
}

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

package process

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWaitResolveOnce(t *testing.T) {
	w := NewWait()
	require.False(t, w.Resolved())

	var fired atomic.Int32
	w.OnResolve(func() { fired.Add(1) })

	w.Resolve()
	w.Resolve()
	require.True(t, w.Resolved())
	require.Equal(t, int32(1), fired.Load())

	select {
	case <-w.Done():
	default:
		t.Fatal("done channel not closed after resolve")
	}
}

func TestWaitOnResolveAfterResolved(t *testing.T) {
	w := NewWait()
	w.Resolve()
	var fired atomic.Int32
	w.OnResolve(func() { fired.Add(1) })
	require.Equal(t, int32(1), fired.Load())
}

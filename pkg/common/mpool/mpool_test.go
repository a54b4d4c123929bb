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

package mpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/pkg/common/verr"
)

func TestReserveRelease(t *testing.T) {
	mp := New("test", 100)
	require.NoError(t, mp.Reserve(60))
	require.NoError(t, mp.Reserve(40))
	require.Equal(t, int64(100), mp.CurrNB())

	err := mp.Reserve(1)
	require.Error(t, err)
	require.True(t, verr.IsResourceExhausted(err))
	// A failed reservation leaves the balance untouched.
	require.Equal(t, int64(100), mp.CurrNB())

	mp.Release(100)
	require.Equal(t, int64(0), mp.CurrNB())
	require.Equal(t, int64(100), mp.HighWaterMark())
}

func TestNoLimit(t *testing.T) {
	mp := New("unbounded", 0)
	require.NoError(t, mp.Reserve(1<<40))
	mp.Release(1 << 40)
}

func TestOverRelease(t *testing.T) {
	mp := New("test", 100)
	require.NoError(t, mp.Reserve(10))
	require.Panics(t, func() { mp.Release(11) })
}

func TestConcurrentReserve(t *testing.T) {
	mp := New("concurrent", 1000)
	var wg sync.WaitGroup
	granted := make([]int, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if mp.Reserve(10) == nil {
				granted[i] = 1
			}
		}(i)
	}
	wg.Wait()
	total := 0
	for _, g := range granted {
		total += g
	}
	// Budget admits exactly 100 grants of 10 bytes.
	require.Equal(t, 100, total)
	require.Equal(t, int64(1000), mp.CurrNB())
}

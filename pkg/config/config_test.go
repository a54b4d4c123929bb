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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Greater(t, cfg.Workers, 0)
	require.Equal(t, 16, cfg.QuantumBatches)
	require.Equal(t, 8, cfg.SpillPartitions)
	require.Equal(t, int64(32<<20), cfg.OutputBufferWatermark)
	require.Equal(t, 3, cfg.ExchangeFetchRetries)
	require.NotEmpty(t, cfg.SpillDir)
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quiver.toml")
	content := `
workers = 4
quantum-batches = 8
memory-budget = 1048576
spill-partitions = 4
spill-dir = "` + dir + `"

[log]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 8, cfg.QuantumBatches)
	require.Equal(t, int64(1048576), cfg.MemoryBudget)
	require.Equal(t, 4, cfg.SpillPartitions)
	require.Equal(t, dir, cfg.SpillDir)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.MemoryBudget = -1
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SpillPartitions = 1
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SpillDir = filepath.Join(t.TempDir(), "does-not-exist")
	require.Error(t, cfg.Validate())
}

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

// Package config holds the engine configuration. Values load from a TOML
// file; zero values fall back to defaults suitable for tests.
package config

import (
	"os"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/quiverdb/quiver/pkg/common/verr"
	"github.com/quiverdb/quiver/pkg/logutil"
)

type Config struct {
	// Workers is the size of the process-wide driver worker pool.
	Workers int `toml:"workers"`
	// MaxDriversPerPipeline caps the fan-out a task may request.
	MaxDriversPerPipeline int `toml:"max-drivers-per-pipeline"`
	// QuantumBatches bounds how many batches a driver moves before it
	// yields the worker to other ready drivers.
	QuantumBatches int `toml:"quantum-batches"`
	// MemoryBudget is the per-task reservation cap in bytes; 0 means
	// unlimited.
	MemoryBudget int64 `toml:"memory-budget"`
	// SpillDir is the root directory for spill files; each task gets a
	// private subdirectory. Empty uses the OS temp dir.
	SpillDir string `toml:"spill-dir"`
	// SpillPartitions is the hash-partition fan-out of the spilling join
	// build.
	SpillPartitions int `toml:"spill-partitions"`
	// OutputBufferWatermark is the per-task exchange buffer byte limit
	// above which producing drivers block.
	OutputBufferWatermark int64 `toml:"output-buffer-watermark"`
	// ExchangeFetchRetries bounds retries of a transiently failed fetch.
	ExchangeFetchRetries int `toml:"exchange-fetch-retries"`

	Log logutil.LogConfig `toml:"log"`
}

func Default() *Config {
	cfg := &Config{}
	cfg.fillDefaults()
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, verr.NewIOError(err, "config file %s not found", path)
		}
		return nil, verr.NewDataError("parse config %s: %v", path, err)
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.MaxDriversPerPipeline <= 0 {
		c.MaxDriversPerPipeline = c.Workers
	}
	if c.QuantumBatches <= 0 {
		c.QuantumBatches = 16
	}
	if c.SpillPartitions <= 0 {
		c.SpillPartitions = 8
	}
	if c.OutputBufferWatermark <= 0 {
		c.OutputBufferWatermark = 32 << 20
	}
	if c.ExchangeFetchRetries <= 0 {
		c.ExchangeFetchRetries = 3
	}
	if c.SpillDir == "" {
		c.SpillDir = os.TempDir()
	}
}

func (c *Config) Validate() error {
	if c.MemoryBudget < 0 {
		return verr.NewDataError("memory-budget must be non-negative, got %d", c.MemoryBudget)
	}
	if c.SpillPartitions < 2 {
		return verr.NewDataError("spill-partitions must be at least 2, got %d", c.SpillPartitions)
	}
	if info, err := os.Stat(c.SpillDir); err != nil || !info.IsDir() {
		return verr.NewDataError("spill-dir %s is not a directory", c.SpillDir)
	}
	return nil
}

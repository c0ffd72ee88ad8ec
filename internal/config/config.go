// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads the process-scoped knobs that tune the streamer
// (memory budget, staging alignment, distribution policy) from YAML with
// environment-variable overrides, the same layering the agent/server
// configs use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Special MemoryLimit values (see §6.3 of the spec).
const (
	MemoryLimitLargestChunk int64 = 0
	MemoryLimitUnlimited    int64 = -1
)

const (
	defaultMemoryLimit        = 40 * 1024 * 1024 * 1024 // 40 GB
	defaultCUDAAlignment      = 256
	defaultDistTimeoutSeconds = 600
	defaultDistBufferMinBytes = 1 * 1024 * 1024 * 1024 // 1 GiB
)

// DistPolicy selects whether the distributed partition-and-broadcast path
// is forced on, forced off, or chosen automatically per backend/device.
type DistPolicy string

const (
	DistForceOff DistPolicy = "0"
	DistForceOn  DistPolicy = "1"
	DistAuto     DistPolicy = "auto"
)

// StreamerConfig holds every process-scoped knob from spec.md §6.3.
type StreamerConfig struct {
	// MemoryLimitRaw is the YAML-facing string form ("40gb", "0", "-1").
	MemoryLimitRaw string `yaml:"memory_limit"`
	// MemoryLimit is the parsed byte cap: -1 unlimited, 0 largest-chunk, >0 hard cap.
	MemoryLimit int64 `yaml:"-"`

	CUDAAlignment int `yaml:"cuda_alignment"`

	Dist DistPolicy `yaml:"dist"`

	DistTimeoutSeconds int `yaml:"dist_timeout"`

	// DistBufferMinBytesizeRaw is the YAML-facing string form ("1gb").
	DistBufferMinBytesizeRaw string `yaml:"dist_buffer_min_bytesize"`
	DistBufferMinBytesize    int64  `yaml:"-"`

	DistGlobal bool `yaml:"dist_global"`

	// SessionLogDir, when non-empty, makes every distributed streaming run
	// also write a dedicated per-peer, per-session debug log under
	// {SessionLogDir}/rank-{N}/{sessionID}.log (see logging.NewSessionLogger),
	// the same per-session log file layout the agent uses for backup runs.
	SessionLogDir string `yaml:"session_log_dir"`

	// ProcessGroupSize is published by the engine for downstream layers; it
	// is not itself a loadable knob but is carried on this struct so callers
	// have one place to read it from after StreamFiles runs.
	ProcessGroupSize int `yaml:"-"`
}

// Default returns a StreamerConfig with the defaults from spec.md §6.3.
func Default() StreamerConfig {
	return StreamerConfig{
		MemoryLimit:           defaultMemoryLimit,
		CUDAAlignment:         defaultCUDAAlignment,
		Dist:                  DistAuto,
		DistTimeoutSeconds:    defaultDistTimeoutSeconds,
		DistBufferMinBytesize: defaultDistBufferMinBytes,
	}
}

// Load reads a YAML config file and layers environment overrides on top,
// returning a fully resolved StreamerConfig. A missing path is not an
// error: Load falls back to Default() before applying env overrides.
func Load(path string) (StreamerConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return StreamerConfig{}, fmt.Errorf("reading streamer config: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return StreamerConfig{}, fmt.Errorf("parsing streamer config: %w", err)
			}
			if cfg.MemoryLimitRaw != "" {
				v, err := ParseByteSize(cfg.MemoryLimitRaw)
				if err != nil {
					return StreamerConfig{}, fmt.Errorf("parsing memory_limit: %w", err)
				}
				cfg.MemoryLimit = v
			}
			if cfg.DistBufferMinBytesizeRaw != "" {
				v, err := ParseByteSize(cfg.DistBufferMinBytesizeRaw)
				if err != nil {
					return StreamerConfig{}, fmt.Errorf("parsing dist_buffer_min_bytesize: %w", err)
				}
				cfg.DistBufferMinBytesize = v
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return StreamerConfig{}, err
	}

	return cfg, nil
}

func (cfg *StreamerConfig) applyEnvOverrides() error {
	if v, ok := os.LookupEnv("MEMORY_LIMIT"); ok {
		parsed, err := ParseByteSize(v)
		if err != nil {
			return fmt.Errorf("parsing MEMORY_LIMIT env: %w", err)
		}
		cfg.MemoryLimit = parsed
	}
	if v, ok := os.LookupEnv("CUDA_ALIGNMENT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing CUDA_ALIGNMENT env: %w", err)
		}
		cfg.CUDAAlignment = n
	}
	if v, ok := os.LookupEnv("DIST"); ok {
		cfg.Dist = DistPolicy(strings.ToLower(v))
	}
	if v, ok := os.LookupEnv("DIST_TIMEOUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing DIST_TIMEOUT env: %w", err)
		}
		cfg.DistTimeoutSeconds = n
	}
	if v, ok := os.LookupEnv("DIST_BUFFER_MIN_BYTESIZE"); ok {
		parsed, err := ParseByteSize(v)
		if err != nil {
			return fmt.Errorf("parsing DIST_BUFFER_MIN_BYTESIZE env: %w", err)
		}
		cfg.DistBufferMinBytesize = parsed
	}
	if v, ok := os.LookupEnv("DIST_GLOBAL"); ok {
		cfg.DistGlobal = v == "1"
	}
	if v, ok := os.LookupEnv("SESSION_LOG_DIR"); ok {
		cfg.SessionLogDir = v
	}
	return nil
}

// ParseByteSize parses a human byte-size string ("40gb", "256mb", "1gb",
// "0", "-1") into raw bytes. Bare integers are taken as already being
// bytes. This mirrors how the agent/server configs parse
// ResumeConfig.BufferSize and ChunkBufferConfig.Size.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty byte size")
	}
	if s == "-1" {
		return -1, nil
	}

	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "gb"):
		mult = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "gb")
	case strings.HasSuffix(s, "mb"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "mb")
	case strings.HasSuffix(s, "kb"):
		mult = 1024
		s = strings.TrimSuffix(s, "kb")
	case strings.HasSuffix(s, "b"):
		s = strings.TrimSuffix(s, "b")
	}

	s = strings.TrimSpace(s)
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return int64(n * float64(mult)), nil
}

// Override is a scoped token that restores a prior StreamerConfig value on
// Restore, for temporarily raising MemoryLimit (e.g. to "unlimited")
// around a pass and putting it back on every exit path. The distributed
// engine's prefill does not go through it: Engine.Prefill reads the whole
// local partition into a host buffer without consulting MemoryLimit.
type Override struct {
	cfg      *StreamerConfig
	priorMem int64
}

// OverrideMemoryLimit raises cfg.MemoryLimit to the given value and returns
// a token that restores the previous value when Restore is called. Callers
// must defer Restore immediately after acquiring the override.
func OverrideMemoryLimit(cfg *StreamerConfig, value int64) *Override {
	o := &Override{cfg: cfg, priorMem: cfg.MemoryLimit}
	cfg.MemoryLimit = value
	return o
}

// Restore puts the overridden field back to its value at acquisition time.
// Safe to call multiple times; only the first call has effect.
func (o *Override) Restore() {
	if o == nil || o.cfg == nil {
		return
	}
	o.cfg.MemoryLimit = o.priorMem
	o.cfg = nil
}

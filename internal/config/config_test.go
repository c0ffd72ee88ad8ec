// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import "testing"

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"-1", -1},
		{"0", 0},
		{"1024", 1024},
		{"1kb", 1024},
		{"1mb", 1024 * 1024},
		{"40gb", 40 * 1024 * 1024 * 1024},
		{"1.5mb", int64(1.5 * 1024 * 1024)},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseByteSize_Invalid(t *testing.T) {
	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected error for invalid byte size")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.MemoryLimit != defaultMemoryLimit {
		t.Errorf("MemoryLimit = %d, want %d", cfg.MemoryLimit, defaultMemoryLimit)
	}
	if cfg.CUDAAlignment != 256 {
		t.Errorf("CUDAAlignment = %d, want 256", cfg.CUDAAlignment)
	}
	if cfg.Dist != DistAuto {
		t.Errorf("Dist = %q, want auto", cfg.Dist)
	}
}

func TestLoad_MissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load("/nonexistent/path.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MemoryLimit != defaultMemoryLimit {
		t.Errorf("expected default memory limit, got %d", cfg.MemoryLimit)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MEMORY_LIMIT", "1gb")
	t.Setenv("CUDA_ALIGNMENT", "128")
	t.Setenv("DIST", "1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MemoryLimit != 1024*1024*1024 {
		t.Errorf("MemoryLimit = %d, want 1gb", cfg.MemoryLimit)
	}
	if cfg.CUDAAlignment != 128 {
		t.Errorf("CUDAAlignment = %d, want 128", cfg.CUDAAlignment)
	}
	if cfg.Dist != DistForceOn {
		t.Errorf("Dist = %q, want 1", cfg.Dist)
	}
}

func TestOverrideMemoryLimit_RestoresOnRestore(t *testing.T) {
	cfg := Default()
	original := cfg.MemoryLimit

	o := OverrideMemoryLimit(&cfg, MemoryLimitUnlimited)
	if cfg.MemoryLimit != MemoryLimitUnlimited {
		t.Fatalf("MemoryLimit = %d, want unlimited", cfg.MemoryLimit)
	}

	o.Restore()
	if cfg.MemoryLimit != original {
		t.Errorf("MemoryLimit = %d, want restored %d", cfg.MemoryLimit, original)
	}

	// Restore is idempotent.
	o.Restore()
	if cfg.MemoryLimit != original {
		t.Errorf("second Restore changed MemoryLimit to %d", cfg.MemoryLimit)
	}
}

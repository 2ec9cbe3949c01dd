package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/janekbaraniewski/fleetusage/internal/core"
	"github.com/janekbaraniewski/fleetusage/internal/estimate"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.OutDir != "output" {
		t.Errorf("default out dir = %q, want output", cfg.OutDir)
	}
	if cfg.Limit.Default != estimate.DefaultLimit {
		t.Errorf("default limit = %d, want %d", cfg.Limit.Default, estimate.DefaultLimit)
	}
	grid, err := cfg.BlockGrid()
	if err != nil {
		t.Fatalf("BlockGrid: %v", err)
	}
	if !grid.Origin.Equal(core.DefaultBlocks.Origin) || grid.Width != core.DefaultBlocks.Width {
		t.Errorf("default grid = %+v, want %+v", grid, core.DefaultBlocks)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFrom_MissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Watch.Debounce != 2*time.Second {
		t.Error("should return defaults for missing file")
	}
}

func TestLoadFrom_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /srv/usage/data
devices:
  laptop: ~/claude-logs
workers: 3
blocks:
  width_hours: 1
limit:
  policy: percentile
  percentile: 75
  headroom: 1.2
  weekly: 500000000
watch:
  debounce: 500ms
snapshot: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error: %v", err)
	}
	if cfg.DataDir != "/srv/usage/data" || cfg.OutDir != "output" {
		t.Errorf("dirs = %q, %q", cfg.DataDir, cfg.OutDir)
	}
	if cfg.Devices["laptop"] != "~/claude-logs" {
		t.Errorf("devices = %v", cfg.Devices)
	}
	if cfg.Workers != 3 || !cfg.Snapshot {
		t.Errorf("workers = %d snapshot = %v", cfg.Workers, cfg.Snapshot)
	}
	if cfg.Watch.Debounce != 500*time.Millisecond {
		t.Errorf("debounce = %s, want 500ms", cfg.Watch.Debounce)
	}
	grid, err := cfg.BlockGrid()
	if err != nil {
		t.Fatalf("BlockGrid: %v", err)
	}
	if grid.Width != time.Hour {
		t.Errorf("width = %s, want 1h", grid.Width)
	}
	est, err := cfg.Estimator()
	if err != nil {
		t.Fatalf("Estimator: %v", err)
	}
	p, ok := est.Policy.(estimate.PercentilePolicy)
	if !ok || p.Percentile != 75 || p.Headroom != 1.2 {
		t.Errorf("policy = %#v", est.Policy)
	}
	if est.WeeklyLimit != 500_000_000 {
		t.Errorf("weekly limit = %d, want 500000000", est.WeeklyLimit)
	}
}

func TestLoadFrom_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("workers: [1,"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FLEETUSAGE_OUT_DIR", "/tmp/out")
	t.Setenv("FLEETUSAGE_LIMIT_POLICY", "fixed")
	t.Setenv("FLEETUSAGE_FIXED_LIMIT", "1000")
	t.Setenv("FLEETUSAGE_WEEKLY_LIMIT", "9000")
	t.Setenv("FLEETUSAGE_WORKERS", "7")
	t.Setenv("FLEETUSAGE_DEBUG", "true")

	cfg := DefaultConfig()
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.OutDir != "/tmp/out" || cfg.Workers != 7 || !cfg.Debug {
		t.Errorf("cfg = %+v", cfg)
	}
	est, err := cfg.Estimator()
	if err != nil {
		t.Fatalf("Estimator: %v", err)
	}
	if est.Policy != nil || est.FixedLimit != 1000 || est.WeeklyLimit != 9000 {
		t.Errorf("estimator = %+v", est)
	}

	t.Setenv("FLEETUSAGE_WORKERS", "many")
	if err := ApplyEnv(&cfg); err == nil {
		t.Error("expected error for non-numeric workers")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLEETUSAGE_DATA_DIR", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "from-env" {
		t.Errorf("data dir = %q, want from-env", cfg.DataDir)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown policy", func(c *Config) { c.Limit.Policy = "median" }},
		{"fixed without limit", func(c *Config) { c.Limit.Policy = "fixed" }},
		{"bad origin", func(c *Config) { c.Blocks.Origin = "yesterday" }},
		{"fractional seconds width", func(c *Config) { c.Blocks.WidthHours = 1.0 / 7200 }},
		{"negative min", func(c *Config) { c.Limit.Min = -1 }},
		{"negative weekly", func(c *Config) { c.Limit.Weekly = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

// Package config loads run settings from a YAML file, .env files and
// FLEETUSAGE_* environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/janekbaraniewski/fleetusage/internal/core"
	"github.com/janekbaraniewski/fleetusage/internal/estimate"
)

const envPrefix = "FLEETUSAGE_"

type BlocksConfig struct {
	// Origin is an RFC 3339 instant every block boundary is aligned to.
	Origin     string  `yaml:"origin"`
	WidthHours float64 `yaml:"width_hours"`
}

type LimitConfig struct {
	Policy     string  `yaml:"policy"`
	Fixed      int64   `yaml:"fixed"`
	Default    int64   `yaml:"default"`
	Min        int64   `yaml:"min"`
	Weekly     int64   `yaml:"weekly"`
	Headroom   float64 `yaml:"headroom"`
	Percentile float64 `yaml:"percentile"`
}

type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

type Config struct {
	DataDir     string            `yaml:"data_dir"`
	OutDir      string            `yaml:"out_dir"`
	Devices     map[string]string `yaml:"devices"`
	Workers     int               `yaml:"workers"`
	Blocks      BlocksConfig      `yaml:"blocks"`
	Limit       LimitConfig       `yaml:"limit"`
	Snapshot    bool              `yaml:"snapshot"`
	MetricsFile string            `yaml:"metrics_file"`
	Watch       WatchConfig       `yaml:"watch"`
	Debug       bool              `yaml:"debug"`
}

func DefaultConfig() Config {
	return Config{
		DataDir: "data",
		OutDir:  "output",
		Workers: runtime.NumCPU(),
		Blocks: BlocksConfig{
			Origin:     core.DefaultBlockOrigin.Format(time.RFC3339),
			WidthHours: core.BlockWidth.Hours(),
		},
		Limit: LimitConfig{
			Policy:     "max",
			Default:    estimate.DefaultLimit,
			Min:        estimate.DefaultLimit,
			Headroom:   1.5,
			Percentile: 90,
		},
		Watch: WatchConfig{Debounce: 2 * time.Second},
	}
}

func ConfigDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "fleetusage")
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "fleetusage")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "fleetusage")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// Load reads the config at path (or the default location when path is empty)
// and applies environment overrides.
func Load(path string) (Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := LoadFrom(path)
	if err != nil {
		return cfg, err
	}
	loadDotEnv()
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadFrom reads a YAML file over the defaults. A missing file yields the
// defaults unchanged.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parsing config %s: %w", path, err)
	}

	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Blocks.Origin == "" {
		cfg.Blocks.Origin = def.Blocks.Origin
	}
	if cfg.Blocks.WidthHours <= 0 {
		cfg.Blocks.WidthHours = def.Blocks.WidthHours
	}
	if cfg.Limit.Headroom <= 0 {
		cfg.Limit.Headroom = def.Limit.Headroom
	}
	if cfg.Limit.Percentile <= 0 {
		cfg.Limit.Percentile = def.Limit.Percentile
	}
	if cfg.Watch.Debounce <= 0 {
		cfg.Watch.Debounce = def.Watch.Debounce
	}
	return cfg, nil
}

// loadDotEnv loads the first .env found. Variables already in the
// environment win.
func loadDotEnv() {
	for _, path := range envPaths() {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func envPaths() []string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}
	paths = append(paths, filepath.Join(ConfigDir(), ".env"))
	return paths
}

// ApplyEnv overrides cfg with FLEETUSAGE_* variables.
func ApplyEnv(cfg *Config) error {
	if v, ok := lookupEnv("DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := lookupEnv("OUT_DIR"); ok {
		cfg.OutDir = v
	}
	if v, ok := lookupEnv("LIMIT_POLICY"); ok {
		cfg.Limit.Policy = v
	}
	if v, ok := lookupEnv("METRICS_FILE"); ok {
		cfg.MetricsFile = v
	}
	ints := []struct {
		key string
		dst *int64
	}{
		{"FIXED_LIMIT", &cfg.Limit.Fixed},
		{"DEFAULT_LIMIT", &cfg.Limit.Default},
		{"MIN_LIMIT", &cfg.Limit.Min},
		{"WEEKLY_LIMIT", &cfg.Limit.Weekly},
	}
	for _, f := range ints {
		v, ok := lookupEnv(f.key)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, f.key, err)
		}
		*f.dst = n
	}
	if v, ok := lookupEnv("WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sWORKERS: %w", envPrefix, err)
		}
		if n > 0 {
			cfg.Workers = n
		}
	}
	if v, ok := lookupEnv("DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDEBUG: %w", envPrefix, err)
		}
		cfg.Debug = b
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (c Config) Validate() error {
	if _, err := c.BlockGrid(); err != nil {
		return err
	}
	if _, err := c.Estimator(); err != nil {
		return err
	}
	if c.Limit.Fixed < 0 || c.Limit.Default < 0 || c.Limit.Min < 0 || c.Limit.Weekly < 0 {
		return fmt.Errorf("config: limits must not be negative")
	}
	return nil
}

// BlockGrid returns the block grid described by the blocks section.
func (c Config) BlockGrid() (core.Blocks, error) {
	origin, err := time.Parse(time.RFC3339, c.Blocks.Origin)
	if err != nil {
		return core.Blocks{}, fmt.Errorf("config: blocks.origin: %w", err)
	}
	width := time.Duration(c.Blocks.WidthHours * float64(time.Hour))
	grid, err := core.NewBlocks(origin, width)
	if err != nil {
		return core.Blocks{}, fmt.Errorf("config: blocks.width_hours: %w", err)
	}
	return grid, nil
}

// Estimator builds the usage estimator from the limit section. The "fixed"
// policy requires a positive fixed limit.
func (c Config) Estimator() (estimate.Estimator, error) {
	policy, err := estimate.PolicyByName(c.Limit.Policy, c.Limit.Headroom, c.Limit.Percentile)
	if err != nil {
		return estimate.Estimator{}, fmt.Errorf("config: %w", err)
	}
	est := estimate.Estimator{
		Policy:       policy,
		FixedLimit:   c.Limit.Fixed,
		DefaultLimit: c.Limit.Default,
		MinLimit:     c.Limit.Min,
		WeeklyLimit:  c.Limit.Weekly,
	}
	if policy == nil && est.FixedLimit <= 0 {
		return estimate.Estimator{}, fmt.Errorf("config: limit policy fixed needs limit.fixed > 0")
	}
	return est, nil
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/fleetusage/internal/config"
	"github.com/janekbaraniewski/fleetusage/internal/ingest"
	"github.com/janekbaraniewski/fleetusage/internal/pipeline"
)

// runFlags are shared by aggregate and watch. Flags that were not given on
// the command line leave the config value alone.
type runFlags struct {
	dataDir     string
	devices     []string
	outDir      string
	snapshot    bool
	metricsFile string
	policy      string
	limit       int64
	weeklyLimit int64
	workers     int
}

func (f *runFlags) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.dataDir, "data-dir", "", "directory whose subdirectories are devices (default from config: data)")
	flags.StringArrayVar(&f.devices, "device", nil, "device log root as [name=]PATH (repeatable)")
	flags.StringVarP(&f.outDir, "out", "o", "", "output directory (default from config: output)")
	flags.BoolVar(&f.snapshot, "snapshot", false, "also write a SQLite snapshot (usage.db)")
	flags.StringVar(&f.metricsFile, "metrics-file", "", "write Prometheus text metrics to this file")
	flags.StringVar(&f.policy, "policy", "", "limit estimation policy: max, percentile or fixed")
	flags.Int64Var(&f.limit, "limit", 0, "fixed token limit per block (implies --policy fixed)")
	flags.Int64Var(&f.weeklyLimit, "weekly-limit", 0, "fixed token limit per ISO week (default: judged against earlier weeks)")
	flags.IntVar(&f.workers, "workers", 0, "devices parsed in parallel (default: one per CPU)")
}

// apply layers the flags that were set over cfg.
func (f *runFlags) apply(cmd *cobra.Command, cfg config.Config) (config.Config, error) {
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = f.dataDir
	}
	if flags.Changed("out") {
		cfg.OutDir = f.outDir
	}
	if flags.Changed("snapshot") {
		cfg.Snapshot = f.snapshot
	}
	if flags.Changed("metrics-file") {
		cfg.MetricsFile = f.metricsFile
	}
	if flags.Changed("policy") {
		cfg.Limit.Policy = f.policy
	}
	if flags.Changed("limit") {
		cfg.Limit.Fixed = f.limit
		if !flags.Changed("policy") {
			cfg.Limit.Policy = "fixed"
		}
	}
	if flags.Changed("weekly-limit") {
		cfg.Limit.Weekly = f.weeklyLimit
	}
	if flags.Changed("workers") && f.workers > 0 {
		cfg.Workers = f.workers
	}
	return cfg, cfg.Validate()
}

// options resolves devices and builds pipeline options. Explicit devices
// (flags or positional paths) replace the data directory scan unless
// --data-dir was also given.
func (a *app) options(cmd *cobra.Command, f *runFlags, args []string) (pipeline.Options, config.Config, error) {
	cfg, err := f.apply(cmd, a.cfg)
	if err != nil {
		return pipeline.Options{}, cfg, err
	}

	specs := append(append([]string(nil), f.devices...), args...)
	dataDir := cfg.DataDir
	if len(specs) > 0 && !cmd.Flags().Changed("data-dir") {
		dataDir = ""
	}
	devices, err := ingest.Resolve(dataDir, cfg.Devices, specs)
	if err != nil {
		return pipeline.Options{}, cfg, err
	}
	if len(devices) == 0 {
		return pipeline.Options{}, cfg, fmt.Errorf("no devices: pass --device, positional paths or --data-dir")
	}

	blocks, err := cfg.BlockGrid()
	if err != nil {
		return pipeline.Options{}, cfg, err
	}
	est, err := cfg.Estimator()
	if err != nil {
		return pipeline.Options{}, cfg, err
	}
	return pipeline.Options{
		Devices:     devices,
		OutDir:      ingest.ExpandHome(cfg.OutDir),
		Workers:     cfg.Workers,
		Blocks:      &blocks,
		Estimator:   &est,
		Snapshot:    cfg.Snapshot,
		MetricsFile: ingest.ExpandHome(cfg.MetricsFile),
		Logger:      a.logger,
	}, cfg, nil
}

func (a *app) aggregateCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "aggregate [flags] [[name=]PATH ...]",
		Short: "Aggregate all devices once and write the CSV reports",
		Long: `Aggregate reads every device's logs (Claude transcripts as JSONL, or extracted
usage_events.csv files), deduplicates events seen on more than one device and
writes block_usage.csv, daily_usage.csv, weekly_usage.csv, model_usage.csv and
summary.csv.

Without explicit devices, every subdirectory of --data-dir is a device.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, _, err := a.options(cmd, &f, args)
			if err != nil {
				return err
			}
			summary, err := pipeline.Run(cmd.Context(), opts)
			if err != nil {
				if len(summary.Devices) > 0 {
					fmt.Fprintln(cmd.ErrOrStderr(), renderSummary(summary, false))
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSummary(summary, true))
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/janekbaraniewski/fleetusage/internal/ingest"
	"github.com/janekbaraniewski/fleetusage/internal/pipeline"
	"github.com/janekbaraniewski/fleetusage/internal/watch"
)

func (a *app) watchCommand() *cobra.Command {
	var f runFlags
	var debounce string
	cmd := &cobra.Command{
		Use:   "watch [flags] [[name=]PATH ...]",
		Short: "Aggregate, then re-aggregate whenever device logs change",
		Long: `Watch runs a full aggregation, then watches every device root and runs it
again once changes to .jsonl or .csv files have settled. Stop with Ctrl-C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, cfg, err := a.options(cmd, &f, args)
			if err != nil {
				return err
			}
			wait := cfg.Watch.Debounce
			if cmd.Flags().Changed("debounce") {
				if wait, err = parseDuration(debounce); err != nil {
					return fmt.Errorf("--debounce: %w", err)
				}
			}

			roots := make([]string, 0, len(opts.Devices))
			for _, d := range opts.Devices {
				roots = append(roots, absPath(d.Path))
			}
			if cfg.DataDir != "" && !cmd.Flags().Changed("device") && len(args) == 0 {
				// New device directories appear under the data dir.
				roots = append(roots, absPath(ingest.ExpandHome(cfg.DataDir)))
			}

			w := &watch.Watcher{
				Roots:    roots,
				Ignore:   []string{absPath(opts.OutDir)},
				Debounce: wait,
				Logger:   a.logger,
				Run: func(ctx context.Context) error {
					runOpts := opts
					if len(args) == 0 && !cmd.Flags().Changed("device") {
						devices, err := ingest.Resolve(cfg.DataDir, cfg.Devices, nil)
						if err != nil {
							return err
						}
						runOpts.Devices = devices
					}
					summary, err := pipeline.Run(ctx, runOpts)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), renderSummary(summary, true))
					return nil
				},
			}
			a.logger.Info("watching devices", zap.Strings("roots", roots), zap.Duration("debounce", wait))
			return w.Watch(cmd.Context())
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&debounce, "debounce", "", "quiet period before re-running (default from config: 2s)")
	return cmd
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

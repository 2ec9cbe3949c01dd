package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/fleetusage/internal/extract"
)

func (a *app) extractCommand() *cobra.Command {
	var opts extract.Options
	cmd := &cobra.Command{
		Use:   "extract --device NAME",
		Short: "Flatten this machine's Claude transcripts into data/NAME/usage_events.csv",
		Long: `Extract reads ~/.claude/projects on the current machine and writes every
assistant response with token usage as one row of usage_events.csv. Commit or
copy the file into the shared data directory, then run aggregate there.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Logger = a.logger
			res, err := extract.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d events from %d files -> %s\n",
				titleStyle.Render("extracted"), res.Events, res.Files, res.Path)
			if res.SkippedRecords > 0 || res.SkippedFiles > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render(fmt.Sprintf(
					"skipped %d malformed records and %d files", res.SkippedRecords, res.SkippedFiles)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Device, "device", "", "name of this machine (required)")
	cmd.Flags().StringVar(&opts.ClaudeDir, "claude-dir", extract.DefaultClaudeDir, "Claude config directory")
	cmd.Flags().StringVarP(&opts.OutDir, "out", "o", "", "output directory (default data/NAME)")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"audio-pipeline/ddd/infrastructure/executor"
)

func newDepsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "deps",
		Short: "Check that the external audio tools are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			converter := executor.NewAudioConverter(executor.NewProcessRunner(cfg.Tools.StderrTailLines, cfg.Tools.Timeout), cfg.Tools, cfg.Audio)
			statuses := executor.CheckTools(converter.ToolPaths())
			fmt.Fprintln(cmd.OutOrStdout(), renderToolStatuses(statuses))
			if missing := countMissing(statuses); missing > 0 {
				return fmt.Errorf("%d tool(s) missing", missing)
			}
			return nil
		},
	}
}

func renderToolStatuses(statuses []executor.ToolStatus) string {
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		state := "missing"
		if st.Found {
			state = "ok"
		}
		rows = append(rows, []string{st.Name, st.Path, st.Resolved, state})
	}
	return renderTable(textColumns("Tool", "Configured", "Resolved", "Status"), rows)
}

func countMissing(statuses []executor.ToolStatus) int {
	n := 0
	for _, st := range statuses {
		if !st.Found {
			n++
		}
	}
	return n
}

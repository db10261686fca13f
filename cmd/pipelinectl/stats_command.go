package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"audio-pipeline/ddd/domain/vo"
)

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts for every queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := ctx.jobQueue()
			if err != nil {
				return err
			}
			stats, err := jobs.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderQueueStats(stats))
			return nil
		},
	}
}

func renderQueueStats(stats []vo.QueueStats) string {
	cols := []column{
		{title: "Queue"},
		{title: "Waiting", numeric: true},
		{title: "Active", numeric: true},
		{title: "Delayed", numeric: true},
		{title: "Failed", numeric: true},
	}
	rows := make([][]string, 0, len(stats))
	for _, st := range stats {
		rows = append(rows, []string{
			st.Queue.String(),
			strconv.FormatInt(st.Waiting, 10),
			strconv.FormatInt(st.Active, 10),
			strconv.FormatInt(st.Delayed, 10),
			strconv.FormatInt(st.Failed, 10),
		})
	}
	return renderTable(cols, rows)
}

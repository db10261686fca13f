package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"audio-pipeline/pkg/registry"
)

func newWorkersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List worker processes registered in etcd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			regCfg, _ := registry.ConfigsFrom(cfg)
			infos, err := registry.NewEtcdDirectory(regCfg, cfg.ServiceRegistry.ServiceName).Instances(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "No workers registered")
				return nil
			}
			fmt.Fprintln(out, renderWorkers(infos, time.Now()))
			return nil
		},
	}
}

func renderWorkers(infos []registry.InstanceInfo, now time.Time) string {
	sort.Slice(infos, func(i, j int) bool { return infos[i].WorkerID < infos[j].WorkerID })
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		started := "unknown"
		if !info.StartedAt.IsZero() {
			started = humanize.RelTime(info.StartedAt, now, "ago", "from now")
		}
		rows = append(rows, []string{info.WorkerID, info.Address, info.QueueBackend, started, formatQueues(info.Queues)})
	}
	return renderTable(textColumns("Worker", "Address", "Backend", "Started", "Concurrency"), rows)
}

// formatQueues 按队列名排序输出 name=n
func formatQueues(queues map[string]int) string {
	names := make([]string, 0, len(queues))
	for name := range queues {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, queues[name]))
	}
	return strings.Join(parts, " ")
}

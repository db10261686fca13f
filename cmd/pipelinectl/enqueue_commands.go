package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"audio-pipeline/ddd/application/cqe"
	"audio-pipeline/ddd/application/dto"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Put a job on one of the pipeline queues",
	}

	enqueueCmd.AddCommand(newEnqueueConvertCommand(ctx))
	enqueueCmd.AddCommand(newEnqueueStemCommand(ctx))
	enqueueCmd.AddCommand(newEnqueueRegenerateCommand(ctx))
	enqueueCmd.AddCommand(newEnqueueDeleteCommand(ctx))
	enqueueCmd.AddCommand(newEnqueueCleanupCommand(ctx))

	return enqueueCmd
}

func newEnqueueConvertCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "convert <track-id>",
		Short: "Convert a newly uploaded track",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ctx.pipelineApp()
			if err != nil {
				return err
			}
			job, err := app.EnqueueTrackConversion(cmd.Context(), &cqe.ConvertTrackReq{TrackID: args[0]})
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}
}

func newEnqueueStemCommand(ctx *commandContext) *cobra.Command {
	var req cqe.ProcessStemReq
	cmd := &cobra.Command{
		Use:   "stem <stem-id>",
		Short: "Replace a stem with a staged upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ctx.pipelineApp()
			if err != nil {
				return err
			}
			req.StemID = args[0]
			job, err := app.EnqueueStemProcessing(cmd.Context(), &req)
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.StemFileURL, "file-url", "", "Location of the uploaded stem file")
	cmd.Flags().StringVar(&req.StemFileName, "file-name", "", "Original file name of the upload")
	cmd.Flags().StringVar(&req.TrackID, "track", "", "Owning track id")
	_ = cmd.MarkFlagRequired("file-url")
	return cmd
}

func newEnqueueRegenerateCommand(ctx *commandContext) *cobra.Command {
	var req cqe.RegenerateTrackReq
	cmd := &cobra.Command{
		Use:   "regenerate <track-id>",
		Short: "Re-mix a track from its current stems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ctx.pipelineApp()
			if err != nil {
				return err
			}
			req.TrackID = args[0]
			job, err := app.EnqueueTrackRegeneration(cmd.Context(), &req)
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Reason recorded with the job (default manual)")
	cmd.Flags().StringVar(&req.UpdatedStemID, "stem", "", "Stem that triggered the regeneration")
	return cmd
}

func newEnqueueDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <track-id>...",
		Short: "Mark tracks for deletion and remove their files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ctx.pipelineApp()
			if err != nil {
				return err
			}
			job, err := app.DeleteTracks(cmd.Context(), &cqe.DeleteTracksReq{TrackIDs: args})
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}
}

func newEnqueueCleanupCommand(ctx *commandContext) *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run a file cleanup pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ctx.pipelineApp()
			if err != nil {
				return err
			}
			job, err := app.EnqueueCleanup(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "Explicit job id, a second enqueue with the same id is ignored")
	return cmd
}

func printJob(cmd *cobra.Command, job *dto.JobDto) {
	fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s on %s\n", job.JobID, job.Queue)
}

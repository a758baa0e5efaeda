package cmd

import (
	"fmt"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/jobs"
	"github.com/cuongbtq/variant-pipeline/internal/manager"
	"github.com/spf13/cobra"
)

// NewPauseCommand creates the pause command
func NewPauseCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <pipeline-id>",
		Short: "Stop a running pipeline from enqueueing new jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := env.Store(ctx)
			if err != nil {
				return err
			}
			pm := manager.NewPipelineManager(store, nil, env.log())
			if err := pm.Load(ctx, args[0]); err != nil {
				return err
			}
			if err := pm.Pause(ctx); err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Pipeline %s is %s\n", args[0], pm.Pipeline().Status)
			return nil
		},
	}
}

// NewResumeCommand creates the resume command
func NewResumeCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <pipeline-id>",
		Short: "Resume a paused pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := env.Store(ctx)
			if err != nil {
				return err
			}
			publisher, err := env.Publisher()
			if err != nil {
				return err
			}
			pm := manager.NewPipelineManager(store, publisher, env.log())
			if err := pm.Load(ctx, args[0]); err != nil {
				return err
			}
			report, err := pm.Resume(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Pipeline %s is %s (%d jobs enqueued)\n", args[0], report.Status, len(report.Enqueued))
			return nil
		},
	}
}

// NewReconcileCommand creates the reconcile command. It enqueues a coordination job for
// every running pipeline, which recovers pipelines whose follow-up coordination was lost.
func NewReconcileCommand(env *Env) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Enqueue coordination for every running pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := env.Store(ctx)
			if err != nil {
				return err
			}
			publisher, err := env.Publisher()
			if err != nil {
				return err
			}

			pipelines, err := store.ListPipelinesByStatus(ctx, []domain.PipelineStatus{domain.PipelineStatusRunning}, limit)
			if err != nil {
				return err
			}

			dispatcher := jobs.NewDispatcher(store, publisher, env.log())
			for _, p := range pipelines {
				if _, err := dispatcher.EnqueueCoordination(ctx, p.ID, p.CorrelationID, 0); err != nil {
					return fmt.Errorf("pipeline %s: %w", p.ID, err)
				}
			}
			fmt.Fprintf(env.Out, "Enqueued coordination for %d pipelines\n", len(pipelines))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of pipelines to reconcile")
	return cmd
}

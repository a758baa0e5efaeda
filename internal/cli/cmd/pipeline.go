package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/cuongbtq/variant-pipeline/internal/bootstrap"
	"github.com/cuongbtq/variant-pipeline/internal/factory"
	"github.com/cuongbtq/variant-pipeline/internal/jobs"
	"github.com/cuongbtq/variant-pipeline/internal/manager"
	"github.com/spf13/cobra"
)

// NewCreateCommand creates the create command
func NewCreateCommand(env *Env) *cobra.Command {
	var (
		rawParams []string
		createdBy string
		start     bool
	)

	cmd := &cobra.Command{
		Use:   "create <definition>",
		Short: "Build a pipeline from a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			catalog, err := env.Catalog()
			if err != nil {
				return err
			}
			def, err := catalog.Get(args[0])
			if err != nil {
				return err
			}
			store, err := env.Store(ctx)
			if err != nil {
				return err
			}

			cfg, err := env.config()
			if err != nil {
				return err
			}
			registry, err := bootstrap.Registry(&cfg.Engine)
			if err != nil {
				return err
			}

			plan, err := factory.New(store, registry, cfg.Engine.Version, env.log()).Build(ctx, def, params, factory.Options{CreatedBy: createdBy})
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Created pipeline %s (%s) with %d jobs\n", plan.Pipeline.ID, plan.Pipeline.URN, len(plan.Jobs))

			if !start {
				return nil
			}
			publisher, err := env.Publisher()
			if err != nil {
				return err
			}
			run, err := jobs.NewDispatcher(store, publisher, env.log()).StartPipeline(ctx, plan.Pipeline.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Enqueued start job %s\n", run.ID)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "Pipeline parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "Operator recorded on the pipeline")
	cmd.Flags().BoolVar(&start, "start", true, "Start the pipeline after building it")
	return cmd
}

// NewStartCommand creates the start command
func NewStartCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "start <pipeline-id>",
		Short: "Start a created pipeline",
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
			run, err := jobs.NewDispatcher(store, publisher, env.log()).StartPipeline(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Enqueued start job %s\n", run.ID)
			return nil
		},
	}
}

// NewCancelCommand creates the cancel command
func NewCancelCommand(env *Env) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <pipeline-id>",
		Short: "Cancel a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := env.Store(ctx)
			if err != nil {
				return err
			}

			// cancelling never publishes
			pm := manager.NewPipelineManager(store, nil, env.log())
			if err := pm.Load(ctx, args[0]); err != nil {
				return err
			}
			n, err := pm.Cancel(ctx, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Cancelled pipeline %s (%d jobs cancelled)\n", args[0], n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "cancelled by operator", "Reason recorded on cancelled jobs")
	return cmd
}

// NewStatusCommand creates the status command
func NewStatusCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "status <pipeline-id>",
		Short: "Show a pipeline and its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := env.Store(ctx)
			if err != nil {
				return err
			}
			p, err := store.GetPipeline(ctx, args[0])
			if err != nil {
				return err
			}
			runs, err := store.ListPipelineJobs(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(env.Out, "Pipeline %s [%s] %s\n", p.ID, p.Name, p.Status)

			w := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tKIND\tSTATUS\tRETRIES\tPROGRESS\tFAILURE")
			for _, r := range runs {
				failure := ""
				if r.FailureCategory != nil {
					failure = string(*r.FailureCategory)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d%%\t%s\n", r.JobKey, r.JobKind, r.Status, r.RetryCount, r.MaxRetries, r.ProgressPercent, failure)
			}
			return w.Flush()
		},
	}
}

// NewEnqueueCommand creates the enqueue command
func NewEnqueueCommand(env *Env) *cobra.Command {
	var rawParams []string

	cmd := &cobra.Command{
		Use:   "enqueue <kind>",
		Short: "Enqueue a standalone job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := env.config()
			if err != nil {
				return err
			}
			registry, err := bootstrap.Registry(&cfg.Engine)
			if err != nil {
				return err
			}
			if _, err := registry.Lookup(args[0]); err != nil {
				return err
			}
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			store, err := env.Store(ctx)
			if err != nil {
				return err
			}
			publisher, err := env.Publisher()
			if err != nil {
				return err
			}

			run, err := jobs.NewDispatcher(store, publisher, env.log()).EnqueueStandalone(ctx, jobs.Kind(args[0]), params)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Enqueued %s job %s\n", args[0], run.ID)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "Job parameter as key=value (repeatable)")
	return cmd
}

// Package cmd holds the pipeline-cli commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the CLI with every subcommand registered
func NewRootCommand(env *Env) *cobra.Command {
	defaultConfigPath := os.Getenv("PIPELINE_CLI_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}

	rootCmd := &cobra.Command{
		Use:           "pipeline-cli",
		Short:         "Operate variant annotation pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			env.Close()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&env.ConfigPath, "config", "c", defaultConfigPath, "Path to configuration file")

	RegisterCommands(rootCmd, env)
	return rootCmd
}

// RegisterCommands adds all available commands to the root command
func RegisterCommands(rootCmd *cobra.Command, env *Env) {
	rootCmd.AddCommand(NewMigrateCommand(env))
	rootCmd.AddCommand(NewDefinitionsCommand(env))
	rootCmd.AddCommand(NewCreateCommand(env))
	rootCmd.AddCommand(NewStartCommand(env))
	rootCmd.AddCommand(NewCancelCommand(env))
	rootCmd.AddCommand(NewPauseCommand(env))
	rootCmd.AddCommand(NewResumeCommand(env))
	rootCmd.AddCommand(NewReconcileCommand(env))
	rootCmd.AddCommand(NewStatusCommand(env))
	rootCmd.AddCommand(NewEnqueueCommand(env))
}

// parseParams turns key=value pairs into a parameter map. Values that parse as JSON keep
// their JSON type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		params[key] = value
	}
	return params, nil
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := env.Store(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(env.Out, "Schema is up to date")
			return nil
		},
	}
}

// NewDefinitionsCommand creates the definitions command
func NewDefinitionsCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "definitions",
		Short: "List pipeline definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := env.Catalog()
			if err != nil {
				return err
			}
			for _, name := range catalog.Names() {
				def := catalog[name]
				fmt.Fprintf(env.Out, "%s\t%d jobs\t%s\n", name, len(def.Jobs), def.Description)
			}
			return nil
		},
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// MigrateResult reports the schema after migration.
type MigrateResult struct {
	Database      string `json:"database"`
	SchemaVersion int    `json:"schema_version"`
}

func (r MigrateResult) String() string {
	return fmt.Sprintf("✓ %s at schema version %d", r.Database, r.SchemaVersion)
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Create the database if needed, apply pending schema migrations and
seed the built-in roles. Running it again is a no-op.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			return rootOpts.withApp(cmd, f, func(a *app) error {
				v, err := a.store.SchemaVersion(cmd.Context())
				if err != nil {
					return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to read schema version", err)
				}
				return f.Success(MigrateResult{Database: a.cfg.Database.Path, SchemaVersion: v})
			})
		},
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/caseguide/internal/admin"
)

// NewUserCommand creates the user command group.
func NewUserCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	cmd.AddCommand(newUserCreateCommand(rootOpts))
	return cmd
}

// CreatedUser is the output of user create.
type CreatedUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

func (u CreatedUser) String() string {
	return fmt.Sprintf("✓ Created %s (%s) with role %s\n  id: %s", u.Username, u.Email, u.Role, u.ID)
}

func newUserCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		req       admin.CreateUserRequest
		makeAdmin bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user without signing in",
		Long: `Create a user directly in the database. This is how the first
administrator is created.

Example:
  caseguide user create --username root --email root@example.gov.uk --password 'correct-horse' --admin
  caseguide user create --username casey --email casey@example.gov.uk --password 'correct-horse' --role caseworker`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			if makeAdmin {
				req.Role = admin.RoleAdmin
			}
			return rootOpts.withApp(cmd, f, func(a *app) error {
				u, err := a.admin.Bootstrap(cmd.Context(), req)
				if err != nil {
					return f.ServiceError("create user", err)
				}
				return f.Success(CreatedUser{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.RoleName})
			})
		},
	}
	cmd.Flags().StringVar(&req.Username, "username", "", "login name (required)")
	cmd.Flags().StringVar(&req.Email, "email", "", "email address (required)")
	cmd.Flags().StringVar(&req.Password, "password", "", "initial password (required)")
	cmd.Flags().StringVar(&req.Role, "role", admin.RoleViewer, fmt.Sprintf("role, one of %v", admin.Roles))
	cmd.Flags().BoolVar(&makeAdmin, "admin", false, "create an administrator (same as --role admin)")
	cmd.MarkFlagsMutuallyExclusive("admin", "role")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

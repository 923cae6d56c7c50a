package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bnema/paychat/internal/adapters/httpapi"
	statusadapter "github.com/bnema/paychat/internal/adapters/render/status"
	"github.com/bnema/paychat/internal/application"
	"github.com/bnema/paychat/internal/domain"
)

func newPoolCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage agent pools",
	}

	cmd.AddCommand(
		newPoolInitCmd(app),
		newPoolActivateCmd(app),
		newPoolDeactivateCmd(app),
		newPoolRegisterCmd(app),
		newPoolStatusCmd(app),
		newPoolAssignCmd(app),
	)

	return cmd
}

func newPoolInitCmd(app *app) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the default pools (pool-0..pool-N)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("count") {
				count = app.cfg.GetInt(keyPoolCount)
			}
			created, err := app.poolAssigner(nil).EnsureDefaultPools(cmd.Context(), count)
			if err != nil {
				return err
			}

			if len(created) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Pools already initialised")
				return nil
			}
			for _, pool := range created {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created pool %s\n", pool.ID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", application.DefaultPoolCount, "Number of pools to create")

	return cmd
}

func newPoolActivateCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <pool-id>",
		Short: "Make a pool eligible for new sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := app.poolAssigner(nil).Activate(cmd.Context(), domain.PoolID(args[0]))
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Activated pool %s (agents: %d)\n", pool.ID, len(pool.Agents))
			return nil
		},
	}
}

func newPoolDeactivateCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <pool-id>",
		Short: "Stop assigning new sessions to a pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := app.poolAssigner(nil).Deactivate(cmd.Context(), domain.PoolID(args[0]))
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deactivated pool %s\n", pool.ID)
			return nil
		},
	}
}

func newPoolRegisterCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "register <pool-id> <agent>",
		Short: "Add an agent to a pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent := strings.TrimSpace(args[1])
			if agent == "" {
				return fmt.Errorf("agent name is required")
			}
			pool, err := app.poolAssigner(nil).Register(cmd.Context(), domain.PoolID(args[0]), agent)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Pool %s agents: %s\n", pool.ID, sanitizeForTerminal(strings.Join(pool.Agents, ", ")))
			return nil
		},
	}
}

func newPoolStatusCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pools with the readiness the relay reports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := app.relayClient()
			if err != nil {
				return err
			}

			var statuses []application.PoolStatus
			err = runWithSpinner(cmd.Context(), cmd.ErrOrStderr(), "Checking pools...", func(ctx context.Context) error {
				var statusErr error
				statuses, statusErr = app.poolAssigner(client).Status(ctx)
				return statusErr
			})
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd, poolStatusJSON(statuses))
			}
			rendered, err := statusadapter.RenderPools(statuses, statusadapter.RenderOptions{Now: app.clock.Now()})
			return writeRendered(cmd, rendered, err)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	return cmd
}

func newPoolAssignCmd(app *app) *cobra.Command {
	var walletAddr string

	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Preview which pool a wallet would be routed to",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := app.relayClient()
			if err != nil {
				return err
			}

			assignment, err := app.poolAssigner(client, application.WithAssignRetries(0)).Assign(cmd.Context(), walletAddr)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "pool: %s\n", assignment.PoolID)
			_, _ = fmt.Fprintf(out, "routing: %t\n", assignment.Routing)
			return nil
		},
	}

	cmd.Flags().StringVar(&walletAddr, "wallet", "", "Wallet address (empty for an anonymous user)")

	return cmd
}

func poolStatusJSON(statuses []application.PoolStatus) []httpapi.PoolView {
	out := make([]httpapi.PoolView, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, httpapi.NewPoolView(status))
	}
	return out
}

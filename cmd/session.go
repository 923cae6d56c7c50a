package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/paychat/internal/ports"
)

func newSessionCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage relay sessions",
	}

	cmd.AddCommand(newSessionCreateCmd(app))

	return cmd
}

func newSessionCreateCmd(app *app) *cobra.Command {
	var anonymous bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a conversation with an agent pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			walletAddr := ""
			if !anonymous {
				w, err := app.loadWallet(cmd.Context(), nil)
				if err != nil {
					return err
				}
				if w != nil {
					walletAddr = w.Address()
				}
			}

			client, err := app.relayClient()
			if err != nil {
				return err
			}

			var info ports.SessionInfo
			err = runWithSpinner(cmd.Context(), cmd.ErrOrStderr(), "Finding an agent pool...", func(ctx context.Context) error {
				var createErr error
				info, createErr = client.CreateSession(ctx, walletAddr)
				return createErr
			})
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd, info)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "session: %s\n", info.SessionID)
			_, _ = fmt.Fprintf(out, "conversation: %s\n", info.ConversationID)
			_, _ = fmt.Fprintf(out, "pool: %s\n", info.PoolID)
			_, _ = fmt.Fprintf(out, "routing: %t\n", info.Routing)
			return nil
		},
	}

	cmd.Flags().BoolVar(&anonymous, "anonymous", false, "Do not attach the wallet address")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	return cmd
}

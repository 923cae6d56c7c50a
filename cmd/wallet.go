package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/paychat/internal/adapters/wallet"
)

var errNoWallet = errors.New("no wallet yet, run `paychat wallet init`")

func newWalletCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the signing wallet",
	}

	cmd.AddCommand(
		newWalletInitCmd(app),
		newWalletShowCmd(app),
	)

	return cmd
}

func newWalletInitCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate a wallet key and store it in the keychain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := wallet.Create(cmd.Context(), app.secrets, nil)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created wallet %s\n", w.Address())
			return nil
		},
	}
}

func newWalletShowCmd(app *app) *cobra.Command {
	var withScore bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the wallet address",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := app.loadWallet(cmd.Context(), nil)
			if err != nil {
				return err
			}
			if w == nil {
				return errNoWallet
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "address: %s\n", w.Address())
			if !withScore {
				return nil
			}

			client, err := app.relayClient()
			if err != nil {
				return err
			}
			score, err := client.CurrentScore(cmd.Context(), w.Address())
			if err != nil {
				return fmt.Errorf("fetch score: %w", err)
			}
			_, _ = fmt.Fprintf(out, "score: %d\n", score)
			return nil
		},
	}

	cmd.Flags().BoolVar(&withScore, "score", false, "Also fetch the current score from the relay")

	return cmd
}

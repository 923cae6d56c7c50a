package cmd

import (
	"github.com/spf13/cobra"

	statusadapter "github.com/bnema/paychat/internal/adapters/render/status"
)

func newPaymentsCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Inspect the local payment ledger",
	}

	cmd.AddCommand(newPaymentsListCmd(app))

	return cmd
}

func newPaymentsListCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List completed and aborted payments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := app.ledger.List(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd, records)
			}
			rendered, err := statusadapter.RenderPayments(records, statusadapter.RenderOptions{Now: app.clock.Now()})
			return writeRendered(cmd, rendered, err)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	return cmd
}

package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "paychat",
		Short:         "paychat: pay-per-answer chat with agent pools",
		Long:          "paychat runs the relay that routes conversations to agent pools and gates premium agents behind x402 payments, and is the client that chats, signs those payments and tracks your score.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	app, err := wireApp()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	flags := rootCmd.PersistentFlags()
	flags.String("relay", "", "Relay base URL (default from relay.url)")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	_ = app.cfg.BindPFlag(keyRelayURL, flags.Lookup("relay"))
	_ = app.cfg.BindPFlag(keyLogLevel, flags.Lookup("log-level"))

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(app),
		newSessionCmd(app),
		newChatCmd(app),
		newPoolCmd(app),
		newWalletCmd(app),
		newPaymentsCmd(app),
		newAgentCmd(app),
	)

	return rootCmd
}

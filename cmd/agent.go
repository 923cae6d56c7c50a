package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bnema/paychat/internal/domain"
)

// Agent commands let an operator, or a script standing in for an agent, talk
// to the relay the way a pool agent does.
func newAgentCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Act as a pool agent against the relay",
	}

	cmd.AddCommand(
		newAgentHeartbeatCmd(app),
		newAgentReplyCmd(app),
	)

	return cmd
}

func newAgentHeartbeatCmd(app *app) *cobra.Command {
	var poolID string

	cmd := &cobra.Command{
		Use:   "heartbeat <agent>",
		Short: "Report an agent as ready in a pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.relayClient()
			if err != nil {
				return err
			}
			if err := client.Heartbeat(cmd.Context(), domain.PoolID(poolID), args[0]); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Agent %s ready in %s\n", sanitizeForTerminal(args[0]), poolID)
			return nil
		},
	}

	cmd.Flags().StringVar(&poolID, "pool", string(domain.PoolIDForIndex(0)), "Pool ID")

	return cmd
}

func newAgentReplyCmd(app *app) *cobra.Command {
	var conversationID string
	var mentions []string

	cmd := &cobra.Command{
		Use:   "reply <agent> <message>",
		Short: "Post an agent reply into a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.relayClient()
			if err != nil {
				return err
			}

			body := strings.Join(args[1:], " ")
			msg, err := client.PostAgentReply(cmd.Context(), args[0], conversationID, body, mentions)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Posted %s\n", msg.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation ID")
	cmd.Flags().StringSliceVar(&mentions, "mention", nil, "Recipient of the reply; repeat for several")
	_ = cmd.MarkFlagRequired("conversation")

	return cmd
}

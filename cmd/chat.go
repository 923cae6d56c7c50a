package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	statusadapter "github.com/bnema/paychat/internal/adapters/render/status"
	"github.com/bnema/paychat/internal/adapters/wallet"
	"github.com/bnema/paychat/internal/application"
	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

const defaultTargetAgent = "insider-agent"

var errReplyTimeout = errors.New("timed out waiting for a reply")

func newChatCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send messages and follow a conversation",
	}

	cmd.AddCommand(
		newChatSendCmd(app),
		newChatWatchCmd(app),
	)

	return cmd
}

type chatOptions struct {
	agent          string
	sessionID      string
	conversationID string
	poolID         string
	anonymous      bool
	yes            bool
}

func (o chatOptions) resume() *ports.SessionInfo {
	if o.conversationID == "" {
		return nil
	}
	return &ports.SessionInfo{
		SessionID:      o.sessionID,
		ConversationID: o.conversationID,
		PoolID:         domain.PoolID(o.poolID),
	}
}

func bindChatFlags(cmd *cobra.Command, opts *chatOptions) {
	cmd.Flags().StringVar(&opts.agent, "agent", defaultTargetAgent, "Agent the message is addressed to")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Resume this session ID")
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "Resume this conversation ID")
	cmd.Flags().StringVar(&opts.poolID, "pool", "", "Pool of the resumed conversation")
	cmd.Flags().BoolVar(&opts.anonymous, "anonymous", false, "Chat without a wallet; priced agents cannot be paid")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "Approve payments without prompting")
}

// startSession wires a session against the relay and runs it on its own
// goroutine. The returned stop function cancels it and waits for Run.
func (a *app) startSession(cmd *cobra.Command, opts chatOptions) (*application.Session, func() error, error) {
	client, err := a.relayClient()
	if err != nil {
		return nil, nil, err
	}

	var signer ports.Signer
	walletAddr := ""
	if !opts.anonymous {
		confirm := wallet.PromptConfirm(cmd.InOrStdin(), cmd.ErrOrStderr())
		if opts.yes {
			confirm = wallet.AutoApprove
		}
		w, err := a.loadWallet(cmd.Context(), confirm)
		if err != nil {
			return nil, nil, err
		}
		if w != nil {
			signer = w
			walletAddr = w.Address()
		}
	}

	sess, err := application.NewSession(application.SessionConfig{
		Wallet:      walletAddr,
		TargetAgent: opts.agent,
		Resume:      opts.resume(),
		Transport:   application.DefaultTransportConfig(),
	}, application.SessionDeps{
		API:    client,
		Dialer: client,
		Signer: signer,
		Ledger: a.ledger,
		Scores: client,
		Clock:  a.clock,
		Logger: a.log(),
	})
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	stop := func() error {
		cancel()
		return <-runErr
	}

	select {
	case <-sess.Started():
		return sess, stop, nil
	case err := <-runErr:
		cancel()
		return nil, nil, err
	case <-ctx.Done():
		cancel()
		return nil, nil, ctx.Err()
	}
}

func newChatSendCmd(app *app) *cobra.Command {
	var opts chatOptions
	var wait bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message and wait for the agent's reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, stop, err := app.startSession(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = stop() }()

			before := len(sess.Snapshot().Timeline)
			if err := sess.Send(cmd.Context(), strings.Join(args, " "), opts.agent); err != nil {
				return err
			}

			snap := sess.Snapshot()
			if wait {
				timeout := app.cfg.GetDuration(keyReplyTimeout)
				snap, err = awaitReply(cmd.Context(), sess, before, timeout)
				if err != nil && !errors.Is(err, errReplyTimeout) {
					return err
				}
				if err != nil {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No reply yet; follow up with `paychat chat watch`.")
				}
			}

			if asJSON {
				return writeJSON(cmd, snap)
			}
			rendered, renderErr := statusadapter.RenderSession(snap, statusadapter.RenderOptions{Now: app.clock.Now()})
			if err := writeRendered(cmd, rendered, renderErr); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\nresume: paychat chat send --session %s --conversation %s --pool %s\n",
				snap.Info.SessionID, snap.Info.ConversationID, snap.Info.PoolID)
			return nil
		},
	}

	bindChatFlags(cmd, &opts)
	cmd.Flags().BoolVar(&wait, "wait", true, "Wait for the reply and any payment to finish")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the final snapshot as JSON")

	return cmd
}

// awaitReply follows snapshots until the sent message is on the timeline, no
// reply is pending and every payment has reached a terminal state.
func awaitReply(ctx context.Context, sess *application.Session, before int, timeout time.Duration) (application.Snapshot, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	snap := sess.Snapshot()
	for {
		if replySettled(snap, before) {
			return snap, nil
		}
		select {
		case next := <-sess.Updates():
			snap = next
		case <-sess.Done():
			return sess.Snapshot(), nil
		case <-timer.C:
			return sess.Snapshot(), errReplyTimeout
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

func replySettled(snap application.Snapshot, before int) bool {
	if len(snap.Timeline) <= before || snap.Waiting {
		return false
	}
	for _, attempt := range snap.Payments {
		if !attempt.State.Terminal() {
			return false
		}
	}
	return true
}

func newChatWatchCmd(app *app) *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a conversation live until you press q",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.conversationID == "" {
				return errors.New("--conversation is required")
			}
			sess, stop, err := app.startSession(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = stop() }()

			if err := sess.Follow(cmd.Context()); err != nil {
				return err
			}
			return statusadapter.Watch(cmd.Context(), sess.Snapshot(), sess.Updates(),
				cmd.InOrStdin(), cmd.OutOrStdout(), statusadapter.RenderOptions{Clock: app.clock})
		},
	}

	bindChatFlags(cmd, &opts)

	return cmd
}

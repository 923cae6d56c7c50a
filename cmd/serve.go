package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/bnema/paychat/internal/adapters/httpapi"
	amqppub "github.com/bnema/paychat/internal/adapters/publish/amqp"
	sqlitestore "github.com/bnema/paychat/internal/adapters/repo/sqlite"
	"github.com/bnema/paychat/internal/adapters/wallet"
	"github.com/bnema/paychat/internal/application"
	"github.com/bnema/paychat/internal/ports"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(app *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if listen == "" {
				listen = app.cfg.GetString(keyRelayListen)
			}
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}
			return app.serve(ctx, ln, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from relay.listen)")

	return cmd
}

// relayRuntime is a fully wired relay plus what must be closed with it.
type relayRuntime struct {
	service *application.RelayService
	store   *sqlitestore.Store
	closers []io.Closer
}

func (r *relayRuntime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	return errors.Join(errs...)
}

func (a *app) newRelay(ctx context.Context) (*relayRuntime, error) {
	logger := a.log().With(slog.String("component", "relay"))

	catalog, err := application.LoadCatalog(a.cfg.GetString(keyCatalogPath))
	if err != nil {
		return nil, err
	}

	store, err := sqlitestore.Open(ctx, a.cfg.GetString(keyRelayDB), logger)
	if err != nil {
		return nil, fmt.Errorf("open relay store: %w", err)
	}
	rt := &relayRuntime{store: store, closers: []io.Closer{store}}

	var publisher ports.EventPublisher = ports.NopPublisher{}
	if url := a.cfg.GetString(keyAMQPURL); url != "" {
		pub, err := amqppub.Dial(ctx, amqppub.Options{
			URL:      url,
			Exchange: a.cfg.GetString(keyAMQPExchange),
			Clock:    a.clock,
			Logger:   logger,
		})
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("connect event publisher: %w", err)
		}
		publisher = pub
		rt.closers = append(rt.closers, pub)
	}

	registry := application.NewAgentRegistry(a.cfg.GetDuration(keyHeartbeatTTL), a.clock)
	rt.service = application.NewRelayService(application.RelayConfig{
		SessionTTL:   a.cfg.GetDuration(keySessionTTL),
		HistoryLimit: a.cfg.GetInt(keyHistoryLimit),
	}, application.RelayDeps{
		Store:     store,
		Assigner:  a.poolAssigner(registry),
		Registry:  registry,
		Catalog:   catalog,
		Verifier:  wallet.Verifier{},
		Settler:   &wallet.LocalSettler{Down: a.cfg.GetBool(keySettlementDown)},
		Publisher: publisher,
		Clock:     a.clock,
		Logger:    logger,
	})
	return rt, nil
}

func (a *app) serve(ctx context.Context, ln net.Listener, out io.Writer) error {
	logger := a.log()

	rt, err := a.newRelay(ctx)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("close relay", slog.String("op", "cmd.serve"), slog.Any("err", err))
		}
	}()

	pools, err := a.pools.List(ctx)
	if err != nil {
		_ = ln.Close()
		return err
	}
	if len(pools) == 0 {
		logger.Warn("no pools configured, sessions will be refused until `paychat pool init` runs")
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(a.cfg.GetString(keyPruneSchedule), func() {
		if _, err := rt.service.PruneExpiredSessions(ctx); err != nil {
			logger.Error("prune sessions", slog.String("op", "cmd.serve"), slog.Any("err", err))
		}
	}); err != nil {
		_ = ln.Close()
		return fmt.Errorf("schedule session pruning: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Handler:           httpapi.NewRouter(rt.service, httpapi.Options{Logger: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	_, _ = fmt.Fprintf(out, "relay listening on %s\n", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown relay: %w", err)
	}
	return nil
}

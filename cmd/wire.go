package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/bnema/paychat/internal/adapters/httpclient"
	tomlrepo "github.com/bnema/paychat/internal/adapters/repo/toml"
	chainstore "github.com/bnema/paychat/internal/adapters/secrets/chain"
	"github.com/bnema/paychat/internal/adapters/wallet"
	"github.com/bnema/paychat/internal/application"
	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

const (
	configDirName  = ".paychat"
	configFileName = "config.toml"
	configPathEnv  = "PAYCHAT_CONFIG"
	envPrefix      = "PAYCHAT"

	keyRelayURL       = "relay.url"
	keyRelayListen    = "relay.listen"
	keyRelayDB        = "relay.db"
	keySessionTTL     = "relay.session_ttl"
	keyHistoryLimit   = "relay.history_limit"
	keyPruneSchedule  = "relay.prune_schedule"
	keyHeartbeatTTL   = "relay.heartbeat_ttl"
	keySettlementDown = "relay.settlement_down"
	keyCatalogPath    = "catalog.path"
	keyAMQPURL        = "amqp.url"
	keyAMQPExchange   = "amqp.exchange"
	keyLogLevel       = "log.level"
	keySecretsDir     = "secrets.dir"
	keyKeyringService = "secrets.keyring_service"
	keyPoolCount      = "pools.count"
	keyReplyTimeout   = "chat.reply_timeout"
)

type app struct {
	cfg        *viper.Viper
	pools      *tomlrepo.PoolRepository
	ledger     *tomlrepo.PaymentLedger
	secrets    ports.SecretStore
	clock      ports.Clock
	httpClient *http.Client
	logOutput  io.Writer

	loggerOnce sync.Once
	logger     *slog.Logger
}

func wireApp() (*app, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	// A missing .env is the normal case.
	_ = godotenv.Load()

	cfg, err := loadConfig(homeDir)
	if err != nil {
		return nil, err
	}

	pools, err := tomlrepo.NewPoolRepository(cfg)
	if err != nil {
		return nil, fmt.Errorf("wire pool repository: %w", err)
	}

	ledger, err := tomlrepo.NewPaymentLedger(cfg)
	if err != nil {
		return nil, fmt.Errorf("wire payment ledger: %w", err)
	}

	secretStore, err := chainstore.NewKeyringFirstWithFileFallback(cfg.GetString(keyKeyringService), cfg.GetString(keySecretsDir))
	if err != nil {
		return nil, fmt.Errorf("wire secret store chain: %w", err)
	}

	return &app{
		cfg:        cfg,
		pools:      pools,
		ledger:     ledger,
		secrets:    secretStore,
		clock:      ports.SystemClock{},
		httpClient: &http.Client{Timeout: httpclient.DefaultTimeout},
		logOutput:  os.Stderr,
	}, nil
}

// loadConfig layers defaults, ~/.paychat/config.toml and PAYCHAT_* variables.
func loadConfig(homeDir string) (*viper.Viper, error) {
	dataDir := filepath.Join(homeDir, configDirName)

	cfg := viper.New()
	cfg.SetDefault(keyRelayURL, "http://127.0.0.1:8402")
	cfg.SetDefault(keyRelayListen, "127.0.0.1:8402")
	cfg.SetDefault(keyRelayDB, filepath.Join(dataDir, "relay.db"))
	cfg.SetDefault(keySessionTTL, application.DefaultSessionTTL)
	cfg.SetDefault(keyHistoryLimit, application.DefaultHistoryLimit)
	cfg.SetDefault(keyPruneSchedule, "@every 10m")
	cfg.SetDefault(keyHeartbeatTTL, application.DefaultHeartbeatTTL)
	cfg.SetDefault(keySettlementDown, false)
	cfg.SetDefault(keyCatalogPath, "")
	cfg.SetDefault(keyAMQPURL, "")
	cfg.SetDefault(keyAMQPExchange, "paychat.events")
	cfg.SetDefault(keyLogLevel, "warn")
	cfg.SetDefault(keySecretsDir, filepath.Join(dataDir, "secrets"))
	cfg.SetDefault(keyKeyringService, "paychat")
	cfg.SetDefault(keyPoolCount, application.DefaultPoolCount)
	cfg.SetDefault(keyReplyTimeout, 2*time.Minute)
	cfg.SetDefault(tomlrepo.PoolsPathKey, filepath.Join(dataDir, "pools.toml"))
	cfg.SetDefault(tomlrepo.PaymentsPathKey, filepath.Join(dataDir, "payments.toml"))

	cfg.SetEnvPrefix(envPrefix)
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cfg.AutomaticEnv()

	path := os.Getenv(configPathEnv)
	if path == "" {
		path = filepath.Join(dataDir, configFileName)
	}
	cfg.SetConfigFile(path)
	cfg.SetConfigType("toml")
	if err := cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	return cfg, nil
}

func (a *app) log() *slog.Logger {
	a.loggerOnce.Do(func() {
		a.logger = newLogger(a.cfg.GetString(keyLogLevel), a.logOutput)
	})
	return a.logger
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func (a *app) relayClient() (*httpclient.Client, error) {
	return httpclient.New(a.cfg.GetString(keyRelayURL),
		httpclient.WithHTTPClient(a.httpClient),
		httpclient.WithClock(a.clock),
		httpclient.WithLogger(a.log()),
	)
}

func (a *app) poolAssigner(probe ports.PoolHealthProbe, opts ...application.PoolAssignerOption) *application.PoolAssigner {
	return application.NewPoolAssigner(a.pools, probe, a.clock, a.log(), opts...)
}

// loadWallet returns the stored wallet, or nil when none has been created.
func (a *app) loadWallet(ctx context.Context, confirm wallet.ConfirmFunc) (*wallet.Wallet, error) {
	w, err := wallet.Load(ctx, a.secrets, confirm)
	if err != nil {
		if errors.Is(err, domain.ErrSecretNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return w, nil
}

package keyring

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	zkr "github.com/zalando/go-keyring"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

const (
	DefaultService = "paychat"
	disabledEnv    = "PAYCHAT_KEYRING_DISABLED"
)

var ErrUnavailable = errors.New("os keyring unavailable")

// backend is the subset of go-keyring the store uses.
type backend interface {
	Get(service, user string) (string, error)
	Set(service, user, password string) error
	Delete(service, user string) error
}

type osBackend struct{}

func (osBackend) Get(service, user string) (string, error) { return zkr.Get(service, user) }
func (osBackend) Set(service, user, password string) error { return zkr.Set(service, user, password) }
func (osBackend) Delete(service, user string) error        { return zkr.Delete(service, user) }

type Store struct {
	service  string
	backend  backend
	disabled bool
}

var _ ports.SecretStore = (*Store)(nil)

// NewStore stores secrets under service in the OS keychain. Setting
// PAYCHAT_KEYRING_DISABLED=1 turns it off for headless hosts.
func NewStore(service string) *Store {
	if strings.TrimSpace(service) == "" {
		service = DefaultService
	}
	return &Store{
		service:  service,
		backend:  osBackend{},
		disabled: os.Getenv(disabledEnv) == "1",
	}
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}

	if err := s.backend.Set(s.service, key, value); err != nil {
		return fmt.Errorf("keyring put %q: %w", key, err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := s.check(ctx, key); err != nil {
		return "", err
	}

	value, err := s.backend.Get(s.service, key)
	if err != nil {
		if errors.Is(err, zkr.ErrNotFound) {
			return "", fmt.Errorf("keyring secret %q: %w", key, domain.ErrSecretNotFound)
		}
		return "", fmt.Errorf("keyring get %q: %w", key, err)
	}

	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}

	err := s.backend.Delete(s.service, key)
	if err != nil && !errors.Is(err, zkr.ErrNotFound) {
		return fmt.Errorf("keyring delete %q: %w", key, err)
	}

	return nil
}

func (s *Store) check(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.disabled {
		return ErrUnavailable
	}
	return domain.ValidateSecretKey(key)
}

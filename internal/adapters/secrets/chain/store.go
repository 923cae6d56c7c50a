// Package chain layers secret stores: the wallet seed goes to the first
// backend that accepts it and is read from the first backend that has it.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	filestore "github.com/bnema/paychat/internal/adapters/secrets/file"
	keyringstore "github.com/bnema/paychat/internal/adapters/secrets/keyring"
	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

type backend struct {
	name  string
	store ports.SecretStore
}

type Store struct {
	backends []backend
}

var _ ports.SecretStore = (*Store)(nil)

var (
	errNilPrimaryStore  = errors.New("primary secret store is nil")
	errNilFallbackStore = errors.New("fallback secret store is nil")
)

func NewStore(primary ports.SecretStore, fallback ports.SecretStore) *Store {
	store, err := NewStoreChecked(primary, fallback)
	if err != nil {
		panic(err)
	}
	return store
}

func NewStoreChecked(primary ports.SecretStore, fallback ports.SecretStore) (*Store, error) {
	return newNamed("primary", primary, "fallback", fallback)
}

// NewKeyringFirstWithFileFallback prefers the OS keychain and falls back to
// 0600 files under fileRoot when no keychain is reachable.
func NewKeyringFirstWithFileFallback(service, fileRoot string) (*Store, error) {
	return newNamed("keyring", keyringstore.NewStore(service), "file", filestore.NewStore(fileRoot))
}

func newNamed(primaryName string, primary ports.SecretStore, fallbackName string, fallback ports.SecretStore) (*Store, error) {
	if primary == nil {
		return nil, errNilPrimaryStore
	}
	if fallback == nil {
		return nil, errNilFallbackStore
	}
	return &Store{backends: []backend{{primaryName, primary}, {fallbackName, fallback}}}, nil
}

// Put writes to the first backend that accepts the value.
func (s *Store) Put(ctx context.Context, key string, value string) error {
	failures := make([]string, 0, len(s.backends))
	causes := make([]error, 0, len(s.backends))
	for _, b := range s.backends {
		err := b.store.Put(ctx, key, value)
		if err == nil {
			return nil
		}
		if isContextErr(err) {
			return err
		}
		failures = append(failures, fmt.Sprintf("%s backend put failed: %v", b.name, err))
		causes = append(causes, err)
	}
	return combine(failures, causes)
}

// Get returns the value from the first backend holding key. A key missing
// from a reachable backend still matches domain.ErrSecretNotFound when the
// other backend is unavailable.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	failures := make([]string, 0, len(s.backends))
	causes := make([]error, 0, len(s.backends))
	missing := 0
	for _, b := range s.backends {
		value, err := b.store.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if isContextErr(err) {
			return "", err
		}
		if errors.Is(err, domain.ErrSecretNotFound) {
			missing++
		}
		failures = append(failures, fmt.Sprintf("%s backend get failed: %v", b.name, err))
		causes = append(causes, err)
	}
	if missing == len(s.backends) {
		return "", fmt.Errorf("secret %q: %w", key, domain.ErrSecretNotFound)
	}
	return "", combine(failures, causes)
}

// Delete removes key from every backend so no copy of a seed outlives it.
func (s *Store) Delete(ctx context.Context, key string) error {
	failures := make([]string, 0, len(s.backends))
	causes := make([]error, 0, len(s.backends))
	deleted := 0
	for _, b := range s.backends {
		err := b.store.Delete(ctx, key)
		if err == nil {
			deleted++
			continue
		}
		if isContextErr(err) {
			return err
		}
		failures = append(failures, fmt.Sprintf("%s backend delete failed: %v", b.name, err))
		causes = append(causes, err)
	}
	if deleted > 0 {
		return nil
	}
	return combine(failures, causes)
}

type chainError struct {
	msg    string
	causes []error
}

func (e *chainError) Error() string   { return e.msg }
func (e *chainError) Unwrap() []error { return e.causes }

func combine(failures []string, causes []error) error {
	return &chainError{msg: strings.Join(failures, "; "), causes: causes}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

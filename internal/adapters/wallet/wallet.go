// Package wallet signs x402 transfers with an ed25519 key whose public half,
// base58 encoded, is the wallet address.
package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

const SeedKey = "wallet/seed"

// ConfirmFunc asks the holder to approve a transfer before it is signed.
type ConfirmFunc func(ctx context.Context, transfer domain.TransferRequest) (bool, error)

// AutoApprove signs everything. Only for scripted use.
func AutoApprove(context.Context, domain.TransferRequest) (bool, error) { return true, nil }

type Wallet struct {
	key     ed25519.PrivateKey
	address string
	confirm ConfirmFunc
}

var _ ports.Signer = (*Wallet)(nil)

func FromSeed(seed []byte, confirm ConfirmFunc) (*Wallet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("wallet seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	if confirm == nil {
		confirm = AutoApprove
	}
	key := ed25519.NewKeyFromSeed(seed)
	return &Wallet{
		key:     key,
		address: base58.Encode(key.Public().(ed25519.PublicKey)),
		confirm: confirm,
	}, nil
}

// Load reads the seed from store. A missing seed is domain.ErrSecretNotFound.
func Load(ctx context.Context, store ports.SecretStore, confirm ConfirmFunc) (*Wallet, error) {
	encoded, err := store.Get(ctx, SeedKey)
	if err != nil {
		return nil, err
	}
	seed, err := base58.Decode(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode wallet seed: %w", err)
	}
	return FromSeed(seed, confirm)
}

// Create generates a fresh key and persists its seed. It refuses to replace
// an existing wallet.
func Create(ctx context.Context, store ports.SecretStore, confirm ConfirmFunc) (*Wallet, error) {
	if _, err := store.Get(ctx, SeedKey); err == nil {
		return nil, errors.New("a wallet already exists")
	} else if !errors.Is(err, domain.ErrSecretNotFound) {
		return nil, fmt.Errorf("check existing wallet: %w", err)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate wallet seed: %w", err)
	}
	if err := store.Put(ctx, SeedKey, base58.Encode(seed)); err != nil {
		return nil, fmt.Errorf("store wallet seed: %w", err)
	}
	return FromSeed(seed, confirm)
}

func (w *Wallet) Address() string {
	return w.address
}

func (w *Wallet) SignTransfer(ctx context.Context, transfer domain.TransferRequest) (domain.SignedTransfer, error) {
	if transfer.From != w.address {
		return domain.SignedTransfer{}, fmt.Errorf("transfer is from %s, wallet is %s", transfer.From, w.address)
	}

	ok, err := w.confirm(ctx, transfer)
	if err != nil {
		return domain.SignedTransfer{}, fmt.Errorf("%w: %v", domain.ErrSignatureDeclined, err)
	}
	if !ok {
		return domain.SignedTransfer{}, domain.ErrSignatureDeclined
	}

	msg, err := transfer.CanonicalBytes()
	if err != nil {
		return domain.SignedTransfer{}, err
	}
	return domain.SignedTransfer{
		Transfer:  transfer,
		Signature: base58.Encode(ed25519.Sign(w.key, msg)),
	}, nil
}

package wallet

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

// Verifier checks transfer signatures against the base58 From address.
type Verifier struct{}

var _ ports.TransferVerifier = Verifier{}

func (Verifier) Verify(st domain.SignedTransfer) error {
	pub, err := base58.Decode(st.Transfer.From)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("payer address %q is not an ed25519 public key", st.Transfer.From)
	}
	sig, err := base58.Decode(st.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return errors.New("signature is not a base58 ed25519 signature")
	}
	msg, err := st.Transfer.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return errors.New("signature does not match transfer")
	}
	return nil
}

// LocalSettler confirms verified transfers without touching a network. The
// payer's signature doubles as the transaction signature, as on Solana.
type LocalSettler struct {
	// Down makes every settlement fail as retryable; used to rehearse outages.
	Down bool
}

var _ ports.Settler = (*LocalSettler)(nil)

func (s *LocalSettler) Settle(ctx context.Context, st domain.SignedTransfer) (domain.SettlementReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.SettlementReceipt{}, &domain.SettlementError{Retryable: true, Err: err}
	}
	if s.Down {
		return domain.SettlementReceipt{}, &domain.SettlementError{Retryable: true, Err: errors.New("settlement backend is down")}
	}
	if st.Transfer.Amount <= 0 {
		return domain.SettlementReceipt{}, &domain.SettlementError{Err: errors.New("transfer amount must be positive")}
	}
	return domain.SettlementReceipt{
		PaymentID: st.Transfer.PaymentID,
		Signature: st.Signature,
		Amount:    st.Transfer.Amount,
	}, nil
}

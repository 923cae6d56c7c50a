package ports

import (
	"context"

	"github.com/bnema/paychat/internal/domain"
)

// Signer asks the wallet holder to sign a transfer. A refusal is reported as
// domain.ErrSignatureDeclined.
type Signer interface {
	Address() string
	SignTransfer(ctx context.Context, transfer domain.TransferRequest) (domain.SignedTransfer, error)
}

// Settler submits a verified transfer to the payment network and returns the
// confirmation. Failures should be *domain.SettlementError.
type Settler interface {
	Settle(ctx context.Context, transfer domain.SignedTransfer) (domain.SettlementReceipt, error)
}

// TransferVerifier checks that a signed transfer was signed by its From address.
type TransferVerifier interface {
	Verify(transfer domain.SignedTransfer) error
}

package ports

import (
	"context"
	"time"

	"github.com/bnema/paychat/internal/domain"
)

type PaymentRecord struct {
	PaymentID   domain.PaymentID
	State       domain.PaymentState
	ServiceType string
	Amount      domain.Amount
	Signature   string
	Reason      string
	UpdatedAt   time.Time
}

// PaymentLedger remembers directives that reached a terminal state so they
// are never prompted again, across restarts.
type PaymentLedger interface {
	Get(ctx context.Context, id domain.PaymentID) (PaymentRecord, error)
	List(ctx context.Context) ([]PaymentRecord, error)
	Save(ctx context.Context, record PaymentRecord) error
}

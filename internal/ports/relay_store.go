package ports

import (
	"context"
	"time"

	"github.com/bnema/paychat/internal/domain"
)

type StoredSession struct {
	ID             string
	ConversationID string
	PoolID         domain.PoolID
	Wallet         string
	CreatedAt      time.Time
}

type PendingPayment struct {
	Directive      domain.PaymentDirective
	ConversationID string
	TargetAgent    string
}

// RelayStore persists the relay's sessions, messages, payments and scores.
// Lookups of unknown sessions or conversations return domain.ErrSessionExpired.
type RelayStore interface {
	CreateSession(ctx context.Context, session StoredSession) error
	SessionByConversation(ctx context.Context, conversationID string) (StoredSession, error)
	AppendMessage(ctx context.Context, msg WireMessage) error
	Messages(ctx context.Context, conversationID string, limit int) ([]WireMessage, error)
	SavePendingPayment(ctx context.Context, pending PendingPayment) error
	PendingPayment(ctx context.Context, id domain.PaymentID) (PendingPayment, error)
	// ClaimSettlement reserves a payment id before any money moves. A second
	// claim for the same id fails with domain.ErrAlreadySettled.
	ClaimSettlement(ctx context.Context, id domain.PaymentID, claimedAt time.Time) error
	// ReleaseSettlement drops a claim whose settlement failed.
	ReleaseSettlement(ctx context.Context, id domain.PaymentID) error
	RecordSettlement(ctx context.Context, receipt domain.SettlementReceipt, settledAt time.Time) error
	Settlement(ctx context.Context, id domain.PaymentID) (domain.SettlementReceipt, error)
	Score(ctx context.Context, wallet string) (int, error)
	SaveScore(ctx context.Context, wallet string, score int, updatedAt time.Time) error
	PruneSessions(ctx context.Context, createdBefore time.Time) (int, error)
}

package ports

import (
	"context"

	"github.com/bnema/paychat/internal/domain"
)

// WireMessage is a message record as delivered by the stream or poll endpoints.
type WireMessage struct {
	ID             string                    `json:"id"`
	ConversationID string                    `json:"conversation_id"`
	Sender         string                    `json:"sender"`
	SenderKind     string                    `json:"sender_kind"`
	Mentions       []string                  `json:"mentions"`
	Body           string                    `json:"body"`
	CreatedAt      int64                     `json:"created_at"`
	Completion     *domain.PaymentCompletion `json:"completion,omitempty"`
}

const (
	SenderKindUser   = "user"
	SenderKindAgent  = "agent"
	SenderKindSystem = "system"

	// AnonymousSender identifies a user who has not connected a wallet.
	AnonymousSender = "anonymous"
)

type SessionInfo struct {
	SessionID      string        `json:"session_id"`
	ConversationID string        `json:"conversation_id"`
	PoolID         domain.PoolID `json:"pool_id"`
	Routing        bool          `json:"routing"`
}

type SendRequest struct {
	SessionID      string
	ConversationID string
	Body           string
	TargetAgent    string
	SenderWallet   string
	// Payment, when set, marks the send as a settlement retry.
	Payment *domain.SignedTransfer
}

type SendResult struct {
	Message    WireMessage
	Settlement *domain.SettlementReceipt
}

// ChatAPI is the client view of the relay. Send returns
// *domain.PaymentRequiredError for 402, domain.ErrSessionExpired for 410 and a
// *domain.SettlementError for 503.
type ChatAPI interface {
	CreateSession(ctx context.Context, wallet string) (SessionInfo, error)
	Send(ctx context.Context, req SendRequest) (SendResult, error)
	Poll(ctx context.Context, conversationID string) ([]WireMessage, error)
}

type StreamEvent struct {
	Type     string        `json:"type"`
	Messages []WireMessage `json:"messages,omitempty"`
}

const (
	StreamEventMessages = "messages"
	StreamEventPing     = "ping"
)

type StreamConn interface {
	Next(ctx context.Context) (StreamEvent, error)
	Close() error
}

type StreamDialer interface {
	Dial(ctx context.Context, conversationID string) (StreamConn, error)
}

type ScoreSource interface {
	CurrentScore(ctx context.Context, wallet string) (int, error)
}

package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

// PaymentHeader carries a base64 encoded JSON signed transfer.
const PaymentHeader = "X-PAYMENT"

const (
	CodePaymentRequired       = "payment_required"
	CodeSessionExpired        = "session_expired"
	CodePoolsNotReady         = "pools_not_ready"
	CodeSettlementUnavailable = "settlement_unavailable"
	CodePaymentRejected       = "payment_rejected"
	CodeAlreadySettled        = "already_settled"
	CodeInvalidRequest        = "invalid_request"
	CodeNotFound              = "not_found"
	CodeInternal              = "internal_error"
)

type ErrorBody struct {
	Error     string          `json:"error"`
	Message   string          `json:"message,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Payment   json.RawMessage `json:"payment,omitempty"`
}

type CreateSessionRequest struct {
	Wallet string `json:"wallet,omitempty"`
}

type SendMessageRequest struct {
	Body         string `json:"body"`
	TargetAgent  string `json:"target_agent,omitempty"`
	SenderWallet string `json:"sender_wallet,omitempty"`
}

type SendMessageResponse struct {
	Message    ports.WireMessage         `json:"message"`
	Settlement *domain.SettlementReceipt `json:"settlement,omitempty"`
}

type MessagesResponse struct {
	Messages []ports.WireMessage `json:"messages"`
}

type AgentReplyRequest struct {
	Body     string   `json:"body"`
	Mentions []string `json:"mentions,omitempty"`
}

type PoolView struct {
	ID          domain.PoolID `json:"id"`
	Name        string        `json:"name"`
	Active      bool          `json:"active"`
	Agents      []string      `json:"agents"`
	ReadyAgents int           `json:"ready_agents"`
	MinReady    int           `json:"min_ready"`
	Healthy     bool          `json:"healthy"`
	Error       string        `json:"error,omitempty"`
}

// ScoreUpdateRequest follows the scoring service's camelCase field names.
type ScoreUpdateRequest struct {
	UserWallet            string  `json:"userWallet"`
	EvaluationScore       float64 `json:"evaluationScore"`
	Reason                string  `json:"reason"`
	Category              string  `json:"category"`
	Subcategory           string  `json:"subcategory,omitempty"`
	AgentID               string  `json:"agentId,omitempty"`
	MessageID             string  `json:"messageId,omitempty"`
	PremiumServicePayment float64 `json:"premiumServicePayment,omitempty"`
}

type ScoreUpdateResponse struct {
	PreviousScore int    `json:"previousScore"`
	NewScore      int    `json:"newScore"`
	Delta         int    `json:"delta"`
	Feedback      string `json:"feedback"`
}

type ScoreResponse struct {
	Wallet string `json:"wallet"`
	Score  int    `json:"score"`
}

func EncodePayment(transfer domain.SignedTransfer) (string, error) {
	data, err := json.Marshal(transfer)
	if err != nil {
		return "", fmt.Errorf("encode payment header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func DecodePayment(header string) (domain.SignedTransfer, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return domain.SignedTransfer{}, fmt.Errorf("%w: payment header is not base64", domain.ErrInvalidRequest)
	}
	var transfer domain.SignedTransfer
	if err := json.Unmarshal(data, &transfer); err != nil {
		return domain.SignedTransfer{}, fmt.Errorf("%w: payment header: %v", domain.ErrInvalidRequest, err)
	}
	if transfer.Transfer.PaymentID == "" || transfer.Signature == "" {
		return domain.SignedTransfer{}, fmt.Errorf("%w: payment header is incomplete", domain.ErrInvalidRequest)
	}
	return transfer, nil
}

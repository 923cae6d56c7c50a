package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type PaymentID string

type PaymentState string

const (
	PaymentDetected          PaymentState = "detected"
	PaymentAwaitingSignature PaymentState = "awaiting_signature"
	PaymentSubmitted         PaymentState = "submitted"
	PaymentSettled           PaymentState = "settled"
	PaymentNotifiedAgent     PaymentState = "notified_agent"
	PaymentCompleted         PaymentState = "completed"
	PaymentAborted           PaymentState = "aborted"
)

func (s PaymentState) Terminal() bool {
	return s == PaymentCompleted || s == PaymentAborted
}

const (
	DefaultCurrency       = "USDC"
	DefaultNetwork        = "solana-devnet"
	DirectiveTTL          = 600 * time.Second
	TransferChain         = "solana"
	TransferProtocol      = "x402"
	TransferVersion       = "1.0"
	currentPaymentIDStart = "wht-"
)

// PaymentCorrelation is recovered from the structure of a payment id. It is
// best effort; dedicated directive fields win when present.
type PaymentCorrelation struct {
	Provider    string
	ServiceType string
	Target      string
	IssuedAt    time.Time
	Legacy      bool
}

type PaymentDirective struct {
	ID          PaymentID
	Recipient   string
	Amount      Amount
	Currency    string
	Network     string
	ServiceType string
	Reason      string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Correlation *PaymentCorrelation
}

func (d PaymentDirective) Validate() error {
	if strings.TrimSpace(string(d.ID)) == "" {
		return fmt.Errorf("payment id is required")
	}
	if strings.TrimSpace(d.Recipient) == "" {
		return fmt.Errorf("recipient is required")
	}
	if d.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	return nil
}

func (d PaymentDirective) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

// NewPaymentID builds a current-format id: wht-{provider}-{service}[-{target}]-{unix}.
func NewPaymentID(provider, serviceType, target string, issuedAt time.Time) PaymentID {
	parts := []string{"wht", idSegment(provider), idSegment(serviceType)}
	if target != "" {
		parts = append(parts, idSegment(target))
	}
	parts = append(parts, strconv.FormatInt(issuedAt.Unix(), 10))
	return PaymentID(strings.Join(parts, "-"))
}

// ParsePaymentID recovers correlation fields from a payment id. Provider names
// are underscored in the id, so dashes only ever separate fields.
func ParsePaymentID(id PaymentID) (PaymentCorrelation, bool) {
	fields := strings.Split(string(id), "-")
	if len(fields) < 3 {
		return PaymentCorrelation{}, false
	}

	unix, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return PaymentCorrelation{}, false
	}
	issued := time.Unix(unix, 0).UTC()

	if strings.HasPrefix(string(id), currentPaymentIDStart) {
		switch len(fields) {
		case 4:
			return PaymentCorrelation{Provider: fields[1], ServiceType: fields[2], IssuedAt: issued}, true
		case 5:
			return PaymentCorrelation{Provider: fields[1], ServiceType: fields[2], Target: fields[3], IssuedAt: issued}, true
		default:
			return PaymentCorrelation{}, false
		}
	}

	if len(fields) != 3 {
		return PaymentCorrelation{}, false
	}
	return PaymentCorrelation{Provider: fields[0], ServiceType: fields[1], IssuedAt: issued, Legacy: true}, true
}

func idSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

// TransferRequest is the payload the payer signs.
type TransferRequest struct {
	PaymentID PaymentID `json:"payment_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    Amount    `json:"amount"`
	Timestamp int64     `json:"timestamp"`
	Chain     string    `json:"chain"`
	Network   string    `json:"network"`
	Protocol  string    `json:"protocol"`
	Version   string    `json:"version"`
}

func NewTransferRequest(d PaymentDirective, from string, now time.Time) TransferRequest {
	network := d.Network
	if network == "" {
		network = DefaultNetwork
	}
	return TransferRequest{
		PaymentID: d.ID,
		From:      from,
		To:        d.Recipient,
		Amount:    d.Amount,
		Timestamp: now.Unix(),
		Chain:     TransferChain,
		Network:   network,
		Protocol:  TransferProtocol,
		Version:   TransferVersion,
	}
}

// CanonicalBytes is the signed form: JSON with keys in sorted order.
func (t TransferRequest) CanonicalBytes() ([]byte, error) {
	fields := map[string]any{
		"payment_id": t.PaymentID,
		"from":       t.From,
		"to":         t.To,
		"amount":     int64(t.Amount),
		"timestamp":  t.Timestamp,
		"chain":      t.Chain,
		"network":    t.Network,
		"protocol":   t.Protocol,
		"version":    t.Version,
	}
	return json.Marshal(fields)
}

type SignedTransfer struct {
	Transfer  TransferRequest `json:"transfer"`
	Signature string          `json:"signature"`
}

type SettlementReceipt struct {
	PaymentID PaymentID `json:"payment_id"`
	Signature string    `json:"signature"`
	Amount    Amount    `json:"amount"`
}

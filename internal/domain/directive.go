package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Variant is the tagged classification of an inbound body, decided once at
// the transport boundary.
type Variant int

const (
	PlainMessage Variant = iota
	PaymentDirectiveMessage
	ScoreDirectiveMessage
	PaymentAndScoreMessage
)

func (v Variant) HasPayment() bool {
	return v == PaymentDirectiveMessage || v == PaymentAndScoreMessage
}

func (v Variant) HasScore() bool {
	return v == ScoreDirectiveMessage || v == PaymentAndScoreMessage
}

type ScoreDirective struct {
	Current     int    `json:"current_score"`
	Delta       int    `json:"delta"`
	Reason      string `json:"reason"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Feedback    string `json:"feedback,omitempty"`
}

// Parsed is the result of splitting a raw body into display text and directives.
type Parsed struct {
	Variant     Variant
	Display     string
	Payment     *PaymentDirective
	Score       *ScoreDirective
	Completions []CompletionMarker
	// Malformed collects fragments that looked like directives but failed to
	// decode. They are stripped from Display all the same.
	Malformed []error
}

type CompletionMarker struct {
	Signature   string
	ServiceType string
	Amount      Amount
	PaymentID   PaymentID
}

const (
	paymentDirectiveType = "x402_payment_required"
	scoreDirectiveType   = "score_update"
	completionTag        = "PREMIUM_SERVICE_PAYMENT_COMPLETED"
)

var (
	paymentBlockRe   = regexp.MustCompile(`(?s)<x402_payment_request>(.*?)</x402_payment_request>`)
	scoreBlockRe     = regexp.MustCompile(`(?s)<score_update>(.*?)</score_update>`)
	scoreInlineRe    = regexp.MustCompile(`\{[^{}]*"type"\s*:\s*"score_update"[^{}]*\}`)
	completionRe     = regexp.MustCompile(`\[PREMIUM_SERVICE_PAYMENT_COMPLETED:\s*([A-Za-z0-9]+)(?:\|(\w+)\|([\d.]+)(?:\|([^\]]+))?)?\]`)
	walletRoutingRe  = regexp.MustCompile(`\[USER_WALLET:[1-9A-HJ-NP-Za-km-z]{32,44}\]`)
	collapseSpacesRe = regexp.MustCompile(`[ \t]{2,}`)
)

// ParseBody extracts every directive and control marker from raw. It never
// fails: undecodable fragments are reported in Parsed.Malformed.
func ParseBody(raw string, now time.Time) Parsed {
	parsed := Parsed{}

	display := paymentBlockRe.ReplaceAllStringFunc(raw, func(block string) string {
		inner := paymentBlockRe.FindStringSubmatch(block)[1]
		directive, err := DecodePaymentDirective([]byte(inner), now)
		if err != nil {
			parsed.Malformed = append(parsed.Malformed, err)
			return ""
		}
		if parsed.Payment == nil {
			parsed.Payment = &directive
		}
		return ""
	})

	scoreFn := func(inner string) string {
		score, err := DecodeScoreDirective([]byte(inner))
		if err != nil {
			parsed.Malformed = append(parsed.Malformed, err)
			return ""
		}
		if parsed.Score == nil {
			parsed.Score = &score
		}
		return ""
	}
	display = scoreBlockRe.ReplaceAllStringFunc(display, func(block string) string {
		return scoreFn(scoreBlockRe.FindStringSubmatch(block)[1])
	})
	display = scoreInlineRe.ReplaceAllStringFunc(display, func(block string) string {
		return scoreFn(block)
	})

	parsed.Completions = ScanCompletionMarkers(display)
	display = completionRe.ReplaceAllString(display, "")
	display = walletRoutingRe.ReplaceAllString(display, "")
	display = collapseSpacesRe.ReplaceAllString(display, " ")
	parsed.Display = strings.TrimSpace(display)

	switch {
	case parsed.Payment != nil && parsed.Score != nil:
		parsed.Variant = PaymentAndScoreMessage
	case parsed.Payment != nil:
		parsed.Variant = PaymentDirectiveMessage
	case parsed.Score != nil:
		parsed.Variant = ScoreDirectiveMessage
	default:
		parsed.Variant = PlainMessage
	}

	return parsed
}

// ScanCompletionMarkers finds textual settlement markers. Legacy markers carry
// only the signature.
func ScanCompletionMarkers(body string) []CompletionMarker {
	matches := completionRe.FindAllStringSubmatch(body, -1)
	markers := make([]CompletionMarker, 0, len(matches))
	for _, m := range matches {
		marker := CompletionMarker{Signature: m[1], ServiceType: m[2], PaymentID: PaymentID(strings.TrimSpace(m[4]))}
		if m[3] != "" {
			if amount, err := ParseAmount(m[3]); err == nil {
				marker.Amount = amount
			}
		}
		markers = append(markers, marker)
	}
	return markers
}

func FormatCompletionMarker(receipt SettlementReceipt, serviceType string) string {
	return fmt.Sprintf("[%s: %s|%s|%s|%s]", completionTag, receipt.Signature, serviceType, receipt.Amount, receipt.PaymentID)
}

func FormatPaymentDirective(d PaymentDirective) (string, error) {
	data, err := MarshalPaymentDirective(d)
	if err != nil {
		return "", err
	}
	return "<x402_payment_request>" + string(data) + "</x402_payment_request>", nil
}

// MarshalPaymentDirective encodes the JSON object carried inside a payment
// block and in 402 response bodies.
func MarshalPaymentDirective(d PaymentDirective) ([]byte, error) {
	wire := map[string]any{
		"type":              paymentDirectiveType,
		"protocol_version":  TransferVersion,
		"chain":             TransferChain,
		"network":           d.Network,
		"recipient":         map[string]any{"address": d.Recipient, "chain": TransferChain},
		"recipient_address": d.Recipient,
		"amount":            d.Amount.Float64(),
		"currency":          d.Currency,
		"reason":            d.Reason,
		"service_type":      d.ServiceType,
		"payment_id":        d.ID,
		"timestamp":         d.IssuedAt.Unix(),
		"expires_at":        d.ExpiresAt.Unix(),
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode payment directive: %w", err)
	}
	return data, nil
}

type paymentDirectiveWire struct {
	Type             string          `json:"type"`
	PaymentID        string          `json:"payment_id"`
	Recipient        json.RawMessage `json:"recipient"`
	RecipientAddress string          `json:"recipient_address"`
	Amount           json.RawMessage `json:"amount"`
	Currency         string          `json:"currency"`
	Network          string          `json:"network"`
	ServiceType      string          `json:"service_type"`
	Reason           string          `json:"reason"`
	Timestamp        json.RawMessage `json:"timestamp"`
	ExpiresAt        json.RawMessage `json:"expires_at"`
}

// DecodePaymentDirective decodes the JSON carried inside a payment block.
func DecodePaymentDirective(data []byte, now time.Time) (PaymentDirective, error) {
	var wire paymentDirectiveWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return PaymentDirective{}, fmt.Errorf("%w: payment: %v", ErrMalformedDirective, err)
	}
	if wire.Type != "" && wire.Type != paymentDirectiveType {
		return PaymentDirective{}, fmt.Errorf("%w: payment: unexpected type %q", ErrMalformedDirective, wire.Type)
	}

	amount, err := decodeWireAmount(wire.Amount)
	if err != nil {
		return PaymentDirective{}, fmt.Errorf("%w: payment: %v", ErrMalformedDirective, err)
	}

	d := PaymentDirective{
		ID:          PaymentID(strings.TrimSpace(wire.PaymentID)),
		Recipient:   firstNonEmpty(wire.RecipientAddress, decodeWireRecipient(wire.Recipient)),
		Amount:      amount,
		Currency:    firstNonEmpty(wire.Currency, DefaultCurrency),
		Network:     firstNonEmpty(wire.Network, DefaultNetwork),
		ServiceType: strings.TrimSpace(wire.ServiceType),
		Reason:      wire.Reason,
		IssuedAt:    wireTime(wire.Timestamp, now),
	}
	d.ExpiresAt = wireTime(wire.ExpiresAt, d.IssuedAt.Add(DirectiveTTL))

	if correlation, ok := ParsePaymentID(d.ID); ok {
		d.Correlation = &correlation
		if d.ServiceType == "" {
			d.ServiceType = correlation.ServiceType
		}
	}

	if err := d.Validate(); err != nil {
		return PaymentDirective{}, fmt.Errorf("%w: payment: %v", ErrMalformedDirective, err)
	}

	return d, nil
}

func DecodeScoreDirective(data []byte) (ScoreDirective, error) {
	var wire struct {
		Type string `json:"type"`
		ScoreDirective
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return ScoreDirective{}, fmt.Errorf("%w: score: %v", ErrMalformedDirective, err)
	}
	if wire.Type != scoreDirectiveType {
		return ScoreDirective{}, fmt.Errorf("%w: score: unexpected type %q", ErrMalformedDirective, wire.Type)
	}
	return wire.ScoreDirective, nil
}

func FormatScoreDirective(s ScoreDirective) (string, error) {
	wire := struct {
		Type string `json:"type"`
		ScoreDirective
	}{Type: scoreDirectiveType, ScoreDirective: s}
	data, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("encode score directive: %w", err)
	}
	return string(data), nil
}

func decodeWireAmount(raw json.RawMessage) (Amount, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("amount is missing")
	}

	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return AmountFromFloat(number)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return ParseAmount(text)
	}

	var nested struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested.Value) > 0 {
		return decodeWireAmount(nested.Value)
	}

	return 0, fmt.Errorf("amount %s is not a number", string(raw))
}

func decodeWireRecipient(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var address string
	if err := json.Unmarshal(raw, &address); err == nil {
		return strings.TrimSpace(address)
	}

	var nested struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil {
		return strings.TrimSpace(nested.Address)
	}

	return ""
}

// wireTime accepts unix seconds or an RFC 3339 string.
func wireTime(raw json.RawMessage, fallback time.Time) time.Time {
	if len(raw) == 0 {
		return fallback
	}

	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err == nil && seconds > 0 {
		return time.Unix(int64(seconds), 0).UTC()
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if parsed, err := time.Parse(time.RFC3339, text); err == nil {
			return parsed.UTC()
		}
		if v, err := strconv.ParseFloat(text, 64); err == nil && v > 0 {
			return time.Unix(int64(v), 0).UTC()
		}
	}

	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

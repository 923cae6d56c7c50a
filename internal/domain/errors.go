package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPoolNotFound          = errors.New("pool not found")
	ErrPoolsNotReady         = errors.New("no pool has enough ready agents yet")
	ErrSecretNotFound        = errors.New("secret not found")
	ErrInvalidSecretKey      = errors.New("invalid secret key")
	ErrSessionExpired        = errors.New("conversation no longer exists")
	ErrSignatureDeclined     = errors.New("signature declined")
	ErrSettlementUnavailable = errors.New("payment processor temporarily unavailable")
	ErrPaymentRejected       = errors.New("payment rejected by counterparty")
	ErrMalformedDirective    = errors.New("malformed directive")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrAlreadySettled        = errors.New("payment already settled")
	ErrInvalidRequest        = errors.New("invalid request")
)

// PaymentRequiredError carries the directive returned by a 402 response.
type PaymentRequiredError struct {
	Directive PaymentDirective
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required: %s %s for %s (%s)", e.Directive.Amount, e.Directive.Currency, e.Directive.ServiceType, e.Directive.ID)
}

// SettlementError wraps a processor failure. Retryable failures map to 503.
type SettlementError struct {
	Retryable bool
	Err       error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement failed: %v", e.Err)
}

func (e *SettlementError) Unwrap() error {
	if e.Retryable {
		return errors.Join(ErrSettlementUnavailable, e.Err)
	}
	return e.Err
}

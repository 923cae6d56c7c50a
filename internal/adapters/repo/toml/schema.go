package toml

import "fmt"

const currentPaymentsSchemaVersion = 1

type paymentsFileSchema struct {
	Version  int             `toml:"version"`
	Payments []paymentSchema `toml:"payments"`
}

func (s *paymentsFileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentPaymentsSchemaVersion
	}
}

func (s paymentsFileSchema) validateVersion() error {
	if s.Version > currentPaymentsSchemaVersion {
		return fmt.Errorf("unsupported payments schema version %d (current %d)", s.Version, currentPaymentsSchemaVersion)
	}

	return nil
}

// Amounts are stored as decimal strings so the file stays readable.
type paymentSchema struct {
	PaymentID   string `toml:"payment_id"`
	State       string `toml:"state"`
	ServiceType string `toml:"service_type,omitempty"`
	Amount      string `toml:"amount,omitempty"`
	Signature   string `toml:"signature,omitempty"`
	Reason      string `toml:"reason,omitempty"`
	UpdatedAt   string `toml:"updated_at"`
}

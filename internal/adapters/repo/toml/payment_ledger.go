package toml

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
	"github.com/spf13/viper"
)

const (
	PaymentsPathKey    = "payments.path"
	paymentsConfigFile = "payments.toml"
)

// PaymentLedger keeps processed payment ids in a TOML file next to the pools.
type PaymentLedger struct {
	path string
	mu   *sync.RWMutex
}

var _ ports.PaymentLedger = (*PaymentLedger)(nil)

func NewPaymentLedger(cfg *viper.Viper) (*PaymentLedger, error) {
	path, err := resolvePath(cfg, PaymentsPathKey, paymentsConfigFile)
	if err != nil {
		return nil, err
	}

	return &PaymentLedger{path: path, mu: lockForPath(path)}, nil
}

func (l *PaymentLedger) Get(ctx context.Context, id domain.PaymentID) (ports.PaymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return ports.PaymentRecord{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	file, err := l.readSchema()
	if err != nil {
		return ports.PaymentRecord{}, err
	}

	for _, entry := range file.Payments {
		if entry.PaymentID == string(id) {
			return fromPaymentSchema(entry)
		}
	}

	return ports.PaymentRecord{}, domain.ErrPaymentNotFound
}

func (l *PaymentLedger) List(ctx context.Context) ([]ports.PaymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	file, err := l.readSchema()
	if err != nil {
		return nil, err
	}

	records := make([]ports.PaymentRecord, 0, len(file.Payments))
	for _, entry := range file.Payments {
		record, err := fromPaymentSchema(entry)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt.Before(records[j].UpdatedAt)
	})

	return records, nil
}

func (l *PaymentLedger) Save(ctx context.Context, record ports.PaymentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.PaymentID == "" {
		return fmt.Errorf("%w: payment id is required", domain.ErrInvalidRequest)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := l.readSchema()
	if err != nil {
		return err
	}
	file.applyDefaults()

	encoded := toPaymentSchema(record)
	updated := false
	for i := range file.Payments {
		if file.Payments[i].PaymentID == encoded.PaymentID {
			file.Payments[i] = encoded
			updated = true
			break
		}
	}
	if !updated {
		file.Payments = append(file.Payments, encoded)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return writeTOMLFile(l.path, file)
}

func (l *PaymentLedger) readSchema() (paymentsFileSchema, error) {
	var file paymentsFileSchema
	if err := readTOMLFile(l.path, "payments", &file); err != nil {
		return paymentsFileSchema{}, err
	}
	if err := file.validateVersion(); err != nil {
		return paymentsFileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func toPaymentSchema(record ports.PaymentRecord) paymentSchema {
	amount := ""
	if record.Amount > 0 {
		amount = record.Amount.String()
	}

	return paymentSchema{
		PaymentID:   string(record.PaymentID),
		State:       string(record.State),
		ServiceType: record.ServiceType,
		Amount:      amount,
		Signature:   record.Signature,
		Reason:      record.Reason,
		UpdatedAt:   formatTime(record.UpdatedAt),
	}
}

func fromPaymentSchema(schema paymentSchema) (ports.PaymentRecord, error) {
	var amount domain.Amount
	if schema.Amount != "" {
		parsed, err := domain.ParseAmount(schema.Amount)
		if err != nil {
			return ports.PaymentRecord{}, fmt.Errorf("payment %s: %w", schema.PaymentID, err)
		}
		amount = parsed
	}

	return ports.PaymentRecord{
		PaymentID:   domain.PaymentID(schema.PaymentID),
		State:       domain.PaymentState(schema.State),
		ServiceType: schema.ServiceType,
		Amount:      amount,
		Signature:   schema.Signature,
		Reason:      schema.Reason,
		UpdatedAt:   parseTime(schema.UpdatedAt),
	}, nil
}

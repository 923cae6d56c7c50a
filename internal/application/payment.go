package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

// PaymentOrigin is the send that a directive gates. Settlement redelivers it.
type PaymentOrigin struct {
	SessionID      string
	ConversationID string
	TargetAgent    string
	Body           string
	OptimisticID   domain.MessageID
}

type PaymentAttempt struct {
	Directive domain.PaymentDirective
	State     domain.PaymentState
	Origin    PaymentOrigin
	Receipt   *domain.SettlementReceipt
	Err       error
	UpdatedAt time.Time
}

// PaymentUpdate is returned to the session after each transition.
type PaymentUpdate struct {
	Attempt   PaymentAttempt
	Delivered *ports.WireMessage
	Notice    string
}

type PaymentOrchestrator struct {
	signer    ports.Signer
	api       ports.ChatAPI
	ledger    ports.PaymentLedger
	publisher ports.EventPublisher
	clock     ports.Clock
	logger    *slog.Logger

	attempts  map[domain.PaymentID]*PaymentAttempt
	processed map[domain.PaymentID]struct{}
}

func NewPaymentOrchestrator(signer ports.Signer, api ports.ChatAPI, ledger ports.PaymentLedger, publisher ports.EventPublisher, clock ports.Clock, logger *slog.Logger) *PaymentOrchestrator {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if publisher == nil {
		publisher = ports.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentOrchestrator{
		signer:    signer,
		api:       api,
		ledger:    ledger,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		attempts:  map[domain.PaymentID]*PaymentAttempt{},
		processed: map[domain.PaymentID]struct{}{},
	}
}

// Detect decides whether a directive starts a new attempt. It returns false
// for anything already in flight, already processed, already evidenced as
// completed in known, or expired.
func (o *PaymentOrchestrator) Detect(ctx context.Context, d domain.PaymentDirective, origin PaymentOrigin, known []domain.Message) bool {
	const op = "application.PaymentOrchestrator.Detect"

	if attempt, ok := o.attempts[d.ID]; ok && !attempt.State.Terminal() {
		o.logger.Debug("payment already in flight", slog.String("payment_id", string(d.ID)))
		return false
	}
	if o.isProcessed(ctx, d.ID) {
		return false
	}
	if completion, ok := CompletionEvidence(d.ID, known); ok {
		o.logger.Info("payment already completed elsewhere", slog.String("payment_id", string(d.ID)))
		o.remember(ctx, ports.PaymentRecord{
			PaymentID:   d.ID,
			State:       domain.PaymentCompleted,
			ServiceType: d.ServiceType,
			Amount:      d.Amount,
			Signature:   completion.Signature,
		})
		return false
	}
	if d.Expired(o.clock.Now()) {
		o.logger.Warn("ignoring expired payment directive", slog.String("op", op), slog.String("payment_id", string(d.ID)))
		return false
	}

	return o.begin(d, origin)
}

// Retry starts a fresh attempt for an aborted directive. It needs an explicit
// user action; nothing calls it automatically.
func (o *PaymentOrchestrator) Retry(ctx context.Context, id domain.PaymentID) (PaymentAttempt, error) {
	attempt, ok := o.attempts[id]
	if !ok {
		return PaymentAttempt{}, domain.ErrPaymentNotFound
	}
	if attempt.State != domain.PaymentAborted {
		return PaymentAttempt{}, fmt.Errorf("payment %s is %s, not aborted", id, attempt.State)
	}
	if attempt.Directive.Expired(o.clock.Now()) {
		return PaymentAttempt{}, fmt.Errorf("payment %s has expired", id)
	}
	delete(o.processed, id)
	o.begin(attempt.Directive, attempt.Origin)
	return *o.attempts[id], nil
}

func (o *PaymentOrchestrator) begin(d domain.PaymentDirective, origin PaymentOrigin) bool {
	o.attempts[d.ID] = &PaymentAttempt{
		Directive: d,
		State:     domain.PaymentAwaitingSignature,
		Origin:    origin,
		UpdatedAt: o.clock.Now(),
	}
	o.logger.Info("payment detected",
		slog.String("payment_id", string(d.ID)),
		slog.String("service_type", d.ServiceType),
		slog.String("amount", d.Amount.String()))
	return true
}

// Execute runs the signing and settlement steps for an attempt that is
// awaiting signature. It blocks on the user and the network, so the session
// runs it on its own goroutine; results come back as paymentProgress events.
func (o *PaymentOrchestrator) Execute(ctx context.Context, attempt PaymentAttempt, emit emitFunc) {
	d := attempt.Directive
	transfer := domain.NewTransferRequest(d, o.signer.Address(), o.clock.Now())

	signed, err := o.signer.SignTransfer(ctx, transfer)
	if err != nil {
		emit(paymentProgress{id: d.ID, state: domain.PaymentAborted, err: err})
		return
	}
	if !emit(paymentProgress{id: d.ID, state: domain.PaymentSubmitted}) {
		return
	}

	result, err := o.api.Send(ctx, ports.SendRequest{
		SessionID:      attempt.Origin.SessionID,
		ConversationID: attempt.Origin.ConversationID,
		Body:           attempt.Origin.Body,
		TargetAgent:    attempt.Origin.TargetAgent,
		SenderWallet:   o.signer.Address(),
		Payment:        &signed,
	})
	if err != nil {
		var required *domain.PaymentRequiredError
		if errors.As(err, &required) {
			err = fmt.Errorf("%w: %v", domain.ErrPaymentRejected, err)
		}
		emit(paymentProgress{id: d.ID, state: domain.PaymentAborted, err: err})
		return
	}
	if result.Settlement == nil {
		emit(paymentProgress{id: d.ID, state: domain.PaymentAborted, err: fmt.Errorf("%w: no settlement receipt", domain.ErrSettlementUnavailable)})
		return
	}

	if !emit(paymentProgress{id: d.ID, state: domain.PaymentSettled, receipt: result.Settlement}) {
		return
	}
	delivered := result.Message
	emit(paymentProgress{id: d.ID, state: domain.PaymentNotifiedAgent, receipt: result.Settlement, message: &delivered})
}

// Advance applies a progress event. Reaching NotifiedAgent completes the
// attempt; Completed and Aborted are both recorded as processed.
func (o *PaymentOrchestrator) Advance(ctx context.Context, ev paymentProgress) (PaymentUpdate, bool) {
	attempt, ok := o.attempts[ev.id]
	if !ok || attempt.State.Terminal() {
		return PaymentUpdate{}, false
	}

	attempt.State = ev.state
	attempt.UpdatedAt = o.clock.Now()
	if ev.receipt != nil {
		attempt.Receipt = ev.receipt
	}
	update := PaymentUpdate{Delivered: ev.message}

	switch ev.state {
	case domain.PaymentSubmitted:
		update.Notice = "Payment signed, submitting..."
	case domain.PaymentSettled:
		update.Notice = fmt.Sprintf("Payment of %s %s confirmed.", attempt.Directive.Amount, attempt.Directive.Currency)
	case domain.PaymentNotifiedAgent:
		attempt.State = domain.PaymentCompleted
		update.Notice = fmt.Sprintf("Delivered to %s, waiting for a reply.", attempt.Origin.TargetAgent)
	case domain.PaymentAborted:
		attempt.Err = ev.err
		update.Notice = abortNotice(ev.err)
		o.logger.Warn("payment aborted",
			slog.String("op", "application.PaymentOrchestrator.Advance"),
			slog.String("payment_id", string(ev.id)),
			slog.Any("err", ev.err))
	}

	if attempt.State.Terminal() {
		record := ports.PaymentRecord{
			PaymentID:   attempt.Directive.ID,
			State:       attempt.State,
			ServiceType: attempt.Directive.ServiceType,
			Amount:      attempt.Directive.Amount,
		}
		if attempt.Receipt != nil {
			record.Signature = attempt.Receipt.Signature
		}
		if attempt.Err != nil {
			record.Reason = attempt.Err.Error()
		}
		o.remember(ctx, record)
	}

	o.publish(ctx, *attempt)
	update.Attempt = *attempt
	return update, true
}

func (o *PaymentOrchestrator) Attempt(id domain.PaymentID) (PaymentAttempt, bool) {
	attempt, ok := o.attempts[id]
	if !ok {
		return PaymentAttempt{}, false
	}
	return *attempt, true
}

func (o *PaymentOrchestrator) Attempts() []PaymentAttempt {
	out := make([]PaymentAttempt, 0, len(o.attempts))
	for _, attempt := range o.attempts {
		out = append(out, *attempt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Directive.ID < out[j].Directive.ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

func (o *PaymentOrchestrator) isProcessed(ctx context.Context, id domain.PaymentID) bool {
	if _, ok := o.processed[id]; ok {
		return true
	}
	if o.ledger == nil {
		return false
	}
	record, err := o.ledger.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrPaymentNotFound) {
			o.logger.Warn("payment ledger lookup failed", slog.String("op", "application.PaymentOrchestrator.isProcessed"), slog.Any("err", err))
		}
		return false
	}
	if record.State.Terminal() {
		o.processed[id] = struct{}{}
		return true
	}
	return false
}

func (o *PaymentOrchestrator) remember(ctx context.Context, record ports.PaymentRecord) {
	o.processed[record.PaymentID] = struct{}{}
	if o.ledger == nil {
		return
	}
	record.UpdatedAt = o.clock.Now()
	if err := o.ledger.Save(ctx, record); err != nil {
		o.logger.Error("payment ledger write failed",
			slog.String("op", "application.PaymentOrchestrator.remember"),
			slog.String("payment_id", string(record.PaymentID)),
			slog.Any("err", err))
	}
}

func (o *PaymentOrchestrator) publish(ctx context.Context, attempt PaymentAttempt) {
	payload := map[string]any{
		"payment_id":   attempt.Directive.ID,
		"state":        attempt.State,
		"service_type": attempt.Directive.ServiceType,
		"amount":       attempt.Directive.Amount.String(),
		"currency":     attempt.Directive.Currency,
		"at":           attempt.UpdatedAt,
	}
	if err := o.publisher.Publish(ctx, "payment."+string(attempt.State), payload); err != nil {
		o.logger.Warn("publish payment event failed", slog.String("op", "application.PaymentOrchestrator.publish"), slog.Any("err", err))
	}
}

// CompletionEvidence looks for structured completion metadata first, then for
// a textual completion marker, anywhere in known.
func CompletionEvidence(id domain.PaymentID, known []domain.Message) (domain.PaymentCompletion, bool) {
	for _, msg := range known {
		if msg.Completion != nil && msg.Completion.PaymentID == id {
			return *msg.Completion, true
		}
	}
	for _, msg := range known {
		body := msg.RawBody
		if body == "" {
			body = msg.Body
		}
		for _, marker := range domain.ScanCompletionMarkers(body) {
			if marker.PaymentID == id {
				return domain.PaymentCompletion{PaymentID: id, Signature: marker.Signature}, true
			}
		}
	}
	return domain.PaymentCompletion{}, false
}

func abortNotice(err error) string {
	switch {
	case errors.Is(err, domain.ErrSignatureDeclined):
		return "Payment cancelled. You can keep chatting."
	case errors.Is(err, domain.ErrSettlementUnavailable):
		return "The payment processor is temporarily unavailable. Please wait a moment and try again."
	case errors.Is(err, domain.ErrPaymentRejected):
		return "The payment was not accepted. Please try again."
	case errors.Is(err, domain.ErrSessionExpired):
		return "This conversation expired before the payment went through. Please send your message again."
	default:
		return "The payment could not be completed. Please try again."
	}
}

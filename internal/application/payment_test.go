package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var paymentNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDirective() domain.PaymentDirective {
	return domain.PaymentDirective{
		ID:          domain.NewPaymentID("white_house", "insider_info", "trump", paymentNow),
		Recipient:   "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		Amount:      500,
		Currency:    domain.DefaultCurrency,
		ServiceType: "insider_info",
		IssuedAt:    paymentNow,
		ExpiresAt:   paymentNow.Add(domain.DirectiveTTL),
	}
}

func testOrigin() PaymentOrigin {
	return PaymentOrigin{SessionID: "s1", ConversationID: "conv-1", TargetAgent: "trump", Body: "tell me a secret"}
}

// runPayment executes the attempt and feeds every emitted event back through
// Advance, returning the updates in order.
func runPayment(t *testing.T, o *PaymentOrchestrator, id domain.PaymentID) []PaymentUpdate {
	t.Helper()
	sink := newEventSink()
	attempt, ok := o.Attempt(id)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		o.Execute(context.Background(), attempt, sink.emit)
		close(done)
	}()
	<-done
	close(sink.ch)

	var updates []PaymentUpdate
	for ev := range sink.ch {
		update, ok := o.Advance(context.Background(), ev.(paymentProgress))
		if ok {
			updates = append(updates, update)
		}
	}
	return updates
}

func TestPaymentHappyPathReachesCompleted(t *testing.T) {
	t.Parallel()

	directive := testDirective()
	api := &fakeChatAPI{sendFn: func(req ports.SendRequest) (ports.SendResult, error) {
		require.NotNil(t, req.Payment)
		return ports.SendResult{
			Message:    ports.WireMessage{ID: "srv-1", ConversationID: "conv-1", Sender: "wallet-a", SenderKind: ports.SenderKindUser, Body: req.Body},
			Settlement: &domain.SettlementReceipt{PaymentID: req.Payment.Transfer.PaymentID, Signature: "txsig", Amount: req.Payment.Transfer.Amount},
		}, nil
	}}
	ledger := &memLedger{}
	publisher := &recordingPublisher{}
	o := NewPaymentOrchestrator(&fakeSigner{address: "wallet-a"}, api, ledger, publisher, fixedClock{now: paymentNow}, quietLogger())

	require.True(t, o.Detect(context.Background(), directive, testOrigin(), nil))
	attempt, _ := o.Attempt(directive.ID)
	assert.Equal(t, domain.PaymentAwaitingSignature, attempt.State)

	updates := runPayment(t, o, directive.ID)
	require.Len(t, updates, 3)
	assert.Equal(t, domain.PaymentSubmitted, updates[0].Attempt.State)
	assert.Equal(t, domain.PaymentSettled, updates[1].Attempt.State)
	assert.Equal(t, domain.PaymentCompleted, updates[2].Attempt.State)
	require.NotNil(t, updates[2].Delivered)
	assert.Equal(t, "srv-1", updates[2].Delivered.ID)

	sent := api.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "tell me a secret", sent[0].Body)
	assert.Equal(t, "trump", sent[0].TargetAgent)
	assert.Equal(t, directive.Recipient, sent[0].Payment.Transfer.To)

	record, err := ledger.Get(context.Background(), directive.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, record.State)
	assert.Equal(t, "txsig", record.Signature)

	assert.Equal(t, []string{"payment.submitted", "payment.settled", "payment.completed"}, publisher.published())
}

func TestPaymentIsProcessedAtMostOnce(t *testing.T) {
	t.Parallel()

	directive := testDirective()
	api := &fakeChatAPI{sendFn: func(req ports.SendRequest) (ports.SendResult, error) {
		return ports.SendResult{Settlement: &domain.SettlementReceipt{PaymentID: directive.ID, Signature: "s"}}, nil
	}}
	o := NewPaymentOrchestrator(&fakeSigner{address: "w"}, api, nil, nil, fixedClock{now: paymentNow}, quietLogger())

	require.True(t, o.Detect(context.Background(), directive, testOrigin(), nil))
	assert.False(t, o.Detect(context.Background(), directive, testOrigin(), nil), "in flight")

	runPayment(t, o, directive.ID)
	assert.False(t, o.Detect(context.Background(), directive, testOrigin(), nil), "completed")
	assert.Len(t, api.sent(), 1)
}

func TestPaymentDeclinedSignatureAborts(t *testing.T) {
	t.Parallel()

	directive := testDirective()
	api := &fakeChatAPI{}
	o := NewPaymentOrchestrator(&fakeSigner{address: "w", err: domain.ErrSignatureDeclined}, api, &memLedger{}, nil, fixedClock{now: paymentNow}, quietLogger())

	require.True(t, o.Detect(context.Background(), directive, testOrigin(), nil))
	updates := runPayment(t, o, directive.ID)

	require.Len(t, updates, 1)
	assert.Equal(t, domain.PaymentAborted, updates[0].Attempt.State)
	assert.Equal(t, "Payment cancelled. You can keep chatting.", updates[0].Notice)
	assert.Empty(t, api.sent())

	assert.False(t, o.Detect(context.Background(), directive, testOrigin(), nil), "aborted is not re-prompted")
}

func TestPaymentRetryAfterAbort(t *testing.T) {
	t.Parallel()

	directive := testDirective()
	signer := &fakeSigner{address: "w", err: domain.ErrSignatureDeclined}
	api := &fakeChatAPI{sendFn: func(req ports.SendRequest) (ports.SendResult, error) {
		return ports.SendResult{Settlement: &domain.SettlementReceipt{PaymentID: directive.ID, Signature: "s"}}, nil
	}}
	o := NewPaymentOrchestrator(signer, api, nil, nil, fixedClock{now: paymentNow}, quietLogger())

	_, err := o.Retry(context.Background(), directive.ID)
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)

	require.True(t, o.Detect(context.Background(), directive, testOrigin(), nil))
	runPayment(t, o, directive.ID)

	signer.err = nil
	attempt, err := o.Retry(context.Background(), directive.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentAwaitingSignature, attempt.State)

	updates := runPayment(t, o, directive.ID)
	assert.Equal(t, domain.PaymentCompleted, updates[len(updates)-1].Attempt.State)
}

func TestPaymentSettlementUnavailableAborts(t *testing.T) {
	t.Parallel()

	directive := testDirective()
	api := &fakeChatAPI{sendFn: func(ports.SendRequest) (ports.SendResult, error) {
		return ports.SendResult{}, &domain.SettlementError{Retryable: true, Err: errors.New("rpc timeout")}
	}}
	o := NewPaymentOrchestrator(&fakeSigner{address: "w"}, api, nil, nil, fixedClock{now: paymentNow}, quietLogger())

	require.True(t, o.Detect(context.Background(), directive, testOrigin(), nil))
	updates := runPayment(t, o, directive.ID)

	last := updates[len(updates)-1]
	assert.Equal(t, domain.PaymentAborted, last.Attempt.State)
	assert.ErrorIs(t, last.Attempt.Err, domain.ErrSettlementUnavailable)
	assert.Contains(t, last.Notice, "temporarily unavailable")
}

func TestPaymentSecond402IsRejection(t *testing.T) {
	t.Parallel()

	directive := testDirective()
	api := &fakeChatAPI{sendFn: func(ports.SendRequest) (ports.SendResult, error) {
		return ports.SendResult{}, &domain.PaymentRequiredError{Directive: directive}
	}}
	o := NewPaymentOrchestrator(&fakeSigner{address: "w"}, api, nil, nil, fixedClock{now: paymentNow}, quietLogger())

	require.True(t, o.Detect(context.Background(), directive, testOrigin(), nil))
	updates := runPayment(t, o, directive.ID)
	assert.ErrorIs(t, updates[len(updates)-1].Attempt.Err, domain.ErrPaymentRejected)
}

func TestPaymentDetectSkipsExpiredAndEvidenced(t *testing.T) {
	t.Parallel()

	o := NewPaymentOrchestrator(&fakeSigner{address: "w"}, &fakeChatAPI{}, nil, nil, fixedClock{now: paymentNow.Add(time.Hour)}, quietLogger())
	assert.False(t, o.Detect(context.Background(), testDirective(), testOrigin(), nil))

	directive := testDirective()
	marker := domain.FormatCompletionMarker(domain.SettlementReceipt{PaymentID: directive.ID, Signature: "abc123", Amount: 500}, "insider_info")
	known := []domain.Message{{ID: "m1", RawBody: "paid " + marker}}

	fresh := NewPaymentOrchestrator(&fakeSigner{address: "w"}, &fakeChatAPI{}, nil, nil, fixedClock{now: paymentNow}, quietLogger())
	assert.False(t, fresh.Detect(context.Background(), directive, testOrigin(), known))
}

func TestPaymentDetectConsultsLedger(t *testing.T) {
	t.Parallel()

	directive := testDirective()
	ledger := &memLedger{}
	require.NoError(t, ledger.Save(context.Background(), ports.PaymentRecord{PaymentID: directive.ID, State: domain.PaymentCompleted}))

	o := NewPaymentOrchestrator(&fakeSigner{address: "w"}, &fakeChatAPI{}, ledger, nil, fixedClock{now: paymentNow}, quietLogger())
	assert.False(t, o.Detect(context.Background(), directive, testOrigin(), nil))
}

func TestCompletionEvidencePrefersStructuredMetadata(t *testing.T) {
	t.Parallel()

	id := domain.PaymentID("wht-white_house-insider_info-1772366400")
	known := []domain.Message{
		{ID: "a", RawBody: "[PREMIUM_SERVICE_PAYMENT_COMPLETED: textsig|insider_info|0.0005|" + string(id) + "]"},
		{ID: "b", Completion: &domain.PaymentCompletion{PaymentID: id, Signature: "structsig"}},
	}

	completion, ok := CompletionEvidence(id, known)
	require.True(t, ok)
	assert.Equal(t, "structsig", completion.Signature)

	_, ok = CompletionEvidence("other", known)
	assert.False(t, ok)
}

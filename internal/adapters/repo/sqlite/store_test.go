package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "relay.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedSession(t *testing.T, store *Store, conv string, createdAt time.Time) ports.StoredSession {
	t.Helper()

	session := ports.StoredSession{
		ID:             "sess-" + conv,
		ConversationID: conv,
		PoolID:         "pool-1",
		Wallet:         "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		CreatedAt:      createdAt,
	}
	require.NoError(t, store.CreateSession(context.Background(), session))
	return session
}

func TestStoreSessionRoundTrip(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	want := seedSession(t, store, "conv-1", t0)

	got, err := store.SessionByConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = store.SessionByConversation(context.Background(), "conv-unknown")
	require.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestStoreMessagesKeepInsertionOrderAndLimit(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	seedSession(t, store, "conv-1", t0)

	completion := &domain.PaymentCompletion{PaymentID: "wht-white_house-insider_info-1772366400", Signature: "sig"}
	msgs := []ports.WireMessage{
		{ID: "m1", ConversationID: "conv-1", Sender: "wallet", SenderKind: ports.SenderKindUser, Mentions: []string{"insider-agent"}, Body: "@insider-agent hi", CreatedAt: 1},
		{ID: "m2", ConversationID: "conv-1", Sender: "insider-agent", SenderKind: ports.SenderKindAgent, Mentions: []string{}, Body: "hello", CreatedAt: 2},
		{ID: "m3", ConversationID: "conv-1", Sender: "wallet", SenderKind: ports.SenderKindUser, Mentions: []string{}, Body: "paid", CreatedAt: 3, Completion: completion},
		{ID: "x1", ConversationID: "conv-2", Sender: "wallet", SenderKind: ports.SenderKindUser, Mentions: []string{}, Body: "elsewhere", CreatedAt: 4},
	}
	for _, msg := range msgs {
		require.NoError(t, store.AppendMessage(ctx, msg))
	}

	all, err := store.Messages(ctx, "conv-1", 0)
	require.NoError(t, err)
	assert.Equal(t, msgs[:3], all)

	tail, err := store.Messages(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "m2", tail[0].ID)
	assert.Equal(t, "m3", tail[1].ID)
}

func TestStoreRejectsDuplicateMessageID(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	msg := ports.WireMessage{ID: "m1", ConversationID: "conv-1", Sender: "a", SenderKind: ports.SenderKindAgent, Body: "x"}

	require.NoError(t, store.AppendMessage(context.Background(), msg))
	require.Error(t, store.AppendMessage(context.Background(), msg))
}

func TestStorePendingPaymentUpsert(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	directive := domain.PaymentDirective{
		ID:          "wht-white_house-insider_info-insider_agent-1772366400",
		Recipient:   "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		Amount:      500,
		Currency:    "USDC",
		Network:     "solana-devnet",
		ServiceType: "insider_info",
		Reason:      "insider information",
		IssuedAt:    t0,
		ExpiresAt:   t0.Add(domain.DirectiveTTL),
	}

	require.NoError(t, store.SavePendingPayment(ctx, ports.PendingPayment{Directive: directive, ConversationID: "conv-1", TargetAgent: "insider-agent"}))

	got, err := store.PendingPayment(ctx, directive.ID)
	require.NoError(t, err)
	assert.Equal(t, directive, got.Directive)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Equal(t, "insider-agent", got.TargetAgent)

	directive.Amount = 1000
	require.NoError(t, store.SavePendingPayment(ctx, ports.PendingPayment{Directive: directive, ConversationID: "conv-1"}))
	got, err = store.PendingPayment(ctx, directive.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(1000), got.Directive.Amount)

	_, err = store.PendingPayment(ctx, "wht-nope-nope-1")
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestStoreSettlementIsRecordedOnce(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	receipt := domain.SettlementReceipt{PaymentID: "wht-a-b-1", Signature: "sig", Amount: 500}

	_, err := store.Settlement(ctx, receipt.PaymentID)
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)

	require.NoError(t, store.RecordSettlement(ctx, receipt, t0))
	got, err := store.Settlement(ctx, receipt.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, receipt, got)

	err = store.RecordSettlement(ctx, receipt, t0)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestStoreSettlementClaimIsExclusiveUntilReleased(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	id := domain.PaymentID("wht-a-b-2")

	require.NoError(t, store.ClaimSettlement(ctx, id, t0))
	err := store.ClaimSettlement(ctx, id, t0)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)

	require.NoError(t, store.ReleaseSettlement(ctx, id))
	require.NoError(t, store.ClaimSettlement(ctx, id, t0.Add(time.Second)))
}

func TestStoreScores(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()

	score, err := store.Score(ctx, "wallet")
	require.NoError(t, err)
	assert.Zero(t, score)

	require.NoError(t, store.SaveScore(ctx, "wallet", 12, t0))
	require.NoError(t, store.SaveScore(ctx, "wallet", 15, t0.Add(time.Minute)))

	score, err = store.Score(ctx, "wallet")
	require.NoError(t, err)
	assert.Equal(t, 15, score)
}

func TestStorePruneSessionsRemovesOldConversations(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	ctx := context.Background()
	seedSession(t, store, "old", t0.Add(-48*time.Hour))
	seedSession(t, store, "fresh", t0)
	require.NoError(t, store.AppendMessage(ctx, ports.WireMessage{ID: "m-old", ConversationID: "old", Sender: "a", SenderKind: ports.SenderKindAgent, Body: "x"}))
	require.NoError(t, store.AppendMessage(ctx, ports.WireMessage{ID: "m-fresh", ConversationID: "fresh", Sender: "a", SenderKind: ports.SenderKindAgent, Body: "y"}))

	n, err := store.PruneSessions(ctx, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.SessionByConversation(ctx, "old")
	require.ErrorIs(t, err, domain.ErrSessionExpired)
	old, err := store.Messages(ctx, "old", 0)
	require.NoError(t, err)
	assert.Empty(t, old)

	fresh, err := store.Messages(ctx, "fresh", 0)
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relay.db")
	first, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

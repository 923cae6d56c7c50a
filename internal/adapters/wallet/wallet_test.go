package wallet

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/paychat/internal/adapters/secrets/file"
	"github.com/bnema/paychat/internal/domain"
)

var testSeed = bytes.Repeat([]byte{7}, 32)

func testTransfer(from string) domain.TransferRequest {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := domain.PaymentDirective{
		ID:          domain.NewPaymentID("white_house", "insider_info", "", issued),
		Recipient:   "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		Amount:      500,
		Network:     domain.DefaultNetwork,
		ServiceType: "insider_info",
	}
	return domain.NewTransferRequest(d, from, issued)
}

func TestFromSeedDerivesStableBase58Address(t *testing.T) {
	t.Parallel()

	a, err := FromSeed(testSeed, nil)
	require.NoError(t, err)
	b, err := FromSeed(testSeed, nil)
	require.NoError(t, err)

	assert.Equal(t, a.Address(), b.Address())
	pub, err := base58.Decode(a.Address())
	require.NoError(t, err)
	assert.Len(t, pub, 32)

	_, err = FromSeed([]byte("short"), nil)
	require.Error(t, err)
}

func TestSignedTransferVerifies(t *testing.T) {
	t.Parallel()

	w, err := FromSeed(testSeed, AutoApprove)
	require.NoError(t, err)

	signed, err := w.SignTransfer(context.Background(), testTransfer(w.Address()))
	require.NoError(t, err)
	require.NoError(t, Verifier{}.Verify(signed))

	tampered := signed
	tampered.Transfer.Amount = 1
	require.Error(t, Verifier{}.Verify(tampered))

	forged := signed
	forged.Transfer.From = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	require.Error(t, Verifier{}.Verify(forged))
}

func TestSignTransferDeclined(t *testing.T) {
	t.Parallel()

	w, err := FromSeed(testSeed, func(context.Context, domain.TransferRequest) (bool, error) { return false, nil })
	require.NoError(t, err)

	_, err = w.SignTransfer(context.Background(), testTransfer(w.Address()))
	require.ErrorIs(t, err, domain.ErrSignatureDeclined)
}

func TestSignTransferPromptErrorCountsAsDecline(t *testing.T) {
	t.Parallel()

	w, err := FromSeed(testSeed, func(context.Context, domain.TransferRequest) (bool, error) { return false, errors.New("tty closed") })
	require.NoError(t, err)

	_, err = w.SignTransfer(context.Background(), testTransfer(w.Address()))
	require.ErrorIs(t, err, domain.ErrSignatureDeclined)
}

func TestSignTransferRejectsForeignPayer(t *testing.T) {
	t.Parallel()

	w, err := FromSeed(testSeed, AutoApprove)
	require.NoError(t, err)

	_, err = w.SignTransfer(context.Background(), testTransfer("someone-else"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrSignatureDeclined)
}

func TestCreateThenLoad(t *testing.T) {
	t.Parallel()

	store := file.NewStore(t.TempDir())
	ctx := context.Background()

	_, err := Load(ctx, store, nil)
	require.ErrorIs(t, err, domain.ErrSecretNotFound)

	created, err := Create(ctx, store, nil)
	require.NoError(t, err)

	loaded, err := Load(ctx, store, nil)
	require.NoError(t, err)
	assert.Equal(t, created.Address(), loaded.Address())

	_, err = Create(ctx, store, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "already exists")
}

func TestPromptConfirm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{input: "y\n", want: true},
		{input: "YES\n", want: true},
		{input: "n\n", want: false},
		{input: "\n", want: false},
		{input: "", want: false},
	}

	for _, tt := range tests {
		var out bytes.Buffer
		confirm := PromptConfirm(strings.NewReader(tt.input), &out)
		got, err := confirm(context.Background(), testTransfer("payer"))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
		assert.Contains(t, out.String(), "Approve payment of 0.0005 USDC")
	}
}

func TestLocalSettler(t *testing.T) {
	t.Parallel()

	w, err := FromSeed(testSeed, AutoApprove)
	require.NoError(t, err)
	signed, err := w.SignTransfer(context.Background(), testTransfer(w.Address()))
	require.NoError(t, err)

	receipt, err := (&LocalSettler{}).Settle(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, signed.Transfer.PaymentID, receipt.PaymentID)
	assert.Equal(t, signed.Signature, receipt.Signature)
	assert.Equal(t, domain.Amount(500), receipt.Amount)

	_, err = (&LocalSettler{Down: true}).Settle(context.Background(), signed)
	require.ErrorIs(t, err, domain.ErrSettlementUnavailable)
}

package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspawn/agentos/internal/money"
)

func TestSimulatedConfirmsOnce(t *testing.T) {
	ctx := context.Background()
	f := NewSimulated(Config{}, "secret")

	proof, err := f.ProposePayment(ctx, Request{TaskID: "t", HoldID: "h", Payer: "ceo", Payee: "a1", Amount: money.FromUSDC(2)})
	require.NoError(t, err)
	assert.Equal(t, DefaultNetwork, proof.Network)

	conf, err := f.Confirm(ctx, proof)
	require.NoError(t, err)
	assert.True(t, conf.Confirmed)
	assert.Equal(t, "sim:"+proof.ID, conf.ExternalRef)

	again, err := f.Confirm(ctx, proof)
	require.NoError(t, err)
	assert.False(t, again.Confirmed)
}

func TestSimulatedRejectsTamperingAndExpiry(t *testing.T) {
	ctx := context.Background()
	f := NewSimulated(Config{Deadline: time.Minute}, "secret")

	proof, err := f.ProposePayment(ctx, Request{Payer: "ceo", Payee: "a1", Amount: 10})
	require.NoError(t, err)

	tampered := proof
	tampered.Amount = 11
	conf, err := f.Confirm(ctx, tampered)
	require.NoError(t, err)
	assert.Equal(t, "invalid signature", conf.Reason)

	f.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	conf, err = f.Confirm(ctx, proof)
	require.NoError(t, err)
	assert.Equal(t, "proof expired", conf.Reason)
}

func TestProofRoundTripsThroughMemo(t *testing.T) {
	proof := SignedProof{ID: "p", Payer: "ceo", Payee: "a1", Amount: 5, Nonce: "n", Signature: "sig"}
	decoded, err := DecodeProof(proof.Encode())
	require.NoError(t, err)
	assert.Equal(t, proof, decoded)
}

func TestGateRequirementsUseBaseUnits(t *testing.T) {
	g := NewGate(Config{PayTo: "0xpay"})
	req := g.Required("/api/v1/agents/a1/invoke", "design agent", "", money.MustParse("0.25"))

	assert.Equal(t, X402Version, req.X402Version)
	require.Len(t, req.Accepts, 1)
	accept := req.Accepts[0]
	assert.Equal(t, "250000", accept.MaxAmountRequired)
	assert.Equal(t, "0xpay", accept.PayTo)
	assert.Equal(t, 300, accept.MaxTimeoutSeconds)
	assert.Equal(t, DefaultNetwork, accept.Network)
}

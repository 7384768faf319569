package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/tradeguard/internal/escrow"
)

func TestCreateHoldIsIdempotent(t *testing.T) {
	p := New()
	req := escrow.HoldRequest{HoldID: "h1", Amount: 1000, Currency: "usd"}

	ref1, err := p.CreateHold(context.Background(), req)
	require.NoError(t, err)
	ref2, err := p.CreateHold(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)

	report, err := p.QueryHoldStatus(context.Background(), ref1)
	require.NoError(t, err)
	assert.Equal(t, escrow.ProcessorPending, report.Status)
}

func TestSucceedCaptureVoid(t *testing.T) {
	ctx := context.Background()
	p := New()
	refA, _ := p.CreateHold(ctx, escrow.HoldRequest{HoldID: "a", Amount: 1000})
	refB, _ := p.CreateHold(ctx, escrow.HoldRequest{HoldID: "b", Amount: 2000})

	assert.Error(t, p.CaptureHold(ctx, refA, 1000), "pending holds cannot be captured")

	report := p.Succeed(refA)
	assert.Equal(t, int64(1000), report.AmountCaptured)
	require.NoError(t, p.CaptureHold(ctx, refA, 1000))
	assert.Error(t, p.VoidHold(ctx, refA))

	require.NoError(t, p.VoidHold(ctx, refB))
	captured, voided := p.Counts()
	assert.Equal(t, 1, captured)
	assert.Equal(t, 1, voided)
}

func TestAutoSucceedAndFail(t *testing.T) {
	ctx := context.Background()
	p := New()
	p.AutoSucceed = true
	ref, _ := p.CreateHold(ctx, escrow.HoldRequest{HoldID: "a", Amount: 500})

	report, err := p.QueryHoldStatus(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, escrow.ProcessorSucceeded, report.Status)
	assert.Equal(t, int64(500), report.AmountCaptured)

	p.Fail(ref)
	report, _ = p.QueryHoldStatus(ctx, ref)
	assert.Equal(t, escrow.ProcessorFailed, report.Status)

	_, err = p.QueryHoldStatus(ctx, "missing")
	assert.Error(t, err)
}

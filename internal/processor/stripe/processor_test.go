package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v75"
	"go.uber.org/zap"

	"github.com/Aidin1998/tradeguard/internal/escrow"
	"github.com/Aidin1998/tradeguard/pkg/errors"
	"github.com/Aidin1998/tradeguard/pkg/models"
)

type mockIntents struct {
	mock.Mock
}

func (m *mockIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	args := m.Called(params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stripe.PaymentIntent), args.Error(1)
}

func (m *mockIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	args := m.Called(id, params.Context)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stripe.PaymentIntent), args.Error(1)
}

func (m *mockIntents) Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	args := m.Called(id, *params.AmountToCapture)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stripe.PaymentIntent), args.Error(1)
}

func (m *mockIntents) Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stripe.PaymentIntent), args.Error(1)
}

func TestCreateHoldUsesManualCapture(t *testing.T) {
	intents := new(mockIntents)
	p := newProcessor(intents, zap.NewNop())

	intents.On("New", mock.MatchedBy(func(params *stripe.PaymentIntentParams) bool {
		return *params.Amount == 10620 &&
			*params.Currency == "usd" &&
			*params.CaptureMethod == "manual" &&
			params.Metadata["hold_id"] == "hold-1" &&
			*params.IdempotencyKey == "hold-hold-1"
	})).Return(&stripe.PaymentIntent{ID: "pi_123"}, nil).Once()

	ref, err := p.CreateHold(context.Background(), escrow.HoldRequest{
		HoldID:   "hold-1",
		TradeID:  "trade-1",
		PayerID:  "bob",
		Role:     models.HoldRoleParticipant,
		Amount:   10620,
		Currency: "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", ref)
	intents.AssertExpectations(t)
}

func TestReportFor(t *testing.T) {
	tests := []struct {
		name   string
		pi     stripe.PaymentIntent
		status escrow.ProcessorStatus
		amount int64
	}{
		{"authorised", stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresCapture, AmountCapturable: 5325}, escrow.ProcessorSucceeded, 5325},
		{"captured", stripe.PaymentIntent{Status: stripe.PaymentIntentStatusSucceeded, AmountReceived: 5000}, escrow.ProcessorSucceeded, 5000},
		{"cancelled", stripe.PaymentIntent{Status: stripe.PaymentIntentStatusCanceled}, escrow.ProcessorFailed, 0},
		{"card declined", stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod, LastPaymentError: &stripe.Error{}}, escrow.ProcessorPending, 0},
		{"awaiting card", stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod}, escrow.ProcessorPending, 0},
		{"processing", stripe.PaymentIntent{Status: stripe.PaymentIntentStatusProcessing}, escrow.ProcessorPending, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := ReportFor(&tt.pi)
			assert.Equal(t, tt.status, report.Status)
			assert.Equal(t, tt.amount, report.AmountCaptured)
		})
	}
}

func TestCaptureAndVoid(t *testing.T) {
	intents := new(mockIntents)
	p := newProcessor(intents, zap.NewNop())

	intents.On("Capture", "pi_1", int64(5000)).Return(&stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded}, nil).Once()
	require.NoError(t, p.CaptureHold(context.Background(), "pi_1", 5000))

	intents.On("Cancel", "pi_2").Return(&stripe.PaymentIntent{ID: "pi_2", Status: stripe.PaymentIntentStatusCanceled}, nil).Once()
	require.NoError(t, p.VoidHold(context.Background(), "pi_2"))

	// cancelling twice fails at Stripe but the intent is already void
	intents.On("Cancel", "pi_3").Return(nil, fmt.Errorf("already canceled")).Once()
	intents.On("Get", "pi_3", mock.Anything).Return(&stripe.PaymentIntent{ID: "pi_3", Status: stripe.PaymentIntentStatusCanceled}, nil).Once()
	require.NoError(t, p.VoidHold(context.Background(), "pi_3"))

	intents.On("Cancel", "pi_4").Return(nil, fmt.Errorf("network down")).Once()
	intents.On("Get", "pi_4", mock.Anything).Return(nil, fmt.Errorf("network down")).Once()
	assert.Error(t, p.VoidHold(context.Background(), "pi_4"))

	intents.AssertExpectations(t)
}

type ctxKey struct{}

func TestVoidHoldLookupUsesCallerContext(t *testing.T) {
	intents := new(mockIntents)
	p := newProcessor(intents, zap.NewNop())
	ctx := context.WithValue(context.Background(), ctxKey{}, "void")

	intents.On("Cancel", "pi_5").Return(nil, fmt.Errorf("already canceled")).Once()
	intents.On("Get", "pi_5", ctx).Return(&stripe.PaymentIntent{ID: "pi_5", Status: stripe.PaymentIntentStatusCanceled}, nil).Once()
	require.NoError(t, p.VoidHold(ctx, "pi_5"))

	intents.AssertExpectations(t)
}

const testSecret = "whsec_test"

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return req
}

func eventBody(eventType, intentJSON string) string {
	return fmt.Sprintf(`{"id":"evt_1","object":"event","api_version":%q,"type":%q,"data":{"object":%s}}`,
		stripe.APIVersion, eventType, intentJSON)
}

func TestWebhookHandler(t *testing.T) {
	var gotRef string
	var gotReport escrow.HoldReport
	applyErr := error(nil)
	handler := WebhookHandler(testSecret, zap.NewNop(), func(_ context.Context, ref string, report escrow.HoldReport) error {
		gotRef, gotReport = ref, report
		return applyErr
	})

	body := eventBody("payment_intent.amount_capturable_updated",
		`{"id":"pi_9","object":"payment_intent","status":"requires_capture","amount":2148,"amount_capturable":2148}`)

	rec := httptest.NewRecorder()
	handler(rec, signedRequest(t, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pi_9", gotRef)
	assert.Equal(t, escrow.HoldReport{Status: escrow.ProcessorSucceeded, AmountCaptured: 2148}, gotReport)

	applyErr = errors.NotFound
	rec = httptest.NewRecorder()
	handler(rec, signedRequest(t, body))
	assert.Equal(t, http.StatusOK, rec.Code)

	applyErr = fmt.Errorf("database unavailable")
	rec = httptest.NewRecorder()
	handler(rec, signedRequest(t, body))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	bad := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	bad.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	handler(rec, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	called := false
	handler := WebhookHandler(testSecret, zap.NewNop(), func(context.Context, string, escrow.HoldReport) error {
		called = true
		return nil
	})

	rec := httptest.NewRecorder()
	handler(rec, signedRequest(t, eventBody("customer.created", `{"id":"cus_1","object":"customer"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, called)
}

func TestWebhookDeclinedCardStaysPending(t *testing.T) {
	var gotReport escrow.HoldReport
	handler := WebhookHandler(testSecret, zap.NewNop(), func(_ context.Context, _ string, report escrow.HoldReport) error {
		gotReport = report
		return nil
	})

	body := eventBody("payment_intent.payment_failed",
		`{"id":"pi_7","object":"payment_intent","status":"requires_payment_method","amount":2148,"last_payment_error":{"type":"card_error","code":"card_declined"}}`)

	rec := httptest.NewRecorder()
	handler(rec, signedRequest(t, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, escrow.ProcessorPending, gotReport.Status)
}

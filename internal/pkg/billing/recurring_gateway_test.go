package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecurringGateway(server *httptest.Server) *RecurringGateway {
	return &RecurringGateway{
		TerminalID: "terminal-1",
		SecretKey:  "secret",
		APIBaseURL: server.URL,
		ReturnURL:  "https://paidup.example/subscription/complete",
		HTTPClient: server.Client(),
	}
}

func TestRecurringGatewayInitiate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payments", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body["order_id"])
		assert.Equal(t, true, body["recurrent"])

		_ = json.NewEncoder(w).Encode(map[string]string{
			"payment_id":  "rp-1",
			"status":      "created",
			"payment_url": "https://gateway.example/pay/rp-1",
		})
	}))
	defer server.Close()

	gw := newTestRecurringGateway(server)
	result, err := gw.Initiate(context.Background(), InitiateParams{
		AccountID:   "acc-1",
		Amount:      decimal.RequireFromString("4.99"),
		Currency:    "EUR",
		Description: "Monthly subscription",
		IsRecurring: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "rp-1", result.ExternalPaymentID)
	assert.Equal(t, "https://gateway.example/pay/rp-1", result.ConfirmationURL)
}

func TestRecurringGatewayChargeMandate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payments/tokens/charge", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "mandate-1", body["token"])
		assert.Equal(t, "4.99", body["amount"])

		_ = json.NewEncoder(w).Encode(map[string]string{
			"payment_id": "rp-2",
			"status":     "completed",
		})
	}))
	defer server.Close()

	gw := newTestRecurringGateway(server)
	result, err := gw.ChargeMandate(context.Background(), "mandate-1", decimal.RequireFromString("4.99"), "Monthly subscription")
	require.NoError(t, err)
	assert.Equal(t, "rp-2", result.ExternalPaymentID)
	assert.Equal(t, PaymentStatusSucceeded, result.Status)
}

func TestRecurringGatewayChargeMandateDeclinedWithHTTP200(t *testing.T) {
	// This processor reports declines as HTTP 200 plus error fields.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"payment_id": "rp-3",
			"status":     "declined",
			"error_code": "insufficient_funds",
			"error_text": "card has insufficient funds",
		})
	}))
	defer server.Close()

	gw := newTestRecurringGateway(server)
	_, err := gw.ChargeMandate(context.Background(), "mandate-1", decimal.RequireFromString("4.99"), "Monthly subscription")
	require.Error(t, err)

	var ge *GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "insufficient_funds", ge.Code)
	assert.False(t, ge.Retryable)
}

func TestRecurringGatewayChargeMandateRequiresToken(t *testing.T) {
	gw := &RecurringGateway{TerminalID: "terminal-1", SecretKey: "secret", HTTPClient: http.DefaultClient}
	_, err := gw.ChargeMandate(context.Background(), "", decimal.RequireFromString("4.99"), "Monthly subscription")
	require.Error(t, err)
}

func TestRecurringGatewayStatusMapping(t *testing.T) {
	tests := []struct {
		in   string
		want PaymentStatus
	}{
		{in: "completed", want: PaymentStatusSucceeded},
		{in: "paid", want: PaymentStatusSucceeded},
		{in: "created", want: PaymentStatusPending},
		{in: "processing", want: PaymentStatusPending},
		{in: "declined", want: PaymentStatusCanceled},
		{in: "expired", want: PaymentStatusCanceled},
		{in: "weird", want: PaymentStatusUnknown},
	}

	for _, tt := range tests {
		if got := mapRecurringStatus(tt.in); got != tt.want {
			t.Fatalf("mapRecurringStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

package billing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avisio/paidup/app/models"
	"github.com/avisio/paidup/internal/pkg/env"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultRecurringAPIBaseURL = "https://api.recurring-gateway.example/v1"

// Mandate charges can take noticeably longer than payment creation on this
// processor, so the charge call gets its own, larger timeout.
const recurringChargeTimeout = 60 * time.Second

// RecurringGateway is the mandate-based processor: the first Initiate leg
// captures a token that authorizes server-initiated repeat charges without
// re-collecting payment details.
type RecurringGateway struct {
	TerminalID string
	SecretKey  string
	APIBaseURL string
	ReturnURL  string

	HTTPClient *http.Client
}

func NewRecurringGatewayFromEnv() *RecurringGateway {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	returnURL := strings.TrimSpace(env.GetEnv("RECURRING_RETURN_URL", ""))
	if returnURL == "" && base != "" {
		returnURL = base + "/subscription/complete"
	}

	return &RecurringGateway{
		TerminalID: strings.TrimSpace(env.GetEnv("RECURRING_TERMINAL_ID", "")),
		SecretKey:  strings.TrimSpace(env.GetEnv("RECURRING_SECRET_KEY", "")),
		APIBaseURL: strings.TrimRight(env.GetEnv("RECURRING_API_BASE_URL", defaultRecurringAPIBaseURL), "/"),
		ReturnURL:  returnURL,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (g *RecurringGateway) Name() string {
	return models.BillingProviderRecurring
}

type recurringPaymentResponse struct {
	PaymentID  string `json:"payment_id"`
	Status     string `json:"status"`
	PaymentURL string `json:"payment_url"`
	Token      string `json:"recurrent_token"`
	ErrorCode  string `json:"error_code"`
	ErrorText  string `json:"error_text"`
}

func (g *RecurringGateway) Initiate(ctx context.Context, params InitiateParams) (*InitiateResult, error) {
	if strings.TrimSpace(g.TerminalID) == "" || strings.TrimSpace(g.SecretKey) == "" {
		return nil, errors.New("RECURRING_TERMINAL_ID/RECURRING_SECRET_KEY are not configured")
	}

	body := map[string]interface{}{
		"order_id":    uuid.NewString(),
		"amount":      params.Amount.StringFixed(2),
		"currency":    params.Currency,
		"description": params.Description,
		"recurrent":   params.IsRecurring,
		"success_url": g.ReturnURL,
		"metadata": map[string]string{
			MetadataKeyPurpose:   models.BillingPurposeSubscription,
			MetadataKeyAccountID: params.AccountID,
		},
	}

	var out recurringPaymentResponse
	if err := g.doJSON(ctx, g.HTTPClient, http.MethodPost, "/payments", body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.PaymentID) == "" {
		return nil, errors.New("recurring gateway returned empty payment id")
	}
	return &InitiateResult{
		ExternalPaymentID: out.PaymentID,
		ConfirmationURL:   out.PaymentURL,
	}, nil
}

func (g *RecurringGateway) ChargeMandate(ctx context.Context, mandateToken string, amount decimal.Decimal, description string) (*ChargeResult, error) {
	if strings.TrimSpace(mandateToken) == "" {
		return nil, errors.New("mandate token is required")
	}

	body := map[string]interface{}{
		"order_id":    uuid.NewString(),
		"token":       mandateToken,
		"amount":      amount.StringFixed(2),
		"currency":    env.GetEnv("BILLING_CURRENCY", "EUR"),
		"description": description,
	}

	client := &http.Client{Timeout: recurringChargeTimeout}
	var out recurringPaymentResponse
	if err := g.doJSON(ctx, client, http.MethodPost, "/payments/tokens/charge", body, &out); err != nil {
		return nil, err
	}
	return &ChargeResult{
		ExternalPaymentID: out.PaymentID,
		Status:            mapRecurringStatus(out.Status),
	}, nil
}

func (g *RecurringGateway) QueryStatus(ctx context.Context, externalPaymentID string) (PaymentStatus, error) {
	if strings.TrimSpace(externalPaymentID) == "" {
		return PaymentStatusUnknown, errors.New("external payment id is required")
	}
	var out recurringPaymentResponse
	if err := g.doJSON(ctx, g.HTTPClient, http.MethodGet, "/payments/"+externalPaymentID, nil, &out); err != nil {
		return PaymentStatusUnknown, err
	}
	return mapRecurringStatus(out.Status), nil
}

func (g *RecurringGateway) Cancel(ctx context.Context, externalPaymentID string) (PaymentStatus, error) {
	if strings.TrimSpace(externalPaymentID) == "" {
		return PaymentStatusUnknown, errors.New("external payment id is required")
	}
	var out recurringPaymentResponse
	if err := g.doJSON(ctx, g.HTTPClient, http.MethodPost, "/payments/"+externalPaymentID+"/cancel", map[string]string{}, &out); err != nil {
		return PaymentStatusUnknown, err
	}
	return mapRecurringStatus(out.Status), nil
}

func (g *RecurringGateway) doJSON(ctx context.Context, client *http.Client, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.APIBaseURL+path, reader)
	if err != nil {
		return err
	}
	auth := base64.StdEncoding.EncodeToString([]byte(g.TerminalID + ":" + g.SecretKey))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &GatewayError{Code: "network_error", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return &GatewayError{
			Code:      fmt.Sprintf("http_%d", resp.StatusCode),
			Message:   string(respBody),
			Retryable: true,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp recurringPaymentResponse
		_ = json.Unmarshal(respBody, &errResp)
		code := errResp.ErrorCode
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return &GatewayError{Code: code, Message: errResp.ErrorText, Retryable: false}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return err
	}
	// This processor reports declined charges with HTTP 200 + error fields.
	if r, ok := out.(*recurringPaymentResponse); ok && r.ErrorCode != "" {
		return &GatewayError{Code: r.ErrorCode, Message: r.ErrorText, Retryable: false}
	}
	return nil
}

func mapRecurringStatus(status string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "succeeded", "paid":
		return PaymentStatusSucceeded
	case "created", "pending", "processing":
		return PaymentStatusPending
	case "canceled", "declined", "expired":
		return PaymentStatusCanceled
	default:
		return PaymentStatusUnknown
	}
}

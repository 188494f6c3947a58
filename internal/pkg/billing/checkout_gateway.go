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

const defaultCheckoutAPIBaseURL = "https://api.checkout-gateway.example/v3"

// CheckoutGateway is the redirect-based processor: Initiate returns a
// confirmation URL the payer is sent to, and the outcome arrives later as a
// webhook. Saved payment methods double as mandates for repeat charges.
type CheckoutGateway struct {
	ShopID     string
	SecretKey  string
	APIBaseURL string
	ReturnURL  string

	HTTPClient *http.Client
}

func NewCheckoutGatewayFromEnv() *CheckoutGateway {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	returnURL := strings.TrimSpace(env.GetEnv("CHECKOUT_RETURN_URL", ""))
	if returnURL == "" && base != "" {
		returnURL = base + "/subscription/complete"
	}

	return &CheckoutGateway{
		ShopID:     strings.TrimSpace(env.GetEnv("CHECKOUT_SHOP_ID", "")),
		SecretKey:  strings.TrimSpace(env.GetEnv("CHECKOUT_SECRET_KEY", "")),
		APIBaseURL: strings.TrimRight(env.GetEnv("CHECKOUT_API_BASE_URL", defaultCheckoutAPIBaseURL), "/"),
		ReturnURL:  returnURL,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (g *CheckoutGateway) Name() string {
	return models.BillingProviderCheckout
}

type checkoutPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
	PaymentMethod struct {
		ID    string `json:"id"`
		Saved bool   `json:"saved"`
	} `json:"payment_method"`
}

type checkoutErrorResponse struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (g *CheckoutGateway) Initiate(ctx context.Context, params InitiateParams) (*InitiateResult, error) {
	if strings.TrimSpace(g.ShopID) == "" || strings.TrimSpace(g.SecretKey) == "" {
		return nil, errors.New("CHECKOUT_SHOP_ID/CHECKOUT_SECRET_KEY are not configured")
	}

	body := map[string]interface{}{
		"amount": map[string]string{
			"value":    params.Amount.StringFixed(2),
			"currency": params.Currency,
		},
		"description":         params.Description,
		"capture":             true,
		"save_payment_method": params.IsRecurring,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": g.ReturnURL,
		},
		"metadata": map[string]string{
			MetadataKeyPurpose:   models.BillingPurposeSubscription,
			MetadataKeyAccountID: params.AccountID,
		},
	}

	var out checkoutPaymentResponse
	if err := g.doJSON(ctx, http.MethodPost, "/payments", body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, errors.New("checkout gateway returned empty payment id")
	}
	return &InitiateResult{
		ExternalPaymentID: out.ID,
		ConfirmationURL:   out.Confirmation.ConfirmationURL,
	}, nil
}

func (g *CheckoutGateway) ChargeMandate(ctx context.Context, mandateToken string, amount decimal.Decimal, description string) (*ChargeResult, error) {
	if strings.TrimSpace(mandateToken) == "" {
		return nil, errors.New("mandate token is required")
	}

	body := map[string]interface{}{
		"amount": map[string]string{
			"value":    amount.StringFixed(2),
			"currency": env.GetEnv("BILLING_CURRENCY", "EUR"),
		},
		"description":       description,
		"capture":           true,
		"payment_method_id": mandateToken,
	}

	var out checkoutPaymentResponse
	if err := g.doJSON(ctx, http.MethodPost, "/payments", body, &out); err != nil {
		return nil, err
	}
	return &ChargeResult{
		ExternalPaymentID: out.ID,
		Status:            mapCheckoutStatus(out.Status),
	}, nil
}

func (g *CheckoutGateway) QueryStatus(ctx context.Context, externalPaymentID string) (PaymentStatus, error) {
	if strings.TrimSpace(externalPaymentID) == "" {
		return PaymentStatusUnknown, errors.New("external payment id is required")
	}
	var out checkoutPaymentResponse
	if err := g.doJSON(ctx, http.MethodGet, "/payments/"+externalPaymentID, nil, &out); err != nil {
		return PaymentStatusUnknown, err
	}
	return mapCheckoutStatus(out.Status), nil
}

func (g *CheckoutGateway) Cancel(ctx context.Context, externalPaymentID string) (PaymentStatus, error) {
	if strings.TrimSpace(externalPaymentID) == "" {
		return PaymentStatusUnknown, errors.New("external payment id is required")
	}
	var out checkoutPaymentResponse
	if err := g.doJSON(ctx, http.MethodPost, "/payments/"+externalPaymentID+"/cancel", map[string]string{}, &out); err != nil {
		return PaymentStatusUnknown, err
	}
	return mapCheckoutStatus(out.Status), nil
}

// doJSON performs one authenticated API call. Requests carry an idempotence
// key so the gateway deduplicates retried creations on its side.
func (g *CheckoutGateway) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
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
	auth := base64.StdEncoding.EncodeToString([]byte(g.ShopID + ":" + g.SecretKey))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Idempotence-Key", uuid.NewString())
	}

	resp, err := g.HTTPClient.Do(req)
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
		var errResp checkoutErrorResponse
		_ = json.Unmarshal(respBody, &errResp)
		code := errResp.Code
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return &GatewayError{Code: code, Message: errResp.Description, Retryable: false}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func mapCheckoutStatus(status string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "succeeded":
		return PaymentStatusSucceeded
	case "waiting_for_capture", "pending":
		return PaymentStatusPending
	case "canceled":
		return PaymentStatusCanceled
	default:
		return PaymentStatusUnknown
	}
}

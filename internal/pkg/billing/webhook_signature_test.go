package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
)

func signHex(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func signBase64(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookSignature(t *testing.T) {
	payload := []byte(`{"event":"payment.succeeded","object":{"id":"pay-1"}}`)
	const secret = "whsec_test"

	tests := []struct {
		name      string
		signature string
		secret    string
		want      bool
	}{
		{name: "valid hex", signature: signHex(payload, secret), secret: secret, want: true},
		{name: "valid hex uppercase", signature: strings.ToUpper(signHex(payload, secret)), secret: secret, want: true},
		{name: "valid base64", signature: signBase64(payload, secret), secret: secret, want: true},
		{name: "wrong secret", signature: signHex(payload, "other"), secret: secret, want: false},
		{name: "garbage signature", signature: "not-a-signature", secret: secret, want: false},
		{name: "empty signature", signature: "", secret: secret, want: false},
		{name: "empty secret", signature: signHex(payload, secret), secret: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyWebhookSignature(payload, tt.signature, tt.secret); got != tt.want {
				t.Fatalf("VerifyWebhookSignature = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifyWebhookSignatureTamperedPayload(t *testing.T) {
	payload := []byte(`{"event":"payment.succeeded"}`)
	sig := signHex(payload, "whsec_test")
	tampered := []byte(`{"event":"payment.canceled"}`)
	if VerifyWebhookSignature(tampered, sig, "whsec_test") {
		t.Fatalf("signature of a different payload must not verify")
	}
}

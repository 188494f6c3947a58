package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// VerifyWebhookSignature checks the HMAC-SHA256 signature a gateway attaches
// to its notification. The checkout gateway sends hex, the recurring one
// base64; both are accepted so the helper is shared.
func VerifyWebhookSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	if decoded, err := hex.DecodeString(strings.ToLower(sig)); err == nil {
		if hmac.Equal(expected, decoded) {
			return true
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(sig); err == nil {
		if hmac.Equal(expected, decoded) {
			return true
		}
	}
	return false
}

package transaction

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignPayment computes the checkout signature the gateway returns to the
// client: hex(HMAC-SHA256(orderID + "|" + paymentID, secret)).
func SignPayment(orderID, paymentID string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPaymentSignature checks a checkout signature in constant time.
func VerifyPaymentSignature(orderID, paymentID, signature string, secret []byte) error {
	if orderID == "" || paymentID == "" || signature == "" {
		return ErrSignatureMismatch
	}
	return compareHex(SignPayment(orderID, paymentID, secret), signature)
}

// SignWebhook computes the body signature sent with gateway webhooks.
func SignWebhook(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks a webhook body signature in constant time.
func VerifyWebhookSignature(body []byte, signature string, secret []byte) error {
	if signature == "" {
		return ErrSignatureMismatch
	}
	return compareHex(SignWebhook(body, secret), signature)
}

func compareHex(expected, got string) error {
	want, _ := hex.DecodeString(expected)
	have, err := hex.DecodeString(strings.TrimSpace(got))
	if err != nil || !hmac.Equal(want, have) {
		return ErrSignatureMismatch
	}
	return nil
}

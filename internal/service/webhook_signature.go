package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Webhook request headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderWebhookID = "X-Webhook-Id"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderEvent     = "X-Webhook-Event"
)

// Signature verification errors.
var (
	ErrSignatureMalformed = errors.New("malformed webhook signature header")
	ErrSignatureMismatch  = errors.New("webhook signature mismatch")
	ErrSignatureExpired   = errors.New("webhook signature timestamp outside tolerance")
)

// SignPayload returns the X-Webhook-Signature value for body sent at ts:
// "t=<unix>,v1=<hex hmac-sha256(secret, "<unix>.<body>")>".
func SignPayload(secret []byte, ts time.Time, body []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + hex.EncodeToString(signatureMAC(secret, unix, body))
}

// VerifySignature checks a signature header the way a receiver would. A zero
// tolerance skips the timestamp check.
func VerifySignature(secret []byte, header string, body []byte, now time.Time, tolerance time.Duration) error {
	var unix, v1 string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrSignatureMalformed
		}
		switch k {
		case "t":
			unix = v
		case "v1":
			v1 = v
		}
	}
	if unix == "" || v1 == "" {
		return ErrSignatureMalformed
	}
	sec, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return ErrSignatureMalformed
	}
	got, err := hex.DecodeString(v1)
	if err != nil {
		return ErrSignatureMalformed
	}

	if !hmac.Equal(got, signatureMAC(secret, unix, body)) {
		return ErrSignatureMismatch
	}
	if tolerance > 0 {
		if d := now.Sub(time.Unix(sec, 0)); d > tolerance || d < -tolerance {
			return ErrSignatureExpired
		}
	}
	return nil
}

func signatureMAC(secret []byte, unix string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(unix))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}

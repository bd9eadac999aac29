package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Signature-Timestamp"
	EventIDHeader   = "X-Event-Id"
	EventTypeHeader = "X-Event-Type"
	Scheme          = "esign-hmac-sha256/v1"

	DefaultTolerance = 5 * time.Minute
)

// Sign sets the signature headers for body. The MAC covers
// "<unix seconds>.<body>".
func Sign(headers http.Header, body []byte, eventID, eventType, secret string, now time.Time) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("webhook signing secret is empty")
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	headers.Set(TimestampHeader, ts)
	headers.Set(EventIDHeader, eventID)
	headers.Set(EventTypeHeader, eventType)
	headers.Set(SignatureHeader, hex.EncodeToString(mac(secret, ts, body)))
	return nil
}

func mac(secret, ts string, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	_, _ = m.Write([]byte(ts))
	_, _ = m.Write([]byte{'.'})
	_, _ = m.Write(body)
	return m.Sum(nil)
}

type hmacVerifier struct {
	tolerance time.Duration
}

func NewVerifier(tolerance time.Duration) Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &hmacVerifier{tolerance: tolerance}
}

func (v *hmacVerifier) Verify(headers http.Header, rawBody []byte, receivedAt time.Time, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, fmt.Errorf("webhook verifier secret is empty")
	}

	res := VerificationResult{
		Scheme: Scheme,
		Details: map[string]any{
			"signature_header_present":   false,
			"signature_hex_decodable":    false,
			"timestamp_within_tolerance": false,
		},
		EventID:   strings.TrimSpace(headers.Get(EventIDHeader)),
		EventType: strings.TrimSpace(headers.Get(EventTypeHeader)),
	}
	if res.EventType == "" {
		res.EventType = "unknown"
	}

	sigHex := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHex == "" {
		return res, nil
	}
	res.Details["signature_header_present"] = true

	providedSig, err := hex.DecodeString(sigHex)
	if err != nil {
		return res, nil
	}
	res.Details["signature_hex_decodable"] = true

	ts := strings.TrimSpace(headers.Get(TimestampHeader))
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return res, nil
	}
	skew := receivedAt.Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return res, nil
	}
	res.Details["timestamp_within_tolerance"] = true

	res.Valid = hmac.Equal(mac(secret, ts, rawBody), providedSig)
	return res, nil
}

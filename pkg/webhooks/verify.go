// Package webhooks signs outbound contract notifications so receivers can
// check they came from this service and were not replayed.
package webhooks

import (
	"net/http"
	"time"
)

type VerificationResult struct {
	Valid     bool           `json:"valid"`
	Scheme    string         `json:"scheme"`
	Details   map[string]any `json:"details"`
	EventID   string         `json:"event_id,omitempty"`
	EventType string         `json:"event_type,omitempty"`
}

type Verifier interface {
	Verify(headers http.Header, rawBody []byte, receivedAt time.Time, secret string) (VerificationResult, error)
}

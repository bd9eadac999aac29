// Package delivery sends queued contract notifications after their
// transition has committed. Failures are retried and never touch contract
// state.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/accordsai/esign/pkg/domain"
	"github.com/accordsai/esign/pkg/webhooks"
)

type Notifier interface {
	Notify(ctx context.Context, actorID string, n domain.Notification) error
}

// HTTPNotifier posts signed notifications to the push gateway.
type HTTPNotifier struct {
	BaseURL string
	Secret  string
	HTTP    *http.Client
	Now     func() time.Time
}

func NewHTTPNotifier(baseURL, secret string) *HTTPNotifier {
	return &HTTPNotifier{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Secret:  secret,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Now:     time.Now,
	}
}

func (h *HTTPNotifier) Notify(ctx context.Context, actorID string, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/notifications", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-actor-id", actorID)
	if err := webhooks.Sign(req.Header, body, n.NotificationID, string(n.Kind), h.Secret, h.Now()); err != nil {
		return err
	}
	resp, err := h.HTTP.Do(req)
	if err != nil {
		return &domain.DeliveryFault{Target: actorID, Op: string(n.Kind), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &domain.DeliveryFault{Target: actorID, Op: string(n.Kind), Err: fmt.Errorf("notification gateway returned %d", resp.StatusCode)}
	}
	return nil
}

// LogNotifier only logs; used when no gateway is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, actorID string, n domain.Notification) error {
	l.Log.Info("notification", "actor_id", actorID, "contract_id", n.ContractID, "kind", n.Kind, "status", n.Status)
	return nil
}

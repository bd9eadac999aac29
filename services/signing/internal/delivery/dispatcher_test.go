package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/accordsai/esign/pkg/domain"
	"github.com/accordsai/esign/pkg/webhooks"
	"github.com/accordsai/esign/services/signing/internal/store"
	"github.com/stretchr/testify/require"
)

type flakyNotifier struct {
	mu    sync.Mutex
	fails int
	got   []domain.Notification
}

func (f *flakyNotifier) Notify(_ context.Context, _ string, n domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("gateway down")
	}
	f.got = append(f.got, n)
	return nil
}

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seed(t *testing.T, m *store.Memory, at time.Time) {
	t.Helper()
	c := domain.Contract{ID: "ctr_1", Version: 1}
	require.NoError(t, m.CreateContract(context.Background(), c, []domain.Notification{
		{NotificationID: "ntf_1", ContractID: "ctr_1", ActorID: "act_a", Kind: domain.NotifyContractSent, Status: domain.StatusPending, CreatedAt: at},
		{NotificationID: "ntf_2", ContractID: "ctr_1", ActorID: "act_b", Kind: domain.NotifyContractSent, Status: domain.StatusPending, CreatedAt: at},
	}))
}

func TestDrainRetriesFailuresWithBackoff(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	m := store.NewMemory()
	seed(t, m, now)

	n := &flakyNotifier{fails: 1}
	d := NewDispatcher(m, n, quietLog())
	d.Now = func() time.Time { return now }

	sent, err := d.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	// the failed one is not due again until its backoff passes
	sent, err = d.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, sent)

	now = now.Add(d.Backoff(1))
	sent, err = d.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	for _, e := range m.Outbox() {
		require.NotNil(t, e.DeliveredAt, e.Notification.NotificationID)
	}
	require.Len(t, n.got, 2)
}

func TestDrainAbandonsExhaustedEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	m := store.NewMemory()
	seed(t, m, now)

	n := &flakyNotifier{fails: 1}
	d := NewDispatcher(m, n, quietLog())
	d.Now = func() time.Time { return now }
	d.BatchSize = 1
	d.MaxAttempt = 1

	// a dead head entry must not keep the batch from reaching ntf_2
	for i := 0; i < 3; i++ {
		_, err := d.Drain(ctx)
		require.NoError(t, err)
		now = now.Add(d.MaxDelay)
	}

	byID := map[string]store.OutboxEntry{}
	for _, e := range m.Outbox() {
		byID[e.Notification.NotificationID] = e
	}
	require.NotNil(t, byID["ntf_1"].DeadAt)
	require.Nil(t, byID["ntf_1"].DeliveredAt)
	require.Equal(t, 1, byID["ntf_1"].Attempts)
	require.Contains(t, byID["ntf_1"].LastError, "gateway down")
	require.NotNil(t, byID["ntf_2"].DeliveredAt)
	require.Len(t, n.got, 1)

	due, err := m.DueNotifications(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestBackoffIsCapped(t *testing.T) {
	d := NewDispatcher(store.NewMemory(), &flakyNotifier{}, quietLog())
	require.Equal(t, d.BaseDelay, d.Backoff(1))
	require.Equal(t, 2*d.BaseDelay, d.Backoff(2))
	require.Equal(t, d.MaxDelay, d.Backoff(50))
}

func TestHTTPNotifierSignsBody(t *testing.T) {
	var verified bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		res, err := webhooks.NewVerifier(0).Verify(r.Header, body, time.Now(), "hook-secret")
		verified = err == nil && res.Valid
		var n domain.Notification
		_ = json.Unmarshal(body, &n)
		if n.ContractID != "ctr_1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewHTTPNotifier(srv.URL, "hook-secret")
	err := h.Notify(context.Background(), "act_a", domain.Notification{NotificationID: "ntf_1", ContractID: "ctr_1", Kind: domain.NotifyYourTurn})
	require.NoError(t, err)
	require.True(t, verified)
}

func TestHTTPNotifierFailureIsDeliveryFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewHTTPNotifier(srv.URL, "hook-secret").Notify(context.Background(), "act_a", domain.Notification{NotificationID: "ntf_1"})
	var df *domain.DeliveryFault
	require.ErrorAs(t, err, &df)
	require.Equal(t, "act_a", df.Target)
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	d := NewDispatcher(store.NewMemory(), &flakyNotifier{}, quietLog())
	_, err := d.Schedule(context.Background(), "every now and then")
	require.Error(t, err)
	c, err := d.Schedule(context.Background(), "@every 30s")
	require.NoError(t, err)
	require.Len(t, c.Entries(), 1)
}

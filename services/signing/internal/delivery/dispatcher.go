package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/accordsai/esign/pkg/domain"
	"github.com/accordsai/esign/services/signing/internal/store"
	"github.com/robfig/cron/v3"
)

type Outbox interface {
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]store.OutboxEntry, error)
	MarkDelivered(ctx context.Context, notificationID string, at time.Time) error
	MarkFailed(ctx context.Context, notificationID, reason string, next time.Time) error
	MarkDead(ctx context.Context, notificationID, reason string, at time.Time) error
}

type Dispatcher struct {
	Outbox     Outbox
	Notifier   Notifier
	Log        *slog.Logger
	Now        func() time.Time
	BatchSize  int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxAttempt int

	mu   sync.Mutex
	kick chan struct{}
}

func NewDispatcher(outbox Outbox, n Notifier, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		Outbox:     outbox,
		Notifier:   n,
		Log:        log,
		Now:        time.Now,
		BatchSize:  100,
		BaseDelay:  15 * time.Second,
		MaxDelay:   30 * time.Minute,
		MaxAttempt: 20,
		kick:       make(chan struct{}, 1),
	}
}

// Backoff is the wait after the given number of failed attempts.
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	delay := d.BaseDelay
	for i := 1; i < attempts && delay < d.MaxDelay; i++ {
		delay *= 2
	}
	if delay > d.MaxDelay {
		delay = d.MaxDelay
	}
	return delay
}

// Drain delivers every due notification once and reports how many went
// out. Only one drain runs at a time.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.Now().UTC()
	due, err := d.Outbox.DueNotifications(ctx, now, d.BatchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, e := range due {
		n := e.Notification
		if e.Attempts >= d.MaxAttempt {
			// left over from a larger MaxAttempt
			if err := d.Outbox.MarkDead(ctx, n.NotificationID, e.LastError, now); err != nil {
				return sent, err
			}
			continue
		}
		if err := d.Notifier.Notify(ctx, n.ActorID, n); err != nil {
			var df *domain.DeliveryFault
			if !errors.As(err, &df) {
				df = &domain.DeliveryFault{Target: n.ActorID, Op: string(n.Kind), Err: err}
			}
			if e.Attempts+1 >= d.MaxAttempt {
				d.Log.Error("notification abandoned",
					"notification_id", n.NotificationID, "contract_id", n.ContractID,
					"actor_id", n.ActorID, "attempts", e.Attempts+1, "error", df)
				if err := d.Outbox.MarkDead(ctx, n.NotificationID, df.Error(), now); err != nil {
					return sent, err
				}
				continue
			}
			next := now.Add(d.Backoff(e.Attempts + 1))
			d.Log.Warn("notification delivery failed",
				"notification_id", n.NotificationID, "contract_id", n.ContractID,
				"actor_id", n.ActorID, "attempt", e.Attempts+1, "retry_at", next, "error", df)
			if err := d.Outbox.MarkFailed(ctx, n.NotificationID, df.Error(), next); err != nil {
				return sent, err
			}
			continue
		}
		if err := d.Outbox.MarkDelivered(ctx, n.NotificationID, now); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Kick asks Run to drain soon. It never blocks.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run drains on every Kick until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
			if _, err := d.Drain(ctx); err != nil {
				d.Log.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// Schedule registers the retry sweep; the caller starts and stops the
// returned cron.
func (d *Dispatcher) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := d.Drain(ctx)
		if err != nil {
			d.Log.Error("outbox sweep failed", "error", err)
			return
		}
		if n > 0 {
			d.Log.Info("outbox sweep delivered notifications", "count", n)
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

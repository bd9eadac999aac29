package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/accordsai/esign/pkg/domain"
	"github.com/accordsai/esign/services/signing/internal/idempotency"
)

// Memory implements the same contract as Store, including the version
// check, without a database.
type Memory struct {
	mu          sync.Mutex
	templates   map[string]domain.Template
	contracts   map[string]domain.Contract
	records     map[string][]domain.SigningRecord
	outbox      []OutboxEntry
	idem        map[string]idempotency.Record
	credentials map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		templates:   map[string]domain.Template{},
		contracts:   map[string]domain.Contract{},
		records:     map[string][]domain.SigningRecord{},
		idem:        map[string]idempotency.Record{},
		credentials: map[string]string{},
	}
}

func (m *Memory) CreateTemplate(_ context.Context, t domain.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t.Clone()
	return nil
}

func (m *Memory) GetTemplate(_ context.Context, templateID string) (domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[templateID]
	if !ok {
		return domain.Template{}, notFound("template", templateID)
	}
	return t.Clone(), nil
}

func (m *Memory) CreateContract(_ context.Context, c domain.Contract, outbox []domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts[c.ID] = c.Clone()
	m.enqueue(outbox)
	return nil
}

func (m *Memory) GetContract(_ context.Context, contractID string) (domain.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return domain.Contract{}, notFound("contract", contractID)
	}
	return c.Clone(), nil
}

func (m *Memory) CommitTransition(_ context.Context, c domain.Contract, expectedVersion int64, records []domain.SigningRecord, outbox []domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.contracts[c.ID]
	if !ok {
		return notFound("contract", c.ID)
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	for _, r := range records {
		for _, existing := range m.records[c.ID] {
			if existing.FieldID == r.FieldID {
				return ErrVersionConflict
			}
		}
	}
	m.contracts[c.ID] = c.Clone()
	m.records[c.ID] = append(m.records[c.ID], records...)
	m.enqueue(outbox)
	return nil
}

func (m *Memory) enqueue(outbox []domain.Notification) {
	for _, n := range outbox {
		m.outbox = append(m.outbox, OutboxEntry{Notification: n, NextAttemptAt: n.CreatedAt})
	}
}

func (m *Memory) ListSigningRecords(_ context.Context, contractID string) ([]domain.SigningRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.SigningRecord{}, m.records[contractID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out, nil
}

func (m *Memory) DueNotifications(_ context.Context, now time.Time, limit int) ([]OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OutboxEntry
	for _, e := range m.outbox {
		if e.DeliveredAt == nil && e.DeadAt == nil && !e.NextAttemptAt.After(now) {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Outbox returns every queued entry, delivered or not.
func (m *Memory) Outbox() []OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboxEntry(nil), m.outbox...)
}

func (m *Memory) MarkDelivered(_ context.Context, notificationID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].Notification.NotificationID == notificationID {
			t := at
			m.outbox[i].DeliveredAt = &t
			m.outbox[i].Attempts++
			m.outbox[i].LastError = ""
		}
	}
	return nil
}

func (m *Memory) MarkDead(_ context.Context, notificationID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].Notification.NotificationID == notificationID {
			t := at
			m.outbox[i].Attempts++
			m.outbox[i].LastError = reason
			m.outbox[i].DeadAt = &t
		}
	}
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, notificationID, reason string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].Notification.NotificationID == notificationID {
			m.outbox[i].Attempts++
			m.outbox[i].LastError = reason
			m.outbox[i].NextAttemptAt = next
		}
	}
	return nil
}

func idemKey(actorID, key, endpoint string) string {
	return actorID + "\x00" + key + "\x00" + endpoint
}

func (m *Memory) GetIdempotencyRecord(_ context.Context, actorID, key, endpoint string) (idempotency.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[idemKey(actorID, key, endpoint)]
	return rec, ok, nil
}

func (m *Memory) SaveIdempotencyRecord(_ context.Context, actorID, key, endpoint string, rec idempotency.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(actorID, key, endpoint)
	if _, exists := m.idem[k]; !exists {
		m.idem[k] = rec
	}
	return nil
}

func (m *Memory) GetActorCredential(_ context.Context, actorID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.credentials[actorID]
	if !ok {
		return "", notFound("credential", actorID)
	}
	return h, nil
}

func (m *Memory) PutActorCredential(_ context.Context, actorID, secretHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[actorID] = secretHash
	return nil
}

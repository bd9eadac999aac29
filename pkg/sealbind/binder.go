// Package sealbind records which signature or seal asset was applied to
// which field, with a content hash that can be checked later without the
// rendered page.
package sealbind

import (
	"fmt"
	"time"

	"github.com/accordsai/esign/pkg/canonhash"
	"github.com/accordsai/esign/pkg/domain"
	"github.com/google/uuid"
)

// payload is the canonical serialization; field order is part of the format.
type payload struct {
	ContractID string `json:"contract_id"`
	FieldID    string `json:"field_id"`
	ActorID    string `json:"actor_id"`
	AssetRef   string `json:"asset_ref"`
	Timestamp  string `json:"timestamp"`
}

type Binder struct {
	Now   func() time.Time
	NewID func() string
}

func New() *Binder {
	return &Binder{
		Now:   time.Now,
		NewID: func() string { return "rec_" + uuid.NewString() },
	}
}

// Bind builds the record for one field. A field already fulfilled on the
// contract is refused with domain.ErrAlreadyFulfilled.
func (b *Binder) Bind(c domain.Contract, fieldID string, actor domain.Actor, assetRef string) (domain.SigningRecord, error) {
	return b.BindAt(c, fieldID, actor, assetRef, b.Now())
}

func (b *Binder) BindAt(c domain.Contract, fieldID string, actor domain.Actor, assetRef string, at time.Time) (domain.SigningRecord, error) {
	f, _, ok := c.Field(fieldID)
	if !ok {
		return domain.SigningRecord{}, fmt.Errorf("%w: %s", domain.ErrFieldNotFound, fieldID)
	}
	if f.Fulfilled() {
		return domain.SigningRecord{}, fmt.Errorf("%w: %s", domain.ErrAlreadyFulfilled, fieldID)
	}
	rec := domain.SigningRecord{
		RecordID:          b.NewID(),
		ContractID:        c.ID,
		FieldID:           fieldID,
		ActorID:           actor.ID,
		SignatureAssetRef: assetRef,
		Timestamp:         at.UTC().Truncate(time.Microsecond),
	}
	h, _, err := canonhash.SumObject(payloadOf(rec))
	if err != nil {
		return domain.SigningRecord{}, err
	}
	rec.ContentHash = h
	return rec, nil
}

// Verify recomputes a record's content hash.
func Verify(rec domain.SigningRecord) error {
	if err := canonhash.Verify(payloadOf(rec), rec.ContentHash); err != nil {
		return fmt.Errorf("record %s: %w", rec.RecordID, err)
	}
	return nil
}

func payloadOf(rec domain.SigningRecord) payload {
	return payload{
		ContractID: rec.ContractID,
		FieldID:    rec.FieldID,
		ActorID:    rec.ActorID,
		AssetRef:   rec.SignatureAssetRef,
		Timestamp:  rec.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

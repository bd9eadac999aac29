package sealbind

import (
	"errors"
	"testing"
	"time"

	"github.com/accordsai/esign/pkg/canonhash"
	"github.com/accordsai/esign/pkg/domain"
)

func contractWith(fulfilled bool) domain.Contract {
	f := domain.ContractField{FieldComponent: domain.FieldComponent{ID: "sig_a", Type: domain.FieldSignaturePersonal, Assignee: "A", Required: true}}
	if fulfilled {
		f.Fulfillment = &domain.Fulfillment{ActorID: "act_alice"}
	}
	return domain.Contract{ID: "ctr_1", Fields: []domain.ContractField{f}}
}

func TestBindProducesVerifiableRecord(t *testing.T) {
	b := New()
	b.Now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 123456789, time.FixedZone("CST", 8*3600)) }
	rec, err := b.Bind(contractWith(false), "sig_a", domain.Actor{ID: "act_alice"}, "asset_1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if rec.Timestamp.Location() != time.UTC || rec.Timestamp.Nanosecond()%1000 != 0 {
		t.Fatalf("timestamp not normalized: %v", rec.Timestamp)
	}
	if err := Verify(rec); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := rec
	tampered.SignatureAssetRef = "asset_2"
	if err := Verify(tampered); !errors.Is(err, canonhash.ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestBindRefusesFulfilledOrUnknownField(t *testing.T) {
	b := New()
	if _, err := b.Bind(contractWith(true), "sig_a", domain.Actor{ID: "act_bob"}, "asset_1"); !errors.Is(err, domain.ErrAlreadyFulfilled) {
		t.Fatalf("expected already fulfilled, got %v", err)
	}
	if _, err := b.Bind(contractWith(false), "sig_z", domain.Actor{ID: "act_bob"}, "asset_1"); !errors.Is(err, domain.ErrFieldNotFound) {
		t.Fatalf("expected field not found, got %v", err)
	}
}

func TestRecordIDsAreUnique(t *testing.T) {
	b := New()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		rec, err := b.Bind(contractWith(false), "sig_a", domain.Actor{ID: "act_alice"}, "asset_1")
		if err != nil {
			t.Fatalf("bind: %v", err)
		}
		if seen[rec.RecordID] {
			t.Fatalf("duplicate record id %s", rec.RecordID)
		}
		seen[rec.RecordID] = true
	}
}

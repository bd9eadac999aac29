// Package workflow owns contract status. Apply is the only way a contract's
// status or field fulfillment changes once it exists.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/accordsai/esign/pkg/authz"
	"github.com/accordsai/esign/pkg/canonhash"
	"github.com/accordsai/esign/pkg/domain"
	"github.com/accordsai/esign/pkg/fieldschema"
	"github.com/accordsai/esign/pkg/sealbind"
)

type Event interface {
	Name() string
}

type Send struct{}

type SignField struct {
	FieldID  string
	AssetRef string
}

type FillField struct {
	FieldID string
	Value   string
}

type Reject struct {
	Reason string
}

type Revoke struct{}

func (Send) Name() string      { return "SEND" }
func (SignField) Name() string { return "SIGN_FIELD" }
func (FillField) Name() string { return "FILL_FIELD" }
func (Reject) Name() string    { return "REJECT" }
func (Revoke) Name() string    { return "REVOKE" }

// Transition is the outcome of one event. Contract is a new value; the input
// contract is never modified.
type Transition struct {
	Contract domain.Contract
	Records  []domain.SigningRecord
	From     domain.Status
	To       domain.Status
	// Changed is false for idempotent no-ops such as a repeated Send.
	Changed bool
}

type Machine struct {
	Gate   *authz.Gate
	Binder *sealbind.Binder
	Now    func() time.Time
}

func New(gate *authz.Gate, binder *sealbind.Binder) *Machine {
	return &Machine{Gate: gate, Binder: binder, Now: time.Now}
}

func (m *Machine) Apply(c domain.Contract, actor domain.Actor, ev Event) (Transition, error) {
	if c.Status.Terminal() {
		return Transition{}, fmt.Errorf("%w: contract %s is %s", domain.ErrContractClosed, c.ID, c.Status)
	}
	now := m.Now().UTC()
	switch e := ev.(type) {
	case Send:
		return m.send(c, actor, now)
	case SignField:
		return m.sign(c, actor, e, now)
	case FillField:
		return m.fill(c, actor, e, now)
	case Reject:
		return m.close(c, actor, authz.ActionReject, domain.StatusRejected, e.Reason, now)
	case Revoke:
		return m.close(c, actor, authz.ActionRevoke, domain.StatusRevoked, "", now)
	default:
		return Transition{}, fmt.Errorf("unsupported event %T", ev)
	}
}

func (m *Machine) authorize(actor domain.Actor, c domain.Contract, a authz.Action, fieldID string) error {
	return m.Gate.Authorize(actor, c, authz.Request{Action: a, FieldID: fieldID}).Err(a)
}

func (m *Machine) send(c domain.Contract, actor domain.Actor, now time.Time) (Transition, error) {
	if err := m.authorize(actor, c, authz.ActionSend, ""); err != nil {
		return Transition{}, err
	}
	if c.Status != domain.StatusDraft {
		return Transition{Contract: c.Clone(), From: c.Status, To: c.Status}, nil
	}
	next := c.Clone()
	next.Status = domain.StatusPending
	return commit(c, next, nil, now), nil
}

func (m *Machine) sign(c domain.Contract, actor domain.Actor, e SignField, now time.Time) (Transition, error) {
	f, _, ok := c.Field(e.FieldID)
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s", domain.ErrFieldNotFound, e.FieldID)
	}
	if err := m.authorize(actor, c, authz.ActionSign, e.FieldID); err != nil {
		return Transition{}, err
	}
	if f.Fulfilled() {
		return Transition{}, fmt.Errorf("%w: %s", domain.ErrAlreadyFulfilled, e.FieldID)
	}
	if strings.TrimSpace(e.AssetRef) == "" {
		return Transition{}, domain.ValidationErrors{{FieldID: e.FieldID, Reason: "signature asset reference required"}}
	}

	targets := []string{f.ID}
	if group, ok := f.SealGroup(); ok {
		targets = targets[:0]
		for _, other := range c.Fields {
			if g, isSeal := other.SealGroup(); isSeal && g == group && !other.Fulfilled() {
				targets = append(targets, other.ID)
			}
		}
	}
	return m.fulfill(c, actor, targets, e.AssetRef, "", now)
}

func (m *Machine) fill(c domain.Contract, actor domain.Actor, e FillField, now time.Time) (Transition, error) {
	f, _, ok := c.Field(e.FieldID)
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s", domain.ErrFieldNotFound, e.FieldID)
	}
	if err := m.authorize(actor, c, authz.ActionFill, e.FieldID); err != nil {
		return Transition{}, err
	}
	if f.Fulfilled() {
		return Transition{}, fmt.Errorf("%w: %s", domain.ErrAlreadyFulfilled, e.FieldID)
	}
	value, err := fieldschema.CanonicalValue(f.FieldComponent, e.Value)
	if err != nil {
		return Transition{}, err
	}
	// The record commits to the value through its digest.
	ref := "value:" + canonhash.SumBytes([]byte(value))
	return m.fulfill(c, actor, []string{f.ID}, ref, value, now)
}

func (m *Machine) fulfill(c domain.Contract, actor domain.Actor, fieldIDs []string, assetRef, value string, now time.Time) (Transition, error) {
	next := c.Clone()
	records := make([]domain.SigningRecord, 0, len(fieldIDs))
	for _, id := range fieldIDs {
		rec, err := m.Binder.BindAt(next, id, actor, assetRef, now)
		if err != nil {
			return Transition{}, err
		}
		_, i, _ := next.Field(id)
		next.Fields[i].Fulfillment = &domain.Fulfillment{
			ActorID:  actor.ID,
			Value:    value,
			AssetRef: rec.SignatureAssetRef,
			At:       rec.Timestamp,
		}
		records = append(records, rec)
	}
	recompute(&next, now)
	return commit(c, next, records, now), nil
}

func (m *Machine) close(c domain.Contract, actor domain.Actor, a authz.Action, to domain.Status, reason string, now time.Time) (Transition, error) {
	if err := m.authorize(actor, c, a, ""); err != nil {
		return Transition{}, err
	}
	next := c.Clone()
	next.Status = to
	next.ClosedBy = actor.ID
	next.ClosedReason = reason
	return commit(c, next, nil, now), nil
}

// recompute derives status from fulfillment. DRAFT is left alone: only Send
// leaves it.
func recompute(c *domain.Contract, now time.Time) {
	if c.Status != domain.StatusPending && c.Status != domain.StatusPartiallySigned {
		return
	}
	switch {
	case c.AllRequiredFulfilled() && c.AnyFulfilled():
		c.Status = domain.StatusCompleted
		t := now
		c.CompletedAt = &t
	case c.AnyFulfilled():
		c.Status = domain.StatusPartiallySigned
	}
}

func commit(prev, next domain.Contract, records []domain.SigningRecord, now time.Time) Transition {
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	return Transition{Contract: next, Records: records, From: prev.Status, To: next.Status, Changed: true}
}

package domain

import "time"

type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusPending         Status = "PENDING"
	StatusPartiallySigned Status = "PARTIALLY_SIGNED"
	StatusCompleted       Status = "COMPLETED"
	StatusRejected        Status = "REJECTED"
	StatusRevoked         Status = "REVOKED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusRevoked
}

// Rank orders the forward path; terminal side branches rank above every
// open state.
func (s Status) Rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusPending:
		return 1
	case StatusPartiallySigned:
		return 2
	case StatusCompleted, StatusRejected, StatusRevoked:
		return 3
	default:
		return -1
	}
}

type Fulfillment struct {
	ActorID  string    `json:"actor_id"`
	Value    string    `json:"value,omitempty"`
	AssetRef string    `json:"asset_ref,omitempty"`
	At       time.Time `json:"at"`
}

type ContractField struct {
	FieldComponent
	Fulfillment *Fulfillment `json:"fulfillment,omitempty"`
}

func (f ContractField) Fulfilled() bool { return f.Fulfillment != nil }

// MarshalJSON keeps the component's own encoding and adds the fulfillment.
func (f ContractField) MarshalJSON() ([]byte, error) {
	b, err := f.FieldComponent.MarshalJSON()
	if err != nil || f.Fulfillment == nil {
		return b, err
	}
	return appendJSONField(b, "fulfillment", f.Fulfillment)
}

func (f *ContractField) UnmarshalJSON(b []byte) error {
	if err := f.FieldComponent.UnmarshalJSON(b); err != nil {
		return err
	}
	var w struct {
		Fulfillment *Fulfillment `json:"fulfillment"`
	}
	if err := unmarshalJSON(b, &w); err != nil {
		return err
	}
	f.Fulfillment = w.Fulfillment
	return nil
}

type Contract struct {
	ID           string          `json:"contract_id"`
	TemplateID   string          `json:"template_id,omitempty"`
	Title        string          `json:"title"`
	EnterpriseID string          `json:"enterprise_id,omitempty"`
	Pages        []Page          `json:"pages"`
	Parties      []BoundParty    `json:"parties"`
	SigningOrder SigningOrder    `json:"signing_order"`
	Status       Status          `json:"status"`
	Fields       []ContractField `json:"fields"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ClosedBy     string          `json:"closed_by,omitempty"`
	ClosedReason string          `json:"closed_reason,omitempty"`
	Version      int64           `json:"version"`
}

// NewContract instantiates a template: pages, parties and fields are deep
// copies, so later template edits never reach the contract.
func NewContract(id string, tpl Template, parties OrderedParties, createdBy string, now time.Time) Contract {
	cp := tpl.Clone()
	fields := make([]ContractField, len(cp.Fields))
	for i, f := range cp.Fields {
		fields[i] = ContractField{FieldComponent: f}
	}
	now = now.UTC()
	return Contract{
		ID:           id,
		TemplateID:   tpl.ID,
		Title:        tpl.Name,
		EnterpriseID: tpl.EnterpriseID,
		Pages:        cp.Pages,
		Parties:      append([]BoundParty(nil), parties.Parties...),
		SigningOrder: parties.Order,
		Status:       StatusDraft,
		Fields:       fields,
		CreatedBy:    createdBy,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
}

func (c Contract) Clone() Contract {
	out := c
	out.Pages = append([]Page(nil), c.Pages...)
	out.Parties = make([]BoundParty, len(c.Parties))
	for i, p := range c.Parties {
		p.Binding.Actor.Memberships = append([]Membership(nil), p.Binding.Actor.Memberships...)
		out.Parties[i] = p
	}
	out.Fields = make([]ContractField, len(c.Fields))
	for i, f := range c.Fields {
		nf := ContractField{FieldComponent: f.FieldComponent.clone()}
		if f.Fulfillment != nil {
			ff := *f.Fulfillment
			nf.Fulfillment = &ff
		}
		out.Fields[i] = nf
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

func (c Contract) Field(id string) (ContractField, int, bool) {
	for i, f := range c.Fields {
		if f.ID == id {
			return f, i, true
		}
	}
	return ContractField{}, -1, false
}

func (c Contract) Party(id string) (BoundParty, bool) {
	for _, p := range c.Parties {
		if p.Party.ID == id {
			return p, true
		}
	}
	return BoundParty{}, false
}

// PartiesOf returns the parties an actor is bound to, directly or as a
// signer of an enterprise-bound party.
func (c Contract) PartiesOf(a Actor) []BoundParty {
	var out []BoundParty
	for _, p := range c.Parties {
		if ActsFor(a, p) {
			out = append(out, p)
		}
	}
	return out
}

// ActsFor reports whether the actor may act for the bound party.
func ActsFor(a Actor, p BoundParty) bool {
	if p.Binding.Actor.ID == a.ID && a.ID != "" {
		return true
	}
	if p.Binding.EnterpriseID != "" {
		return a.CanUseSeal(p.Binding.EnterpriseID, p.Binding.SealID)
	}
	return false
}

// PartyComplete reports whether every required field assigned to the party
// is fulfilled.
func (c Contract) PartyComplete(partyID string) bool {
	for _, f := range c.Fields {
		if f.Assignee == partyID && f.Required && !f.Fulfilled() {
			return false
		}
	}
	return true
}

func (c Contract) AllRequiredFulfilled() bool {
	for _, f := range c.Fields {
		if f.Required && !f.Fulfilled() {
			return false
		}
	}
	return true
}

func (c Contract) AnyFulfilled() bool {
	for _, f := range c.Fields {
		if f.Fulfilled() {
			return true
		}
	}
	return false
}

// NextParties lists parties that still owe required fields and, under
// sequential order, are currently allowed to act.
func (c Contract) NextParties() []string {
	var out []string
	for _, p := range c.Parties {
		if c.PartyComplete(p.Party.ID) {
			continue
		}
		out = append(out, p.Party.ID)
		if c.SigningOrder == OrderSequential {
			break
		}
	}
	return out
}

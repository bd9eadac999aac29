package domain

import (
	"strings"
	"time"
)

type SigningOrder string

const (
	OrderSequential SigningOrder = "SEQUENTIAL"
	OrderParallel   SigningOrder = "PARALLEL"
)

type PartyKind string

const (
	PartyIndividual PartyKind = "INDIVIDUAL"
	PartyEnterprise PartyKind = "ENTERPRISE"
)

type Page struct {
	Number int     `json:"number"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Party is a named role in a template, e.g. "甲方", bound to an actor when a
// contract is created.
type Party struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Kind PartyKind `json:"kind,omitempty"`
}

type Template struct {
	ID              string           `json:"template_id"`
	Name            string           `json:"name"`
	EnterpriseID    string           `json:"enterprise_id,omitempty"`
	Pages           []Page           `json:"pages"`
	Parties         []Party          `json:"parties"`
	Fields          []FieldComponent `json:"fields"`
	SigningOrder    SigningOrder     `json:"signing_order"`
	OrderedPartyIDs []string         `json:"ordered_party_ids,omitempty"`
	DistinctSigners bool             `json:"distinct_signers,omitempty"`
	CreatedBy       string           `json:"created_by,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// NewTemplate fills the defaults a stored template must carry. The result
// still has to pass fieldschema.Validate before it is used.
func NewTemplate(id, createdBy string, t Template, now time.Time) Template {
	t.ID = id
	t.CreatedBy = createdBy
	t.CreatedAt = now.UTC()
	t.Name = strings.TrimSpace(t.Name)
	if t.SigningOrder == "" {
		t.SigningOrder = OrderParallel
	}
	for i := range t.Parties {
		if t.Parties[i].Kind == "" {
			t.Parties[i].Kind = PartyIndividual
		}
	}
	return t
}

func (t Template) Page(n int) (Page, bool) {
	for _, p := range t.Pages {
		if p.Number == n {
			return p, true
		}
	}
	return Page{}, false
}

func (t Template) Party(id string) (Party, bool) {
	for _, p := range t.Parties {
		if p.ID == id {
			return p, true
		}
	}
	return Party{}, false
}

// Clone deep-copies everything a contract takes over at instantiation.
func (t Template) Clone() Template {
	out := t
	out.Pages = append([]Page(nil), t.Pages...)
	out.Parties = append([]Party(nil), t.Parties...)
	out.OrderedPartyIDs = append([]string(nil), t.OrderedPartyIDs...)
	out.Fields = make([]FieldComponent, len(t.Fields))
	for i, f := range t.Fields {
		out.Fields[i] = f.clone()
	}
	return out
}

func (f FieldComponent) clone() FieldComponent {
	out := f
	switch c := f.Constraints.(type) {
	case ChoiceConstraints:
		c.Options = append([]string(nil), c.Options...)
		out.Constraints = c
	case NumberConstraints:
		if c.MinValue != nil {
			v := *c.MinValue
			c.MinValue = &v
		}
		if c.MaxValue != nil {
			v := *c.MaxValue
			c.MaxValue = &v
		}
		out.Constraints = c
	}
	return out
}

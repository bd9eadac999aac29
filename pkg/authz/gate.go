// Package authz answers whether an actor may perform an action on a
// contract. It never mutates anything.
package authz

import (
	"fmt"

	"github.com/accordsai/esign/pkg/domain"
)

type Action string

const (
	ActionView   Action = "VIEW"
	ActionFill   Action = "FILL"
	ActionSign   Action = "SIGN"
	ActionSend   Action = "SEND"
	ActionReject Action = "REJECT"
	ActionRevoke Action = "REVOKE"
)

type Request struct {
	Action  Action
	FieldID string
}

type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Err converts a denial into a *domain.PermissionError; nil when allowed.
func (d Decision) Err(a Action) error {
	if d.Allowed {
		return nil
	}
	return &domain.PermissionError{Action: string(a), Reason: d.Reason}
}

type Policy struct {
	// RevokeAfterSigning lets the creator revoke a PARTIALLY_SIGNED contract.
	RevokeAfterSigning bool
}

func DefaultPolicy() Policy { return Policy{RevokeAfterSigning: true} }

type Gate struct {
	Policy Policy
}

func NewGate(p Policy) *Gate { return &Gate{Policy: p} }

// Authorize evaluates the decision table top to bottom; the first rule whose
// action matches decides.
func (g *Gate) Authorize(actor domain.Actor, c domain.Contract, req Request) Decision {
	switch req.Action {
	case ActionRevoke:
		return g.revoke(actor, c)
	case ActionSign:
		return g.sign(actor, c, req.FieldID)
	case ActionFill:
		return g.fill(actor, c, req.FieldID)
	case ActionView:
		return g.view(actor, c)
	case ActionSend:
		if !isOwner(actor, c) {
			return deny("only the initiator may send the contract")
		}
		return allow()
	case ActionReject:
		if c.Status.Terminal() {
			return deny("contract is %s", c.Status)
		}
		if len(c.PartiesOf(actor)) == 0 {
			return deny("actor is not a party to the contract")
		}
		return allow()
	}
	return deny("insufficient permission")
}

func isOwner(actor domain.Actor, c domain.Contract) bool {
	return actor.ID == c.CreatedBy || actor.IsEnterpriseAdmin(c.EnterpriseID)
}

func (g *Gate) revoke(actor domain.Actor, c domain.Contract) Decision {
	if !isOwner(actor, c) {
		return deny("only the initiator or an enterprise admin may revoke")
	}
	switch c.Status {
	case domain.StatusDraft, domain.StatusPending:
		return allow()
	case domain.StatusPartiallySigned:
		if g.Policy.RevokeAfterSigning {
			return allow()
		}
	}
	return deny("contract cannot be revoked while %s", c.Status)
}

func (g *Gate) sign(actor domain.Actor, c domain.Contract, fieldID string) Decision {
	f, _, ok := c.Field(fieldID)
	if !ok {
		return deny("unknown field %q", fieldID)
	}
	if !f.Type.IsSignature() {
		return deny("field %q is not a signature field", fieldID)
	}
	party, ok := c.Party(f.Assignee)
	if !ok {
		return deny("field %q has no bound party", fieldID)
	}
	if !domain.ActsFor(actor, party) {
		return deny("actor is not bound to party %q", party.Party.ID)
	}
	if !actor.Verified {
		return deny("actor identity is not verified")
	}
	if f.Type.IsSeal() {
		ent := party.Binding.EnterpriseID
		if ent == "" {
			return deny("seal field %q requires an enterprise-bound party", fieldID)
		}
		sealID := party.Binding.SealID
		if sc, ok := f.EffectiveConstraints().(domain.SealConstraints); ok && sc.SealID != "" {
			sealID = sc.SealID
		}
		if !actor.CanUseSeal(ent, sealID) {
			return deny("actor may not apply the seal of enterprise %q", ent)
		}
	}
	if c.Status != domain.StatusPending && c.Status != domain.StatusPartiallySigned {
		return deny("contract is %s", c.Status)
	}
	if c.SigningOrder == domain.OrderSequential {
		for _, p := range c.Parties {
			if p.Party.ID == party.Party.ID {
				break
			}
			if !c.PartyComplete(p.Party.ID) {
				return deny("party %q must complete first", p.Party.ID)
			}
		}
	}
	return allow()
}

func (g *Gate) fill(actor domain.Actor, c domain.Contract, fieldID string) Decision {
	f, _, ok := c.Field(fieldID)
	if !ok {
		return deny("unknown field %q", fieldID)
	}
	if !f.Type.IsData() {
		return deny("field %q does not take values", fieldID)
	}
	if f.Assignee == "" {
		if len(c.PartiesOf(actor)) == 0 {
			return deny("actor is not a party to the contract")
		}
	} else {
		party, ok := c.Party(f.Assignee)
		if !ok || !domain.ActsFor(actor, party) {
			return deny("actor is not bound to party %q", f.Assignee)
		}
	}
	switch c.Status {
	case domain.StatusDraft, domain.StatusPending, domain.StatusPartiallySigned:
		return allow()
	}
	return deny("contract is %s", c.Status)
}

func (g *Gate) view(actor domain.Actor, c domain.Contract) Decision {
	if actor.ID == c.CreatedBy || len(c.PartiesOf(actor)) > 0 {
		return allow()
	}
	if m, ok := actor.Membership(c.EnterpriseID); ok && (m.Permissions.CanView || m.Permissions.CanManageMembers) {
		return allow()
	}
	return deny("insufficient permission")
}

// AuthorizeCreate decides template and contract creation. enterpriseID is
// empty for personal contracts.
func AuthorizeCreate(actor domain.Actor, enterpriseID string) Decision {
	if !actor.Verified {
		return deny("actor identity is not verified")
	}
	if enterpriseID == "" {
		return allow()
	}
	m, ok := actor.Membership(enterpriseID)
	if !ok || !m.Verified || !m.Permissions.CanCreate {
		return deny("actor may not create for enterprise %q", enterpriseID)
	}
	return allow()
}

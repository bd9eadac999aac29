// Package parties binds a validated template's parties to concrete actors.
package parties

import (
	"sort"

	"github.com/accordsai/esign/pkg/domain"
	"github.com/accordsai/esign/pkg/fieldschema"
)

// Resolve returns the bound parties in signing order. It fails with a
// *domain.ResolutionError on the first party that cannot be bound; parties
// are checked in a stable order so the same input always reports the same
// party.
func Resolve(vt *fieldschema.ValidatedTemplate, bindings map[string]domain.ActorBinding) (domain.OrderedParties, error) {
	tpl := vt.Template

	unknown := make([]string, 0)
	for id := range bindings {
		if _, ok := tpl.Party(id); !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return domain.OrderedParties{}, &domain.ResolutionError{PartyID: unknown[0], Reason: "binding references an undeclared party"}
	}

	for _, id := range vt.PartiesWithRequiredFields() {
		if _, ok := bindings[id]; !ok {
			return domain.OrderedParties{}, &domain.ResolutionError{PartyID: id, Reason: "party has required fields but no binding"}
		}
	}

	order := partyOrder(tpl)
	boundBy := map[string]string{}
	out := domain.OrderedParties{Order: tpl.SigningOrder}
	for pos, id := range order {
		b, ok := bindings[id]
		if !ok {
			continue
		}
		party, _ := tpl.Party(id)
		if err := checkBinding(party, b); err != nil {
			return domain.OrderedParties{}, err
		}
		if tpl.DistinctSigners {
			if other, dup := boundBy[b.Actor.ID]; dup {
				return domain.OrderedParties{}, &domain.ResolutionError{PartyID: id, Reason: "actor already bound to party " + other}
			}
			boundBy[b.Actor.ID] = id
		}
		out.Parties = append(out.Parties, domain.BoundParty{Party: party, Binding: b, Position: pos})
	}
	return out, nil
}

func partyOrder(t domain.Template) []string {
	if t.SigningOrder == domain.OrderSequential && len(t.OrderedPartyIDs) > 0 {
		return append([]string(nil), t.OrderedPartyIDs...)
	}
	out := make([]string, 0, len(t.Parties))
	for _, p := range t.Parties {
		out = append(out, p.ID)
	}
	return out
}

func checkBinding(p domain.Party, b domain.ActorBinding) error {
	if b.Actor.ID == "" {
		return &domain.ResolutionError{PartyID: p.ID, Reason: "binding has no actor"}
	}
	if p.Kind == domain.PartyEnterprise && b.EnterpriseID == "" {
		return &domain.ResolutionError{PartyID: p.ID, Reason: "enterprise party must be bound to an enterprise"}
	}
	if b.EnterpriseID == "" {
		if b.SealID != "" {
			return &domain.ResolutionError{PartyID: p.ID, Reason: "seal binding without enterprise"}
		}
		return nil
	}
	if !b.Actor.CanUseSeal(b.EnterpriseID, b.SealID) {
		return &domain.ResolutionError{PartyID: p.ID, Reason: "actor is not authorized to use the enterprise seal"}
	}
	return nil
}

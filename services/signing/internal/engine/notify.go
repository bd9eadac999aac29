package engine

import (
	"time"

	"github.com/accordsai/esign/pkg/domain"
	"github.com/accordsai/esign/pkg/workflow"
)

// notificationsFor lists what a committed transition tells whom. The
// acting actor is never notified of their own action.
func (e *Engine) notificationsFor(prev domain.Contract, tr workflow.Transition, ev workflow.Event, actor domain.Actor, now time.Time) []domain.Notification {
	c := tr.Contract
	seen := map[string]bool{}
	var out []domain.Notification
	add := func(actorID string, kind domain.NotificationKind) {
		key := actorID + "|" + string(kind)
		if actorID == "" || actorID == actor.ID || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, domain.Notification{
			NotificationID: e.newID("ntf"),
			ActorID:        actorID,
			ContractID:     c.ID,
			Kind:           kind,
			Status:         c.Status,
			CreatedAt:      now,
		})
	}
	everyone := func(kind domain.NotificationKind) {
		add(c.CreatedBy, kind)
		for _, p := range c.Parties {
			add(p.Binding.Actor.ID, kind)
		}
	}

	switch c.Status {
	case domain.StatusCompleted:
		everyone(domain.NotifyContractCompleted)
		return out
	case domain.StatusRejected:
		everyone(domain.NotifyContractRejected)
		return out
	case domain.StatusRevoked:
		everyone(domain.NotifyContractRevoked)
		return out
	}

	switch ev.(type) {
	case workflow.Send:
		for _, p := range c.Parties {
			add(p.Binding.Actor.ID, domain.NotifyContractSent)
		}
	case workflow.SignField:
		add(c.CreatedBy, domain.NotifyFieldSigned)
	case workflow.FillField:
		add(c.CreatedBy, domain.NotifyFieldFilled)
	}

	if c.Status == domain.StatusPending || c.Status == domain.StatusPartiallySigned {
		before := map[string]bool{}
		if prev.Status != domain.StatusDraft {
			for _, id := range prev.NextParties() {
				before[id] = true
			}
		}
		for _, id := range c.NextParties() {
			if before[id] {
				continue
			}
			if p, ok := c.Party(id); ok {
				add(p.Binding.Actor.ID, domain.NotifyYourTurn)
			}
		}
	}
	return out
}

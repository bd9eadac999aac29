// Package engine runs the signing workflow against durable state: it
// resolves actors, serializes writes per contract and commits each
// transition together with its signing records and notifications.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/accordsai/esign/pkg/authz"
	"github.com/accordsai/esign/pkg/domain"
	"github.com/accordsai/esign/pkg/fieldschema"
	"github.com/accordsai/esign/pkg/parties"
	"github.com/accordsai/esign/pkg/sealbind"
	"github.com/accordsai/esign/pkg/workflow"
	"github.com/accordsai/esign/services/signing/internal/assets"
	"github.com/accordsai/esign/services/signing/internal/identity"
	"github.com/accordsai/esign/services/signing/internal/store"
	"github.com/google/uuid"
)

const DefaultMaxApplyAttempts = 5

type Store interface {
	CreateTemplate(ctx context.Context, t domain.Template) error
	GetTemplate(ctx context.Context, templateID string) (domain.Template, error)
	CreateContract(ctx context.Context, c domain.Contract, outbox []domain.Notification) error
	GetContract(ctx context.Context, contractID string) (domain.Contract, error)
	CommitTransition(ctx context.Context, c domain.Contract, expectedVersion int64, records []domain.SigningRecord, outbox []domain.Notification) error
	ListSigningRecords(ctx context.Context, contractID string) ([]domain.SigningRecord, error)
}

type Options struct {
	Store            Store
	Identity         identity.Resolver
	Assets           assets.Store
	Policy           authz.Policy
	MaxApplyAttempts int
	Logger           *slog.Logger
	// OnCommit runs after every committed transition, e.g. to wake the
	// notification dispatcher.
	OnCommit func()
}

type Engine struct {
	store       Store
	identity    identity.Resolver
	assets      assets.Store
	gate        *authz.Gate
	machine     *workflow.Machine
	log         *slog.Logger
	locks       *keyedLocks
	maxAttempts int
	onCommit    func()
	now         func() time.Time
	newID       func(prefix string) string
}

func New(o Options) *Engine {
	if o.MaxApplyAttempts < 1 {
		o.MaxApplyAttempts = DefaultMaxApplyAttempts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.OnCommit == nil {
		o.OnCommit = func() {}
	}
	gate := authz.NewGate(o.Policy)
	e := &Engine{
		store:       o.Store,
		identity:    o.Identity,
		assets:      o.Assets,
		gate:        gate,
		log:         o.Logger,
		locks:       newKeyedLocks(),
		maxAttempts: o.MaxApplyAttempts,
		onCommit:    o.OnCommit,
		now:         time.Now,
		newID:       func(prefix string) string { return prefix + "_" + uuid.NewString() },
	}
	e.machine = workflow.New(gate, sealbind.New())
	e.machine.Now = func() time.Time { return e.now() }
	return e
}

// PartyBinding names the actor who will act for a template party.
type PartyBinding struct {
	ActorID      string `json:"actor_id"`
	EnterpriseID string `json:"enterprise_id,omitempty"`
	SealID       string `json:"seal_id,omitempty"`
}

// ContractStatus is a committed snapshot plus the parties expected to act
// next.
type ContractStatus struct {
	Contract    domain.Contract `json:"contract"`
	NextParties []string        `json:"next_parties"`
}

func (e *Engine) resolve(ctx context.Context, actorID string) (domain.Actor, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Actor{}, &domain.PermissionError{Action: "AUTHENTICATE", Reason: "no actor"}
	}
	a, err := e.identity.ResolveActorIdentity(ctx, actorID)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("resolve actor %s: %w", actorID, err)
	}
	return a, nil
}

// RefreshActor drops any cached identity for actorID and resolves it again,
// so membership and permission changes apply before the cache expires.
func (e *Engine) RefreshActor(ctx context.Context, actorID string) (domain.Actor, error) {
	if inv, ok := e.identity.(identity.Invalidator); ok && strings.TrimSpace(actorID) != "" {
		if err := inv.Invalidate(ctx, actorID); err != nil {
			return domain.Actor{}, fmt.Errorf("invalidate actor %s: %w", actorID, err)
		}
		e.log.Info("actor identity refreshed", "actor_id", actorID)
	}
	return e.resolve(ctx, actorID)
}

// ValidateTemplate runs every template check without storing anything.
func (e *Engine) ValidateTemplate(t domain.Template) error {
	_, err := fieldschema.Validate(domain.NewTemplate(t.ID, t.CreatedBy, t, e.now()))
	return err
}

func (e *Engine) CreateTemplate(ctx context.Context, actorID string, t domain.Template) (domain.Template, error) {
	actor, err := e.resolve(ctx, actorID)
	if err != nil {
		return domain.Template{}, err
	}
	if err := authz.AuthorizeCreate(actor, t.EnterpriseID).Err("CREATE_TEMPLATE"); err != nil {
		e.log.Warn("permission denied", "action", "CREATE_TEMPLATE", "actor_id", actor.ID, "enterprise_id", t.EnterpriseID, "error", err)
		return domain.Template{}, err
	}
	tpl := domain.NewTemplate(e.newID("tpl"), actor.ID, t, e.now())
	vt, err := fieldschema.Validate(tpl)
	if err != nil {
		return domain.Template{}, err
	}
	if err := e.store.CreateTemplate(ctx, vt.Template); err != nil {
		return domain.Template{}, err
	}
	e.log.Info("template created", "template_id", tpl.ID, "actor_id", actor.ID, "fields", len(tpl.Fields))
	return vt.Template, nil
}

func (e *Engine) GetTemplate(ctx context.Context, actorID, templateID string) (domain.Template, error) {
	actor, err := e.resolve(ctx, actorID)
	if err != nil {
		return domain.Template{}, err
	}
	tpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	if tpl.CreatedBy == actor.ID {
		return tpl, nil
	}
	if m, ok := actor.Membership(tpl.EnterpriseID); ok && m.Verified {
		return tpl, nil
	}
	return domain.Template{}, &domain.PermissionError{Action: string(authz.ActionView), Reason: "insufficient permission"}
}

// CreateContract instantiates a stored template with the given party
// bindings. Nothing is persisted unless every party resolves.
func (e *Engine) CreateContract(ctx context.Context, actorID, templateID, title string, bindings map[string]PartyBinding) (domain.Contract, error) {
	actor, err := e.resolve(ctx, actorID)
	if err != nil {
		return domain.Contract{}, err
	}
	tpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.Contract{}, err
	}
	if err := authz.AuthorizeCreate(actor, tpl.EnterpriseID).Err("CREATE_CONTRACT"); err != nil {
		e.log.Warn("permission denied", "action", "CREATE_CONTRACT", "actor_id", actor.ID, "template_id", templateID, "error", err)
		return domain.Contract{}, err
	}
	vt, err := fieldschema.Validate(tpl)
	if err != nil {
		return domain.Contract{}, err
	}

	ids := make([]string, 0, len(bindings))
	for id := range bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	bound := make(map[string]domain.ActorBinding, len(bindings))
	for _, partyID := range ids {
		b := bindings[partyID]
		if strings.TrimSpace(b.ActorID) == "" {
			return domain.Contract{}, &domain.ResolutionError{PartyID: partyID, Reason: "binding has no actor"}
		}
		a, err := e.identity.ResolveActorIdentity(ctx, b.ActorID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Contract{}, &domain.ResolutionError{PartyID: partyID, Reason: "unknown actor " + b.ActorID}
			}
			return domain.Contract{}, fmt.Errorf("resolve actor %s: %w", b.ActorID, err)
		}
		bound[partyID] = domain.ActorBinding{Actor: a, EnterpriseID: b.EnterpriseID, SealID: b.SealID}
	}
	ordered, err := parties.Resolve(vt, bound)
	if err != nil {
		return domain.Contract{}, err
	}

	c := domain.NewContract(e.newID("ctr"), vt.Template, ordered, actor.ID, e.now())
	if t := strings.TrimSpace(title); t != "" {
		c.Title = t
	}
	if err := e.store.CreateContract(ctx, c, nil); err != nil {
		return domain.Contract{}, err
	}
	e.log.Info("contract created", "contract_id", c.ID, "template_id", tpl.ID, "actor_id", actor.ID, "parties", len(c.Parties))
	return c, nil
}

func (e *Engine) SendContract(ctx context.Context, contractID, actorID string) (domain.Contract, error) {
	return e.apply(ctx, contractID, actorID, workflow.Send{})
}

func (e *Engine) SignField(ctx context.Context, contractID, fieldID, actorID, assetRef string) (domain.Contract, error) {
	return e.apply(ctx, contractID, actorID, workflow.SignField{FieldID: fieldID, AssetRef: assetRef})
}

func (e *Engine) FillField(ctx context.Context, contractID, fieldID, actorID, value string) (domain.Contract, error) {
	return e.apply(ctx, contractID, actorID, workflow.FillField{FieldID: fieldID, Value: value})
}

func (e *Engine) RejectContract(ctx context.Context, contractID, actorID, reason string) (domain.Contract, error) {
	return e.apply(ctx, contractID, actorID, workflow.Reject{Reason: strings.TrimSpace(reason)})
}

func (e *Engine) RevokeContract(ctx context.Context, contractID, actorID string) (domain.Contract, error) {
	return e.apply(ctx, contractID, actorID, workflow.Revoke{})
}

// apply runs one event under the contract's lock. A version conflict means
// another process committed first: reload and re-apply, at most
// maxAttempts times.
func (e *Engine) apply(ctx context.Context, contractID, actorID string, ev workflow.Event) (domain.Contract, error) {
	actor, err := e.resolve(ctx, actorID)
	if err != nil {
		return domain.Contract{}, err
	}
	unlock := e.locks.Lock(contractID)
	defer unlock()

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.Contract{}, err
		}
		c, err := e.store.GetContract(ctx, contractID)
		if err != nil {
			return domain.Contract{}, err
		}
		tr, err := e.machine.Apply(c, actor, ev)
		if err != nil {
			e.logRefusal(c, actor, ev, err)
			return domain.Contract{}, err
		}
		if !tr.Changed {
			return tr.Contract, nil
		}
		outbox := e.notificationsFor(c, tr, ev, actor, tr.Contract.UpdatedAt)
		err = e.store.CommitTransition(ctx, tr.Contract, c.Version, tr.Records, outbox)
		if err == nil {
			e.log.Info("contract transition",
				"contract_id", contractID, "actor_id", actor.ID, "event", ev.Name(),
				"from", tr.From, "to", tr.To, "version", tr.Contract.Version, "records", len(tr.Records))
			e.onCommit()
			return tr.Contract, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return domain.Contract{}, err
		}
		e.log.Debug("version conflict, retrying", "contract_id", contractID, "event", ev.Name(), "attempt", attempt)
	}
	return domain.Contract{}, fmt.Errorf("%w: contract %s changed %d times while applying %s", domain.ErrStaleState, contractID, e.maxAttempts, ev.Name())
}

func (e *Engine) logRefusal(c domain.Contract, actor domain.Actor, ev workflow.Event, err error) {
	attrs := []any{"contract_id", c.ID, "actor_id", actor.ID, "event", ev.Name(), "status", c.Status, "error", err}
	if errors.Is(err, domain.ErrPermissionDenied) {
		e.log.Warn("permission denied", attrs...)
		return
	}
	e.log.Info("event refused", attrs...)
}

func (e *Engine) view(ctx context.Context, contractID, actorID string) (domain.Contract, error) {
	actor, err := e.resolve(ctx, actorID)
	if err != nil {
		return domain.Contract{}, err
	}
	c, err := e.store.GetContract(ctx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if err := e.gate.Authorize(actor, c, authz.Request{Action: authz.ActionView}).Err(authz.ActionView); err != nil {
		e.log.Warn("permission denied", "contract_id", contractID, "actor_id", actor.ID, "event", "VIEW", "error", err)
		return domain.Contract{}, err
	}
	return c, nil
}

// GetContractStatus reads the last committed state without taking the
// contract lock.
func (e *Engine) GetContractStatus(ctx context.Context, contractID, actorID string) (ContractStatus, error) {
	c, err := e.view(ctx, contractID, actorID)
	if err != nil {
		return ContractStatus{}, err
	}
	next := []string{}
	if c.Status == domain.StatusPending || c.Status == domain.StatusPartiallySigned {
		next = append(next, c.NextParties()...)
	}
	return ContractStatus{Contract: c, NextParties: next}, nil
}

func (e *Engine) ListSigningRecords(ctx context.Context, contractID, actorID string) ([]domain.SigningRecord, error) {
	if _, err := e.view(ctx, contractID, actorID); err != nil {
		return nil, err
	}
	return e.store.ListSigningRecords(ctx, contractID)
}

// StoreSignatureAsset uploads a signature or seal image and returns the
// reference to pass to SignField.
func (e *Engine) StoreSignatureAsset(ctx context.Context, actorID, contentType string, data []byte) (string, error) {
	actor, err := e.resolve(ctx, actorID)
	if err != nil {
		return "", err
	}
	if !actor.Verified {
		return "", &domain.PermissionError{Action: "UPLOAD", Reason: "actor identity is not verified"}
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", domain.ValidationErrors{{Reason: fmt.Sprintf("signature assets must be images, got %q", contentType)}}
	}
	ref, err := e.assets.StoreAsset(ctx, actor.ID, contentType, data)
	if err != nil {
		var df *domain.DeliveryFault
		if errors.As(err, &df) {
			e.log.Error("asset upload failed", "actor_id", actor.ID, "error", err)
		}
		return "", err
	}
	return ref, nil
}

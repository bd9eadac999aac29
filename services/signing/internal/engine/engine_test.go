package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/accordsai/esign/pkg/authz"
	"github.com/accordsai/esign/pkg/domain"
	"github.com/accordsai/esign/pkg/sealbind"
	"github.com/accordsai/esign/services/signing/internal/identity"
	"github.com/accordsai/esign/services/signing/internal/store"
	"github.com/stretchr/testify/require"
)

var (
	creator = domain.Actor{ID: "act_creator", Verified: true}
	alice   = domain.Actor{ID: "act_alice", Verified: true}
	bob     = domain.Actor{ID: "act_bob", Verified: true, Memberships: []domain.Membership{{
		EnterpriseID: "ent_b", Verified: true,
		Permissions: domain.Permissions{CanSign: true},
		SealIDs:     []string{"seal_contract"},
	}}}
	dave = domain.Actor{ID: "act_dave", Verified: true}
)

type fakeAssets struct {
	n   int
	err error
}

func (f *fakeAssets) StoreAsset(_ context.Context, ownerID, _ string, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.n++
	return fmt.Sprintf("ast_%s_%d", ownerID, f.n), nil
}

func (f *fakeAssets) FetchAsset(context.Context, string) ([]byte, string, error) {
	return nil, "", domain.ErrNotFound
}

type harness struct {
	e       *Engine
	st      *store.Memory
	commits atomic.Int64
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{st: store.NewMemory()}
	o := Options{
		Store:    h.st,
		Identity: identity.Static{creator.ID: creator, alice.ID: alice, bob.ID: bob, dave.ID: dave},
		Assets:   &fakeAssets{},
		Policy:   authz.DefaultPolicy(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnCommit: func() { h.commits.Add(1) },
	}
	for _, f := range opts {
		f(&o)
	}
	h.e = New(o)
	return h
}

func rect(y float64) domain.Rect { return domain.Rect{X: 40, Y: y, Width: 120, Height: 50} }

// twoPartyTemplate: A signs personally, B applies a company seal.
func twoPartyTemplate(order domain.SigningOrder) domain.Template {
	t := domain.Template{
		Name:  "Service Agreement",
		Pages: []domain.Page{{Number: 1, Width: 595, Height: 842}},
		Parties: []domain.Party{
			{ID: "A", Name: "甲方", Kind: domain.PartyIndividual},
			{ID: "B", Name: "乙方", Kind: domain.PartyEnterprise},
		},
		Fields: []domain.FieldComponent{
			{ID: "sig_a", Type: domain.FieldSignaturePersonal, Page: 1, Rect: rect(600), Assignee: "A", Required: true},
			{ID: "seal_b", Type: domain.FieldSignatureCompanySeal, Page: 1, Rect: rect(700), Assignee: "B", Required: true},
		},
		SigningOrder: order,
	}
	if order == domain.OrderSequential {
		t.OrderedPartyIDs = []string{"A", "B"}
	}
	return t
}

func bindings() map[string]PartyBinding {
	return map[string]PartyBinding{
		"A": {ActorID: alice.ID},
		"B": {ActorID: bob.ID, EnterpriseID: "ent_b", SealID: "seal_contract"},
	}
}

func (h *harness) contract(t *testing.T, tpl domain.Template, b map[string]PartyBinding) domain.Contract {
	t.Helper()
	ctx := context.Background()
	stored, err := h.e.CreateTemplate(ctx, creator.ID, tpl)
	require.NoError(t, err)
	c, err := h.e.CreateContract(ctx, creator.ID, stored.ID, "", b)
	require.NoError(t, err)
	return c
}

func TestSequentialScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.contract(t, twoPartyTemplate(domain.OrderSequential), bindings())
	require.Equal(t, domain.StatusDraft, c.Status)

	c, err := h.e.SendContract(ctx, c.ID, creator.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, c.Status)

	_, err = h.e.SignField(ctx, c.ID, "seal_b", bob.ID, "ast_seal")
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	c, err = h.e.SignField(ctx, c.ID, "sig_a", alice.ID, "ast_sig")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPartiallySigned, c.Status)

	c, err = h.e.SignField(ctx, c.ID, "seal_b", bob.ID, "ast_seal")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, c.Status)
	require.NotNil(t, c.CompletedAt)

	recs, err := h.e.ListSigningRecords(ctx, c.ID, creator.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		require.NoError(t, sealbind.Verify(r))
	}
	require.EqualValues(t, 3, h.commits.Load())
}

func TestRevokeAfterPartialSigningClosesContract(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.contract(t, twoPartyTemplate(domain.OrderParallel), bindings())
	_, err := h.e.SendContract(ctx, c.ID, creator.ID)
	require.NoError(t, err)
	c, err = h.e.SignField(ctx, c.ID, "sig_a", alice.ID, "ast_sig")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPartiallySigned, c.Status)

	c, err = h.e.RevokeContract(ctx, c.ID, creator.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRevoked, c.Status)

	_, err = h.e.SignField(ctx, c.ID, "seal_b", bob.ID, "ast_seal")
	require.ErrorIs(t, err, domain.ErrContractClosed)

	st, err := h.e.GetContractStatus(ctx, c.ID, bob.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRevoked, st.Contract.Status)
	require.Empty(t, st.NextParties)
}

func TestConcurrentSignsOfOneFieldYieldOneRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.contract(t, twoPartyTemplate(domain.OrderParallel), bindings())
	_, err := h.e.SendContract(ctx, c.ID, creator.ID)
	require.NoError(t, err)

	const n = 16
	var (
		wg      sync.WaitGroup
		ok, dup atomic.Int64
		mu      sync.Mutex
		other   []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.e.SignField(ctx, c.ID, "sig_a", alice.ID, fmt.Sprintf("ast_%d", i))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrAlreadyFulfilled):
				dup.Add(1)
			default:
				mu.Lock()
				other = append(other, err)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Empty(t, other)
	require.EqualValues(t, 1, ok.Load())
	require.EqualValues(t, n-1, dup.Load())

	recs, err := h.e.ListSigningRecords(ctx, c.ID, alice.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Zero(t, h.e.locks.size())
}

func manyFieldTemplate(n int) domain.Template {
	t := domain.Template{
		Name:         "Board Resolution",
		Pages:        []domain.Page{{Number: 1, Width: 595, Height: 842}},
		SigningOrder: domain.OrderParallel,
	}
	for i := 0; i < n; i++ {
		pid := fmt.Sprintf("P%d", i)
		t.Parties = append(t.Parties, domain.Party{ID: pid, Name: pid})
		t.Fields = append(t.Fields, domain.FieldComponent{
			ID: fmt.Sprintf("sig_%d", i), Type: domain.FieldSignaturePersonal, Page: 1,
			Rect: domain.Rect{X: 10, Y: float64(10 + 20*i), Width: 50, Height: 15}, Assignee: pid, Required: true,
		})
	}
	return t
}

func TestConcurrentDistinctFieldsAllSucceed(t *testing.T) {
	ctx := context.Background()
	const n = 12
	h := newHarness(t)
	b := map[string]PartyBinding{}
	for i := 0; i < n; i++ {
		b[fmt.Sprintf("P%d", i)] = PartyBinding{ActorID: alice.ID}
	}
	c := h.contract(t, manyFieldTemplate(n), b)
	_, err := h.e.SendContract(ctx, c.ID, creator.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.e.SignField(ctx, c.ID, fmt.Sprintf("sig_%d", i), alice.ID, "ast_sig")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "sig_%d", i)
	}

	st, err := h.e.GetContractStatus(ctx, c.ID, alice.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, st.Contract.Status)
	require.EqualValues(t, 2+n, st.Contract.Version)
}

func TestTwoEnginesOnOneStoreRetryOnConflict(t *testing.T) {
	ctx := context.Background()
	const n = 8
	h := newHarness(t, func(o *Options) { o.MaxApplyAttempts = 100 })
	b := map[string]PartyBinding{}
	for i := 0; i < n; i++ {
		b[fmt.Sprintf("P%d", i)] = PartyBinding{ActorID: alice.ID}
	}
	c := h.contract(t, manyFieldTemplate(n), b)
	_, err := h.e.SendContract(ctx, c.ID, creator.ID)
	require.NoError(t, err)

	other := New(Options{
		Store:            h.st,
		Identity:         identity.Static{alice.ID: alice},
		Policy:           authz.DefaultPolicy(),
		MaxApplyAttempts: 100,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		eng := h.e
		if i%2 == 1 {
			eng = other
		}
		wg.Add(1)
		go func(i int, eng *Engine) {
			defer wg.Done()
			_, errs[i] = eng.SignField(ctx, c.ID, fmt.Sprintf("sig_%d", i), alice.ID, "ast_sig")
		}(i, eng)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "sig_%d", i)
	}
	recs, err := h.st.ListSigningRecords(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, recs, n)
}

type conflictingStore struct {
	*store.Memory
	commits atomic.Int64
}

func (s *conflictingStore) CommitTransition(context.Context, domain.Contract, int64, []domain.SigningRecord, []domain.Notification) error {
	s.commits.Add(1)
	return store.ErrVersionConflict
}

func TestPersistentConflictSurfacesStaleState(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	cs := &conflictingStore{Memory: mem}
	seed := newHarness(t)
	seed.e.store = mem
	c := seed.contract(t, twoPartyTemplate(domain.OrderParallel), bindings())

	h := newHarness(t, func(o *Options) {
		o.Store = cs
		o.MaxApplyAttempts = 3
	})
	_, err := h.e.SendContract(ctx, c.ID, creator.ID)
	require.ErrorIs(t, err, domain.ErrStaleState)
	require.True(t, domain.Retryable(err))
	require.EqualValues(t, 3, cs.commits.Load())

	got, err := mem.GetContract(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDraft, got.Status)
}

func TestSendTwiceCommitsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.contract(t, twoPartyTemplate(domain.OrderParallel), bindings())
	first, err := h.e.SendContract(ctx, c.ID, creator.ID)
	require.NoError(t, err)
	second, err := h.e.SendContract(ctx, c.ID, creator.ID)
	require.NoError(t, err)
	require.Equal(t, first.Version, second.Version)
	require.EqualValues(t, 1, h.commits.Load())
}

func TestCreateContractResolutionFailuresPersistNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	tpl, err := h.e.CreateTemplate(ctx, creator.ID, twoPartyTemplate(domain.OrderParallel))
	require.NoError(t, err)

	cases := map[string]map[string]PartyBinding{
		"missing party": {"A": {ActorID: alice.ID}},
		"unknown actor": {"A": {ActorID: "act_ghost"}, "B": bindings()["B"]},
		"seal not held": {"A": {ActorID: alice.ID}, "B": {ActorID: bob.ID, EnterpriseID: "ent_b", SealID: "seal_finance"}},
		"not a member":  {"A": {ActorID: alice.ID}, "B": {ActorID: dave.ID, EnterpriseID: "ent_b"}},
	}
	for name, b := range cases {
		_, err := h.e.CreateContract(ctx, creator.ID, tpl.ID, "", b)
		var re *domain.ResolutionError
		require.ErrorAs(t, err, &re, name)
	}
	require.EqualValues(t, 0, h.commits.Load())
}

func TestCreateTemplateReportsEveryDefect(t *testing.T) {
	h := newHarness(t)
	tpl := twoPartyTemplate(domain.OrderParallel)
	tpl.Fields[0].Rect.X = 560
	tpl.Fields[1].Assignee = "Z"
	_, err := h.e.CreateTemplate(context.Background(), creator.ID, tpl)
	var ves domain.ValidationErrors
	require.ErrorAs(t, err, &ves)
	// out of bounds, unknown assignee, and B left with no required signature
	require.Len(t, ves, 3)
}

func TestNotificationsQueuedWithTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.contract(t, twoPartyTemplate(domain.OrderSequential), bindings())
	_, err := h.e.SendContract(ctx, c.ID, creator.ID)
	require.NoError(t, err)

	kinds := func() map[string][]domain.NotificationKind {
		out := map[string][]domain.NotificationKind{}
		for _, e := range h.st.Outbox() {
			out[e.Notification.ActorID] = append(out[e.Notification.ActorID], e.Notification.Kind)
		}
		return out
	}
	got := kinds()
	require.ElementsMatch(t, []domain.NotificationKind{domain.NotifyContractSent, domain.NotifyYourTurn}, got[alice.ID])
	require.ElementsMatch(t, []domain.NotificationKind{domain.NotifyContractSent}, got[bob.ID])
	require.Empty(t, got[creator.ID])

	_, err = h.e.SignField(ctx, c.ID, "sig_a", alice.ID, "ast_sig")
	require.NoError(t, err)
	got = kinds()
	require.Contains(t, got[bob.ID], domain.NotifyYourTurn)
	require.Contains(t, got[creator.ID], domain.NotifyFieldSigned)

	_, err = h.e.SignField(ctx, c.ID, "seal_b", bob.ID, "ast_seal")
	require.NoError(t, err)
	got = kinds()
	require.Contains(t, got[alice.ID], domain.NotifyContractCompleted)
	require.Contains(t, got[creator.ID], domain.NotifyContractCompleted)
	require.NotContains(t, got[bob.ID], domain.NotifyContractCompleted)
}

func TestViewRequiresRelationship(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.contract(t, twoPartyTemplate(domain.OrderParallel), bindings())
	_, err := h.e.GetContractStatus(ctx, c.ID, dave.ID)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	_, err = h.e.ListSigningRecords(ctx, c.ID, dave.ID)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	_, err = h.e.GetContractStatus(ctx, "ctr_missing", alice.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStoreSignatureAsset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ref, err := h.e.StoreSignatureAsset(ctx, alice.ID, "image/png", []byte("png"))
	require.NoError(t, err)
	require.Equal(t, "ast_act_alice_1", ref)

	_, err = h.e.StoreSignatureAsset(ctx, alice.ID, "application/pdf", []byte("pdf"))
	var ves domain.ValidationErrors
	require.ErrorAs(t, err, &ves)
}

// memoResolver remembers the first answer per actor until invalidated.
type memoResolver struct {
	mu      sync.Mutex
	backing identity.Static
	memo    map[string]domain.Actor
}

func (m *memoResolver) ResolveActorIdentity(ctx context.Context, actorID string) (domain.Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.memo[actorID]; ok {
		return a, nil
	}
	a, err := m.backing.ResolveActorIdentity(ctx, actorID)
	if err == nil {
		m.memo[actorID] = a
	}
	return a, err
}

func (m *memoResolver) Invalidate(_ context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memo, actorID)
	return nil
}

func TestRefreshActorPicksUpMembershipChange(t *testing.T) {
	ctx := context.Background()
	r := &memoResolver{backing: identity.Static{bob.ID: bob}, memo: map[string]domain.Actor{}}
	h := newHarness(t, func(o *Options) { o.Identity = r })

	a, err := h.e.resolve(ctx, bob.ID)
	require.NoError(t, err)
	require.True(t, a.Memberships[0].Permissions.CanSign)

	demoted := bob
	demoted.Memberships = []domain.Membership{{EnterpriseID: "ent_b", Verified: true}}
	r.mu.Lock()
	r.backing[bob.ID] = demoted
	r.mu.Unlock()

	a, err = h.e.resolve(ctx, bob.ID)
	require.NoError(t, err)
	require.True(t, a.Memberships[0].Permissions.CanSign, "still served from cache")

	a, err = h.e.RefreshActor(ctx, bob.ID)
	require.NoError(t, err)
	require.False(t, a.Memberships[0].Permissions.CanSign)

	a, err = h.e.resolve(ctx, bob.ID)
	require.NoError(t, err)
	require.False(t, a.Memberships[0].Permissions.CanSign)
}

func TestRefreshActorWithoutCache(t *testing.T) {
	h := newHarness(t)
	a, err := h.e.RefreshActor(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Equal(t, alice.ID, a.ID)

	_, err = h.e.RefreshActor(context.Background(), "act_ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// Package api exposes the signing engine over HTTP under /signing.
package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/accordsai/esign/pkg/authn"
	"github.com/accordsai/esign/pkg/canonhash"
	"github.com/accordsai/esign/pkg/domain"
	"github.com/accordsai/esign/pkg/httpx"
	"github.com/accordsai/esign/services/signing/internal/engine"
	"github.com/accordsai/esign/services/signing/internal/idempotency"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	maxJSONBody  = 1 << 20
	maxAssetBody = 10 << 20
)

type Credentials interface {
	GetActorCredential(ctx context.Context, actorID string) (string, error)
}

type Server struct {
	Engine      *engine.Engine
	Sessions    *authn.Sessions
	Credentials Credentials
	Idempotency idempotency.Store
	Log         *slog.Logger
}

type actorKey struct{}

func actorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

func (s *Server) Routes() http.Handler {
	if s.Log == nil {
		s.Log = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/signing", func(api chi.Router) {
		api.Post("/sessions", s.createSession)

		api.Group(func(authed chi.Router) {
			authed.Use(s.authenticate)

			authed.Post("/templates", s.mutating(s.createTemplate, maxJSONBody))
			authed.Post("/templates:validate", s.validateTemplate)
			authed.Get("/templates/{template_id}", s.getTemplate)

			authed.Post("/contracts", s.mutating(s.createContract, maxJSONBody))
			authed.Get("/contracts/{contract_id}", s.getContract)
			authed.Get("/contracts/{contract_id}/records", s.listRecords)
			authed.Post("/contracts/{contract_id}:send", s.mutating(s.sendContract, maxJSONBody))
			authed.Post("/contracts/{contract_id}:reject", s.mutating(s.rejectContract, maxJSONBody))
			authed.Post("/contracts/{contract_id}:revoke", s.mutating(s.revokeContract, maxJSONBody))
			authed.Post("/contracts/{contract_id}/fields/{field_id}:sign", s.mutating(s.signField, maxJSONBody))
			authed.Post("/contracts/{contract_id}/fields/{field_id}:fill", s.mutating(s.fillField, maxJSONBody))

			authed.Post("/assets", s.mutating(s.uploadAsset, maxAssetBody))
			authed.Post("/actors/me:refresh", s.refreshActor)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Log.Info("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"actor_id", actorFrom(r.Context()), "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actorID, err := s.Sessions.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actorID)))
	})
}

// request is a buffered mutating request. Body is kept so it can be both
// hashed for idempotency and decoded.
type request struct {
	*http.Request
	ActorID string
	Body    []byte
}

func (q request) decode(dst any) error {
	if len(bytes.TrimSpace(q.Body)) == 0 {
		return nil
	}
	r := q.Request.Clone(q.Context())
	r.Body = io.NopCloser(bytes.NewReader(q.Body))
	return httpx.ReadJSON(r, dst)
}

type handlerFunc func(q request) (int, map[string]any, error)

// mutating buffers the body, replays a stored response for a repeated
// Idempotency-Key and stores the new response otherwise.
func (s *Server) mutating(h handlerFunc, limit int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
		if err != nil {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error(), nil)
			return
		}
		actor := idempotency.ActorContext{
			ActorID:        actorFrom(r.Context()),
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		}
		endpoint := r.Method + " " + r.URL.Path
		hash := canonhash.SumBytes(body)

		status, replay, found, err := idempotency.Replay(r.Context(), s.Idempotency, actor, endpoint, hash)
		if errors.Is(err, idempotency.ErrKeyReused) {
			httpx.WriteError(w, http.StatusConflict, "IDEMPOTENCY_KEY_REUSED", err.Error(), nil)
			return
		}
		if err != nil {
			s.Log.Error("idempotency lookup failed", "endpoint", endpoint, "actor_id", actor.ActorID, "error", err)
			httpx.WriteDomainError(w, err)
			return
		}
		if found {
			w.Header().Set("Idempotent-Replayed", "true")
			httpx.WriteJSON(w, status, replay)
			return
		}

		status, resp, err := h(request{Request: r, ActorID: actor.ActorID, Body: body})
		// a lost version race is worth retrying under the same key
		stale := errors.Is(err, domain.ErrStaleState)
		if err != nil {
			var code string
			var details any
			status, code, details = httpx.StatusFor(err)
			msg := err.Error()
			if status == http.StatusInternalServerError {
				s.Log.Error("request failed", "endpoint", endpoint, "actor_id", actor.ActorID, "error", err)
				msg = "internal error"
			}
			resp = httpx.ErrorBody(code, msg, details)
		} else {
			resp["request_id"] = httpx.NewRequestID()
		}
		if !stale {
			if err := idempotency.Save(r.Context(), s.Idempotency, actor, endpoint, hash, status, resp); err != nil {
				s.Log.Error("idempotency save failed", "endpoint", endpoint, "actor_id", actor.ActorID, "error", err)
			}
		}
		httpx.WriteJSON(w, status, resp)
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
		Secret  string `json:"secret"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	hash, err := s.Credentials.GetActorCredential(r.Context(), req.ActorID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		httpx.WriteDomainError(w, err)
		return
	}
	if err != nil || authn.CheckSecret(hash, req.Secret) != nil {
		s.Log.Warn("session refused", "actor_id", req.ActorID)
		httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown actor or wrong secret", nil)
		return
	}
	token, exp, err := s.Sessions.Issue(req.ActorID)
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"request_id": httpx.NewRequestID(),
		"token":      token,
		"token_type": "Bearer",
		"expires_at": exp,
	})
}

func (s *Server) refreshActor(w http.ResponseWriter, r *http.Request) {
	a, err := s.Engine.RefreshActor(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.Log.Error("actor refresh failed", "actor_id", actorFrom(r.Context()), "error", err)
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.NewRequestID(),
		"actor":      a,
	})
}

func (s *Server) createTemplate(q request) (int, map[string]any, error) {
	var t domain.Template
	if err := q.decode(&t); err != nil {
		return 0, nil, badJSON(err)
	}
	tpl, err := s.Engine.CreateTemplate(q.Context(), q.ActorID, t)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, map[string]any{"template": tpl}, nil
}

func (s *Server) validateTemplate(w http.ResponseWriter, r *http.Request) {
	var t domain.Template
	if err := httpx.ReadJSON(r, &t); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	if err := s.Engine.ValidateTemplate(t); err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "valid": true})
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.Engine.GetTemplate(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "template_id"))
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "template": tpl})
}

func (s *Server) createContract(q request) (int, map[string]any, error) {
	var req struct {
		TemplateID string                         `json:"template_id"`
		Title      string                         `json:"title"`
		Bindings   map[string]engine.PartyBinding `json:"bindings"`
	}
	if err := q.decode(&req); err != nil {
		return 0, nil, badJSON(err)
	}
	c, err := s.Engine.CreateContract(q.Context(), q.ActorID, req.TemplateID, req.Title, req.Bindings)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, map[string]any{"contract": c}, nil
}

func (s *Server) getContract(w http.ResponseWriter, r *http.Request) {
	st, err := s.Engine.GetContractStatus(r.Context(), chi.URLParam(r, "contract_id"), actorFrom(r.Context()))
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id":   httpx.NewRequestID(),
		"contract":     st.Contract,
		"next_parties": st.NextParties,
	})
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Engine.ListSigningRecords(r.Context(), chi.URLParam(r, "contract_id"), actorFrom(r.Context()))
	if err != nil {
		httpx.WriteDomainError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.SigningRecord{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "records": recs})
}

func contractResponse(c domain.Contract, err error) (int, map[string]any, error) {
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"contract": c}, nil
}

func (s *Server) sendContract(q request) (int, map[string]any, error) {
	return contractResponse(s.Engine.SendContract(q.Context(), chi.URLParam(q.Request, "contract_id"), q.ActorID))
}

func (s *Server) revokeContract(q request) (int, map[string]any, error) {
	return contractResponse(s.Engine.RevokeContract(q.Context(), chi.URLParam(q.Request, "contract_id"), q.ActorID))
}

func (s *Server) rejectContract(q request) (int, map[string]any, error) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := q.decode(&req); err != nil {
		return 0, nil, badJSON(err)
	}
	return contractResponse(s.Engine.RejectContract(q.Context(), chi.URLParam(q.Request, "contract_id"), q.ActorID, req.Reason))
}

func (s *Server) signField(q request) (int, map[string]any, error) {
	var req struct {
		AssetRef string `json:"asset_ref"`
	}
	if err := q.decode(&req); err != nil {
		return 0, nil, badJSON(err)
	}
	return contractResponse(s.Engine.SignField(q.Context(),
		chi.URLParam(q.Request, "contract_id"), chi.URLParam(q.Request, "field_id"), q.ActorID, req.AssetRef))
}

func (s *Server) fillField(q request) (int, map[string]any, error) {
	var req struct {
		Value string `json:"value"`
	}
	if err := q.decode(&req); err != nil {
		return 0, nil, badJSON(err)
	}
	return contractResponse(s.Engine.FillField(q.Context(),
		chi.URLParam(q.Request, "contract_id"), chi.URLParam(q.Request, "field_id"), q.ActorID, req.Value))
}

func (s *Server) uploadAsset(q request) (int, map[string]any, error) {
	ref, err := s.Engine.StoreSignatureAsset(q.Context(), q.ActorID, q.Header.Get("Content-Type"), q.Body)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, map[string]any{"asset_ref": ref}, nil
}

func badJSON(err error) error {
	return domain.ValidationErrors{{Reason: "bad json: " + err.Error()}}
}

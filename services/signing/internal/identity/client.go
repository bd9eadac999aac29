// Package identity resolves actor ids to verified identities and their
// enterprise memberships.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/accordsai/esign/pkg/domain"
)

type Resolver interface {
	ResolveActorIdentity(ctx context.Context, actorID string) (domain.Actor, error)
}

// Invalidator is implemented by resolvers that hold cached identities.
type Invalidator interface {
	Invalidate(ctx context.Context, actorID string) error
}

// Client calls the identity service over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) ResolveActorIdentity(ctx context.Context, actorID string) (domain.Actor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/actors/%s/identity", c.BaseURL, url.PathEscape(actorID)), nil)
	if err != nil {
		return domain.Actor{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return domain.Actor{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return domain.Actor{}, fmt.Errorf("actor %s: %w", actorID, domain.ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return domain.Actor{}, fmt.Errorf("identity service returned %d", resp.StatusCode)
	}
	var out struct {
		Actor domain.Actor `json:"actor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Actor{}, err
	}
	if out.Actor.ID != actorID {
		return domain.Actor{}, fmt.Errorf("identity service answered for %q, asked for %q", out.Actor.ID, actorID)
	}
	return out.Actor, nil
}

// Static resolves from a fixed set of actors.
type Static map[string]domain.Actor

func (s Static) ResolveActorIdentity(_ context.Context, actorID string) (domain.Actor, error) {
	a, ok := s[actorID]
	if !ok {
		return domain.Actor{}, fmt.Errorf("actor %s: %w", actorID, domain.ErrNotFound)
	}
	return a, nil
}

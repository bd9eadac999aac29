// Package assets stores and fetches signature images and documents in the
// external asset service. The engine only ever keeps the returned reference.
package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/accordsai/esign/pkg/domain"
)

const maxAssetBytes = 10 << 20

type Store interface {
	StoreAsset(ctx context.Context, ownerID, contentType string, data []byte) (string, error)
	FetchAsset(ctx context.Context, assetRef string) ([]byte, string, error)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Client) StoreAsset(ctx context.Context, ownerID, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("asset is empty")
	}
	if len(data) > maxAssetBytes {
		return "", fmt.Errorf("asset exceeds %d bytes", maxAssetBytes)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/objects", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", contentType)
	req.Header.Set("x-owner-id", ownerID)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", &domain.DeliveryFault{Target: "assets", Op: "store", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", &domain.DeliveryFault{Target: "assets", Op: "store", Err: fmt.Errorf("asset service returned %d", resp.StatusCode)}
	}
	var out struct {
		AssetRef string `json:"asset_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.AssetRef == "" {
		return "", fmt.Errorf("asset service returned no reference")
	}
	return out.AssetRef, nil
}

func (c *Client) FetchAsset(ctx context.Context, assetRef string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/objects/"+url.PathEscape(assetRef), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, "", &domain.DeliveryFault{Target: "assets", Op: "fetch", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("asset %s: %w", assetRef, domain.ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return nil, "", &domain.DeliveryFault{Target: "assets", Op: "fetch", Err: fmt.Errorf("asset service returned %d", resp.StatusCode)}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return nil, "", err
	}
	return b, resp.Header.Get("content-type"), nil
}

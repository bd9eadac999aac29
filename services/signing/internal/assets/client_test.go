package assets

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/accordsai/esign/pkg/domain"
)

func TestStoreThenFetch(t *testing.T) {
	var stored []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/objects":
			if r.Header.Get("x-owner-id") != "act_alice" {
				t.Errorf("missing owner header")
			}
			stored, _ = io.ReadAll(r.Body)
			w.Write([]byte(`{"asset_ref":"ast_1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/objects/ast_1":
			w.Header().Set("content-type", "image/png")
			w.Write(stored)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	ref, err := c.StoreAsset(context.Background(), "act_alice", "image/png", []byte("png-bytes"))
	if err != nil || ref != "ast_1" {
		t.Fatalf("store: ref=%q err=%v", ref, err)
	}
	b, ct, err := c.FetchAsset(context.Background(), ref)
	if err != nil || string(b) != "png-bytes" || ct != "image/png" {
		t.Fatalf("fetch: %q %q %v", b, ct, err)
	}
	if _, _, err := c.FetchAsset(context.Background(), "ast_missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreFailureIsDeliveryFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).StoreAsset(context.Background(), "act_alice", "image/png", []byte("x"))
	var df *domain.DeliveryFault
	if !errors.As(err, &df) || df.Op != "store" {
		t.Fatalf("expected delivery fault, got %v", err)
	}
}

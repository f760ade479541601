package server

import (
	"context"
	"errors"
	"testing"

	"github.com/gridstatus/keybridge/storage"
)

func TestRegisterClient_DistinctIDs(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	a, err := srv.RegisterClient(ctx, "", []string{"https://a/cb"}, "")
	if err != nil {
		t.Fatalf("first RegisterClient() error = %v", err)
	}
	b, err := srv.RegisterClient(ctx, "", []string{"https://a/cb"}, "")
	if err != nil {
		t.Fatalf("second RegisterClient() error = %v", err)
	}
	if a.ClientID == b.ClientID {
		t.Fatal("registrations produced the same client_id")
	}

	for _, id := range []string{a.ClientID, b.ClientID} {
		got, err := srv.GetClient(ctx, id)
		if err != nil {
			t.Errorf("GetClient(%s) error = %v", id, err)
			continue
		}
		if !got.HasRedirectURI("https://a/cb") {
			t.Errorf("client %s lost its redirect URI", id)
		}
	}
}

func TestRegisterClient_RejectsBeforeStoring(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	tests := map[string][]string{
		"empty list":        nil,
		"relative":          {"/cb"},
		"fragment":          {"https://a/cb#frag"},
		"javascript scheme": {"javascript:alert(1)"},
		"one bad of two":    {"https://a/cb", "data:text/html,hi"},
	}
	for name, uris := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := srv.RegisterClient(ctx, "", uris, "")
			if !errors.Is(err, ErrInvalidClientMetadata) {
				t.Errorf("error = %v, want ErrInvalidClientMetadata", err)
			}
		})
	}

	store := srv.store.(interface{ Len() (int, int, int) })
	if clients, _, _ := store.Len(); clients != 0 {
		t.Errorf("rejected registrations stored %d clients", clients)
	}
}

func TestRegisterClient_CopiesURIs(t *testing.T) {
	srv, _ := newTestServer(t)
	uris := []string{"https://a/cb"}

	client, err := srv.RegisterClient(context.Background(), "name", uris, "")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	uris[0] = "https://evil/cb"

	got, err := srv.GetClient(context.Background(), client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.RedirectURIs[0] != "https://a/cb" {
		t.Errorf("stored redirect URI changed to %q", got.RedirectURIs[0])
	}
	if got.ClientName != "name" {
		t.Errorf("ClientName = %q", got.ClientName)
	}
}

func TestGetClient_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, id := range []string{"", "missing"} {
		if _, err := srv.GetClient(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetClient(%q) error = %v, want ErrNotFound", id, err)
		}
	}
}

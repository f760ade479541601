package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/gridstatus/keybridge/events"
	"github.com/gridstatus/keybridge/storage"
)

// Token endpoint authentication method advertised for every client (RFC 7591).
const TokenEndpointAuthMethodNone = "none"

// RegisterClient registers a new public client. The redirect URI list is
// validated before anything is stored.
func (s *Server) RegisterClient(ctx context.Context, clientName string, redirectURIs []string, clientIP string) (*storage.Client, error) {
	if err := ValidateRedirectURIsForRegistration(redirectURIs); err != nil {
		s.Logger.Warn("Client registration rejected",
			"category", GetRedirectURIErrorCategory(err),
			"client_ip", clientIP)
		return nil, err
	}

	client := &storage.Client{
		ClientID:     uuid.NewString(),
		ClientName:   clientName,
		RedirectURIs: slices.Clone(redirectURIs),
		CreatedAt:    s.Config.Clock(),
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	s.Logger.Info("Registered new client",
		"client_id", client.ClientID,
		"client_name", clientName,
		"redirect_uris", len(redirectURIs))
	s.instrumentation.Metrics().RecordClientRegistration(ctx)
	s.publish(events.Event{
		Type:      events.ClientRegistered,
		ClientID:  client.ClientID,
		IPAddress: clientIP,
	})

	return client, nil
}

// GetClient returns a registered client or an error wrapping storage.ErrNotFound.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client_id is required: %w", storage.ErrNotFound)
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("client %q: %w", clientID, err)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// Package mock provides a function-field implementation of storage.Store for
// testing. The default functions behave like a simple map store; tests
// override individual fields to inject failures.
package mock

import (
	"context"
	"sync"

	"github.com/gridstatus/keybridge/storage"
)

// Store is a mock implementation of storage.Store
type Store struct {
	mu      sync.Mutex
	clients map[string]*storage.Client
	codes   map[string]*storage.AuthorizationCode
	refresh map[string]*storage.RefreshToken
	calls   map[string]int

	SaveClientFunc            func(ctx context.Context, client *storage.Client) error
	GetClientFunc             func(ctx context.Context, clientID string) (*storage.Client, error)
	SaveAuthorizationCodeFunc func(ctx context.Context, code *storage.AuthorizationCode) error
	TakeAuthorizationCodeFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	SaveRefreshTokenFunc      func(ctx context.Context, token *storage.RefreshToken) error
	ConsumeRefreshTokenFunc   func(ctx context.Context, token string) (*storage.RefreshToken, error)
}

var _ storage.Store = (*Store)(nil)

// New creates a mock store with map-backed default implementations.
func New() *Store {
	m := &Store{
		clients: make(map[string]*storage.Client),
		codes:   make(map[string]*storage.AuthorizationCode),
		refresh: make(map[string]*storage.RefreshToken),
		calls:   make(map[string]int),
	}

	m.SaveClientFunc = func(_ context.Context, client *storage.Client) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.clients[client.ClientID]; ok {
			return storage.ErrAlreadyExists
		}
		m.clients[client.ClientID] = client.Clone()
		return nil
	}

	m.GetClientFunc = func(_ context.Context, clientID string) (*storage.Client, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		client, ok := m.clients[clientID]
		if !ok {
			return nil, storage.ErrNotFound
		}
		return client.Clone(), nil
	}

	m.SaveAuthorizationCodeFunc = func(_ context.Context, code *storage.AuthorizationCode) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		cp := *code
		m.codes[code.Code] = &cp
		return nil
	}

	m.TakeAuthorizationCodeFunc = func(_ context.Context, code string) (*storage.AuthorizationCode, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		c, ok := m.codes[code]
		if !ok {
			return nil, storage.ErrNotFound
		}
		delete(m.codes, code)
		return c, nil
	}

	m.SaveRefreshTokenFunc = func(_ context.Context, token *storage.RefreshToken) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		cp := *token
		m.refresh[token.Token] = &cp
		return nil
	}

	m.ConsumeRefreshTokenFunc = func(_ context.Context, token string) (*storage.RefreshToken, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		r, ok := m.refresh[token]
		if !ok {
			return nil, storage.ErrNotFound
		}
		delete(m.refresh, token)
		return r, nil
	}

	return m
}

func (m *Store) record(name string) {
	m.mu.Lock()
	m.calls[name]++
	m.mu.Unlock()
}

// CallCount returns how many times the named method was called.
func (m *Store) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

// SaveClient calls SaveClientFunc
func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	return m.SaveClientFunc(ctx, client)
}

// GetClient calls GetClientFunc
func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	return m.GetClientFunc(ctx, clientID)
}

// SaveAuthorizationCode calls SaveAuthorizationCodeFunc
func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	return m.SaveAuthorizationCodeFunc(ctx, code)
}

// TakeAuthorizationCode calls TakeAuthorizationCodeFunc
func (m *Store) TakeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("TakeAuthorizationCode")
	return m.TakeAuthorizationCodeFunc(ctx, code)
}

// SaveRefreshToken calls SaveRefreshTokenFunc
func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.record("SaveRefreshToken")
	return m.SaveRefreshTokenFunc(ctx, token)
}

// ConsumeRefreshToken calls ConsumeRefreshTokenFunc
func (m *Store) ConsumeRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.record("ConsumeRefreshToken")
	return m.ConsumeRefreshTokenFunc(ctx, token)
}

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/gridstatus/keybridge/instrumentation"
	"github.com/gridstatus/keybridge/internal/util"
	"github.com/gridstatus/keybridge/storage"
)

const (
	// DefaultCleanupInterval is used when no interval (or a non-positive one) is given.
	DefaultCleanupInterval = time.Minute

	// tokenIDLogLength is the number of characters of a code or refresh token
	// that may appear in debug logs
	tokenIDLogLength = 8
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	codes   map[string]*storage.AuthorizationCode
	refresh map[string]*storage.RefreshToken

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCount atomic.Int64
	codesCount   atomic.Int64
	refreshCount atomic.Int64

	now func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses the default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCode),
		refresh:         make(map[string]*storage.RefreshToken),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source used by the sweeper.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store and
// registers the size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	logger := s.logger
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		s.clientsCount.Load,
		s.codesCount.Load,
		s.refreshCount.Load,
	)
	if err != nil {
		logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop terminates the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient stores a copy of client. Client IDs are write-once.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("client %q: %w", client.ClientID, storage.ErrAlreadyExists)
	}
	s.clients[client.ClientID] = client.Clone()
	s.clientsCount.Add(1)

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient returns a copy of the client, or storage.ErrNotFound.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return client.Clone(), nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores a copy of code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_code", err, startTime) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		return fmt.Errorf("authorization code: %w", storage.ErrAlreadyExists)
	}
	cp := *code
	s.codes[code.Code] = &cp
	s.codesCount.Add(1)

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// TakeAuthorizationCode removes and returns the code under one write lock.
// Expired codes are removed and returned as well; the caller decides.
func (s *Store) TakeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "take_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "take_code", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.codes, code)
	s.codesCount.Add(-1)

	s.logger.Debug("Took authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return authCode, nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken stores a copy of token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refresh[token.Token]; exists {
		return fmt.Errorf("refresh token: %w", storage.ErrAlreadyExists)
	}
	cp := *token
	s.refresh[token.Token] = &cp
	s.refreshCount.Add(1)

	s.logger.Debug("Saved refresh token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// ConsumeRefreshToken removes and returns the record under one write lock.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refresh[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.refresh, token)
	s.refreshCount.Add(-1)

	s.logger.Debug("Consumed refresh token",
		"token_prefix", util.SafeTruncate(token, tokenIDLogLength))
	return record, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes every expired code and refresh token and returns how many
// records were removed. The background loop calls it on each tick.
func (s *Store) Sweep() int {
	codes := sweepExpired(s, s.codes, &s.codesCount, func(c *storage.AuthorizationCode, now time.Time) bool {
		return c.IsExpired(now)
	})
	tokens := sweepExpired(s, s.refresh, &s.refreshCount, func(r *storage.RefreshToken, now time.Time) bool {
		return r.IsExpired(now)
	})

	s.mu.RLock()
	logger, inst := s.logger, s.instrumentation
	s.mu.RUnlock()

	ctx := context.Background()
	inst.Metrics().RecordExpiredSwept(ctx, "authorization_code", codes)
	inst.Metrics().RecordExpiredSwept(ctx, "refresh_token", tokens)

	if total := codes + tokens; total > 0 {
		logger.Debug("Cleaned up expired entries",
			"codes", codes,
			"refresh_tokens", tokens)
		return total
	}
	return 0
}

// sweepExpired snapshots the keys of m under the read lock, then deletes
// expired entries one at a time under the write lock, re-checking each.
func sweepExpired[V any](s *Store, m map[string]V, count *atomic.Int64, expired func(V, time.Time) bool) int {
	s.mu.RLock()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	removed := 0
	for _, k := range keys {
		s.mu.Lock()
		if v, ok := m[k]; ok && expired(v, s.now()) {
			delete(m, k)
			count.Add(-1)
			removed++
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of clients, codes and refresh tokens currently held.
func (s *Store) Len() (clients, codes, refreshTokens int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients), len(s.codes), len(s.refresh)
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()
	if tracer == nil {
		// The returned span is always ended by the caller; it must never be
		// the span already in ctx.
		tracer = tracenoop.NewTracerProvider().Tracer("")
	}

	return tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()
	if inst == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrStorageResult, result))

	inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

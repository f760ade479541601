package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/gridstatus/keybridge/instrumentation"
	"github.com/gridstatus/keybridge/internal/testutil"
	"github.com/gridstatus/keybridge/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := New()
	t.Cleanup(store.Stop)
	return store
}

// ============================================================
// ClientStore Tests
// ============================================================

func TestStore_SaveAndGetClient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	require.NoError(t, store.SaveClient(ctx, client))

	got, err := store.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, got.ClientID)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
}

func TestStore_SaveClient_Invalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.SaveClient(ctx, nil))
	assert.Error(t, store.SaveClient(ctx, &storage.Client{}))
}

func TestStore_SaveClient_Duplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	require.NoError(t, store.SaveClient(ctx, client))

	other := testutil.GenerateTestClient()
	other.RedirectURIs = []string{"https://evil.example/cb"}
	err := store.SaveClient(ctx, other)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	got, err := store.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/callback"}, got.RedirectURIs)
}

func TestStore_GetClient_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetClient(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_Client_IsCopied(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	require.NoError(t, store.SaveClient(ctx, client))
	client.RedirectURIs[0] = "https://mutated.example/cb"

	got, err := store.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	got.RedirectURIs[0] = "https://mutated-again.example/cb"

	again, err := store.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/callback", again.RedirectURIs[0])
}

// ============================================================
// CodeStore Tests
// ============================================================

func TestStore_TakeAuthorizationCode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	require.NoError(t, store.SaveAuthorizationCode(ctx, code))

	got, err := store.TakeAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, code.ClientID, got.ClientID)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
	assert.True(t, got.Credential.IsAnonymous())

	_, err = store.TakeAuthorizationCode(ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_TakeAuthorizationCode_ReturnsExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, store.SaveAuthorizationCode(ctx, code))

	got, err := store.TakeAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)
	assert.True(t, got.IsExpired(time.Now()))

	_, codes, _ := store.Len()
	assert.Zero(t, codes, "expired code must be deleted by the take")
}

func TestStore_SaveAuthorizationCode_Duplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	require.NoError(t, store.SaveAuthorizationCode(ctx, code))
	assert.ErrorIs(t, store.SaveAuthorizationCode(ctx, code), storage.ErrAlreadyExists)
	assert.Error(t, store.SaveAuthorizationCode(ctx, nil))
}

func TestStore_TakeAuthorizationCode_Concurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	require.NoError(t, store.SaveAuthorizationCode(ctx, code))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.TakeAuthorizationCode(ctx, code.Code); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

// ============================================================
// RefreshTokenStore Tests
// ============================================================

func TestStore_ConsumeRefreshToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token := testutil.GenerateTestRefreshToken()
	token.Credential = testutil.MustAPIKey(t, "secret123")
	require.NoError(t, store.SaveRefreshToken(ctx, token))

	got, err := store.ConsumeRefreshToken(ctx, token.Token)
	require.NoError(t, err)
	key, ok := got.Credential.Key()
	assert.True(t, ok)
	assert.Equal(t, "secret123", key)

	_, err = store.ConsumeRefreshToken(ctx, token.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_ConsumeRefreshToken_Concurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	token := testutil.GenerateTestRefreshToken()
	require.NoError(t, store.SaveRefreshToken(ctx, token))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeRefreshToken(ctx, token.Token); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestStore_SaveRefreshToken_Invalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.SaveRefreshToken(ctx, nil))
	assert.Error(t, store.SaveRefreshToken(ctx, &storage.RefreshToken{}))

	token := testutil.GenerateTestRefreshToken()
	require.NoError(t, store.SaveRefreshToken(ctx, token))
	assert.ErrorIs(t, store.SaveRefreshToken(ctx, token), storage.ErrAlreadyExists)
}

// ============================================================
// Cleanup Tests
// ============================================================

func TestStore_Sweep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Now())
	store.SetClock(clock.Now)

	fresh := testutil.GenerateTestAuthorizationCode()
	fresh.ExpiresAt = clock.Now().Add(5 * time.Minute)
	stale := testutil.GenerateTestAuthorizationCode()
	stale.ExpiresAt = clock.Now().Add(time.Minute)
	require.NoError(t, store.SaveAuthorizationCode(ctx, fresh))
	require.NoError(t, store.SaveAuthorizationCode(ctx, stale))

	token := testutil.GenerateTestRefreshToken()
	token.ExpiresAt = clock.Now().Add(2 * time.Minute)
	require.NoError(t, store.SaveRefreshToken(ctx, token))
	require.NoError(t, store.SaveClient(ctx, testutil.GenerateTestClient()))

	assert.Zero(t, store.Sweep())

	clock.Advance(3 * time.Minute)
	assert.Equal(t, 2, store.Sweep())

	clients, codes, tokens := store.Len()
	assert.Equal(t, 1, clients, "clients never expire")
	assert.Equal(t, 1, codes)
	assert.Zero(t, tokens)

	_, err := store.TakeAuthorizationCode(ctx, fresh.Code)
	assert.NoError(t, err)
}

func TestStore_Sweep_ExpiryBoundary(t *testing.T) {
	store := newTestStore(t)
	clock := testutil.NewMockTime(time.Now())
	store.SetClock(clock.Now)

	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = clock.Now()
	require.NoError(t, store.SaveAuthorizationCode(context.Background(), code))

	assert.Equal(t, 1, store.Sweep(), "a code is expired at exactly ExpiresAt")
}

func TestStore_BackgroundCleanup(t *testing.T) {
	store := NewWithInterval(10 * time.Millisecond)
	defer store.Stop()

	code := testutil.GenerateTestAuthorizationCode()
	code.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, store.SaveAuthorizationCode(context.Background(), code))

	assert.Eventually(t, func() bool {
		_, codes, _ := store.Len()
		return codes == 0
	}, time.Second, 10*time.Millisecond)
}

func TestStore_Stop_Idempotent(t *testing.T) {
	store := New()
	store.Stop()
	assert.NotPanics(t, store.Stop)
}

func TestNewWithInterval_Default(t *testing.T) {
	store := NewWithInterval(0)
	defer store.Stop()
	assert.Equal(t, DefaultCleanupInterval, store.cleanupInterval)
}

// ============================================================
// Instrumentation Tests
// ============================================================

func TestStore_Instrumentation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, MetricReader: reader})
	require.NoError(t, err)
	defer func() { _ = inst.Shutdown(context.Background()) }()

	store := newTestStore(t)
	store.SetInstrumentation(inst)
	ctx := context.Background()

	require.NoError(t, store.SaveClient(ctx, testutil.GenerateTestClient()))
	require.NoError(t, store.SaveAuthorizationCode(ctx, testutil.GenerateTestAuthorizationCode()))
	_, err = store.TakeAuthorizationCode(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
			if m.Name == "keybridge.storage.clients.count" {
				gauge := m.Data.(metricdata.Gauge[int64])
				require.Len(t, gauge.DataPoints, 1)
				assert.Equal(t, int64(1), gauge.DataPoints[0].Value)
			}
		}
	}
	assert.True(t, found["keybridge.storage.operations.total"])
	assert.True(t, found["keybridge.storage.clients.count"])
}

func TestStore_UninstrumentedLeavesCallerSpanOpen(t *testing.T) {
	store := newTestStore(t)
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, parent := tp.Tracer("test").Start(context.Background(), "caller")
	defer parent.End()

	client := testutil.GenerateTestClient()
	require.NoError(t, store.SaveClient(ctx, client))
	_, err := store.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	_, err = store.TakeAuthorizationCode(ctx, "missing")
	require.Error(t, err)

	assert.True(t, parent.IsRecording(), "store operations must not end the caller's span")
}

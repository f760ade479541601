package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/gridstatus/keybridge/credential"
	"github.com/gridstatus/keybridge/events"
	"github.com/gridstatus/keybridge/instrumentation"
	"github.com/gridstatus/keybridge/security"
	"github.com/gridstatus/keybridge/storage"
	"github.com/gridstatus/keybridge/token"
)

var (
	// ErrInvalidClientMetadata is returned by RegisterClient for an empty or
	// unacceptable redirect URI list.
	ErrInvalidClientMetadata = errors.New("invalid client metadata")

	// ErrInvalidGrant is returned for any code or refresh token that cannot be
	// redeemed. The wrapped cause is for logs only.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrInvalidAuthorizationRequest is matched by every *AuthorizationRequestError.
	ErrInvalidAuthorizationRequest = errors.New("invalid authorization request")
)

// Server implements the authorization server logic independent of HTTP.
type Server struct {
	store  storage.Store
	issuer *token.Issuer

	Config *Config
	Logger *slog.Logger

	bus             *events.Bus
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates a new authorization server.
func New(store storage.Store, sealer *security.Sealer, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.logSecurityWarnings(logger)

	srv := &Server{
		store: store,
		issuer: token.NewIssuer(sealer, store, token.Config{
			AccessTokenTTL:  config.AccessTokenTTL,
			RefreshTokenTTL: config.RefreshTokenTTL,
			Clock:           config.Clock,
		}),
		Config: config,
		Logger: logger,
		tracer: (*instrumentation.Instrumentation)(nil).Tracer("server"),
	}
	return srv, nil
}

// SetEventBus sets the bus that credential-state events are published on.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	s.tracer = inst.Tracer("server")
}

// EventBus returns the bus set with SetEventBus, or nil.
func (s *Server) EventBus() *events.Bus {
	return s.bus
}

// Instrumentation returns the instrumentation set with SetInstrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// Issuer returns the token issuer backing this server.
func (s *Server) Issuer() *token.Issuer {
	return s.issuer
}

func (s *Server) publish(e events.Event) {
	s.bus.Publish(e)
}

func credentialEvent(t events.Type, clientID string, cred credential.Credential, ip string) events.Event {
	return events.Event{
		Type:        t,
		ClientID:    clientID,
		Anonymous:   cred.IsAnonymous(),
		Fingerprint: cred.Fingerprint(),
		IPAddress:   ip,
	}
}

// Reject reasons, used as metric labels and audit details.
const (
	reasonNotFound         = "not_found"
	reasonExpired          = "expired"
	reasonClientMismatch   = "client_mismatch"
	reasonRedirectMismatch = "redirect_uri_mismatch"
	reasonPKCE             = "pkce_failed"
)

var (
	errRedirectMismatch = errors.New("redirect_uri mismatch")
	errPKCE             = errors.New("pkce verification failed")
)

func rejectReason(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return reasonNotFound
	case errors.Is(err, storage.ErrExpired):
		return reasonExpired
	case errors.Is(err, token.ErrClientMismatch):
		return reasonClientMismatch
	case errors.Is(err, errRedirectMismatch):
		return reasonRedirectMismatch
	default:
		return reasonPKCE
	}
}

// rejectGrant records a refused grant and returns ErrInvalidGrant wrapping cause.
func (s *Server) rejectGrant(ctx context.Context, span trace.Span, grantType, clientID, ip string, cause error) error {
	reason := rejectReason(cause)

	s.Logger.Info("Grant rejected",
		"grant_type", grantType,
		"client_id", clientID,
		"reason", reason)
	s.instrumentation.Metrics().RecordGrantRejected(ctx, grantType, reason)
	instrumentation.SetSpanError(span, reason)
	s.publish(events.Event{
		Type:      events.GrantRejected,
		ClientID:  clientID,
		IPAddress: ip,
		Reason:    grantType + ":" + reason,
	})

	return fmt.Errorf("%w: %w", ErrInvalidGrant, cause)
}

package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/gridstatus/keybridge/events"
)

// Auditor writes security events to a structured log with identifiers hashed.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// LogEvent logs a single event.
func (a *Auditor) LogEvent(e events.Event) {
	if a == nil || !a.enabled {
		return
	}

	level := slog.LevelInfo
	if e.Type == events.GrantRejected || e.Type == events.RateLimitExceeded {
		level = slog.LevelWarn
	}

	attrs := []any{
		"event_type", string(e.Type),
		"event_id", e.ID,
		"client_id", e.ClientID,
		"ip_hash", hashForLogging(e.IPAddress),
		"timestamp", e.Time,
	}
	if e.Fingerprint != "" {
		attrs = append(attrs, "credential", e.Fingerprint, "anonymous", e.Anonymous)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}

	a.logger.Log(context.Background(), level, "security_audit", attrs...)
}

// Run subscribes to bus and logs every event until ctx is done or the bus is
// closed. It is meant to be started in its own goroutine.
func (a *Auditor) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(0)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			a.LogEvent(e)
		}
	}
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

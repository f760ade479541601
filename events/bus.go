// Package events carries notifications about credential state (a credential
// captured at the consent form, tokens issued or refreshed, grants rejected)
// from request handlers to long-lived subscribers such as the audit log or a
// session transport that wants to know when its caller authenticated.
//
// Events describe what happened, never the credential itself: subscribers see
// the client ID, whether the caller chose anonymous access, and a
// non-reversible fingerprint.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	// ClientRegistered fires after dynamic client registration succeeds.
	ClientRegistered Type = "client_registered"

	// CredentialCaptured fires when the consent form is submitted and an
	// authorization code is minted, for either an API key or an anonymous choice.
	CredentialCaptured Type = "credential_captured"

	// TokenIssued fires when an authorization code is exchanged for tokens.
	TokenIssued Type = "token_issued"

	// TokenRefreshed fires when a refresh token is rotated.
	TokenRefreshed Type = "token_refreshed"

	// GrantRejected fires when a code or refresh token is refused.
	GrantRejected Type = "grant_rejected"

	// RateLimitExceeded fires when a caller is throttled.
	RateLimitExceeded Type = "rate_limit_exceeded"
)

// DefaultBufferSize is the per-subscriber queue length used when Subscribe is
// given a non-positive size.
const DefaultBufferSize = 64

// Event is a single notification.
type Event struct {
	ID          string
	Type        Type
	ClientID    string
	Anonymous   bool
	Fingerprint string
	IPAddress   string
	Reason      string
	Time        time.Time
}

type subscription struct {
	ch    chan Event
	types map[Type]struct{}
}

func (s *subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// queue is full misses the event and the drop is counted. A nil *Bus accepts
// and discards everything.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
	now     func() time.Time
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*subscription),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers a subscriber for the given types (all types when none
// are given). The returned cancel function unsubscribes and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers e to every interested subscriber without blocking.
// ID and Time are filled in when empty.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			n := b.dropped.Add(1)
			b.logger.Warn("Event dropped for slow subscriber",
				"event_type", e.Type,
				"total_dropped", n)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone and closes their channels. Later publishes are
// discarded.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Package pairing issues short-lived codes that let an operator approve a
// new direct-message sender. A denied sender under the pairing policy gets a
// code in the reply; the operator adds the sender to the allow list after
// verifying the code out of band.
package pairing

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"larkgate/internal/constants"
	"larkgate/internal/logger"
	"larkgate/pkg/metrics"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

type entry struct {
	code      string
	expiresAt time.Time
}

// Registry hands out pairing codes keyed by provider and sender id. A sender
// asking repeatedly inside the TTL gets the same code back, so retried
// webhook deliveries do not churn codes before the operator can act.
type Registry struct {
	ttl    time.Duration
	clock  Clock
	logger logger.Logger

	mu      sync.Mutex
	entries map[string]entry
}

// NewRegistry creates a registry with the given code lifetime. A zero TTL
// falls back to the default.
func NewRegistry(ttl time.Duration, log logger.Logger) *Registry {
	if ttl <= 0 {
		ttl = constants.PairingCodeTTL
	}
	return &Registry{
		ttl:     ttl,
		clock:   SystemClock{},
		logger:  log,
		entries: make(map[string]entry),
	}
}

// WithClock swaps the clock, for tests.
func (r *Registry) WithClock(clock Clock) *Registry {
	r.clock = clock
	return r
}

// IssueCode returns the active code for the sender, minting a new one if
// none exists or the previous code expired.
func (r *Registry) IssueCode(provider, senderID string) string {
	key := provider + ":" + senderID
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok && now.Before(e.expiresAt) {
		return e.code
	}

	code := newCode()
	r.entries[key] = entry{code: code, expiresAt: now.Add(r.ttl)}
	metrics.PairingCodesIssuedTotal.Inc()
	r.logger.Infow("issued pairing code",
		"provider", provider,
		"sender_id", senderID,
		"expires_at", now.Add(r.ttl),
	)
	return code
}

// Verify reports whether the code is the active one for the sender. A match
// consumes the entry.
func (r *Registry) Verify(provider, senderID, code string) bool {
	key := provider + ":" + senderID
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || now.After(e.expiresAt) || e.code != code {
		return false
	}
	delete(r.entries, key)
	return true
}

// Sweep drops expired entries and returns how many were evicted.
func (r *Registry) Sweep() int {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for key, e := range r.entries {
		if now.After(e.expiresAt) {
			delete(r.entries, key)
			evicted++
		}
	}
	return evicted
}

// newCode derives an 8-character uppercase code from a random UUID. Short
// enough to read over a call, random enough to not be guessable inside the
// TTL window.
func newCode() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(id[:8])
}

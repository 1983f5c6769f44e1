// Package idem issues idempotency keys for queued operations.
//
// A key is derived from the resource kind, the operation fingerprint and the
// time bucket in which the key was first issued. Repeated issuance for the
// same (resource, fingerprint) inside the TTL returns the cached key, so a
// retried action keeps its key; distinct fingerprints hash to distinct keys.
//
// Once minted, a key is persisted with its operation and reused verbatim on
// every delivery attempt, including attempts after a process restart. The
// issuer itself is only consulted at enqueue time.
package idem

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/offq/internal/op"
)

// DefaultTTL is how long an issued key is guaranteed to be reused for the
// same logical intent.
const DefaultTTL = 24 * time.Hour

// KeyPrefix marks offq idempotency keys on the wire.
const KeyPrefix = "offq-"

// Key is an issued idempotency key.
type Key struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the key's reuse guarantee has lapsed at t.
// Expired keys remain valid to send; reuse past the TTL is the remote's concern.
func (k Key) Expired(t time.Time) bool {
	return !t.Before(k.ExpiresAt)
}

type cacheKey struct {
	resource    string
	fingerprint string
}

// Issuer mints idempotency keys with a bounded reuse window.
//
// Thread-safety: all methods are safe for concurrent use.
type Issuer struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	cache map[cacheKey]Key
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL sets the reuse window. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer creates an Issuer with DefaultTTL unless overridden.
func NewIssuer(opts ...Option) *Issuer {
	i := &Issuer{
		ttl:   DefaultTTL,
		now:   time.Now,
		cache: make(map[cacheKey]Key),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// TTL returns the configured reuse window.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue returns the key for (resourceKind, fingerprint).
//
// Within the TTL of the first issuance the same key is returned. After it
// expires a fresh key is minted from the current time bucket.
func (i *Issuer) Issue(resourceKind, fingerprint string) Key {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	ck := cacheKey{resource: resourceKind, fingerprint: fingerprint}
	if k, ok := i.cache[ck]; ok && !k.Expired(now) {
		return k
	}

	bucket := now.Truncate(i.ttl)
	k := Key{
		Value:     derive(resourceKind, fingerprint, bucket),
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}
	i.cache[ck] = k
	return k
}

// Sweep drops expired entries and returns how many were removed.
func (i *Issuer) Sweep() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	removed := 0
	for ck, k := range i.cache {
		if k.Expired(now) {
			delete(i.cache, ck)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached keys.
func (i *Issuer) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.cache)
}

// derive computes the key value. Each field is length-prefixed so that
// ("ab", "c") and ("a", "bc") cannot produce the same input.
func derive(resourceKind, fingerprint string, bucket time.Time) string {
	data := fmt.Sprintf("%d:%s%d:%s%s",
		len(resourceKind), resourceKind,
		len(fingerprint), fingerprint,
		strconv.FormatInt(bucket.UnixNano(), 10),
	)
	return KeyPrefix + op.HashWithDomain(op.DomainIdempotency, []byte(data))[:40]
}

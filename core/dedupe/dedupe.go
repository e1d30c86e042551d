// Package dedupe gives the gateway exactly-once application effect over an
// at-least-once transport. Completed requests are remembered together with
// their response envelope so a retried request is answered from cache
// instead of re-executed; short-lived leases reject concurrent duplicates
// while the first execution is still in flight.
//
// Requests are identified primarily by envelope id. A payload fingerprint
// (command plus a truncated SHA-256 of the canonicalized data) is kept
// alongside to detect a known id that reappears with a different payload.
// Non-idempotent task mutations also get a semantic key (command plus
// task_id) that catches retries which incorrectly minted a fresh id.
package dedupe

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/envelope"
)

const (
	// DefaultTTL is how long a completed request is remembered.
	DefaultTTL = time.Hour
	// DefaultLeaseTTL bounds how long an in-progress lease may be held.
	DefaultLeaseTTL = 5 * time.Minute
	// DefaultMaxEntries bounds the cache size; least-recently-used entries
	// are evicted first.
	DefaultMaxEntries = 256
	// FingerprintSize is the truncated SHA-256 length used for payload
	// fingerprints.
	FingerprintSize = 8
)

// ErrConflict is returned when a known request id reappears with a
// different payload fingerprint.
var ErrConflict = errors.New("dedupe conflict: same id, divergent payload")

// Keys identifies a request for deduplication purposes.
type Keys struct {
	// Message is the primary key: sender, command and envelope id.
	Message string
	// Correlation keys follow-up requests to their trigger. Empty when the
	// request has no correlation id.
	Correlation string
	// Semantic fingerprints non-idempotent task mutations by target, so a
	// retry with a mutated envelope id is still caught. Empty otherwise.
	Semantic string
}

// semanticCommands are the task mutations that get a semantic key.
var semanticCommands = map[string]bool{
	"acknowledge_task": true,
	"complete_task":    true,
	"fail_task":        true,
}

// BuildKeys derives the dedupe keys for a request envelope.
func BuildKeys(sender string, env *envelope.Envelope) Keys {
	k := Keys{
		Message: fmt.Sprintf("%s|%s|%s", sender, env.Command, env.ID),
	}
	if env.CorrelationID != "" {
		k.Correlation = fmt.Sprintf("%s|%s|corr|%s", sender, env.Command, env.CorrelationID)
	}
	if semanticCommands[env.Command] {
		if taskID, ok := env.Data["task_id"]; ok {
			k.Semantic = fmt.Sprintf("task|%s|%v", env.Command, taskID)
		}
	}
	return k
}

// LeaseKey picks the key that guards concurrent execution: the most
// specific one available.
func (k Keys) LeaseKey() string {
	if k.Semantic != "" {
		return k.Semantic
	}
	if k.Correlation != "" {
		return k.Correlation
	}
	return k.Message
}

// Fingerprint computes the truncated SHA-256 of command plus canonicalized
// data. json.Marshal sorts map keys, which is canonical enough for
// JSON-compatible payloads.
func Fingerprint(command string, data map[string]any) [FingerprintSize]byte {
	h := sha256.New()
	h.Write([]byte(command))
	h.Write([]byte{0})
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			h.Write(b)
		}
	}
	var out [FingerprintSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

type entry struct {
	response    *envelope.Envelope
	fingerprint [FingerprintSize]byte
	created     time.Time
	lastUsed    time.Time
}

// Config configures a Cache.
type Config struct {
	// TTL for completed entries. Default one hour.
	TTL time.Duration
	// LeaseTTL bounds in-progress leases. Default five minutes.
	LeaseTTL time.Duration
	// MaxEntries bounds the cache. Default 256.
	MaxEntries int
	// Logger for cache events. slog.Default() if nil.
	Logger *slog.Logger
}

// Cache is the gateway-side dedupe store. Reads happen on every request;
// writes only when an execution completes.
type Cache struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry    // envelope id -> completed execution
	byKey   map[string]string    // semantic key -> envelope id
	leases  map[string]time.Time // lease key -> expiry

	nowFn func() time.Time
}

// NewCache creates a Cache, applying defaults for zero config values.
func NewCache(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		cfg:     cfg,
		log:     cfg.Logger.WithGroup("dedupe"),
		entries: make(map[string]*entry),
		byKey:   make(map[string]string),
		leases:  make(map[string]time.Time),
		nowFn:   time.Now,
	}
}

// Lookup returns the cached response for a request id, if any. A hit with
// a divergent payload fingerprint returns ErrConflict. Expired entries are
// evicted lazily here.
func (c *Cache) Lookup(id string, fp [FingerprintSize]byte) (*envelope.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, nil
	}
	now := c.nowFn()
	if now.Sub(e.created) > c.cfg.TTL {
		c.removeLocked(id)
		return nil, nil
	}
	if e.fingerprint != fp {
		return nil, fmt.Errorf("%w: id %s", ErrConflict, id)
	}
	e.lastUsed = now
	return e.response, nil
}

// LookupSemantic returns the cached response reachable through a semantic
// key, catching retries that mutated the envelope id.
func (c *Cache) LookupSemantic(key string) *envelope.Envelope {
	if key == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byKey[key]
	if !ok {
		return nil
	}
	e, ok := c.entries[id]
	if !ok || c.nowFn().Sub(e.created) > c.cfg.TTL {
		delete(c.byKey, key)
		return nil
	}
	return e.response
}

// Lease acquires the in-progress lease for a key. It returns false when a
// concurrent duplicate already holds it.
func (c *Cache) Lease(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	if expiry, held := c.leases[key]; held && expiry.After(now) {
		return false
	}
	c.leases[key] = now.Add(c.cfg.LeaseTTL)
	return true
}

// Release drops an in-progress lease.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.leases, key)
}

// Store records a completed execution. semanticKey may be empty.
func (c *Cache) Store(id string, fp [FingerprintSize]byte, semanticKey string, response *envelope.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	c.entries[id] = &entry{
		response:    response,
		fingerprint: fp,
		created:     now,
		lastUsed:    now,
	}
	if semanticKey != "" {
		c.byKey[semanticKey] = id
	}
	c.evictLocked()
}

// Sweep removes expired entries and leases. Run on a coarse periodic tick.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	for id, e := range c.entries {
		if now.Sub(e.created) > c.cfg.TTL {
			c.removeLocked(id)
		}
	}
	for key, expiry := range c.leases {
		if !expiry.After(now) {
			delete(c.leases, key)
		}
	}
}

// Len returns the number of cached executions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(id string) {
	delete(c.entries, id)
	for key, mapped := range c.byKey {
		if mapped == id {
			delete(c.byKey, key)
		}
	}
}

// evictLocked drops least-recently-used entries beyond the size bound.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.cfg.MaxEntries {
		var oldest string
		var oldestAt time.Time
		first := true
		for id, e := range c.entries {
			if first || e.lastUsed.Before(oldestAt) {
				oldest, oldestAt, first = id, e.lastUsed, false
			}
		}
		c.log.Debug("evicting dedupe entry", "id", oldest)
		c.removeLocked(oldest)
	}
}

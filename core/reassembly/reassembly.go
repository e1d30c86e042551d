// Package reassembly collects data chunks into per-message buckets and
// emits the concatenated payload once every sequence slot is filled.
//
// Buckets are keyed by (sender node id, message-id prefix): the 8-byte
// prefix alone can collide, the pair makes accidental collision negligible.
// Each bucket carries a TTL that grows with the chunk count so large
// messages get proportionally more time to arrive; expired buckets are
// removed by Sweep and never emit a partial payload.
//
// The reassembler also owns NACK bookkeeping. Gap detection is reactive:
// missing sequences are reported only when a newer sequence arrives before
// older ones, or when Missing is called with force (answering a bitmap
// request). Emission is rate-limited per missing sequence and per message.
package reassembly

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/chunk"
)

const (
	// DefaultBaseTTL is the minimum lifetime of a partially received
	// message.
	DefaultBaseTTL = 120 * time.Second
	// DefaultPerChunkTTL extends the TTL for each chunk beyond the first.
	DefaultPerChunkTTL = 2 * time.Second
	// DefaultMaxTTL caps the effective TTL of any bucket.
	DefaultMaxTTL = 600 * time.Second
	// DefaultNackMaxPerSeq caps how many NACKs may name one missing
	// sequence within a single message.
	DefaultNackMaxPerSeq = 3
	// DefaultNackInterval is the minimum spacing between NACK emissions
	// for the same message, whether or not the missing set has changed.
	DefaultNackInterval = time.Second
	// DefaultMaxBuckets is the soft bucket-count limit; beyond it the
	// oldest buckets by last update are evicted.
	DefaultMaxBuckets = 256
	// completedMemory is how long a finished message id is remembered so
	// late bitmap requests can still be answered with all_received.
	completedMemory = 600 * time.Second
)

// Config configures a Reassembler. Zero values select the defaults.
type Config struct {
	BaseTTL       time.Duration
	PerChunkTTL   time.Duration
	MaxTTL        time.Duration
	NackMaxPerSeq int
	NackInterval  time.Duration
	MaxBuckets    int
	Logger        *slog.Logger
}

type key struct {
	sender string
	prefix string
}

type bucket struct {
	total       int
	parts       map[int][]byte
	created     time.Time
	lastUpdate  time.Time
	ttl         time.Duration
	totalWarned bool
}

type nackState struct {
	lastSent time.Time
	counts   map[int]int
}

// BucketInfo is a read-only snapshot of one reassembly bucket.
type BucketInfo struct {
	Sender     string
	Prefix     string
	Total      int
	Received   int
	Created    time.Time
	LastUpdate time.Time
	TTL        time.Duration
}

// Reassembler holds in-progress reassemblies for all peers.
type Reassembler struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	buckets   map[key]*bucket
	nacks     map[key]*nackState
	completed map[key]time.Time

	nowFn func() time.Time
}

// New creates a Reassembler, applying defaults for zero config values.
func New(cfg Config) *Reassembler {
	if cfg.BaseTTL <= 0 {
		cfg.BaseTTL = DefaultBaseTTL
	}
	if cfg.PerChunkTTL <= 0 {
		cfg.PerChunkTTL = DefaultPerChunkTTL
	}
	if cfg.MaxTTL < cfg.BaseTTL {
		cfg.MaxTTL = DefaultMaxTTL
		if cfg.MaxTTL < cfg.BaseTTL {
			cfg.MaxTTL = cfg.BaseTTL
		}
	}
	if cfg.NackMaxPerSeq <= 0 {
		cfg.NackMaxPerSeq = DefaultNackMaxPerSeq
	}
	if cfg.NackInterval <= 0 {
		cfg.NackInterval = DefaultNackInterval
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = DefaultMaxBuckets
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reassembler{
		cfg:       cfg,
		log:       cfg.Logger.WithGroup("reassembly"),
		buckets:   make(map[key]*bucket),
		nacks:     make(map[key]*nackState),
		completed: make(map[key]time.Time),
		nowFn:     time.Now,
	}
}

func (r *Reassembler) effectiveTTL(total int) time.Duration {
	ttl := r.cfg.BaseTTL + time.Duration(max(0, total-1))*r.cfg.PerChunkTTL
	if ttl > r.cfg.MaxTTL {
		ttl = r.cfg.MaxTTL
	}
	return ttl
}

// Add inserts a data chunk. When the message completes it returns the
// concatenated payload and destroys the bucket. Otherwise payload is nil
// and missing lists sequence numbers that should be NACKed now (already
// rate-limited); an empty missing list means no NACK is due.
func (r *Reassembler) Add(sender string, c *chunk.Chunk) (payload []byte, missing []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	k := key{sender: sender, prefix: c.Prefix}
	total := int(c.Total)
	seq := int(c.Seq)

	b, ok := r.buckets[k]
	if !ok {
		b = &bucket{
			total:      total,
			parts:      make(map[int][]byte),
			created:    now,
			lastUpdate: now,
			ttl:        r.effectiveTTL(total),
		}
		r.buckets[k] = b
		delete(r.completed, k)
		r.evictLocked(k)
	}

	if total != b.total {
		if !b.totalWarned {
			r.log.Warn("inconsistent chunk total, keeping existing bucket",
				"sender", sender, "prefix", c.Prefix,
				"have", b.total, "got", total)
			b.totalWarned = true
		}
		return nil, nil
	}
	if seq < 1 || seq > b.total {
		r.log.Warn("sequence out of range", "sender", sender,
			"prefix", c.Prefix, "seq", seq, "total", b.total)
		return nil, nil
	}

	if existing, dup := b.parts[seq]; dup {
		if len(existing) != len(c.Body) {
			r.log.Warn("duplicate chunk with different size ignored",
				"sender", sender, "prefix", c.Prefix, "seq", seq,
				"have", len(existing), "got", len(c.Body))
		}
		return nil, nil
	}

	b.parts[seq] = c.Body
	b.lastUpdate = now
	if ttl := r.effectiveTTL(b.total); ttl > b.ttl {
		b.ttl = ttl
	}

	if now.Sub(b.created) > b.ttl {
		r.log.Warn("bucket expired on arrival", "sender", sender, "prefix", c.Prefix)
		r.dropLocked(k)
		return nil, nil
	}

	r.log.Debug("chunk accepted", "sender", sender, "prefix", c.Prefix,
		"seq", seq, "total", b.total, "received", len(b.parts))

	if len(b.parts) == b.total {
		out := make([]byte, 0)
		for i := 1; i <= b.total; i++ {
			out = append(out, b.parts[i]...)
		}
		r.dropLocked(k)
		r.completed[k] = now
		r.log.Info("message reassembled", "sender", sender,
			"prefix", c.Prefix, "chunks", b.total)
		return out, nil
	}

	return nil, r.reactiveMissingLocked(k, b, now)
}

// reactiveMissingLocked computes gap-visible missing sequences (below the
// highest seen) and applies the NACK rate limits.
func (r *Reassembler) reactiveMissingLocked(k key, b *bucket, now time.Time) []int {
	highest := 0
	for seq := range b.parts {
		if seq > highest {
			highest = seq
		}
	}
	var gaps []int
	for seq := 1; seq < highest; seq++ {
		if _, ok := b.parts[seq]; !ok {
			gaps = append(gaps, seq)
		}
	}
	if len(gaps) == 0 {
		return nil
	}
	sort.Ints(gaps)

	st := r.nacks[k]
	if st == nil {
		st = &nackState{counts: make(map[int]int)}
		r.nacks[k] = st
	}
	if !st.lastSent.IsZero() && now.Sub(st.lastSent) < r.cfg.NackInterval {
		return nil
	}

	filtered := gaps[:0]
	for _, seq := range gaps {
		if st.counts[seq] < r.cfg.NackMaxPerSeq {
			st.counts[seq]++
			filtered = append(filtered, seq)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	st.lastSent = now
	return filtered
}

// Missing reports the missing sequences for a message, or ok=false when no
// bucket exists. With force set, trailing gaps (above the highest received
// sequence) are included, as required when answering a bitmap request.
func (r *Reassembler) Missing(sender, prefix string, force bool) (missing []int, total int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{sender: sender, prefix: prefix}
	b, found := r.buckets[k]
	if !found {
		return nil, 0, false
	}
	highest := 0
	for seq := range b.parts {
		if seq > highest {
			highest = seq
		}
	}
	for seq := 1; seq <= b.total; seq++ {
		if _, got := b.parts[seq]; got {
			continue
		}
		if force || seq < highest {
			missing = append(missing, seq)
		}
	}
	sort.Ints(missing)
	return missing, b.total, true
}

// Completed reports whether the message finished reassembly recently.
func (r *Reassembler) Completed(sender, prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.completed[key{sender: sender, prefix: prefix}]
	return ok
}

// Sweep removes expired buckets and stale completion records. Callers run
// it on a coarse tick of a second or more.
func (r *Reassembler) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	for k, b := range r.buckets {
		if now.Sub(b.created) > b.ttl {
			r.log.Warn("reassembly expired", "sender", k.sender,
				"prefix", k.prefix, "received", len(b.parts), "total", b.total)
			r.dropLocked(k)
		}
	}
	for k, at := range r.completed {
		if now.Sub(at) > completedMemory {
			delete(r.completed, k)
		}
	}
}

// MaxTTL returns the configured bucket TTL ceiling. Other components use
// it as the horizon for their own per-message state.
func (r *Reassembler) MaxTTL() time.Duration {
	return r.cfg.MaxTTL
}

// PendingCount returns the number of in-progress reassemblies.
func (r *Reassembler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// Snapshot returns read-only copies of all bucket states.
func (r *Reassembler) Snapshot() []BucketInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BucketInfo, 0, len(r.buckets))
	for k, b := range r.buckets {
		out = append(out, BucketInfo{
			Sender:     k.sender,
			Prefix:     k.prefix,
			Total:      b.total,
			Received:   len(b.parts),
			Created:    b.created,
			LastUpdate: b.lastUpdate,
			TTL:        b.ttl,
		})
	}
	return out
}

func (r *Reassembler) dropLocked(k key) {
	delete(r.buckets, k)
	delete(r.nacks, k)
}

// evictLocked enforces the soft bucket limit, evicting oldest-first by
// last update. The just-created bucket keep is never evicted.
func (r *Reassembler) evictLocked(keep key) {
	for len(r.buckets) > r.cfg.MaxBuckets {
		var oldest key
		var oldestAt time.Time
		first := true
		for k, b := range r.buckets {
			if k == keep {
				continue
			}
			if first || b.lastUpdate.Before(oldestAt) {
				oldest, oldestAt, first = k, b.lastUpdate, false
			}
		}
		if first {
			return
		}
		r.log.Warn("evicting reassembly bucket", "sender", oldest.sender, "prefix", oldest.prefix)
		r.dropLocked(oldest)
	}
}

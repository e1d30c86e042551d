// Package spool is the durable outbox: a single JSON file holding every
// envelope that has been submitted but not yet end-to-end acknowledged.
// Records are persisted before the first transmit, replayed on startup,
// retried on an exponential backoff schedule, and removed on ACK or when
// retries are exhausted.
//
// The file is rewritten atomically (temp file + rename) on every mutation.
// A corrupt file found at startup is quarantined with a timestamp suffix
// and the spool starts empty; that is logged, never fatal.
package spool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultBaseDelay is the backoff base between resend attempts.
	DefaultBaseDelay = 5 * time.Second
	// DefaultMaxDelay caps the exponential backoff.
	DefaultMaxDelay = 300 * time.Second
	// DefaultMaxAttempts is the total send attempts per record before it
	// is dropped.
	DefaultMaxAttempts = 3
	// DefaultExpiry drops records that have seen no activity at all for
	// this long, regardless of attempts.
	DefaultExpiry = 24 * time.Hour
)

// Record is one durable outbox entry. The envelope is stored in its wire
// encoding so a replay reuses the exact bytes, and in particular the same
// message id.
type Record struct {
	ID            string    `json:"id"`
	Envelope      []byte    `json:"envelope"`
	Destination   string    `json:"destination"`
	Attempts      int       `json:"retry_count"`
	NextAttempt   time.Time `json:"next_attempt"`
	FirstSubmit   time.Time `json:"first_submitted"`
	LastActivity  time.Time `json:"last_activity"`
	Priority      int       `json:"priority"`
}

// Config configures a Spool.
type Config struct {
	// Path of the JSON store. Required.
	Path string
	// MaxAttempts caps total send attempts. Default 3.
	MaxAttempts int
	// BaseDelay, MaxDelay shape the retry schedule
	// next = now + base * 2^(attempts-1) * jitter, jitter in [0.5, 1.5],
	// capped at MaxDelay before jitter.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Expiry drops records with no activity for this long.
	Expiry time.Duration
	// OnDrop is called (outside the spool lock) when a record is dropped
	// after exhausting retries or expiring. May be nil.
	OnDrop func(rec Record)
	// Logger for spool events. slog.Default() if nil.
	Logger *slog.Logger
}

// Spool is the JSON-file backed outbox. A single writer is serialized
// behind the internal mutex; reads use the in-memory mirror.
type Spool struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	records map[string]*Record

	nowFn  func() time.Time
	randFn func() float64
}

// Open loads (or creates) the spool at cfg.Path. A corrupt store is moved
// aside and the spool starts empty.
func Open(cfg Config) (*Spool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("spool: path is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Spool{
		cfg:     cfg,
		log:     cfg.Logger.WithGroup("spool"),
		records: make(map[string]*Record),
		nowFn:   time.Now,
		randFn:  rand.Float64,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Spool) load() error {
	data, err := os.ReadFile(s.cfg.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("spool: reading %s: %w", s.cfg.Path, err)
	}

	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt.%d", s.cfg.Path, s.nowFn().Unix())
		if renameErr := os.Rename(s.cfg.Path, quarantine); renameErr != nil {
			s.log.Error("quarantine failed", "path", s.cfg.Path, "error", renameErr)
		}
		s.log.Warn("corrupt spool quarantined, starting empty",
			"path", s.cfg.Path, "quarantine", quarantine, "error", err)
		return nil
	}
	for i := range recs {
		rec := recs[i]
		if rec.ID == "" {
			continue
		}
		s.records[rec.ID] = &rec
	}
	s.log.Info("spool loaded", "path", s.cfg.Path, "records", len(s.records))
	return nil
}

// flushLocked rewrites the store atomically. Caller holds s.mu.
func (s *Spool) flushLocked() {
	recs := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, *rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	data, err := json.Marshal(recs)
	if err != nil {
		s.log.Error("spool marshal failed", "error", err)
		return
	}

	dir := filepath.Dir(s.cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Error("spool dir create failed", "dir", dir, "error", err)
		return
	}
	tmp, err := os.CreateTemp(dir, ".spool-*")
	if err != nil {
		s.log.Error("spool temp create failed", "error", err)
		return
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	serr := tmp.Sync()
	cerr := tmp.Close()
	if werr != nil || serr != nil || cerr != nil {
		os.Remove(tmpName)
		s.log.Error("spool write failed", "write", werr, "sync", serr, "close", cerr)
		return
	}
	if err := os.Rename(tmpName, s.cfg.Path); err != nil {
		os.Remove(tmpName)
		s.log.Error("spool rename failed", "error", err)
	}
}

// Add persists a record before its first transmit. Re-adding an existing
// id is a no-op so retries with a stable id do not reset attempt state.
func (s *Spool) Add(id string, envelopeBytes []byte, destination string, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; exists {
		return
	}
	now := s.nowFn()
	s.records[id] = &Record{
		ID:           id,
		Envelope:     append([]byte(nil), envelopeBytes...),
		Destination:  destination,
		NextAttempt:  now,
		FirstSubmit:  now,
		LastActivity: now,
		Priority:     priority,
	}
	s.flushLocked()
}

// Ack removes a record after end-to-end acknowledgement.
func (s *Spool) Ack(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	s.flushLocked()
	s.log.Debug("record acknowledged", "id", id)
	return true
}

// MarkAttempt records a send attempt and schedules the next retry:
// base * 2^(attempts-1), capped, then scaled by jitter in [0.5, 1.5].
func (s *Spool) MarkAttempt(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.Attempts++

	delay := s.cfg.BaseDelay << uint(min(rec.Attempts-1, 16))
	if delay > s.cfg.MaxDelay || delay <= 0 {
		delay = s.cfg.MaxDelay
	}
	jitter := 0.5 + s.randFn()
	delay = time.Duration(float64(delay) * jitter)

	now := s.nowFn()
	rec.NextAttempt = now.Add(delay)
	rec.LastActivity = now
	s.flushLocked()
}

// Touch refreshes a record's activity timestamp without changing its retry
// schedule. In-memory only: not worth an fsync per inbound chunk.
func (s *Spool) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.LastActivity = s.nowFn()
	}
}

// DelayRetry pushes back the next attempt while a message is visibly
// progressing on the air. In-memory only.
func (s *Spool) DelayRetry(id string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	now := s.nowFn()
	rec.LastActivity = now
	if next := now.Add(delay); next.After(rec.NextAttempt) {
		rec.NextAttempt = next
	}
}

// Due returns copies of the records ready to (re)send, ordered by priority
// (lower first) then next-attempt time. Records that exhausted their
// attempts or expired are dropped here and reported through OnDrop.
func (s *Spool) Due() []Record {
	s.mu.Lock()
	now := s.nowFn()

	var dropped []Record
	for id, rec := range s.records {
		exhausted := rec.Attempts >= s.cfg.MaxAttempts
		expired := now.Sub(rec.LastActivity) > s.cfg.Expiry
		if exhausted || expired {
			dropped = append(dropped, *rec)
			delete(s.records, id)
		}
	}
	if len(dropped) > 0 {
		s.flushLocked()
	}

	var ready []Record
	for _, rec := range s.records {
		if !rec.NextAttempt.After(now) {
			ready = append(ready, *rec)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		if !ready[i].NextAttempt.Equal(ready[j].NextAttempt) {
			return ready[i].NextAttempt.Before(ready[j].NextAttempt)
		}
		return ready[i].ID < ready[j].ID
	})
	s.mu.Unlock()

	for _, rec := range dropped {
		s.log.Warn("record dropped", "id", rec.ID, "attempts", rec.Attempts)
		if s.cfg.OnDrop != nil {
			s.cfg.OnDrop(rec)
		}
	}
	return ready
}

// Has reports whether a record is still pending.
func (s *Spool) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok
}

// Depth returns the number of pending records.
func (s *Spool) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Clear removes every record, used by the clear_spool startup option.
func (s *Spool) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
	s.flushLocked()
}

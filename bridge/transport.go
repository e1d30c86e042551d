// Package bridge is the transport engine that ties the codec, framer,
// reassembler, reliability strategy, and durable outbox together over a
// radio adapter.
//
// Concurrency model: one goroutine reads the radio, one writes it (duplex
// through an internal queue), one dispatches reassembled envelopes, and a
// coarse ticker drives sweeps and progress timers. Control frames are
// handled synchronously in the read loop so they are always processed
// ahead of queued data chunks from the same peer.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/chunk"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/envelope"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/reassembly"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/reliability"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/spool"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/observe"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/radio"
)

const (
	// DefaultProgressTimeout is the progress-resetting timer base: it
	// restarts whenever any inbound frame for the message is observed.
	DefaultProgressTimeout = 90 * time.Second
	// DefaultAbsoluteTimeout caps how long the engine keeps soliciting
	// receive state for one send pass.
	DefaultAbsoluteTimeout = 150 * time.Second
	// DefaultRetries is the outbox retry count after the initial attempt.
	DefaultRetries = 2

	// resendPace spaces targeted NACK resends so a burst of repairs does
	// not monopolize the air.
	resendPace = 100 * time.Millisecond
	// sendTimeout bounds a single radio write.
	sendTimeout = 10 * time.Second
	// bitmapReqCap bounds solicitations per send pass; beyond it the
	// outbox schedule takes over.
	bitmapReqCap = 3

	sendQueueDepth = 512
	dataQueueDepth = 256
	tickInterval   = time.Second
)

// Config configures a Transport.
type Config struct {
	// SegmentSize is the outgoing chunk body ceiling. Default 210.
	SegmentSize int
	// Strategy names the reliability strategy. Default "window".
	Strategy string
	// NackMaxPerSeq and NackInterval tune receiver-side NACK limits.
	NackMaxPerSeq int
	NackInterval  time.Duration
	// ChunkDelayThreshold enables inter-chunk pacing for messages of at
	// least this many chunks; zero disables pacing.
	ChunkDelayThreshold int
	ChunkDelay          time.Duration
	// ProgressTimeout and AbsoluteTimeout shape the progress-resetting
	// timer for outbound messages.
	ProgressTimeout time.Duration
	AbsoluteTimeout time.Duration
	// Retries caps outbox resend attempts after the first.
	Retries int
	// SpoolPath locates the durable outbox file. Required.
	SpoolPath string
	// ClearSpool empties the outbox at startup instead of replaying it.
	ClearSpool bool
	// OnDeliveryFailed is invoked when a record exhausts its retries.
	OnDeliveryFailed func(id string)
	// Logger defaults to slog.Default(); Metrics to a fresh set.
	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Handler receives every delivered application envelope. Ack envelopes
// are consumed by the outbox and never reach it.
type Handler func(sender string, env *envelope.Envelope)

// Progress is the last observed inbound activity for a message prefix.
type Progress struct {
	Prefix string
	Seq    int
	Total  int
	IsAck  bool
	At     time.Time
}

type outItem struct {
	dest  string
	frame []byte
	kind  string
	pace  time.Duration
}

type inFrame struct {
	sender string
	c      *chunk.Chunk
}

type cachedSend struct {
	id     string
	dest   string
	frames map[int][]byte
	total  int
	expiry time.Time
}

type inflightSend struct {
	id           string
	dest         string
	total        int
	start        time.Time
	lastActivity time.Time
	bitmapReqs   int
}

// Transport is the reliable message engine for one node.
type Transport struct {
	cfg      Config
	log      *slog.Logger
	metrics  *observe.Metrics
	radio    radio.Radio
	strategy reliability.Strategy
	reasm    *reassembly.Reassembler
	spool    *spool.Spool

	mu       sync.Mutex
	cache    map[string]*cachedSend   // prefix -> outbound chunk cache
	progress map[string]Progress      // prefix -> last inbound activity
	inflight map[string]*inflightSend // prefix -> progress-timer state
	handler  Handler
	firstSeen map[string]time.Time // prefix -> first inbound chunk, for latency

	sendCh chan outItem
	dataCh chan inFrame
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	nowFn func() time.Time
}

// Compile-time check: the transport is the strategies' engine.
var _ reliability.Engine = (*Transport)(nil)

// New builds a Transport over the given radio. The spool is opened (and
// replayed) immediately; call Start to begin processing.
func New(cfg Config, r radio.Radio) (*Transport, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = chunk.DefaultSegmentSize
	}
	if cfg.SegmentSize+chunk.HeaderSize > chunk.MaxChunkSize {
		cfg.SegmentSize = chunk.MaxChunkSize - chunk.HeaderSize
	}
	if cfg.ProgressTimeout <= 0 {
		cfg.ProgressTimeout = DefaultProgressTimeout
	}
	if cfg.AbsoluteTimeout <= 0 {
		cfg.AbsoluteTimeout = DefaultAbsoluteTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.NewMetrics()
	}
	if cfg.SpoolPath == "" {
		return nil, errors.New("bridge: spool path is required")
	}

	t := &Transport{
		cfg:       cfg,
		log:       cfg.Logger.WithGroup("bridge"),
		metrics:   cfg.Metrics,
		radio:     r,
		sendCh:    make(chan outItem, sendQueueDepth),
		dataCh:    make(chan inFrame, dataQueueDepth),
		closed:    make(chan struct{}),
		cache:     make(map[string]*cachedSend),
		progress:  make(map[string]Progress),
		inflight:  make(map[string]*inflightSend),
		firstSeen: make(map[string]time.Time),
		nowFn:     time.Now,
	}
	t.strategy = reliability.FromName(cfg.Strategy, t.log)
	t.reasm = reassembly.New(reassembly.Config{
		NackMaxPerSeq: cfg.NackMaxPerSeq,
		NackInterval:  cfg.NackInterval,
		Logger:        t.log,
	})

	maxAttempts := cfg.Retries + 1
	sp, err := spool.Open(spool.Config{
		Path:        cfg.SpoolPath,
		MaxAttempts: maxAttempts,
		Logger:      t.log,
		OnDrop: func(rec spool.Record) {
			t.metrics.DeliveryFailed.Inc()
			t.dropCache(chunk.Prefix(rec.ID))
			if cfg.OnDeliveryFailed != nil {
				cfg.OnDeliveryFailed(rec.ID)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	t.spool = sp
	if cfg.ClearSpool {
		t.spool.Clear()
	}
	t.metrics.SpoolDepth.Set(float64(t.spool.Depth()))

	return t, nil
}

// Strategy returns the active reliability strategy.
func (t *Transport) Strategy() reliability.Strategy { return t.strategy }

// NodeID returns the underlying radio's node id.
func (t *Transport) NodeID() string { return t.radio.NodeID() }

// SetHandler installs the application envelope handler. Must be called
// before Start.
func (t *Transport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start launches the engine's goroutines. It returns immediately; the
// goroutines run until the context is cancelled or Close is called.
func (t *Transport) Start(ctx context.Context) {
	t.wg.Add(4)
	go func() { defer t.wg.Done(); t.sendLoop(ctx) }()
	go func() { defer t.wg.Done(); t.recvLoop(ctx) }()
	go func() { defer t.wg.Done(); t.dispatchLoop(ctx) }()
	go func() { defer t.wg.Done(); t.tickLoop(ctx) }()
}

// Close shuts the engine down: the radio is released and the loops drain.
func (t *Transport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		_ = t.radio.Close()
	})
	t.wg.Wait()
	return nil
}

// Submit persists an envelope to the outbox and transmits it. Oversize
// payloads fail here, before anything reaches the wire. Ack envelopes are
// transmitted but never spooled.
func (t *Transport) Submit(ctx context.Context, env *envelope.Envelope, dest string) error {
	encoded, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if env.Type != envelope.TypeAck {
		t.spool.Add(env.ID, encoded, dest, env.Priority)
		t.metrics.SpoolDepth.Set(float64(t.spool.Depth()))
	}
	t.metrics.MessagesTotal.WithLabelValues("outbound", env.Type).Inc()
	return t.sendPass(env, encoded, dest)
}

// Flush reissues every outbox record whose retry time has arrived, in
// priority order. The gateway calls it each poll tick; the client before
// each new send.
func (t *Transport) Flush() {
	for _, rec := range t.spool.Due() {
		env, err := envelope.Decode(rec.Envelope)
		if err != nil {
			t.log.Warn("dropping undecodable spool record", "id", rec.ID, "error", err)
			t.spool.Ack(rec.ID)
			continue
		}
		if err := t.sendPass(env, rec.Envelope, rec.Destination); err != nil {
			t.log.Warn("flush send failed", "id", rec.ID, "error", err)
		}
	}
	t.metrics.SpoolDepth.Set(float64(t.spool.Depth()))
}

// SpoolDepth returns the number of pending outbox records.
func (t *Transport) SpoolDepth() int { return t.spool.Depth() }

// HasPending reports whether an envelope is still awaiting its ACK.
func (t *Transport) HasPending(id string) bool { return t.spool.Has(id) }

// sendPass transmits one full pass of a message: all chunks in sequence
// order, bracketed by the strategy hooks, with the chunk cache and the
// progress timer registered. A pass counts as one outbox attempt.
func (t *Transport) sendPass(env *envelope.Envelope, encoded []byte, dest string) error {
	chunks := chunk.Split(env.ID, encoded, t.cfg.SegmentSize)
	if len(chunks) == 0 {
		return fmt.Errorf("%w: empty encoding for %s", envelope.ErrMalformedEnvelope, env.ID)
	}

	now := t.nowFn()
	prefix := chunk.Prefix(env.ID)
	frames := make(map[int][]byte, len(chunks))
	for _, c := range chunks {
		frames[int(c.Seq)] = c.Encode()
	}

	t.mu.Lock()
	t.cache[prefix] = &cachedSend{
		id:     env.ID,
		dest:   dest,
		frames: frames,
		total:  len(chunks),
		expiry: now.Add(t.reasm.MaxTTL()),
	}
	if env.Type != envelope.TypeAck {
		t.inflight[prefix] = &inflightSend{
			id:           env.ID,
			dest:         dest,
			total:        len(chunks),
			start:        now,
			lastActivity: now,
		}
	}
	t.mu.Unlock()

	t.strategy.OnSend(t, env, dest, len(chunks))

	pace := time.Duration(0)
	if t.cfg.ChunkDelayThreshold > 0 && len(chunks) >= t.cfg.ChunkDelayThreshold {
		pace = t.cfg.ChunkDelay
	}
	for _, c := range chunks {
		t.enqueue(outItem{dest: dest, frame: frames[int(c.Seq)], kind: "data", pace: pace})
	}

	t.strategy.OnChunksSent(t, env, dest, len(chunks))

	if t.spool.Has(env.ID) {
		t.spool.MarkAttempt(env.ID)
	}
	t.log.Debug("send pass queued", "id", env.ID, "chunks", len(chunks), "dest", dest)
	return nil
}

func (t *Transport) enqueue(item outItem) {
	select {
	case t.sendCh <- item:
	case <-t.closed:
	default:
		t.log.Warn("send queue full, dropping frame", "kind", item.kind, "dest", item.dest)
		t.metrics.FramesDropped.WithLabelValues("send_queue_full").Inc()
	}
}

func (t *Transport) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case item := <-t.sendCh:
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := t.radio.Send(sctx, item.dest, item.frame)
			cancel()
			if err != nil {
				// Wire-level failures are never surfaced to peers; the
				// outbox schedule covers the loss.
				t.log.Warn("radio send failed", "dest", item.dest,
					"kind", item.kind, "error", err)
				continue
			}
			t.metrics.ChunksTotal.WithLabelValues("outbound", item.kind).Inc()
			if item.pace > 0 {
				select {
				case <-time.After(item.pace):
				case <-ctx.Done():
					return
				case <-t.closed:
					return
				}
			}
		}
	}
}

func (t *Transport) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case <-ticker.C:
			t.reasm.Sweep()
			t.pruneCache()
			t.checkInflight()
		}
	}
}

func (t *Transport) pruneCache() {
	now := t.nowFn()
	t.mu.Lock()
	defer t.mu.Unlock()
	for prefix, cs := range t.cache {
		if now.After(cs.expiry) {
			delete(t.cache, prefix)
		}
	}
	for prefix, at := range t.firstSeen {
		if now.Sub(at) > t.reasm.MaxTTL() {
			delete(t.firstSeen, prefix)
		}
	}
}

// checkInflight drives the progress-resetting timer: when a multi-chunk
// send sees no inbound activity for ProgressTimeout, solicit the peer's
// receive state; past AbsoluteTimeout, stop soliciting and leave the rest
// to the outbox schedule.
func (t *Transport) checkInflight() {
	now := t.nowFn()

	type solicit struct {
		dest string
		id   string
	}
	var due []solicit

	t.mu.Lock()
	for prefix, fl := range t.inflight {
		if !t.spool.Has(fl.id) {
			delete(t.inflight, prefix)
			continue
		}
		if now.Sub(fl.start) > t.cfg.AbsoluteTimeout || fl.bitmapReqs >= bitmapReqCap {
			delete(t.inflight, prefix)
			continue
		}
		if now.Sub(fl.lastActivity) < t.cfg.ProgressTimeout {
			continue
		}
		fl.lastActivity = now
		if fl.total > 1 {
			fl.bitmapReqs++
			due = append(due, solicit{dest: fl.dest, id: fl.id})
		}
	}
	t.mu.Unlock()

	for _, s := range due {
		t.log.Debug("soliciting receive state", "id", s.id, "dest", s.dest)
		t.SendControl(s.dest, s.id, chunk.ControlBitmapReq, s.id)
	}
}

// LastProgress returns the last observed inbound activity for a message
// id, if any.
func (t *Transport) LastProgress(id string) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.progress[chunk.Prefix(id)]
	return p, ok
}

func (t *Transport) recordProgress(c *chunk.Chunk) {
	now := t.nowFn()
	t.mu.Lock()
	t.progress[c.Prefix] = Progress{
		Prefix: c.Prefix,
		Seq:    int(c.Seq),
		Total:  int(c.Total),
		IsAck:  c.Flags&chunk.FlagAck != 0,
		At:     now,
	}
	if fl, ok := t.inflight[c.Prefix]; ok {
		fl.lastActivity = now
	}
	// Old progress entries fade with the reassembly horizon.
	for prefix, p := range t.progress {
		if now.Sub(p.At) > t.reasm.MaxTTL() {
			delete(t.progress, prefix)
		}
	}
	t.mu.Unlock()
}

func (t *Transport) dropCache(prefix string) {
	t.mu.Lock()
	delete(t.cache, prefix)
	delete(t.inflight, prefix)
	t.mu.Unlock()
}

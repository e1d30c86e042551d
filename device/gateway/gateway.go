// Package gateway implements the bridge's gateway role: it receives
// request envelopes from the mesh, executes them against the Atlas
// Command HTTP API exactly once, and sends the response back through the
// reliable transport.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/atlas"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/bridge"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/dedupe"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/envelope"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/observe"
)

const (
	// flushInterval drives the outbox each poll tick.
	flushInterval = time.Second
	// sweepInterval drives the periodic dedupe sweep.
	sweepInterval = time.Minute
	// executeTimeout bounds one API call on behalf of a mesh request.
	executeTimeout = 30 * time.Second
)

// Executor runs one command against the backing API. *atlas.Client is the
// production implementation.
type Executor interface {
	Execute(ctx context.Context, command string, data map[string]any) (map[string]any, error)
}

// Config configures a Gateway.
type Config struct {
	// DedupeTTL is how long completed requests are remembered. Default
	// one hour.
	DedupeTTL time.Duration
	// Logger defaults to slog.Default(); Metrics to a fresh set.
	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Gateway is the request-executing role.
type Gateway struct {
	tr      *bridge.Transport
	api     Executor
	cache   *dedupe.Cache
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	runCtx  context.Context
	running sync.WaitGroup
}

// New wires a Gateway onto a transport. The gateway installs itself as
// the transport's envelope handler.
func New(tr *bridge.Transport, api Executor, cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.NewMetrics()
	}
	g := &Gateway{
		tr:      tr,
		api:     api,
		log:     cfg.Logger.WithGroup("gateway"),
		metrics: cfg.Metrics,
		cache: dedupe.NewCache(dedupe.Config{
			TTL:    cfg.DedupeTTL,
			Logger: cfg.Logger,
		}),
	}
	tr.SetHandler(g.onEnvelope)
	return g
}

// Run starts the transport and blocks until the context is cancelled.
// In-flight API calls are cancelled on shutdown and their responses are
// not spooled.
func (g *Gateway) Run(ctx context.Context) error {
	g.mu.Lock()
	g.runCtx = ctx
	g.mu.Unlock()

	g.tr.Start(ctx)
	defer g.tr.Close()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				g.tr.Flush()
			}
		}
	})
	eg.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				g.cache.Sweep()
			}
		}
	})

	err := eg.Wait()
	g.running.Wait()
	return err
}

func (g *Gateway) onEnvelope(sender string, env *envelope.Envelope) {
	if env.Type != envelope.TypeRequest {
		g.log.Debug("ignoring non-request envelope",
			"type", env.Type, "id", env.ID, "sender", sender)
		return
	}

	g.mu.Lock()
	ctx := g.runCtx
	g.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	// Execution can block on the API for seconds; the dispatch loop must
	// not.
	g.running.Add(1)
	go func() {
		defer g.running.Done()
		g.handle(ctx, sender, env)
	}()
}

func (g *Gateway) handle(ctx context.Context, sender string, env *envelope.Envelope) {
	start := time.Now()
	fp := dedupe.Fingerprint(env.Command, env.Data)
	keys := dedupe.BuildKeys(sender, env)

	cached, err := g.cache.Lookup(env.ID, fp)
	if err != nil {
		// Divergent payload under a known id: reject with a diagnostic,
		// never execute.
		g.log.Warn("dedupe conflict", "id", env.ID, "sender", sender, "error", err)
		g.metrics.DedupeConflicts.Inc()
		return
	}
	if cached == nil {
		cached = g.cache.LookupSemantic(keys.Semantic)
	}
	if cached != nil {
		g.log.Info("answering from dedupe cache", "id", env.ID, "sender", sender)
		g.metrics.DedupeHits.Inc()
		if err := g.tr.Submit(ctx, cached.Clone(), sender); err != nil {
			g.log.Warn("cached response send failed", "id", env.ID, "error", err)
		}
		return
	}

	if !g.cache.Lease(keys.LeaseKey()) {
		g.log.Debug("duplicate request already in progress",
			"id", env.ID, "key", keys.LeaseKey())
		return
	}
	defer g.cache.Release(keys.LeaseKey())

	g.metrics.InflightRequests.Inc()
	defer g.metrics.InflightRequests.Dec()

	resp := g.execute(ctx, env)
	if ctx.Err() != nil {
		// Shutdown mid-call: the response is not spooled, the client's
		// retry will re-execute against a live process.
		return
	}

	status := resp.Type
	if err := g.tr.Submit(ctx, resp, sender); err != nil {
		g.log.Warn("response send failed", "id", env.ID, "error", err)
		status = "send_failed"
	} else if resp.Type == envelope.TypeResponse {
		g.cache.Store(env.ID, fp, keys.Semantic, resp)
	}

	g.metrics.RequestSeconds.WithLabelValues(env.Command, status).
		Observe(time.Since(start).Seconds())
	g.log.Info("request handled", "id", env.ID, "command", env.Command,
		"status", status, "elapsed", time.Since(start))
}

// execute runs one command, turning failures into error envelopes with
// the request's correlation id.
func (g *Gateway) execute(ctx context.Context, env *envelope.Envelope) *envelope.Envelope {
	respond := func(typ string, data map[string]any) *envelope.Envelope {
		return &envelope.Envelope{
			ID:            uuid.NewString(),
			Type:          typ,
			Command:       env.Command,
			Priority:      env.Priority,
			CorrelationID: env.ID,
			Data:          data,
		}
	}

	// test_echo is answered locally for bandwidth probing.
	if env.Command == "test_echo" {
		return respond(envelope.TypeResponse, env.Data)
	}
	if !atlas.Supported(env.Command) {
		return respond(envelope.TypeError,
			map[string]any{"error": "unknown command: " + env.Command})
	}

	callCtx, cancel := context.WithTimeout(ctx, executeTimeout)
	defer cancel()
	result, err := g.api.Execute(callCtx, env.Command, env.Data)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return respond(envelope.TypeError, map[string]any{"error": "cancelled"})
		}
		g.log.Warn("api call failed", "command", env.Command, "error", err)
		return respond(envelope.TypeError, map[string]any{"error": err.Error()})
	}
	return respond(envelope.TypeResponse, result)
}

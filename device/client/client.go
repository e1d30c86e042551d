// Package client implements the bridge's client role: it issues request
// envelopes toward the gateway and waits for correlated responses under
// the progress-resetting timeout discipline.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/bridge"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/envelope"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/observe"
)

const (
	// DefaultTimeout is the progress-resetting inactivity timeout: it
	// restarts whenever any chunk or control frame for the request is
	// observed.
	DefaultTimeout = 90 * time.Second
	// DefaultAbsoluteTimeout caps one attempt regardless of progress.
	DefaultAbsoluteTimeout = 150 * time.Second
	// DefaultPostResponseQuiet is how long the transport keeps draining
	// after a one-shot request so the end-to-end ack leaves the node.
	DefaultPostResponseQuiet = 10 * time.Second
	// DefaultRetries is the attempt count after the initial send.
	DefaultRetries = 2

	backoffBase   = 500 * time.Millisecond
	backoffMax    = 30 * time.Second
	backoffJitter = 0.2

	pollInterval = 250 * time.Millisecond
)

// ErrTimeout is returned when every attempt's timeout expired. The outbox
// record survives: background retry continues until retries are
// exhausted.
var ErrTimeout = errors.New("timeout waiting for response")

// Config configures a Client.
type Config struct {
	// GatewayNodeID is the mesh node that executes requests. Required.
	GatewayNodeID string
	// Timeout, AbsoluteTimeout and PostResponseQuiet default to the package
	// constants when zero. A negative Retries selects DefaultRetries; zero
	// means no retries.
	Timeout           time.Duration
	AbsoluteTimeout   time.Duration
	PostResponseQuiet time.Duration
	Retries           int
	// Logger defaults to slog.Default(); Metrics to a fresh set.
	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Client is the request-issuing role.
type Client struct {
	tr      *bridge.Transport
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	waiters map[string]chan *envelope.Envelope
}

// New wires a Client onto a transport. The client installs itself as the
// transport's envelope handler.
func New(tr *bridge.Transport, cfg Config) (*Client, error) {
	if cfg.GatewayNodeID == "" {
		return nil, errors.New("client: gateway node id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AbsoluteTimeout <= 0 {
		cfg.AbsoluteTimeout = DefaultAbsoluteTimeout
	}
	if cfg.PostResponseQuiet <= 0 {
		cfg.PostResponseQuiet = DefaultPostResponseQuiet
	}
	if cfg.Retries < 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.NewMetrics()
	}

	c := &Client{
		tr:      tr,
		cfg:     cfg,
		log:     cfg.Logger.WithGroup("client"),
		metrics: cfg.Metrics,
		waiters: make(map[string]chan *envelope.Envelope),
	}
	tr.SetHandler(c.onEnvelope)
	return c, nil
}

func (c *Client) onEnvelope(sender string, env *envelope.Envelope) {
	if env.Type != envelope.TypeResponse && env.Type != envelope.TypeError {
		c.log.Debug("ignoring envelope", "type", env.Type, "id", env.ID)
		return
	}
	c.mu.Lock()
	ch, ok := c.waiters[env.CorrelationID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("response without waiter",
			"correlation_id", env.CorrelationID, "sender", sender)
		return
	}
	select {
	case ch <- env:
	default:
	}
}

// SendRequest issues one request and blocks for its response or error
// envelope. Retries reuse the same envelope id: that is what makes
// gateway-side deduplication correct, and it must never be violated.
func (c *Client) SendRequest(ctx context.Context, command string, data map[string]any) (*envelope.Envelope, error) {
	start := time.Now()
	env := envelope.NewRequest(uuid.NewString(), command, data)

	ch := make(chan *envelope.Envelope, 1)
	c.mu.Lock()
	c.waiters[env.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, env.ID)
		c.mu.Unlock()
	}()

	c.log.Info("sending request", "id", env.ID, "command", command)

	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << uint(attempt-1)
			if backoff > backoffMax {
				backoff = backoffMax
			}
			backoff += time.Duration(rand.Float64() * backoffJitter * float64(backoff))
			c.log.Info("retrying request", "id", env.ID,
				"attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// Opportunistically drain the outbox before (re)sending.
		c.tr.Flush()
		if err := c.tr.Submit(ctx, env, c.cfg.GatewayNodeID); err != nil {
			return nil, err
		}

		resp, err := c.waitForResponse(ctx, env.ID, ch)
		if err == nil {
			elapsed := time.Since(start)
			c.metrics.RequestSeconds.WithLabelValues(command, resp.Type).
				Observe(elapsed.Seconds())
			c.log.Info("response accepted", "id", env.ID,
				"type", resp.Type, "elapsed", elapsed)
			return resp, nil
		}
		if !errors.Is(err, ErrTimeout) {
			return nil, err
		}
		c.log.Warn("attempt timed out", "id", env.ID,
			"attempt", attempt+1, "of", c.cfg.Retries+1)
	}

	c.metrics.RequestSeconds.WithLabelValues(command, "timeout").
		Observe(time.Since(start).Seconds())
	return nil, fmt.Errorf("%w: %s (%s)", ErrTimeout, command, env.ID)
}

// waitForResponse blocks under two clocks: the inactivity timeout resets
// on any observed progress for the request, the absolute cap does not.
func (c *Client) waitForResponse(ctx context.Context, id string, ch chan *envelope.Envelope) (*envelope.Envelope, error) {
	attemptStart := time.Now()
	lastProgress := attemptStart

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case resp := <-ch:
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		now := time.Now()
		if p, ok := c.tr.LastProgress(id); ok && p.At.After(lastProgress) {
			lastProgress = p.At
			c.log.Debug("progress observed", "id", id,
				"seq", p.Seq, "total", p.Total, "ack", p.IsAck)
		}
		if now.Sub(lastProgress) > c.cfg.Timeout {
			return nil, fmt.Errorf("%w: no progress for %s", ErrTimeout, c.cfg.Timeout)
		}
		if now.Sub(attemptStart) > c.cfg.AbsoluteTimeout {
			return nil, fmt.Errorf("%w: absolute cap %s reached", ErrTimeout, c.cfg.AbsoluteTimeout)
		}
	}
}

// Drain keeps the transport flushing until the outbox is empty or the
// post-response quiet period elapses. One-shot embeddings call it before
// exit so acks and retries leave the node.
func (c *Client) Drain(ctx context.Context) {
	deadline := time.Now().Add(c.cfg.PostResponseQuiet)
	for time.Now().Before(deadline) {
		if c.tr.SpoolDepth() == 0 {
			return
		}
		c.tr.Flush()
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

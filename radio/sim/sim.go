// Package sim provides an in-memory radio bus for tests and early
// development. All nodes attached to one Bus share an air interface with
// configurable loss probability and propagation delay, which is enough to
// exercise every loss-recovery path without hardware.
package sim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/crypto"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/radio"
)

const queueDepth = 256

// BusConfig configures a simulated air interface.
type BusConfig struct {
	// Loss is the probability in [0,1] that any frame is silently dropped.
	Loss float64
	// Delay is the propagation delay applied to every frame.
	Delay time.Duration
	// PSK enables the channel cipher on the simulated air when non-empty.
	PSK string
	// Rand overrides the loss roll for deterministic tests.
	Rand func() float64
}

type delivery struct {
	sender  string
	payload []byte
}

// Bus is the shared medium. Create one Bus per simulated channel and
// attach each node with Node.
type Bus struct {
	cfg    BusConfig
	cipher *crypto.ChannelCipher

	mu     sync.Mutex
	queues map[string]chan delivery

	// DropFilter, when set, drops a frame whenever it returns true. Tests
	// use it for targeted loss (for example "drop sequence 3 once").
	DropFilter func(from, to string, payload []byte) bool
}

// NewBus creates a simulated air interface.
func NewBus(cfg BusConfig) *Bus {
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	b := &Bus{
		cfg:    cfg,
		queues: make(map[string]chan delivery),
	}
	if cfg.PSK != "" {
		b.cipher = crypto.NewChannelCipher(cfg.PSK)
	}
	return b
}

func (b *Bus) queueFor(nodeID string) chan delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[nodeID]
	if !ok {
		q = make(chan delivery, queueDepth)
		b.queues[nodeID] = q
	}
	return q
}

func (b *Bus) transmit(from, to string, payload []byte) error {
	if err := radio.CheckFrameSize(payload); err != nil {
		return err
	}

	b.mu.Lock()
	drop := b.DropFilter != nil && b.DropFilter(from, to, payload)
	b.mu.Unlock()
	if drop || (b.cfg.Loss > 0 && b.cfg.Rand() < b.cfg.Loss) {
		return nil // lost on the air, sender cannot tell
	}

	frame := append([]byte(nil), payload...)
	if b.cipher != nil {
		sealed, err := b.cipher.Seal(frame)
		if err != nil {
			return err
		}
		opened, err := b.cipher.Open(sealed)
		if err != nil {
			return err
		}
		frame = opened
	}

	deliver := func() {
		q := b.queueFor(to)
		select {
		case q <- delivery{sender: from, payload: frame}:
		default:
			// Receiver queue full: the air does not wait.
		}
	}
	if b.cfg.Delay > 0 {
		time.AfterFunc(b.cfg.Delay, deliver)
	} else {
		deliver()
	}
	return nil
}

// SetDropFilter installs or clears the targeted-loss hook.
func (b *Bus) SetDropFilter(f func(from, to string, payload []byte) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.DropFilter = f
}

// Radio is one node's attachment to a Bus.
type Radio struct {
	nodeID string
	bus    *Bus

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

var _ radio.Radio = (*Radio)(nil)

// Node attaches a node to the bus.
func (b *Bus) Node(nodeID string) *Radio {
	b.queueFor(nodeID) // pre-create so frames are not lost before first Recv
	return &Radio{
		nodeID: nodeID,
		bus:    b,
		closed: make(chan struct{}),
	}
}

func (r *Radio) NodeID() string { return r.nodeID }

func (r *Radio) Send(ctx context.Context, destination string, payload []byte) error {
	select {
	case <-r.closed:
		return radio.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return r.bus.transmit(r.nodeID, destination, payload)
}

func (r *Radio) Recv(ctx context.Context) (string, []byte, error) {
	q := r.bus.queueFor(r.nodeID)
	select {
	case d := <-q:
		return d.sender, d.payload, nil
	case <-r.closed:
		return "", nil, radio.ErrClosed
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (r *Radio) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

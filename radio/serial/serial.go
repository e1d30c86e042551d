// Package serial provides the hardware radio adapter: chunk frames are
// exchanged with the radio's bridge firmware over a serial port, wrapped
// in checksummed wire frames. The firmware handles the actual on-air
// transmission, including channel encryption.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/radio"
)

// Compile-time interface check.
var _ radio.Radio = (*Radio)(nil)

const (
	// DefaultBaudRate for bridge firmware serial links.
	DefaultBaudRate = 115200

	readBufSize = 1024
	recvDepth   = 64
)

// Config holds the configuration for a serial radio.
type Config struct {
	// Port is the serial port path (e.g. "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate defaults to 115200.
	BaudRate int
	// NodeID is this node's mesh identifier.
	NodeID string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type inbound struct {
	sender  string
	payload []byte
}

// Radio implements radio.Radio over a serial connection.
type Radio struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	port    serial.Port
	writeMu sync.Mutex

	recv   chan inbound
	closed chan struct{}
	once   sync.Once
}

// Open opens the serial port and starts the read loop.
func Open(cfg Config) (*Radio, error) {
	if cfg.Port == "" {
		return nil, errors.New("serial port is required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("opening serial port: %w", err)
	}

	r := &Radio{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("serial"),
		port:   port,
		recv:   make(chan inbound, recvDepth),
		closed: make(chan struct{}),
	}
	go r.readLoop()

	r.log.Info("connected to serial port", "port", cfg.Port, "baud", cfg.BaudRate)
	return r, nil
}

func (r *Radio) NodeID() string { return r.cfg.NodeID }

// Send frames the payload for the given destination and writes it to the
// port. Writes are serialized so concurrent callers cannot interleave
// frames.
func (r *Radio) Send(ctx context.Context, destination string, payload []byte) error {
	if err := radio.CheckFrameSize(payload); err != nil {
		return err
	}
	select {
	case <-r.closed:
		return radio.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	frame, err := encodeFrame(destination, payload)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := r.port.Write(frame); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// Recv returns the next frame received from the radio.
func (r *Radio) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case in, ok := <-r.recv:
		if !ok {
			return "", nil, radio.ErrClosed
		}
		return in.sender, in.payload, nil
	case <-r.closed:
		// Drain anything already queued before reporting closure.
		select {
		case in := <-r.recv:
			return in.sender, in.payload, nil
		default:
			return "", nil, radio.ErrClosed
		}
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (r *Radio) readLoop() {
	r.mu.Lock()
	port := r.port
	r.mu.Unlock()
	if port == nil {
		return
	}

	var acc accumulator
	buf := make([]byte, readBufSize)
	for {
		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-r.closed:
			default:
				if !errors.Is(err, io.EOF) {
					r.log.Error("serial read failed", "error", err)
				}
				r.Close()
			}
			return
		}
		if n == 0 {
			continue
		}
		acc.push(buf[:n])
		for {
			peer, payload, ok := acc.next()
			if !ok {
				break
			}
			select {
			case r.recv <- inbound{sender: peer, payload: payload}:
			default:
				r.log.Warn("receive queue full, dropping frame", "sender", peer)
			}
		}
	}
}

// Close shuts down the port and unblocks pending Recv calls.
func (r *Radio) Close() error {
	var err error
	r.once.Do(func() {
		close(r.closed)
		r.mu.Lock()
		if r.port != nil {
			err = r.port.Close()
			r.port = nil
		}
		r.mu.Unlock()
		r.log.Info("serial port closed", "port", r.cfg.Port)
	})
	return err
}

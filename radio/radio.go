// Package radio defines the contract the bridge uses to reach the mesh:
// an opaque byte-frame send/receive pair addressed by node id. Adapters
// never fragment; frames above the chunk ceiling are a programmer error.
package radio

import (
	"context"
	"errors"
	"fmt"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/chunk"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds chunk.MaxChunkSize.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrClosed is returned once the adapter has been shut down.
	ErrClosed = errors.New("radio closed")
)

// Radio is the byte-frame transport contract. One goroutine reads, one
// writes; implementations serialize internally where the hardware needs it.
type Radio interface {
	// NodeID returns this node's mesh identifier.
	NodeID() string
	// Send transmits one frame to the destination node. Blocks for at most
	// the context's deadline.
	Send(ctx context.Context, destination string, payload []byte) error
	// Recv blocks until a frame arrives, the context is cancelled, or the
	// adapter is closed.
	Recv(ctx context.Context) (sender string, payload []byte, err error)
	// Close releases the adapter. Pending Recv calls return ErrClosed.
	Close() error
}

// CheckFrameSize validates a frame against the on-air ceiling.
func CheckFrameSize(payload []byte) error {
	if len(payload) > chunk.MaxChunkSize {
		return fmt.Errorf("%w: %d bytes (limit %d)",
			ErrFrameTooLarge, len(payload), chunk.MaxChunkSize)
	}
	return nil
}

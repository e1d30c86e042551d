// Package envelope defines the application-level message unit exchanged
// between the bridge client and gateway, and its compact wire encoding.
//
// On the wire an envelope is key-aliased (well-known field names compacted
// to one- and two-letter tags), packed with MessagePack, and compressed
// with Zstandard. The alias tables are frozen: both ends of a deployment
// must agree on them. The envelope-level set is the msgpack struct tags on
// Envelope.
package envelope

import (
	"errors"
	"fmt"
)

// Envelope types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeError    = "error"
	TypeAck      = "ack"
)

// DefaultPriority is the priority assigned when none is set.
// Lower values are sent first (0 = critical, 10 = normal).
const DefaultPriority = 10

// MaxEncodedSize is the hard ceiling on an encoded envelope. Payloads that
// encode larger than this are rejected before chunking; bulk transfers
// belong on the HTTP API.
const MaxEncodedSize = 10 * 1024

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrPayloadTooLarge   = errors.New("payload too large")
)

// Envelope is the application-visible message unit. The msgpack tags are
// the frozen envelope-level alias table.
type Envelope struct {
	ID            string         `msgpack:"i"`
	Type          string         `msgpack:"t"`
	Command       string         `msgpack:"c,omitempty"`
	Priority      int            `msgpack:"p"`
	CorrelationID string         `msgpack:"x,omitempty"`
	Data          map[string]any `msgpack:"d,omitempty"`
	Meta          map[string]any `msgpack:"m,omitempty"`
}

// NewRequest builds a request envelope with the default priority.
func NewRequest(id, command string, data map[string]any) *Envelope {
	return &Envelope{
		ID:       id,
		Type:     TypeRequest,
		Command:  command,
		Priority: DefaultPriority,
		Data:     data,
	}
}

// NewAck builds the end-to-end acknowledgement for a delivered envelope.
// Ack envelopes carry only the correlation id and are suppressed from
// application handlers.
func NewAck(id, correlationID string) *Envelope {
	return &Envelope{
		ID:            id,
		Type:          TypeAck,
		Priority:      0,
		CorrelationID: correlationID,
	}
}

// Validate checks the structural invariants of an envelope.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedEnvelope)
	}
	switch e.Type {
	case TypeRequest, TypeResponse, TypeError, TypeAck:
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, e.Type)
	}
	if e.Type == TypeRequest && e.Command == "" {
		return fmt.Errorf("%w: request without command", ErrMalformedEnvelope)
	}
	return nil
}

// Clone returns a shallow copy of the envelope with fresh top-level maps.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Data != nil {
		clone.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			clone.Data[k] = v
		}
	}
	if e.Meta != nil {
		clone.Meta = make(map[string]any, len(e.Meta))
		for k, v := range e.Meta {
			clone.Meta[k] = v
		}
	}
	return &clone
}

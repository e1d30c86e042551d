// Package reliability defines the chunk-level loss-recovery strategies.
// A strategy decides when control frames are emitted and how control
// frames from the peer are answered; the transport engine supplies the
// mechanics (sending frames, resending cached chunks, clearing the
// outbox) through the Engine interface so strategies stay wire-only.
//
// Both endpoints of a deployment must run the same strategy.
package reliability

import (
	"log/slog"
	"strings"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/chunk"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/envelope"
)

// Engine is the capability surface a strategy drives. Implemented by the
// transport.
type Engine interface {
	// SendControl emits an ACK-flagged control chunk for the given message.
	SendControl(dest, id, op, arg string)
	// SendBareAck emits the minimal acknowledgement chunk.
	SendBareAck(dest, id string)
	// SendNack emits a NACK bitmap naming the missing sequences.
	SendNack(dest, prefix string, total int, missing []int)
	// ResendChunks retransmits cached chunks of an outbound message, in
	// ascending sequence order.
	ResendChunks(dest, prefix string, missing []int)
	// ResendLastChunk retransmits the highest-sequence cached chunk.
	ResendLastChunk(dest, prefix string)
	// AckOutbox clears the durable outbox record for a fully delivered
	// message and drops its chunk cache.
	AckOutbox(id string)
	// Missing reports the receive state for an inbound message: the
	// missing sequences (trailing gaps included when force is set), the
	// expected total, and whether any state exists for it.
	Missing(sender, prefix string, force bool) (missing []int, total int, ok bool)
	// Complete reports whether an inbound message finished reassembly
	// recently.
	Complete(sender, prefix string) bool
}

// Strategy is the loss-recovery policy for one process.
type Strategy interface {
	Name() string
	// OnSend runs before the first chunk of a message is transmitted.
	OnSend(e Engine, env *envelope.Envelope, dest string, totalChunks int)
	// OnChunksSent runs after the last chunk of a pass is transmitted.
	OnChunksSent(e Engine, env *envelope.Envelope, dest string, totalChunks int)
	// HandleControl processes an inbound control chunk. It returns true
	// when the chunk was consumed.
	HandleControl(e Engine, flags uint8, prefix string, payload []byte, sender string) bool
	// OnMissing runs when the reassembler reports a rate-limited gap.
	OnMissing(e Engine, sender, prefix string, total int, missing []int)
	// OnComplete runs when an inbound message finishes reassembly.
	OnComplete(e Engine, sender string, env *envelope.Envelope)
}

// FromName resolves a strategy by its configured name, defaulting to
// window for unknown values.
func FromName(name string, log *slog.Logger) Strategy {
	if log == nil {
		log = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none":
		return None{}
	case "simple", "ack", "ack_nack":
		return Simple{}
	case "stage", "staged":
		return Stage{}
	case "window", "selective", "selective_repeat", "":
		return Window{}
	case "window_fec", "window_parity", "selective_fec":
		return WindowFEC{}
	default:
		log.Warn("unrecognized reliability strategy, defaulting to window", "name", name)
		return Window{}
	}
}

// None performs no chunk-level recovery: single-shot sends relying only
// on the outbox retry schedule.
type None struct{}

func (None) Name() string                                                   { return "none" }
func (None) OnSend(Engine, *envelope.Envelope, string, int)                 {}
func (None) OnChunksSent(Engine, *envelope.Envelope, string, int)           {}
func (None) OnMissing(Engine, string, string, int, []int)                   {}
func (None) OnComplete(Engine, string, *envelope.Envelope)                  {}
func (None) HandleControl(_ Engine, flags uint8, _ string, _ []byte, _ string) bool {
	// Consume control traffic so it never reaches the reassembler.
	return flags&(chunk.FlagAck|chunk.FlagNack) != 0
}

// Simple answers completed messages with a bare acknowledgement and
// resends on NACK. No solicitation of receive state.
type Simple struct{}

func (Simple) Name() string                                         { return "simple" }
func (Simple) OnSend(Engine, *envelope.Envelope, string, int)       {}
func (Simple) OnChunksSent(Engine, *envelope.Envelope, string, int) {}

func (Simple) HandleControl(e Engine, flags uint8, prefix string, payload []byte, sender string) bool {
	if flags&chunk.FlagNack != 0 {
		e.ResendChunks(sender, prefix, chunk.ParseBitmap(payload))
		return true
	}
	if flags&chunk.FlagAck == 0 {
		return false
	}
	if _, arg, piped := chunk.ParseControl(payload); !piped && arg != "" {
		e.AckOutbox(arg)
	}
	return true
}

func (Simple) OnMissing(e Engine, sender, prefix string, total int, missing []int) {
	if len(missing) > 0 {
		e.SendNack(sender, prefix, total, missing)
	}
}

func (Simple) OnComplete(e Engine, sender string, env *envelope.Envelope) {
	e.SendBareAck(sender, env.ID)
}

// Stage runs an announce / complete / repair handshake around each
// message, single-chunk ones included.
type Stage struct{}

func (Stage) Name() string { return "stage" }

func (Stage) OnSend(e Engine, env *envelope.Envelope, dest string, totalChunks int) {
	e.SendControl(dest, env.ID, chunk.ControlAnnounce, env.ID)
}

func (Stage) OnChunksSent(e Engine, env *envelope.Envelope, dest string, totalChunks int) {
	e.SendControl(dest, env.ID, chunk.ControlComplete, env.ID)
}

func (Stage) HandleControl(e Engine, flags uint8, prefix string, payload []byte, sender string) bool {
	if flags&chunk.FlagNack != 0 {
		e.ResendChunks(sender, prefix, chunk.ParseBitmap(payload))
		return true
	}
	if flags&chunk.FlagAck == 0 {
		return false
	}
	op, arg, piped := chunk.ParseControl(payload)
	if !piped {
		return true
	}
	switch op {
	case chunk.ControlAnnounce:
		e.SendControl(sender, arg, chunk.ControlAnnounceAck, prefix)
	case chunk.ControlComplete:
		answerReceiveState(e, sender, prefix, arg)
	case chunk.ControlAllReceived:
		e.AckOutbox(arg)
	case chunk.ControlAnnounceAck:
		// Consume; the announce is informational.
	}
	return true
}

func (Stage) OnMissing(e Engine, sender, prefix string, total int, missing []int) {
	if len(missing) > 0 {
		e.SendNack(sender, prefix, total, missing)
	}
}

func (Stage) OnComplete(e Engine, sender string, env *envelope.Envelope) {
	e.SendControl(sender, env.ID, chunk.ControlAllReceived, env.ID)
}

// Window is the default windowed selective-repeat: after a multi-chunk
// pass the sender solicits a missing-chunk bitmap; single-chunk messages
// skip the solicitation and rely on the end-to-end acknowledgement.
type Window struct{}

func (Window) Name() string { return "window" }

func (Window) OnSend(Engine, *envelope.Envelope, string, int) {}

func (Window) OnChunksSent(e Engine, env *envelope.Envelope, dest string, totalChunks int) {
	if totalChunks == 1 {
		return
	}
	e.SendControl(dest, env.ID, chunk.ControlBitmapReq, env.ID)
}

func (Window) HandleControl(e Engine, flags uint8, prefix string, payload []byte, sender string) bool {
	if flags&chunk.FlagNack != 0 {
		e.ResendChunks(sender, prefix, chunk.ParseBitmap(payload))
		return true
	}
	if flags&chunk.FlagAck == 0 {
		return false
	}
	op, arg, piped := chunk.ParseControl(payload)
	if !piped {
		return true
	}
	switch op {
	case chunk.ControlBitmapReq:
		answerReceiveState(e, sender, prefix, arg)
	case chunk.ControlAllReceived:
		e.AckOutbox(arg)
	}
	return true
}

func (Window) OnMissing(e Engine, sender, prefix string, total int, missing []int) {
	if len(missing) > 0 {
		e.SendNack(sender, prefix, total, missing)
	}
}

func (Window) OnComplete(e Engine, sender string, env *envelope.Envelope) {
	e.SendControl(sender, env.ID, chunk.ControlAllReceived, env.ID)
}

// WindowFEC is reserved: windowed selective-repeat plus an opportunistic
// duplicate of the final chunk after each pass, recovering a single loss
// without waiting for the bitmap exchange. The wire format is unchanged.
type WindowFEC struct {
	Window
}

func (WindowFEC) Name() string { return "window_fec" }

func (w WindowFEC) OnChunksSent(e Engine, env *envelope.Envelope, dest string, totalChunks int) {
	w.Window.OnChunksSent(e, env, dest, totalChunks)
	if totalChunks > 1 {
		e.ResendLastChunk(dest, chunk.Prefix(env.ID))
	}
}

// answerReceiveState replies to a solicitation for receive state: a NACK
// bitmap when gaps remain, all_received when the message completed, and
// silence when nothing is known about it (the sender's outbox schedule
// will retry the whole message).
func answerReceiveState(e Engine, sender, prefix, id string) {
	if missing, total, ok := e.Missing(sender, prefix, true); ok {
		if len(missing) > 0 {
			e.SendNack(sender, prefix, total, missing)
		} else {
			e.SendControl(sender, id, chunk.ControlAllReceived, id)
		}
		return
	}
	if e.Complete(sender, prefix) {
		e.SendControl(sender, id, chunk.ControlAllReceived, id)
	}
}

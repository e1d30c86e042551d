package bridge

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/chunk"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/envelope"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/radio"
)

// recvLoop is the single radio reader. Control frames are handled inline,
// ahead of any data chunks still queued for dispatch; data chunks are
// queued to the dispatch loop.
func (t *Transport) recvLoop(ctx context.Context) {
	for {
		sender, payload, err := t.radio.Recv(ctx)
		if err != nil {
			if errors.Is(err, radio.ErrClosed) || ctx.Err() != nil {
				return
			}
			t.log.Warn("radio receive failed", "error", err)
			continue
		}

		c, err := chunk.Parse(payload)
		if err != nil {
			t.log.Warn("dropping invalid frame", "sender", sender, "error", err)
			t.metrics.FramesDropped.WithLabelValues("invalid_frame").Inc()
			continue
		}
		t.recordProgress(c)

		if c.IsControl() {
			if c.Flags&chunk.FlagNack != 0 {
				t.metrics.NacksTotal.WithLabelValues("inbound").Inc()
			} else {
				t.metrics.ChunksTotal.WithLabelValues("inbound", "control").Inc()
			}
			if !t.strategy.HandleControl(t, c.Flags, c.Prefix, c.Body, sender) {
				t.metrics.FramesDropped.WithLabelValues("unhandled_control").Inc()
			}
			continue
		}

		t.metrics.ChunksTotal.WithLabelValues("inbound", "data").Inc()
		select {
		case t.dataCh <- inFrame{sender: sender, c: c}:
		case <-t.closed:
			return
		default:
			t.log.Warn("dispatch queue full, dropping chunk",
				"sender", sender, "prefix", c.Prefix)
			t.metrics.FramesDropped.WithLabelValues("dispatch_queue_full").Inc()
		}
	}
}

// dispatchLoop feeds data chunks through the reassembler and routes
// completed envelopes.
func (t *Transport) dispatchLoop(ctx context.Context) {
	for {
		var f inFrame
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case f = <-t.dataCh:
		}

		t.noteFirstSeen(f.sender, f.c)
		payload, missing := t.reasm.Add(f.sender, f.c)
		if len(missing) > 0 {
			t.strategy.OnMissing(t, f.sender, f.c.Prefix, int(f.c.Total), missing)
		}
		if payload == nil {
			continue
		}

		env, err := envelope.Decode(payload)
		if err != nil {
			// Wire-level failure: logged, never surfaced to the peer.
			t.log.Warn("reassembled message failed to decode",
				"sender", f.sender, "prefix", f.c.Prefix, "error", err)
			t.metrics.FramesDropped.WithLabelValues("malformed_envelope").Inc()
			continue
		}
		t.observeReassembly(f.sender, f.c)
		t.strategy.OnComplete(t, f.sender, env)
		t.deliver(f.sender, env)
	}
}

func (t *Transport) noteFirstSeen(sender string, c *chunk.Chunk) {
	t.mu.Lock()
	key := sender + "|" + c.Prefix
	if _, ok := t.firstSeen[key]; !ok {
		t.firstSeen[key] = t.nowFn()
	}
	t.mu.Unlock()
}

func (t *Transport) observeReassembly(sender string, c *chunk.Chunk) {
	t.mu.Lock()
	key := sender + "|" + c.Prefix
	first, ok := t.firstSeen[key]
	delete(t.firstSeen, key)
	t.mu.Unlock()
	if ok {
		t.metrics.ReassemblySeconds.Observe(t.nowFn().Sub(first).Seconds())
	}
}

// deliver routes one decoded envelope. Ack envelopes release the outbox
// and stop here; everything else is acknowledged end-to-end and handed to
// the application handler.
func (t *Transport) deliver(sender string, env *envelope.Envelope) {
	t.metrics.MessagesTotal.WithLabelValues("inbound", env.Type).Inc()

	if env.Type == envelope.TypeAck {
		if env.CorrelationID != "" {
			t.AckOutbox(env.CorrelationID)
		}
		return
	}

	// End-to-end acknowledgement: acks are never themselves acked and
	// never spooled.
	ack := envelope.NewAck(uuid.NewString(), env.ID)
	if encoded, err := envelope.Encode(ack); err == nil {
		if err := t.sendPass(ack, encoded, sender); err != nil {
			t.log.Warn("failed to send ack", "correlation_id", env.ID, "error", err)
		}
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler(sender, env)
	} else {
		t.log.Debug("no handler installed, dropping envelope",
			"id", env.ID, "type", env.Type)
	}
}

package bridge

import (
	"sort"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/chunk"
)

// The reliability.Engine surface: these are the mechanics the strategies
// drive. The send and resend methods enqueue onto the single outbound
// queue, so control follow-ups keep their place behind the data chunks that
// triggered them.

// SendControl emits an ACK-flagged control chunk.
func (t *Transport) SendControl(dest, id, op, arg string) {
	frame := chunk.BuildControl(id, op, arg).Encode()
	t.enqueue(outItem{dest: dest, frame: frame, kind: "control"})
}

// SendBareAck emits the minimal acknowledgement chunk.
func (t *Transport) SendBareAck(dest, id string) {
	frame := chunk.BuildBareAck(id).Encode()
	t.enqueue(outItem{dest: dest, frame: frame, kind: "control"})
}

// SendNack emits a NACK bitmap for the given message.
func (t *Transport) SendNack(dest, prefix string, total int, missing []int) {
	frame := chunk.BuildNack(prefix, total, missing).Encode()
	t.enqueue(outItem{dest: dest, frame: frame, kind: "nack"})
	t.metrics.NacksTotal.WithLabelValues("outbound").Inc()
}

// ResendChunks retransmits cached chunks in ascending sequence order,
// paced so a repair burst does not monopolize the air.
func (t *Transport) ResendChunks(dest, prefix string, missing []int) {
	t.mu.Lock()
	cs, ok := t.cache[prefix]
	var frames [][]byte
	if ok {
		sorted := append([]int(nil), missing...)
		sort.Ints(sorted)
		for _, seq := range sorted {
			if frame, have := cs.frames[seq]; have {
				frames = append(frames, frame)
			}
		}
		cs.expiry = t.nowFn().Add(t.reasm.MaxTTL())
	}
	t.mu.Unlock()

	if !ok {
		t.log.Debug("no cached chunks for NACK", "prefix", prefix, "missing", missing)
		return
	}
	t.log.Info("resending chunks", "prefix", prefix, "dest", dest, "missing", missing)
	for _, frame := range frames {
		t.enqueue(outItem{dest: dest, frame: frame, kind: "nack_resend", pace: resendPace})
	}
}

// ResendLastChunk retransmits the highest-sequence cached chunk.
func (t *Transport) ResendLastChunk(dest, prefix string) {
	t.mu.Lock()
	cs, ok := t.cache[prefix]
	var frame []byte
	if ok {
		frame = cs.frames[cs.total]
	}
	t.mu.Unlock()
	if frame != nil {
		t.enqueue(outItem{dest: dest, frame: frame, kind: "data"})
	}
}

// AckOutbox releases a fully delivered message: the durable record, the
// chunk cache, and the progress timer.
func (t *Transport) AckOutbox(id string) {
	if t.spool.Ack(id) {
		t.metrics.SpoolDepth.Set(float64(t.spool.Depth()))
		t.log.Debug("outbox released", "id", id)
	}
	t.dropCache(chunk.Prefix(id))
}

// Missing reports receive state for an inbound message.
func (t *Transport) Missing(sender, prefix string, force bool) ([]int, int, bool) {
	return t.reasm.Missing(sender, prefix, force)
}

// Complete reports whether an inbound message finished reassembly
// recently.
func (t *Transport) Complete(sender, prefix string) bool {
	return t.reasm.Completed(sender, prefix)
}

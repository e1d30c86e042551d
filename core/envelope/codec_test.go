package envelope

import (
	"errors"
	"strings"
	"testing"
)

func asInt64(t *testing.T, v any) int64 {
	t.Helper()
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		t.Fatalf("not a number: %T (%v)", v, v)
		return 0
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := &Envelope{
		ID:       "aaaa-1111",
		Type:     TypeRequest,
		Command:  "test_echo",
		Priority: 5,
		Data: map[string]any{
			"x":         int64(1),
			"entity_id": "drone-7",
			"note":      "hello",
		},
		Meta: map[string]any{"lease_seconds": int64(30)},
	}

	wire, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.ID != env.ID || got.Type != env.Type || got.Command != env.Command {
		t.Errorf("identity fields mangled: %+v", got)
	}
	if got.Priority != 5 {
		t.Errorf("priority = %d, want 5", got.Priority)
	}
	if got.Data["entity_id"] != "drone-7" {
		t.Errorf("entity_id = %v", got.Data["entity_id"])
	}
	if got.Data["note"] != "hello" {
		t.Errorf("note = %v", got.Data["note"])
	}
	if asInt64(t, got.Data["x"]) != 1 {
		t.Errorf("x = %v", got.Data["x"])
	}
	if asInt64(t, got.Meta["lease_seconds"]) != 30 {
		t.Errorf("lease_seconds = %v", got.Meta["lease_seconds"])
	}
}

func TestNewRequestDefaultsPriority(t *testing.T) {
	env := NewRequest("p-1", "test_echo", nil)
	if env.Priority != DefaultPriority {
		t.Errorf("priority = %d, want %d", env.Priority, DefaultPriority)
	}
	// Priority zero is critical, not "unset": it must survive a round trip.
	env.Priority = 0
	wire, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Priority != 0 {
		t.Errorf("priority = %d, want 0", got.Priority)
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	// Random-ish incompressible data so zstd cannot shrink it under the cap.
	blob := make([]byte, 16*1024)
	state := uint32(2463534242)
	for i := range blob {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		blob[i] = byte(state)
	}
	env := &Envelope{
		ID:   "big-1",
		Type: TypeRequest, Command: "create_object",
		Data: map[string]any{"blob": string(blob)},
	}
	if _, err := Encode(env); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestEncodeRejectsInvalidEnvelope(t *testing.T) {
	cases := []*Envelope{
		{Type: TypeRequest, Command: "x"},         // no id
		{ID: "a"},                                 // no type
		{ID: "a", Type: "bogus"},                  // unknown type
		{ID: "a", Type: TypeRequest},              // request without command
	}
	for _, env := range cases {
		if _, err := Encode(env); !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("%+v: err = %v, want ErrMalformedEnvelope", env, err)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not zstd at all")); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("err = %v, want ErrMalformedEnvelope", err)
	}
}

func TestAliasTableRoundTrip(t *testing.T) {
	in := map[string]any{
		"entity_id": "e-1",
		"telemetry": map[string]any{
			"latitude":        1.5,
			"longitude":       -2.5,
			"battery_percent": int64(80),
		},
		"fields": []any{"status", "alias"},
		"custom": "passes through",
	}

	short := ShortenPayload(in).(map[string]any)
	if _, ok := short["e"]; !ok {
		t.Error("entity_id not aliased to e")
	}
	tl, ok := short["tl"].(map[string]any)
	if !ok {
		t.Fatal("telemetry not aliased to tl")
	}
	if _, ok := tl["lat"]; !ok {
		t.Error("latitude not aliased inside nested map")
	}
	if short["custom"] != "passes through" {
		t.Error("unknown key did not pass through")
	}

	back := ExpandPayload(short).(map[string]any)
	if back["entity_id"] != "e-1" {
		t.Errorf("expand lost entity_id: %v", back)
	}
	if _, ok := back["telemetry"].(map[string]any); !ok {
		t.Error("expand lost nested telemetry map")
	}
}

func TestTimestampNormalization(t *testing.T) {
	in := map[string]any{
		"created_at": "2026-01-05T03:29:01.433990+00:00",
		"updated_at": "2026-01-05T03:29:01.9Z",
		"note":       "2026-01-05T03:29:01.433990+00:00", // not a timestamp key
	}
	short := ShortenPayload(in).(map[string]any)
	if short["ca"] != "2026-01-05T03:29:01+00:00" {
		t.Errorf("created_at = %v", short["ca"])
	}
	if short["ua"] != "2026-01-05T03:29:01Z" {
		t.Errorf("updated_at = %v", short["ua"])
	}
	if !strings.Contains(short["n"].(string), ".433990") {
		t.Error("non-timestamp key was normalized")
	}
}

func TestAckEnvelope(t *testing.T) {
	ack := NewAck("ack-1", "req-9")
	wire, err := Encode(ack)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TypeAck || got.CorrelationID != "req-9" {
		t.Errorf("ack mangled: %+v", got)
	}
}

package serial

import (
	"bytes"
	"errors"
	"testing"
)

func TestFletcher16(t *testing.T) {
	// Known vectors for the classic Fletcher-16 over modulo 255.
	cases := []struct {
		in   string
		want uint16
	}{
		{"abcde", 0xC8F0},
		{"abcdef", 0x2057},
		{"abcdefgh", 0x0627},
	}
	for _, c := range cases {
		if got := fletcher16([]byte(c.in)); got != c.want {
			t.Errorf("fletcher16(%q) = %04x, want %04x", c.in, got, c.want)
		}
	}
}

func TestEncodeDecodeFrame(t *testing.T) {
	payload := []byte{0x4d, 0x42, 0x01, 0x00, 1, 2, 3}
	frame, err := encodeFrame("!deadbeef", payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	peer, got, rest, err := decodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if peer != "!deadbeef" || !bytes.Equal(got, payload) || len(rest) != 0 {
		t.Fatalf("peer=%q payload=%v rest=%d", peer, got, len(rest))
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	frame, _ := encodeFrame("!a", []byte("payload"))

	bad := append([]byte(nil), frame...)
	bad[len(bad)-1] ^= 0xFF
	if _, _, _, err := decodeFrame(bad); !errors.Is(err, errChecksumMismatch) {
		t.Errorf("checksum: err = %v", err)
	}

	bad = append([]byte(nil), frame...)
	bad[0] = 0x00
	if _, _, _, err := decodeFrame(bad); !errors.Is(err, errInvalidMagic) {
		t.Errorf("magic: err = %v", err)
	}

	if _, _, _, err := decodeFrame(frame[:3]); !errors.Is(err, errFrameTooShort) {
		t.Errorf("short: err = %v", err)
	}
	if _, _, _, err := decodeFrame(frame[:len(frame)-2]); !errors.Is(err, errIncompleteFrame) {
		t.Errorf("incomplete: err = %v", err)
	}
}

func TestAccumulatorResync(t *testing.T) {
	f1, _ := encodeFrame("!n1", []byte("first"))
	f2, _ := encodeFrame("!n2", []byte("second"))

	var acc accumulator
	// Garbage, then two frames split across pushes.
	acc.push([]byte{0xde, 0xad, 0xbe, 0xef})
	acc.push(f1[:5])
	if _, _, ok := acc.next(); ok {
		t.Fatal("emitted frame from partial data")
	}
	acc.push(f1[5:])
	acc.push(f2)

	peer, payload, ok := acc.next()
	if !ok || peer != "!n1" || string(payload) != "first" {
		t.Fatalf("frame 1: %q %q %v", peer, payload, ok)
	}
	peer, payload, ok = acc.next()
	if !ok || peer != "!n2" || string(payload) != "second" {
		t.Fatalf("frame 2: %q %q %v", peer, payload, ok)
	}
	if _, _, ok := acc.next(); ok {
		t.Fatal("phantom third frame")
	}
}

func TestAccumulatorSkipsCorruptFrame(t *testing.T) {
	f1, _ := encodeFrame("!n1", []byte("broken"))
	f1[6] ^= 0xFF // corrupt the body
	f2, _ := encodeFrame("!n2", []byte("intact"))

	var acc accumulator
	acc.push(f1)
	acc.push(f2)

	peer, payload, ok := acc.next()
	if !ok || peer != "!n2" || string(payload) != "intact" {
		t.Fatalf("resync failed: %q %q %v", peer, payload, ok)
	}
}

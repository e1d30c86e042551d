package sim

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/chunk"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/radio"
)

func TestSendRecv(t *testing.T) {
	bus := NewBus(BusConfig{})
	a := bus.Node("!aaaa")
	b := bus.Node("!bbbb")
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Send(ctx, "!bbbb", []byte("frame")); err != nil {
		t.Fatalf("send: %v", err)
	}
	sender, payload, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if sender != "!aaaa" || !bytes.Equal(payload, []byte("frame")) {
		t.Fatalf("got %q from %q", payload, sender)
	}
}

func TestFrameSizeEnforced(t *testing.T) {
	bus := NewBus(BusConfig{})
	a := bus.Node("!aaaa")
	defer a.Close()

	big := make([]byte, chunk.MaxChunkSize+1)
	err := a.Send(context.Background(), "!bbbb", big)
	if !errors.Is(err, radio.ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestLoss(t *testing.T) {
	rolls := []float64{0.9, 0.1, 0.9} // drop happens when roll < loss
	i := 0
	bus := NewBus(BusConfig{
		Loss: 0.5,
		Rand: func() float64 { v := rolls[i%len(rolls)]; i++; return v },
	})
	a := bus.Node("!aaaa")
	b := bus.Node("!bbbb")
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	for n := 0; n < 3; n++ {
		a.Send(ctx, "!bbbb", []byte{byte(n)})
	}

	recvCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	var got []byte
	for {
		_, payload, err := b.Recv(recvCtx)
		if err != nil {
			break
		}
		got = append(got, payload...)
	}
	if len(got) != 2 {
		t.Fatalf("delivered %d frames, want 2 (one dropped)", len(got))
	}
}

func TestDropFilter(t *testing.T) {
	bus := NewBus(BusConfig{})
	a := bus.Node("!aaaa")
	b := bus.Node("!bbbb")
	defer a.Close()
	defer b.Close()

	dropped := false
	bus.SetDropFilter(func(from, to string, payload []byte) bool {
		if !dropped && payload[0] == 2 {
			dropped = true
			return true
		}
		return false
	})

	ctx := context.Background()
	for n := 1; n <= 3; n++ {
		a.Send(ctx, "!bbbb", []byte{byte(n)})
	}

	recvCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	var got []byte
	for {
		_, payload, err := b.Recv(recvCtx)
		if err != nil {
			break
		}
		got = append(got, payload...)
	}
	if !bytes.Equal(got, []byte{1, 3}) {
		t.Fatalf("delivered %v, want [1 3]", got)
	}
}

func TestPSKOnAir(t *testing.T) {
	bus := NewBus(BusConfig{PSK: "channel-secret"})
	a := bus.Node("!aaaa")
	b := bus.Node("!bbbb")
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Send(ctx, "!bbbb", []byte("sealed frame")); err != nil {
		t.Fatalf("send: %v", err)
	}
	_, payload, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(payload, []byte("sealed frame")) {
		t.Fatal("PSK path corrupted the frame")
	}
}

func TestCloseUnblocksRecv(t *testing.T) {
	bus := NewBus(BusConfig{})
	a := bus.Node("!aaaa")

	done := make(chan error, 1)
	go func() {
		_, _, err := a.Recv(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	a.Close()

	select {
	case err := <-done:
		if !errors.Is(err, radio.ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock on Close")
	}
}

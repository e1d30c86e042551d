package client

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/bridge"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/envelope"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/device/gateway"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/radio/sim"
)

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, command string, data map[string]any) (map[string]any, error) {
	return map[string]any{"command": command, "echo": data}, nil
}

func startPair(t *testing.T, cfg Config) *Client {
	t.Helper()
	bus := sim.NewBus(sim.BusConfig{})
	dir := t.TempDir()

	clientTr, err := bridge.New(bridge.Config{
		SpoolPath: filepath.Join(dir, "client.json"),
	}, bus.Node("!client"))
	if err != nil {
		t.Fatal(err)
	}
	gwTr, err := bridge.New(bridge.Config{
		SpoolPath: filepath.Join(dir, "gateway.json"),
	}, bus.Node("!gateway"))
	if err != nil {
		t.Fatal(err)
	}
	gw := gateway.New(gwTr, echoExecutor{}, gateway.Config{})

	cfg.GatewayNodeID = "!gateway"
	c, err := New(clientTr, cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)
	clientTr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		clientTr.Close()
	})
	return c
}

func TestSendRequestRoundTrip(t *testing.T) {
	c := startPair(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := c.TestEcho(ctx, "ping")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Type != envelope.TypeResponse {
		t.Fatalf("response = %+v", resp)
	}
}

func TestTypedHelperValidation(t *testing.T) {
	c := startPair(t, Config{})
	ctx := context.Background()

	if _, err := c.GetEntity(ctx, ""); err == nil {
		t.Error("empty entity_id accepted")
	}
	if _, err := c.CompleteTask(ctx, "", "done"); err == nil {
		t.Error("empty task_id accepted")
	}
	if _, err := c.UpdateEntity(ctx, "e-1", nil); err == nil {
		t.Error("empty update accepted")
	}
	if _, err := c.TransitionTaskStatus(ctx, "t-1", ""); err == nil {
		t.Error("empty status accepted")
	}
}

func TestTimeoutLeavesSpoolRecord(t *testing.T) {
	// No gateway attached: the request cannot be answered.
	bus := sim.NewBus(sim.BusConfig{})
	dir := t.TempDir()
	clientTr, err := bridge.New(bridge.Config{
		SpoolPath: filepath.Join(dir, "client.json"),
	}, bus.Node("!client"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(clientTr, Config{
		GatewayNodeID:   "!gateway",
		Timeout:         300 * time.Millisecond,
		AbsoluteTimeout: 600 * time.Millisecond,
		Retries:         0,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clientTr.Start(ctx)
	defer clientTr.Close()

	_, err = c.HealthCheck(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	// The timeout surfaces to the caller, but the record stays for
	// background retry.
	if clientTr.SpoolDepth() != 1 {
		t.Fatalf("spool depth = %d, want 1", clientTr.SpoolDepth())
	}
}

func TestConfigValidation(t *testing.T) {
	bus := sim.NewBus(sim.BusConfig{})
	tr, err := bridge.New(bridge.Config{
		SpoolPath: filepath.Join(t.TempDir(), "s.json"),
	}, bus.Node("!client"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(tr, Config{}); err == nil {
		t.Fatal("missing gateway node id accepted")
	}
}

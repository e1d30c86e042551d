package gateway

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/bridge"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/envelope"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/radio/sim"
)

// fakeExecutor counts executions per command.
type fakeExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	reply map[string]any
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		calls: make(map[string]int),
		reply: map[string]any{"status": "ok"},
	}
}

func (f *fakeExecutor) Execute(_ context.Context, command string, data map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[command]++
	return f.reply, nil
}

func (f *fakeExecutor) count(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[command]
}

type harness struct {
	clientTr *bridge.Transport
	gw       *Gateway
	api      *fakeExecutor
	resp     chan *envelope.Envelope
	cancel   context.CancelFunc
}

func startHarness(t *testing.T) *harness {
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

	api := newFakeExecutor()
	gw := New(gwTr, api, Config{})

	resp := make(chan *envelope.Envelope, 16)
	clientTr.SetHandler(func(_ string, env *envelope.Envelope) {
		if env.Type == envelope.TypeResponse || env.Type == envelope.TypeError {
			resp <- env
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)
	clientTr.Start(ctx)

	h := &harness{clientTr: clientTr, gw: gw, api: api, resp: resp, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		clientTr.Close()
	})
	return h
}

func (h *harness) request(t *testing.T, env *envelope.Envelope) *envelope.Envelope {
	t.Helper()
	if err := h.clientTr.Submit(context.Background(), env, "!gateway"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case r := <-h.resp:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("no response")
		return nil
	}
}

func TestRequestExecutesOnce(t *testing.T) {
	h := startHarness(t)

	req := envelope.NewRequest("bbbb-2222", "list_tasks", map[string]any{"limit": int64(5)})
	r1 := h.request(t, req)
	if r1.Type != envelope.TypeResponse || r1.CorrelationID != "bbbb-2222" {
		t.Fatalf("first response = %+v", r1)
	}
	if h.api.count("list_tasks") != 1 {
		t.Fatalf("executions = %d", h.api.count("list_tasks"))
	}

	// Same id again: answered from cache, not re-executed.
	r2 := h.request(t, req.Clone())
	if r2.Type != envelope.TypeResponse || r2.CorrelationID != "bbbb-2222" {
		t.Fatalf("second response = %+v", r2)
	}
	if got := h.api.count("list_tasks"); got != 1 {
		t.Fatalf("duplicate request re-executed: %d calls", got)
	}
}

func TestEchoHandledLocally(t *testing.T) {
	h := startHarness(t)

	req := envelope.NewRequest("echo-1", "test_echo", map[string]any{"x": int64(1)})
	r := h.request(t, req)
	if r.Type != envelope.TypeResponse {
		t.Fatalf("response = %+v", r)
	}
	if len(h.api.calls) != 0 {
		t.Fatal("test_echo reached the API")
	}
}

func TestUnknownCommandReturnsError(t *testing.T) {
	h := startHarness(t)

	req := envelope.NewRequest("bad-1", "summon_dragon", nil)
	r := h.request(t, req)
	if r.Type != envelope.TypeError {
		t.Fatalf("response = %+v", r)
	}
	if _, ok := r.Data["error"]; !ok {
		t.Fatalf("error data = %v", r.Data)
	}
}

func TestDivergentPayloadRejected(t *testing.T) {
	h := startHarness(t)

	req := envelope.NewRequest("cccc-3333", "list_tasks", map[string]any{"limit": int64(5)})
	h.request(t, req)

	// Same id, different data: no execution, no response.
	bad := req.Clone()
	bad.Data = map[string]any{"limit": int64(99)}
	if err := h.clientTr.Submit(context.Background(), bad, "!gateway"); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-h.resp:
		t.Fatalf("conflicting request got a response: %+v", r)
	case <-time.After(2 * time.Second):
	}
	if h.api.count("list_tasks") != 1 {
		t.Fatal("conflicting request was executed")
	}
}

func TestNonRequestEnvelopesIgnored(t *testing.T) {
	h := startHarness(t)

	stray := &envelope.Envelope{
		ID:            "stray-1",
		Type:          envelope.TypeResponse,
		Priority:      envelope.DefaultPriority,
		CorrelationID: "nothing",
	}
	if err := h.clientTr.Submit(context.Background(), stray, "!gateway"); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-h.resp:
		t.Fatalf("stray envelope produced: %+v", r)
	case <-time.After(2 * time.Second):
	}
}

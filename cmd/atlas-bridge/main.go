// Command atlas-bridge runs the Atlas mesh bridge in gateway or client
// mode over a serial, MQTT, or simulated radio.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/atlas"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/bridge"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/config"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/envelope"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/device/client"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/device/gateway"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/observe"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/radio"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/radio/mqtt"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/radio/serial"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/radio/sim"
)

// Exit codes.
const (
	exitOK        = 0
	exitConfig    = 2
	exitTransport = 3
	exitTimeout   = 4
	exitOversize  = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := ParseFlags(args)
	if err != nil {
		return exitConfig
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	opts.Apply(cfg)
	if cfg.API.Token == "" {
		cfg.API.Token = os.Getenv("ATLAS_API_TOKEN")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	log, flush := observe.SetupLogger(cfg.Log)
	defer flush()
	slog.SetDefault(log)

	metrics := observe.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		go func() {
			if err := observe.Serve(ctx, cfg.Metrics.Listen, metrics, nil, log); err != nil {
				log.Warn("observability server failed", "error", err)
			}
		}()
	}

	r, cleanup, err := buildRadio(ctx, cfg, log, metrics)
	if err != nil {
		log.Error("radio setup failed", "error", err)
		return exitTransport
	}
	defer cleanup()

	tr, err := newTransport(cfg, r, log, metrics)
	if err != nil {
		log.Error("transport setup failed", "error", err)
		return exitTransport
	}

	switch cfg.Mode {
	case config.ModeGateway:
		return runGateway(ctx, cfg, tr, log, metrics)
	default:
		return runClient(ctx, cfg, tr, opts, log, metrics)
	}
}

func newTransport(cfg *config.Config, r radio.Radio, log *slog.Logger, metrics *observe.Metrics) (*bridge.Transport, error) {
	return bridge.New(bridge.Config{
		SegmentSize:         cfg.SegmentSize,
		Strategy:            cfg.ReliabilityMethod,
		NackMaxPerSeq:       cfg.NackMaxPerSeq,
		NackInterval:        config.Seconds(cfg.NackInterval),
		ChunkDelayThreshold: cfg.ChunkDelayThreshold,
		ChunkDelay:          config.Seconds(cfg.ChunkDelaySeconds),
		ProgressTimeout:     config.Seconds(cfg.Timeout),
		AbsoluteTimeout:     config.Seconds(cfg.PostResponseTimeout),
		Retries:             cfg.Retries,
		SpoolPath:           cfg.SpoolPath,
		ClearSpool:          cfg.ClearSpool,
		Logger:              log,
		Metrics:             metrics,
		OnDeliveryFailed: func(id string) {
			log.Warn("delivery failed, retries exhausted", "id", id)
		},
	}, r)
}

// buildRadio selects the adapter: simulated bus, serial hardware, or MQTT
// broker. In simulated client mode with an API base URL configured, an
// in-process gateway peer is attached to the same bus so one-shot commands
// have someone to talk to.
func buildRadio(ctx context.Context, cfg *config.Config, log *slog.Logger, metrics *observe.Metrics) (radio.Radio, func(), error) {
	noop := func() {}
	switch {
	case cfg.Radio.Simulate:
		bus := sim.NewBus(sim.BusConfig{PSK: cfg.Radio.PSK})
		r := bus.Node(cfg.NodeID)
		if cfg.Mode == config.ModeClient && cfg.API.BaseURL != "" {
			cleanup, err := startSimGateway(ctx, cfg, bus, log, metrics)
			if err != nil {
				return nil, noop, err
			}
			return r, cleanup, nil
		}
		return r, noop, nil
	case cfg.Radio.MQTTBroker != "":
		r, err := mqtt.Open(mqtt.Config{
			Broker:      cfg.Radio.MQTTBroker,
			Username:    cfg.Radio.MQTTUsername,
			Password:    cfg.Radio.MQTTPassword,
			TopicPrefix: cfg.Radio.MQTTTopicRoot,
			NodeID:      cfg.NodeID,
			PSK:         cfg.Radio.PSK,
			Logger:      log,
		})
		return r, noop, err
	default:
		r, err := serial.Open(serial.Config{
			Port:     cfg.Radio.Port,
			BaudRate: cfg.Radio.Baud,
			NodeID:   cfg.NodeID,
			Logger:   log,
		})
		return r, noop, err
	}
}

// startSimGateway runs a gateway role on the simulated bus so client mode
// works end-to-end without hardware.
func startSimGateway(ctx context.Context, cfg *config.Config, bus *sim.Bus, log *slog.Logger, metrics *observe.Metrics) (func(), error) {
	gwCfg := *cfg
	gwCfg.SpoolPath = cfg.SpoolPath + ".sim-gateway"
	tr, err := newTransport(&gwCfg, bus.Node(cfg.GatewayNodeID), log, metrics)
	if err != nil {
		return nil, err
	}
	api, err := atlas.NewClient(cfg.API.BaseURL, cfg.API.Token)
	if err != nil {
		return nil, err
	}
	gw := gateway.New(tr, api, gateway.Config{
		DedupeTTL: config.Seconds(cfg.DedupeTTLSeconds),
		Logger:    log,
		Metrics:   metrics,
	})
	gwCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gw.Run(gwCtx)
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func runGateway(ctx context.Context, cfg *config.Config, tr *bridge.Transport, log *slog.Logger, metrics *observe.Metrics) int {
	api, err := atlas.NewClient(cfg.API.BaseURL, cfg.API.Token)
	if err != nil {
		log.Error("api client setup failed", "error", err)
		return exitConfig
	}
	gw := gateway.New(tr, api, gateway.Config{
		DedupeTTL: config.Seconds(cfg.DedupeTTLSeconds),
		Logger:    log,
		Metrics:   metrics,
	})
	log.Info("gateway running", "node_id", cfg.NodeID, "api", cfg.API.BaseURL)
	if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("gateway stopped", "error", err)
		return exitTransport
	}
	return exitOK
}

func runClient(ctx context.Context, cfg *config.Config, tr *bridge.Transport, opts Options, log *slog.Logger, metrics *observe.Metrics) int {
	if opts.Command == "" {
		fmt.Fprintln(os.Stderr, "client mode requires --command")
		return exitConfig
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(opts.Data), &data); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --data: %v\n", err)
		return exitConfig
	}

	cl, err := client.New(tr, client.Config{
		GatewayNodeID:     cfg.GatewayNodeID,
		Timeout:           config.Seconds(cfg.Timeout),
		AbsoluteTimeout:   config.Seconds(cfg.PostResponseTimeout),
		PostResponseQuiet: config.Seconds(cfg.PostResponseQuiet),
		Retries:           cfg.Retries,
		Logger:            log,
		Metrics:           metrics,
	})
	if err != nil {
		log.Error("client setup failed", "error", err)
		return exitConfig
	}

	tr.Start(ctx)
	defer tr.Close()

	resp, err := cl.SendRequest(ctx, opts.Command, data)
	if err != nil {
		switch {
		case errors.Is(err, envelope.ErrPayloadTooLarge):
			log.Error("payload too large for the mesh, use the HTTP API", "error", err)
			return exitOversize
		case errors.Is(err, client.ErrTimeout):
			log.Error("request timed out", "error", err)
			cl.Drain(ctx)
			return exitTimeout
		case errors.Is(err, context.Canceled):
			return exitTransport
		default:
			log.Error("request failed", "error", err)
			return exitTransport
		}
	}

	cl.Drain(ctx)

	out, err := json.MarshalIndent(map[string]any{
		"type":           resp.Type,
		"correlation_id": resp.CorrelationID,
		"data":           resp.Data,
	}, "", "  ")
	if err != nil {
		log.Error("encoding response", "error", err)
		return exitTransport
	}
	fmt.Println(string(out))
	if resp.Type == envelope.TypeError {
		return exitTransport
	}
	return exitOK
}

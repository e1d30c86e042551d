package main

import (
	"flag"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/config"
)

// Options holds CLI flags. Flags override the config file.
type Options struct {
	ConfigPath string
	Command    string
	Data       string

	mode          string
	nodeID        string
	gatewayNodeID string
	apiBaseURL    string
	apiToken      string
	simulate      bool
	radioPort     string
	mqttBroker    string
	spoolPath     string
	clearSpool    bool
	timeout       float64
	logLevel      string
	metricsListen string
}

// ParseFlags parses CLI flags from args.
func ParseFlags(args []string) (Options, error) {
	fs := flag.NewFlagSet("atlas-bridge", flag.ContinueOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	fs.StringVar(&opts.mode, "mode", "", "role: gateway or client")
	fs.StringVar(&opts.nodeID, "node-id", "", "this node's mesh identifier")
	fs.StringVar(&opts.gatewayNodeID, "gateway-node-id", "", "gateway node identifier")
	fs.StringVar(&opts.apiBaseURL, "api-base-url", "", "Atlas Command API base URL")
	fs.StringVar(&opts.apiToken, "api-token", "", "API bearer token (default: ATLAS_API_TOKEN)")
	fs.BoolVar(&opts.simulate, "simulate", false, "use the in-memory radio")
	fs.StringVar(&opts.radioPort, "radio-port", "", "serial port for the radio")
	fs.StringVar(&opts.mqttBroker, "mqtt-broker", "", "MQTT broker URL for the broker-backed radio")
	fs.StringVar(&opts.spoolPath, "spool-path", "", "durable outbox file path")
	fs.BoolVar(&opts.clearSpool, "clear-spool", false, "empty the outbox at startup")
	fs.Float64Var(&opts.timeout, "timeout", 0, "client inactivity timeout in seconds")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&opts.metricsListen, "metrics-listen", "", "metrics listen address")
	fs.StringVar(&opts.Command, "command", "", "client mode: command to send")
	fs.StringVar(&opts.Data, "data", "{}", "client mode: JSON request data")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

// Apply folds non-empty flag values over the loaded configuration.
func (o Options) Apply(cfg *config.Config) {
	if o.mode != "" {
		cfg.Mode = o.mode
	}
	if o.nodeID != "" {
		cfg.NodeID = o.nodeID
	}
	if o.gatewayNodeID != "" {
		cfg.GatewayNodeID = o.gatewayNodeID
	}
	if o.apiBaseURL != "" {
		cfg.API.BaseURL = o.apiBaseURL
	}
	if o.apiToken != "" {
		cfg.API.Token = o.apiToken
	}
	if o.simulate {
		cfg.Radio.Simulate = true
	}
	if o.radioPort != "" {
		cfg.Radio.Port = o.radioPort
	}
	if o.mqttBroker != "" {
		cfg.Radio.MQTTBroker = o.mqttBroker
	}
	if o.spoolPath != "" {
		cfg.SpoolPath = o.spoolPath
	}
	if o.clearSpool {
		cfg.ClearSpool = true
	}
	if o.timeout > 0 {
		cfg.Timeout = o.timeout
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.metricsListen != "" {
		cfg.Metrics.Listen = o.metricsListen
	}
}

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/tomaslejdung/peermesh/pkg/mesh"
	"github.com/tomaslejdung/peermesh/pkg/peer"
	"github.com/tomaslejdung/peermesh/pkg/settings"
)

// LocalSignalServer is the URL for local signal server
const LocalSignalServer = "ws://localhost:8080/ws"

// Config holds runtime configuration
type Config struct {
	ServeMode  bool
	Port       int
	ConfigPath string
	Headless   bool
	LogLevel   string
	Help       bool

	// Settings from the config file with flag overrides applied
	Settings settings.NodeSettings
}

// parseFlags parses args and merges them over the settings file. Only
// flags given on the command line override the file.
func parseFlags(args []string) (Config, error) {
	config := Config{}
	var (
		localMode  bool
		signalURL  string
		peers      string
		identity   string
		position   string
		rng        float64
		turnServer string
		turnUser   string
		turnPass   string
		forceRelay bool
	)

	flagSet := pflag.NewFlagSet("peermesh", pflag.ContinueOnError)
	flagSet.Usage = printHelp

	flagSet.BoolVarP(&config.ServeMode, "serve", "s", false, "Run as signal server only")
	flagSet.IntVarP(&config.Port, "port", "p", 8080, "Signal server port")
	flagSet.StringVar(&config.ConfigPath, "config", "", "Settings file (default: user config dir)")
	flagSet.BoolVar(&config.Headless, "headless", false, "Log mesh events instead of running the TUI")
	flagSet.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	flagSet.BoolVarP(&config.Help, "help", "h", false, "Show help")

	flagSet.StringVar(&signalURL, "signal", "", "Custom signal server URL (overrides settings)")
	flagSet.BoolVar(&localMode, "local", false, "Use local signal server ("+LocalSignalServer+")")
	flagSet.StringVar(&peers, "peers", "", "Comma-separated bootstrap peer addresses (server-url/peer-id)")
	flagSet.StringVar(&identity, "identity", "", "Identity presented to signal servers")
	flagSet.StringVar(&position, "position", "", "Node position as x,y,z")
	flagSet.Float64Var(&rng, "range", mesh.DefaultRange, "Discovery range")

	// TURN server flags
	flagSet.StringVar(&turnServer, "turn", "", "TURN server URL (e.g., turn:turn.example.com:3478)")
	flagSet.StringVar(&turnUser, "turn-user", "", "TURN server username")
	flagSet.StringVar(&turnPass, "turn-pass", "", "TURN server password")
	flagSet.BoolVar(&forceRelay, "force-relay", false, "Force TURN relay (disable direct P2P)")

	if err := flagSet.Parse(args); err != nil {
		return config, err
	}
	if config.Help || config.ServeMode {
		return config, nil
	}

	if config.ConfigPath == "" {
		path, err := settings.DefaultPath()
		if err != nil {
			return config, fmt.Errorf("locate settings: %w", err)
		}
		config.ConfigPath = path
	}
	s, err := settings.Load(config.ConfigPath)
	if err != nil {
		return config, fmt.Errorf("load settings %s: %w", config.ConfigPath, err)
	}

	// --local sets the signal server to the local one, --signal wins over both
	if localMode {
		s.SignalServer = LocalSignalServer
	}
	if flagSet.Changed("signal") {
		s.SignalServer = signalURL
	}
	if flagSet.Changed("peers") {
		s.Peers = []string{peers}
	}
	if flagSet.Changed("identity") {
		s.Identity = identity
	}
	if flagSet.Changed("position") {
		p, err := parsePosition(position)
		if err != nil {
			return config, err
		}
		s.Position = p
	}
	if flagSet.Changed("range") {
		if rng < 0 {
			return config, fmt.Errorf("invalid range %g: must not be negative", rng)
		}
		s.Range = rng
	}
	if flagSet.Changed("turn") {
		s.TURN.Server = turnServer
	}
	if flagSet.Changed("turn-user") {
		s.TURN.Username = turnUser
	}
	if flagSet.Changed("turn-pass") {
		s.TURN.Password = turnPass
	}
	if flagSet.Changed("force-relay") {
		s.TURN.ForceRelay = forceRelay
	}

	config.Settings = s
	return config, nil
}

// parsePosition parses "x,y,z". Missing trailing coordinates are zero.
func parsePosition(s string) (peer.Position, error) {
	var coords [3]float64
	parts := strings.Split(s, ",")
	if len(parts) > len(coords) {
		return peer.Position{}, fmt.Errorf("invalid position %q: want x,y,z", s)
	}
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return peer.Position{}, fmt.Errorf("invalid position %q: %w", s, err)
		}
		coords[i] = v
	}
	return peer.Position{X: coords[0], Y: coords[1], Z: coords[2]}, nil
}

// MeshConfig returns the adapter configuration for the settings.
func (c Config) MeshConfig() (mesh.Config, error) {
	bootstrap, err := c.Settings.BootstrapPeers()
	if err != nil {
		return mesh.Config{}, fmt.Errorf("bootstrap peers: %w", err)
	}
	return mesh.Config{
		SignalServerURL: c.Settings.SignalServer,
		BootstrapPeers:  bootstrap,
		Credentials:     c.Settings.Credentials(),
		Position:        c.Settings.Position,
		Range:           c.Settings.Range,
		Reconnect:       c.Settings.ReconnectPolicy(),
	}, nil
}

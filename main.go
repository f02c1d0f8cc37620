package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/tomaslejdung/peermesh/pkg/peer"
	sig "github.com/tomaslejdung/peermesh/pkg/signal"
)

// Note: TUI mode uses RunTUI() from tui.go

func printHelp() {
	fmt.Println(`peermesh - Self-organizing P2P mesh over WebRTC data channels

Usage: peermesh [options]

A node joins a signal server, connects to its bootstrap peers, and then
discovers every peer within range through the peers it is linked to.
Settings are read from the config file and overridden by flags.

Options:
  --config <path>        Settings file (default: ~/.config/peermesh/config.yaml)
  --local                Use local signal server (` + LocalSignalServer + `)
  --signal <url>         Custom signal server URL (overrides settings)
  --peers <list>         Bootstrap peers, comma-separated server-url/peer-id
  --identity <name>      Identity presented to signal servers
  --position <x,y,z>     Node position
  --range <r>            Discovery range (default: 100)
  --headless             Log mesh events instead of running the TUI
  --log-level <level>    debug, info, warn, error (default: info)
  --serve, -s            Run as signal server only
  --port, -p <port>      Signal server port (default: 8080)
  --help, -h             Show help

Network Options:
  --turn <url>           TURN server URL (e.g., turn:turn.example.com:3478)
  --turn-user <user>     TURN server username
  --turn-pass <pass>     TURN server password
  --force-relay          Force TURN relay (disable direct P2P connections)

Examples:
  peermesh --serve                                   # Run local signal server
  peermesh --local                                   # Join the local signal server
  peermesh --local --peers ws://localhost:8080/ws/<id> --position 10,0,0

TUI Controls:
  ↑/↓ or j/k    Select peer
  Enter         Connect to selected peer
  c             Close link to selected peer
  b             Broadcast a ping
  q             Quit`)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	config, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if config.Help {
		printHelp()
		return nil
	}

	// Server-only mode
	if config.ServeMode {
		if err := setupLogging(config.LogLevel, ""); err != nil {
			return err
		}
		return runSignalServer(config.Port)
	}

	if config.Headless {
		if err := setupLogging(config.LogLevel, ""); err != nil {
			return err
		}
		return runHeadless(config)
	}

	return RunTUI(config)
}

func runSignalServer(port int) error {
	gin.SetMode(gin.ReleaseMode)
	server := sig.NewServer()
	addr := fmt.Sprintf(":%d", port)
	log.Infof("Signal server listening on %s (websocket at /ws)", addr)
	return server.StartServer(addr)
}

// runHeadless runs a node that logs its mesh events until interrupted.
func runHeadless(config Config) error {
	node, err := newNode(config)
	if err != nil {
		return err
	}
	defer node.Disconnect()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := make(chan error, 1)
	node.SetServerConnectListeners(func(self peer.Address) {
		log.Infof("Joined mesh as %s", self)
	}, func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	node.SetDataChannelListeners(func(addr peer.Address) {
		log.Infof("Link to %s open", addr)
	}, func(addr peer.Address) {
		log.Infof("Link to %s closed", addr)
	}, func(from peer.Address, dataType string, data json.RawMessage) {
		log.Infof("%s from %s: %s", dataType, from, describeData(dataType, data))
		if dataType == dataTypePing {
			answerPing(node, from, data)
		}
	})
	node.SetPeersChangedListener(func(changed []peer.Data) {
		for _, p := range changed {
			log.Infof("Peer %s is %s at %s", p.URL, p.Status, p.Position)
		}
	})

	watchSettings(ctx, config.ConfigPath, node, nil)

	if err := node.Connect(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
		return nil
	case err := <-failed:
		return fmt.Errorf("connect to %s: %w", config.Settings.SignalServer, err)
	}
}

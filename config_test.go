package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tomaslejdung/peermesh/pkg/peer"
	"github.com/tomaslejdung/peermesh/pkg/settings"
)

func TestParsePosition(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    peer.Position
		wantErr bool
	}{
		{"full", "1,2,3", peer.Position{X: 1, Y: 2, Z: 3}, false},
		{"spaces", " 1.5 , -2 ,0", peer.Position{X: 1.5, Y: -2}, false},
		{"partial", "4", peer.Position{X: 4}, false},
		{"too many", "1,2,3,4", peer.Position{}, true},
		{"not a number", "1,x,3", peer.Position{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePosition(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePosition(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parsePosition(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseFlagsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	config, err := parseFlags([]string{"--config", path})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	want := settings.DefaultSettings()
	if config.Settings.SignalServer != want.SignalServer {
		t.Errorf("SignalServer = %q, want %q", config.Settings.SignalServer, want.SignalServer)
	}
	if config.Settings.Range != want.Range {
		t.Errorf("Range = %g, want %g", config.Settings.Range, want.Range)
	}
	if config.Port != 8080 || config.ServeMode || config.Headless {
		t.Errorf("unexpected mode flags: %+v", config)
	}
	if config.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", config.LogLevel)
	}
}

func TestParseFlagsOverrideSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	file := settings.DefaultSettings()
	file.SignalServer = "ws://file:9000/ws"
	file.Range = 25
	file.Identity = "from-file"
	file.Position = peer.Position{X: 9}
	if err := settings.Save(path, file); err != nil {
		t.Fatalf("Save: %v", err)
	}

	t.Run("file only", func(t *testing.T) {
		config, err := parseFlags([]string{"--config", path})
		if err != nil {
			t.Fatalf("parseFlags: %v", err)
		}
		if config.Settings.SignalServer != file.SignalServer || config.Settings.Range != 25 {
			t.Errorf("settings file not applied: %+v", config.Settings)
		}
		if config.Settings.Position != file.Position {
			t.Errorf("Position = %v, want %v", config.Settings.Position, file.Position)
		}
	})

	t.Run("flags win", func(t *testing.T) {
		config, err := parseFlags([]string{
			"--config", path,
			"--signal", "ws://flag:1/ws",
			"--range", "7",
			"--identity", "from-flag",
			"--position", "1,2,3",
			"--peers", "ws://a/ws/p1,ws://b/ws/p2",
			"--turn", "turn:relay.example.com:3478",
			"--force-relay",
		})
		if err != nil {
			t.Fatalf("parseFlags: %v", err)
		}
		s := config.Settings
		if s.SignalServer != "ws://flag:1/ws" {
			t.Errorf("SignalServer = %q", s.SignalServer)
		}
		if s.Range != 7 || s.Identity != "from-flag" {
			t.Errorf("Range/Identity = %g/%q", s.Range, s.Identity)
		}
		if s.Position != (peer.Position{X: 1, Y: 2, Z: 3}) {
			t.Errorf("Position = %v", s.Position)
		}
		if s.TURN.Server != "turn:relay.example.com:3478" || !s.TURN.ForceRelay {
			t.Errorf("TURN = %+v", s.TURN)
		}

		meshConfig, err := config.MeshConfig()
		if err != nil {
			t.Fatalf("MeshConfig: %v", err)
		}
		want := []peer.Address{
			peer.NewAddress("ws://a/ws", "p1"),
			peer.NewAddress("ws://b/ws", "p2"),
		}
		if len(meshConfig.BootstrapPeers) != len(want) {
			t.Fatalf("BootstrapPeers = %v, want %v", meshConfig.BootstrapPeers, want)
		}
		for i := range want {
			if meshConfig.BootstrapPeers[i] != want[i] {
				t.Errorf("BootstrapPeers[%d] = %v, want %v", i, meshConfig.BootstrapPeers[i], want[i])
			}
		}
		if meshConfig.Credentials.Email != "from-flag" || meshConfig.Credentials.Secret == "" {
			t.Errorf("Credentials = %+v", meshConfig.Credentials)
		}
	})

	t.Run("local", func(t *testing.T) {
		config, err := parseFlags([]string{"--config", path, "--local"})
		if err != nil {
			t.Fatalf("parseFlags: %v", err)
		}
		if config.Settings.SignalServer != LocalSignalServer {
			t.Errorf("SignalServer = %q, want %q", config.Settings.SignalServer, LocalSignalServer)
		}
	})
}

func TestParseFlagsRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	for _, args := range [][]string{
		{"--config", path, "--range", "-1"},
		{"--config", path, "--position", "a,b"},
		{"--config", path, "--no-such-flag"},
	} {
		if _, err := parseFlags(args); err == nil {
			t.Errorf("parseFlags(%v) succeeded, want error", args)
		}
	}
}

func TestParseFlagsServeSkipsSettings(t *testing.T) {
	// An unreadable settings path must not matter to the relay
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.Mkdir(path, 0755); err != nil {
		t.Fatal(err)
	}
	config, err := parseFlags([]string{"--serve", "-p", "9090", "--config", path})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if !config.ServeMode || config.Port != 9090 {
		t.Errorf("ServeMode/Port = %v/%d", config.ServeMode, config.Port)
	}
}

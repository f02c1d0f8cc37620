package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tomaslejdung/peermesh/pkg/peer"
	"github.com/tomaslejdung/peermesh/pkg/rtc"
	"github.com/tomaslejdung/peermesh/pkg/signal"
)

// Duration is a time.Duration written as "10s" in settings files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ReconnectSettings configures how a dropped signaling server is retried.
// A zero Delay disables reconnecting; MaxAttempts 0 retries forever.
type ReconnectSettings struct {
	Delay       Duration `json:"delay" yaml:"delay"`
	MaxDelay    Duration `json:"maxDelay,omitempty" yaml:"maxDelay,omitempty"`
	Multiplier  float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	MaxAttempts int      `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
}

// TURNSettings holds the optional relay server for peer connections.
type TURNSettings struct {
	Server     string `json:"server,omitempty" yaml:"server,omitempty"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	ForceRelay bool   `json:"forceRelay,omitempty" yaml:"forceRelay,omitempty"`
}

// NodeSettings holds the persistable configuration of a mesh node
type NodeSettings struct {
	SignalServer string            `json:"signalServer" yaml:"signalServer"`
	Peers        []string          `json:"peers,omitempty" yaml:"peers,omitempty"`
	Identity     string            `json:"identity,omitempty" yaml:"identity,omitempty"`
	Secret       string            `json:"secret,omitempty" yaml:"secret,omitempty"`
	Position     peer.Position     `json:"position" yaml:"position"`
	Range        float64           `json:"range" yaml:"range"`
	Reconnect    ReconnectSettings `json:"reconnect" yaml:"reconnect"`
	TURN         TURNSettings      `json:"turn" yaml:"turn"`
}

// DefaultSettings returns the default settings
func DefaultSettings() NodeSettings {
	policy := signal.DefaultReconnectPolicy()
	return NodeSettings{
		SignalServer: "ws://localhost:8080/ws",
		Range:        100,
		Reconnect: ReconnectSettings{
			Delay:       Duration(policy.Delay),
			MaxDelay:    Duration(policy.MaxDelay),
			Multiplier:  policy.Multiplier,
			MaxAttempts: policy.MaxAttempts,
		},
	}
}

// BootstrapPeers parses the configured peer addresses.
func (s NodeSettings) BootstrapPeers() ([]peer.Address, error) {
	addrs := make([]peer.Address, 0, len(s.Peers))
	for _, raw := range s.Peers {
		list, err := peer.ParseAddressList(raw)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, list...)
	}
	return addrs, nil
}

// Credentials returns the configured identity and secret, generating
// whichever is missing.
func (s NodeSettings) Credentials() signal.Credentials {
	creds := signal.Credentials{Email: s.Identity, Secret: s.Secret}
	if creds.Email == "" {
		creds.Email = signal.GenerateIdentity()
	}
	if creds.Secret == "" {
		creds.Secret = signal.GenerateSecret()
	}
	return creds
}

// ReconnectPolicy converts the reconnect settings.
func (s NodeSettings) ReconnectPolicy() signal.ReconnectPolicy {
	return signal.ReconnectPolicy{
		Delay:       time.Duration(s.Reconnect.Delay),
		MaxDelay:    time.Duration(s.Reconnect.MaxDelay),
		Multiplier:  s.Reconnect.Multiplier,
		MaxAttempts: s.Reconnect.MaxAttempts,
	}
}

// ICEConfig converts the TURN settings.
func (s NodeSettings) ICEConfig() rtc.ICEConfig {
	return rtc.ICEConfig{
		TURNServer: s.TURN.Server,
		TURNUser:   s.TURN.Username,
		TURNPass:   s.TURN.Password,
		ForceRelay: s.TURN.ForceRelay,
	}
}

// DefaultPath returns the config file path.
// Uses XDG_CONFIG_HOME if set, otherwise the platform config directory.
func DefaultPath() (string, error) {
	var configDir string

	// Check for XDG override (for power users)
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "peermesh")
	} else {
		userConfigDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(userConfigDir, "peermesh")
	}

	return filepath.Join(configDir, "config.yaml"), nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func decode(path string, data []byte, s *NodeSettings) error {
	if isJSON(path) {
		return json.Unmarshal(data, s)
	}
	return yaml.Unmarshal(data, s)
}

func encode(path string, s NodeSettings) ([]byte, error) {
	if isJSON(path) {
		// Marshal with indentation for readability
		return json.MarshalIndent(s, "", "  ")
	}
	return yaml.Marshal(s)
}

// Load reads settings from path. YAML is assumed unless the file ends in
// .json. Returns default settings if the file doesn't exist or is invalid.
func Load(path string) (NodeSettings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist - use defaults, not an error
			return settings, nil
		}
		return settings, err
	}

	// Parse, keeping defaults for missing fields
	if err := decode(path, data, &settings); err != nil {
		// Invalid file - use defaults
		return DefaultSettings(), nil
	}

	validate(&settings)
	return settings, nil
}

// validate replaces values a node cannot run with.
func validate(s *NodeSettings) {
	defaults := DefaultSettings()
	if strings.TrimSpace(s.SignalServer) == "" {
		s.SignalServer = defaults.SignalServer
	}
	if s.Range < 0 {
		s.Range = defaults.Range
	}
	if s.Reconnect.Delay < 0 {
		s.Reconnect.Delay = defaults.Reconnect.Delay
	}
}

// Save writes settings to path
func Save(path string, settings NodeSettings) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := encode(path, settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/tomaslejdung/peermesh/pkg/mesh"
	"github.com/tomaslejdung/peermesh/pkg/peer"
	"github.com/tomaslejdung/peermesh/pkg/rtc"
	"github.com/tomaslejdung/peermesh/pkg/settings"
)

var log = logging.Logger("peermesh")

// Application data types exchanged over open links
const (
	dataTypePing = "PING"
	dataTypePong = "PONG"
)

type pingMessage struct {
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// setupLogging routes every logger to file, or to stderr when file is
// empty.
func setupLogging(level, file string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := logging.Config{
		Format: logging.PlaintextOutput,
		Level:  lvl,
		Stderr: file == "",
		File:   file,
	}
	if file == "" {
		cfg.Format = logging.ColorizedOutput
	}
	logging.SetupLogging(cfg)
	return nil
}

// newNode creates the mesh adapter for config on a pion engine.
func newNode(config Config) (*mesh.Adapter, error) {
	meshConfig, err := config.MeshConfig()
	if err != nil {
		return nil, err
	}
	engine := rtc.NewPionEngine(config.Settings.ICEConfig())
	return mesh.New(engine, meshConfig), nil
}

// watchSettings applies position and range edits of the settings file to
// node until ctx is done. onReload, if set, sees every reloaded file.
func watchSettings(ctx context.Context, path string, node *mesh.Adapter, onReload func(settings.NodeSettings)) {
	current, _ := settings.Load(path)
	err := settings.Watch(ctx, path, func(s settings.NodeSettings) {
		if s.Position != current.Position {
			log.Infof("Position changed to %s", s.Position)
			node.SetPosition(s.Position)
		}
		if s.Range != current.Range {
			log.Infof("Range changed to %g", s.Range)
			node.SetRange(s.Range)
		}
		current = s
		if onReload != nil {
			onReload(s)
		}
	}, func(err error) {
		log.Warnf("Settings watch error: %v", err)
	})
	if err != nil {
		log.Warnf("Not watching %s: %v", path, err)
	}
}

// newPing returns the payload of a ping broadcast.
func newPing(self peer.Address) pingMessage {
	return pingMessage{Text: "ping from " + self.String(), SentAt: time.Now()}
}

// answerPing replies to a PING from addr with a PONG carrying its text.
func answerPing(node *mesh.Adapter, from peer.Address, data json.RawMessage) {
	var ping pingMessage
	if err := json.Unmarshal(data, &ping); err != nil {
		log.Debugf("Ignoring malformed ping from %s: %v", from, err)
		return
	}
	pong := pingMessage{Text: ping.Text, SentAt: time.Now()}
	if err := node.SendData(from, dataTypePong, pong); err != nil {
		log.Warnf("Pong to %s failed: %v", from, err)
	}
}

// describeData renders an application message for display.
func describeData(dataType string, data json.RawMessage) string {
	switch dataType {
	case dataTypePing, dataTypePong:
		var msg pingMessage
		if err := json.Unmarshal(data, &msg); err == nil {
			return msg.Text
		}
	}
	return string(data)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/tomaslejdung/peermesh/pkg/mesh"
	"github.com/tomaslejdung/peermesh/pkg/peer"
	"github.com/tomaslejdung/peermesh/pkg/settings"
)

// maxMessages is how many received messages the TUI keeps
const maxMessages = 50

// connectedMsg indicates the node joined its signal server
type connectedMsg struct {
	self peer.Address
}

// connectFailedMsg indicates the signal server handshake failed
type connectFailedMsg struct {
	err error
}

// occupantsMsg carries the link table after a link opened or closed
type occupantsMsg map[peer.Address]bool

type linkOpenedMsg peer.Address

type linkClosedMsg peer.Address

// dataMsg is an application message received over a link
type dataMsg struct {
	from     peer.Address
	dataType string
	data     json.RawMessage
	at       time.Time
}

// peersChangedMsg carries presence changes learned from gossip
type peersChangedMsg []peer.Data

// settingsReloadedMsg indicates the settings file was edited
type settingsReloadedMsg settings.NodeSettings

type errMsg struct {
	err error
}

type tickMsg time.Time

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	urlStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	peerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	// Keybind styles
	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14")) // Cyan for keys

	keySepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Dim separator

	// Box styles for columns
	activeBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)

	inactiveBoxStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("8")).
				Padding(0, 1)

	boxTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	boxTitleDimStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("8"))
)

// chatLine is one received message
type chatLine struct {
	from     peer.Address
	dataType string
	text     string
	at       time.Time
}

type model struct {
	config Config
	node   *mesh.Adapter
	keys   keyMap

	// Mesh state, fed by adapter listeners
	self      peer.Address
	joined    bool
	occupants map[peer.Address]bool
	peers     map[peer.Address]peer.Data
	position  peer.Position
	rng       float64

	// Links column
	cursor int

	messages  []chatLine
	status    string
	lastError string

	// Terminal dimensions
	width  int
	height int
}

func initialModel(config Config, node *mesh.Adapter) model {
	return model{
		config:    config,
		node:      node,
		keys:      defaultKeyMap,
		occupants: make(map[peer.Address]bool),
		peers:     make(map[peer.Address]peer.Data),
		position:  config.Settings.Position,
		rng:       config.Settings.Range,
		status:    "Connecting to " + config.Settings.SignalServer,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.connect,
		tickCmd(),
		tea.SetWindowTitle("peermesh"),
	)
}

func (m model) connect() tea.Msg {
	if err := m.node.Connect(); err != nil {
		return errMsg{err: err}
	}
	return nil
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		// Keeps relative message times current
		return m, tickCmd()

	case connectedMsg:
		m.self = msg.self
		m.joined = true
		m.lastError = ""
		m.status = "Joined mesh"
		return m, nil

	case connectFailedMsg:
		m.joined = false
		m.lastError = msg.err.Error()
		m.status = "Not connected"
		return m, nil

	case occupantsMsg:
		m.occupants = map[peer.Address]bool(msg)
		m.clampCursor()
		return m, nil

	case linkOpenedMsg:
		m.status = "Link to " + peer.Address(msg).String() + " open"
		return m, nil

	case linkClosedMsg:
		m.status = "Link to " + peer.Address(msg).String() + " closed"
		return m, nil

	case peersChangedMsg:
		for _, p := range msg {
			m.peers[p.URL] = p
		}
		return m, nil

	case dataMsg:
		m.messages = append(m.messages, chatLine{
			from:     msg.from,
			dataType: msg.dataType,
			text:     describeData(msg.dataType, msg.data),
			at:       msg.at,
		})
		if len(m.messages) > maxMessages {
			m.messages = m.messages[len(m.messages)-maxMessages:]
		}
		if msg.dataType == dataTypePing {
			node, from, data := m.node, msg.from, msg.data
			return m, func() tea.Msg {
				answerPing(node, from, data)
				return nil
			}
		}
		return m, nil

	case settingsReloadedMsg:
		m.position = msg.Position
		m.rng = msg.Range
		m.status = "Settings reloaded"
		return m, nil

	case errMsg:
		m.lastError = msg.err.Error()
		return m, nil
	}

	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		// The node is disconnected after the program exits
		return m, tea.Quit

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.occupants)-1 {
			m.cursor++
		}

	case key.Matches(msg, m.keys.Connect):
		addr, ok := m.selected()
		if !ok {
			return m, nil
		}
		if m.node.GetConnectStatus(addr) == mesh.StatusConnected {
			m.status = "Already linked to " + addr.String()
			return m, nil
		}
		m.node.StartStreamConnection(addr)
		m.status = "Connecting to " + addr.String()

	case key.Matches(msg, m.keys.Close):
		addr, ok := m.selected()
		if !ok {
			return m, nil
		}
		m.node.CloseStreamConnection(addr)
		m.status = "Closing link to " + addr.String()

	case key.Matches(msg, m.keys.Broadcast):
		if !m.joined {
			m.lastError = "not connected"
			return m, nil
		}
		if err := m.node.BroadcastData(dataTypePing, newPing(m.self)); err != nil {
			m.lastError = err.Error()
			return m, nil
		}
		m.status = fmt.Sprintf("Ping sent to %d peers", m.openLinks())
	}

	return m, nil
}

// links returns the link table addresses in display order.
func (m model) links() []peer.Address {
	addrs := make([]peer.Address, 0, len(m.occupants))
	for addr := range m.occupants {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].String() < addrs[j].String()
	})
	return addrs
}

func (m model) selected() (peer.Address, bool) {
	addrs := m.links()
	if m.cursor < 0 || m.cursor >= len(addrs) {
		return peer.Address{}, false
	}
	return addrs[m.cursor], true
}

func (m *model) clampCursor() {
	if m.cursor >= len(m.occupants) {
		m.cursor = len(m.occupants) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m model) openLinks() int {
	n := 0
	for _, open := range m.occupants {
		if open {
			n++
		}
	}
	return n
}

func (m model) View() string {
	var b strings.Builder

	// Title
	b.WriteString(titleStyle.Render("peermesh"))
	b.WriteString(dimStyle.Render(" - P2P Mesh"))
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n\n")

	b.WriteString(m.renderColumns())
	b.WriteString("\n")
	b.WriteString(m.renderMessages())

	// Error message
	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.lastError))
		b.WriteString("\n")
	}

	// Help
	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return b.String()
}

func (m model) renderStatus() string {
	var b strings.Builder

	if m.joined {
		b.WriteString(selectedStyle.Render("[CONNECTED]"))
		b.WriteString(" ")
		b.WriteString(urlStyle.Render(m.self.String()))
	} else {
		b.WriteString(errorStyle.Render("[OFFLINE]"))
		b.WriteString(" ")
		b.WriteString(dimStyle.Render(m.config.Settings.SignalServer))
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("position %s  range %g", m.position, m.rng)))
	if m.status != "" {
		b.WriteString("  ")
		b.WriteString(statusStyle.Render(m.status))
	}

	return b.String()
}

func (m model) renderColumns() string {
	linksBox := activeBoxStyle.Width(52).Render(
		boxTitleStyle.Render(" Links ") + "\n" + m.renderLinkList(),
	)
	peersBox := inactiveBoxStyle.Width(44).Render(
		boxTitleDimStyle.Render(" Nearby ") + "\n" + m.renderPeerList(),
	)
	return lipgloss.JoinHorizontal(lipgloss.Top, linksBox, " ", peersBox)
}

func (m model) renderLinkList() string {
	var content strings.Builder

	addrs := m.links()
	content.WriteString(dimStyle.Render(fmt.Sprintf("(%d open)", m.openLinks())))
	content.WriteString("\n")

	if len(addrs) == 0 {
		content.WriteString(dimStyle.Render("Waiting for peers..."))
		return content.String()
	}

	for i, addr := range addrs {
		cursor := "  "
		if i == m.cursor {
			cursor = "> "
		}
		line := cursor + truncate(addr.String(), 46)
		switch {
		case i == m.cursor:
			content.WriteString(selectedStyle.Render(line))
		case m.occupants[addr]:
			content.WriteString(normalStyle.Render(line))
		default:
			content.WriteString(dimStyle.Render(line + " [closed]"))
		}
		content.WriteString("\n")
	}

	return strings.TrimSuffix(content.String(), "\n")
}

func (m model) renderPeerList() string {
	var content strings.Builder

	available := make([]peer.Data, 0, len(m.peers))
	for _, p := range m.peers {
		if p.Status == peer.StatusAvailable {
			available = append(available, p)
		}
	}
	sort.Slice(available, func(i, j int) bool {
		return available[i].URL.String() < available[j].URL.String()
	})

	content.WriteString(dimStyle.Render(fmt.Sprintf("(%d in range)", len(available))))
	content.WriteString("\n")

	if len(available) == 0 {
		content.WriteString(dimStyle.Render("None"))
		return content.String()
	}

	for _, p := range available {
		content.WriteString(peerStyle.Render(truncate(p.URL.PeerID, 20)))
		content.WriteString(dimStyle.Render(" " + p.Position.String()))
		content.WriteString("\n")
	}

	return strings.TrimSuffix(content.String(), "\n")
}

func (m model) renderMessages() string {
	var content strings.Builder

	if len(m.messages) == 0 {
		content.WriteString(dimStyle.Render("No messages yet"))
	}

	// Newest last, only as many as fit
	lines := m.messages
	if limit := m.messageRows(); len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	for _, line := range lines {
		content.WriteString(dimStyle.Render(humanize.Time(line.at)))
		content.WriteString(" ")
		content.WriteString(peerStyle.Render(truncate(line.from.PeerID, 12)))
		content.WriteString(" ")
		content.WriteString(keyStyle.Render(line.dataType))
		content.WriteString(" ")
		content.WriteString(normalStyle.Render(truncate(line.text, 60)))
		content.WriteString("\n")
	}

	return inactiveBoxStyle.Width(98).Render(
		boxTitleDimStyle.Render(" Messages ") + "\n" + strings.TrimSuffix(content.String(), "\n"),
	)
}

// messageRows is the number of messages shown for the terminal height.
func (m model) messageRows() int {
	if m.height == 0 {
		return 10
	}
	return max(m.height-22, 3)
}

func (m model) renderHelp() string {
	sep := keySepStyle.Render("  ")

	var actions []string
	for _, binding := range m.keys.bindings() {
		h := binding.Help()
		actions = append(actions, keyStyle.Render(h.Key)+helpStyle.Render(" "+h.Desc))
	}

	return strings.Join(actions, sep)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// RunTUI starts the TUI application
func RunTUI(config Config) error {
	// Write logs to file instead of corrupting TUI display
	if err := setupLogging(config.LogLevel, "peermesh-debug.log"); err != nil {
		return err
	}
	log.Infof("=== peermesh started at %s ===", time.Now().Format(time.RFC3339))

	node, err := newNode(config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(
		initialModel(config, node),
		tea.WithAltScreen(),
	)

	// Listeners run on the node's goroutines; Send hands them to Update
	node.SetServerConnectListeners(func(self peer.Address) {
		p.Send(connectedMsg{self: self})
	}, func(err error) {
		p.Send(connectFailedMsg{err: err})
	})
	node.SetRoomOccupantListener(func(occupants map[peer.Address]bool) {
		p.Send(occupantsMsg(occupants))
	})
	node.SetDataChannelListeners(func(addr peer.Address) {
		p.Send(linkOpenedMsg(addr))
	}, func(addr peer.Address) {
		p.Send(linkClosedMsg(addr))
	}, func(from peer.Address, dataType string, data json.RawMessage) {
		p.Send(dataMsg{from: from, dataType: dataType, data: data, at: time.Now()})
	})
	node.SetPeersChangedListener(func(changed []peer.Data) {
		p.Send(peersChangedMsg(changed))
	})

	watchSettings(ctx, config.ConfigPath, node, func(s settings.NodeSettings) {
		p.Send(settingsReloadedMsg(s))
	})

	_, runErr := p.Run()

	// The program's context is done, so listeners fired by the teardown
	// no longer block on Send
	node.Disconnect()
	return runErr
}

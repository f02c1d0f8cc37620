package main

import "github.com/charmbracelet/bubbles/key"

// keyMap defines the key bindings of the mesh TUI.
type keyMap struct {
	Up        key.Binding
	Down      key.Binding
	Connect   key.Binding
	Close     key.Binding
	Broadcast key.Binding
	Quit      key.Binding
}

var defaultKeyMap = keyMap{
	Up: key.NewBinding(
		key.WithKeys("k", "up"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("j", "down"),
		key.WithHelp("↓/j", "down"),
	),
	Connect: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "connect"),
	),
	Close: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "close link"),
	),
	Broadcast: key.NewBinding(
		key.WithKeys("b"),
		key.WithHelp("b", "ping all"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// bindings lists the keys shown in the help line, in order.
func (k keyMap) bindings() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Connect, k.Close, k.Broadcast, k.Quit}
}

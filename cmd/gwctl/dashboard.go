package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/agentgw/internal/gateway"
)

// snapshot is what the dashboard renders each tick; a parallel to the
// teacher's tui.Snapshot, reshaped around the control-plane protocol this
// client actually speaks instead of an in-process status provider.
type snapshot struct {
	connected  bool
	instanceID string
	version    string
	channels   []gateway.ChannelSummary
	lastEvent  string
	eventCount int
	err        string
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

type tickMsg time.Time

type eventMsg gateway.Envelope

type model struct {
	client *wsClient
	ctx    context.Context
	apiKey string
	snap   snapshot
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// waitForEvent turns the client's Events channel into a bubbletea Cmd that
// fires once per received evt: frame.
func waitForEvent(c *wsClient) tea.Cmd {
	return func() tea.Msg {
		env, ok := <-c.Events
		if !ok {
			return nil
		}
		return eventMsg(env)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitForEvent(m.client), m.refreshCmd())
}

// refreshCmd re-fetches hello + channels.list so the dashboard reflects
// channel connect/disconnect transitions even when no run is in flight.
func (m model) refreshCmd() tea.Cmd {
	client := m.client
	ctx := m.ctx
	return func() tea.Msg {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		snap := snapshot{}
		helloRes, err := client.call(callCtx, gateway.ReqHello, gateway.HelloRequest{ClientKey: m.apiKey})
		if err != nil {
			snap.err = err.Error()
			return snap
		}
		var hello gateway.HelloResponse
		_ = json.Unmarshal(helloRes.Payload, &hello)
		snap.connected = true
		snap.instanceID = hello.InstanceID
		snap.version = hello.Version

		chRes, err := client.call(callCtx, gateway.ReqChannelsList, struct{}{})
		if err != nil {
			snap.err = err.Error()
			return snap
		}
		var chList gateway.ChannelsListResponse
		_ = json.Unmarshal(chRes.Payload, &chList)
		snap.channels = chList.Channels
		return snap
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(tickCmd(), m.refreshCmd())
	case eventMsg:
		m.snap.lastEvent = string(gateway.Envelope(msg).Type)
		m.snap.eventCount++
		return m, waitForEvent(m.client)
	case snapshot:
		prevCount := m.snap.eventCount
		prevEvent := m.snap.lastEvent
		m.snap = msg
		m.snap.eventCount = prevCount
		m.snap.lastEvent = prevEvent
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Agent Gateway — gwctl") + "\n\n")

	if m.snap.err != "" {
		b.WriteString(errStyle.Render("error: "+m.snap.err) + "\n")
	}
	status := "disconnected"
	if m.snap.connected {
		status = "connected"
	}
	fmt.Fprintf(&b, "Status:     %s\n", status)
	fmt.Fprintf(&b, "Instance:   %s\n", m.snap.instanceID)
	fmt.Fprintf(&b, "Version:    %s\n", m.snap.version)
	fmt.Fprintf(&b, "Events:     %d (last: %s)\n\n", m.snap.eventCount, dashOrVal(m.snap.lastEvent))

	b.WriteString(headerStyle.Render("Channels") + "\n")
	if len(m.snap.channels) == 0 {
		b.WriteString(dimStyle.Render("(none)") + "\n")
	}
	for _, ch := range m.snap.channels {
		fmt.Fprintf(&b, "  %-10s %-8s last_seen=%s\n", ch.ID, ch.Status, ch.LastSeen.Format(time.Kitchen))
	}

	b.WriteString("\n" + dimStyle.Render("press q to quit") + "\n")
	return b.String()
}

func dashOrVal(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// runDashboard drives the bubbletea program until ctx is canceled or the
// user quits.
func runDashboard(ctx context.Context, client *wsClient, apiKey string) error {
	m := model{client: client, ctx: ctx, apiKey: apiKey}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

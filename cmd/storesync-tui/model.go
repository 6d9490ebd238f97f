package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Bubble Tea messages

type tickMsg struct{}

type snapshotMsg struct {
	status  statusSnapshot
	updates []updateRow
	err     error
}

type actionMsg struct {
	notice string
	err    error
}

var (
	primaryColor = lipgloss.Color("#7C3AED") // violet
	mutedColor   = lipgloss.Color("#6B7280") // gray
	successColor = lipgloss.Color("#10B981") // green
	errorColor   = lipgloss.Color("#EF4444") // red
	warnColor    = lipgloss.Color("#F59E0B") // amber

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	statStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5E7EB")).PaddingLeft(1)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	pendingStyle = lipgloss.NewStyle().Foreground(warnColor)
	successStyle = lipgloss.NewStyle().Foreground(successColor)

	listBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
)

type model struct {
	client   *apiClient
	interval time.Duration

	status  statusSnapshot
	updates []updateRow
	err     error
	notice  string

	list   viewport.Model
	width  int
	height int
	ready  bool
}

func newModel(client *apiClient, interval time.Duration) model {
	return model{client: client, interval: interval}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m model) fetch() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		status, err := client.Status(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		updates, err := client.Updates(ctx)
		return snapshotMsg{status: status, updates: updates, err: err}
	}
}

func (m model) drain() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s, err := client.Drain(ctx)
		if err != nil {
			return actionMsg{err: fmt.Errorf("drain: %w", err)}
		}
		return actionMsg{notice: fmt.Sprintf("drained: %d ok, %d retrying, %d failed, %d left",
			s.Succeeded, s.Retrying, s.Failed, s.Remaining)}
	}
}

func (m model) retry() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		n, err := client.RetryFailed(ctx)
		if err != nil {
			return actionMsg{err: fmt.Errorf("retry: %w", err)}
		}
		return actionMsg{notice: fmt.Sprintf("moved %d failed update(s) to the offline queue", n)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "d":
			m.notice = "draining..."
			return m, m.drain()
		case "r":
			m.notice = "retrying failed updates..."
			return m, m.retry()
		}

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.updates = msg.updates
		}
		m.list.SetContent(m.renderUpdates())
		return m, nil

	case actionMsg:
		m.err = msg.err
		if msg.err == nil {
			m.notice = msg.notice
		} else {
			m.notice = ""
		}
		return m, m.fetch()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		listH := m.height - 7 // header, stats, notice, footer, borders
		if listH < 3 {
			listH = 3
		}
		if !m.ready {
			m.list = viewport.New(m.width-2, listH)
			m.ready = true
		} else {
			m.list.Width = m.width - 2
			m.list.Height = listH
		}
		m.list.SetContent(m.renderUpdates())
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if !m.ready {
		return "Connecting to storesync..."
	}

	conn := offlineStyle.Render("● OFFLINE")
	if m.status.Online {
		conn = onlineStyle.Render("● ONLINE")
	}
	header := headerStyle.Width(m.width).Render("storesync monitor " + m.status.Version)

	stats := lipgloss.JoinHorizontal(lipgloss.Top,
		conn,
		statStyle.Render(fmt.Sprintf("queue: %d", m.status.QueueDepth)),
		statStyle.Render(fmt.Sprintf("pending: %d", m.status.Pending)),
		statStyle.Render(fmt.Sprintf("failed: %d", m.status.Failed)),
		statStyle.Render(fmt.Sprintf("tracked: %d", m.status.Tracked)),
	)

	line := mutedStyle.Render(m.notice)
	if m.err != nil {
		line = errorStyle.Render("error: " + m.err.Error())
	}

	footer := mutedStyle.Render("d: drain queue │ r: retry failed │ ↑↓: scroll │ q: quit")

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		stats,
		line,
		listBorder.Render(m.list.View()),
		footer,
	)
}

func (m model) renderUpdates() string {
	if len(m.updates) == 0 {
		return mutedStyle.Render("no tracked updates")
	}

	var sb strings.Builder
	for _, u := range m.updates {
		var status string
		switch u.Status {
		case "success":
			status = successStyle.Render("✓ success")
		case "failed":
			status = errorStyle.Render("✗ failed ")
		default:
			status = pendingStyle.Render("… pending")
		}
		fmt.Fprintf(&sb, "%s  %-24s %-18s %s", status, u.ID, u.Type, u.Timestamp.Local().Format("15:04:05"))
		if u.Queued {
			sb.WriteString(mutedStyle.Render("  queued"))
		}
		if u.Error != "" {
			sb.WriteString("  " + errorStyle.Render(u.Error))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

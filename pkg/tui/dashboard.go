// Package tui provides the terminal dashboard for burrow connect: a
// Bubble Tea program that polls a client.Supervisor's tunnel list and
// connection status (it does not read the event stream), adapted from the teacher's pkg/tui/fleet_dashboard.go
// polling-dashboard pattern (ticker-driven refresh, a Bubble Tea model
// over a live backing store) to burrow's tunnel domain instead of fleet
// nodes, using bubbles/table for the tunnel list instead of hand-built
// column strings.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/burrowhq/burrow/pkg/client"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7B9EFF")).
			MarginBottom(1)

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF88"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF4444"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#555555")).
			Padding(0, 1)
)

type tickMsg time.Time
type tunnelsMsg []client.Tunnel

// tunnelTableColumns sizes the REMOTE column with whatever width is left
// over from the fixed-width columns, so the table fills the terminal
// instead of leaving it ragged on a wide window.
func tunnelTableColumns(width int) []table.Column {
	const fixed = 14 + 12 + 8 + 10 + 12
	remoteWidth := width - fixed - 6 // borders/padding
	if remoteWidth < 20 {
		remoteWidth = 20
	}
	return []table.Column{
		{Title: "SESSION", Width: 14},
		{Title: "AGENT", Width: 12},
		{Title: "REMOTE", Width: remoteWidth},
		{Title: "LOCAL", Width: 8},
		{Title: "DIRECTION", Width: 10},
		{Title: "STATUS", Width: 12},
	}
}

func tunnelRows(tunnels []client.Tunnel) []table.Row {
	rows := make([]table.Row, 0, len(tunnels))
	for _, t := range tunnels {
		rows = append(rows, table.Row{
			t.SessionID,
			t.AgentID,
			fmt.Sprintf("%s:%d", t.RemoteHost, t.RemotePort),
			fmt.Sprintf("%d", t.LocalPort),
			string(t.Direction),
			t.Status,
		})
	}
	return rows
}

// tunnelDashboard is the Bubble Tea model backing burrow connect's
// live view of the controller's tunnel list.
type tunnelDashboard struct {
	sup       *client.Supervisor
	tbl       table.Model
	connected bool
	quitting  bool
}

func newTunnelDashboard(sup *client.Supervisor) tunnelDashboard {
	t := table.New(
		table.WithColumns(tunnelTableColumns(TerminalWidth())),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	style := table.DefaultStyles()
	style.Header = style.Header.Bold(true).Foreground(lipgloss.Color("#7B68EE"))
	style.Selected = style.Selected.Foreground(lipgloss.Color("#00FF88")).Bold(false)
	t.SetStyles(style)

	return tunnelDashboard{sup: sup, tbl: t}
}

func (m tunnelDashboard) Init() tea.Cmd {
	return tea.Batch(m.fetchTunnels, tickCmd())
}

func (m tunnelDashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetchTunnels
		case "c":
			if row := m.tbl.SelectedRow(); row != nil {
				m.sup.DisconnectTunnel(row[0])
			}
			return m, m.fetchTunnels
		}

	case tea.WindowSizeMsg:
		m.tbl.SetColumns(tunnelTableColumns(msg.Width))
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchTunnels, tickCmd())

	case tunnelsMsg:
		_, m.connected = m.sup.GetAgentInfo()
		m.tbl.SetRows(tunnelRows(msg))
		return m, nil
	}

	var cmd tea.Cmd
	m.tbl, cmd = m.tbl.Update(msg)
	return m, cmd
}

func (m tunnelDashboard) View() string {
	if m.quitting {
		return ""
	}

	status := "connected"
	statusStyle := activeStyle
	if !m.connected {
		status = "reconnecting..."
		statusStyle = errorStyle
	}
	agentID, _ := m.sup.GetAgentInfo()
	statusLine := fmt.Sprintf("relay: %s", statusStyle.Render(status))
	if agentID != "" {
		statusLine += fmt.Sprintf("  │  agent id: %s", agentID)
	}

	out := titleStyle.Render("burrow — tunnel dashboard") + "\n"
	out += boxStyle.Render(statusLine) + "\n\n"
	out += m.tbl.View() + "\n"
	out += footerStyle.Render(fmt.Sprintf("  [r] refresh  [c] close selected  [q] quit  │  updated: %s", time.Now().Format("15:04:05")))
	return out
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tunnelDashboard) fetchTunnels() tea.Msg {
	return tunnelsMsg(m.sup.GetTunnels())
}

// RunTunnelDashboard starts the Bubble Tea tunnel dashboard; it runs until
// the user quits or ctx is cancelled.
func RunTunnelDashboard(ctx context.Context, sup *client.Supervisor) error {
	model := newTunnelDashboard(sup)
	p := tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	_, err := p.Run()
	return err
}

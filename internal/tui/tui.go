// Package tui provides the operator dashboard for the detection engine:
// recent alerts, sink health and pipeline statistics, refreshed live.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"decoynet/internal/correlation"
	"decoynet/internal/dispatch"
	"decoynet/internal/engine"
	"decoynet/internal/schema"
	"decoynet/internal/store"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// AdminAPI is the engine surface the dashboard reads from and operates
// on. *engine.Engine satisfies it.
type AdminAPI interface {
	ListRecentAlerts(ctx context.Context, limit int) ([]*store.Record, error)
	ListSinks() []dispatch.SinkStatus
	EnableSink(name string) bool
	DisableSink(name string) bool
	OpenIncidents() []*correlation.Incident
	Snapshot(ctx context.Context) engine.Stats
}

// Tab identifies the active dashboard view.
type Tab int

const (
	TabOverview Tab = iota
	TabAlerts
	TabSinks
	tabCount
)

// TickMsg drives the periodic refresh.
type TickMsg time.Time

type refreshMsg struct {
	stats     engine.Stats
	alerts    []*store.Record
	sinks     []dispatch.SinkStatus
	incidents []*correlation.Incident
	err       error
}

// Model is the dashboard's bubbletea model.
type Model struct {
	api AdminAPI
	tab Tab

	stats     engine.Stats
	alerts    []*store.Record
	sinks     []dispatch.SinkStatus
	incidents []*correlation.Incident

	cursor     int
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
	err        error
	quitting   bool
}

// New creates the dashboard model.
func New(api AdminAPI) *Model {
	return &Model{api: api, loading: true}
}

// Init starts the first data fetch and the refresh ticker.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m *Model) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		msg := refreshMsg{
			stats:     m.api.Snapshot(ctx),
			sinks:     m.api.ListSinks(),
			incidents: m.api.OpenIncidents(),
		}
		msg.alerts, msg.err = m.api.ListRecentAlerts(ctx, 25)
		return msg
	}
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.refresh(), tickCmd())

	case refreshMsg:
		m.loading = false
		m.stats = msg.stats
		m.alerts = msg.alerts
		m.sinks = msg.sinks
		m.incidents = msg.incidents
		m.err = msg.err
		m.lastUpdate = time.Now()
		if m.cursor >= len(m.sinks) {
			m.cursor = 0
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "1":
		m.tab = TabOverview
	case "2":
		m.tab = TabAlerts
	case "3":
		m.tab = TabSinks
	case "tab":
		m.tab = (m.tab + 1) % tabCount
	case "up", "k":
		if m.tab == TabSinks && m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.tab == TabSinks && m.cursor < len(m.sinks)-1 {
			m.cursor++
		}
	case "e":
		if m.tab == TabSinks && m.cursor < len(m.sinks) {
			m.api.EnableSink(m.sinks[m.cursor].Name)
			return m, m.refresh()
		}
	case "d":
		if m.tab == TabSinks && m.cursor < len(m.sinks) {
			m.api.DisableSink(m.sinks[m.cursor].Name)
			return m, m.refresh()
		}
	}
	return m, nil
}

// View renders the dashboard.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	if m.loading {
		b.WriteString(mutedStyle.Render("Loading..."))
		return b.String()
	}
	if m.err != nil {
		b.WriteString(statusErr.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
	}

	switch m.tab {
	case TabOverview:
		b.WriteString(m.viewOverview())
	case TabAlerts:
		b.WriteString(m.viewAlerts())
	case TabSinks:
		b.WriteString(m.viewSinks())
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render(" [1-3] Switch tabs  [Tab] Next  [j/k] Select  [e/d] Enable/disable sink  [q] Quit "))
	if !m.lastUpdate.IsZero() {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("  updated %s", m.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}

func (m *Model) renderTabs() string {
	tabs := []struct {
		name string
		tab  Tab
	}{
		{"1 Overview", TabOverview},
		{"2 Alerts", TabAlerts},
		{"3 Sinks", TabSinks},
	}

	var views []string
	for _, t := range tabs {
		if t.tab == m.tab {
			views = append(views, tabActive.Render(" "+t.name+" "))
		} else {
			views = append(views, tabInactive.Render(" "+t.name+" "))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, views...)
}

func (m *Model) viewOverview() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("  DecoyNet Detection Engine"))
	b.WriteString("\n\n")

	cards := []string{
		m.card("Events", formatCount(m.stats.Queue.Pushed)),
		m.card("Queue", fmt.Sprintf("%d/%d", m.stats.Queue.Depth, m.stats.Queue.Capacity)),
		m.card("Open Incidents", fmt.Sprintf("%d", m.stats.OpenIncidents)),
		m.card("Stored Alerts", fmt.Sprintf("%d", m.stats.StoredRecords)),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	b.WriteString("\n\n")

	b.WriteString(tableHeader.Render("  Open incidents"))
	b.WriteString("\n")
	if len(m.incidents) == 0 {
		b.WriteString(mutedStyle.Render("  none"))
	}
	for _, in := range m.incidents {
		marker := mutedStyle.Render("●")
		if in.Fired() {
			marker = severityStyle(in.Severity).Render("●")
		}
		b.WriteString(fmt.Sprintf("  %s %-28s %-8s members=%d\n",
			marker, in.Key, in.Severity, in.MemberCount()))
	}
	return b.String()
}

func (m *Model) viewAlerts() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("  Recent alerts"))
	b.WriteString("\n\n")
	b.WriteString(tableHeader.Render(fmt.Sprintf("  %-8s %-10s %-10s %s", "TIME", "TYPE", "SEVERITY", "MESSAGE")))
	b.WriteString("\n")

	if len(m.alerts) == 0 {
		b.WriteString(mutedStyle.Render("  no alerts yet"))
		return b.String()
	}
	for _, r := range m.alerts {
		sev := severityStyle(r.Severity).Render(fmt.Sprintf("%-10s", r.Severity))
		b.WriteString(fmt.Sprintf("  %-8s %-10s %s %s\n",
			r.Timestamp.Local().Format("15:04:05"),
			r.Type,
			sev,
			truncate(r.Message, m.width-44),
		))
	}
	return b.String()
}

func (m *Model) viewSinks() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("  Notification sinks"))
	b.WriteString("\n\n")
	b.WriteString(tableHeader.Render(fmt.Sprintf("  %-16s %-10s %-9s %-10s %s", "NAME", "KIND", "ENABLED", "HEALTH", "LAST ERROR")))
	b.WriteString("\n")

	if len(m.sinks) == 0 {
		b.WriteString(mutedStyle.Render("  no sinks configured"))
		return b.String()
	}
	for i, s := range m.sinks {
		prefix := "  "
		if i == m.cursor {
			prefix = "> "
		}
		enabled := "yes"
		if !s.Enabled {
			enabled = mutedStyle.Render("no")
		}
		b.WriteString(fmt.Sprintf("%s%-16s %-10s %-9s %s %s\n",
			prefix, s.Name, s.Kind, enabled,
			healthStyle(s.Health).Render(fmt.Sprintf("%-10s", s.Health)),
			truncate(s.LastError, m.width-52),
		))
	}
	return b.String()
}

func (m *Model) card(label, value string) string {
	return metricCard.Render(fmt.Sprintf("%s\n%s",
		metricValue.Render(value),
		metricLabel.Render(label),
	))
}

func severityStyle(sev schema.Severity) lipgloss.Style {
	switch sev {
	case schema.SeverityCritical, schema.SeverityHigh:
		return statusErr
	case schema.SeverityMedium:
		return statusWarn
	default:
		return statusOK
	}
}

func healthStyle(h dispatch.Health) lipgloss.Style {
	switch h {
	case dispatch.HealthHealthy:
		return statusOK
	case dispatch.HealthDegraded:
		return statusWarn
	default:
		return statusErr
	}
}

func formatCount(n uint64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func truncate(s string, max int) string {
	if max < 10 {
		max = 40
	}
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

// Run starts the dashboard over the given engine surface.
func Run(api AdminAPI) error {
	p := tea.NewProgram(New(api), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

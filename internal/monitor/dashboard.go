// Package monitor is the terminal dashboard behind "memctl top". It polls a
// device's sync status and renders state, backlog and index health.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/services"
	"github.com/fyrsmithlabs/memsync/internal/syncengine"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	fetchTimeout    = 5 * time.Second
)

// Source is the device the dashboard watches.
type Source interface {
	Status(ctx context.Context) (services.SyncStatus, error)
	TriggerSync(ctx context.Context) error
}

// Model is the bubbletea model of the dashboard.
type Model struct {
	source     Source
	target     string
	interval   time.Duration
	now        func() time.Time
	lastUpdate time.Time
	status     services.SyncStatus
	loaded     bool
	err        error
	notice     string
	quitting   bool

	pendingHistory []float64
	syncedProgress progress.Model
}

// Styles follow a k9s-like palette.
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).MarginTop(1)
	footerKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
	sparklineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard for source. target is only displayed.
func NewModel(source Source, target string, interval time.Duration) Model {
	return Model{
		source:   source,
		target:   target,
		interval: interval,
		now:      time.Now,
		syncedProgress: progress.New(
			progress.WithGradient("#ffff00", "#00ff00"),
			progress.WithWidth(40),
		),
		pendingHistory: make([]float64, 0, historySize),
	}
}

// stateBadge maps the engine state to a colored badge.
func stateBadge(st services.SyncStatus) string {
	switch {
	case st.State == syncengine.StateErrorBackoff:
		return errorStyle.Render("✗ BACKING OFF")
	case st.LastCheck != nil && st.LastCheck.DriftDetected:
		return warningStyle.Render("⚠ INDEX DRIFT")
	case st.State != syncengine.StateIdle:
		return warningStyle.Render("⟳ " + strings.ToUpper(string(st.State)))
	case !st.Registered:
		return warningStyle.Render("⚠ UNREGISTERED")
	}
	return healthyStyle.Render("✓ IN SYNC")
}

func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}
	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

type (
	tickMsg      time.Time
	statusMsg    services.SyncStatus
	errMsg       error
	triggeredMsg struct{}
)

// Init fetches immediately and starts the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(m.interval), fetchStatus(m.source))
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStatus(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		st, err := src.Status(ctx)
		if err != nil {
			return errMsg(err)
		}
		return statusMsg(st)
	}
}

func triggerSync(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		if err := src.TriggerSync(ctx); err != nil {
			return errMsg(err)
		}
		return triggeredMsg{}
	}
}

// Update handles key presses, ticks and fetch results.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.source)
		case "s":
			m.notice = "sync requested"
			return m, triggerSync(m.source)
		}

	case tickMsg:
		return m, tea.Batch(tick(m.interval), fetchStatus(m.source))

	case statusMsg:
		m.status = services.SyncStatus(msg)
		m.loaded = true
		m.pendingHistory = appendToHistory(m.pendingHistory, float64(m.status.PendingPush))
		m.lastUpdate = m.now()
		m.err = nil
		return m, nil

	case triggeredMsg:
		return m, fetchStatus(m.source)

	case errMsg:
		m.err = error(msg)
		return m, nil
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) footer() string {
	return footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerKeyStyle.Render("[s]") + footerStyle.Render(" sync now  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" memsync monitor ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach memsyncd") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.target) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Is the daemon running? Try: memctl health") + "\n")
	b.WriteString(m.footer())
	return containerStyle.Render(b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder
	st := m.status
	now := m.now()

	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" memsync monitor ") + "\n")
	if !m.loaded {
		b.WriteString(dimStyle.Render("waiting for "+m.target) + "\n")
		b.WriteString("\n" + m.footer())
		return containerStyle.Render(b.String())
	}
	device := st.DeviceID
	if device == "" {
		device = "unregistered"
	}
	fmt.Fprintf(&b, "%s   %s %s   %s\n",
		stateBadge(st), dimStyle.Render("Device:"), valueStyle.Render(device), dimStyle.Render(lastUpdate))

	b.WriteString("\n" + sectionStyle.Render("┃ Sync") + "\n")
	b.WriteString(labelStyle.Render("  State: ") + valueStyle.Render(string(st.State)) +
		dimStyle.Render(fmt.Sprintf("   %d cycles", st.Cycles)) + "\n")
	b.WriteString(labelStyle.Render("  Last success: ") + valueStyle.Render(FormatAge(st.LastSuccess, now)) + "\n")
	if st.LastError != "" {
		b.WriteString(labelStyle.Render("  Last error: ") + errorStyle.Render(st.LastError) +
			dimStyle.Render(" ("+FormatAge(st.LastErrorAt, now)+")") + "\n")
		b.WriteString(labelStyle.Render("  Next retry: ") + valueStyle.Render(FormatAge(st.NextRetry, now)) + "\n")
	}
	b.WriteString(labelStyle.Render("  Pending push: ") + valueStyle.Render(fmt.Sprintf("%-6d", st.PendingPush)) +
		"   " + createSparkline(m.pendingHistory) + "\n")

	if len(st.Cursors) > 0 {
		kinds := make([]record.Kind, 0, len(st.Cursors))
		for k := range st.Cursors {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		parts := make([]string, 0, len(kinds))
		for _, k := range kinds {
			parts = append(parts, dimStyle.Render(string(k)+"=")+valueStyle.Render(fmt.Sprint(st.Cursors[k])))
		}
		b.WriteString(labelStyle.Render("  Cursors: ") + strings.Join(parts, "  ") + "\n")
	}

	s := st.Store
	b.WriteString("\n" + sectionStyle.Render("┃ Local store") + "\n")
	b.WriteString(labelStyle.Render("  Records: ") + valueStyle.Render(fmt.Sprint(s.Records)) +
		dimStyle.Render(fmt.Sprintf("  (%d live, %d tombstoned, %d corrupt, %d history)", s.Live, s.Tombstoned, s.Corrupt, s.History)) + "\n")
	synced := 1.0
	if s.Records > 0 {
		synced = float64(s.Records-s.Dirty) / float64(s.Records)
	}
	b.WriteString(labelStyle.Render("  Synced: ") + m.syncedProgress.ViewAs(synced) +
		" " + dimStyle.Render(FormatPercentage(synced)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Vector index") + "\n")
	if c := st.LastCheck; c != nil {
		badge := healthyStyle.Render("[✓]")
		if c.DriftDetected {
			badge = errorStyle.Render(fmt.Sprintf("[✗ %d mismatched]", c.Mismatches()))
		}
		b.WriteString(labelStyle.Render("  Generation: ") + valueStyle.Render(fmt.Sprint(c.Generation)) +
			dimStyle.Render(fmt.Sprintf("  %d/%d entries", c.IndexCount, c.RecordCount)) + " " + badge + "\n")
		b.WriteString(labelStyle.Render("  Checked: ") + valueStyle.Render(FormatAge(st.CheckedAt, now)) + "\n")
	} else {
		b.WriteString(dimStyle.Render("  not checked yet") + "\n")
	}

	if m.notice != "" {
		b.WriteString("\n" + dimStyle.Render(m.notice) + "\n")
	}
	b.WriteString("\n" + m.footer())
	return containerStyle.Render(b.String())
}

package ui

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/harshul/scope-launcher/internal/app"
	"github.com/harshul/scope-launcher/internal/bus"
	"github.com/harshul/scope-launcher/internal/logbuf"
	"github.com/harshul/scope-launcher/internal/orchestrator"
)

const maxLogLines = 1000

// Controller is the part of the launcher the status view drives.
type Controller interface {
	GetSetupStatus() app.SetupStatus
	GetServerStatus() app.ServerStatus
	RestartServer(ctx context.Context) error
}

// BootstrapDoneMsg tells the view that setup and startup have finished.
type BootstrapDoneMsg struct {
	Err error
}

type tickMsg time.Time
type eventMsg bus.Event
type busClosedMsg struct{}
type statsMsg ProcessStats
type restartDoneMsg struct{ err error }

// openURL is swapped out in tests.
var openURL = openInBrowser

// StatusModel is the bubbletea model for the launcher's terminal view.
// Quitting only ends the program; the caller shuts the backend down.
type StatusModel struct {
	ctrl Controller
	sub  *bus.Subscription

	phase      string
	inProgress bool
	running    bool
	url        string
	pid        int
	stats      ProcessStats
	lastErr    string
	restarting bool
	booting    bool

	logs     *logbuf.Buffer
	width    int
	height   int
	viewport viewport.Model
	spinner  spinner.Model
	quitting bool

	keys   keyMap
	styles *Styles
}

type keyMap struct {
	Quit    key.Binding
	Restart key.Binding
	OpenURL key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Restart: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "restart"),
		),
		OpenURL: key.NewBinding(
			key.WithKeys("o"),
			key.WithHelp("o", "open in browser"),
		),
	}
}

// Styles holds the lipgloss styles of the status view.
type Styles struct {
	App    lipgloss.Style
	Header lipgloss.Style
	Footer lipgloss.Style
	Label  lipgloss.Style

	StatusRunning lipgloss.Style
	StatusPending lipgloss.Style
	StatusError   lipgloss.Style
	StatusStopped lipgloss.Style

	LogViewport lipgloss.Style
	LogLine     lipgloss.Style
	LogError    lipgloss.Style

	HelpKey  lipgloss.Style
	HelpDesc lipgloss.Style
}

// DefaultStyles returns the default color scheme.
func DefaultStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#999"}
	highlight := lipgloss.AdaptiveColor{Light: "#7D56F4", Dark: "#AD8EE6"}
	success := lipgloss.AdaptiveColor{Light: "#00AA00", Dark: "#00FF00"}
	warning := lipgloss.AdaptiveColor{Light: "#AAAA00", Dark: "#FFFF00"}
	errorColor := lipgloss.AdaptiveColor{Light: "#AA0000", Dark: "#FF0000"}

	return &Styles{
		App: lipgloss.NewStyle().Padding(1, 2),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(subtle).
			MarginBottom(1).
			Padding(0, 1),
		Footer: lipgloss.NewStyle().
			Foreground(subtle).
			BorderStyle(lipgloss.NormalBorder()).
			BorderTop(true).
			BorderForeground(subtle).
			MarginTop(1).
			Padding(0, 1),
		Label: lipgloss.NewStyle().Foreground(subtle).Width(8),

		StatusRunning: lipgloss.NewStyle().Foreground(success).Bold(true),
		StatusPending: lipgloss.NewStyle().Foreground(highlight),
		StatusError:   lipgloss.NewStyle().Foreground(errorColor).Bold(true),
		StatusStopped: lipgloss.NewStyle().Foreground(warning),

		LogViewport: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlight).
			Padding(0, 1),
		LogLine:  lipgloss.NewStyle().Foreground(subtle),
		LogError: lipgloss.NewStyle().Foreground(errorColor),

		HelpKey:  lipgloss.NewStyle().Foreground(highlight).Bold(true),
		HelpDesc: lipgloss.NewStyle().Foreground(subtle),
	}
}

// NewStatusModel creates the view. sub must be a subscription to every
// topic; the view reads it until it is closed.
func NewStatusModel(ctrl Controller, sub *bus.Subscription) *StatusModel {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#7D56F4", Dark: "#AD8EE6"})

	m := &StatusModel{
		ctrl:     ctrl,
		sub:      sub,
		logs:     logbuf.New(maxLogLines),
		viewport: viewport.New(80, 15),
		spinner:  sp,
		booting:  true,
		keys:     defaultKeyMap(),
		styles:   DefaultStyles(),
	}
	m.syncStatus()
	return m
}

// Init implements tea.Model.
func (m *StatusModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd(), m.listen())
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *StatusModel) listen() tea.Cmd {
	sub := m.sub
	if sub == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-sub.Ch()
		if !ok {
			return busClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// Update implements tea.Model.
func (m *StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Restart):
			return m, m.restart()
		case key.Matches(msg, m.keys.OpenURL):
			if m.running && m.url != "" {
				openURL(m.url)
			}
			return m, nil
		}
		// Everything else scrolls the log.
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		m.syncStatus()
		cmds = append(cmds, tickCmd())
		if m.pid > 0 {
			cmds = append(cmds, fetchStats(int32(m.pid)))
		}

	case statsMsg:
		if int(msg.PID) == m.pid {
			m.stats = ProcessStats(msg)
		}

	case eventMsg:
		m.apply(bus.Event(msg))
		cmds = append(cmds, m.listen())

	case busClosedMsg:
		m.sub = nil

	case restartDoneMsg:
		m.restarting = false
		if msg.err != nil {
			m.lastErr = msg.err.Error()
		}
		m.syncStatus()

	case BootstrapDoneMsg:
		m.booting = false
		if msg.Err != nil {
			m.lastErr = msg.Err.Error()
		}
		m.syncStatus()
	}

	return m, tea.Batch(cmds...)
}

func (m *StatusModel) restart() tea.Cmd {
	if m.restarting || m.booting {
		return nil
	}
	m.restarting = true
	m.lastErr = ""
	ctrl := m.ctrl
	return func() tea.Msg {
		return restartDoneMsg{err: ctrl.RestartServer(context.Background())}
	}
}

func fetchStats(pid int32) tea.Cmd {
	return func() tea.Msg {
		stats, err := GetProcessStats(pid)
		if err != nil {
			return nil
		}
		return statsMsg(stats)
	}
}

// syncStatus reconciles with the controller in case events were dropped.
func (m *StatusModel) syncStatus() {
	if m.ctrl == nil {
		return
	}
	setup := m.ctrl.GetSetupStatus()
	m.phase = setup.Phase
	m.inProgress = setup.InProgress

	server := m.ctrl.GetServerStatus()
	m.running = server.IsRunning
	m.url = server.URL
	if server.PID != m.pid {
		m.stats = ProcessStats{}
	}
	m.pid = server.PID
}

func (m *StatusModel) apply(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.SetupStatusEvent:
		m.phase = p.Phase
		m.inProgress = p.Phase != string(orchestrator.Done) && p.Phase != string(orchestrator.Failed)
	case bus.ServerStatusEvent:
		m.running = p.IsRunning
		m.url = p.URL
	case bus.ServerErrorEvent:
		m.lastErr = p.Message
		m.appendLog(m.styles.LogError.Render(p.Kind + ": " + firstLine(p.Message)))
	case bus.ServerLogEvent:
		if p.Stream == "stderr" {
			m.appendLog(m.styles.LogLine.Render(p.Line))
		} else {
			m.appendLog(p.Line)
		}
	}
}

func (m *StatusModel) appendLog(line string) {
	follow := m.viewport.AtBottom()
	m.logs.Append(line)
	m.viewport.SetContent(strings.Join(m.logs.Lines(), "\n"))
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m *StatusModel) resize() {
	w := m.width - 8
	if w < 20 {
		w = 20
	}
	// header, two status lines, error line, footer and borders
	h := m.height - 14
	if h < 3 {
		h = 3
	}
	m.viewport.Width = w
	m.viewport.Height = h
}

// View implements tea.Model.
func (m *StatusModel) View() string {
	if m.quitting {
		return "Stopping backend...\n"
	}

	var b strings.Builder
	b.WriteString(m.styles.Header.Render("scope-launcher"))
	b.WriteString("\n")
	b.WriteString(m.styles.Label.Render("Setup") + m.renderSetup() + "\n")
	b.WriteString(m.styles.Label.Render("Server") + m.renderServer() + "\n\n")
	b.WriteString(m.styles.LogViewport.Render(m.viewport.View()))
	b.WriteString("\n")
	if m.lastErr != "" {
		b.WriteString(m.styles.StatusError.Render("✗ "+firstLine(m.lastErr)) + "\n")
	}
	b.WriteString(m.renderFooter())

	return m.styles.App.Render(b.String())
}

func (m *StatusModel) renderSetup() string {
	switch {
	case m.phase == string(orchestrator.Failed):
		return m.styles.StatusError.Render("✗ " + PhaseLabel(m.phase))
	case m.inProgress && m.phase != string(orchestrator.Done):
		return m.spinner.View() + " " + m.styles.StatusPending.Render(PhaseLabel(m.phase))
	case m.phase == string(orchestrator.Done):
		return m.styles.StatusRunning.Render("✓ " + PhaseLabel(m.phase))
	default:
		return m.styles.LogLine.Render("up to date")
	}
}

func (m *StatusModel) renderServer() string {
	switch {
	case m.restarting:
		return m.spinner.View() + " " + m.styles.StatusPending.Render("restarting")
	case m.running:
		s := m.styles.StatusRunning.Render("● running") + "  " + m.url
		if m.pid > 0 {
			s += m.styles.LogLine.Render(fmt.Sprintf("  pid %d", m.pid))
		}
		if m.stats.PID != 0 {
			s += m.styles.LogLine.Render(fmt.Sprintf("  cpu %.1f%%  mem %s", m.stats.CPUPercent, FormatBytes(m.stats.RSS)))
		}
		return s
	case m.booting && m.pid > 0:
		return m.spinner.View() + " " + m.styles.StatusPending.Render("waiting for "+m.url)
	case m.booting:
		return m.styles.LogLine.Render("starting")
	default:
		return m.styles.StatusStopped.Render("○ stopped")
	}
}

func (m *StatusModel) renderFooter() string {
	parts := []string{
		m.styles.HelpKey.Render("↑↓") + " " + m.styles.HelpDesc.Render("scroll"),
		m.styles.HelpKey.Render("r") + " " + m.styles.HelpDesc.Render("restart"),
	}
	if m.running {
		parts = append(parts, m.styles.HelpKey.Render("o")+" "+m.styles.HelpDesc.Render("open"))
	}
	parts = append(parts, m.styles.HelpKey.Render("q")+" "+m.styles.HelpDesc.Render("quit"))

	footerWidth := m.width - 4
	if footerWidth < 40 {
		footerWidth = 40
	}
	return m.styles.Footer.Width(footerWidth).Render(strings.Join(parts, " • "))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// openInBrowser opens a URL in the default browser.
func openInBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return
	}
	_ = cmd.Start()
}

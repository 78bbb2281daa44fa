package tui

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/samber/lo"

	"github.com/olliecrow/claude_usage_monitor/internal/history"
	"github.com/olliecrow/claude_usage_monitor/internal/monitor"
	"github.com/olliecrow/claude_usage_monitor/internal/usage"
)

// Refresher starts an out-of-band refresh cycle.
type Refresher interface {
	TriggerRefresh() bool
}

// HistoryReader returns the recorded remote series.
type HistoryReader interface {
	Load() []history.Entry
}

type Options struct {
	State       *monitor.State
	Refresher   Refresher
	History     HistoryReader
	DisplayMode string
	WindowCap   int64
	NoColor     bool
	AltScreen   bool
}

type Model struct {
	refresher   Refresher
	history     HistoryReader
	displayMode string
	windowCap   int64

	updates     <-chan monitor.Update
	unsubscribe func()

	width  int
	height int

	now time.Time

	update monitor.Update
	trend  []history.Entry
	notice string

	styles styles
}

type styles struct {
	title   lipgloss.Style
	dim     lipgloss.Style
	panel   lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	accent  lipgloss.Style
	error   lipgloss.Style
	help    lipgloss.Style
	mono    lipgloss.Style
	loading lipgloss.Style
}

type clockTickMsg struct {
	at time.Time
}

type updateMsg struct {
	update monitor.Update
}

type updatesClosedMsg struct{}

type historyMsg struct {
	entries []history.Entry
}

type refreshResultMsg struct {
	accepted bool
}

// trendPoints bounds the history sparkline regardless of terminal width.
const trendPoints = 48

func NewModel(opts Options) Model {
	state := opts.State
	if state == nil {
		state = monitor.NewState()
	}
	updates, unsubscribe := state.Subscribe()
	windowCap := opts.WindowCap
	if windowCap <= 0 {
		windowCap = usage.DefaultEstimatedWindowCap
	}
	return Model{
		refresher:   opts.Refresher,
		history:     opts.History,
		displayMode: opts.DisplayMode,
		windowCap:   windowCap,
		updates:     updates,
		unsubscribe: unsubscribe,
		now:         time.Now(),
		update:      state.Current(),
		styles:      defaultStyles(opts.NoColor),
	}
}

func defaultStyles(noColor bool) styles {
	basePanel := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	if noColor {
		return styles{
			title:   lipgloss.NewStyle().Bold(true),
			dim:     lipgloss.NewStyle(),
			panel:   basePanel,
			label:   lipgloss.NewStyle().Bold(true),
			value:   lipgloss.NewStyle(),
			ok:      lipgloss.NewStyle().Bold(true),
			warn:    lipgloss.NewStyle().Bold(true),
			bad:     lipgloss.NewStyle().Bold(true),
			accent:  lipgloss.NewStyle().Bold(true),
			error:   lipgloss.NewStyle().Bold(true),
			help:    lipgloss.NewStyle(),
			mono:    lipgloss.NewStyle(),
			loading: lipgloss.NewStyle(),
		}
	}
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("130")).Padding(0, 1),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		panel:   basePanel.BorderForeground(lipgloss.Color("173")),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color("109")),
		value:   lipgloss.NewStyle().Foreground(lipgloss.Color("255")),
		ok:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		warn:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		bad:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		accent:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("209")),
		error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		help:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		mono:    lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		loading: lipgloss.NewStyle().Foreground(lipgloss.Color("117")),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.updates), historyCmd(m.history), clockCmd())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case tea.KeyMsg:
		switch v.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			return m, refreshCmd(m.refresher)
		}
	case tea.WindowSizeMsg:
		m.width = v.Width
		m.height = v.Height
	case clockTickMsg:
		m.now = v.at
		return m, clockCmd()
	case updateMsg:
		remoteChanged := !v.update.Snapshot.LastUpdated.Equal(m.update.Snapshot.LastUpdated)
		m.update = v.update
		cmds := []tea.Cmd{waitForUpdate(m.updates)}
		if remoteChanged {
			cmds = append(cmds, historyCmd(m.history))
		}
		return m, tea.Batch(cmds...)
	case updatesClosedMsg:
		m.updates = nil
	case historyMsg:
		m.trend = v.entries
	case refreshResultMsg:
		if v.accepted {
			m.notice = "refresh requested"
		} else {
			m.notice = "refresh skipped (cycle running or cooldown)"
		}
	}
	return m, nil
}

func (m Model) View() string {
	if m.width <= 0 || m.height <= 0 {
		return "initializing..."
	}

	header := m.renderHeader()
	body := m.renderBody()
	exitHint := m.styles.dim.Render("r to refresh, q or Ctrl+C to exit")

	top := lipgloss.JoinVertical(lipgloss.Left, header, body, "")
	combined := pinFooterToBottom(top, exitHint, m.height)
	return clipToViewport(combined, m.width, m.height)
}

func (m Model) renderHeader() string {
	title := m.styles.title.Render(" claude usage monitor ")

	var stateStyle lipgloss.Style
	switch m.update.Status {
	case monitor.StatusConnected:
		stateStyle = m.styles.ok
	case monitor.StatusActionRequired:
		stateStyle = m.styles.bad
	default:
		stateStyle = m.styles.loading
	}
	stateText := monitor.FormatTitle(m.update.Status, m.update.Snapshot, m.displayMode)

	left := title + "  " + stateStyle.Render(stateText)
	if refreshed := m.update.Snapshot.LocalRefreshedAt; !refreshed.IsZero() {
		left += " " + m.styles.dim.Render("[refreshed "+humanDuration(m.now.Sub(refreshed))+" ago]")
	}
	right := m.styles.dim.Render("local " + m.now.Format("2006-01-02 15:04:05"))
	return joinWithPaddingKeepRight(left, right, m.width)
}

func (m Model) renderBody() string {
	contentWidth := max(20, m.width-4)
	snap := m.update.Snapshot

	var windowsBlock string
	if contentWidth >= 94 {
		panelOverhead := horizontalOverhead(m.styles.panel)
		panelWidth, spacerWidth := splitEqualPanelContentWidths(contentWidth, panelOverhead)
		spacer := strings.Repeat(" ", spacerWidth)
		windowsBlock = lipgloss.JoinHorizontal(lipgloss.Top,
			m.renderSessionPanel(snap, panelWidth),
			spacer,
			m.renderWeeklyPanel(snap, panelWidth),
		)
	} else {
		windowsBlock = lipgloss.JoinVertical(lipgloss.Left,
			m.renderSessionPanel(snap, contentWidth),
			"",
			m.renderWeeklyPanel(snap, contentWidth),
		)
	}

	maxMetaWidth := max(8, contentWidth-4)
	metaLines := m.renderTodayLines(snap)
	metaLines = append(metaLines, m.renderTrendLine(maxMetaWidth))
	metaLines = append(metaLines, m.renderStatusLines()...)
	for i := range metaLines {
		metaLines[i] = ansi.Truncate(metaLines[i], maxMetaWidth, "...")
	}

	metaPanel := m.styles.panel.Width(contentWidth).Render(strings.Join(metaLines, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, windowsBlock, metaPanel)
}

func (m Model) renderSessionPanel(snap usage.Snapshot, maxWidth int) string {
	title := "five-hour session"
	var lines []string
	if !snap.RemoteConnected {
		lines = []string{
			m.styles.accent.Render(title + " [unavailable]"),
			m.styles.label.Render("used: ") + m.styles.bad.Render("unavailable"),
			m.styles.label.Render("resets in: ") + m.styles.value.Render("unavailable"),
			m.styles.label.Render("extra usage: ") + m.styles.value.Render("unavailable"),
		}
	} else {
		reset := monitor.FormatReset(snap.SessionResetMinutes)
		if reset == "" {
			reset = "unknown"
		}
		extra := "not enabled"
		if snap.MonthlyLimit > 0 {
			extra = fmt.Sprintf("$%.2f of $%.2f", snap.MonthlyCost, snap.MonthlyLimit)
		}
		lines = []string{
			m.styles.accent.Render(title),
			m.styles.label.Render("used: ") + percentStyle(snap.SessionPercent, m.styles).Render(formatPercent(snap.SessionPercent)),
			m.styles.label.Render("resets in: ") + m.styles.value.Render(reset),
			m.styles.label.Render("extra usage: ") + m.styles.value.Render(extra),
		}
	}
	for i := range lines {
		lines[i] = ansi.Truncate(lines[i], max(4, maxWidth), "...")
	}
	return m.styles.panel.Width(max(20, maxWidth)).Render(strings.Join(lines, "\n"))
}

func (m Model) renderWeeklyPanel(snap usage.Snapshot, maxWidth int) string {
	title := "weekly window"
	var lines []string
	if !snap.RemoteConnected {
		lines = []string{
			m.styles.accent.Render(title + " [unavailable]"),
			m.styles.label.Render("all models: ") + m.styles.bad.Render("unavailable"),
			m.styles.label.Render("sonnet: ") + m.styles.value.Render("unavailable"),
			m.styles.label.Render("updated: ") + m.styles.value.Render("never"),
		}
	} else {
		lines = []string{
			m.styles.accent.Render(title),
			m.styles.label.Render("all models: ") + percentStyle(snap.WeeklyAllPercent, m.styles).Render(formatPercent(snap.WeeklyAllPercent)),
			m.styles.label.Render("sonnet: ") + percentStyle(snap.WeeklySonnetPercent, m.styles).Render(formatPercent(snap.WeeklySonnetPercent)),
			m.styles.label.Render("updated: ") + m.styles.value.Render(humanDuration(m.now.Sub(snap.LastUpdated))+" ago"),
		}
	}
	for i := range lines {
		lines[i] = ansi.Truncate(lines[i], max(4, maxWidth), "...")
	}
	return m.styles.panel.Width(max(20, maxWidth)).Render(strings.Join(lines, "\n"))
}

func (m Model) renderTodayLines(snap usage.Snapshot) []string {
	day := snap.ActiveDate
	if day == "" {
		day = "n/a"
	}
	source := string(snap.TodaySource)
	if source == "" {
		source = string(usage.TodaySourceNone)
	}

	models := []string{usage.ModelOpus, usage.ModelSonnet, usage.ModelHaiku}
	extra := lo.Without(lo.Keys(snap.ModelTokens), models...)
	slices.Sort(extra)
	models = append(models, extra...)
	modelParts := lo.FilterMap(models, func(name string, i int) (string, bool) {
		v := snap.ModelTokens[name]
		return fmt.Sprintf("%s %s", name, compactCount(v)), i < 3 || v > 0
	})

	weekly := lo.Map(snap.WeeklyTokens[:], func(v int64, _ int) float64 { return float64(v) })
	weeklyTotal := lo.Sum(snap.WeeklyTokens[:])

	return []string{
		m.styles.label.Render("activity ") + m.styles.accent.Render(day) + m.styles.dim.Render(" ["+source+"]") + m.styles.label.Render(":"),
		m.styles.dim.Render(fmt.Sprintf("- messages: %s  tool calls: %s  sessions: %s",
			compactCount(snap.TodayMessages), compactCount(snap.TodayToolCalls), compactCount(snap.TodaySessions))),
		m.styles.dim.Render("- tokens: " + compactCount(snap.TodayTokens) + " (" + strings.Join(modelParts, ", ") + ")"),
		m.styles.label.Render("five-hour tokens: ") + percentStyle(snap.UsagePercent, m.styles).Render(compactCount(snap.Tokens5h)) +
			m.styles.dim.Render(fmt.Sprintf(" (%s of est. %s cap)", formatPercent(snap.UsagePercent), compactCount(m.windowCap))),
		m.styles.label.Render("last 7 days: ") + m.styles.mono.Render(sparkline(weekly, 0)) +
			m.styles.dim.Render(" total "+compactCount(weeklyTotal)),
	}
}

func (m Model) renderTrendLine(maxWidth int) string {
	label := "session trend: "
	if len(m.trend) == 0 {
		return m.styles.label.Render(label) + m.styles.dim.Render("no history yet")
	}
	points := min(trendPoints, max(1, maxWidth-lipgloss.Width(label)-12))
	recent := m.trend[max(0, len(m.trend)-points):]
	values := lo.Map(recent, func(e history.Entry, _ int) float64 { return e.SessionPercent })
	last := recent[len(recent)-1]
	return m.styles.label.Render(label) + m.styles.mono.Render(sparkline(values, 100)) +
		m.styles.dim.Render(" now "+formatPercent(last.SessionPercent))
}

type statusLine struct {
	level string
	name  string
	value string
}

func (m Model) renderStatusLines() []string {
	lines := []statusLine{m.remoteStatusLine()}
	if m.notice != "" {
		lines = append(lines, statusLine{level: "status", name: "refresh", value: m.notice})
	}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		rendered := fmt.Sprintf("%s [%s]: %s", line.level, line.name, line.value)
		switch line.level {
		case "error":
			out = append(out, m.styles.error.Render(rendered))
		case "warning":
			out = append(out, m.styles.warn.Render(rendered))
		default:
			out = append(out, m.styles.ok.Render(rendered))
		}
	}
	return out
}

func (m Model) remoteStatusLine() statusLine {
	failures := m.update.Health.ConsecutiveFailures
	switch {
	case m.update.Status == monitor.StatusActionRequired:
		return statusLine{
			level: "error",
			name:  "remote",
			value: fmt.Sprintf("no update for %d cycles, check the claude.ai session", failures),
		}
	case failures > 0:
		return statusLine{level: "warning", name: "remote", value: fmt.Sprintf("%d cycles without update", failures)}
	case m.update.Status == monitor.StatusConnected:
		return statusLine{level: "status", name: "remote", value: "ok"}
	default:
		return statusLine{level: "status", name: "remote", value: "waiting for first update"}
	}
}

func percentStyle(percent float64, styles styles) lipgloss.Style {
	switch {
	case percent >= 90:
		return styles.bad
	case percent >= 70:
		return styles.warn
	default:
		return styles.ok
	}
}

func formatPercent(p float64) string {
	return fmt.Sprintf("%d%%", int64(p))
}

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// sparkline scales values against ceiling, or against the largest value
// when ceiling is not positive.
func sparkline(values []float64, ceiling float64) string {
	if len(values) == 0 {
		return ""
	}
	if ceiling <= 0 {
		ceiling = lo.Max(values)
	}
	var b strings.Builder
	for _, v := range values {
		idx := 0
		if ceiling > 0 && v > 0 {
			idx = int(math.Round(v / ceiling * float64(len(sparkRunes)-1)))
		}
		idx = max(0, min(idx, len(sparkRunes)-1))
		b.WriteRune(sparkRunes[idx])
	}
	return b.String()
}

func compactCount(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	if v < 1000 {
		return fmt.Sprintf("%s%d", sign, v)
	}
	units := []string{"", "k", "m", "b", "t"}
	value := float64(v)
	unitIndex := 0
	for value >= 1000 && unitIndex < len(units)-1 {
		value /= 1000
		unitIndex++
	}
	decimals := 0
	switch {
	case value >= 100:
		decimals = 0
	case value >= 10:
		decimals = 1
	default:
		decimals = 2
	}
	formatted := fmt.Sprintf("%.*f", decimals, value)
	if decimals > 0 {
		formatted = strings.TrimRight(strings.TrimRight(formatted, "0"), ".")
	}
	return fmt.Sprintf("%s%s%s", sign, formatted, units[unitIndex])
}

func clockCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg {
		return clockTickMsg{at: t}
	})
}

func waitForUpdate(updates <-chan monitor.Update) tea.Cmd {
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return updatesClosedMsg{}
		}
		return updateMsg{update: u}
	}
}

func historyCmd(reader HistoryReader) tea.Cmd {
	if reader == nil {
		return nil
	}
	return func() tea.Msg {
		return historyMsg{entries: reader.Load()}
	}
}

func refreshCmd(refresher Refresher) tea.Cmd {
	return func() tea.Msg {
		if refresher == nil {
			return refreshResultMsg{}
		}
		return refreshResultMsg{accepted: refresher.TriggerRefresh()}
	}
}

// Run blocks until the user quits or ctx is done.
func Run(ctx context.Context, opts Options) error {
	model := NewModel(opts)
	defer model.unsubscribe()
	progOpts := []tea.ProgramOption{tea.WithContext(ctx)}
	if opts.AltScreen {
		progOpts = append(progOpts, tea.WithAltScreen())
	}
	prog := tea.NewProgram(model, progOpts...)
	_, err := prog.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func joinWithPaddingKeepRight(left, right string, width int) string {
	if width <= 0 {
		return ""
	}
	rightWidth := lipgloss.Width(right)
	if rightWidth >= width {
		return truncateRunes(right, width)
	}
	maxLeftWidth := max(0, width-rightWidth-1)
	left = truncateRunes(left, maxLeftWidth)
	leftWidth := lipgloss.Width(left)
	padding := max(1, width-leftWidth-rightWidth)
	return left + strings.Repeat(" ", padding) + right
}

func truncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	return ansi.Truncate(s, maxRunes, "")
}

func clipToViewport(s string, width, height int) string {
	if width <= 0 || height <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > height {
		lines = lines[:height]
	}
	for i := range lines {
		lines[i] = truncateRunes(lines[i], width)
		pad := width - lipgloss.Width(lines[i])
		if pad > 0 {
			lines[i] += strings.Repeat(" ", pad)
		}
	}
	for len(lines) < height {
		lines = append(lines, strings.Repeat(" ", width))
	}
	return strings.Join(lines, "\n")
}

func pinFooterToBottom(top, footer string, height int) string {
	if height <= 0 {
		return ""
	}
	footerLines := []string{}
	if footer != "" {
		footerLines = strings.Split(footer, "\n")
	}
	topLines := []string{}
	if top != "" {
		topLines = strings.Split(top, "\n")
	}

	maxTopLines := max(0, height-len(footerLines))
	if len(topLines) > maxTopLines {
		topLines = topLines[:maxTopLines]
	}
	for len(topLines) < maxTopLines {
		topLines = append(topLines, "")
	}

	all := append(topLines, footerLines...)
	if len(all) == 0 {
		return ""
	}
	return strings.Join(all, "\n")
}

func humanDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return d.String()
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
}

func splitEqualPanelContentWidths(contentWidth, panelOverhead int) (panelWidth int, spacerWidth int) {
	if contentWidth <= 0 {
		return 0, 0
	}
	// 2*(panel content + panel overhead) + spacer == bottom panel outer width.
	usable := contentWidth - panelOverhead
	if usable < 3 {
		return 1, 1
	}
	if usable%2 == 0 {
		spacerWidth = 2
	} else {
		spacerWidth = 1
	}
	panelWidth = max(1, (usable-spacerWidth)/2)
	return panelWidth, spacerWidth
}

func horizontalOverhead(style lipgloss.Style) int {
	// Probe with a stable non-trivial width to avoid edge-case minimum sizing.
	const probeWidth = 40
	overhead := lipgloss.Width(style.Width(probeWidth).Render("")) - probeWidth
	if overhead < 0 {
		return 0
	}
	return overhead
}

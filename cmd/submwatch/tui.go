package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/programme-lv/submfeed/reconcile"
	"github.com/programme-lv/submfeed/streamclient"
	"github.com/programme-lv/submfeed/submevent"
)

const (
	pageKey = "submissions:1"
	// the caller's settled submissions, rebuilt whenever one of them settles
	progressKey = "progress:mine"
)

type eventMsg struct {
	ev      submevent.Event
	changed []string
}

type stateMsg streamclient.State

type expiredMsg struct{}

type touchedMsg struct {
	err error
}

var (
	blueText   = lipgloss.NewStyle().Foreground(lipgloss.Color("#3498db"))
	greenText  = lipgloss.NewStyle().Foreground(lipgloss.Color("#2ecc71"))
	redText    = lipgloss.NewStyle().Foreground(lipgloss.Color("#e74c3c"))
	violetText = lipgloss.NewStyle().Foreground(lipgloss.Color("#e056fd"))
	faintText  = lipgloss.NewStyle().Faint(true)
)

type model struct {
	cache *reconcile.Cache
	touch func(ctx context.Context) error
	owner string

	table   table.Model
	spinner spinner.Model
	state   streamclient.State
	expired bool
	last    string
	err     error

	settled  int
	accepted int
}

func newModel(cache *reconcile.Cache, touch func(ctx context.Context) error, height int) model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 10},
			{Title: "Problem", Width: 22},
			{Title: "User", Width: 14},
			{Title: "Lang", Width: 10},
			{Title: "Status", Width: 14},
			{Title: "Score", Width: 6},
			{Title: "Created", Width: 10},
		}),
		table.WithHeight(height),
		table.WithFocused(true),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("#3498db"))
	t.SetStyles(styles)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#3498db"))

	m := model{cache: cache, touch: touch, table: t, spinner: s}
	m.refreshRows()
	return m
}

func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "t":
			return m, m.touchCmd()
		}
		// any other key counts as activity for the session
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, tea.Batch(cmd, m.touchCmd())

	case eventMsg:
		m.last = fmt.Sprintf("%s %s", msg.ev.SubjectID, describe(msg.ev))
		if slices.Contains(msg.changed, pageKey) {
			m.refreshRows()
		}
		if slices.Contains(msg.changed, progressKey) {
			m.recountProgress()
		}
		return m, nil

	case stateMsg:
		m.state = streamclient.State(msg)
		return m, nil

	case expiredMsg:
		m.expired = true
		return m, nil

	case touchedMsg:
		m.err = msg.err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) touchCmd() tea.Cmd {
	if m.touch == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return touchedMsg{err: m.touch(ctx)}
	}
}

func (m *model) refreshRows() {
	page, ok := m.cache.Page(pageKey)
	if !ok {
		m.table.SetRows(nil)
		return
	}
	rows := make([]table.Row, 0, len(page.Items))
	for _, r := range page.Items {
		rows = append(rows, table.Row{
			r.ID,
			problemLabel(r),
			r.UserName,
			r.Language,
			submevent.StatusLabel(r.Status),
			fmt.Sprintf("%.0f", r.Score),
			r.CreatedAt.Local().Format("15:04:05"),
		})
	}
	m.table.SetRows(rows)
}

// recountProgress rebuilds the owner's settled listing from the main page.
func (m *model) recountProgress() {
	progress := reconcile.Page{Page: 1, Filter: reconcile.Filter{OwnerID: m.owner}}
	m.accepted = 0
	if page, ok := m.cache.Page(pageKey); ok {
		for _, r := range page.Items {
			if r.UserID != m.owner || !submevent.IsFinal(r.Status) {
				continue
			}
			progress.Items = append(progress.Items, r)
			if r.Status == submevent.StatusAccepted {
				m.accepted++
			}
		}
	}
	progress.Total = len(progress.Items)
	progress.Limit = max(progress.Total, 1)
	progress.TotalPages = 1
	m.settled = progress.Total
	m.cache.PutPage(progressKey, progress)
}

func problemLabel(r reconcile.Row) string {
	if r.ProblemTitle != "" {
		return r.ProblemTitle
	}
	return r.ProblemID
}

func describe(ev submevent.Event) string {
	if ev.IsDeletion() {
		return "deleted"
	}
	if ev.Status != nil {
		return submevent.StatusLabel(*ev.Status)
	}
	return ev.Type
}

func (m model) View() string {
	var sb strings.Builder

	sb.WriteString(violetText.Render("submwatch") + "  ")
	switch m.state {
	case streamclient.Streaming:
		sb.WriteString(greenText.Render("● live"))
	case streamclient.Connecting, streamclient.Backoff:
		sb.WriteString(m.spinner.View() + blueText.Render(m.state.String()))
	default:
		sb.WriteString(faintText.Render("○ " + m.state.String()))
	}
	if page, ok := m.cache.Page(pageKey); ok {
		sb.WriteString(faintText.Render(fmt.Sprintf("  %d total", page.Total)))
	}
	if m.owner != "" {
		sb.WriteString(faintText.Render(fmt.Sprintf("  yours: %d settled, %d accepted", m.settled, m.accepted)))
	}
	sb.WriteString("\n\n")

	sb.WriteString(m.table.View())
	sb.WriteString("\n\n")

	if m.expired {
		sb.WriteString(redText.Render("Session expired. Issue new tokens with tokengen and restart.") + "\n")
	}
	if m.err != nil {
		sb.WriteString(redText.Render(m.err.Error()) + "\n")
	}
	if m.last != "" {
		sb.WriteString(faintText.Render("last: "+m.last) + "\n")
	}
	sb.WriteString(faintText.Render("t extend session • q quit") + "\n")
	return sb.String()
}

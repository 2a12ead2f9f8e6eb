// Package ui renders one chat session as a terminal UI. It owns the scroll
// anchor policy: the engine reports what changed in the timeline and the
// view decides whether the scroll position moves.
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chatsync/anchor"
	"chatsync/engine"
	"chatsync/models"
	"chatsync/store"
)

const (
	inputHeight  = 3
	headerHeight = 1
	statusHeight = 1
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1)
	statusBarStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	ownStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Bold(true)
	peerStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	timeStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Session is the engine surface the view drives.
type Session interface {
	Send(text string)
	NotifyScroll(distanceFromOldest float64)
	HandleForeground()
	RetryFailed(ctx context.Context) error
}

// TimelineMsg carries a fresh timeline snapshot into the view.
type TimelineMsg struct {
	Snapshot []models.Message
	Mutation store.Mutation
}

// AckMsg reports a confirmed send.
type AckMsg engine.Ack

// ErrMsg surfaces a transient engine failure in the status bar.
type ErrMsg struct {
	Err error
}

// Model is the bubbletea model for one chat session.
type Model struct {
	session  Session
	peerName string

	width  int
	height int
	ready  bool

	viewport viewport.Model
	input    textarea.Model
	anchor   anchor.Policy

	snapshot []models.Message
	status   string
}

// New returns a view bound to a running session.
func New(session Session, peerName string) Model {
	ta := textarea.New()
	ta.Placeholder = "Type a message..."
	ta.Prompt = "> "
	ta.CharLimit = 2000
	ta.SetHeight(1)
	ta.ShowLineNumbers = false
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.Focus()

	return Model{
		session:  session,
		peerName: peerName,
		viewport: viewport.New(80, 20),
		input:    ta,
		status:   "connecting...",
	}
}

func (m Model) Init() tea.Cmd {
	return textarea.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateLayout()
		m.ready = true
		m.renderTimeline()
		return m, nil

	case TimelineMsg:
		m.snapshot = msg.Snapshot
		m.renderTimeline()
		decision := m.anchor.Decide(msg.Mutation, anchor.Metrics{
			ContentHeight:  m.viewport.TotalLineCount(),
			ViewportHeight: m.viewport.Height,
		})
		if decision.Target == anchor.TargetNewest {
			m.viewport.GotoBottom()
		}
		if msg.Mutation.Kind == store.MutationMarkedFailed {
			m.status = "send failed, ctrl+r to retry"
		}
		return m, nil

	case AckMsg:
		m.status = fmt.Sprintf("delivered · %d unread for %s", msg.TotalUnreadCount, m.peerName)
		return m, nil

	case ErrMsg:
		m.status = msg.Err.Error()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit

		case "pgup":
			m.viewport.LineUp(10)
			m.session.NotifyScroll(float64(m.viewport.YOffset))
			return m, nil

		case "pgdown":
			m.viewport.LineDown(10)
			return m, nil

		case "up":
			m.viewport.LineUp(1)
			m.session.NotifyScroll(float64(m.viewport.YOffset))
			return m, nil

		case "down":
			m.viewport.LineDown(1)
			return m, nil

		case "ctrl+f":
			m.session.HandleForeground()
			m.status = "resyncing..."
			return m, nil

		case "ctrl+r":
			m.status = "retrying failed sends..."
			return m, retryCmd(m.session)

		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			m.session.Send(text)
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	header := headerStyle.Render("@ " + m.peerName)
	status := statusBarStyle.Width(m.width).Render(m.status)

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.input.View(),
		status,
	)
}

func (m *Model) updateLayout() {
	contentHeight := m.height - headerHeight - inputHeight - statusHeight
	if contentHeight < 1 {
		contentHeight = 1
	}
	contentWidth := m.width
	if contentWidth < 10 {
		contentWidth = 10
	}

	m.viewport.Width = contentWidth
	m.viewport.Height = contentHeight
	m.input.SetWidth(contentWidth)
}

// renderTimeline rebuilds the viewport content. The snapshot arrives newest
// first; the view renders oldest at the top, so scrolling up moves toward
// older history.
func (m *Model) renderTimeline() {
	atBottom := m.viewport.AtBottom()

	lines := make([]string, 0, len(m.snapshot))
	for i := len(m.snapshot) - 1; i >= 0; i-- {
		lines = append(lines, m.renderMessage(m.snapshot[i]))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))

	// A reader pinned to the newest message stays pinned across re-renders;
	// anchor decisions handle the rest.
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Model) renderMessage(msg models.Message) string {
	ts := timeStyle.Render(msg.CreatedAt.Local().Format("15:04"))

	var author string
	if msg.IsFromMe {
		author = ownStyle.Render("me")
	} else {
		author = peerStyle.Render(m.peerName)
	}

	line := fmt.Sprintf("%s %s: %s", ts, author, msg.Content)
	switch {
	case msg.Pending():
		return pendingStyle.Render(line + " ...")
	case msg.Failed():
		return failedStyle.Render(line + " [failed]")
	default:
		return line
	}
}

func retryCmd(session Session) tea.Cmd {
	return func() tea.Msg {
		if err := session.RetryFailed(context.Background()); err != nil {
			return ErrMsg{Err: err}
		}
		return nil
	}
}

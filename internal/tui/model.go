// Package tui renders a conversation in the terminal. The model only holds a
// read-only copy of the message list; every change goes through the
// Controller.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"souk-chat/internal/chatsocket"
	"souk-chat/internal/conversation"
	"souk-chat/internal/models"
)

// Controller is the composer side of the conversation.
type Controller interface {
	SetInput(text string)
	Input() string
	KeyDown(ctx context.Context, key conversation.Key) (bool, error)
}

type sentMsg struct {
	err error
}

type Model struct {
	ctx   context.Context
	ctrl  Controller
	title string

	messages []models.Message
	status   chatsocket.Status
	typing   bool
	lastErr  error

	width  int
	height int

	input    textarea.Model
	timeline viewport.Model
	spinner  spinner.Model
	theme    theme
}

func New(ctx context.Context, ctrl Controller, title string) Model {
	input := textarea.New()
	input.Placeholder = "Ask about homes, cars, events..."
	input.ShowLineNumbers = false
	input.CharLimit = 4000
	input.SetHeight(3)
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	return Model{
		ctx:      ctx,
		ctrl:     ctrl,
		title:    title,
		status:   chatsocket.StatusIdle,
		input:    input,
		timeline: viewport.New(80, 20),
		spinner:  sp,
		theme:    newTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderTimeline()

	case MessagesMsg:
		m.messages = msg
		m.renderTimeline()

	case StatusMsg:
		m.status = chatsocket.Status(msg)
		if m.status == chatsocket.StatusConnected {
			m.lastErr = nil
		}

	case TypingMsg:
		m.typing = bool(msg)

	case ErrorMsg:
		// Malformed frames are a relay bug, not something the user can act on.
		var verr *models.ValidationError
		if !errors.As(msg.Err, &verr) {
			m.lastErr = msg.Err
		}

	case sentMsg:
		if msg.err != nil {
			m.lastErr = msg.err
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.hasPending() {
			m.renderTimeline()
		}
		cmds = append(cmds, cmd)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			return m, m.submit()
		case "alt+enter", "ctrl+j":
			m.ctrl.SetInput(m.input.Value())
			if _, err := m.ctrl.KeyDown(m.ctx, conversation.Key{Code: conversation.KeyEnter, Shift: true}); err != nil {
				m.lastErr = err
			}
			m.input.SetValue(m.ctrl.Input())
			return m, nil
		case "pgup":
			m.timeline.HalfViewUp()
			return m, nil
		case "pgdown":
			m.timeline.HalfViewDown()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// submit hands the composer to the controller. The HTTP leg runs as a
// command so the UI keeps drawing while it is in flight.
func (m *Model) submit() tea.Cmd {
	text := m.input.Value()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	m.ctrl.SetInput(text)
	m.input.Reset()

	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		_, err := ctrl.KeyDown(ctx, conversation.Key{Code: conversation.KeyEnter})
		return sentMsg{err: err}
	}
}

func (m *Model) resize() {
	contentWidth := max(40, m.width-4)
	m.input.SetWidth(contentWidth - 4)
	m.timeline.Width = contentWidth - 2
	m.timeline.Height = max(5, m.height-12)
}

func (m *Model) hasPending() bool {
	for _, msg := range m.messages {
		if msg.Pending {
			return true
		}
	}
	return false
}

// renderTimeline redraws the history and keeps the newest entry in view.
func (m *Model) renderTimeline() {
	m.timeline.SetContent(m.timelineContent())
	m.timeline.GotoBottom()
}

func (m *Model) timelineContent() string {
	if len(m.messages) == 0 {
		return m.theme.helpText.Render("No messages yet. Say hello to start.")
	}

	width := max(20, m.timeline.Width-2)
	var b strings.Builder
	for _, msg := range m.messages {
		ts := time.UnixMilli(msg.Timestamp).Format("15:04")
		switch msg.Role {
		case models.RoleUser:
			b.WriteString(m.theme.user.Render(ts + " you"))
		default:
			b.WriteString(m.theme.agent.Render(ts + " assistant"))
		}
		b.WriteString("\n")

		body := lipgloss.NewStyle().Width(width).Render(msg.Text)
		switch {
		case msg.Pending:
			body = m.spinner.View() + " " + m.theme.pending.Render(msg.Text)
		case msg.Error:
			body = m.theme.errorText.Width(width).Render(msg.Text)
		}
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) View() string {
	header := m.theme.header.Render(m.title)

	var typing string
	if m.typing {
		typing = m.theme.pending.Render("assistant is typing...")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.theme.panel.Render(m.timeline.View()),
		typing,
		m.theme.inputPanel.Render(m.input.View()),
		m.renderFooter(),
	)
}

func (m Model) renderFooter() string {
	line := m.theme.status.Render(fmt.Sprintf("link: %s", m.status))
	if m.lastErr != nil {
		line = m.theme.errorStatus.Render(describeError(m.lastErr))
	}
	hints := m.theme.helpText.Render("Enter send · Alt+Enter newline · PgUp/PgDn scroll · Esc quit")
	return line + "\n" + hints
}

func describeError(err error) string {
	if errors.Is(err, chatsocket.ErrAuthRejected) || errors.Is(err, chatsocket.ErrRetriesExhausted) {
		return err.Error()
	}
	return "error: " + err.Error()
}

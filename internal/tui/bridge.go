package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"souk-chat/internal/chatclient"
	"souk-chat/internal/chatsocket"
	"souk-chat/internal/models"
)

// Messages sent into the program from client callbacks.
type (
	MessagesMsg []models.Message
	StatusMsg   chatsocket.Status
	TypingMsg   bool
	ErrorMsg    struct{ Err error }
)

// Bridge forwards client events into a running program. It satisfies
// conversation.Viewport.
type Bridge struct {
	send func(tea.Msg)
}

func NewBridge(p *tea.Program) *Bridge {
	return &Bridge{send: p.Send}
}

func (b *Bridge) ScrollToLatest(messages []models.Message) {
	b.send(MessagesMsg(messages))
}

// Handlers returns client callbacks that feed the program.
func (b *Bridge) Handlers() chatclient.UIHandlers {
	return chatclient.UIHandlers{
		OnStatus: func(s chatsocket.Status) { b.send(StatusMsg(s)) },
		OnError:  func(err error) { b.send(ErrorMsg{Err: err}) },
		OnTyping: func(v bool) { b.send(TypingMsg(v)) },
	}
}

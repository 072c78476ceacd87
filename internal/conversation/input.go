package conversation

import (
	"context"
	"strings"
)

// KeyEnter is the key code that submits the composer.
const KeyEnter = "Enter"

// Key is a key press in the composer.
type Key struct {
	Code  string
	Shift bool
}

// SetInput replaces the composer text.
func (c *Coordinator) SetInput(text string) {
	c.mu.Lock()
	c.input = text
	c.mu.Unlock()
}

// Input returns the composer text.
func (c *Coordinator) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// KeyDown handles a key press. Enter sends the composer text; Shift+Enter
// inserts a newline instead. It reports whether a send was started.
func (c *Coordinator) KeyDown(ctx context.Context, key Key) (bool, error) {
	if key.Code != KeyEnter {
		return false, nil
	}
	if key.Shift {
		c.mu.Lock()
		c.input += "\n"
		c.mu.Unlock()
		return false, nil
	}
	text := c.Input()
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	return true, c.Send(ctx, text)
}

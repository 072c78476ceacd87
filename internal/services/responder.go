package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"souk-chat/internal/models"
)

// Responder produces the assistant's reply for one queued message.
type Responder interface {
	Reply(ctx context.Context, thread *models.Thread, job *models.ChatJob) (*models.Reply, error)
}

// KeywordResponder is the relay's built-in assistant: it routes the message to
// a marketplace domain by keyword and acknowledges it. Deployments with a real
// agent plug in their own Responder.
type KeywordResponder struct {
	delay time.Duration
}

func NewKeywordResponder(delay time.Duration) *KeywordResponder {
	return &KeywordResponder{delay: delay}
}

var domainKeywords = []struct {
	domain   string
	keywords []string
}{
	{"cars", []string{"car", "sedan", "suv", "truck", "vehicle", "toyota", "nissan"}},
	{"property", []string{"apartment", "villa", "rent", "flat", "house", "studio"}},
	{"jobs", []string{"job", "hiring", "salary", "vacancy", "career"}},
	{"electronics", []string{"phone", "laptop", "iphone", "tv", "camera"}},
}

var greetings = map[string]string{
	"en": "Got it.",
	"ar": "تمام.",
	"fr": "C'est noté.",
}

func detectDomain(text string) string {
	lower := strings.ToLower(text)
	for _, d := range domainKeywords {
		for _, kw := range d.keywords {
			if strings.Contains(lower, kw) {
				return d.domain
			}
		}
	}
	return ""
}

func (r *KeywordResponder) Reply(ctx context.Context, thread *models.Thread, job *models.ChatJob) (*models.Reply, error) {
	if r.delay > 0 {
		t := time.NewTimer(r.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	opener, ok := greetings[job.Language]
	if !ok {
		opener = greetings["en"]
	}

	reply := &models.Reply{ID: uuid.New(), Rich: map[string]any{}}
	domain := detectDomain(job.Message)
	if domain == "" && thread != nil && thread.ActiveDomain != nil {
		domain = *thread.ActiveDomain
	}

	if domain == "" {
		reply.Text = opener + " What are you looking for today? Cars, property, jobs or electronics?"
		intent := "clarify_domain"
		reply.CurrentIntent = &intent
	} else {
		reply.Text = fmt.Sprintf("%s Searching %s listings for %q.", opener, domain, strings.TrimSpace(job.Message))
		intent := "search"
		reply.ActiveDomain = &domain
		reply.CurrentIntent = &intent
		reply.Rich["suggestions"] = []string{"Refine by price", "Show newest first"}
	}

	summary := strings.TrimSpace(job.Message)
	if runes := []rune(summary); len(runes) > 200 {
		summary = string(runes[:200])
	}
	reply.Summary = &summary
	return reply, nil
}

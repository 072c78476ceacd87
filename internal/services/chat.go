package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"souk-chat/internal/metrics"
	"souk-chat/internal/models"
	"souk-chat/internal/repository"
)

const maxMessageLength = 4000

type ThreadStore interface {
	Ensure(ctx context.Context, id uuid.UUID, userID string) (*models.Thread, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Thread, error)
	RecordTurn(ctx context.Context, job *models.ChatJob, reply *models.Reply) error
}

type JobStore interface {
	Create(ctx context.Context, j *models.ChatJob) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateError(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error
}

type JobQueue interface {
	Push(ctx context.Context, job *models.ChatJob) error
}

type FramePublisher interface {
	Publish(ctx context.Context, threadID string, v any) error
}

// ChatService accepts user turns and turns jobs into published replies.
type ChatService struct {
	threads    ThreadStore
	jobs       JobStore
	queue      JobQueue
	responder  Responder
	publisher  FramePublisher
	maxRetries int
	now        func() time.Time
	logger     zerolog.Logger
}

func NewChatService(
	threads ThreadStore,
	jobs JobStore,
	queue JobQueue,
	responder Responder,
	publisher FramePublisher,
	maxRetries int,
	logger zerolog.Logger,
) *ChatService {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &ChatService{
		threads:    threads,
		jobs:       jobs,
		queue:      queue,
		responder:  responder,
		publisher:  publisher,
		maxRetries: maxRetries,
		now:        time.Now,
		logger:     logger.With().Str("component", "chat").Logger(),
	}
}

// Submit validates a user turn, makes sure its thread exists and queues it.
// With sync set the reply is produced inline and returned in Response; it is
// published to the thread as well so live sockets see it too.
func (s *ChatService) Submit(ctx context.Context, userID, traceID string, req models.SendRequest, sync bool) (*models.SendResponse, error) {
	fieldErrors := make(map[string]string)

	text := strings.TrimSpace(req.Message)
	switch {
	case text == "":
		fieldErrors["message"] = "Message is required"
	case utf8.RuneCountInString(text) > maxMessageLength:
		fieldErrors["message"] = fmt.Sprintf("Message must be at most %d characters", maxMessageLength)
	}
	if strings.TrimSpace(req.ClientMsgID) == "" {
		fieldErrors["client_msg_id"] = "Client message ID is required"
	}

	threadID := uuid.New()
	ref := req.ThreadID
	if ref == "" {
		ref = req.ConversationID
	}
	if ref != "" {
		parsed, err := uuid.Parse(ref)
		if err != nil {
			fieldErrors["thread_id"] = "Invalid thread ID"
		}
		threadID = parsed
	}

	if len(fieldErrors) > 0 {
		return nil, &ValidationError{Fields: fieldErrors}
	}

	thread, err := s.threads.Ensure(ctx, threadID, userID)
	if errors.Is(err, repository.ErrThreadNotFound) {
		return nil, &NotFoundError{Message: "Thread not found"}
	}
	if err != nil {
		return nil, err
	}

	job := &models.ChatJob{
		ID:          uuid.New(),
		UserID:      userID,
		ThreadID:    thread.ID,
		ClientMsgID: req.ClientMsgID,
		TraceID:     traceID,
		Message:     text,
		Language:    req.Language,
		MaxRetries:  s.maxRetries,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to record job: %w", err)
	}

	resp := &models.SendResponse{
		ThreadID:        thread.ID.String(),
		QueuedMessageID: job.ID.String(),
	}

	if sync {
		reply, err := s.Process(ctx, job)
		if err == nil {
			s.jobs.UpdateStatus(ctx, job.ID, repository.JobCompleted)
			resp.Response, _ = json.Marshal(map[string]any{"text": reply.Text, "rich": reply.Rich})
			metrics.MessagesAccepted.WithLabelValues("sync").Inc()
			return resp, nil
		}
		s.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("inline reply failed, queueing")
	}

	if err := s.queue.Push(ctx, job); err != nil {
		return nil, err
	}
	metrics.MessagesAccepted.WithLabelValues("queued").Inc()
	return resp, nil
}

// Process produces, stores and publishes the reply for job.
func (s *ChatService) Process(ctx context.Context, job *models.ChatJob) (*models.Reply, error) {
	thread, err := s.threads.GetByID(ctx, job.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}

	reply, err := s.responder.Reply(ctx, thread, job)
	if err != nil {
		return nil, fmt.Errorf("responder failed: %w", err)
	}

	if err := s.threads.RecordTurn(ctx, job, reply); err != nil {
		return nil, err
	}

	threadID := job.ThreadID.String()
	frame := models.NewAssistantMessage(threadID,
		models.AssistantPayload{ID: reply.ID.String(), Text: reply.Text, Rich: reply.Rich},
		models.AssistantMeta{
			InReplyTo:       job.ClientMsgID,
			QueuedMessageID: job.ID.String(),
			Trace:           job.TraceID,
		},
		s.now().UnixMilli(),
	)
	if err := s.publisher.Publish(ctx, threadID, frame); err != nil {
		// The turn is stored; the client recovers through its timeout.
		s.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to publish reply")
	}
	return reply, nil
}

// Fail tells the thread's sockets that job will not get a reply.
func (s *ChatService) Fail(ctx context.Context, job *models.ChatJob, reason string) error {
	ref := models.ChatErrorRef{
		InReplyTo:       job.ClientMsgID,
		ClientMsgID:     job.ClientMsgID,
		QueuedMessageID: job.ID.String(),
	}
	return s.publisher.Publish(ctx, job.ThreadID.String(), models.NewChatError(ref, reason))
}

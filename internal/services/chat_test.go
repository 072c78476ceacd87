package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"souk-chat/internal/models"
	"souk-chat/internal/repository"
)

type memThreads struct {
	mu      sync.Mutex
	threads map[uuid.UUID]*models.Thread
	turns   []*models.Reply
}

func newMemThreads() *memThreads {
	return &memThreads{threads: map[uuid.UUID]*models.Thread{}}
}

func (m *memThreads) Ensure(_ context.Context, id uuid.UUID, userID string) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		t = &models.Thread{ID: id, UserID: userID}
		m.threads[id] = t
	}
	if t.UserID != userID {
		return nil, repository.ErrThreadNotFound
	}
	return t, nil
}

func (m *memThreads) GetByID(_ context.Context, id uuid.UUID) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, repository.ErrThreadNotFound
	}
	return t, nil
}

func (m *memThreads) RecordTurn(_ context.Context, job *models.ChatJob, reply *models.Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.threads[job.ThreadID]
	t.TurnCount++
	if reply.ActiveDomain != nil {
		t.ActiveDomain = reply.ActiveDomain
	}
	m.turns = append(m.turns, reply)
	return nil
}

type memJobs struct {
	mu       sync.Mutex
	created  []*models.ChatJob
	statuses map[uuid.UUID]string
}

func newMemJobs() *memJobs { return &memJobs{statuses: map[uuid.UUID]string{}} }

func (m *memJobs) Create(_ context.Context, j *models.ChatJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.CreatedAt = time.Now()
	m.created = append(m.created, j)
	m.statuses[j.ID] = repository.JobPending
	return nil
}

func (m *memJobs) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = status
	return nil
}

func (m *memJobs) UpdateError(_ context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	return nil
}

type memQueue struct {
	mu   sync.Mutex
	jobs []*models.ChatJob
}

func (m *memQueue) Push(_ context.Context, job *models.ChatJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

type published struct {
	threadID string
	data     []byte
}

type memPublisher struct {
	mu     sync.Mutex
	frames []published
}

func (m *memPublisher) Publish(_ context.Context, threadID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, published{threadID, data})
	return nil
}

type failingResponder struct{}

func (failingResponder) Reply(context.Context, *models.Thread, *models.ChatJob) (*models.Reply, error) {
	return nil, errors.New("agent offline")
}

type chatFixture struct {
	svc       *ChatService
	threads   *memThreads
	jobs      *memJobs
	queue     *memQueue
	publisher *memPublisher
}

func newChatFixture(responder Responder) *chatFixture {
	f := &chatFixture{
		threads:   newMemThreads(),
		jobs:      newMemJobs(),
		queue:     &memQueue{},
		publisher: &memPublisher{},
	}
	f.svc = NewChatService(f.threads, f.jobs, f.queue, responder, f.publisher, 3, zerolog.Nop())
	f.svc.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return f
}

func TestSubmit_Queued(t *testing.T) {
	f := newChatFixture(NewKeywordResponder(0))

	resp, err := f.svc.Submit(context.Background(), "guest-1", "corr-1", models.SendRequest{
		Message:     "  looking for a sedan  ",
		Language:    "en",
		ClientMsgID: "c1",
	}, false)
	require.NoError(t, err)

	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	assert.Equal(t, resp.ThreadID, job.ThreadID.String())
	assert.Equal(t, resp.QueuedMessageID, job.ID.String())
	assert.Equal(t, "looking for a sedan", job.Message)
	assert.Equal(t, "c1", job.ClientMsgID)
	assert.Equal(t, "corr-1", job.TraceID)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Empty(t, resp.Response)
	assert.Len(t, f.jobs.created, 1)
	assert.Empty(t, f.publisher.frames)
}

func TestSubmit_ReusesThread(t *testing.T) {
	f := newChatFixture(NewKeywordResponder(0))
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, "guest-1", "", models.SendRequest{Message: "hi", ClientMsgID: "c1"}, false)
	require.NoError(t, err)

	second, err := f.svc.Submit(ctx, "guest-1", "", models.SendRequest{Message: "again", ClientMsgID: "c2", ThreadID: first.ThreadID}, false)
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, second.ThreadID)

	third, err := f.svc.Submit(ctx, "guest-1", "", models.SendRequest{Message: "legacy", ClientMsgID: "c3", ConversationID: first.ThreadID}, false)
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, third.ThreadID)
}

func TestSubmit_ForeignThread(t *testing.T) {
	f := newChatFixture(NewKeywordResponder(0))
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, "guest-1", "", models.SendRequest{Message: "hi", ClientMsgID: "c1"}, false)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, "guest-2", "", models.SendRequest{Message: "hi", ClientMsgID: "c1", ThreadID: first.ThreadID}, false)
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestSubmit_Validation(t *testing.T) {
	f := newChatFixture(NewKeywordResponder(0))

	long := make([]rune, maxMessageLength+1)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name  string
		req   models.SendRequest
		field string
	}{
		{"blank message", models.SendRequest{Message: "   ", ClientMsgID: "c1"}, "message"},
		{"too long", models.SendRequest{Message: string(long), ClientMsgID: "c1"}, "message"},
		{"missing client id", models.SendRequest{Message: "hi"}, "client_msg_id"},
		{"bad thread", models.SendRequest{Message: "hi", ClientMsgID: "c1", ThreadID: "nope"}, "thread_id"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), "guest-1", "", tc.req, false)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Fields, tc.field)
		})
	}
	assert.Empty(t, f.queue.jobs)
}

func TestSubmit_Sync(t *testing.T) {
	f := newChatFixture(NewKeywordResponder(0))

	resp, err := f.svc.Submit(context.Background(), "guest-1", "corr-1", models.SendRequest{
		Message:     "need an apartment",
		ClientMsgID: "c1",
	}, true)
	require.NoError(t, err)

	text, _, ok := resp.Reply()
	require.True(t, ok)
	assert.Contains(t, text, "property")
	assert.Empty(t, f.queue.jobs)

	jobID := uuid.MustParse(resp.QueuedMessageID)
	assert.Equal(t, repository.JobCompleted, f.jobs.statuses[jobID])

	require.Len(t, f.publisher.frames, 1)
	frame, err := models.ParseFrame(f.publisher.frames[0].data)
	require.NoError(t, err)
	msg := frame.(*models.AssistantMessageFrame)
	assert.Equal(t, "c1", msg.InReplyTo)
	assert.Equal(t, resp.QueuedMessageID, msg.QueuedMessageID)
	assert.Equal(t, "corr-1", msg.Trace)
	assert.Equal(t, int64(1700000000000), msg.Timestamp)
}

func TestSubmit_SyncFallsBackToQueue(t *testing.T) {
	f := newChatFixture(failingResponder{})

	resp, err := f.svc.Submit(context.Background(), "guest-1", "", models.SendRequest{Message: "hi", ClientMsgID: "c1"}, true)
	require.NoError(t, err)
	assert.Empty(t, resp.Response)
	assert.Len(t, f.queue.jobs, 1)
}

func TestProcess_UpdatesThread(t *testing.T) {
	f := newChatFixture(NewKeywordResponder(0))
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, "guest-1", "", models.SendRequest{Message: "selling my toyota", ClientMsgID: "c1"}, false)
	require.NoError(t, err)

	job := f.queue.jobs[0]
	reply, err := f.svc.Process(ctx, job)
	require.NoError(t, err)
	require.NotNil(t, reply.ActiveDomain)
	assert.Equal(t, "cars", *reply.ActiveDomain)

	thread, err := f.threads.GetByID(ctx, job.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, thread.TurnCount)
}

func TestFail_PublishesChatError(t *testing.T) {
	f := newChatFixture(NewKeywordResponder(0))
	job := &models.ChatJob{ID: uuid.New(), ThreadID: uuid.New(), ClientMsgID: "c9"}

	require.NoError(t, f.svc.Fail(context.Background(), job, "agent offline"))

	require.Len(t, f.publisher.frames, 1)
	frame, err := models.ParseFrame(f.publisher.frames[0].data)
	require.NoError(t, err)
	e := frame.(*models.ChatErrorFrame)
	assert.Equal(t, "c9", e.InReplyTo)
	assert.Equal(t, job.ID.String(), e.QueuedMessageID)
	assert.Equal(t, "agent offline", e.Error)
}

func TestKeywordResponder(t *testing.T) {
	r := NewKeywordResponder(0)
	ctx := context.Background()

	reply, err := r.Reply(ctx, &models.Thread{}, &models.ChatJob{Message: "hello", Language: "fr"})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "C'est noté.")
	assert.Nil(t, reply.ActiveDomain)
	assert.Equal(t, "clarify_domain", *reply.CurrentIntent)

	domain := "jobs"
	reply, err = r.Reply(ctx, &models.Thread{ActiveDomain: &domain}, &models.ChatJob{Message: "anything remote?"})
	require.NoError(t, err)
	assert.Equal(t, "jobs", *reply.ActiveDomain, "falls back to the thread's domain")
}

func TestKeywordResponder_HonoursContext(t *testing.T) {
	r := NewKeywordResponder(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Reply(ctx, nil, &models.ChatJob{Message: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
}

package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"souk-chat/internal/backoff"
	"souk-chat/internal/metrics"
	"souk-chat/internal/models"
	"souk-chat/internal/repository"
)

type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (*models.ChatJob, error)
	Push(ctx context.Context, job *models.ChatJob) error
	Lock(ctx context.Context, jobID string) (bool, error)
	Unlock(ctx context.Context, jobID string) error
}

type Processor interface {
	Process(ctx context.Context, job *models.ChatJob) (*models.Reply, error)
	Fail(ctx context.Context, job *models.ChatJob, reason string) error
}

type TypingPublisher interface {
	SetTyping(ctx context.Context, threadID string, on bool) error
}

type JobStatus interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateError(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error
}

// FailureReason is sent to clients in the chat_error frame once a job has
// used up its retries.
const FailureReason = "reply failed"

// RetryPolicy spaces requeues of a failed job: 2s, 4s, 8s...
func RetryPolicy() backoff.Policy {
	return backoff.Policy{Initial: 2 * time.Second, Max: 30 * time.Second, Multiplier: 2}
}

type Pool struct {
	queue       Queue
	processor   Processor
	typing      TypingPublisher
	jobs        JobStatus
	policy      backoff.Policy
	after       func(time.Duration, func())
	popTimeout  time.Duration
	workerCount int
	logger      zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewPool(
	queue Queue,
	processor Processor,
	typing TypingPublisher,
	jobs JobStatus,
	workerCount int,
	logger zerolog.Logger,
) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Pool{
		queue:       queue,
		processor:   processor,
		typing:      typing,
		jobs:        jobs,
		policy:      RetryPolicy(),
		after:       func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		popTimeout:  5 * time.Second,
		workerCount: workerCount,
		logger:      logger.With().Str("component", "worker").Logger(),
		stopChan:    make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.logger.Info().Int("workers", p.workerCount).Msg("started worker goroutines")
}

// Stop signals every worker and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With().Int("worker", id).Logger()

	for {
		select {
		case <-p.stopChan:
			log.Debug().Msg("worker shutting down")
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Pop(ctx, p.popTimeout)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("dequeue failed")
				time.Sleep(time.Second)
			}
			continue
		}
		if job == nil {
			continue
		}

		p.handle(ctx, job)
	}
}

func (p *Pool) handle(ctx context.Context, job *models.ChatJob) {
	jobID := job.ID.String()
	log := p.logger.With().Str("job_id", jobID).Str("thread_id", job.ThreadID.String()).Logger()

	locked, err := p.queue.Lock(ctx, jobID)
	if err != nil || !locked {
		return // Another worker has this job
	}
	defer p.queue.Unlock(context.WithoutCancel(ctx), jobID)

	log.Debug().Int("attempt", job.RetryCount+1).Msg("processing job")
	start := time.Now()

	p.jobs.UpdateStatus(ctx, job.ID, repository.JobProcessing)

	threadID := job.ThreadID.String()
	if err := p.typing.SetTyping(ctx, threadID, true); err != nil {
		log.Warn().Err(err).Msg("failed to publish typing")
	}

	_, processErr := p.processor.Process(ctx, job)

	if err := p.typing.SetTyping(context.WithoutCancel(ctx), threadID, false); err != nil {
		log.Warn().Err(err).Msg("failed to clear typing")
	}

	if processErr != nil {
		p.handleFailure(ctx, job, processErr)
		return
	}

	p.jobs.UpdateStatus(ctx, job.ID, repository.JobCompleted)
	metrics.JobsProcessed.WithLabelValues("completed").Inc()
	metrics.JobDuration.Observe(time.Since(start).Seconds())
	log.Info().Dur("took", time.Since(start)).Msg("job completed")
}

func (p *Pool) handleFailure(ctx context.Context, job *models.ChatJob, err error) {
	job.RetryCount++
	errMsg := err.Error()
	log := p.logger.With().Str("job_id", job.ID.String()).Int("attempt", job.RetryCount).Logger()

	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	if job.RetryCount < maxRetries {
		delay := p.policy.Delay(job.RetryCount)
		log.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, retrying")
		p.jobs.UpdateStatus(ctx, job.ID, repository.JobPending)
		p.jobs.UpdateError(ctx, job.ID, errMsg, job.RetryCount)
		metrics.JobsProcessed.WithLabelValues("retried").Inc()

		requeue := *job
		p.after(delay, func() {
			if err := p.queue.Push(context.Background(), &requeue); err != nil {
				p.logger.Error().Err(err).Str("job_id", requeue.ID.String()).Msg("failed to requeue job")
			}
		})
		return
	}

	log.Error().Err(err).Msg("job failed permanently")
	p.jobs.UpdateStatus(ctx, job.ID, repository.JobFailed)
	p.jobs.UpdateError(ctx, job.ID, errMsg, job.RetryCount)
	metrics.JobsProcessed.WithLabelValues("failed").Inc()

	if err := p.processor.Fail(ctx, job, FailureReason); err != nil {
		log.Error().Err(err).Msg("failed to publish chat error")
	}
}

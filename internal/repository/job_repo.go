package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"souk-chat/internal/models"
)

// Job states recorded in chat_jobs.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

func (r *JobRepo) Create(ctx context.Context, j *models.ChatJob) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	j.RetryCount = 0

	query := `INSERT INTO chat_jobs (id, thread_id, user_id, client_msg_id, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`

	return r.pool.QueryRow(ctx, query,
		j.ID, j.ThreadID, j.UserID, j.ClientMsgID, JobPending, j.RetryCount,
	).Scan(&j.CreatedAt)
}

func (r *JobRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := "UPDATE chat_jobs SET status = $1 WHERE id = $2"
	if status == JobCompleted || status == JobFailed {
		query = "UPDATE chat_jobs SET status = $1, completed_at = $2 WHERE id = $3"
		_, err := r.pool.Exec(ctx, query, status, time.Now(), id)
		return err
	}
	_, err := r.pool.Exec(ctx, query, status, id)
	return err
}

func (r *JobRepo) UpdateError(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE chat_jobs SET error_message = $1, retry_count = $2 WHERE id = $3",
		errMsg, retryCount, id,
	)
	return err
}

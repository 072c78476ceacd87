package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"souk-chat/internal/models"
)

// ErrThreadNotFound is returned when a thread does not exist or belongs to
// another user.
var ErrThreadNotFound = errors.New("thread not found")

type ThreadRepo struct {
	pool *pgxpool.Pool
}

func NewThreadRepo(pool *pgxpool.Pool) *ThreadRepo {
	return &ThreadRepo{pool: pool}
}

const threadColumns = `id, user_id, active_domain, current_intent, conversation_summary, turn_count, created_at, updated_at`

func scanThread(row pgx.Row) (*models.Thread, error) {
	t := &models.Thread{}
	err := row.Scan(
		&t.ID, &t.UserID, &t.ActiveDomain, &t.CurrentIntent, &t.ConversationSummary,
		&t.TurnCount, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, err
	}
	return t, nil
}

// Ensure returns the user's thread with id, creating it when it does not
// exist yet. A thread owned by someone else is reported as not found.
func (r *ThreadRepo) Ensure(ctx context.Context, id uuid.UUID, userID string) (*models.Thread, error) {
	query := `INSERT INTO threads (id, user_id) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`
	if _, err := r.pool.Exec(ctx, query, id, userID); err != nil {
		return nil, fmt.Errorf("failed to ensure thread: %w", err)
	}

	t, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrThreadNotFound
	}
	return t, nil
}

func (r *ThreadRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Thread, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, id)
	return scanThread(row)
}

// RecordTurn stores the user message and the assistant reply for one job and
// advances the thread's rehydration state.
func (r *ThreadRepo) RecordTurn(ctx context.Context, job *models.ChatJob, reply *models.Reply) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin turn: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `INSERT INTO chat_turns (id, thread_id, job_id, client_msg_id, role, text)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, insert, uuid.New(), job.ThreadID, job.ID, job.ClientMsgID, string(models.RoleUser), job.Message); err != nil {
		return fmt.Errorf("failed to store user turn: %w", err)
	}
	if _, err := tx.Exec(ctx, insert, reply.ID, job.ThreadID, job.ID, job.ClientMsgID, string(models.RoleAgent), reply.Text); err != nil {
		return fmt.Errorf("failed to store reply turn: %w", err)
	}

	update := `UPDATE threads SET
			active_domain = COALESCE($2, active_domain),
			current_intent = $3,
			conversation_summary = COALESCE($4, conversation_summary),
			turn_count = turn_count + 1,
			updated_at = NOW()
		WHERE id = $1`
	if _, err := tx.Exec(ctx, update, job.ThreadID, reply.ActiveDomain, reply.CurrentIntent, reply.Summary); err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}

	return tx.Commit(ctx)
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/instoredealz/claim-service/internal/models"
)

type AttemptRepo struct {
	db *sql.DB
}

func NewAttemptRepo(db *sql.DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// BeginPINAttempt locks the user row so concurrent guesses by the same user
// see each other's attempts, runs check over the recent history and records
// a failed attempt if check allows it.
func (r *AttemptRepo) BeginPINAttempt(ctx context.Context, dealID, userID int64, since, at time.Time, check models.PINAttemptCheck) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var locked int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("lock user: %w", err)
	}

	history, err := listPINAttempts(ctx, tx, dealID, userID, since)
	if err != nil {
		return 0, err
	}
	if err := check(history); err != nil {
		return 0, err
	}

	insert := `
		INSERT INTO pin_attempts (deal_id, user_id, success, created_at)
		VALUES ($1, $2, FALSE, $3)
		RETURNING id
	`
	var id int64
	if err := tx.QueryRowContext(ctx, insert, dealID, userID, at).Scan(&id); err != nil {
		return 0, fmt.Errorf("record pin attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("tx commit: %w", err)
	}
	committed = true
	return id, nil
}

func (r *AttemptRepo) MarkPINAttemptSucceeded(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE pin_attempts SET success = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark pin attempt: %w", err)
	}
	return expectOneRow(res, ErrNotFound)
}

// ListPINAttempts returns the user's attempts against the deal made after
// since, oldest first.
func (r *AttemptRepo) ListPINAttempts(ctx context.Context, dealID, userID int64, since time.Time) ([]models.PINAttempt, error) {
	return listPINAttempts(ctx, r.db, dealID, userID, since)
}

func listPINAttempts(ctx context.Context, q queryer, dealID, userID int64, since time.Time) ([]models.PINAttempt, error) {
	query := `
		SELECT id, deal_id, user_id, success, created_at
		FROM pin_attempts
		WHERE deal_id = $1 AND user_id = $2 AND created_at > $3
		ORDER BY created_at, id
	`
	rows, err := q.QueryContext(ctx, query, dealID, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list pin attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.PINAttempt
	for rows.Next() {
		var a models.PINAttempt
		if err := rows.Scan(&a.ID, &a.DealID, &a.UserID, &a.Success, &a.CreatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

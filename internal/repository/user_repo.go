package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/instoredealz/claim-service/internal/models"
)

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) GetUser(ctx context.Context, id int64) (*models.User, error) {
	query := `
		SELECT id, name, email, phone, total_savings, deals_claimed
		FROM users
		WHERE id = $1
	`
	var u models.User
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.Phone,
		&u.TotalSavings,
		&u.DealsClaimed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

// creditSavingsSQL adds to the user's savings and counts one more claimed
// deal.
const creditSavingsSQL = `
	UPDATE users
	SET total_savings = total_savings + $2,
	    deals_claimed = deals_claimed + 1
	WHERE id = $1
`

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/instoredealz/claim-service/internal/models"
)

type ClaimRepo struct {
	db *sql.DB
}

func NewClaimRepo(db *sql.DB) *ClaimRepo {
	return &ClaimRepo{db: db}
}

const claimColumns = `
	id, deal_id, user_id, claim_code, code_expires_at, status, vendor_verified,
	bill_amount, actual_savings, claimed_at, verified_at, used_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(row rowScanner) (*models.Claim, error) {
	var (
		c                  models.Claim
		verifiedAt, usedAt sql.NullTime
	)
	err := row.Scan(
		&c.ID,
		&c.DealID,
		&c.UserID,
		&c.ClaimCode,
		&c.CodeExpiresAt,
		&c.Status,
		&c.VendorVerified,
		&c.BillAmount,
		&c.ActualSavings,
		&c.ClaimedAt,
		&verifiedAt,
		&usedAt,
	)
	if err != nil {
		return nil, err
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		c.VerifiedAt = &t
	}
	if usedAt.Valid {
		t := usedAt.Time
		c.UsedAt = &t
	}
	return &c, nil
}

// CreateClaim inserts c after locking the deal row and checking that
// redemptions plus outstanding unexpired claims leave room for one more.
// A claim code collision returns ErrConflict.
func (r *ClaimRepo) CreateClaim(ctx context.Context, c *models.Claim) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var maxRedemptions, current int
	lock := `
		SELECT max_redemptions, current_redemptions
		FROM deals
		WHERE id = $1
		FOR UPDATE
	`
	if err := tx.QueryRowContext(ctx, lock, c.DealID).Scan(&maxRedemptions, &current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock deal: %w", err)
	}

	if maxRedemptions > 0 {
		var outstanding int
		count := `
			SELECT COUNT(*)
			FROM claims
			WHERE deal_id = $1
			  AND status IN ('claimed', 'verified')
			  AND code_expires_at > $2
		`
		if err := tx.QueryRowContext(ctx, count, c.DealID, c.ClaimedAt).Scan(&outstanding); err != nil {
			return fmt.Errorf("count outstanding claims: %w", err)
		}
		if current+outstanding >= maxRedemptions {
			return ErrCapacity
		}
	}

	insert := `
		INSERT INTO claims
		(id, deal_id, user_id, claim_code, code_expires_at, status, vendor_verified, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = tx.ExecContext(ctx, insert,
		c.ID,
		c.DealID,
		c.UserID,
		c.ClaimCode,
		c.CodeExpiresAt,
		string(c.Status),
		c.VendorVerified,
		c.ClaimedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	committed = true
	return nil
}

func (r *ClaimRepo) FindClaimByCode(ctx context.Context, code string) (*models.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE claim_code = $1`
	c, err := scanClaim(r.db.QueryRowContext(ctx, query, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find claim: %w", err)
	}
	return c, nil
}

const updateClaimStatusSQL = `
	UPDATE claims
	SET status = $3,
	    vendor_verified = vendor_verified OR $3 = 'verified',
	    verified_at = CASE WHEN $3 = 'verified' THEN $4 ELSE verified_at END,
	    used_at = CASE WHEN $3 = 'used' THEN $4 ELSE used_at END,
	    bill_amount = COALESCE($5, bill_amount),
	    actual_savings = COALESCE($6, actual_savings)
	WHERE id = $1 AND status = $2
	RETURNING ` + claimColumns

// UpdateClaimStatus applies t to the claim only if its stored status is
// still t.From; otherwise it returns ErrConflict.
func (r *ClaimRepo) UpdateClaimStatus(ctx context.Context, id string, t models.ClaimTransition) (*models.Claim, error) {
	c, err := scanClaim(r.db.QueryRowContext(ctx, updateClaimStatusSQL,
		id,
		string(t.From),
		string(t.To),
		t.At,
		t.BillAmount,
		t.Savings,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("update claim status: %w", err)
	}
	return c, nil
}

// CompleteClaim marks a verified claim used, increments the deal's
// redemptions and credits the user's savings in one transaction. A claim no
// longer verified returns ErrConflict; a fully redeemed deal ErrCapacity.
func (r *ClaimRepo) CompleteClaim(ctx context.Context, c *models.Claim, billAmount, savings decimal.Decimal, at time.Time) (*models.Claim, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var status string
	lock := `SELECT status FROM claims WHERE id = $1 FOR UPDATE`
	if err := tx.QueryRowContext(ctx, lock, c.ID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock claim: %w", err)
	}
	if models.ClaimStatus(status) != models.ClaimStatusVerified {
		return nil, ErrConflict
	}

	res, err := tx.ExecContext(ctx, incrementRedemptionsSQL, c.DealID)
	if err != nil {
		return nil, fmt.Errorf("increment deal redemptions: %w", err)
	}
	if err := expectOneRow(res, ErrCapacity); err != nil {
		return nil, err
	}

	res, err = tx.ExecContext(ctx, creditSavingsSQL, c.UserID, savings)
	if err != nil {
		return nil, fmt.Errorf("credit user savings: %w", err)
	}
	if err := expectOneRow(res, ErrNotFound); err != nil {
		return nil, err
	}

	used, err := scanClaim(tx.QueryRowContext(ctx, updateClaimStatusSQL,
		c.ID,
		string(models.ClaimStatusVerified),
		string(models.ClaimStatusUsed),
		at,
		decimal.NewNullDecimal(billAmount),
		decimal.NewNullDecimal(savings),
	))
	if err != nil {
		return nil, fmt.Errorf("mark claim used: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tx commit: %w", err)
	}
	committed = true
	return used, nil
}

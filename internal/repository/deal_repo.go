package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/instoredealz/claim-service/internal/models"
)

type DealRepo struct {
	db *sql.DB
}

func NewDealRepo(db *sql.DB) *DealRepo {
	return &DealRepo{db: db}
}

const dealColumns = `
	id, vendor_id, title, discount_percentage, valid_from, valid_until,
	max_redemptions, current_redemptions, is_approved, is_active, deal_type,
	affiliate_link, pin_hash, pin_salt, pin_expires_at, created_at, updated_at`

func (r *DealRepo) GetDeal(ctx context.Context, id int64) (*models.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE id = $1`

	var (
		d                     models.Deal
		validFrom, validUntil sql.NullTime
		pinExpires            sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID,
		&d.VendorID,
		&d.Title,
		&d.DiscountPercentage,
		&validFrom,
		&validUntil,
		&d.MaxRedemptions,
		&d.CurrentRedemptions,
		&d.IsApproved,
		&d.IsActive,
		&d.DealType,
		&d.AffiliateLink,
		&d.PINHash,
		&d.PINSalt,
		&pinExpires,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get deal %d: %w", id, err)
	}

	if validFrom.Valid {
		d.ValidFrom = validFrom.Time
	}
	if validUntil.Valid {
		d.ValidUntil = validUntil.Time
	}
	if pinExpires.Valid {
		t := pinExpires.Time
		d.PINExpiresAt = &t
	}
	return &d, nil
}

// SetDealPIN stores a hashed verification PIN for the deal.
func (r *DealRepo) SetDealPIN(ctx context.Context, dealID int64, hash, salt string, expiresAt time.Time) error {
	query := `
		UPDATE deals
		SET pin_hash = $2, pin_salt = $3, pin_expires_at = $4, updated_at = NOW()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, dealID, hash, salt, expiresAt)
	if err != nil {
		return fmt.Errorf("set deal pin: %w", err)
	}
	return expectOneRow(res, ErrNotFound)
}

// incrementRedemptionsSQL bumps the redemption counter unless that would
// exceed max_redemptions.
const incrementRedemptionsSQL = `
	UPDATE deals
	SET current_redemptions = current_redemptions + 1, updated_at = NOW()
	WHERE id = $1
	  AND (max_redemptions = 0 OR current_redemptions < max_redemptions)
`

func expectOneRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}

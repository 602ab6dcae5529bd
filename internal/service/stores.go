package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/instoredealz/claim-service/internal/models"
)

// Persistence collaborators. Implementations return repository.ErrNotFound,
// repository.ErrConflict and repository.ErrCapacity so the workflow can tell
// outcomes apart; every write is expected to be atomic.

type ClaimStore interface {
	CreateClaim(ctx context.Context, c *models.Claim) error
	FindClaimByCode(ctx context.Context, code string) (*models.Claim, error)
	UpdateClaimStatus(ctx context.Context, id string, t models.ClaimTransition) (*models.Claim, error)
	// CompleteClaim moves a verified claim to used, bumps the deal's
	// redemption count and credits the user's savings in one unit. Nothing
	// is written when any step fails.
	CompleteClaim(ctx context.Context, c *models.Claim, billAmount, savings decimal.Decimal, at time.Time) (*models.Claim, error)
}

type DealStore interface {
	GetDeal(ctx context.Context, id int64) (*models.Deal, error)
	SetDealPIN(ctx context.Context, dealID int64, hash, salt string, expiresAt time.Time) error
}

type UserStore interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

type AttemptStore interface {
	// BeginPINAttempt passes the (deal, user) attempts made after since to
	// check and, if it allows, records a failed attempt at the given time.
	// Check and insert are serialized per user. The returned id is later
	// handed to MarkPINAttemptSucceeded.
	BeginPINAttempt(ctx context.Context, dealID, userID int64, since, at time.Time, check models.PINAttemptCheck) (int64, error)
	MarkPINAttemptSucceeded(ctx context.Context, id int64) error
}

type Stores struct {
	Claims   ClaimStore
	Deals    DealStore
	Users    UserStore
	Attempts AttemptStore
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ClaimStatus string

const (
	ClaimStatusClaimed  ClaimStatus = "claimed"
	ClaimStatusVerified ClaimStatus = "verified"
	ClaimStatusUsed     ClaimStatus = "used"
	ClaimStatusExpired  ClaimStatus = "expired"
)

// ClaimCodeTTL is how long a claim code stays redeemable.
const ClaimCodeTTL = 24 * time.Hour

type Claim struct {
	ID             string
	DealID         int64
	UserID         int64
	ClaimCode      string
	CodeExpiresAt  time.Time
	Status         ClaimStatus
	VendorVerified bool
	BillAmount     decimal.NullDecimal
	ActualSavings  decimal.NullDecimal
	ClaimedAt      time.Time
	VerifiedAt     *time.Time
	UsedAt         *time.Time
}

// Expired reports whether the code is past its expiry at now. Used claims
// never expire.
func (c *Claim) Expired(now time.Time) bool {
	if c.Status == ClaimStatusUsed {
		return false
	}
	return c.Status == ClaimStatusExpired || !now.Before(c.CodeExpiresAt)
}

// ClaimTransition is a conditional status change: it applies only while the
// stored status still equals From.
type ClaimTransition struct {
	From       ClaimStatus
	To         ClaimStatus
	At         time.Time
	BillAmount decimal.NullDecimal
	Savings    decimal.NullDecimal
}

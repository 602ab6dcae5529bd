package models

import "time"

type DealType string

const (
	DealTypeOnline  DealType = "online"
	DealTypeOffline DealType = "offline"
)

type Deal struct {
	ID                 int64
	VendorID           int64
	Title              string
	DiscountPercentage int
	ValidFrom          time.Time
	ValidUntil         time.Time
	// MaxRedemptions of zero means unlimited.
	MaxRedemptions     int
	CurrentRedemptions int
	IsApproved         bool
	IsActive           bool
	DealType           DealType
	AffiliateLink      string
	PINHash            string
	PINSalt            string
	PINExpiresAt       *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Available reports whether the deal can be claimed at now, ignoring
// outstanding claims.
func (d *Deal) Available(now time.Time) bool {
	if !d.IsActive || !d.IsApproved {
		return false
	}
	if !d.ValidFrom.IsZero() && now.Before(d.ValidFrom) {
		return false
	}
	if !d.ValidUntil.IsZero() && now.After(d.ValidUntil) {
		return false
	}
	return d.MaxRedemptions == 0 || d.CurrentRedemptions < d.MaxRedemptions
}

// HasPIN reports whether the vendor configured a verification PIN.
func (d *Deal) HasPIN() bool {
	return d.PINHash != "" && d.PINSalt != ""
}

// DealSummary is the read model shown to a vendor at verification.
type DealSummary struct {
	ID                 int64    `json:"id"`
	VendorID           int64    `json:"vendor_id"`
	Title              string   `json:"title"`
	DiscountPercentage int      `json:"discount_percentage"`
	DealType           DealType `json:"deal_type"`
}

func (d *Deal) Summary() DealSummary {
	return DealSummary{
		ID:                 d.ID,
		VendorID:           d.VendorID,
		Title:              d.Title,
		DiscountPercentage: d.DiscountPercentage,
		DealType:           d.DealType,
	}
}

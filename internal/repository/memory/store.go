// Package memory is an in-process persistence collaborator with the same
// conditional-update semantics as the Postgres repositories. It backs local
// development (STORE_DRIVER=memory) and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/instoredealz/claim-service/internal/models"
	"github.com/instoredealz/claim-service/internal/repository"
)

type Store struct {
	mu       sync.Mutex
	deals    map[int64]models.Deal
	users    map[int64]models.User
	claims   map[string]models.Claim // by id
	codes    map[string]string       // claim code -> id
	attempts []models.PINAttempt

	nextAttemptID int64
}

func New() *Store {
	return &Store{
		deals:  make(map[int64]models.Deal),
		users:  make(map[int64]models.User),
		claims: make(map[string]models.Claim),
		codes:  make(map[string]string),
	}
}

// PutDeal inserts or replaces a deal.
func (s *Store) PutDeal(d models.Deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deals[d.ID] = d
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

type seedDeal struct {
	ID                 int64           `json:"id"`
	VendorID           int64           `json:"vendor_id"`
	Title              string          `json:"title"`
	DiscountPercentage int             `json:"discount_percentage"`
	ValidFrom          time.Time       `json:"valid_from"`
	ValidUntil         time.Time       `json:"valid_until"`
	MaxRedemptions     int             `json:"max_redemptions"`
	IsApproved         bool            `json:"is_approved"`
	IsActive           bool            `json:"is_active"`
	DealType           models.DealType `json:"deal_type"`
	AffiliateLink      string          `json:"affiliate_link"`
}

type seedUser struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type seedFile struct {
	Deals []seedDeal `json:"deals"`
	Users []seedUser `json:"users"`
}

// LoadSeed reads a JSON fixture of deals and users.
func (s *Store) LoadSeed(r io.Reader) error {
	var seed seedFile
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, d := range seed.Deals {
		s.PutDeal(models.Deal{
			ID:                 d.ID,
			VendorID:           d.VendorID,
			Title:              d.Title,
			DiscountPercentage: d.DiscountPercentage,
			ValidFrom:          d.ValidFrom,
			ValidUntil:         d.ValidUntil,
			MaxRedemptions:     d.MaxRedemptions,
			IsApproved:         d.IsApproved,
			IsActive:           d.IsActive,
			DealType:           d.DealType,
			AffiliateLink:      d.AffiliateLink,
		})
	}
	for _, u := range seed.Users {
		s.PutUser(models.User{ID: u.ID, Name: u.Name, Email: u.Email, Phone: u.Phone})
	}
	return nil
}

func (s *Store) GetDeal(_ context.Context, id int64) (*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (s *Store) SetDealPIN(_ context.Context, dealID int64, hash, salt string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[dealID]
	if !ok {
		return repository.ErrNotFound
	}
	d.PINHash = hash
	d.PINSalt = salt
	d.PINExpiresAt = &expiresAt
	s.deals[dealID] = d
	return nil
}

func (s *Store) GetUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (s *Store) CreateClaim(_ context.Context, c *models.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[c.DealID]
	if !ok {
		return repository.ErrNotFound
	}
	if _, taken := s.codes[c.ClaimCode]; taken {
		return repository.ErrConflict
	}
	if d.MaxRedemptions > 0 {
		outstanding := 0
		for _, other := range s.claims {
			if other.DealID != c.DealID {
				continue
			}
			if (other.Status == models.ClaimStatusClaimed || other.Status == models.ClaimStatusVerified) &&
				other.CodeExpiresAt.After(c.ClaimedAt) {
				outstanding++
			}
		}
		if d.CurrentRedemptions+outstanding >= d.MaxRedemptions {
			return repository.ErrCapacity
		}
	}
	s.claims[c.ID] = *c
	s.codes[c.ClaimCode] = c.ID
	return nil
}

func (s *Store) FindClaimByCode(_ context.Context, code string) (*models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codes[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := s.claims[id]
	return &c, nil
}

func (s *Store) UpdateClaimStatus(_ context.Context, id string, t models.ClaimTransition) (*models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[id]
	if !ok || c.Status != t.From {
		return nil, repository.ErrConflict
	}
	c.Status = t.To
	at := t.At
	switch t.To {
	case models.ClaimStatusVerified:
		c.VendorVerified = true
		c.VerifiedAt = &at
	case models.ClaimStatusUsed:
		c.UsedAt = &at
	}
	if t.BillAmount.Valid {
		c.BillAmount = t.BillAmount
	}
	if t.Savings.Valid {
		c.ActualSavings = t.Savings
	}
	s.claims[id] = c
	return &c, nil
}

func (s *Store) CompleteClaim(_ context.Context, claim *models.Claim, billAmount, savings decimal.Decimal, at time.Time) (*models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claim.ID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if c.Status != models.ClaimStatusVerified {
		return nil, repository.ErrConflict
	}
	d, ok := s.deals[c.DealID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if d.MaxRedemptions > 0 && d.CurrentRedemptions >= d.MaxRedemptions {
		return nil, repository.ErrCapacity
	}
	u, ok := s.users[c.UserID]
	if !ok {
		return nil, repository.ErrNotFound
	}

	d.CurrentRedemptions++
	s.deals[d.ID] = d
	u.TotalSavings = u.TotalSavings.Add(savings)
	u.DealsClaimed++
	s.users[u.ID] = u
	c.Status = models.ClaimStatusUsed
	c.UsedAt = &at
	c.BillAmount = decimal.NewNullDecimal(billAmount)
	c.ActualSavings = decimal.NewNullDecimal(savings)
	s.claims[c.ID] = c
	return &c, nil
}

// BeginPINAttempt checks and records under the store lock, so concurrent
// attempts observe one another.
func (s *Store) BeginPINAttempt(_ context.Context, dealID, userID int64, since, at time.Time, check models.PINAttemptCheck) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return 0, repository.ErrNotFound
	}
	if err := check(s.attemptsLocked(dealID, userID, since)); err != nil {
		return 0, err
	}
	s.nextAttemptID++
	s.attempts = append(s.attempts, models.PINAttempt{
		ID:        s.nextAttemptID,
		DealID:    dealID,
		UserID:    userID,
		CreatedAt: at,
	})
	return s.nextAttemptID, nil
}

func (s *Store) MarkPINAttemptSucceeded(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.attempts {
		if s.attempts[i].ID == id {
			s.attempts[i].Success = true
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *Store) ListPINAttempts(_ context.Context, dealID, userID int64, since time.Time) ([]models.PINAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptsLocked(dealID, userID, since), nil
}

func (s *Store) attemptsLocked(dealID, userID int64, since time.Time) []models.PINAttempt {
	var out []models.PINAttempt
	for _, a := range s.attempts {
		if a.DealID == dealID && a.UserID == userID && a.CreatedAt.After(since) {
			out = append(out, a)
		}
	}
	return out
}

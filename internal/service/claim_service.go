package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/instoredealz/claim-service/internal/apperr"
	"github.com/instoredealz/claim-service/internal/cache"
	"github.com/instoredealz/claim-service/internal/metrics"
	"github.com/instoredealz/claim-service/internal/models"
	"github.com/instoredealz/claim-service/internal/notify"
	"github.com/instoredealz/claim-service/internal/pin"
	"github.com/instoredealz/claim-service/internal/repository"
)

const (
	maxCodeAttempts  = 5
	notifyTimeout    = 5 * time.Second
	attemptLookback  = 24 * time.Hour
	verifyMethodCode = "code"
	verifyMethodPIN  = "pin"
	resultOK         = "ok"
	pinResultSuccess = "success"
	pinResultFailure = "failure"
	pinResultBlocked = "rate_limited"

	// Amounts are stored as NUMERIC(14,2).
	amountScale = 2
)

var maxAmount = decimal.New(1, 12)

// ClaimService runs the claim → verify → complete workflow.
type ClaimService struct {
	claims   ClaimStore
	deals    DealStore
	users    UserStore
	attempts AttemptStore

	hasher   *pin.Hasher
	cache    *cache.DealCache
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	newCode  func() (string, error)
}

type Option func(*ClaimService)

func WithClock(now func() time.Time) Option {
	return func(s *ClaimService) { s.now = now }
}

func WithHasher(h *pin.Hasher) Option {
	return func(s *ClaimService) { s.hasher = h }
}

func WithDealCache(c *cache.DealCache) Option {
	return func(s *ClaimService) { s.cache = c }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *ClaimService) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ClaimService) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ClaimService) { s.logger = l }
}

func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *ClaimService) { s.newCode = gen }
}

func NewClaimService(stores Stores, opts ...Option) *ClaimService {
	s := &ClaimService{
		claims:   stores.Claims,
		deals:    stores.Deals,
		users:    stores.Users,
		attempts: stores.Attempts,
		hasher:   pin.NewHasher(pin.DefaultCost),
		notifier: notify.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
		newCode:  GenerateClaimCode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClaimResult is returned to the customer after a successful claim.
type ClaimResult struct {
	ClaimCode     string          `json:"claim_code"`
	ExpiresAt     time.Time       `json:"expires_at"`
	DealType      models.DealType `json:"deal_type"`
	AffiliateLink string          `json:"affiliate_link,omitempty"`
}

// VerifyResult is what the vendor sees once a claim is verified.
type VerifyResult struct {
	ClaimCode  string                 `json:"claim_code"`
	Customer   models.CustomerSummary `json:"customer"`
	Deal       models.DealSummary     `json:"deal"`
	Discount   int                    `json:"discount_percentage"`
	ClaimedAt  time.Time              `json:"claimed_at"`
	VerifiedAt time.Time              `json:"verified_at"`
}

// CompleteResult summarises a completed transaction.
type CompleteResult struct {
	ClaimCode  string          `json:"claim_code"`
	BillAmount decimal.Decimal `json:"bill_amount"`
	Savings    decimal.Decimal `json:"savings"`
	UsedAt     time.Time       `json:"used_at"`
}

// GeneratedPIN is returned once, when a PIN is generated for a deal.
type GeneratedPIN struct {
	PIN       string    `json:"pin"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claim issues a claim code for the deal to the user.
func (s *ClaimService) Claim(ctx context.Context, dealID, userID int64) (ClaimResult, error) {
	deal, err := s.deals.GetDeal(ctx, dealID)
	if err != nil {
		s.metrics.Claim(apperr.Kind(mapStoreErr(err)))
		return ClaimResult{}, fmt.Errorf("claim deal %d: %w", dealID, mapStoreErr(err))
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		s.metrics.Claim(apperr.Kind(mapStoreErr(err)))
		return ClaimResult{}, fmt.Errorf("claim deal %d: user %d: %w", dealID, userID, mapStoreErr(err))
	}

	now := s.now()
	if !deal.Available(now) {
		s.metrics.Claim(apperr.ErrDealUnavailable.Error())
		return ClaimResult{}, fmt.Errorf("deal %d cannot be claimed: %w", dealID, apperr.ErrDealUnavailable)
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return ClaimResult{}, fmt.Errorf("generate claim code: %w", err)
		}
		c := &models.Claim{
			ID:            uuid.NewString(),
			DealID:        dealID,
			UserID:        userID,
			ClaimCode:     code,
			CodeExpiresAt: now.Add(models.ClaimCodeTTL),
			Status:        models.ClaimStatusClaimed,
			ClaimedAt:     now,
		}

		err = s.claims.CreateClaim(ctx, c)
		switch {
		case err == nil:
			s.metrics.Claim(resultOK)
			s.logger.Info("claim issued",
				"claim_id", c.ID, "deal_id", dealID, "user_id", userID, "expires_at", c.CodeExpiresAt)
			res := ClaimResult{
				ClaimCode: code,
				ExpiresAt: c.CodeExpiresAt,
				DealType:  deal.DealType,
			}
			if deal.DealType == models.DealTypeOnline {
				res.AffiliateLink = deal.AffiliateLink
			}
			return res, nil
		case errors.Is(err, repository.ErrConflict):
			s.logger.Debug("claim code collision, retrying", "deal_id", dealID, "attempt", attempt+1)
			continue
		case errors.Is(err, repository.ErrCapacity):
			s.metrics.Claim(apperr.ErrDealUnavailable.Error())
			return ClaimResult{}, fmt.Errorf("deal %d fully claimed: %w", dealID, apperr.ErrDealUnavailable)
		default:
			s.metrics.Claim(apperr.Kind(mapStoreErr(err)))
			return ClaimResult{}, fmt.Errorf("create claim: %w", mapStoreErr(err))
		}
	}
	return ClaimResult{}, fmt.Errorf("no unique claim code after %d attempts", maxCodeAttempts)
}

// Verify moves a claim from claimed to verified on behalf of the vendor
// owning its deal.
func (s *ClaimService) Verify(ctx context.Context, code string, vendorID int64) (VerifyResult, error) {
	res, err := s.verify(ctx, code, vendorID)
	s.metrics.Verification(verifyMethodCode, resultLabel(err))
	return res, err
}

func (s *ClaimService) verify(ctx context.Context, code string, vendorID int64) (VerifyResult, error) {
	c, err := s.findClaim(ctx, code)
	if err != nil {
		return VerifyResult{}, err
	}
	deal, err := s.cachedDeal(ctx, c.DealID)
	if err != nil {
		return VerifyResult{}, err
	}
	if deal.VendorID != vendorID {
		return VerifyResult{}, fmt.Errorf("claim %s belongs to another vendor: %w", c.ClaimCode, apperr.ErrWrongVendor)
	}
	if err := s.checkVerifiable(ctx, c); err != nil {
		return VerifyResult{}, err
	}
	return s.markVerified(ctx, c, deal)
}

// VerifyWithPIN lets the customer verify their own claim by entering the
// vendor's in-store PIN. Attempts are rate limited per deal and user.
func (s *ClaimService) VerifyWithPIN(ctx context.Context, code string, userID int64, enteredPIN string) (VerifyResult, error) {
	res, err := s.verifyWithPIN(ctx, code, userID, enteredPIN)
	s.metrics.Verification(verifyMethodPIN, resultLabel(err))
	return res, err
}

func (s *ClaimService) verifyWithPIN(ctx context.Context, code string, userID int64, enteredPIN string) (VerifyResult, error) {
	c, err := s.findClaim(ctx, code)
	if err != nil {
		return VerifyResult{}, err
	}
	if c.UserID != userID {
		return VerifyResult{}, fmt.Errorf("claim %s: %w", c.ClaimCode, apperr.ErrNotFound)
	}
	if err := s.checkVerifiable(ctx, c); err != nil {
		return VerifyResult{}, err
	}

	// PIN material is read fresh; the cache may predate a rotation.
	deal, err := s.deals.GetDeal(ctx, c.DealID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load deal %d: %w", c.DealID, mapStoreErr(err))
	}
	if !deal.HasPIN() {
		return VerifyResult{}, fmt.Errorf("deal %d has no verification pin: %w", deal.ID, apperr.ErrInvalidPIN)
	}

	now := s.now()
	var expiresAt time.Time
	if deal.PINExpiresAt != nil {
		expiresAt = *deal.PINExpiresAt
		if now.After(expiresAt) {
			return VerifyResult{}, fmt.Errorf("deal %d pin expired: %w", deal.ID, apperr.ErrPINExpired)
		}
	}

	// The attempt is stored as a failure before the compare so concurrent
	// guesses count against the limit.
	attemptID, err := s.attempts.BeginPINAttempt(ctx, deal.ID, userID, now.Add(-attemptLookback), now,
		func(history []models.PINAttempt) error {
			attempts := make([]pin.Attempt, 0, len(history))
			for _, a := range history {
				attempts = append(attempts, pin.Attempt{At: a.CreatedAt, Success: a.Success})
			}
			if rl := pin.CheckRateLimit(attempts, now); !rl.Allowed {
				return &apperr.RateLimitError{NextAllowedAt: rl.NextAllowedAt}
			}
			return nil
		})
	if err != nil {
		var rl *apperr.RateLimitError
		if errors.As(err, &rl) {
			s.metrics.PINAttempt(pinResultBlocked)
			s.logger.Warn("pin attempts rate limited",
				"deal_id", deal.ID, "user_id", userID, "next_allowed_at", rl.NextAllowedAt)
			return VerifyResult{}, err
		}
		return VerifyResult{}, fmt.Errorf("record pin attempt: %w", mapStoreErr(err))
	}

	ok, err := s.hasher.Verify(enteredPIN, deal.PINHash, deal.PINSalt, expiresAt)
	if err != nil {
		s.metrics.PINAttempt(pinResultFailure)
		return VerifyResult{}, fmt.Errorf("verify pin for deal %d: %w", deal.ID, err)
	}
	if !ok {
		s.metrics.PINAttempt(pinResultFailure)
		return VerifyResult{}, fmt.Errorf("pin does not match for deal %d: %w", deal.ID, apperr.ErrInvalidPIN)
	}
	if err := s.attempts.MarkPINAttemptSucceeded(ctx, attemptID); err != nil {
		return VerifyResult{}, fmt.Errorf("record pin success: %w", err)
	}
	s.metrics.PINAttempt(pinResultSuccess)
	return s.markVerified(ctx, c, deal)
}

// Complete records the bill for a verified claim and marks it used. The
// status change and both counters are written together: a retry after
// success fails with AlreadyUsed, a retry after failure can still succeed.
func (s *ClaimService) Complete(ctx context.Context, code string, vendorID int64, billAmount, actualDiscount decimal.Decimal) (CompleteResult, error) {
	res, err := s.complete(ctx, code, vendorID, billAmount, actualDiscount)
	s.metrics.Completion(resultLabel(err), res.Savings)
	return res, err
}

func (s *ClaimService) complete(ctx context.Context, code string, vendorID int64, billAmount, actualDiscount decimal.Decimal) (CompleteResult, error) {
	if !billAmount.IsPositive() {
		return CompleteResult{}, fmt.Errorf("bill amount must be positive: %w", apperr.ErrInvalidFormat)
	}
	if actualDiscount.IsNegative() || actualDiscount.GreaterThan(billAmount) {
		return CompleteResult{}, fmt.Errorf("discount must be between 0 and the bill amount: %w", apperr.ErrInvalidFormat)
	}
	if !isCents(billAmount) || !isCents(actualDiscount) {
		return CompleteResult{}, fmt.Errorf("amounts must have at most %d decimal places: %w", amountScale, apperr.ErrInvalidFormat)
	}
	if billAmount.GreaterThanOrEqual(maxAmount) {
		return CompleteResult{}, fmt.Errorf("bill amount must be below %s: %w", maxAmount, apperr.ErrInvalidFormat)
	}

	c, err := s.findClaim(ctx, code)
	if err != nil {
		return CompleteResult{}, err
	}
	deal, err := s.cachedDeal(ctx, c.DealID)
	if err != nil {
		return CompleteResult{}, err
	}
	if deal.VendorID != vendorID {
		return CompleteResult{}, fmt.Errorf("claim %s belongs to another vendor: %w", c.ClaimCode, apperr.ErrWrongVendor)
	}
	now := s.now()
	switch {
	case c.Status == models.ClaimStatusUsed:
		return CompleteResult{}, fmt.Errorf("claim %s: %w", c.ClaimCode, apperr.ErrAlreadyUsed)
	case c.Expired(now):
		s.expire(ctx, c)
		return CompleteResult{}, fmt.Errorf("claim %s: %w", c.ClaimCode, apperr.ErrExpired)
	case c.Status != models.ClaimStatusVerified:
		return CompleteResult{}, fmt.Errorf("claim %s is %s: %w", c.ClaimCode, c.Status, apperr.ErrNotVerified)
	}

	used, err := s.claims.CompleteClaim(ctx, c, billAmount, actualDiscount, now)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrConflict):
		return CompleteResult{}, s.conflictError(ctx, c.ClaimCode)
	case errors.Is(err, repository.ErrCapacity):
		s.logger.Warn("deal fully redeemed at completion", "claim_id", c.ID, "deal_id", deal.ID)
		return CompleteResult{}, fmt.Errorf("deal %d fully redeemed: %w", deal.ID, apperr.ErrDealUnavailable)
	default:
		return CompleteResult{}, fmt.Errorf("complete claim %s: %w", c.ClaimCode, mapStoreErr(err))
	}

	s.logger.Info("claim completed",
		"claim_id", used.ID, "deal_id", deal.ID, "vendor_id", vendorID,
		"bill_amount", billAmount.String(), "savings", actualDiscount.String())

	s.notifyRedemption(ctx, notify.RedemptionEvent{
		ClaimCode:  used.ClaimCode,
		DealID:     deal.ID,
		DealTitle:  deal.Title,
		VendorID:   deal.VendorID,
		UserID:     used.UserID,
		BillAmount: billAmount,
		Savings:    actualDiscount,
		UsedAt:     now,
	})

	return CompleteResult{
		ClaimCode:  used.ClaimCode,
		BillAmount: billAmount,
		Savings:    actualDiscount,
		UsedAt:     now,
	}, nil
}

// SetDealPIN hashes and stores a vendor-chosen verification PIN.
func (s *ClaimService) SetDealPIN(ctx context.Context, dealID, vendorID int64, newPIN string) (time.Time, error) {
	deal, err := s.deals.GetDeal(ctx, dealID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load deal %d: %w", dealID, mapStoreErr(err))
	}
	if deal.VendorID != vendorID {
		return time.Time{}, fmt.Errorf("deal %d belongs to another vendor: %w", dealID, apperr.ErrWrongVendor)
	}
	hashed, err := s.hasher.Hash(newPIN)
	if err != nil {
		return time.Time{}, err
	}
	if err := s.deals.SetDealPIN(ctx, dealID, hashed.Hash, hashed.Salt, hashed.ExpiresAt); err != nil {
		return time.Time{}, fmt.Errorf("store deal pin: %w", mapStoreErr(err))
	}
	s.cache.Invalidate(dealID)
	s.logger.Info("deal pin updated", "deal_id", dealID, "vendor_id", vendorID, "expires_at", hashed.ExpiresAt)
	return hashed.ExpiresAt, nil
}

// GenerateDealPIN stores a random PIN for the deal and returns it.
func (s *ClaimService) GenerateDealPIN(ctx context.Context, dealID, vendorID int64) (GeneratedPIN, error) {
	p := s.hasher.Generate()
	expiresAt, err := s.SetDealPIN(ctx, dealID, vendorID, p)
	if err != nil {
		return GeneratedPIN{}, err
	}
	return GeneratedPIN{PIN: p, ExpiresAt: expiresAt}, nil
}

func (s *ClaimService) findClaim(ctx context.Context, code string) (*models.Claim, error) {
	code = NormalizeClaimCode(code)
	if code == "" {
		return nil, fmt.Errorf("empty claim code: %w", apperr.ErrInvalidFormat)
	}
	c, err := s.claims.FindClaimByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", code, mapStoreErr(err))
	}
	return c, nil
}

func (s *ClaimService) cachedDeal(ctx context.Context, id int64) (*models.Deal, error) {
	if d, ok := s.cache.Get(id); ok {
		return d, nil
	}
	d, err := s.deals.GetDeal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load deal %d: %w", id, mapStoreErr(err))
	}
	s.cache.Set(d)
	return d, nil
}

// checkVerifiable rejects claims that are used, expired or already
// verified. Expired claims are persisted as such.
func (s *ClaimService) checkVerifiable(ctx context.Context, c *models.Claim) error {
	switch {
	case c.Status == models.ClaimStatusUsed:
		return fmt.Errorf("claim %s: %w", c.ClaimCode, apperr.ErrAlreadyUsed)
	case c.Expired(s.now()):
		s.expire(ctx, c)
		return fmt.Errorf("claim %s: %w", c.ClaimCode, apperr.ErrExpired)
	case c.Status == models.ClaimStatusVerified:
		return fmt.Errorf("claim %s: %w", c.ClaimCode, apperr.ErrAlreadyVerified)
	}
	return nil
}

func (s *ClaimService) markVerified(ctx context.Context, c *models.Claim, deal *models.Deal) (VerifyResult, error) {
	now := s.now()
	verified, err := s.claims.UpdateClaimStatus(ctx, c.ID, models.ClaimTransition{
		From: models.ClaimStatusClaimed,
		To:   models.ClaimStatusVerified,
		At:   now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return VerifyResult{}, s.conflictError(ctx, c.ClaimCode)
		}
		return VerifyResult{}, fmt.Errorf("mark claim verified: %w", err)
	}

	user, err := s.users.GetUser(ctx, verified.UserID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load customer %d: %w", verified.UserID, mapStoreErr(err))
	}
	s.logger.Info("claim verified", "claim_id", verified.ID, "deal_id", deal.ID, "vendor_id", deal.VendorID)

	return VerifyResult{
		ClaimCode:  verified.ClaimCode,
		Customer:   user.Summary(),
		Deal:       deal.Summary(),
		Discount:   deal.DiscountPercentage,
		ClaimedAt:  verified.ClaimedAt,
		VerifiedAt: now,
	}, nil
}

// conflictError re-reads a claim whose conditional update lost and reports
// the state it moved to.
func (s *ClaimService) conflictError(ctx context.Context, code string) error {
	latest, err := s.claims.FindClaimByCode(ctx, code)
	if err != nil {
		return fmt.Errorf("claim %s: %w", code, mapStoreErr(err))
	}
	switch latest.Status {
	case models.ClaimStatusUsed:
		return fmt.Errorf("claim %s: %w", code, apperr.ErrAlreadyUsed)
	case models.ClaimStatusVerified:
		return fmt.Errorf("claim %s: %w", code, apperr.ErrAlreadyVerified)
	case models.ClaimStatusExpired:
		return fmt.Errorf("claim %s: %w", code, apperr.ErrExpired)
	default:
		return fmt.Errorf("claim %s is %s: %w", code, latest.Status, apperr.ErrNotVerified)
	}
}

func (s *ClaimService) expire(ctx context.Context, c *models.Claim) {
	if c.Status == models.ClaimStatusExpired {
		return
	}
	_, err := s.claims.UpdateClaimStatus(ctx, c.ID, models.ClaimTransition{
		From: c.Status,
		To:   models.ClaimStatusExpired,
		At:   s.now(),
	})
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		s.logger.Warn("mark claim expired failed", "claim_id", c.ID, "err", err)
	}
}

func (s *ClaimService) notifyRedemption(ctx context.Context, e notify.RedemptionEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := s.notifier.NotifyRedemption(ctx, e); err != nil {
		s.logger.Warn("redemption notification failed", "claim_code", e.ClaimCode, "err", err)
	}
}

// mapStoreErr translates repository sentinels into user-facing kinds.
func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperr.ErrNotFound
	case errors.Is(err, repository.ErrCapacity):
		return apperr.ErrDealUnavailable
	default:
		return err
	}
}

func isCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(amountScale))
}

func resultLabel(err error) string {
	if err == nil {
		return resultOK
	}
	return apperr.Kind(err)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/instoredealz/claim-service/internal/apperr"
	"github.com/instoredealz/claim-service/internal/cache"
	"github.com/instoredealz/claim-service/internal/models"
	"github.com/instoredealz/claim-service/internal/notify"
	"github.com/instoredealz/claim-service/internal/pin"
	"github.com/instoredealz/claim-service/internal/repository/memory"
)

const (
	testDealID   int64 = 42
	testUserID   int64 = 7
	testVendorID int64 = 3
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.RedemptionEvent
}

func (n *recordingNotifier) NotifyRedemption(_ context.Context, e notify.RedemptionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

type fixture struct {
	svc      *ClaimService
	store    *memory.Store
	clock    *testClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
	store := memory.New()
	store.PutDeal(models.Deal{
		ID:                 testDealID,
		VendorID:           testVendorID,
		Title:              "20% off groceries",
		DiscountPercentage: 20,
		ValidFrom:          clock.Now().Add(-24 * time.Hour),
		ValidUntil:         clock.Now().Add(30 * 24 * time.Hour),
		MaxRedemptions:     10,
		IsApproved:         true,
		IsActive:           true,
		DealType:           models.DealTypeOffline,
	})
	store.PutUser(models.User{ID: testUserID, Name: "Asha", Email: "asha@example.com"})
	store.PutUser(models.User{ID: 8, Name: "Ravi"})

	n := &recordingNotifier{}
	base := []Option{
		WithClock(clock.Now),
		WithHasher(pin.NewHasher(bcrypt.MinCost).WithClock(clock.Now)),
		WithNotifier(n),
	}
	svc := NewClaimService(Stores{Claims: store, Deals: store, Users: store, Attempts: store}, append(base, opts...)...)
	return &fixture{svc: svc, store: store, clock: clock, notifier: n}
}

func fixedCodes(codes ...string) Option {
	var mu sync.Mutex
	return WithCodeGenerator(func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(codes) == 0 {
			return "", errors.New("out of codes")
		}
		c := codes[0]
		codes = codes[1:]
		return c, nil
	})
}

func TestClaimVerifyCompleteScenario(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	ctx := context.Background()

	claimed, err := f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)
	require.Equal(t, "AB12C3", claimed.ClaimCode)
	require.Equal(t, f.clock.Now().Add(24*time.Hour), claimed.ExpiresAt)
	require.Empty(t, claimed.AffiliateLink)

	verified, err := f.svc.Verify(ctx, "AB12C3", testVendorID)
	require.NoError(t, err)
	require.Equal(t, "Asha", verified.Customer.Name)
	require.Equal(t, testDealID, verified.Deal.ID)
	require.Equal(t, 20, verified.Discount)

	done, err := f.svc.Complete(ctx, "AB12C3", testVendorID, decimal.NewFromInt(500), decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, done.Savings.Equal(decimal.NewFromInt(100)))

	c, err := f.store.FindClaimByCode(ctx, "AB12C3")
	require.NoError(t, err)
	require.Equal(t, models.ClaimStatusUsed, c.Status)
	require.True(t, c.VendorVerified)
	require.True(t, c.BillAmount.Decimal.Equal(decimal.NewFromInt(500)))
	require.NotNil(t, c.UsedAt)

	u, err := f.store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	require.True(t, u.TotalSavings.Equal(decimal.NewFromInt(100)))
	require.Equal(t, 1, u.DealsClaimed)

	d, err := f.store.GetDeal(ctx, testDealID)
	require.NoError(t, err)
	require.Equal(t, 1, d.CurrentRedemptions)

	require.Len(t, f.notifier.events, 1)
	require.Equal(t, "AB12C3", f.notifier.events[0].ClaimCode)
}

func TestVerifyAcceptsLowercaseCode(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	_, err := f.svc.Claim(context.Background(), testDealID, testUserID)
	require.NoError(t, err)

	_, err = f.svc.Verify(context.Background(), "  ab12c3 ", testVendorID)
	require.NoError(t, err)
}

func TestVerifyAfterExpiry(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	ctx := context.Background()
	_, err := f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.Verify(ctx, "AB12C3", testVendorID)
	require.ErrorIs(t, err, apperr.ErrExpired)

	c, err := f.store.FindClaimByCode(ctx, "AB12C3")
	require.NoError(t, err)
	require.Equal(t, models.ClaimStatusExpired, c.Status)

	// still expired on a second look
	_, err = f.svc.Verify(ctx, "AB12C3", testVendorID)
	require.ErrorIs(t, err, apperr.ErrExpired)
}

func TestCompleteAfterExpiry(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	ctx := context.Background()
	_, err := f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, "AB12C3", testVendorID)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.Complete(ctx, "AB12C3", testVendorID, decimal.NewFromInt(100), decimal.NewFromInt(10))
	require.ErrorIs(t, err, apperr.ErrExpired)
}

func TestCompleteTwiceFailsWithAlreadyUsed(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	ctx := context.Background()
	_, err := f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, "AB12C3", testVendorID)
	require.NoError(t, err)

	bill, discount := decimal.NewFromInt(500), decimal.NewFromInt(100)
	_, err = f.svc.Complete(ctx, "AB12C3", testVendorID, bill, discount)
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, "AB12C3", testVendorID, bill, discount)
	require.ErrorIs(t, err, apperr.ErrAlreadyUsed)

	u, _ := f.store.GetUser(ctx, testUserID)
	require.True(t, u.TotalSavings.Equal(discount))
	require.Equal(t, 1, u.DealsClaimed)
}

func TestUsedClaimIsTerminal(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	ctx := context.Background()
	_, err := f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, "AB12C3", testVendorID)
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, "AB12C3", testVendorID, decimal.NewFromInt(50), decimal.NewFromInt(5))
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, "AB12C3", testVendorID)
	require.ErrorIs(t, err, apperr.ErrAlreadyUsed)

	// long after expiry a used claim still reports used and stays used
	f.clock.Advance(48 * time.Hour)
	_, err = f.svc.Verify(ctx, "AB12C3", testVendorID)
	require.ErrorIs(t, err, apperr.ErrAlreadyUsed)
	_, err = f.svc.Complete(ctx, "AB12C3", testVendorID, decimal.NewFromInt(50), decimal.NewFromInt(5))
	require.ErrorIs(t, err, apperr.ErrAlreadyUsed)

	c, _ := f.store.FindClaimByCode(ctx, "AB12C3")
	require.Equal(t, models.ClaimStatusUsed, c.Status)
}

func TestVerifyErrors(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	ctx := context.Background()
	_, err := f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, "ZZZZZZ", testVendorID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.Verify(ctx, "", testVendorID)
	require.ErrorIs(t, err, apperr.ErrInvalidFormat)

	_, err = f.svc.Verify(ctx, "AB12C3", 999)
	require.ErrorIs(t, err, apperr.ErrWrongVendor)

	_, err = f.svc.Verify(ctx, "AB12C3", testVendorID)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, "AB12C3", testVendorID)
	require.ErrorIs(t, err, apperr.ErrAlreadyVerified)
}

func TestCompleteErrors(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	ctx := context.Background()
	_, err := f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, "AB12C3", testVendorID, decimal.NewFromInt(100), decimal.NewFromInt(10))
	require.ErrorIs(t, err, apperr.ErrNotVerified)

	_, err = f.svc.Complete(ctx, "AB12C3", 999, decimal.NewFromInt(100), decimal.NewFromInt(10))
	require.ErrorIs(t, err, apperr.ErrWrongVendor)

	_, err = f.svc.Complete(ctx, "NOPE00", testVendorID, decimal.NewFromInt(100), decimal.NewFromInt(10))
	require.ErrorIs(t, err, apperr.ErrNotFound)

	for _, tc := range []struct{ bill, discount int64 }{{0, 0}, {-5, 1}, {100, -1}, {100, 101}} {
		_, err = f.svc.Complete(ctx, "AB12C3", testVendorID, decimal.NewFromInt(tc.bill), decimal.NewFromInt(tc.discount))
		require.ErrorIs(t, err, apperr.ErrInvalidFormat, "bill=%d discount=%d", tc.bill, tc.discount)
	}
}

func TestCompleteRejectsSubCentAmounts(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	ctx := context.Background()
	_, err := f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, "AB12C3", testVendorID)
	require.NoError(t, err)

	for _, tc := range []struct{ bill, discount string }{
		{"0.004", "0"},
		{"100", "1.005"},
		{"99.999", "10"},
		{"1000000000000", "10"},
	} {
		_, err := f.svc.Complete(ctx, "AB12C3", testVendorID, decimal.RequireFromString(tc.bill), decimal.RequireFromString(tc.discount))
		require.ErrorIs(t, err, apperr.ErrInvalidFormat, "bill=%s discount=%s", tc.bill, tc.discount)
	}

	c, err := f.store.FindClaimByCode(ctx, "AB12C3")
	require.NoError(t, err)
	require.Equal(t, models.ClaimStatusVerified, c.Status)

	res, err := f.svc.Complete(ctx, "AB12C3", testVendorID, decimal.RequireFromString("99.99"), decimal.RequireFromString("10.50"))
	require.NoError(t, err)
	require.Equal(t, "10.5", res.Savings.String())
}

func TestCompleteAtCapacityLeavesClaimVerified(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	ctx := context.Background()
	deal, err := f.store.GetDeal(ctx, testDealID)
	require.NoError(t, err)
	deal.MaxRedemptions = 1
	f.store.PutDeal(*deal)

	_, err = f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, "AB12C3", testVendorID)
	require.NoError(t, err)

	// another channel redeems the last slot before the vendor completes
	deal.CurrentRedemptions = 1
	f.store.PutDeal(*deal)

	_, err = f.svc.Complete(ctx, "AB12C3", testVendorID, decimal.NewFromInt(200), decimal.NewFromInt(40))
	require.ErrorIs(t, err, apperr.ErrDealUnavailable)

	c, err := f.store.FindClaimByCode(ctx, "AB12C3")
	require.NoError(t, err)
	require.Equal(t, models.ClaimStatusVerified, c.Status)
	u, err := f.store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	require.True(t, u.TotalSavings.IsZero())
	require.Empty(t, f.notifier.events)

	deal.CurrentRedemptions = 0
	f.store.PutDeal(*deal)
	_, err = f.svc.Complete(ctx, "AB12C3", testVendorID, decimal.NewFromInt(200), decimal.NewFromInt(40))
	require.NoError(t, err)
	u, err = f.store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	require.True(t, u.TotalSavings.Equal(decimal.NewFromInt(40)))
	require.Equal(t, 1, u.DealsClaimed)
}

func TestClaimUnavailableDeals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	cases := map[string]models.Deal{
		"inactive":    {ID: 100, IsApproved: true},
		"unapproved":  {ID: 101, IsActive: true},
		"not started": {ID: 102, IsActive: true, IsApproved: true, ValidFrom: now.Add(time.Hour)},
		"ended":       {ID: 103, IsActive: true, IsApproved: true, ValidUntil: now.Add(-time.Hour)},
		"sold out":    {ID: 104, IsActive: true, IsApproved: true, MaxRedemptions: 3, CurrentRedemptions: 3},
	}
	for name, d := range cases {
		f.store.PutDeal(d)
		_, err := f.svc.Claim(ctx, d.ID, testUserID)
		require.ErrorIs(t, err, apperr.ErrDealUnavailable, name)
	}

	_, err := f.svc.Claim(ctx, 12345, testUserID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.Claim(ctx, testDealID, 12345)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestClaimCountsOutstandingClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutDeal(models.Deal{ID: 50, VendorID: testVendorID, IsActive: true, IsApproved: true, MaxRedemptions: 2})

	_, err := f.svc.Claim(ctx, 50, testUserID)
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, 50, 8)
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, 50, testUserID)
	require.ErrorIs(t, err, apperr.ErrDealUnavailable)

	// expired claims release their slot
	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.Claim(ctx, 50, testUserID)
	require.NoError(t, err)
}

func TestConcurrentClaimsDoNotOverIssue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutDeal(models.Deal{ID: 60, VendorID: testVendorID, IsActive: true, IsApproved: true, MaxRedemptions: 5})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		issued  int
		refused int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Claim(ctx, 60, testUserID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				issued++
			} else if errors.Is(err, apperr.ErrDealUnavailable) {
				refused++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 5, issued)
	require.Equal(t, 15, refused)
}

func TestConcurrentCompletionHasSingleWinner(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	ctx := context.Background()
	_, err := f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, "AB12C3", testVendorID)
	require.NoError(t, err)

	var (
		wg                sync.WaitGroup
		mu                sync.Mutex
		success, usedErrs int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Complete(ctx, "AB12C3", testVendorID, decimal.NewFromInt(200), decimal.NewFromInt(40))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
			} else if errors.Is(err, apperr.ErrAlreadyUsed) {
				usedErrs++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, success)
	require.Equal(t, 9, usedErrs)

	u, _ := f.store.GetUser(ctx, testUserID)
	require.True(t, u.TotalSavings.Equal(decimal.NewFromInt(40)))
	d, _ := f.store.GetDeal(ctx, testDealID)
	require.Equal(t, 1, d.CurrentRedemptions)
}

func TestClaimRetriesOnCodeCollision(t *testing.T) {
	f := newFixture(t, fixedCodes("DUPE01", "DUPE01", "FRESH1"))
	ctx := context.Background()

	first, err := f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)
	require.Equal(t, "DUPE01", first.ClaimCode)

	second, err := f.svc.Claim(ctx, testDealID, 8)
	require.NoError(t, err)
	require.Equal(t, "FRESH1", second.ClaimCode)
}

func TestClaimGivesUpAfterRepeatedCollisions(t *testing.T) {
	codes := make([]string, 0, maxCodeAttempts+1)
	for i := 0; i <= maxCodeAttempts; i++ {
		codes = append(codes, "SAME00")
	}
	f := newFixture(t, fixedCodes(codes...))
	ctx := context.Background()
	_, err := f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, testDealID, testUserID)
	require.Error(t, err)
	require.Equal(t, "internal_error", apperr.Kind(err))
}

func TestOnlineDealReturnsAffiliateLink(t *testing.T) {
	f := newFixture(t)
	f.store.PutDeal(models.Deal{
		ID: 70, VendorID: testVendorID, IsActive: true, IsApproved: true,
		DealType: models.DealTypeOnline, AffiliateLink: "https://shop.example.com/?ref=idz",
	})
	res, err := f.svc.Claim(context.Background(), 70, testUserID)
	require.NoError(t, err)
	require.Equal(t, "https://shop.example.com/?ref=idz", res.AffiliateLink)
	require.Equal(t, models.DealTypeOnline, res.DealType)
}

func TestVerifyUsesDealCache(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3", "CD34E5"), WithDealCache(cache.NewDealCache(time.Hour)))
	ctx := context.Background()
	_, err := f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, "AB12C3", testVendorID)
	require.NoError(t, err)

	// ownership read from the cache survives a store change until invalidated
	d, _ := f.store.GetDeal(ctx, testDealID)
	d.VendorID = 55
	f.store.PutDeal(*d)
	_, err = f.svc.Verify(ctx, "CD34E5", testVendorID)
	require.NoError(t, err)
}

// ---------------------------------------------------------------------------
// PIN verification
// ---------------------------------------------------------------------------

func TestVerifyWithPIN(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	ctx := context.Background()

	_, err := f.svc.SetDealPIN(ctx, testDealID, testVendorID, "4829")
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)

	_, err = f.svc.VerifyWithPIN(ctx, "AB12C3", testUserID, "4828")
	require.ErrorIs(t, err, apperr.ErrInvalidPIN)

	_, err = f.svc.VerifyWithPIN(ctx, "AB12C3", 8, "4829")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	res, err := f.svc.VerifyWithPIN(ctx, "AB12C3", testUserID, "4829")
	require.NoError(t, err)
	require.Equal(t, testDealID, res.Deal.ID)

	_, err = f.svc.VerifyWithPIN(ctx, "AB12C3", testUserID, "4829")
	require.ErrorIs(t, err, apperr.ErrAlreadyVerified)

	// the vendor completes a PIN-verified claim as usual
	_, err = f.svc.Complete(ctx, "AB12C3", testVendorID, decimal.NewFromInt(80), decimal.NewFromInt(16))
	require.NoError(t, err)

	attempts, err := f.store.ListPINAttempts(ctx, testDealID, testUserID, time.Time{})
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.False(t, attempts[0].Success)
	require.True(t, attempts[1].Success)
}

func TestVerifyWithPINRateLimited(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	ctx := context.Background()
	_, err := f.svc.SetDealPIN(ctx, testDealID, testVendorID, "4829")
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)

	first := f.clock.Now()
	for i := 0; i < pin.MaxFailuresPerHour; i++ {
		_, err := f.svc.VerifyWithPIN(ctx, "AB12C3", testUserID, fmt.Sprintf("%04d", 1000+i))
		require.ErrorIs(t, err, apperr.ErrInvalidPIN)
		f.clock.Advance(time.Minute)
	}

	_, err = f.svc.VerifyWithPIN(ctx, "AB12C3", testUserID, "4829")
	require.ErrorIs(t, err, apperr.ErrRateLimited)
	var rl *apperr.RateLimitError
	require.True(t, errors.As(err, &rl))
	require.Equal(t, first.Add(time.Hour), rl.NextAllowedAt)

	f.clock.Advance(time.Hour)
	_, err = f.svc.VerifyWithPIN(ctx, "AB12C3", testUserID, "4829")
	require.NoError(t, err)
}

func TestVerifyWithPINWithoutConfiguredPIN(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	ctx := context.Background()
	_, err := f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)

	_, err = f.svc.VerifyWithPIN(ctx, "AB12C3", testUserID, "4829")
	require.ErrorIs(t, err, apperr.ErrInvalidPIN)
}

func TestVerifyWithExpiredPIN(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SetDealPIN(ctx, testDealID, testVendorID, "4829")
	require.NoError(t, err)

	f.clock.Advance(pin.HashTTL + time.Hour)
	_, err = f.svc.Claim(ctx, testDealID, testUserID)
	require.ErrorIs(t, err, apperr.ErrDealUnavailable) // deal window closed after 30 days

	f.store.PutDeal(models.Deal{ID: 80, VendorID: testVendorID, IsActive: true, IsApproved: true})
	exp := f.clock.Now().Add(-time.Minute)
	hashed, err := pin.NewHasher(bcrypt.MinCost).Hash("4829")
	require.NoError(t, err)
	require.NoError(t, f.store.SetDealPIN(ctx, 80, hashed.Hash, hashed.Salt, exp))

	res, err := f.svc.Claim(ctx, 80, testUserID)
	require.NoError(t, err)
	_, err = f.svc.VerifyWithPIN(ctx, res.ClaimCode, testUserID, "4829")
	require.ErrorIs(t, err, apperr.ErrExpired)
	require.ErrorIs(t, err, apperr.ErrPINExpired)

	attempts, err := f.store.ListPINAttempts(ctx, 80, testUserID, time.Time{})
	require.NoError(t, err)
	require.Empty(t, attempts)
}

func TestConcurrentPINGuessesRespectLimit(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"), WithHasher(pin.NewHasher(bcrypt.MinCost+6)))
	ctx := context.Background()
	_, err := f.svc.SetDealPIN(ctx, testDealID, testVendorID, "4829")
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)

	const guesses = 40
	var (
		wg                 sync.WaitGroup
		mu                 sync.Mutex
		invalid, throttled int
	)
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.VerifyWithPIN(ctx, "AB12C3", testUserID, fmt.Sprintf("%04d", 1000+i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, apperr.ErrInvalidPIN):
				invalid++
			case errors.Is(err, apperr.ErrRateLimited):
				throttled++
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, pin.MaxFailuresPerHour, invalid)
	require.Equal(t, guesses-pin.MaxFailuresPerHour, throttled)

	attempts, err := f.store.ListPINAttempts(ctx, testDealID, testUserID, time.Time{})
	require.NoError(t, err)
	require.Len(t, attempts, pin.MaxFailuresPerHour)

	// the correct PIN is refused too until the window passes
	_, err = f.svc.VerifyWithPIN(ctx, "AB12C3", testUserID, "4829")
	require.ErrorIs(t, err, apperr.ErrRateLimited)
}

func TestSetDealPIN(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetDealPIN(ctx, testDealID, 999, "4829")
	require.ErrorIs(t, err, apperr.ErrWrongVendor)

	_, err = f.svc.SetDealPIN(ctx, testDealID, testVendorID, "1234")
	require.ErrorIs(t, err, apperr.ErrInvalidFormat)

	_, err = f.svc.SetDealPIN(ctx, 12345, testVendorID, "4829")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	expires, err := f.svc.SetDealPIN(ctx, testDealID, testVendorID, "4829")
	require.NoError(t, err)
	require.Equal(t, f.clock.Now().Add(pin.HashTTL), expires)

	d, _ := f.store.GetDeal(ctx, testDealID)
	require.True(t, d.HasPIN())
	require.NotEqual(t, "4829", d.PINHash)
}

func TestGenerateDealPIN(t *testing.T) {
	f := newFixture(t, fixedCodes("AB12C3"))
	ctx := context.Background()

	gen, err := f.svc.GenerateDealPIN(ctx, testDealID, testVendorID)
	require.NoError(t, err)
	require.NoError(t, pin.ValidateFormat(gen.PIN))

	_, err = f.svc.Claim(ctx, testDealID, testUserID)
	require.NoError(t, err)
	_, err = f.svc.VerifyWithPIN(ctx, "AB12C3", testUserID, gen.PIN)
	require.NoError(t, err)
}

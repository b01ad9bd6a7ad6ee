package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"unicode"
)

const tokenBytes = 32

func GenerateToken() (string, error) {
	bytes := make([]byte, tokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// MaskToken keeps the first eight characters so log lines can be correlated
// without exposing a usable token.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}

// DigitsOnly strips everything but ASCII digits, so "+1 (555) 000-1" and
// "15550001" compare equal.
func DigitsOnly(phone string) string {
	return strings.Map(func(r rune) rune {
		if r <= unicode.MaxASCII && unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
}

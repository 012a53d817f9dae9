package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
)

const (
	// MinSecretLength is the minimum allowed length for webhook secrets.
	MinSecretLength = 32

	// MinEntropy is the minimum Shannon entropy threshold for secrets.
	MinEntropy = 3.5

	// MinPasswordLength is the minimum length of a database password,
	// counted after trimming surrounding whitespace.
	MinPasswordLength = 8
)

var forbiddenSecrets = map[string]bool{
	"replace-with-secret":     true,
	"github-webhook-password": true,
	"topsecret":               true,
	"secret":                  true,
	"password":                true,
	"changeme":                true,
	"12345678":                true,
}

// ValidateSecret ensures a webhook secret is long, random and not a
// placeholder value.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return fmt.Errorf("secret too short (minimum %d characters, got %d)", MinSecretLength, len(secret))
	}

	if placeholder(secret) {
		return fmt.Errorf("secret appears to be a placeholder value, please use a real secret")
	}

	entropy := calculateEntropy(secret)
	if entropy < MinEntropy {
		return fmt.Errorf("secret has insufficient entropy (%.2f < %.2f) - use a more random secret", entropy, MinEntropy)
	}

	return nil
}

// ValidatePassword checks a new database password. Surrounding whitespace
// is not counted.
func ValidatePassword(password string) error {
	trimmed := strings.TrimSpace(password)
	if len(trimmed) < MinPasswordLength {
		return fmt.Errorf("password too short (minimum %d characters)", MinPasswordLength)
	}
	if forbiddenSecrets[strings.ToLower(trimmed)] {
		return fmt.Errorf("password appears to be a placeholder value")
	}
	return nil
}

func placeholder(secret string) bool {
	lower := strings.ToLower(secret)
	if forbiddenSecrets[lower] {
		return true
	}
	for _, word := range []string{"replace", "changeme", "topsecret", "password"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// GenerateSecret creates a cryptographically secure random secret of
// 48 URL-safe characters.
func GenerateSecret() (string, error) {
	// 36 bytes encode to 48 characters in base64
	bytes := make([]byte, 36)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// calculateEntropy computes the Shannon entropy of a string.
func calculateEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}

	// H = -Σ(p(x) * log2(p(x)))
	var entropy float64
	length := float64(len(s))
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}

	return entropy
}

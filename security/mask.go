package security

import "strings"

// MaskSecret keeps the first and last four characters of long secrets and
// hides short ones entirely.
func MaskSecret(secret string) string {
	if len(secret) <= 12 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

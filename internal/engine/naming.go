package engine

import (
	"crypto/rand"
	"strings"
)

// crockford is the Crockford base32 alphabet (no i, l, o, u), used for
// workspace name suffixes.
const crockford = "0123456789abcdefghjkmnpqrstvwxyz"

const (
	suffixLen   = 4
	maxBaseLen  = 15 // base + "-" + suffix stays within 20 chars
	minBaseLen  = 2
	nameRetries = 3
)

// sanitizeName turns an arbitrary title into a git-branch-safe base name:
// lowercase, [a-z0-9-] only, runs collapsed, 2-15 chars.
func sanitizeName(input string) string {
	var b strings.Builder
	lastDash := true // suppress leading dashes
	for _, r := range strings.ToLower(input) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	name := strings.Trim(b.String(), "-")
	if len(name) > maxBaseLen {
		name = strings.Trim(name[:maxBaseLen], "-")
	}
	if len(name) < minBaseLen {
		name = "ws"
	}
	return name
}

// nameSuffix returns a fresh 4-char Crockford base32 suffix.
func nameSuffix() string {
	var raw [suffixLen]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand on supported platforms does not fail; fall back to a
		// fixed suffix rather than panicking.
		return "0000"
	}
	var b strings.Builder
	for _, v := range raw {
		b.WriteByte(crockford[int(v)%len(crockford)])
	}
	return b.String()
}

// generateName combines a sanitized base with a fresh uniqueness suffix.
func generateName(input string) string {
	return sanitizeName(input) + "-" + nameSuffix()
}

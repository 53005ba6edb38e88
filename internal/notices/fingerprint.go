package notices

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
)

// ErrInvalidNotice indicates content that normalizes to an empty string and
// therefore cannot be fingerprinted.
var ErrInvalidNotice = errors.New("notices: invalid notice content")

// Fingerprint is the stable content-derived identity of a notice, rendered
// as 16 lower-case hex characters of an FNV-1a 64-bit hash.
type Fingerprint string

// NewFingerprint validates raw input and returns a Fingerprint.
func NewFingerprint(rawInput string) (Fingerprint, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) != fingerprintHexLength {
		return "", fmt.Errorf("%w: fingerprint must be %d hex characters", ErrInvalidNotice, fingerprintHexLength)
	}
	for _, r := range trimmed {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("%w: fingerprint must be lower-case hex", ErrInvalidNotice)
		}
	}
	return Fingerprint(trimmed), nil
}

// String returns the underlying hex identifier.
func (f Fingerprint) String() string {
	return string(f)
}

const fingerprintHexLength = 16

// Normalize strips markup tags, collapses runs of whitespace to single
// spaces, and trims the result. Case is preserved: this is the form the
// allowlist matcher evaluates, and matching is case-sensitive.
func Normalize(rawContent string) string {
	stripped := stripTags(rawContent)
	return strings.Join(strings.Fields(stripped), " ")
}

// ComputeFingerprint normalizes rawContent and hashes the case-folded
// result, so superficial formatting and casing differences collapse onto
// one identity. Content that normalizes to nothing is rejected.
func ComputeFingerprint(rawContent string) (Fingerprint, error) {
	normalized := Normalize(rawContent)
	if normalized == "" {
		return "", fmt.Errorf("%w: empty after normalization", ErrInvalidNotice)
	}
	hasher := fnv.New64a()
	hasher.Write([]byte(strings.ToLower(normalized))) //nolint:errcheck
	return Fingerprint(fmt.Sprintf("%016x", hasher.Sum64())), nil
}

// stripTags removes angle-bracketed markup. Unterminated tags run to the
// end of the input; stray '>' characters pass through untouched.
func stripTags(value string) string {
	if !strings.ContainsRune(value, '<') {
		return value
	}
	var builder strings.Builder
	builder.Grow(len(value))
	inTag := false
	for _, r := range value {
		switch {
		case inTag:
			if r == '>' {
				inTag = false
			}
		case r == '<':
			inTag = true
		default:
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

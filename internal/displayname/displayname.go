// Package displayname validates and normalizes locker display names per the
// wire grammar of §6: letters (ASCII plus the Turkish set), digits, spaces,
// hyphens, and dots, at most 20 characters after trimming. Uniqueness is
// checked case- and whitespace-insensitively by the caller's store lookup.
package displayname

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxLength is the post-trim character limit.
const MaxLength = 20

// turkishLetters are the Turkish-specific code points the ASCII-only
// unicode.IsLetter/unicode.IsDigit pass already covers for every other
// Latin script in scope; listed explicitly since both the upper- and
// lower-case forms must validate regardless of Go's default letter tables.
var turkishLetters = map[rune]bool{
	'ç': true, 'Ç': true,
	'ğ': true, 'Ğ': true,
	'ı': true, 'İ': true,
	'ö': true, 'Ö': true,
	'ş': true, 'Ş': true,
	'ü': true, 'Ü': true,
}

// ValidationError reports a rejected display name, carrying a truncation
// suggestion per the spec's boundary behaviour.
type ValidationError struct {
	Reason     string
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %q)", e.Reason, e.Suggestion)
	}
	return e.Reason
}

// Normalize applies Unicode NFC normalization and trims surrounding
// whitespace. Validate and uniqueness checks both operate on this form.
func Normalize(name string) string {
	return strings.TrimSpace(norm.NFC.String(name))
}

// FoldKey renders name into the case/whitespace-insensitive comparison key
// used for per-kiosk uniqueness (store.DisplayNameTaken compares on this).
func FoldKey(name string) string {
	return strings.ToLower(Normalize(name))
}

func isAllowedRune(r rune) bool {
	switch {
	case unicode.IsDigit(r):
		return true
	case r == ' ' || r == '-' || r == '.':
		return true
	case turkishLetters[r]:
		return true
	case r <= unicode.MaxASCII && unicode.IsLetter(r):
		return true
	default:
		return false
	}
}

// Validate trims and NFC-normalizes name, then checks it against the
// grammar and length limit. It returns the normalized name on success.
// Validation is idempotent under trimming: Validate(name) and
// Validate(Normalize(name)) agree.
func Validate(name string) (string, error) {
	normalized := Normalize(name)
	if normalized == "" {
		return "", &ValidationError{Reason: "display name must not be empty"}
	}
	for _, r := range normalized {
		if !isAllowedRune(r) {
			return "", &ValidationError{Reason: fmt.Sprintf("display name contains disallowed character %q", r)}
		}
	}
	if len([]rune(normalized)) > MaxLength {
		runes := []rune(normalized)
		return "", &ValidationError{
			Reason:     fmt.Sprintf("display name exceeds %d characters", MaxLength),
			Suggestion: string(runes[:MaxLength]),
		}
	}
	return normalized, nil
}

// UniquenessChecker is the subset of the locker store needed to enforce
// per-kiosk uniqueness. store.Store implements this directly.
type UniquenessChecker interface {
	DisplayNameTaken(ctx context.Context, kioskID, normalizedName string, excludeID int) (bool, error)
}

// ValidateUnique validates name's grammar and length, then checks it isn't
// already used by a different locker on kioskID (excludeID is the locker
// being renamed, or 0 for a new assignment).
func ValidateUnique(ctx context.Context, checker UniquenessChecker, kioskID, name string, excludeID int) (string, error) {
	normalized, err := Validate(name)
	if err != nil {
		return "", err
	}
	taken, err := checker.DisplayNameTaken(ctx, kioskID, FoldKey(normalized), excludeID)
	if err != nil {
		return "", err
	}
	if taken {
		return "", &ValidationError{Reason: "display name already in use on this kiosk"}
	}
	return normalized, nil
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/nbutton23/zxcvbn-go"
)

const specialChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_{|}~`"

// ErrBreachedPassword is returned by the policy gate when HIBP reports the password.
var ErrBreachedPassword = errors.New("password appears in a known breach")

// PolicyError describes why a password was rejected by the gate.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return e.Reason }

// ValidateOptions tunes the pass/fail gate applied to master, panic and transfer passwords.
type ValidateOptions struct {
	MinLength      int
	RequireUpper   bool
	RequireDigit   bool
	RequireSpecial bool
	MinZXCVBNScore int
	EnableHIBP     bool
	Checker        PasswordChecker
}

// DefaultValidateOptions returns the master password policy.
func DefaultValidateOptions() ValidateOptions {
	return ValidateOptions{
		MinLength:      12,
		RequireUpper:   true,
		RequireDigit:   true,
		RequireSpecial: true,
		MinZXCVBNScore: 3,
	}
}

// TransferValidateOptions returns the lighter policy used for one-time transfer passwords.
func TransferValidateOptions() ValidateOptions {
	return ValidateOptions{
		MinLength:      8,
		MinZXCVBNScore: 2,
	}
}

// ValidateMasterPassword applies the master password character rules only.
func ValidateMasterPassword(pw string) error {
	opts := DefaultValidateOptions()
	opts.MinZXCVBNScore = 0
	return ValidatePassword(context.Background(), pw, opts)
}

// Strength returns the zxcvbn score (0..4) of pw.
func Strength(pw string) int {
	if pw == "" {
		return 0
	}
	return zxcvbn.PasswordStrength(pw, nil).Score
}

// ValidatePassword runs the configured rules, the zxcvbn score gate and, when enabled, a
// breach lookup. A failed breach lookup is reported, not swallowed.
func ValidatePassword(ctx context.Context, pw string, opts ValidateOptions) error {
	if len(pw) < opts.MinLength {
		return &PolicyError{Reason: fmt.Sprintf("password must be at least %d characters long", opts.MinLength)}
	}
	if opts.RequireUpper && !hasUpper(pw) {
		return &PolicyError{Reason: "password must include an uppercase letter"}
	}
	if opts.RequireDigit && !hasDigit(pw) {
		return &PolicyError{Reason: "password must include a digit"}
	}
	if opts.RequireSpecial && !hasSpecial(pw) {
		return &PolicyError{Reason: "password must include a special character"}
	}
	if opts.MinZXCVBNScore > 0 {
		if score := Strength(pw); score < opts.MinZXCVBNScore {
			return &PolicyError{Reason: fmt.Sprintf("password is too guessable (score %d, need %d)", score, opts.MinZXCVBNScore)}
		}
	}
	if opts.EnableHIBP && opts.Checker != nil {
		res, err := opts.Checker.Check(ctx, pw)
		if err != nil {
			return fmt.Errorf("breach lookup: %w", err)
		}
		if res.Found {
			return fmt.Errorf("%w (%d occurrences)", ErrBreachedPassword, res.Count)
		}
	}
	return nil
}

func hasUpper(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func hasSpecial(s string) bool {
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			return true
		}
	}
	return false
}

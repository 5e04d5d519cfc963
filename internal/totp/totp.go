package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"
)

const (
	DefaultPeriod  = 30
	DefaultDigits  = 6
	secretSize     = 20 // 160-bit secret
	maxDigits      = 10
	base32Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
)

// ErrInvalidSecret is returned when a secret decodes to zero bytes.
var ErrInvalidSecret = errors.New("totp secret is empty or invalid")

// Algorithm is the HMAC hash of an entry.
type Algorithm string

const (
	SHA1   Algorithm = "SHA1"
	SHA256 Algorithm = "SHA256"
	SHA512 Algorithm = "SHA512"
)

// ParseAlgorithm accepts SHA1/SHA256/SHA512 with or without a dash, any case.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.ReplaceAll(s, "-", "")) {
	case "", "SHA1":
		return SHA1, nil
	case "SHA256":
		return SHA256, nil
	case "SHA512":
		return SHA512, nil
	}
	return "", fmt.Errorf("unsupported totp algorithm %q", s)
}

func (a Algorithm) hash() (func() hash.Hash, error) {
	canonical, err := ParseAlgorithm(string(a))
	if err != nil {
		return nil, err
	}
	switch canonical {
	case SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	}
	return sha1.New, nil
}

// Entry is a stored second-factor secret.
type Entry struct {
	ID        int64
	Name      string
	Issuer    string
	Secret    string
	Algorithm Algorithm
	Digits    int
	Period    int
	CreatedAt time.Time
}

func (e *Entry) applyDefaults() {
	if e.Digits == 0 {
		e.Digits = DefaultDigits
	}
	if e.Period == 0 {
		e.Period = DefaultPeriod
	}
	if e.Algorithm == "" {
		e.Algorithm = SHA1
	}
}

// Normalize fills zero values with the RFC 6238 defaults, validates the rest and rewrites
// Algorithm in its canonical form.
func (e *Entry) Normalize() error {
	e.applyDefaults()
	if e.Digits < 6 || e.Digits > maxDigits {
		return fmt.Errorf("totp digits must be between 6 and %d", maxDigits)
	}
	if e.Period < 1 {
		return errors.New("totp period must be positive")
	}
	alg, err := ParseAlgorithm(string(e.Algorithm))
	if err != nil {
		return err
	}
	e.Algorithm = alg
	if len(DecodeSecret(e.Secret)) == 0 {
		return ErrInvalidSecret
	}
	return nil
}

// Generate returns the code for entry at time t.
func Generate(e Entry, t time.Time) (string, error) {
	if err := e.Normalize(); err != nil {
		return "", err
	}
	secret := DecodeSecret(e.Secret)
	defer zero(secret)

	counter := uint64(t.Unix() / int64(e.Period))
	return GenerateCounter(secret, counter, e.Algorithm, e.Digits)
}

// Remaining returns how many seconds the code generated at t stays valid.
func Remaining(e Entry, t time.Time) int {
	period := int64(e.Period)
	if period <= 0 {
		period = DefaultPeriod
	}
	return int(period - t.Unix()%period)
}

// GenerateCounter implements HOTP (RFC 4226) for a raw secret and counter. alg is accepted in
// any form ParseAlgorithm understands.
func GenerateCounter(secret []byte, counter uint64, alg Algorithm, digits int) (string, error) {
	newHash, err := alg.hash()
	if err != nil {
		return "", err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(newHash, secret)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0F
	trunc := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7FFFFFFF

	mod := uint64(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	code := uint64(trunc) % mod
	return fmt.Sprintf("%0*d", digits, code), nil
}

// DecodeSecret decodes base32 case-insensitively. Padding, whitespace and any character outside
// the RFC 4648 alphabet are skipped rather than rejected.
func DecodeSecret(secret string) []byte {
	var (
		out    []byte
		buffer uint32
		bits   uint
	)
	for _, r := range strings.ToUpper(secret) {
		idx := strings.IndexRune(base32Alphabet, r)
		if idx < 0 {
			continue
		}
		buffer = buffer<<5 | uint32(idx)
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(buffer>>bits))
			buffer &= (1 << bits) - 1
		}
	}
	return out
}

// GenerateSecret returns a random unpadded base32 secret.
func GenerateSecret() (string, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

package totp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Seeds from RFC 6238 Appendix B, base32 encoded.
const (
	seedSHA1   = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	seedSHA256 = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQGEZA===="
	seedSHA512 = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQGEZDGNA="
)

func TestGenerateRFC6238Vectors(t *testing.T) {
	cases := []struct {
		unix   int64
		sha1   string
		sha256 string
		sha512 string
	}{
		{59, "94287082", "46119246", "90693936"},
		{1111111109, "07081804", "68084774", "25091201"},
		{1111111111, "14050471", "67062674", "99943326"},
		{1234567890, "89005924", "91819424", "93441116"},
		{2000000000, "69279037", "90698825", "38618901"},
		{20000000000, "65353130", "77737706", "47863826"},
	}
	for _, tc := range cases {
		at := time.Unix(tc.unix, 0)
		for _, v := range []struct {
			seed string
			alg  Algorithm
			want string
		}{
			{seedSHA1, SHA1, tc.sha1},
			{seedSHA256, SHA256, tc.sha256},
			{seedSHA512, SHA512, tc.sha512},
		} {
			got, err := Generate(Entry{Secret: v.seed, Algorithm: v.alg, Digits: 8, Period: 30}, at)
			require.NoError(t, err)
			assert.Equal(t, v.want, got, "t=%d alg=%s", tc.unix, v.alg)
		}
	}
}

func TestGenerateAcceptsAlgorithmSpellings(t *testing.T) {
	at := time.Unix(59, 0)
	for _, alg := range []Algorithm{"sha256", "SHA-256", "Sha-256"} {
		e := Entry{Secret: seedSHA256, Algorithm: alg, Digits: 8, Period: 30}
		got, err := Generate(e, at)
		require.NoError(t, err)
		assert.Equal(t, "46119246", got, "alg=%s", alg)

		require.NoError(t, e.Normalize())
		assert.Equal(t, SHA256, e.Algorithm)
	}

	got, err := Generate(Entry{Secret: seedSHA512, Algorithm: "sha-512", Digits: 8, Period: 30}, at)
	require.NoError(t, err)
	assert.Equal(t, "90693936", got)

	_, err = GenerateCounter([]byte("12345678901234567890"), 1, "MD5", 6)
	assert.Error(t, err)
	_, err = Generate(Entry{Secret: seedSHA1, Algorithm: "SHA3"}, at)
	assert.Error(t, err)
}

func TestGenerateSixDigitsDeterministic(t *testing.T) {
	e := Entry{Secret: "GEZDGNBVGY3TQOJQ", Algorithm: SHA1, Digits: 6, Period: 30}
	cases := map[int64]string{
		0:          "891490",
		59:         "263420",
		1111111109: "343526",
		1700000000: "017492",
	}
	for unix, want := range cases {
		got, err := Generate(e, time.Unix(unix, 0))
		require.NoError(t, err)
		assert.Equal(t, want, got)

		again, err := Generate(e, time.Unix(unix, 0))
		require.NoError(t, err)
		assert.Equal(t, got, again)
	}
}

func TestDecodeSecretIsLenient(t *testing.T) {
	want := []byte("1234567890")
	assert.Equal(t, want, DecodeSecret("GEZDGNBVGY3TQOJQ"))
	assert.Equal(t, want, DecodeSecret("gezd gnbv gy3t qojq"))
	assert.Equal(t, want, DecodeSecret("GEZD-GNBV-GY3T-QOJQ===="))
	assert.Empty(t, DecodeSecret("!!!"))
}

func TestNormalizeDefaultsAndValidation(t *testing.T) {
	e := Entry{Secret: "GEZDGNBVGY3TQOJQ"}
	require.NoError(t, e.Normalize())
	assert.Equal(t, SHA1, e.Algorithm)
	assert.Equal(t, 6, e.Digits)
	assert.Equal(t, 30, e.Period)

	assert.ErrorIs(t, (&Entry{Secret: "1890"}).Normalize(), ErrInvalidSecret)
	assert.Error(t, (&Entry{Secret: "GEZDGNBV", Digits: 4}).Normalize())
	assert.Error(t, (&Entry{Secret: "GEZDGNBV", Algorithm: "MD5"}).Normalize())
}

func TestRemaining(t *testing.T) {
	e := Entry{Period: 30}
	assert.Equal(t, 30, Remaining(e, time.Unix(60, 0)))
	assert.Equal(t, 1, Remaining(e, time.Unix(59, 0)))
}

func TestURIRoundTrip(t *testing.T) {
	in := Entry{Name: "alice@example.com", Issuer: "Example Co", Secret: "GEZDGNBVGY3TQOJQ", Algorithm: SHA256, Digits: 8, Period: 60}
	uri := FormatURI(in)
	assert.Contains(t, uri, "otpauth://totp/")

	out, err := ParseURI(uri)
	require.NoError(t, err)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Issuer, out.Issuer)
	assert.Equal(t, in.Secret, out.Secret)
	assert.Equal(t, in.Algorithm, out.Algorithm)
	assert.Equal(t, in.Digits, out.Digits)
	assert.Equal(t, in.Period, out.Period)
}

func TestParseURI(t *testing.T) {
	e, err := ParseURI("otpauth://totp/ACME:bob?secret=gezdgnbvgy3tqojq")
	require.NoError(t, err)
	assert.Equal(t, "ACME", e.Issuer)
	assert.Equal(t, "bob", e.Name)
	assert.Equal(t, "GEZDGNBVGY3TQOJQ", e.Secret)
	assert.Equal(t, 6, e.Digits)

	for _, bad := range []string{
		"https://totp/x?secret=GEZD",
		"otpauth://hotp/x?secret=GEZD",
		"otpauth://totp/x",
		"otpauth://totp/x?secret=GEZD&digits=abc",
		"otpauth://totp/x?secret=GEZD&algorithm=MD5",
	} {
		_, err := ParseURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestGenerateSecret(t *testing.T) {
	s, err := GenerateSecret()
	require.NoError(t, err)
	assert.Len(t, DecodeSecret(s), 20)
}

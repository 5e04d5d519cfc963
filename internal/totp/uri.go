package totp

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ParseURI parses otpauth://totp/<issuer>:<name>?secret=...&issuer=...&algorithm=...&digits=...&period=...
func ParseURI(raw string) (Entry, error) {
	var e Entry

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return e, fmt.Errorf("parse otpauth uri: %w", err)
	}
	if u.Scheme != "otpauth" {
		return e, fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
	if !strings.EqualFold(u.Host, "totp") {
		return e, fmt.Errorf("unsupported otp type %q", u.Host)
	}

	label := strings.TrimPrefix(u.Path, "/")
	if i := strings.Index(label, ":"); i >= 0 {
		e.Issuer = strings.TrimSpace(label[:i])
		e.Name = strings.TrimSpace(label[i+1:])
	} else {
		e.Name = strings.TrimSpace(label)
	}

	q := u.Query()
	e.Secret = strings.ToUpper(strings.TrimSpace(q.Get("secret")))
	if e.Secret == "" {
		return e, errors.New("otpauth uri has no secret")
	}
	if issuer := q.Get("issuer"); issuer != "" {
		e.Issuer = issuer
	}
	if e.Algorithm, err = ParseAlgorithm(q.Get("algorithm")); err != nil {
		return e, err
	}
	if v := q.Get("digits"); v != "" {
		if e.Digits, err = strconv.Atoi(v); err != nil {
			return e, fmt.Errorf("parse digits: %w", err)
		}
	}
	if v := q.Get("period"); v != "" {
		if e.Period, err = strconv.Atoi(v); err != nil {
			return e, fmt.Errorf("parse period: %w", err)
		}
	}
	if err := e.Normalize(); err != nil {
		return e, err
	}
	return e, nil
}

// FormatURI renders e so that ParseURI(FormatURI(e)) yields the same entry fields.
func FormatURI(e Entry) string {
	e.applyDefaults()
	label := url.PathEscape(e.Name)
	if e.Issuer != "" {
		label = url.PathEscape(e.Issuer) + ":" + label
	}

	q := url.Values{}
	q.Set("secret", strings.TrimRight(strings.ToUpper(e.Secret), "="))
	if e.Issuer != "" {
		q.Set("issuer", e.Issuer)
	}
	q.Set("algorithm", string(e.Algorithm))
	q.Set("digits", strconv.Itoa(e.Digits))
	q.Set("period", strconv.Itoa(e.Period))

	return "otpauth://totp/" + label + "?" + q.Encode()
}

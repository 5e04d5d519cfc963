package service

import (
	"context"

	"github.com/Hussein-Mazeh/duressvault/internal/totp"
	"github.com/Hussein-Mazeh/duressvault/internal/vault"
	"github.com/Hussein-Mazeh/duressvault/krypto"
)

// GeneratedCode is a generated code and the seconds it stays valid.
type GeneratedCode struct {
	Code      string
	Remaining int
}

// AddTOTP seals and stores a second-factor entry and returns its id.
func (s *Service) AddTOTP(ctx context.Context, e totp.Entry) (int64, error) {
	var id int64
	err := s.session.With(func(ns vault.Namespace, key *krypto.SessionKey) error {
		row, err := vault.SealTOTP(e, key)
		if err != nil {
			return err
		}
		id, err = ns.InsertTOTP(ctx, row)
		return err
	})
	return id, err
}

// AddTOTPURI parses an otpauth:// URI and stores it.
func (s *Service) AddTOTPURI(ctx context.Context, uri string) (int64, error) {
	e, err := totp.ParseURI(uri)
	if err != nil {
		return 0, err
	}
	return s.AddTOTP(ctx, e)
}

// ListTOTP returns the stored entries without their secrets.
func (s *Service) ListTOTP(ctx context.Context) ([]totp.Entry, error) {
	var out []totp.Entry
	err := s.session.With(func(ns vault.Namespace, _ *krypto.SessionKey) error {
		rows, err := ns.ListTOTP(ctx)
		if err != nil {
			return err
		}
		for _, r := range rows {
			out = append(out, totp.Entry{
				ID:        r.ID,
				Name:      r.Name,
				Issuer:    r.Issuer,
				Algorithm: totp.Algorithm(r.Algorithm),
				Digits:    r.Digits,
				Period:    r.Period,
				CreatedAt: r.CreatedAt,
			})
		}
		return nil
	})
	return out, err
}

// TOTPCode generates the current code of entry id.
func (s *Service) TOTPCode(ctx context.Context, id int64) (GeneratedCode, error) {
	var out GeneratedCode
	err := s.session.With(func(ns vault.Namespace, key *krypto.SessionKey) error {
		row, err := ns.GetTOTP(ctx, id)
		if err != nil {
			return notFound(err)
		}
		e, err := vault.OpenTOTP(row, key)
		if err != nil {
			return err
		}
		now := s.now()
		code, err := totp.Generate(e, now)
		if err != nil {
			return err
		}
		out = GeneratedCode{Code: code, Remaining: totp.Remaining(e, now)}
		return nil
	})
	return out, err
}

// TOTPURI returns the otpauth:// URI of entry id, for export to another authenticator.
func (s *Service) TOTPURI(ctx context.Context, id int64) (string, error) {
	var uri string
	err := s.session.With(func(ns vault.Namespace, key *krypto.SessionKey) error {
		row, err := ns.GetTOTP(ctx, id)
		if err != nil {
			return notFound(err)
		}
		e, err := vault.OpenTOTP(row, key)
		if err != nil {
			return err
		}
		uri = totp.FormatURI(e)
		return nil
	})
	return uri, err
}

// DeleteTOTP removes entry id.
func (s *Service) DeleteTOTP(ctx context.Context, id int64) error {
	return s.session.With(func(ns vault.Namespace, _ *krypto.SessionKey) error {
		return notFound(ns.DeleteTOTP(ctx, id))
	})
}

// GenerateTOTPSecret returns a fresh base32 secret.
func (s *Service) GenerateTOTPSecret() (string, error) { return totp.GenerateSecret() }

package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Hussein-Mazeh/duressvault/internal/db"
	"github.com/Hussein-Mazeh/duressvault/internal/schedule"
	"github.com/Hussein-Mazeh/duressvault/internal/vault"
	"github.com/Hussein-Mazeh/duressvault/krypto"
)

// ErrNotFound is returned when a record id does not exist in the unlocked vault.
var ErrNotFound = errors.New("record not found")

// AccessDeniedError is returned when a credential is read outside its access window.
type AccessDeniedError struct {
	CredentialID int64
	Reason       string
	NextWindow   *time.Time
}

func (e *AccessDeniedError) Error() string {
	msg := fmt.Sprintf("credential %d is not accessible: %s", e.CredentialID, e.Reason)
	if e.NextWindow != nil {
		msg += fmt.Sprintf(" (next window %s)", e.NextWindow.Format("Mon 02 Jan 15:04"))
	}
	return msg
}

// Listing is one credential as shown in a list. Locked entries are visible but their password
// cannot be read right now.
type Listing struct {
	vault.Credential
	Locked bool
	Rule   *schedule.Rule
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// AddCredential seals and stores a new credential and returns its id.
func (s *Service) AddCredential(ctx context.Context, plain vault.PlainCredential) (int64, error) {
	var id int64
	err := s.session.With(func(ns vault.Namespace, key *krypto.SessionKey) error {
		c, err := vault.SealCredential(plain, key)
		if err != nil {
			return err
		}
		id, err = ns.InsertCredential(ctx, c.Row())
		return err
	})
	return id, err
}

// UpdateCredential replaces the fields of credential id. An empty password keeps the stored one.
func (s *Service) UpdateCredential(ctx context.Context, id int64, plain vault.PlainCredential) error {
	return s.session.With(func(ns vault.Namespace, key *krypto.SessionKey) error {
		row, err := ns.GetCredential(ctx, id)
		if err != nil {
			return notFound(err)
		}
		existing := vault.CredentialFromRow(row)

		if plain.Password == "" {
			pw, err := vault.OpenCredential(existing, key)
			if err != nil {
				return err
			}
			plain.Password = pw
		}
		c, err := vault.SealCredential(plain, key)
		if err != nil {
			return err
		}
		c.ID = id
		c.CreatedAt = existing.CreatedAt
		return notFound(ns.UpdateCredential(ctx, c.Row()))
	})
}

// DeleteCredential removes credential id and its access rule.
func (s *Service) DeleteCredential(ctx context.Context, id int64) error {
	return s.session.With(func(ns vault.Namespace, _ *krypto.SessionKey) error {
		if err := ns.DeleteRule(ctx, id); err != nil {
			return err
		}
		return notFound(ns.DeleteCredential(ctx, id))
	})
}

// ListCredentials returns the credentials visible now. Records whose hide rule is outside its
// window are omitted; records with a lock rule are marked Locked.
func (s *Service) ListCredentials(ctx context.Context) ([]Listing, error) {
	var out []Listing
	err := s.session.With(func(ns vault.Namespace, _ *krypto.SessionKey) error {
		rows, err := ns.ListCredentials(ctx)
		if err != nil {
			return err
		}
		rules, err := loadRules(ctx, ns)
		if err != nil {
			return err
		}
		now := s.now()
		for _, r := range rows {
			l := Listing{Credential: vault.CredentialFromRow(r), Rule: rules[r.ID]}
			if res := schedule.Evaluate(l.Rule, now); !res.Accessible {
				if l.Rule.Action == schedule.ActionHide {
					continue
				}
				l.Locked = true
			}
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

// SearchCredentials filters ListCredentials by a case-insensitive substring of title, username
// or category.
func (s *Service) SearchCredentials(ctx context.Context, query string) ([]Listing, error) {
	all, err := s.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return all, nil
	}
	var out []Listing
	for _, l := range all {
		if strings.Contains(strings.ToLower(l.Title), q) ||
			strings.Contains(strings.ToLower(l.Username), q) ||
			strings.Contains(strings.ToLower(l.Category), q) {
			out = append(out, l)
		}
	}
	return out, nil
}

// GetPassword decrypts the password of credential id. Outside its access window it returns an
// *AccessDeniedError and nothing is decrypted.
func (s *Service) GetPassword(ctx context.Context, id int64) (string, error) {
	var pw string
	err := s.session.With(func(ns vault.Namespace, key *krypto.SessionKey) error {
		row, err := ns.GetCredential(ctx, id)
		if err != nil {
			return notFound(err)
		}
		rule, err := loadRule(ctx, ns, id)
		if err != nil {
			return err
		}
		if res := schedule.Evaluate(rule, s.now()); !res.Accessible {
			return &AccessDeniedError{CredentialID: id, Reason: res.Reason, NextWindow: res.NextWindow}
		}
		pw, err = vault.OpenCredential(vault.CredentialFromRow(row), key)
		return err
	})
	return pw, err
}

// SetRule installs the access rule of credential id, replacing any previous one.
func (s *Service) SetRule(ctx context.Context, rule schedule.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return s.session.With(func(ns vault.Namespace, _ *krypto.SessionKey) error {
		if _, err := ns.GetCredential(ctx, rule.CredentialID); err != nil {
			return notFound(err)
		}
		return ns.UpsertRule(ctx, db.RuleRow{
			CredentialID: rule.CredentialID,
			Enabled:      rule.Enabled,
			Days:         schedule.FormatDays(rule.Schedule.Days),
			StartTime:    rule.Schedule.Start,
			EndTime:      rule.Schedule.End,
			Action:       string(rule.Action),
		})
	})
}

// GetRule returns the rule of credential id, or nil when it has none.
func (s *Service) GetRule(ctx context.Context, id int64) (*schedule.Rule, error) {
	var rule *schedule.Rule
	err := s.session.With(func(ns vault.Namespace, _ *krypto.SessionKey) error {
		var err error
		rule, err = loadRule(ctx, ns, id)
		return err
	})
	return rule, err
}

// ClearRule removes the rule of credential id.
func (s *Service) ClearRule(ctx context.Context, id int64) error {
	return s.session.With(func(ns vault.Namespace, _ *krypto.SessionKey) error {
		return ns.DeleteRule(ctx, id)
	})
}

func loadRule(ctx context.Context, ns vault.Namespace, id int64) (*schedule.Rule, error) {
	row, err := ns.GetRule(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ruleFromRow(row)
}

func loadRules(ctx context.Context, ns vault.Namespace) (map[int64]*schedule.Rule, error) {
	rows, err := ns.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	rules := make(map[int64]*schedule.Rule, len(rows))
	for _, r := range rows {
		rule, err := ruleFromRow(r)
		if err != nil {
			return nil, err
		}
		rules[r.CredentialID] = rule
	}
	return rules, nil
}

func ruleFromRow(r db.RuleRow) (*schedule.Rule, error) {
	days, err := schedule.ParseDays(r.Days)
	if err != nil {
		return nil, fmt.Errorf("rule of credential %d: %w", r.CredentialID, err)
	}
	return &schedule.Rule{
		CredentialID: r.CredentialID,
		Enabled:      r.Enabled,
		Schedule:     schedule.Schedule{Days: days, Start: r.StartTime, End: r.EndTime},
		Action:       schedule.Action(r.Action),
	}, nil
}

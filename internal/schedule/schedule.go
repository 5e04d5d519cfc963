// Package schedule decides whether a record is inside its permitted access window.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRule is returned by Validate for malformed rules.
var ErrInvalidRule = errors.New("invalid access rule")

// Action is what the host does with a record outside its window.
type Action string

const (
	ActionHide Action = "hide"
	ActionLock Action = "lock"
)

// Schedule is a weekly window. Start and End are "HH:MM" and compared as strings.
type Schedule struct {
	Days  []time.Weekday
	Start string
	End   string
}

// Rule restricts access to one credential. A credential has at most one rule.
type Rule struct {
	CredentialID int64
	Enabled      bool
	Schedule     Schedule
	Action       Action
}

// Result is the outcome of Evaluate. NextWindow is nil when access is allowed or no window exists.
type Result struct {
	Accessible bool
	Reason     string
	NextWindow *time.Time
}

// Validate checks time formats, the weekday set and the window order.
func (r Rule) Validate() error {
	start, err := parseClock(r.Schedule.Start)
	if err != nil {
		return fmt.Errorf("%w: start: %v", ErrInvalidRule, err)
	}
	end, err := parseClock(r.Schedule.End)
	if err != nil {
		return fmt.Errorf("%w: end: %v", ErrInvalidRule, err)
	}
	if start > end {
		return fmt.Errorf("%w: start %s is after end %s", ErrInvalidRule, r.Schedule.Start, r.Schedule.End)
	}
	for _, d := range r.Schedule.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalidRule, d)
		}
	}
	switch r.Action {
	case ActionHide, ActionLock:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRule, r.Action)
	}
	return nil
}

// Evaluate is a pure function of rule and now. A nil or disabled rule is always accessible.
// An empty day set is never accessible and has no next window.
func Evaluate(rule *Rule, now time.Time) Result {
	if rule == nil || !rule.Enabled {
		return Result{Accessible: true, Reason: "no active rule"}
	}

	days := daySet(rule.Schedule.Days)
	if len(days) == 0 {
		return Result{Accessible: false, Reason: "no allowed days"}
	}

	clock := now.Format("15:04")
	inDay := days[now.Weekday()]
	if inDay && clock >= rule.Schedule.Start && clock <= rule.Schedule.End {
		return Result{Accessible: true, Reason: "within access window"}
	}

	reason := "outside allowed days"
	if inDay {
		reason = "outside allowed hours"
	}
	next := nextWindow(days, rule.Schedule.Start, now)
	return Result{Accessible: false, Reason: reason, NextWindow: next}
}

func nextWindow(days map[time.Weekday]bool, start string, now time.Time) *time.Time {
	hour, minute, err := splitClock(start)
	if err != nil {
		return nil
	}
	at := func(day time.Time) *time.Time {
		t := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
		return &t
	}

	if days[now.Weekday()] && now.Format("15:04") < start {
		return at(now)
	}
	for i := 1; i <= 7; i++ {
		day := now.AddDate(0, 0, i)
		if days[day.Weekday()] {
			return at(day)
		}
	}
	return nil
}

func daySet(days []time.Weekday) map[time.Weekday]bool {
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		set[d] = true
	}
	return set
}

func parseClock(s string) (int, error) {
	h, m, err := splitClock(s)
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

func splitClock(s string) (int, int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(s[:2])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("hour in %q out of range", s)
	}
	m, err := strconv.Atoi(s[3:])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("minute in %q out of range", s)
	}
	return h, m, nil
}

// FormatDays encodes a weekday set as sorted comma separated numbers.
func FormatDays(days []time.Weekday) string {
	set := daySet(days)
	nums := make([]int, 0, len(set))
	for d := range set {
		nums = append(nums, int(d))
	}
	sort.Ints(nums)
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

// ParseDays decodes the output of FormatDays.
func ParseDays(s string) ([]time.Weekday, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []time.Weekday
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("%w: weekday %q", ErrInvalidRule, p)
		}
		out = append(out, time.Weekday(n))
	}
	return out, nil
}

// ParseDayNames accepts names like "mon,tue" or "weekdays" / "weekend" / "all".
func ParseDayNames(s string) ([]time.Weekday, error) {
	names := map[string]time.Weekday{
		"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
		"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
	}
	var out []time.Weekday
	for _, p := range strings.Split(strings.ToLower(s), ",") {
		p = strings.TrimSpace(p)
		switch p {
		case "":
			continue
		case "weekdays":
			out = append(out, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
		case "weekend":
			out = append(out, time.Saturday, time.Sunday)
		case "all":
			out = append(out, time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday)
		default:
			d, ok := names[p[:min(3, len(p))]]
			if !ok {
				return nil, fmt.Errorf("%w: unknown day %q", ErrInvalidRule, p)
			}
			out = append(out, d)
		}
	}
	return out, nil
}

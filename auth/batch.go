package auth

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBatchInterval is the minimum spacing between outbound range queries.
const DefaultBatchInterval = 1600 * time.Millisecond

// BatchItem is one stored password to check.
type BatchItem struct {
	ID       int64
	Label    string
	Password string
}

// BatchResult reports the outcome for one item. Err is set when the lookup failed; such an
// item is unknown, not clean.
type BatchResult struct {
	ID    int64
	Label string
	Found bool
	Count int
	Err   error
}

// BatchChecker runs lookups strictly one at a time, paced by a token bucket of size one.
type BatchChecker struct {
	checker PasswordChecker
	limiter *rate.Limiter
}

// NewBatchChecker paces checker calls at least interval apart.
func NewBatchChecker(checker PasswordChecker, interval time.Duration) *BatchChecker {
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	return &BatchChecker{
		checker: checker,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Run checks items in order. On cancellation it returns the results gathered so far with the
// limiter's context error.
// progress, when non-nil, is called after each item.
func (b *BatchChecker) Run(ctx context.Context, items []BatchItem, progress func(done, total int)) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(items))
	for i, it := range items {
		if err := b.limiter.Wait(ctx); err != nil {
			return results, err
		}

		res, err := b.checker.Check(ctx, it.Password)
		results = append(results, BatchResult{
			ID:    it.ID,
			Label: it.Label,
			Found: err == nil && res.Found,
			Count: res.Count,
			Err:   err,
		})
		if progress != nil {
			progress(i+1, len(items))
		}
	}
	return results, nil
}

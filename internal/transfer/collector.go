package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrNoFrame is returned by a FrameSource when the current frame holds no readable code.
// The collector moves on to the next attempt.
var ErrNoFrame = errors.New("no code in frame")

// FrameSource yields one decoded string per call, for example one scanned optical code.
// io.EOF ends the stream.
type FrameSource interface {
	NextFrame(ctx context.Context) (string, error)
}

// Collector pulls frames one at a time until a complete chunk set has been seen, a bound is
// hit, or the source ends.
type Collector struct {
	Source FrameSource
	// Timeout bounds the whole collection. Zero means no limit beyond ctx.
	Timeout time.Duration
	// MaxAttempts bounds the number of frames read. Zero means unbounded.
	MaxAttempts int
	// FrameInterval is the pause between two reads.
	FrameInterval time.Duration
	// OnProgress, when set, is called each time a new chunk index is accepted.
	OnProgress func(have, want int)
}

// Collect returns the accepted chunk strings once every index 1..total has been seen.
// Frames with a foreign tag are skipped. Running out of time, attempts or frames yields an
// *IncompleteTransferError describing what was collected.
func (c *Collector) Collect(ctx context.Context) ([]string, error) {
	if c.Source == nil {
		return nil, errors.New("collector has no frame source")
	}
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	seen := map[int]Chunk{}
	total := 0
	incomplete := func() error {
		return &IncompleteTransferError{Have: len(seen), Want: total, Missing: missingIndexes(total, func(i int) bool {
			_, ok := seen[i]
			return ok
		})}
	}

	for attempt := 1; c.MaxAttempts <= 0 || attempt <= c.MaxAttempts; attempt++ {
		if attempt > 1 && c.FrameInterval > 0 {
			timer := time.NewTimer(c.FrameInterval)
			select {
			case <-runCtx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if runCtx.Err() != nil {
			return nil, incomplete()
		}

		frame, err := c.Source.NextFrame(runCtx)
		switch {
		case errors.Is(err, ErrNoFrame):
			continue
		case errors.Is(err, io.EOF):
			return nil, incomplete()
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if runCtx.Err() != nil {
				return nil, incomplete()
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}

		ch, err := ParseChunk(frame)
		if err != nil {
			continue
		}
		if total == 0 {
			total = ch.Total
		}
		if ch.Total != total {
			return nil, fmt.Errorf("%w: totals %d and %d", ErrInconsistentChunks, total, ch.Total)
		}
		if prev, ok := seen[ch.Index]; ok {
			if prev.Payload != ch.Payload {
				return nil, fmt.Errorf("%w: conflicting payloads for chunk %d", ErrInconsistentChunks, ch.Index)
			}
			continue
		}
		seen[ch.Index] = ch
		if c.OnProgress != nil {
			c.OnProgress(len(seen), total)
		}
		if len(seen) == total {
			out := make([]string, 0, total)
			for i := 1; i <= total; i++ {
				out = append(out, seen[i].String())
			}
			return out, nil
		}
	}
	return nil, incomplete()
}

// LineSource reads one frame per non-empty line, for chunks pasted or piped as text. Reads
// happen on a background goroutine so a stalled reader does not outlive ctx; that goroutine
// stays blocked until the reader returns.
type LineSource struct {
	scanner *bufio.Scanner
	once    sync.Once
	lines   chan lineResult
}

type lineResult struct {
	text string
	err  error
}

// NewLineSource wraps r.
func NewLineSource(r io.Reader) *LineSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	return &LineSource{scanner: sc, lines: make(chan lineResult)}
}

func (s *LineSource) readLoop() {
	defer close(s.lines)
	for s.scanner.Scan() {
		s.lines <- lineResult{text: s.scanner.Text()}
	}
	if err := s.scanner.Err(); err != nil {
		s.lines <- lineResult{err: err}
	}
}

// NextFrame implements FrameSource.
func (s *LineSource) NextFrame(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.once.Do(func() { go s.readLoop() })

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-s.lines:
		switch {
		case !ok:
			return "", io.EOF
		case res.err != nil:
			return "", res.err
		case res.text == "":
			return "", ErrNoFrame
		}
		return res.text, nil
	}
}

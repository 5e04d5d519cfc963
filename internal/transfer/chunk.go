package transfer

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FormatTag identifies version 1 of the chunk wire format.
const FormatTag = "L2V1"

const (
	// MaxChunks is the largest chunk count a transfer may declare. At DefaultChunkSize it
	// allows about 2 MB of encoded payload.
	MaxChunks = 4096
	// maxReportedMissing caps IncompleteTransferError.Missing.
	maxReportedMissing = 32
)

var (
	// ErrUnknownFormat is returned for a chunk that does not carry FormatTag.
	ErrUnknownFormat = errors.New("unknown transfer format")
	// ErrInconsistentChunks is returned when chunks disagree on the total or carry
	// different payloads for the same index.
	ErrInconsistentChunks = errors.New("inconsistent transfer chunks")
	// ErrTooManyChunks is returned for a chunk or chunk set declaring more than MaxChunks.
	ErrTooManyChunks = errors.New("transfer declares too many chunks")
)

// IncompleteTransferError reports a chunk set that does not cover every index. Missing lists
// the lowest absent indexes and is truncated once it holds maxReportedMissing entries.
type IncompleteTransferError struct {
	Have    int
	Want    int
	Missing []int
}

// missingIndexes returns up to maxReportedMissing indexes in 1..total for which seen is false.
func missingIndexes(total int, seen func(int) bool) []int {
	var missing []int
	for i := 1; i <= total && len(missing) < maxReportedMissing; i++ {
		if !seen(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

func (e *IncompleteTransferError) Error() string {
	return fmt.Sprintf("incomplete transfer: have %d of %d chunks (missing %v)", e.Have, e.Want, e.Missing)
}

// Chunk is one tagged fragment of a transfer payload. Index is 1-based.
type Chunk struct {
	Index   int
	Total   int
	Payload string
}

// String renders the chunk as "<tag>:<index>/<total>:<payload>".
func (c Chunk) String() string {
	return FormatTag + ":" + strconv.Itoa(c.Index) + "/" + strconv.Itoa(c.Total) + ":" + c.Payload
}

// ParseChunk parses one chunk string. Anything not starting with FormatTag is rejected with
// ErrUnknownFormat.
func ParseChunk(s string) (Chunk, error) {
	s = strings.TrimSpace(s)
	tag, rest, ok := strings.Cut(s, ":")
	if !ok || tag != FormatTag {
		return Chunk{}, ErrUnknownFormat
	}
	header, payload, ok := strings.Cut(rest, ":")
	if !ok {
		return Chunk{}, fmt.Errorf("parse chunk: missing payload separator")
	}
	idxStr, totalStr, ok := strings.Cut(header, "/")
	if !ok {
		return Chunk{}, fmt.Errorf("parse chunk: malformed header %q", header)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return Chunk{}, fmt.Errorf("parse chunk index: %w", err)
	}
	total, err := strconv.Atoi(totalStr)
	if err != nil {
		return Chunk{}, fmt.Errorf("parse chunk total: %w", err)
	}
	if total > MaxChunks {
		return Chunk{}, fmt.Errorf("%w: %d > %d", ErrTooManyChunks, total, MaxChunks)
	}
	if total < 1 || idx < 1 || idx > total {
		return Chunk{}, fmt.Errorf("parse chunk: index %d out of range 1..%d", idx, total)
	}
	return Chunk{Index: idx, Total: total, Payload: payload}, nil
}

// Split cuts payload into chunks of at most size bytes.
func Split(payload string, size int) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	total := (len(payload) + size - 1) / size
	if total == 0 {
		total = 1
	}
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*size, len(payload))
		chunks = append(chunks, Chunk{Index: i + 1, Total: total, Payload: payload[i*size : end]})
	}
	return chunks
}

// Assemble validates a set of chunks in any order and joins their payloads. Identical
// duplicates are tolerated; conflicting ones are not.
func Assemble(chunks []Chunk) (string, error) {
	if len(chunks) == 0 {
		return "", &IncompleteTransferError{}
	}

	total := chunks[0].Total
	if total > MaxChunks {
		return "", fmt.Errorf("%w: %d > %d", ErrTooManyChunks, total, MaxChunks)
	}
	byIndex := make(map[int]string, len(chunks))
	for _, c := range chunks {
		if c.Total != total {
			return "", fmt.Errorf("%w: totals %d and %d", ErrInconsistentChunks, total, c.Total)
		}
		if c.Index < 1 || c.Index > total {
			return "", fmt.Errorf("%w: index %d out of range 1..%d", ErrInconsistentChunks, c.Index, total)
		}
		if prev, seen := byIndex[c.Index]; seen && prev != c.Payload {
			return "", fmt.Errorf("%w: conflicting payloads for chunk %d", ErrInconsistentChunks, c.Index)
		}
		byIndex[c.Index] = c.Payload
	}

	if len(byIndex) != total {
		missing := missingIndexes(total, func(i int) bool {
			_, ok := byIndex[i]
			return ok
		})
		return "", &IncompleteTransferError{Have: len(byIndex), Want: total, Missing: missing}
	}

	indexes := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var sb strings.Builder
	for _, i := range indexes {
		sb.WriteString(byIndex[i])
	}
	return sb.String(), nil
}

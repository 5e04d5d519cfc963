package auth

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultHIBPRangeURL is the public k-anonymity range endpoint.
	DefaultHIBPRangeURL = "https://api.pwnedpasswords.com/range/"
	hibpUserAgent       = "duressvault/0.2"
)

// HIBPResult captures whether a password hash suffix was found in the HIBP dataset.
type HIBPResult struct {
	Found bool
	Count int
}

// PasswordChecker looks a password up in a breach corpus.
type PasswordChecker interface {
	Check(ctx context.Context, pw string) (HIBPResult, error)
}

// HIBPClient queries a range endpoint using k-anonymity.
type HIBPClient struct {
	baseURL string
	client  *http.Client
}

// NewHIBPClient returns a client for baseURL (DefaultHIBPRangeURL when empty).
func NewHIBPClient(baseURL string) *HIBPClient {
	if baseURL == "" {
		baseURL = DefaultHIBPRangeURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &HIBPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 4 * time.Second},
	}
}

// Check never sends the full password; only a 5-hex prefix of SHA1(pw).
// Behavior:
//   - Computes SHA-1 of the password, upper-cases its hex, splits into:
//   - prefix = first 5 hex chars (sent to the endpoint)
//   - suffix = last 35 hex chars (kept locally)
//   - Streams the response line-by-line ("SUFFIX:COUNT") and matches the suffix case-insensitively.
//   - Network, status and parse failures are returned wrapped so callers can report them.
func (c *HIBPClient) Check(ctx context.Context, pw string) (HIBPResult, error) {
	var result HIBPResult

	sum := sha1.Sum([]byte(pw))
	hashHex := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix := hashHex[:5]
	suffix := hashHex[5:]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+prefix, nil)
	if err != nil {
		return result, fmt.Errorf("hibp request: %w", err)
	}
	req.Header.Set("User-Agent", hibpUserAgent)
	req.Header.Set("Add-Padding", "true")

	resp, err := c.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("hibp query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("hibp query: unexpected status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		partIdx := strings.IndexByte(line, ':')
		if partIdx == -1 {
			continue
		}

		if !strings.EqualFold(line[:partIdx], suffix) {
			continue
		}

		count, err := strconv.Atoi(strings.TrimSpace(line[partIdx+1:]))
		if err != nil {
			return result, fmt.Errorf("hibp parse count: %w", err)
		}
		// Padding entries carry a zero count.
		if count == 0 {
			continue
		}

		result.Found = true
		result.Count = count
		return result, nil
	}

	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("hibp read response: %w", err)
	}

	return result, nil
}

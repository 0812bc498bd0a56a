// Package feedclient fetches the remote paginated chart feed.
//
// Fetching and parsing are deliberately separate: pages come back as raw
// bytes so payloads can be archived and replayed through the feed adapter
// without hitting the network again.
package feedclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Logger is the minimal logging interface used by the client.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Doer is the subset of *http.Client the fetcher needs; tests inject fakes.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches feed pages with bounded retries and jittered backoff.
type Client struct {
	HTTP        Doer
	Logger      Logger
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	JitterMax   time.Duration

	// Sleep is a test seam. Production uses time.Sleep.
	Sleep func(d time.Duration)
}

func (c *Client) httpDoer() Doer {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) logf(format string, v ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, v...)
	}
}

func (c *Client) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 3
}

func (c *Client) sleepFn() func(time.Duration) {
	if c.Sleep != nil {
		return c.Sleep
	}
	return time.Sleep
}

// Fetch GETs one URL, retrying retryable statuses (429 and 5xx) with
// exponential backoff plus jitter. A Retry-After header on 429/503 stretches
// the wait when it asks for more than the computed backoff.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts(); attempt++ {
		if attempt > 1 {
			wait := c.backoff(attempt - 1)
			if ra := retryAfterFromErr(lastErr); ra > wait {
				wait = ra
			}
			c.logf("stage=fetch retry attempt=%d wait=%s url=%s", attempt, wait, rawURL)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			c.sleepFn()(wait)
		}

		body, err := c.fetchOnce(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("feedclient: %s: giving up after %d attempts: %w", rawURL, c.maxAttempts(), lastErr)
}

// FetchPages walks the feed's offset/limit pagination. Each page is handed to
// handle, which reports how many entries the page contained; fetching stops
// after the first short page.
func (c *Client) FetchPages(ctx context.Context, baseURL string, pageSize int, handle func(page []byte) (int, error)) error {
	if pageSize <= 0 {
		pageSize = 200
	}

	for offset := 0; ; offset += pageSize {
		u, err := pageURL(baseURL, offset, pageSize)
		if err != nil {
			return err
		}

		body, err := c.Fetch(ctx, u)
		if err != nil {
			return err
		}

		n, err := handle(body)
		if err != nil {
			return err
		}
		c.logf("stage=fetch_page offset=%d entries=%d", offset, n)
		if n < pageSize {
			return nil
		}
	}
}

func pageURL(baseURL string, offset, limit int) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("feedclient: parse url %q: %w", baseURL, err)
	}
	q := u.Query()
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// httpStatusError carries the status and any Retry-After hint for the retry loop.
type httpStatusError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Status)
}

func (c *Client) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpDoer().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &httpStatusError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return io.ReadAll(resp.Body)
}

func isRetryable(err error) bool {
	var se *httpStatusError
	if !errors.As(err, &se) {
		// Transport-level errors (timeouts, resets) are retryable.
		return true
	}
	return se.Status == http.StatusTooManyRequests || se.Status >= 500
}

func retryAfterFromErr(err error) time.Duration {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// backoff computes the jittered exponential wait for the n-th retry (1-based).
func (c *Client) backoff(n int) time.Duration {
	base := c.BaseBackoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxWait := c.MaxBackoff
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}

	wait := base << (n - 1)
	if wait > maxWait || wait <= 0 {
		wait = maxWait
	}

	jitterMax := c.JitterMax
	if jitterMax <= 0 {
		jitterMax = 250 * time.Millisecond
	}
	return wait + time.Duration(rand.Int63n(int64(jitterMax)))
}

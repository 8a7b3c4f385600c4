package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// MaxResponseBytes caps how much of a peer reply is read.
const MaxResponseBytes = 4 << 20

var ErrBodyTooLarge = errors.New("response body too large")

// Retry bounds a retried request. Attempts counts retries after the first
// try. Delay doubles after each retry up to MaxDelay; a Retry-After header
// in seconds replaces it, still capped by MaxDelay.
type Retry struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

func (r Retry) backoff(retry int) time.Duration {
	d := r.Delay
	for i := 0; i < retry && d > 0; i++ {
		d *= 2
		if r.MaxDelay > 0 && d >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		return r.MaxDelay
	}
	return d
}

func (r Retry) after(resp *http.Response, retry int) time.Duration {
	if resp != nil {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			d := time.Duration(secs) * time.Second
			if r.MaxDelay > 0 && d > r.MaxDelay {
				d = r.MaxDelay
			}
			return d
		}
	}
	return r.backoff(retry)
}

// Response is a peer reply read in full.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Attempts int
}

func (r Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status != http.StatusNotImplemented)
}

// Fetch sends a JSON request, retrying transport errors, 429 and 5xx
// replies. The last reply is returned as is once retries run out or ctx is
// done, so callers still see the final status.
func Fetch(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retry Retry) (Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retry.Attempts < 0 {
		retry.Attempts = 0
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return Response{}, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			if attempt < retry.Attempts && sleepCtx(ctx, retry.backoff(attempt)) == nil {
				continue
			}
			return Response{Attempts: attempt + 1}, err
		}
		out, err := readResponse(resp)
		out.Attempts = attempt + 1
		if err != nil {
			if errors.Is(err, ErrBodyTooLarge) {
				return out, err
			}
			if attempt < retry.Attempts && sleepCtx(ctx, retry.backoff(attempt)) == nil {
				continue
			}
			return out, err
		}
		if retryable(out.Status) && attempt < retry.Attempts {
			if sleepCtx(ctx, retry.after(resp, attempt)) != nil {
				return out, nil
			}
			continue
		}
		return out, nil
	}
}

func readResponse(resp *http.Response) (Response, error) {
	defer resp.Body.Close()
	out := Response{Status: resp.StatusCode, Header: resp.Header}
	b, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return out, err
	}
	if len(b) > MaxResponseBytes {
		return out, ErrBodyTooLarge
	}
	out.Body = b
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

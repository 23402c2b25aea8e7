// Package totoro is a client for the Totoro campus fitness API. Every call
// is a POST whose body is the encrypted JSON request; responses are plain JSON.
package totoro

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/time/rate"

	"github.com/example/mornsign-scheduler/internal/envelope"
)

const (
	DefaultBaseURL   = "https://app.xtotoro.com/app"
	DefaultUserAgent = "TotoroSchool/1.2.16 (iPhone; iOS 26.1; Scale/3.00)"

	pathLogin     = "platform/login/login"
	pathMornPaper = "mornsign/getMornSignPaper"
	pathMornSign  = "platform/recrecord/morningExercises"
	pathMornArch  = "mornsign/getMornSignArchDetail"
)

type Options struct {
	BaseURL   string
	Timeout   time.Duration
	Retries   int
	Backoff   time.Duration
	RPS       float64
	UserAgent string

	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

type Client struct {
	hc      *http.Client
	cipher  envelope.Cipher
	base    string
	retries int
	backoff time.Duration
	limiter *rate.Limiter
	ua      string
}

// StatusError is an HTTP-level failure from the upstream.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("totoro: http %d: %s", e.Code, e.Body)
}

func New(cipher envelope.Cipher, o Options) *Client {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.Timeout <= 0 {
		o.Timeout = 12 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 400 * time.Millisecond
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: o.Timeout}
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if o.RPS > 0 {
		burst := int(o.RPS)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(o.RPS), burst)
	}
	return &Client{
		hc:      hc,
		cipher:  cipher,
		base:    strings.TrimRight(o.BaseURL, "/"),
		retries: o.Retries,
		backoff: o.Backoff,
		limiter: lim,
		ua:      o.UserAgent,
	}
}

// Login re-authenticates with an existing token.
func (c *Client) Login(ctx context.Context, token string) (LoginResponse, error) {
	var res LoginResponse
	raw, err := c.post(ctx, pathLogin, LoginRequest{Token: token}, &res)
	if err != nil {
		return LoginResponse{}, err
	}
	res.Raw = raw
	return res, nil
}

func (c *Client) GetMornSignPaper(ctx context.Context, req PaperRequest) (PaperResponse, error) {
	var res PaperResponse
	if _, err := c.post(ctx, pathMornPaper, req, &res); err != nil {
		return PaperResponse{}, err
	}
	return res, nil
}

// GetMornSignArchDetail fetches the morning check-in totals and score list.
func (c *Client) GetMornSignArchDetail(ctx context.Context, req ArchRequest) (ArchResponse, error) {
	var res ArchResponse
	if _, err := c.post(ctx, pathMornArch, req, &res); err != nil {
		return ArchResponse{}, err
	}
	return res, nil
}

func (c *Client) SubmitMorningExercises(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	var res SubmitResponse
	raw, err := c.post(ctx, pathMornSign, req, &res)
	if err != nil {
		return SubmitResponse{}, err
	}
	res.Raw = raw
	return res, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) ([]byte, error) {
	body, err := c.cipher.Encrypt(payload)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(c.backoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		status, b, err := c.do(ctx, path, body)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		case status >= 500 || status == http.StatusTooManyRequests:
			lastErr = &StatusError{Code: status, Body: snippet(b)}
			continue
		case status >= 400:
			return nil, &StatusError{Code: status, Body: snippet(b)}
		}

		if err := sonic.Unmarshal(b, out); err != nil {
			return nil, fmt.Errorf("totoro: decode %s: %w", path, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("totoro: %s: %w", path, lastErr)
}

func (c *Client) do(ctx context.Context, path, body string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+path, strings.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	// the upstream rejects text/plain even though the body is not JSON
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.ua)

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}

func snippet(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}

// IsStatus reports whether err is an upstream HTTP error with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

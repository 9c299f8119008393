package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MinnDevelopment/strumbot/internal/metrics"
	"github.com/MinnDevelopment/strumbot/internal/platform/retry"
	"github.com/jonboulle/clockwork"
)

const (
	defaultTokenURL = "https://id.twitch.tv/oauth2/token"
	defaultBaseURL  = "https://api.twitch.tv/helix"

	maxAttempts       = 10
	minBackoff        = 1 * time.Second
	maxBackoff        = 16 * time.Second
	defaultRetryAfter = 10 // seconds, when the 429 carries no usable header
)

type ClientParams struct {
	ClientID     string
	ClientSecret string
}

// OauthClient obtains app access tokens via the client-credentials grant and
// executes authenticated GET requests against the helix API.
type OauthClient struct {
	params ClientParams
	http   *http.Client
	clock  clockwork.Clock

	// Overridable for tests.
	tokenURL string
	baseURL  string
}

func NewOauthClient(params ClientParams, clock clockwork.Clock) *OauthClient {
	return &OauthClient{
		params:   params,
		http:     &http.Client{Timeout: 30 * time.Second},
		clock:    clock,
		tokenURL: defaultTokenURL,
		baseURL:  defaultBaseURL,
	}
}

// Identity is a client-credentials token with its absolute expiry.
// Replaced wholesale on refresh, never mutated.
type Identity struct {
	AccessToken string
	ExpiresAt   time.Time
	TokenType   string
}

func parseIdentity(b []byte, now time.Time) (*Identity, error) {
	var raw struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, &DeserializeError{Err: err}
	}
	return &Identity{
		AccessToken: raw.AccessToken,
		ExpiresAt:   now.Add(time.Duration(raw.ExpiresIn) * time.Second),
		TokenType:   raw.TokenType,
	}, nil
}

func (o *OauthClient) policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: minBackoff,
		MaxBackoff:     maxBackoff,
		Clock:          o.clock,
		OnRetry: func(_ int, err error, wait time.Duration) {
			metrics.UpstreamRetriesTotal.WithLabelValues(retryReason(err)).Inc()
			slog.Warn("Retrying upstream request", "wait", wait, "error", err)
		},
	}
}

func retryReason(err error) string {
	var httpErr *HTTPError
	var rateErr *rateLimitError
	switch {
	case errors.As(err, &rateErr):
		return "rate_limit"
	case errors.As(err, &httpErr):
		return "server_error"
	default:
		return "transport"
	}
}

// classify decides how a failed attempt is retried: 5xx and transport errors
// use the doubling backoff, 429 sleeps exactly the server-dictated wait, and
// everything else is permanent.
func classify(err error) (retry.Action, time.Duration) {
	var rateErr *rateLimitError
	if errors.As(err, &rateErr) {
		return retry.After, time.Duration(rateErr.wait) * time.Second
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Status >= 500 {
			return retry.Retry, 0
		}
		return retry.Stop, 0
	}

	var transport *transportError
	if errors.As(err, &transport) {
		return retry.Retry, 0
	}

	return retry.Stop, 0
}

// finish translates the retry package's errors into the client taxonomy:
// exhaustion becomes ErrTimeout, permanent errors surface their cause.
func finish(err error) error {
	if err == nil {
		return nil
	}
	var perm *retry.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ErrTimeout
}

// Authorize performs the client-credentials grant, retrying transient
// failures per the standard policy.
func (o *OauthClient) Authorize(ctx context.Context) (*Identity, error) {
	form := url.Values{
		"client_id":     {o.params.ClientID},
		"client_secret": {o.params.ClientSecret},
		"grant_type":    {"client_credentials"},
	}

	id, err := retry.Do(ctx, o.policy(), classify, func() (*Identity, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := o.http.Do(req)
		if err != nil {
			return nil, &transportError{err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &transportError{err: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &HTTPError{Status: resp.StatusCode}
		}
		return parseIdentity(body, o.clock.Now())
	})
	return id, finish(err)
}

// get executes an authenticated GET against the helix API and hands the raw
// body to parse. Retry semantics: 5xx and transport errors back off
// exponentially, 429 sleeps the Retry-After seconds (default 10) without
// consuming the doubling, any other non-2xx fails immediately.
func get[T any](ctx context.Context, o *OauthClient, id *Identity, endpoint string, query url.Values, parse func([]byte) (T, error)) (T, error) {
	fullURL := o.baseURL + "/" + endpoint
	if encoded := query.Encode(); encoded != "" {
		fullURL += "?" + encoded
	}

	val, err := retry.Do(ctx, o.policy(), classify, func() (T, error) {
		var zero T

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return zero, err
		}
		req.Header.Set("Client-ID", o.params.ClientID)
		req.Header.Set("Authorization", "Bearer "+id.AccessToken)

		resp, err := o.http.Do(req)
		if err != nil {
			return zero, &transportError{err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusTooManyRequests {
			return zero, &rateLimitError{wait: retryAfterSeconds(resp.Header)}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return zero, &HTTPError{Status: resp.StatusCode}
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return zero, &transportError{err: err}
		}
		return parse(body)
	})
	return val, finish(err)
}

func retryAfterSeconds(h http.Header) int {
	header := h.Get("Retry-After")
	if header == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		slog.Error("Failed to parse Retry-After header", "value", header)
		return defaultRetryAfter
	}
	return secs
}

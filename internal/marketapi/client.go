// Package marketapi is the HTTP client for the external market-data API:
// credentials exchange, id-token refresh, and the listed-company endpoint.
// Transient failures (5xx, 429, network) are retried with exponential
// backoff; authentication failures are surfaced as ErrAuth and never retried
// here — the token cache decides whether to re-authenticate.
package marketapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrAuth marks a 401/403 from the API.
var ErrAuth = errors.New("authentication failed")

// DefaultTimeout bounds one HTTP round trip end to end.
const DefaultTimeout = 30 * time.Second

// idTokenLifetime is how long the API's id tokens stay valid.
const idTokenLifetime = 24 * time.Hour

// Config identifies the API and account for the canonical task.
type Config struct {
	BaseURL  string
	Email    string
	Password string
	Timeout  time.Duration
}

// Client talks to the market-data API. Safe for concurrent use.
type Client struct {
	cfg   Config
	http  *http.Client
	retry RetryConfig
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		retry: DefaultRetryConfig(),
	}
}

// SetRetryConfig overrides the default retry policy.
func (c *Client) SetRetryConfig(rc RetryConfig) {
	c.retry = rc
}

// AuthUser exchanges the configured credentials for a refresh token.
// Implements token.Exchanger.
func (c *Client) AuthUser(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"mailaddress": c.cfg.Email,
		"password":    c.cfg.Password,
	})

	var out struct {
		RefreshToken string `json:"refreshToken"`
	}
	err := c.do(ctx, http.MethodPost, "/token/auth_user", nil, body, "", &out)
	if err != nil {
		return "", fmt.Errorf("auth_user: %w", err)
	}
	if out.RefreshToken == "" {
		return "", fmt.Errorf("auth_user: empty refresh token in response")
	}
	return out.RefreshToken, nil
}

// AuthRefresh derives an id token from a refresh token. Implements
// token.Exchanger.
func (c *Client) AuthRefresh(ctx context.Context, refreshToken string) (string, time.Time, error) {
	q := url.Values{"refreshtoken": {refreshToken}}

	var out struct {
		IDToken string `json:"idToken"`
	}
	err := c.do(ctx, http.MethodPost, "/token/auth_refresh", q, nil, "", &out)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth_refresh: %w", err)
	}
	if out.IDToken == "" {
		return "", time.Time{}, fmt.Errorf("auth_refresh: empty id token in response")
	}
	return out.IDToken, time.Now().Add(idTokenLifetime), nil
}

// ListedInfoRecord is one company record as returned by /listed/info.
type ListedInfoRecord struct {
	Date              string `json:"Date"`
	Code              string `json:"Code"`
	CompanyName       string `json:"CompanyName"`
	CompanyNameEN     string `json:"CompanyNameEnglish"`
	MarketCodeName    string `json:"MarketCodeName"`
	Sector33CodeName  string `json:"Sector33CodeName"`
}

// ListedInfo fetches listed-company records for a date, optionally narrowed
// to one code.
func (c *Client) ListedInfo(ctx context.Context, idToken string, date time.Time, code string) ([]ListedInfoRecord, error) {
	q := url.Values{"date": {date.Format("20060102")}}
	if code != "" {
		q.Set("code", code)
	}

	var out struct {
		Info []ListedInfoRecord `json:"info"`
	}
	err := c.do(ctx, http.MethodGet, "/listed/info", q, nil, idToken, &out)
	if err != nil {
		return nil, fmt.Errorf("listed/info %s: %w", date.Format("2006-01-02"), err)
	}
	return out.Info, nil
}

// do issues one request with retry on transient failures, decoding a JSON
// response into out.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte, bearer string, out any) error {
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	return ExecuteWithRetry(ctx, c.retry, func() error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err // network error, retryable
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return permanent(fmt.Errorf("decode response: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return permanent(fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("transient status %d", resp.StatusCode)
		default:
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return permanent(fmt.Errorf("status %d: %s", resp.StatusCode, payload))
		}
	})
}

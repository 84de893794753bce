package whoop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pulsetrack/backend/internal/errors"
)

const (
	defaultBaseURLV1 = "https://api.prod.whoop.com/developer/v1"
	defaultBaseURLV2 = "https://api.prod.whoop.com/developer/v2"

	// windowDays keeps each collection request inside the range the API
	// answers reliably; longer spans get truncated server-side.
	windowDays = 7
	pageLimit  = 25

	// timestampFormat is the millisecond-precision UTC form the API expects
	// for start/end filters. Other ISO-8601 variants are rejected.
	timestampFormat = "2006-01-02T15:04:05.000Z"

	providerName = "whoop"
)

// TokenSource supplies bearer tokens and drives a refresh when the API says
// the current one is no longer accepted.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, provider string) (string, error)
	ForceRefresh(ctx context.Context, provider string) (string, error)
}

// Client calls the Whoop developer API. Collection endpoints live under v2
// except cycles, which the provider still serves from v1 only.
type Client struct {
	BaseURLV1 string
	BaseURLV2 string

	tokens TokenSource
	client *http.Client
	logger *logrus.Logger
}

// NewClient creates a Whoop API client that draws tokens from the source.
func NewClient(tokens TokenSource, logger *logrus.Logger) *Client {
	return &Client{
		BaseURLV1: defaultBaseURLV1,
		BaseURLV2: defaultBaseURLV2,
		tokens:    tokens,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

// collectionPage is the envelope every collection endpoint shares.
type collectionPage struct {
	Records   []json.RawMessage `json:"records"`
	NextToken string            `json:"next_token"`
}

// getJSON performs one authenticated GET. A 401 triggers exactly one forced
// refresh and retry; a second 401 means the credential is genuinely dead and
// surfaces as CREDENTIAL_EXPIRED.
func (c *Client) getJSON(ctx context.Context, requestURL string, result interface{}) error {
	refreshed := false
	for {
		token, err := c.tokens.GetValidAccessToken(ctx, providerName)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.client.Do(req)
		if err != nil {
			return errors.NewTransientError("Whoop API request failed", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return errors.NewTransientError("failed to read Whoop response", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.Unmarshal(body, result); err != nil {
				return fmt.Errorf("failed to decode Whoop response: %w", err)
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized:
			if refreshed {
				return errors.NewCredentialExpiredError(providerName, fmt.Errorf("Whoop API rejected a freshly refreshed token"))
			}
			c.logger.Info("Whoop returned 401, forcing token refresh")
			if _, err := c.tokens.ForceRefresh(ctx, providerName); err != nil {
				return err
			}
			refreshed = true
		case resp.StatusCode == http.StatusTooManyRequests:
			return errors.NewRateLimitedError(providerName, retryAfterHint(resp.Header.Get("Retry-After")))
		case resp.StatusCode >= 500:
			return errors.NewTransientError(fmt.Sprintf("Whoop API returned %d", resp.StatusCode), nil)
		default:
			return fmt.Errorf("Whoop API error (status %d): %s", resp.StatusCode, string(body))
		}
	}
}

// retryAfterHint parses a Retry-After seconds value, defaulting to a minute.
func retryAfterHint(header string) time.Duration {
	if seconds, err := strconv.ParseInt(header, 10, 64); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return time.Minute
}

// FetchCollection pages through a collection endpoint in 7-day windows
// walking forward from start to end, invoking fn once per window. Windows
// arrive oldest first so callers that track a watermark see it advance only
// over data they have already been handed.
func (c *Client) FetchCollection(ctx context.Context, baseURL, path string, start, end time.Time, fn func(records []json.RawMessage) error) error {
	windowStart := start
	for windowStart.Before(end) {
		windowEnd := windowStart.AddDate(0, 0, windowDays)
		if windowEnd.After(end) {
			windowEnd = end
		}

		records, err := c.fetchWindow(ctx, baseURL, path, windowStart, windowEnd)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			if err := fn(records); err != nil {
				return err
			}
		}
		windowStart = windowEnd
	}
	return nil
}

// fetchWindow follows pagination to the end of one window and returns the
// window whole, so a watermark derived from it never lands between its pages.
func (c *Client) fetchWindow(ctx context.Context, baseURL, path string, start, end time.Time) ([]json.RawMessage, error) {
	var records []json.RawMessage
	nextToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		query := url.Values{}
		query.Set("start", start.UTC().Format(timestampFormat))
		query.Set("end", end.UTC().Format(timestampFormat))
		query.Set("limit", strconv.Itoa(pageLimit))
		if nextToken != "" {
			query.Set("nextToken", nextToken)
		}

		var page collectionPage
		if err := c.getJSON(ctx, baseURL+path+"?"+query.Encode(), &page); err != nil {
			return nil, err
		}

		records = append(records, page.Records...)
		if page.NextToken == "" {
			return records, nil
		}
		nextToken = page.NextToken
	}
}

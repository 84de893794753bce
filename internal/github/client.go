package github

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
	"golang.org/x/oauth2"

	"github.com/pulsetrack/backend/internal/errors"
)

const defaultBaseURL = "https://api.github.com"

// RateLimitInfo holds the rate limit state reported by the API headers.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetTime time.Time
}

// Client is a thin authenticated GitHub API client. It performs single
// attempts and surfaces typed errors; the sync runner owns retries and
// backoff, so retrying here as well would double the budget.
type Client struct {
	// BaseURL points at the API root; override for enterprise installs.
	BaseURL string

	client        *http.Client
	logger        *logrus.Logger
	rateLimitInfo RateLimitInfo
}

// NewClient creates a GitHub client authenticated with a personal access token.
func NewClient(token string, logger *logrus.Logger) *Client {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Timeout = 120 * time.Second

	return &Client{
		BaseURL: defaultBaseURL,
		client:  httpClient,
		logger:  logger,
	}
}

// Repository is the subset of the repos API the sync path needs.
type Repository struct {
	Name      string    `json:"name"`
	FullName  string    `json:"full_name"`
	Fork      bool      `json:"fork"`
	Language  string    `json:"language"`
	Size      float64   `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	PushedAt  time.Time `json:"pushed_at"`
	Owner     struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// Commit is one commit from the commits API.
type Commit struct {
	SHA        string
	Message    string
	AuthorName string
	AuthorDate time.Time
}

func (c *Client) updateRateLimitInfo(resp *http.Response) {
	if limit := resp.Header.Get("X-RateLimit-Limit"); limit != "" {
		c.rateLimitInfo.Limit, _ = strconv.Atoi(limit)
	}
	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		c.rateLimitInfo.Remaining, _ = strconv.Atoi(remaining)
	}
	if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
		if resetTime, err := strconv.ParseInt(reset, 10, 64); err == nil {
			c.rateLimitInfo.ResetTime = time.Unix(resetTime, 0)
		}
	}
}

// retryAfter derives the cooldown from Retry-After or the primary limit reset.
func (c *Client) retryAfter(resp *http.Response) time.Duration {
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.ParseInt(retryAfter, 10, 64); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	if wait := time.Until(c.rateLimitInfo.ResetTime); wait > 0 {
		return wait
	}
	return time.Minute
}

func (c *Client) doRequest(ctx context.Context, requestURL string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.NewTransientError("GitHub API request failed", err)
	}
	defer resp.Body.Close()

	c.updateRateLimitInfo(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewTransientError("failed to read GitHub response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.NewCredentialExpiredError("github", fmt.Errorf("GitHub API returned 401"))
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && c.rateLimitInfo.Remaining == 0:
		wait := c.retryAfter(resp)
		c.logger.WithField("retry_after", wait).Warn("GitHub rate limit exceeded")
		return errors.NewRateLimitedError("github", wait)
	case resp.StatusCode >= 500:
		return errors.NewTransientError(fmt.Sprintf("GitHub API returned %d", resp.StatusCode), nil)
	default:
		return fmt.Errorf("GitHub API error (status %d): %s", resp.StatusCode, string(body))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to decode GitHub response: %w", err)
		}
	}
	return nil
}

// ListOwnedRepositories returns the authenticated user's own non-fork
// repositories, following pagination to the end.
func (c *Client) ListOwnedRepositories(ctx context.Context) ([]*Repository, error) {
	var repos []*Repository
	page := 1

	for {
		query := url.Values{}
		query.Set("type", "owner")
		query.Set("per_page", "100")
		query.Set("page", strconv.Itoa(page))

		var pageRepos []*Repository
		if err := c.doRequest(ctx, c.BaseURL+"/user/repos?"+query.Encode(), &pageRepos); err != nil {
			return nil, err
		}
		if len(pageRepos) == 0 {
			break
		}

		for _, repo := range pageRepos {
			if repo.Fork {
				continue
			}
			repos = append(repos, repo)
		}
		page++
	}

	c.logger.WithField("repositories", len(repos)).Debug("Listed owned repositories")
	return repos, nil
}

// ListCommits returns commits for a repository authored at or after since,
// newest first, up to maxCommits (0 = no cap). A non-empty author restricts
// the walk to that login's commits.
func (c *Client) ListCommits(ctx context.Context, fullName string, since time.Time, author string, maxCommits int) ([]*Commit, error) {
	var commits []*Commit
	page := 1

	for {
		query := url.Values{}
		query.Set("per_page", "100")
		query.Set("page", strconv.Itoa(page))
		if !since.IsZero() {
			query.Set("since", since.Format(time.RFC3339))
		}
		if author != "" {
			query.Set("author", author)
		}

		var pageCommits []struct {
			SHA    string `json:"sha"`
			Commit struct {
				Message string `json:"message"`
				Author  struct {
					Name string    `json:"name"`
					Date time.Time `json:"date"`
				} `json:"author"`
			} `json:"commit"`
		}

		requestURL := fmt.Sprintf("%s/repos/%s/commits?%s", c.BaseURL, fullName, query.Encode())
		if err := c.doRequest(ctx, requestURL, &pageCommits); err != nil {
			return nil, err
		}
		if len(pageCommits) == 0 {
			break
		}

		for _, pc := range pageCommits {
			commits = append(commits, &Commit{
				SHA:        pc.SHA,
				Message:    pc.Commit.Message,
				AuthorName: pc.Commit.Author.Name,
				AuthorDate: pc.Commit.Author.Date,
			})
		}

		if maxCommits > 0 && len(commits) >= maxCommits {
			commits = commits[:maxCommits]
			break
		}
		page++
	}

	return commits, nil
}

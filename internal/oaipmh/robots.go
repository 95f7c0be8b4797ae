package oaipmh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/temoto/robotstxt"
)

const (
	robotsTimeout = 10 * time.Second
	robotsMaxBody = 1 << 20
)

// ErrRobotsDisallowed is returned when robots.txt forbids harvesting the
// repository's base URL for the configured user agent.
var ErrRobotsDisallowed = errors.New("oaipmh: disallowed by robots.txt")

// RobotsAllowed reports whether rawURL may be fetched by userAgent.
// A missing robots.txt allows everything, as does one that fails to parse.
func RobotsAllowed(ctx context.Context, rawURL, userAgent string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse URL %q: %w", rawURL, err)
	}
	robotsURL := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}

	client := &http.Client{
		Timeout: robotsTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return false, fmt.Errorf("build robots.txt request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetch robots.txt from %q: %w", robotsURL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return true, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBody))
	if err != nil {
		return false, fmt.Errorf("read robots.txt body: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return true, nil
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, userAgent), nil
}

func (c *Client) checkRobots(ctx context.Context) error {
	c.robotsOnce.Do(func() {
		allowed, err := RobotsAllowed(ctx, c.baseURL, c.userAgent)
		if err != nil {
			// An unreachable robots.txt does not block harvesting.
			c.logger.Warn().Err(err).Str("base_url", c.baseURL).Msg("oaipmh: robots.txt check failed")
			return
		}
		if !allowed {
			c.robotsErr = ErrRobotsDisallowed
		}
	})
	return c.robotsErr
}

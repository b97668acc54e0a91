package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit/github_primary_ratelimit"
	gh "github.com/google/go-github/v82/github"

	"github.com/ericfisherdev/repotracker/internal/domain/port/driven"
)

// classify maps a go-github error onto the driven sentinel errors. The
// original error stays in the chain for logging.
func classify(op string, resp *gh.Response, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("%s: %w: %w", op, driven.ErrRateLimited, err)
	}

	// The primary limiter in the transport refuses requests locally until
	// the quota resets, so no response comes back.
	var primaryErr *github_primary_ratelimit.RateLimitReachedError
	if errors.As(err, &primaryErr) {
		return fmt.Errorf("%s: %w: %w", op, driven.ErrRateLimited, err)
	}

	status := statusOf(resp, err)
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %w", op, driven.ErrNotFound, err)
	case status == http.StatusConflict:
		return fmt.Errorf("%s: %w: %w", op, driven.ErrEmptyRepository, err)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w: %w", op, driven.ErrRateLimited, err)
	case status == http.StatusForbidden:
		if resp != nil && resp.Response != nil && resp.Header.Get("X-RateLimit-Remaining") == "0" {
			return fmt.Errorf("%s: %w: %w", op, driven.ErrRateLimited, err)
		}
		return fmt.Errorf("%s: %w: %w", op, driven.ErrForbidden, err)
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%s: %w: %w", op, driven.ErrTransient, err)
	case status == 0:
		// No HTTP response: timeout, reset or refused connection.
		return fmt.Errorf("%s: %w: %w", op, driven.ErrTransient, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, driven.ErrUnknownAPI, err)
	}
}

func statusOf(resp *gh.Response, err error) int {
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	return 0
}

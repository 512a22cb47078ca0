// Package client implements the client side of the hub: negotiation of a
// short-lived access grant and the Session abstraction over one live
// websocket connection (dial, transparent reconnect, acked sends, dispatch
// of inbound frames to registered handlers).
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"jobrelay/internal/domain"
)

const (
	negotiateTimeout  = 10 * time.Second
	negotiateAttempts = 3
)

// NegotiateFunc exchanges the caller's long-lived credential for a fresh
// connection URL. Sessions re-run it on every (re)connect because the
// previous grant may have expired.
type NegotiateFunc func(ctx context.Context) (string, error)

// Negotiator binds Negotiate's parameters into a NegotiateFunc.
func Negotiator(serverURL, apiKey, userID, groupName string) NegotiateFunc {
	return func(ctx context.Context) (string, error) {
		return Negotiate(ctx, serverURL, apiKey, userID, groupName)
	}
}

type negotiateResponse struct {
	URL string `json:"url"`
}

// Negotiate requests an access grant scoped to (userID, groupName) from the
// hub server and returns the websocket URL carrying it. Transient failures
// are retried a small number of times with doubling backoff; credential
// rejections are surfaced immediately as domain.ErrUnauthorized.
func Negotiate(ctx context.Context, serverURL, apiKey, userID, groupName string) (string, error) {
	url := fmt.Sprintf("%s/negotiate/%s/%s", serverURL, userID, groupName)
	httpClient := &http.Client{Timeout: negotiateTimeout}

	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= negotiateAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", fmt.Errorf("build negotiate request: %w", err)
		}
		if apiKey != "" {
			req.Header.Set("x-api-key", apiKey)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = err
			slog.Warn("Negotiate attempt failed", "attempt", attempt, "error", err)
		} else {
			switch {
			case resp.StatusCode == http.StatusOK:
				var nr negotiateResponse
				err := json.NewDecoder(resp.Body).Decode(&nr)
				resp.Body.Close()
				if err != nil {
					return "", fmt.Errorf("decode negotiate response: %w", err)
				}
				return nr.URL, nil
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				resp.Body.Close()
				return "", fmt.Errorf("%w: negotiate returned %d", domain.ErrUnauthorized, resp.StatusCode)
			default:
				resp.Body.Close()
				lastErr = fmt.Errorf("negotiate returned %d", resp.StatusCode)
				slog.Warn("Negotiate attempt failed", "attempt", attempt, "status", resp.StatusCode)
			}
		}

		if attempt < negotiateAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return "", fmt.Errorf("%w: %w", domain.ErrUnavailable, lastErr)
}

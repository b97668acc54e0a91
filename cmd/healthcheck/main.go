// Command healthcheck queries the local admin API and exits non-zero when the
// tracker is not serving. It runs inside the container, so it always dials
// loopback.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

const (
	defaultAddr  = "127.0.0.1:8080"
	requestTimeout = 2 * time.Second
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	url := "http://" + loopbackAddr(os.Getenv("REPOTRACKER_LISTEN_ADDR")) + "/api/v1/health"
	if err := checkHealth(ctx, &http.Client{Timeout: requestTimeout}, url); err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck:", err)
		os.Exit(1)
	}
}

// checkHealth succeeds when the health endpoint answers 200 with a known status.
// A degraded store still counts as healthy: the process keeps serving from
// memory.
func checkHealth(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	switch body.Status {
	case "ok", "degraded":
		return nil
	default:
		return fmt.Errorf("unexpected health status %q", body.Status)
	}
}

// loopbackAddr rewrites a bind-all listen address to loopback.
func loopbackAddr(raw string) string {
	host, port, err := net.SplitHostPort(raw)
	if raw == "" || err != nil {
		return defaultAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

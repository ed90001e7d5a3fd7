package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// healthResponse is the subset of the /readyz body the probe reads.
type healthResponse struct {
	Status string                     `json:"status"`
	Checks map[string]json.RawMessage `json:"checks,omitempty"`
}

// healthResult is the outcome of one probe.
type healthResult struct {
	URL       string `json:"url"`
	Healthy   bool   `json:"healthy"`
	Status    string `json:"status,omitempty"`
	HTTPCode  int    `json:"http_code,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

var errUnhealthy = errors.New("server unhealthy")

func newHealthcheckCommand() *cobra.Command {
	var (
		url     string
		timeout time.Duration
		strict  bool
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running server's readiness endpoint",
		Long: `Call /readyz on a running server and exit non-zero unless it is ready.

Used as the container HEALTHCHECK. A degraded server (for example one running
with --no-workers) passes unless --strict is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = defaultHealthURL()
			}
			result := performHealthCheck(cmd.Context(), url, timeout, strict)
			if err := printResult(cmd.OutOrStdout(), result, func(w io.Writer) {
				if result.Healthy {
					fmt.Fprintf(w, "%s: %s (%dms)\n", result.URL, result.Status, result.LatencyMs)
					return
				}
				msg := result.Error
				if msg == "" {
					msg = result.Status
				}
				fmt.Fprintf(w, "%s: unhealthy: %s\n", result.URL, msg)
			}); err != nil {
				return err
			}
			if !result.Healthy {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "readiness URL (default: http://localhost:{SERVER_PORT}/readyz)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().BoolVar(&strict, "strict", false, "treat a degraded server as unhealthy")
	return cmd
}

func defaultHealthURL() string {
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "3000"
	}
	return fmt.Sprintf("http://localhost:%s/readyz", port)
}

func performHealthCheck(ctx context.Context, url string, timeout time.Duration, strict bool) healthResult {
	if ctx == nil {
		ctx = context.Background()
	}
	result := healthResult{URL: url}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = fmt.Sprintf("build request: %v", err)
		return finish(result, start)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		result.Error = err.Error()
		return finish(result, start)
	}
	defer func() { _ = resp.Body.Close() }()
	result.HTTPCode = resp.StatusCode

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		result.Error = fmt.Sprintf("decode response: %v", err)
		return finish(result, start)
	}
	result.Status = body.Status

	switch {
	case resp.StatusCode != http.StatusOK:
	case body.Status == "healthy":
		result.Healthy = true
	case body.Status == "degraded" && !strict:
		result.Healthy = true
	}
	return finish(result, start)
}

func finish(result healthResult, start time.Time) healthResult {
	result.LatencyMs = time.Since(start).Milliseconds()
	return result
}

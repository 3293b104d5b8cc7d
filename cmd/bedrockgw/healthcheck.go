// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// healthcheck probes the admin /health endpoint. Used by Docker HEALTHCHECK
// to verify the gateway is responsive: exit 0 when healthy, 1 otherwise.
func healthcheck(ctx context.Context, stdout io.Writer) error {
	addr := os.Getenv("ADMIN_ADDR")
	if addr == "" {
		addr = ":8001"
	}
	return doHealthcheck(ctx, addr, stdout)
}

func doHealthcheck(ctx context.Context, addr string, stdout io.Writer) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid admin address %q: %w", addr, err)
	}
	if host == "" {
		host = "localhost"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/health", net.JoinHostPort(host, port)), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to admin server")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d, body: %s", resp.StatusCode, string(body))
	}
	_, _ = fmt.Fprintf(stdout, "%s", body)
	return nil
}

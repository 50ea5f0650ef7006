package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	ragdhttp "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check ragd server health",
		Long: `Check the health status of a running ragd server.

Examples:
  # Check health
  ragd health

  # Check health on a different server
  ragd health --server http://localhost:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(cmd, 5*time.Second)
			if err != nil {
				return err
			}

			var resp ragdhttp.HealthResponse
			status, err := c.do(cmd.Context(), http.MethodGet, "/health", nil, &resp)
			var apiErr *apiError
			if err != nil && !(errors.As(err, &apiErr) && status == http.StatusServiceUnavailable) {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
			fmt.Fprintf(out, "Backend:       %s\n", resp.Backend)
			fmt.Fprintf(out, "Server URL:    %s\n", c.baseURL)
			if resp.Error != "" {
				return fmt.Errorf("server unhealthy: %s", resp.Error)
			}
			return err
		},
	}
}

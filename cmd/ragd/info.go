package main

import (
	"net/http"
	"time"

	ragdhttp "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type infoView struct {
	Server        string `json:"server" yaml:"server"`
	Backend       string `json:"backend" yaml:"backend"`
	Status        string `json:"status" yaml:"status"`
	Collection    string `json:"collection" yaml:"collection"`
	TotalEntities int    `json:"total_entities" yaml:"total_entities"`
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show collection information",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}
	cmd.Flags().StringP("output", "o", "json", "output format: json or yaml")
	return cmd
}

func runInfo(cmd *cobra.Command, _ []string) error {
	c, err := newClient(cmd, 30*time.Second)
	if err != nil {
		return err
	}

	var info vectorstore.CollectionInfo
	if _, err := c.do(cmd.Context(), http.MethodGet, "/api/v1/collection", nil, &info); err != nil {
		return err
	}
	// An unhealthy server still reports its backend name.
	var health ragdhttp.HealthResponse
	_, _ = c.do(cmd.Context(), http.MethodGet, "/health", nil, &health)

	view := infoView{
		Server:        c.baseURL,
		Backend:       health.Backend,
		Status:        health.Status,
		Collection:    info.CollectionName,
		TotalEntities: info.TotalEntities,
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "yaml" {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return err
		}
		return enc.Close()
	}
	return writeJSON(cmd.OutOrStdout(), view)
}

package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	ragdhttp "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/spf13/cobra"
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Find the documents most similar to text",
		Example: `  ragd query "how do I bake a pie"
  ragd query -k 10 -o json "rocket engines"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runQuery,
	}
	cmd.Flags().IntP("k", "k", 4, "number of results")
	cmd.Flags().StringP("output", "o", "text", "output format: text or json")
	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	k, _ := cmd.Flags().GetInt("k")
	output, _ := cmd.Flags().GetString("output")

	c, err := newClient(cmd, time.Minute)
	if err != nil {
		return err
	}
	req := ragdhttp.QueryRequest{Query: strings.Join(args, " "), K: k, WithScores: true}
	var resp ragdhttp.ScoredDocumentsResponse
	if _, err := c.do(cmd.Context(), http.MethodPost, "/api/v1/query", req, &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if output == "json" {
		return writeJSON(out, resp)
	}
	if len(resp.Results) == 0 {
		fmt.Fprintln(out, "no results")
		return nil
	}
	for i, r := range resp.Results {
		fmt.Fprintf(out, "%d. [%.4f] %s\n", i+1, r.Score, r.Document.ID)
		fmt.Fprintf(out, "   %s\n", preview(r.Document.Content, 120))
	}
	return nil
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "…"
	}
	return s
}

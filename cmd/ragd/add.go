package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	ragdhttp "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/spf13/cobra"
)

func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add [text...]",
		Short: "Add documents to the store",
		Long: `Add documents to the store. Each argument becomes one document; with no
arguments, or with "-", stdin is read as a single document.

Examples:
  ragd add "apple pie recipe" "rocket engine design"
  ragd add --id readme --file README.md
  cat notes.txt | ragd add --metadata source=notes`,
		RunE: runAdd,
	}
	cmd.Flags().StringSlice("id", nil, "document ids, one per document (generated when omitted)")
	cmd.Flags().StringP("file", "f", "", "read the document from a file")
	cmd.Flags().StringToString("metadata", nil, "metadata applied to every document (key=value)")
	return cmd
}

func runAdd(cmd *cobra.Command, args []string) error {
	texts, err := addContents(cmd, args)
	if err != nil {
		return err
	}

	ids, _ := cmd.Flags().GetStringSlice("id")
	if len(ids) > 0 && len(ids) != len(texts) {
		return fmt.Errorf("got %d ids for %d documents", len(ids), len(texts))
	}
	meta, _ := cmd.Flags().GetStringToString("metadata")

	req := ragdhttp.AddDocumentsRequest{Documents: make([]vectorstore.Document, len(texts))}
	for i, text := range texts {
		doc := vectorstore.Document{Content: text}
		if len(ids) > 0 {
			doc.ID = ids[i]
		}
		if len(meta) > 0 {
			doc.Metadata = make(map[string]any, len(meta))
			for k, v := range meta {
				doc.Metadata[k] = v
			}
		}
		req.Documents[i] = doc
	}

	c, err := newClient(cmd, 2*time.Minute)
	if err != nil {
		return err
	}
	var resp ragdhttp.AddDocumentsResponse
	_, reqErr := c.do(cmd.Context(), http.MethodPost, "/api/v1/documents", req, &resp)

	out := cmd.OutOrStdout()
	for _, id := range resp.Added {
		fmt.Fprintf(out, "added %s\n", id)
	}
	for _, f := range resp.Failed {
		fmt.Fprintf(cmd.ErrOrStderr(), "failed [%d] %s: %s\n", f.Index, f.ID, f.Error)
	}
	return reqErr
}

func addContents(cmd *cobra.Command, args []string) ([]string, error) {
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("--file cannot be combined with text arguments")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", file, err)
		}
		return nonBlank([]string{string(data)})
	}

	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return nonBlank([]string{string(data)})
	}
	return nonBlank(args)
}

func nonBlank(texts []string) ([]string, error) {
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("document %d is empty", i)
		}
	}
	return texts, nil
}

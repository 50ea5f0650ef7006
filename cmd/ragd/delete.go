package main

import (
	"fmt"
	"net/http"
	"time"

	ragdhttp "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete [id...]",
		Short: "Delete documents by id",
		Example: `  ragd delete 3f2c1a doc-7
  ragd delete --all`,
		RunE: runDelete,
	}
	cmd.Flags().Bool("all", false, "delete every document in the collection")
	return cmd
}

func runDelete(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	switch {
	case all && len(args) > 0:
		return fmt.Errorf("--all cannot be combined with ids")
	case !all && len(args) == 0:
		return fmt.Errorf("no ids given; use --all to delete every document")
	}

	c, err := newClient(cmd, time.Minute)
	if err != nil {
		return err
	}
	req := ragdhttp.DeleteRequest{IDs: args, All: all}
	if _, err := c.do(cmd.Context(), http.MethodDelete, "/api/v1/documents", req, nil); err != nil {
		return err
	}

	if all {
		fmt.Fprintln(cmd.OutOrStdout(), "deleted all documents")
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d document(s)\n", len(args))
	}
	return nil
}

package main

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultServerURL = "http://127.0.0.1:8000"

// NewRootCmd builds the ragd command tree.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ragd",
		Short: "Vector store and retrieval server",
		Long: `ragd stores documents in a vector database (chromem, Qdrant or pgvector),
embeds them with a local or remote model and serves similarity search,
embeddings and retrieval-augmented chat over HTTP.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	server := os.Getenv("RAGD_SERVER")
	if server == "" {
		server = defaultServerURL
	}
	rootCmd.PersistentFlags().String("server", server, "ragd server URL for client commands (env RAGD_SERVER)")

	rootCmd.AddCommand(
		newServeCmd(),
		newHealthCmd(),
		newAddCmd(),
		newQueryCmd(),
		newInfoCmd(),
		newDeleteCmd(),
		newVersionCmd(version),
	)
	return rootCmd
}

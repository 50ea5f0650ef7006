// Ragd serves a vector store and retrieval API over HTTP.
//
// Usage:
//
//	# Start the server with ~/.config/ragd/config.yaml
//	ragd serve
//
//	# Configure via environment
//	RAGD_SERVER_PORT=9000 RAGD_VECTORSTORE_BACKEND=qdrant ragd serve
//
//	# Talk to a running server
//	ragd add "apple pie recipe"
//	ragd query -k 3 "dessert"
package main

import (
	"context"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	err := fang.Execute(context.Background(), NewRootCmd(version),
		fang.WithVersion(version),
		fang.WithCommit(gitCommit),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	)
	if err != nil {
		os.Exit(1)
	}
}

// Package main implements memctl, the admin CLI for a running memsyncd.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set via ldflags during build.
var version = "dev"

type rootOptions struct {
	server  string
	timeout time.Duration
	json    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "memctl",
		Short: "Admin CLI for the memsync device daemon",
		Long: `memctl talks to the admin API of a running memsyncd.

It reports sync and index status, forces sync cycles and index rebuilds,
runs ingestion and searches the local index.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("MEMSYNC_ADMIN_URL", "http://localhost:7420"), "memsyncd admin API URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		newHealthCmd(opts),
		newStatusCmd(opts),
		newVerifyCmd(opts),
		newRebuildCmd(opts),
		newSyncCmd(opts),
		newIngestCmd(opts),
		newSearchCmd(opts),
		newHistoryCmd(opts),
		newScrubCmd(opts),
		newTopCmd(opts),
	)
	return root
}

func (o *rootOptions) client() *apiClient {
	return newAPIClient(o.server, o.timeout)
}

// render prints v as indented JSON when --json is set, otherwise calls text.
func (o *rootOptions) render(w io.Writer, v any, text func(io.Writer)) error {
	if !o.json {
		text(w)
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

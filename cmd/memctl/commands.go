package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/memsync/internal/http"
	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/services"
	"github.com/fyrsmithlabs/memsync/internal/vectorindex"
)

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check memsyncd health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp httpserver.HealthResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/health", nil, nil, &resp); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), resp, func(w io.Writer) {
				printf(w, "Status:       %s\n", resp.Status)
				printf(w, "Device:       %s\n", orDash(resp.DeviceID))
				printf(w, "Sync:         %s\n", resp.Sync)
				printf(w, "Pending push: %d\n", resp.PendingPush)
				printf(w, "Index drift:  %t\n", resp.IndexDrift)
				printf(w, "Server URL:   %s\n", opts.server)
			})
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync cursors, pending pushes and the last error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if deviceID != "" {
				q.Set("device_id", deviceID)
			}
			var st services.SyncStatus
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/sync/status", q, nil, &st); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), st, func(w io.Writer) { printStatus(w, st) })
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "", "expected device id")
	return cmd
}

func printStatus(w io.Writer, st services.SyncStatus) {
	printf(w, "Device:         %s (registered: %t)\n", orDash(st.DeviceID), st.Registered)
	printf(w, "State:          %s\n", st.State)
	printf(w, "Cycles:         %d\n", st.Cycles)
	printf(w, "Last success:   %s\n", formatTime(st.LastSuccess))
	if st.LastError != "" {
		printf(w, "Last error:     %s (%s)\n", st.LastError, formatTime(st.LastErrorAt))
		printf(w, "Next retry:     %s\n", formatTime(st.NextRetry))
	}
	printf(w, "Pending push:   %d\n", st.PendingPush)
	printf(w, "Push watermark: %d\n", st.PushWatermark)

	kinds := make([]string, 0, len(st.Cursors))
	for k := range st.Cursors {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		printf(w, "Cursor %-8s %d\n", k+":", st.Cursors[record.Kind(k)])
	}

	s := st.Store
	printf(w, "Records:        %d (%d live, %d tombstoned, %d dirty, %d corrupt)\n",
		s.Records, s.Live, s.Tombstoned, s.Dirty, s.Corrupt)
	if st.LastCheck != nil {
		printf(w, "Index check:    generation %d, drift %t at %s\n",
			st.LastCheck.Generation, st.LastCheck.DriftDetected, formatTime(st.CheckedAt))
	}
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Compare the vector index with the local store",
		Long: `Compare the vector index with the local store.

Exits non-zero when drift is detected; run "memctl rebuild" to repair it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rep vectorindex.Report
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/index/verify", nil, nil, &rep); err != nil {
				return err
			}
			if err := opts.render(cmd.OutOrStdout(), rep, func(w io.Writer) { printReport(w, rep) }); err != nil {
				return err
			}
			if rep.DriftDetected {
				return fmt.Errorf("index drift: %d mismatched entries", rep.Mismatches())
			}
			return nil
		},
	}
}

func newRebuildCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the vector index from the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rep vectorindex.Report
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/index/rebuild", nil, nil, &rep); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), rep, func(w io.Writer) { printReport(w, rep) })
		},
	}
}

func printReport(w io.Writer, rep vectorindex.Report) {
	printf(w, "Generation:     %d\n", rep.Generation)
	printf(w, "Store records:  %d\n", rep.RecordCount)
	printf(w, "Index entries:  %d\n", rep.IndexCount)
	printf(w, "Store checksum: %s\n", rep.StoreChecksum)
	printf(w, "Index checksum: %s\n", rep.IndexChecksum)
	printf(w, "Drift:          %t\n", rep.DriftDetected)
	for _, group := range []struct {
		name string
		ids  []string
	}{{"missing", rep.Missing}, {"stale", rep.Stale}, {"extra", rep.Extra}} {
		if len(group.ids) > 0 {
			printf(w, "  %s: %s\n", group.name, strings.Join(group.ids, ", "))
		}
	}
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Trigger a sync cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if wait {
				q.Set("wait", "true")
			}
			var resp httpserver.TriggerResponse
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/sync/trigger", q, nil, &resp); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), resp, func(w io.Writer) {
				r := resp.Result
				if r == nil {
					printf(w, "Sync cycle triggered\n")
					return
				}
				printf(w, "Cycle %s finished in %s\n", r.CycleID, r.Duration)
				printf(w, "  pulled %d, applied %d, conflicts %d (kept local %d)\n", r.Pulled, r.Applied, r.Conflicts, r.KeptLocal)
				printf(w, "  pushed %d, superseded %d, rejected %d, purged %d\n", r.Pushed, r.Superseded, len(r.Rejected), r.Purged)
				if r.HeldBack > 0 {
					printf(w, "  held back by quota: %d\n", r.HeldBack)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the cycle and print its result")
	return cmd
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [path]",
		Short: "Run the auto-indexer over every source, or one changed path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req httpserver.IngestRequest
			if len(args) == 1 {
				req.Path = args[0]
			}
			var resp httpserver.IngestResponse
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/ingest", nil, req, &resp); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), resp, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				printf(tw, "SOURCE\tITEMS\tINGESTED\tSKIPPED\tFAILED\tREMOVED\tWRITTEN\tTOMBSTONED\n")
				for _, s := range resp.Sources {
					printf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
						s.Source, s.Items, s.Ingested, s.Skipped, s.Failed, s.Removed, s.Written, s.Tombstoned)
				}
				_ = tw.Flush()
			})
		},
	}
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the local vector index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("q", strings.Join(args, " "))
			q.Set("k", strconv.Itoa(k))
			var resp httpserver.SearchResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/search", q, nil, &resp); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if len(resp.Hits) == 0 {
					printf(w, "No results for %q\n", resp.Query)
					return
				}
				for i, h := range resp.Hits {
					printf(w, "%2d. %.3f  %s  [%s %s]\n", i+1, h.Score, h.ID, h.Kind, h.Visibility)
					printf(w, "    %s\n", oneLine(h.Snippet))
				}
			})
		},
	}
	cmd.Flags().IntVarP(&k, "limit", "k", 10, "maximum number of results")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "List the losing edits kept by conflict resolution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpserver.HistoryResponse
			path := "/api/v1/records/" + url.PathEscape(args[0]) + "/history"
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, nil, &resp); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if len(resp.Entries) == 0 {
					printf(w, "No history for %s\n", resp.ID)
					return
				}
				for _, e := range resp.Entries {
					printf(w, "%s  %s  lost to %s\n", e.ReplacedAt, e.Reason, shortHash(e.WinnerHash))
					if e.Record != nil {
						printf(w, "    v%d by %s: %s\n", e.Record.Version, orDash(e.Record.UpdatedBy), oneLine(e.Record.Content))
					}
				}
			})
		},
	}
}

func newScrubCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scrub [file]",
		Short: "Scrub secrets from a file or stdin",
		Long: `Scrub secrets from a file or stdin with the daemon's scrubber.

Examples:
  memctl scrub .env
  cat output.log | memctl scrub -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := httpserver.ScrubRequest{}
			var content []byte
			var err error
			if len(args) == 0 || args[0] == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
			} else {
				req.Path = args[0]
				content, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			if len(content) == 0 {
				return errors.New("no content to scrub")
			}
			req.Content = string(content)

			var resp httpserver.ScrubResponse
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/scrub", nil, req, &resp); err != nil {
				return err
			}
			if opts.json {
				return opts.render(cmd.OutOrStdout(), resp, nil)
			}
			printf(cmd.OutOrStdout(), "%s", resp.Content)
			if resp.FindingsCount > 0 {
				printf(cmd.ErrOrStderr(), "\n[memctl] Scrubbed %d secret(s)\n", resp.FindingsCount)
			}
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return orDash(h)
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}

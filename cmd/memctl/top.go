package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/memsync/internal/monitor"
	"github.com/fyrsmithlabs/memsync/internal/services"
)

// adminSource feeds the dashboard from the admin API.
type adminSource struct {
	client *apiClient
}

func (s adminSource) Status(ctx context.Context) (services.SyncStatus, error) {
	var st services.SyncStatus
	err := s.client.do(ctx, http.MethodGet, "/api/v1/sync/status", nil, nil, &st)
	return st, err
}

func (s adminSource) TriggerSync(ctx context.Context) error {
	return s.client.do(ctx, http.MethodPost, "/api/v1/sync/trigger", nil, nil, nil)
}

func newTopCmd(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of sync and index state",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error {
			if interval < 500*time.Millisecond {
				return fmt.Errorf("interval must be at least 500ms")
			}
			model := monitor.NewModel(adminSource{client: opts.client()}, opts.server, interval)
			p := tea.NewProgram(model,
				tea.WithAltScreen(),
				tea.WithContext(cmd.Context()),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "refresh interval")
	return cmd
}

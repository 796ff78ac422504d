package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// NewStatusCommand prints the agent's pipeline status. --health only checks
// liveness; --outbox lists the oldest queued entries instead.
func NewStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	var (
		health  bool
		showBox bool
		limit   int
		scope   string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session, outbox and batcher status of a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/status"
			switch {
			case health:
				path = "/v1/healthz"
			case showBox:
				q := url.Values{}
				q.Set("limit", strconv.Itoa(limit))
				if scope != "" {
					q.Set("scope", scope)
				}
				path = "/v1/outbox?" + q.Encode()
			}
			var out json.RawMessage
			if err := doJSON(cmd.Context(), http.MethodGet, baseURL()+path, nil, &out); err != nil {
				return fmt.Errorf("status: %w", err)
			}
			var v any
			if err := json.Unmarshal(out, &v); err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().BoolVar(&health, "health", false, "only check agent health")
	cmd.Flags().BoolVar(&showBox, "outbox", false, "list the oldest outbox entries")
	cmd.Flags().IntVar(&limit, "limit", 20, "entries to list with --outbox")
	cmd.Flags().StringVar(&scope, "scope", "", "also count entries for this scope with --outbox")
	return cmd
}

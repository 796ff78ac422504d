package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rzbill/courier/internal/event"
	"github.com/spf13/cobra"
)

// NewPublishCommand submits one event built from flags, or a JSON record or
// array of records read from --file ("-" for stdin).
func NewPublishCommand(baseURL BaseURLFunc) *cobra.Command {
	var (
		category string
		scope    string
		actor    string
		channel  string
		payload  string
		file     string
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Submit events to a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if file != "" {
				raw, err := readInput(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				if !json.Valid(raw) {
					return fmt.Errorf("publish: %s is not valid JSON", file)
				}
				body = json.RawMessage(raw)
			} else {
				rec := event.Record{
					Category:   event.Category(category),
					ScopeID:    scope,
					ActorID:    actor,
					ChannelID:  channel,
					OccurredAt: time.Now(),
				}
				if payload != "" {
					rec.Payload = json.RawMessage(payload)
				}
				if err := rec.Validate(); err != nil {
					return err
				}
				body = rec
			}
			var out struct {
				Accepted int `json:"accepted"`
			}
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/events", body, &out); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted %d\n", out.Accepted)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "event category, e.g. message.create")
	cmd.Flags().StringVar(&scope, "scope", "", "scope id")
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&channel, "channel", "", "channel id")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read records from a JSON file (- for stdin)")
	return cmd
}

func readInput(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(file)
}

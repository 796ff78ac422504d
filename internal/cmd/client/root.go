package client

import (
	"github.com/spf13/cobra"
)

// BaseURLFunc returns the status server base URL, e.g. http://127.0.0.1:8787.
type BaseURLFunc func() string

// NewRoot constructs a root Cobra command for talking to a running agent.
// It registers the status and publish commands.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "courier",
		Short: "Courier agent client commands",
	}
	root.AddCommand(NewStatusCommand(baseURL))
	root.AddCommand(NewPublishCommand(baseURL))
	return root
}

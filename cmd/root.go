package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chat-gateway",
		Short: "Streaming chat gateway for OpenAI and Gemini providers",
		Long: `chat-gateway accepts OpenAI-style chat completion requests, applies access
policy and rate limits, routes each call to a configured provider and relays
the response back as a normalized stream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// Package main provides the chatcore CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/richinex/chatcore/cli"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	provider string
	model    string
	verbose  bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "chatcore",
		Short: "Session-scoped chat over pluggable model providers",
		Long: `A chat backend with per-session conversation history.

Conversations are keyed by a session ID (sid) that clients round-trip, stored
in Redis, SQLite, or memory, trimmed to a configured turn count, and expired
by TTL. When Redis is unreachable the process degrades to in-memory history
for the rest of its run instead of failing.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "LLM provider (openai, anthropic, deepseek, gemini)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Model name (defaults to the provider's configured model)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show verbose output")

	// Add commands
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func chatCmd() *cobra.Command {
	var sid string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session in the terminal",
		Long: `Start an interactive chat session.

Replies stream to the terminal. Ctrl+C during a reply stops it and keeps the
partial text in history; pass --sid to resume an earlier conversation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cli.Options{
				Provider: provider,
				Model:    model,
				SID:      sid,
				Verbose:  verbose,
			}
			return cli.Chat(context.Background(), opts)
		},
	}

	cmd.Flags().StringVar(&sid, "sid", "", "Session ID to resume (a new one is issued when empty)")

	return cmd
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP chat API",
		Long: `Run the HTTP chat API.

Endpoints:
  GET    /healthz           liveness and backend status
  POST   /api/chat          one blocking chat turn
  POST   /api/chat/stream   one streamed turn (server-sent events)
  GET    /api/history       the session's stored messages
  DELETE /api/history       clear the session

Sessions are addressed with the sid query parameter; every response echoes
the resolved ID in the X-Chat-Session header.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cli.Options{
				Provider: provider,
				Model:    model,
				Addr:     addr,
				Verbose:  verbose,
			}
			return cli.Serve(context.Background(), opts)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to LISTEN_ADDR or :8080)")

	return cmd
}

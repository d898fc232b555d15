package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/safehost/tokengate/cmd/introspect"
	"github.com/safehost/tokengate/cmd/revoke"
	"github.com/safehost/tokengate/cmd/server"
)

var tokengateCmd = &cobra.Command{
	Use:   "tokengate",
	Short: "Tokengate verifies bearer tokens by introspection and enforces revocations",
	Long: `Tokengate authenticates API requests by introspecting their bearer tokens
against an OAuth 2.0 authorization server, caches the verdicts, and rejects
tokens and sessions revoked through a Redis channel.`,
	SilenceUsage: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tokengateCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	tokengateCmd.AddCommand(server.ServerCmd)
	tokengateCmd.AddCommand(introspect.IntrospectCmd)
	tokengateCmd.AddCommand(revoke.RevokeCmd)
}

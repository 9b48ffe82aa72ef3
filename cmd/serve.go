package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/flashvault/cmd/node"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and Prometheus metrics until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		n, err := node.New(ctx, appCfg, appCfg.Logger)
		if err != nil {
			return err
		}
		if err := n.Start(ctx); err != nil {
			_ = n.Close()
			return err
		}

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return n.Stop(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

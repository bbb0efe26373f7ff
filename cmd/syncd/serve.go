package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vibestack/syncd/internal/engine"
	"github.com/vibestack/syncd/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync service",
	Long: `Serve runs migrations, ensures the replication publication and slot,
starts the WAL ingester, and accepts WebSocket sync sessions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("listen") {
			cfg.Server.Listen, _ = cmd.Flags().GetString("listen")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, err := engine.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer eng.Close()

		fatal := eng.Start(ctx)

		srv := server.New(eng, nil, cfg.Server, logger)
		srvErr := make(chan error, 1)
		go func() { srvErr <- srv.Start(ctx) }()

		select {
		case err, ok := <-fatal:
			if ok && err != nil {
				return err
			}
			return <-srvErr
		case err := <-srvErr:
			return err
		}
	},
}

func init() {
	serveCmd.Flags().Int("port", 8377, "HTTP/WebSocket server port")
	serveCmd.Flags().String("listen", "0.0.0.0", "Listen address")
	rootCmd.AddCommand(serveCmd)
}

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codelens/internal/server"
	"codelens/internal/types"
	"codelens/internal/watch"
)

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST server over the workspace",
	Long: `Starts the HTTP adapter on the configured address. When watching is
enabled, filesystem changes under the workspace feed the evolution tracker
automatically. SIGINT or SIGTERM drains in-flight requests and shuts down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := buildStack()
		if err != nil {
			return err
		}
		defer st.dispose()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Watch.Enabled {
			w, err := watch.New(cfg.Workspace, cfg.Watch, func(ctx context.Context, change types.FileChange) {
				st.workspace.Invalidate(change.Path)
				if _, err := st.tracker.TrackFileChange(ctx, change); err != nil {
					logger.Warn("track change failed", zap.String("path", change.Path), zap.Error(err))
				}
			})
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				return err
			}
			defer w.Close()
			logger.Info("watching workspace", zap.String("root", cfg.Workspace))
		}

		addr := cfg.Server.Addr
		if flagAddr != "" {
			addr = flagAddr
		}
		logger.Info("serving", zap.String("addr", addr), zap.String("workspace", cfg.Workspace))
		srv := server.New(addr, st.analyzer, st.loop, st.tracker, st.team, st.orch, st.shared)
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (overrides config)")
}

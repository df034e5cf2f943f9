package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/stagegate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP decision service",
	Long: `Serve the decision engine over HTTP.

Endpoints:
  POST /api/v1/evaluate          {"context": {...}, "change": {...}}
  POST /api/v1/transitions       {"item_id", "from", "to", "trigger", "trace_id"}
  GET  /api/v1/audit/:trace_id
  GET  /health
  GET  /metrics

With templates.watch enabled, template files are reloaded when they change.
A reload that fails validation keeps the previous templates.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger, appOptions{withTracker: true})
		if err != nil {
			return err
		}
		defer a.Close()

		srv, err := server.New(a.engine, a.validator, a.recorder, cfg.Server, logger)
		if err != nil {
			return err
		}
		return serve(ctx, a, srv)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serve runs the server, and the template watcher when configured, until
// ctx is cancelled
func serve(ctx context.Context, a *app, srv *server.Server) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.cfg.Templates.Watch {
		g.Go(func() error { return a.templates.Watch(gctx) })
	}
	return g.Wait()
}

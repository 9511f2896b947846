package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/notestash/relay/cmd/notestash/handlers"
	"github.com/notestash/relay/internal/config"
	"github.com/notestash/relay/internal/logging"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay: background delivery, HTTP API and event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(cmd, appOptions{events: true, owner: true})
			if err != nil {
				return err
			}
			defer a.Close()

			listen, _ := cmd.Flags().GetString("listen")
			if listen == "" {
				listen = a.config.Get().Listen
			}
			return serve(ctx, a, listen)
		},
	}
	cmd.Flags().String("listen", "", "address for the HTTP API (overrides config)")
	return cmd
}

func serve(ctx context.Context, a *app, listen string) error {
	a.scheduler.Start(ctx)

	if a.configPath != "" {
		go func() {
			err := config.Watch(ctx, a.configPath, a.config, func(old, updated *config.Config) {
				a.relay.RebindTargets(ctx, old, updated)
			})
			if err != nil {
				logging.Error("Config watcher stopped", err, map[string]interface{}{"path": a.configPath})
			}
		}()
	}

	mux := http.NewServeMux()
	handlers.NewRelayHandler(a.relay).Register(mux, a.events.Handler())

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Relay API listening", map[string]interface{}{"addr": listen})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down relay", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

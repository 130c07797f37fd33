package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/harun/toolrun/internal/app"
	"github.com/harun/toolrun/internal/config"
	"github.com/harun/toolrun/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serveWatch bool
	servePort  int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tool executor over HTTP",
	Long: `Start the HTTP API in the foreground. Tools are reloaded when the
config file changes unless --watch=false is given.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "reload tools when the config file changes")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	l, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if serveWatch {
		if err := a.Watch(config.NewLoader(cfgFile)); err != nil {
			log.Warn().Err(err).Msg("Config watching disabled")
		}
	}

	opts := server.Options{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,

		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		AuthSecret:         cfg.Server.AuthSecret,
	}
	if m := a.Metrics(); m != nil {
		opts.MetricsPath = cfg.Metrics.Path
		opts.Metrics = m.Handler()
	}
	srv, err := server.New(opts, a.Executor(), a.Manager())
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	}

	if err := srv.Stop(context.Background()); err != nil {
		return err
	}
	return <-errCh
}

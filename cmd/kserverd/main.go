// Command kserverd is the compatibility kernel server entrypoint: it
// resolves configuration, builds the object-graph components, and
// runs the single-threaded main loop until a shutdown signal.
//
// Grounded on gcsfuse's cmd/root.go cobra wiring (RunE validating
// bound flags before doing real work) adapted to this server's
// config/server split instead of a bucket/mount-point pair.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kserverd/kserver/internal/config"
	"github.com/kserverd/kserver/internal/dispatch"
	"github.com/kserverd/kserver/internal/server"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kserverd",
		Short: "Run the compatibility kernel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	config.BindFlags(cmd)
	return cmd
}

func run() error {
	cfg, err := config.FromViper()
	if err != nil {
		return fmt.Errorf("resolve configuration: %w", err)
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	disp := dispatch.New(log)
	srv, err := server.New(cfg, log, disp)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.SocketDir, err)
	}

	log.Info("kserverd ready", zap.String("socket_dir", cfg.SocketDir))
	return srv.Run(context.Background())
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level.SetLevel(zap.InfoLevel)
	}
	return cfg.Build()
}

func main() {
	viper.AutomaticEnv()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

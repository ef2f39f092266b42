package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sockd/sockd/internal/cliargs"
	"github.com/sockd/sockd/internal/config"
	"github.com/sockd/sockd/internal/server"
	"github.com/sockd/sockd/internal/wire"
)

var (
	version   = "1.0.0"
	buildTime = "development"
	gitCommit = "unknown"
)

func main() {
	logger := logrus.New()

	var configPath string
	var setFlags []string

	rootCmd := &cobra.Command{
		Use:   "sockd",
		Short: "sockd application server",
		Long: `sockd - a single-process HTTP/1.1 and WebSocket application server
with decorator-style route registration and a hand-written PostgreSQL
wire-protocol client.`,
		Version: fmt.Sprintf("%s (built: %s, commit: %s)", version, buildTime, gitCommit),
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the application server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, setFlags, logger)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "", "config file path")
	serveCmd.Flags().StringArrayVar(&setFlags, "set", nil, "config override as key=value (typed: bool, int, JSON array, comma list, string)")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Fatal("sockd failed")
	}
}

func runServe(configPath string, setFlags []string, logger *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	overrides, err := cliargs.ParsePairs(setFlags)
	if err != nil {
		return fmt.Errorf("parsing --set overrides: %w", err)
	}
	for key, value := range overrides {
		if err := cfg.ApplySet(key, value); err != nil {
			return fmt.Errorf("applying --set override: %w", err)
		}
	}

	configureLogger(logger, cfg.Log)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}

	registerRoutes(srv)

	if configPath != "" {
		if err := srv.EnableConfigReload(configPath); err != nil {
			logger.WithError(err).Warn("config hot-reload not available")
		}
	}

	logger.WithFields(logrus.Fields{
		"version": version,
		"addr":    cfg.Server.Addr(),
	}).Info("starting sockd")

	return srv.Serve()
}

// registerRoutes wires the built-in demo routes.
func registerRoutes(srv *server.Server) {
	srv.Route("/", func(*wire.Request) (any, error) {
		return "hello world!", nil
	})

	srv.WebSocket("/echo", func(c *wire.WSConn) {
		for {
			msg, op, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(op, msg); err != nil {
				return
			}
		}
	})
}

func configureLogger(logger *logrus.Logger, cfg config.LogConfig) {
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if os.Getenv("SOCKD_DEBUG") == "1" {
		logger.SetLevel(logrus.DebugLevel)
	}
}

// Package server is the facade that owns the process: it wires the request
// engine, worker lanes, lifecycle hooks, ops API, health checker, optional
// gRPC listener, and file observers into one startup/shutdown lifecycle.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/sockd/sockd/internal/api"
	"github.com/sockd/sockd/internal/config"
	"github.com/sockd/sockd/internal/engine"
	"github.com/sockd/sockd/internal/health"
	"github.com/sockd/sockd/internal/hooks"
	"github.com/sockd/sockd/internal/metrics"
	"github.com/sockd/sockd/internal/routes"
	"github.com/sockd/sockd/internal/watch"
	"github.com/sockd/sockd/internal/workers"
)

// grpcEnabledEnv reflects whether the optional gRPC listener is active.
const grpcEnabledEnv = "GRPC_SERVICE_ENABLED"

// Server is the application server facade.
type Server struct {
	cfg *config.Config
	log *logrus.Logger

	registry *routes.Registry
	lanes    *workers.Lanes
	engine   *engine.Engine
	hooks    *hooks.Hooks
	metrics  *metrics.Collector

	redis       *redis.Client
	opsServer   *api.Server
	healthCheck *health.Checker
	grpcServer  *grpcListener
	observer    *watch.Observer
	cfgWatcher  *config.Watcher

	listener     net.Listener
	shutdownOnce sync.Once
	done         chan struct{}
}

// New builds a server from a validated configuration.
func New(cfg *config.Config, log *logrus.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings() {
		log.WithField("component", "server").Warn(w)
	}

	var redisClient *redis.Client
	if cfg.Redis != nil {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	m := metrics.New()
	registry := routes.New()
	lanes := workers.NewLanes(cfg.Server.IOWorkers)
	eng := engine.New(registry, lanes, engine.Options{
		AllowedHosts:   cfg.Server.AllowedHosts,
		ReadTimeout:    cfg.Server.ReadTimeout,
		ConnectionRate: cfg.Server.ConnectionRate,
		Redis:          redisClient,
		Log:            log,
		Metrics:        m,
	})

	s := &Server{
		cfg:         cfg,
		log:         log,
		registry:    registry,
		lanes:       lanes,
		engine:      eng,
		hooks:       hooks.New(),
		metrics:     m,
		redis:       redisClient,
		healthCheck: health.NewChecker(cfg.Postgres, log, m),
		done:        make(chan struct{}),
	}
	s.opsServer = api.NewServer(registry, s.healthCheck, m, cfg, log)
	return s, nil
}

// Route registers an HTTP route on the engine.
func (s *Server) Route(pattern string, fn engine.HandlerFunc, opts ...engine.RouteOption) error {
	return s.engine.Route(pattern, fn, opts...)
}

// WebSocket registers a WebSocket route on the engine.
func (s *Server) WebSocket(pattern string, fn engine.WSHandlerFunc) error {
	return s.engine.WebSocket(pattern, fn)
}

// BeforeRequest registers middleware run before handler dispatch.
func (s *Server) BeforeRequest(fn engine.BeforeFunc) {
	s.engine.BeforeRequest(fn)
}

// AfterRequest registers middleware run after the handler returns.
func (s *Server) AfterRequest(fn engine.AfterFunc) {
	s.engine.AfterRequest(fn)
}

// OnStartup registers a startup hook.
func (s *Server) OnStartup(fn hooks.Hook) {
	s.hooks.OnStartup(fn)
}

// OnShutdown registers a shutdown hook.
func (s *Server) OnShutdown(fn hooks.Hook) {
	s.hooks.OnShutdown(fn)
}

// Metrics exposes the collector for handlers that record custom series.
func (s *Server) Metrics() *metrics.Collector {
	return s.metrics
}

// EnableConfigReload hot-reloads tunables when the config file changes.
// Route tables stay immutable while serving; only the allow-list is
// re-applied.
func (s *Server) EnableConfigReload(path string) error {
	w, err := config.NewWatcher(path, s.log, func(newCfg *config.Config) {
		s.log.WithField("component", "server").Info("configuration reloaded")
		s.engine.SetAllowedHosts(newCfg.Server.AllowedHosts)
	})
	if err != nil {
		return err
	}
	s.cfgWatcher = w
	return nil
}

// Serve runs the full startup sequence and blocks in the accept loop until
// shutdown. SIGINT and SIGTERM trigger a graceful shutdown.
func (s *Server) Serve() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.cfg.Server.Addr(), err)
	}
	s.listener = ln

	s.printBanner()

	if s.cfg.Watch.Enabled {
		obs, err := watch.New(s.cfg.Watch.Paths, s.cfg.Watch.Debounce, s.log, func(path string) {
			s.log.WithFields(logrus.Fields{
				"component": "server",
				"path":      path,
			}).Info("source change detected, restarting")
			s.Restart()
		})
		if err != nil {
			s.log.WithError(err).WithField("component", "server").Warn("file observer unavailable")
		} else {
			s.observer = obs
		}
	}

	if s.cfg.GRPC.Port > 0 {
		g, err := newGRPCListener(s.cfg.GRPC.Port, s.log)
		if err != nil {
			ln.Close()
			return fmt.Errorf("starting gRPC listener: %w", err)
		}
		s.grpcServer = g
		os.Setenv(grpcEnabledEnv, "1")
	} else {
		os.Setenv(grpcEnabledEnv, "0")
	}

	if s.cfg.Ops.Port > 0 {
		if err := s.opsServer.Start(); err != nil {
			ln.Close()
			return fmt.Errorf("starting ops API: %w", err)
		}
	}

	s.healthCheck.Start()

	if err := s.hooks.RunStartup(context.Background()); err != nil {
		s.log.WithError(err).WithField("component", "server").Error("startup hook failed, aborting")
		s.Shutdown()
		<-s.done
		return fmt.Errorf("startup hooks: %w", err)
	}

	go func() {
		select {
		case sig := <-sigCh:
			s.log.WithFields(logrus.Fields{
				"component": "server",
				"signal":    sig.String(),
			}).Info("signal received, shutting down")
			s.Shutdown()
		case <-s.done:
		}
	}()

	err = s.engine.Serve(ln)

	// The accept loop only exits when the listener closes; make sure the
	// rest of the shutdown sequence has run before returning.
	s.Shutdown()
	<-s.done
	return err
}

// Shutdown stops accepting, runs shutdown hooks, and drains workers within
// the configured grace period. Idempotent.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		go func() {
			defer close(s.done)

			if s.listener != nil {
				s.listener.Close()
			}

			if err := s.hooks.RunShutdown(context.Background()); err != nil {
				s.log.WithError(err).WithField("component", "server").Warn("shutdown hook failed")
			}

			grace := s.cfg.Server.ShutdownGrace
			if !s.engine.Wait(grace) {
				s.log.WithField("component", "server").Warn("connections still in flight after grace period")
			}
			if !s.lanes.Drain(grace) {
				s.log.WithField("component", "server").Warn("worker lanes still busy after grace period")
			}

			if s.observer != nil {
				s.observer.Stop()
			}
			if s.cfgWatcher != nil {
				s.cfgWatcher.Stop()
			}
			if s.grpcServer != nil {
				s.grpcServer.Stop()
			}
			if s.cfg.Ops.Port > 0 {
				s.opsServer.Stop()
			}
			s.healthCheck.Stop()
			if s.redis != nil {
				s.redis.Close()
			}

			s.log.WithField("component", "server").Info("server stopped")
		}()
	})
}

// Restart cancels in-flight work and re-execs the process with the same
// arguments.
func (s *Server) Restart() {
	if s.listener != nil {
		s.listener.Close()
	}

	exe, err := os.Executable()
	if err != nil {
		s.log.WithError(err).WithField("component", "server").Error("restart failed")
		return
	}
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		s.log.WithError(err).WithField("component", "server").Error("restart failed")
	}
}

func (s *Server) printBanner() {
	s.log.WithField("component", "server").Info("welcome to sockd")
	s.log.WithFields(logrus.Fields{
		"component": "server",
		"addr":      "http://" + s.cfg.Server.Addr(),
	}).Info("server running, quit with CONTROL-C")
}

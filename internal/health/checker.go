// Package health periodically probes the configured PostgreSQL backend
// with the internal driver and publishes the verdict to the ops API and
// metrics.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sockd/sockd/internal/config"
	"github.com/sockd/sockd/internal/metrics"
	"github.com/sockd/sockd/internal/pg"
)

// Status is the checker's verdict on the backend.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Snapshot is the ops-API view of backend health.
type Snapshot struct {
	Status              string    `json:"status"`
	LastCheck           time.Time `json:"last_check,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker runs the periodic probe. A backend is marked unhealthy only
// after the failure threshold is crossed.
type Checker struct {
	cfg     *config.PostgresConfig
	log     *logrus.Logger
	metrics *metrics.Collector

	mu        sync.RWMutex
	status    Status
	lastCheck time.Time
	failures  int
	lastError string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a checker; cfg may be nil, in which case every probe
// is skipped and the status stays unknown.
func NewChecker(cfg *config.PostgresConfig, log *logrus.Logger, m *metrics.Collector) *Checker {
	return &Checker{
		cfg:     cfg,
		log:     log,
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the probe loop. No-op without a postgres config.
func (c *Checker) Start() {
	if c.cfg == nil {
		return
	}
	c.wg.Add(1)
	go c.run()
}

// Stop terminates the probe loop. Idempotent.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// IsHealthy reports the current verdict; an unprobed backend counts as
// healthy so startup does not flap.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status != StatusUnhealthy
}

// Snapshot returns the current state for diagnostics.
func (c *Checker) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Status:              c.status.String(),
		LastCheck:           c.lastCheck,
		ConsecutiveFailures: c.failures,
		LastError:           c.lastError,
	}
}

func (c *Checker) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	c.check()
	for {
		select {
		case <-ticker.C:
			c.check()
		case <-c.stopCh:
			return
		}
	}
}

// check connects, runs a probe query, and updates the verdict.
func (c *Checker) check() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HealthInterval)
	defer cancel()

	err := c.probe(ctx)

	c.mu.Lock()
	c.lastCheck = time.Now()
	if err != nil {
		c.failures++
		c.lastError = err.Error()
		if c.failures >= c.cfg.FailureThreshold {
			c.status = StatusUnhealthy
		}
	} else {
		c.failures = 0
		c.lastError = ""
		c.status = StatusHealthy
	}
	status := c.status
	failures := c.failures
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetPGHealthy(status != StatusUnhealthy)
	}
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"component": "health",
			"failures":  failures,
		}).Warn("postgres probe failed")
	}
}

func (c *Checker) probe(ctx context.Context) error {
	conn := pg.NewConn(pg.Config{
		Host:     c.cfg.Host,
		Port:     c.cfg.Port,
		User:     c.cfg.User,
		Password: c.cfg.Password,
		Database: c.cfg.Database,
	}, c.log)
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Close()

	_, err := conn.Execute(ctx, "SELECT 1")
	return err
}

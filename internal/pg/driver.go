package pg

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sockd/sockd/internal/errs"
)

// State is the driver's protocol state.
type State int

const (
	StateDisconnected State = iota
	StateStarting
	StateAuthenticating
	StateReady
	StateExecuting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Config identifies the backend and credentials for one driver instance.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// DialTimeout bounds the TCP connect. Zero means 10s.
	DialTimeout time.Duration
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Row is one result row: column name to decoded cell text, nil for NULL.
type Row map[string]*string

// Conn is a blocking PostgreSQL client over a single TCP connection.
// Exactly one query is in flight at a time; a mutex serialises callers.
type Conn struct {
	cfg Config
	log *logrus.Logger

	mu    sync.Mutex
	conn  net.Conn
	state State

	// serverParams accumulates ParameterStatus values seen during startup.
	serverParams map[string]string
	backendPID   uint32
	backendKey   uint32

	columns []string
	rows    []Row
}

// NewConn creates a driver instance. No I/O happens until Connect.
func NewConn(cfg Config, log *logrus.Logger) *Conn {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if log == nil {
		log = logrus.New()
	}
	return &Conn{cfg: cfg, log: log, state: StateDisconnected}
}

// State returns the current protocol state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerParameter returns a ParameterStatus value captured during startup.
func (c *Conn) ServerParameter(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverParams[name]
}

// Connect opens the TCP connection, sends the startup message, and drives
// the authentication exchange until the first ReadyForQuery. Calling it on
// anything but a disconnected or closed driver is an error.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDisconnected && c.state != StateClosed {
		return fmt.Errorf("connect called in state %s", c.state)
	}

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.addr())
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.addr(), err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	c.conn = conn
	c.state = StateStarting
	c.serverParams = make(map[string]string)

	if _, err := conn.Write(buildStartupMessage(c.cfg.User, c.cfg.Database)); err != nil {
		c.teardown()
		return fmt.Errorf("sending startup message: %w", err)
	}
	c.state = StateAuthenticating

	if err := c.authenticate(); err != nil {
		c.teardown()
		return err
	}

	c.state = StateReady
	c.log.WithFields(logrus.Fields{
		"component": "pg",
		"addr":      c.cfg.addr(),
		"database":  c.cfg.Database,
	}).Debug("connection ready")
	return nil
}

// authenticate consumes backend messages until the first ReadyForQuery,
// answering cleartext and MD5 password requests. Caller holds the lock.
func (c *Conn) authenticate() error {
	for {
		kind, payload, err := readMessage(c.conn)
		if err != nil {
			return fmt.Errorf("reading auth message: %w", err)
		}
		msg, err := parseMessage(kind, payload)
		if err != nil {
			return fmt.Errorf("parsing auth message %q: %w", kind, err)
		}

		switch m := msg.(type) {
		case *authRequest:
			switch m.subKind {
			case authOK:
				// Trust or successful exchange; keep consuming.
			case authCleartext:
				if _, err := c.conn.Write(buildPasswordMessage(c.cfg.Password)); err != nil {
					return fmt.Errorf("sending cleartext password: %w", err)
				}
			case authMD5:
				digest := md5Password(c.cfg.User, c.cfg.Password, m.salt)
				if _, err := c.conn.Write(buildPasswordMessage(digest)); err != nil {
					return fmt.Errorf("sending md5 password: %w", err)
				}
			default:
				return &errs.AuthMethodError{Code: m.subKind}
			}

		case *parameterStatus:
			c.serverParams[m.name] = m.value

		case *backendKeyData:
			c.backendPID = m.pid
			c.backendKey = m.secret

		case *noticeResponse:
			c.log.WithFields(logrus.Fields{
				"component": "pg",
				"notice":    m.fields['M'],
			}).Info("backend notice during startup")

		case *errorResponse:
			return driverError(m)

		case *readyForQuery:
			return nil
		}
	}
}

// Execute sends a simple Query and consumes the backend's reply until the
// next ReadyForQuery. RowDescription sets the column list, DataRow appends
// to the buffer; multi-statement queries accumulate all rows. A backend
// ErrorResponse is returned to the caller, but consumption continues so the
// driver returns to the ready state.
func (c *Conn) Execute(ctx context.Context, sql string) ([]Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return nil, fmt.Errorf("execute called in state %s", c.state)
	}

	c.columns = nil
	c.rows = nil
	c.state = StateExecuting

	start := time.Now()
	if _, err := c.conn.Write(buildQueryMessage(sql)); err != nil {
		c.teardown()
		return nil, fmt.Errorf("sending query: %w", err)
	}

	var queryErr error
	for {
		if err := ctx.Err(); err != nil {
			c.teardown()
			return nil, err
		}

		kind, payload, err := readMessage(c.conn)
		if err != nil {
			c.teardown()
			return nil, fmt.Errorf("reading query response: %w", err)
		}
		msg, err := parseMessage(kind, payload)
		if err != nil {
			c.teardown()
			return nil, fmt.Errorf("parsing query response %q: %w", kind, err)
		}

		switch m := msg.(type) {
		case *rowDescription:
			c.columns = make([]string, len(m.columns))
			for i, col := range m.columns {
				c.columns[i] = col.name
			}

		case *dataRow:
			row := make(Row, len(m.cells))
			for i, cell := range m.cells {
				if i >= len(c.columns) {
					break
				}
				if cell == nil {
					row[c.columns[i]] = nil
					continue
				}
				value := string(cell)
				row[c.columns[i]] = &value
			}
			c.rows = append(c.rows, row)

		case *commandComplete:
			c.log.WithFields(logrus.Fields{
				"component": "pg",
				"tag":       m.tag,
			}).Debug("command complete")

		case *noticeResponse:
			c.log.WithFields(logrus.Fields{
				"component": "pg",
				"notice":    m.fields['M'],
			}).Info("backend notice")

		case *parameterStatus:
			c.serverParams[m.name] = m.value

		case *errorResponse:
			// The backend always follows with ReadyForQuery; keep reading
			// so the next Execute starts from a clean state.
			if queryErr == nil {
				queryErr = driverError(m)
			}

		case *readyForQuery:
			c.state = StateReady
			c.log.WithFields(logrus.Fields{
				"component": "pg",
				"rows":      len(c.rows),
				"elapsed":   time.Since(start),
			}).Debug("query finished")
			if queryErr != nil {
				return nil, queryErr
			}
			return c.rows, nil
		}
	}
}

// Columns returns the column names of the last result set, in declared
// order.
func (c *Conn) Columns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.columns))
	copy(out, c.columns)
	return out
}

// Close sends Terminate best-effort and closes the socket. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		c.state = StateClosed
		return nil
	}

	c.conn.Write(buildTerminateMessage())
	err := c.conn.Close()
	c.conn = nil
	c.state = StateClosed
	return err
}

// Reconnect closes the previous socket before opening the new one.
func (c *Conn) Reconnect(ctx context.Context) error {
	if err := c.Close(); err != nil {
		c.log.WithError(err).WithField("component", "pg").Debug("close before reconnect")
	}
	return c.Connect(ctx)
}

// teardown drops a broken connection. Caller holds the lock.
func (c *Conn) teardown() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateClosed
}

// driverError converts a backend ErrorResponse into the structured error,
// resolving the message from the static SQLSTATE table.
func driverError(e *errorResponse) error {
	code := e.SQLState()
	return &errs.DriverError{
		SQLState: code,
		Message:  ResolveSQLState(code),
		Detail:   e.ServerMessage(),
	}
}

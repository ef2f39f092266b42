// Package errs defines the structured error types shared across sockd:
// request-level errors surfaced as HTTP statuses, configuration errors that
// abort startup, and PostgreSQL driver errors. Configuration and driver
// errors render as multi-line banners carrying the offending value and a
// remediation hint.
package errs

import (
	"fmt"
	"strings"
	"time"
)

// sqlstateAppendixURL points at the authoritative SQLSTATE listing shown in
// driver error banners.
const sqlstateAppendixURL = "https://www.postgresql.org/docs/current/errcodes-appendix.html"

// banner frames the given lines in a '#' box for terminal display.
func banner(lines ...string) string {
	width := 0
	for _, l := range lines {
		if len(l) > width {
			width = len(l)
		}
	}
	border := strings.Repeat("#", width+6)

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(border)
	b.WriteString("\n")
	for _, l := range lines {
		fmt.Fprintf(&b, "#  %-*s  #\n", width, l)
	}
	b.WriteString(border)
	return b.String()
}

// MethodNotAllowedError reports an HTTP method outside a route's allowed set.
// The engine surfaces it as a 405 response.
type MethodNotAllowedError struct {
	Allowed []string
	Got     string
}

func (e *MethodNotAllowedError) Error() string {
	return fmt.Sprintf("invalid REST operation type, expected %s, got %s",
		strings.Join(e.Allowed, " "), e.Got)
}

// RateLimitError reports that a decorated target exceeded its sliding
// window. The engine surfaces it as a 429 response.
type RateLimitError struct {
	MaxCalls int
	Interval time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: more than %d calls in %s", e.MaxCalls, e.Interval)
}

// AccessDeniedError reports an attempt to reach a protected route from a
// peer that is not entitled to it. Surfaced as a 403 response.
type AccessDeniedError struct {
	Path string
	Peer string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access to protected route %s denied for %s", e.Path, e.Peer)
}

// ForbiddenPortError is raised at construction time for ports in the
// system-reserved range. Fatal.
type ForbiddenPortError struct {
	Port int
}

func (e *ForbiddenPortError) Error() string {
	return banner(
		fmt.Sprintf("ERROR: port %d is reserved by the system.", e.Port),
		"System-reserved ports range: 0-1023.",
		"Please use a port number higher than 1023. Default sockd port is 4000.",
	)
}

// ImproperPortError is raised at construction time for ports outside the
// valid TCP range. Fatal.
type ImproperPortError struct {
	Port int
}

func (e *ImproperPortError) Error() string {
	return banner(
		fmt.Sprintf("ERROR: invalid port number %d.", e.Port),
		"Allowed port range: 0-65535. Default sockd port is 4000.",
		"Please specify a valid port within this range.",
	)
}

// NoCacheBackendError is raised when a Redis-cached handler is invoked but
// no Redis client was configured at decoration time.
type NoCacheBackendError struct{}

func (e *NoCacheBackendError) Error() string {
	return "no cache backend configured: are you sure you defined a redis block in the config?"
}

// DriverError is a PostgreSQL backend ErrorResponse surfaced by the driver.
// Message is resolved from the static SQLSTATE table; Detail carries the
// server-supplied message field when present.
type DriverError struct {
	SQLState string
	Message  string
	Detail   string
}

func (e *DriverError) Error() string {
	return banner(
		fmt.Sprintf("ERROR: PostgreSQL error %s: %s.", e.SQLState, e.Message),
		"",
		"See the full list of Postgres SQLSTATE codes here:",
		sqlstateAppendixURL,
		"",
		"If you're not sure what this means, consult the above appendix.",
	)
}

// AuthMethodError reports an authentication request sub-kind the driver
// does not speak.
type AuthMethodError struct {
	Code uint32
}

func (e *AuthMethodError) Error() string {
	return banner(
		fmt.Sprintf("PostgreSQL authentication failed with unknown code: %d", e.Code),
		"",
		"Refer to the full list of PostgreSQL auth codes:",
		sqlstateAppendixURL,
		"",
		"Tip: this might indicate a protocol mismatch or server misconfiguration.",
	)
}

package errs

import (
	"strings"
	"testing"
	"time"
)

func TestMethodNotAllowedError(t *testing.T) {
	err := &MethodNotAllowedError{Allowed: []string{"GET", "POST"}, Got: "PUT"}
	want := "invalid REST operation type, expected GET POST, got PUT"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestRateLimitError(t *testing.T) {
	err := &RateLimitError{MaxCalls: 5, Interval: time.Second}
	if !strings.Contains(err.Error(), "5 calls") {
		t.Errorf("expected call count in message, got %q", err.Error())
	}
}

func TestForbiddenPortBanner(t *testing.T) {
	err := &ForbiddenPortError{Port: 80}
	msg := err.Error()
	if !strings.Contains(msg, "port 80") {
		t.Errorf("banner should name the offending port: %q", msg)
	}
	if !strings.Contains(msg, "0-1023") {
		t.Errorf("banner should name the reserved range: %q", msg)
	}
	if !strings.Contains(msg, "####") {
		t.Errorf("expected a banner border: %q", msg)
	}
}

func TestImproperPortBanner(t *testing.T) {
	err := &ImproperPortError{Port: 70000}
	msg := err.Error()
	if !strings.Contains(msg, "70000") {
		t.Errorf("banner should name the offending port: %q", msg)
	}
	if !strings.Contains(msg, "0-65535") {
		t.Errorf("banner should name the valid range: %q", msg)
	}
}

func TestDriverErrorBanner(t *testing.T) {
	err := &DriverError{SQLState: "23505", Message: "unique violation"}
	msg := err.Error()
	if !strings.Contains(msg, "23505") {
		t.Errorf("banner should carry the SQLSTATE: %q", msg)
	}
	if !strings.Contains(msg, "unique violation") {
		t.Errorf("banner should carry the resolved message: %q", msg)
	}
	if !strings.Contains(msg, "errcodes-appendix") {
		t.Errorf("banner should link the SQLSTATE appendix: %q", msg)
	}
}

func TestAuthMethodErrorBanner(t *testing.T) {
	err := &AuthMethodError{Code: 10}
	if !strings.Contains(err.Error(), "unknown code: 10") {
		t.Errorf("banner should name the auth code: %q", err.Error())
	}
}

func TestBannerBordersCoverWidestLine(t *testing.T) {
	msg := banner("short", "a considerably longer line of text")
	lines := strings.Split(strings.Trim(msg, "\n"), "\n")
	if len(lines) < 4 {
		t.Fatalf("expected bordered output, got %q", msg)
	}
	top, bottom := lines[0], lines[len(lines)-1]
	if top != bottom {
		t.Errorf("borders differ: %q vs %q", top, bottom)
	}
	for _, l := range lines[1 : len(lines)-1] {
		if len(l) != len(top) {
			t.Errorf("line %q not padded to border width %d", l, len(top))
		}
	}
}

// Package wire implements the byte-level protocols sockd speaks on accepted
// sockets: HTTP/1.1 request parsing and response writing, and the RFC 6455
// WebSocket handshake and frame codec.
package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// DefaultBufferSize is how many bytes of an incoming request the engine
// reads before parsing.
const DefaultBufferSize = 1024

// Request is a parsed HTTP/1.1 request head. Header names keep the exact
// case they arrived with; lookups are exact-case.
type Request struct {
	Method     string
	Target     string
	Proto      string
	Path       string
	Query      string
	Headers    map[string]string
	Params     map[string]string
	RemoteAddr string
}

// Header returns the value for an exact-case header name, or "".
func (r *Request) Header(name string) string {
	return r.Headers[name]
}

// IsWebSocketUpgrade reports whether the request asks for a WebSocket
// upgrade. Only the Upgrade value itself is compared case-insensitively.
func (r *Request) IsWebSocketUpgrade() bool {
	return strings.EqualFold(r.Header("Upgrade"), "websocket")
}

// ParseRequest parses the request line and headers out of the initial read
// buffer. Malformed input returns an error the caller maps to 400.
func ParseRequest(data []byte) (*Request, error) {
	text := string(data)
	lines := strings.Split(text, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("empty request")
	}

	parts := strings.Split(lines[0], " ")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed request line %q", lines[0])
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if method == "" || target == "" || !strings.HasPrefix(proto, "HTTP/") {
		return nil, fmt.Errorf("malformed request line %q", lines[0])
	}

	req := &Request{
		Method:  method,
		Target:  target,
		Proto:   proto,
		Path:    target,
		Headers: make(map[string]string),
	}
	if i := strings.IndexByte(target, '?'); i >= 0 {
		req.Path = target[:i]
		req.Query = target[i+1:]
	}

	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		req.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	return req, nil
}

// Response is a serialised handler result ready to be written to the
// client socket.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
	// Raw marks a pre-built HTTP response string forwarded verbatim.
	Raw bool `json:"raw"`
}

// statusText covers the statuses the engine emits.
var statusText = map[int]string{
	101: "Switching Protocols",
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	429: "Too Many Requests",
	500: "Internal Server Error",
}

// StatusText returns the reason phrase for a status code.
func StatusText(code int) string {
	if t, ok := statusText[code]; ok {
		return t
	}
	return "Unknown"
}

// NewTextResponse builds a text/plain response.
func NewTextResponse(status int, body string) *Response {
	return &Response{Status: status, ContentType: "text/plain", Body: []byte(body)}
}

// NewJSONResponse marshals v into an application/json response.
func NewJSONResponse(status int, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding response body: %w", err)
	}
	return &Response{Status: status, ContentType: "application/json", Body: body}, nil
}

// WriteResponse serialises a response onto the connection: status line,
// Content-Type, blank line, body. Connections are one-shot, so no
// keep-alive headers are emitted.
func WriteResponse(w io.Writer, resp *Response) error {
	if resp.Raw {
		_, err := w.Write(resp.Body)
		return err
	}
	head := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: %s\r\n\r\n",
		resp.Status, StatusText(resp.Status), resp.ContentType)
	if _, err := io.WriteString(w, head); err != nil {
		return err
	}
	_, err := w.Write(resp.Body)
	return err
}

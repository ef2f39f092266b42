// Package routes stores the HTTP and WebSocket routing tables. Tables are
// populated during startup and treated as immutable while serving;
// registration takes the write lock and every lookup takes the read lock.
package routes

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/sockd/sockd/internal/wire"
)

// HandlerFunc is an HTTP handler after decorator composition. The returned
// value is serialised by the engine (string, prebuilt response, or JSON).
type HandlerFunc func(*wire.Request) (any, error)

// WSHandlerFunc owns the upgraded connection until it returns.
type WSHandlerFunc func(*wire.WSConn)

// placeholderPattern matches <name> markers in a route pattern.
var placeholderPattern = regexp.MustCompile(`<(\w+)>`)

// Route is a registered HTTP route.
type Route struct {
	// Pattern is the original registration string, kept for diagnostics.
	Pattern   string
	Methods   []string
	Protected bool
	Dynamic   bool
	Handler   HandlerFunc

	re *regexp.Regexp
}

// AllowsMethod reports whether the route accepts the given method.
func (r *Route) AllowsMethod(method string) bool {
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Info is the diagnostic view of a route exposed by the ops API.
type Info struct {
	Pattern   string   `json:"pattern"`
	Methods   []string `json:"methods"`
	Protected bool     `json:"protected"`
	Dynamic   bool     `json:"dynamic"`
	WebSocket bool     `json:"websocket"`
}

// Registry resolves request paths to handlers. Literal paths resolve by map
// lookup; dynamic patterns are scanned in insertion order.
type Registry struct {
	mu         sync.RWMutex
	literal    map[string]*Route
	dynamic    []*Route
	websockets map[string]WSHandlerFunc
	wsOrder    []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		literal:    make(map[string]*Route),
		websockets: make(map[string]WSHandlerFunc),
	}
}

// ConvertPathToRegex translates <name> placeholders into named capture
// groups matching a single path segment, anchored at both ends.
func ConvertPathToRegex(path string) string {
	return "^" + placeholderPattern.ReplaceAllString(path, `(?P<$1>[^/]+)`) + "$"
}

// IsDynamic reports whether a pattern contains placeholder markers.
func IsDynamic(path string) bool {
	return placeholderPattern.MatchString(path)
}

// AddHTTP registers a route. Registering the same literal path twice is a
// programmer error and is rejected.
func (r *Registry) AddHTTP(pattern string, handler HandlerFunc, methods []string, protected bool) error {
	if len(methods) == 0 {
		methods = []string{"GET"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if IsDynamic(pattern) {
		re, err := regexp.Compile(ConvertPathToRegex(pattern))
		if err != nil {
			return fmt.Errorf("compiling route pattern %q: %w", pattern, err)
		}
		r.dynamic = append(r.dynamic, &Route{
			Pattern:   pattern,
			Methods:   methods,
			Protected: protected,
			Dynamic:   true,
			Handler:   handler,
			re:        re,
		})
		return nil
	}

	if _, exists := r.literal[pattern]; exists {
		return fmt.Errorf("route %q is already registered", pattern)
	}
	r.literal[pattern] = &Route{
		Pattern:   pattern,
		Methods:   methods,
		Protected: protected,
		Handler:   handler,
	}
	return nil
}

// AddWebSocket registers a literal-path WebSocket route.
func (r *Registry) AddWebSocket(path string, handler WSHandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.websockets[path]; exists {
		return fmt.Errorf("websocket route %q is already registered", path)
	}
	r.websockets[path] = handler
	r.wsOrder = append(r.wsOrder, path)
	return nil
}

// ResolveHTTP finds the route for a path. Literal entries win over any
// dynamic match; between dynamic patterns the earliest registration wins.
// Captured placeholders are returned as path parameters.
func (r *Registry) ResolveHTTP(path string) (*Route, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rt, ok := r.literal[path]; ok {
		return rt, nil, true
	}

	for _, rt := range r.dynamic {
		m := rt.re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		params := make(map[string]string)
		for i, name := range rt.re.SubexpNames() {
			if i > 0 && name != "" {
				params[name] = m[i]
			}
		}
		return rt, params, true
	}

	return nil, nil, false
}

// ResolveWebSocket finds the WebSocket handler for a literal path.
func (r *Registry) ResolveWebSocket(path string) (WSHandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.websockets[path]
	return h, ok
}

// Snapshot returns the diagnostic view of every registered route, literal
// routes sorted by pattern, then dynamic routes in insertion order, then
// WebSocket routes.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	literals := make([]string, 0, len(r.literal))
	for p := range r.literal {
		literals = append(literals, p)
	}
	sort.Strings(literals)

	infos := make([]Info, 0, len(r.literal)+len(r.dynamic)+len(r.websockets))
	for _, p := range literals {
		rt := r.literal[p]
		infos = append(infos, Info{Pattern: rt.Pattern, Methods: rt.Methods, Protected: rt.Protected})
	}
	for _, rt := range r.dynamic {
		infos = append(infos, Info{Pattern: rt.Pattern, Methods: rt.Methods, Protected: rt.Protected, Dynamic: true})
	}
	for _, p := range r.wsOrder {
		infos = append(infos, Info{Pattern: p, WebSocket: true})
	}
	return infos
}

// Package engine is the request engine: it owns the accept loop, parses
// and routes each connection, applies the cross-cutting decorators (rate
// limit, cache, execution lanes, middleware), and writes the response.
// Connections are one-shot: one request, one response, then close.
package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sockd/sockd/internal/cache"
	"github.com/sockd/sockd/internal/errs"
	"github.com/sockd/sockd/internal/limiter"
	"github.com/sockd/sockd/internal/metrics"
	"github.com/sockd/sockd/internal/routes"
	"github.com/sockd/sockd/internal/wire"
	"github.com/sockd/sockd/internal/workers"
)

// HandlerFunc is re-exported so applications register handlers without
// importing the routes package.
type HandlerFunc = routes.HandlerFunc

// WSHandlerFunc is re-exported alongside HandlerFunc.
type WSHandlerFunc = routes.WSHandlerFunc

// BeforeFunc runs before handler dispatch, in registration order.
type BeforeFunc func(*wire.Request)

// AfterFunc runs after the handler returns, on success and error paths.
type AfterFunc func(*wire.Request, any, error)

// Options configures the engine.
type Options struct {
	AllowedHosts []string
	ReadTimeout  time.Duration
	BufferSize   int
	// ConnectionRate caps accepted connections per second; 0 disables the
	// guard.
	ConnectionRate float64
	Redis          *redis.Client
	Log            *logrus.Logger
	Metrics        *metrics.Collector
}

// Engine dispatches accepted connections.
type Engine struct {
	log     *logrus.Logger
	metrics *metrics.Collector

	registry *routes.Registry
	lanes    *workers.Lanes
	redis    *redis.Client

	readTimeout time.Duration
	bufSize     int
	connLimiter *rate.Limiter

	allowed atomic.Value // map[string]struct{}

	mu     sync.Mutex
	before []BeforeFunc
	after  []AfterFunc

	wg sync.WaitGroup
}

// New creates an engine over the given registry and lanes.
func New(registry *routes.Registry, lanes *workers.Lanes, opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = logrus.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = wire.DefaultBufferSize
	}
	if len(opts.AllowedHosts) == 0 {
		opts.AllowedHosts = []string{"127.0.0.1"}
	}

	e := &Engine{
		log:         opts.Log,
		metrics:     opts.Metrics,
		registry:    registry,
		lanes:       lanes,
		redis:       opts.Redis,
		readTimeout: opts.ReadTimeout,
		bufSize:     opts.BufferSize,
	}
	if opts.ConnectionRate > 0 {
		e.connLimiter = rate.NewLimiter(rate.Limit(opts.ConnectionRate), int(opts.ConnectionRate))
	}
	e.SetAllowedHosts(opts.AllowedHosts)
	return e
}

// SetAllowedHosts replaces the peer allow-list. Safe during serving; the
// list is swapped atomically.
func (e *Engine) SetAllowedHosts(hosts []string) {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		set[h] = struct{}{}
	}
	e.allowed.Store(set)
}

// BeforeRequest appends a middleware hook run before handler dispatch.
func (e *Engine) BeforeRequest(fn BeforeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.before = append(e.before, fn)
}

// AfterRequest appends a middleware hook run after the handler returns.
func (e *Engine) AfterRequest(fn AfterFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.after = append(e.after, fn)
}

// routeSpec collects the decorations applied at registration time.
type routeSpec struct {
	methods   []string
	protected bool

	lane      workers.Lane
	laneLabel string

	window *limiter.Window

	cacheStore cache.Store
	cacheTTL   time.Duration
}

// RouteOption decorates a route at registration time.
type RouteOption func(*routeSpec)

// WithMethods sets the allowed method set.
func WithMethods(methods ...string) RouteOption {
	return func(s *routeSpec) { s.methods = methods }
}

// Public marks the route reachable from non-loopback peers.
func Public() RouteOption {
	return func(s *routeSpec) { s.protected = false }
}

// IOBound dispatches the handler onto the I/O lane.
func IOBound(label string) RouteOption {
	return func(s *routeSpec) { s.lane, s.laneLabel = workers.LaneIO, label }
}

// CPUBound dispatches the handler onto the CPU lane.
func CPUBound(label string) RouteOption {
	return func(s *routeSpec) { s.lane, s.laneLabel = workers.LaneCPU, label }
}

// WithRateLimit applies a sliding window shared by all callers of the
// route.
func WithRateLimit(maxCalls int, interval time.Duration) RouteOption {
	return func(s *routeSpec) { s.window = limiter.NewWindow(maxCalls, interval) }
}

// WithLRUCache caches responses in a fixed-capacity LRU.
func WithLRUCache(capacity int) RouteOption {
	return func(s *routeSpec) { s.cacheStore = cache.NewLRU(capacity) }
}

// WithMemoize caches responses forever.
func WithMemoize() RouteOption {
	return func(s *routeSpec) { s.cacheStore = cache.NewMemoize() }
}

// WithRedisCache caches serialised responses in Redis with the given TTL.
// The backend is bound at registration time; invoking the route without a
// configured Redis fails the request.
func WithRedisCache(ttl time.Duration) RouteOption {
	return func(s *routeSpec) { s.cacheTTL = ttl }
}

// Route registers an HTTP route, composing the decorator stack into a
// single invoke closure.
func (e *Engine) Route(pattern string, fn HandlerFunc, opts ...RouteOption) error {
	spec := &routeSpec{methods: []string{"GET"}, protected: true}
	for _, opt := range opts {
		opt(spec)
	}
	if spec.cacheTTL > 0 && spec.cacheStore == nil {
		spec.cacheStore = cache.NewRedis(e.redis)
	}

	invoke := e.composeInvoke(pattern, fn, spec)
	return e.registry.AddHTTP(pattern, invoke, spec.methods, spec.protected)
}

// WebSocket registers a WebSocket route.
func (e *Engine) WebSocket(pattern string, fn WSHandlerFunc) error {
	return e.registry.AddWebSocket(pattern, fn)
}

// composeInvoke layers caching, rate limiting, and lane dispatch around the
// handler. The composition happens once, at registration. The cache lookup
// precedes the rate-limit check, so a cache hit is served without consuming
// any rate-limit budget; only a miss pays for the handler invocation.
func (e *Engine) composeInvoke(pattern string, fn HandlerFunc, spec *routeSpec) routes.HandlerFunc {
	run := func(req *wire.Request) (any, error) {
		pool := e.lanes.Pool(spec.lane)
		if pool == nil {
			return fn(req)
		}
		res := <-pool.Submit(func() (any, error) { return fn(req) })
		return res.Value, res.Err
	}

	limited := run
	if spec.window != nil {
		window := spec.window
		limited = func(req *wire.Request) (any, error) {
			if err := window.Allow(); err != nil {
				e.metrics.RateLimited(pattern)
				return nil, err
			}
			return run(req)
		}
	}

	if spec.cacheStore == nil {
		return limited
	}

	store := spec.cacheStore
	ttl := spec.cacheTTL
	return func(req *wire.Request) (any, error) {
		fp := cache.NewFingerprint(pattern, []string{req.Method, req.Path}, req.Params)
		body, hit, err := cache.Through(context.Background(), store, fp, ttl, func() ([]byte, error) {
			result, err := limited(req)
			if err != nil {
				return nil, err
			}
			resp, err := serializeResult(result)
			if err != nil {
				return nil, err
			}
			return json.Marshal(resp)
		})
		if err != nil {
			return nil, err
		}
		if hit {
			e.metrics.CacheHit(pattern, store.Name())
		} else {
			e.metrics.CacheMiss(pattern, store.Name())
		}
		var resp wire.Response
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decoding cached response: %w", err)
		}
		return &resp, nil
	}
}

// Serve runs the accept loop until the listener closes. Each accepted
// connection gets its own goroutine.
func (e *Engine) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			e.log.WithError(err).WithField("component", "engine").Warn("accept error")
			continue
		}

		if e.connLimiter != nil && !e.connLimiter.Allow() {
			e.metrics.ConnRejected("connection_rate")
			conn.Close()
			continue
		}

		e.metrics.ConnAccepted()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleConn(conn)
		}()
	}
}

// Wait blocks until in-flight connections finish or the grace period
// expires.
func (e *Engine) Wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// handleConn owns one accepted connection. The socket is closed exactly
// once, on every exit path.
func (e *Engine) handleConn(conn net.Conn) {
	defer conn.Close()

	peer := peerIP(conn.RemoteAddr())
	if !e.hostAllowed(peer) {
		e.metrics.ConnRejected("host_not_allowed")
		e.log.WithFields(logrus.Fields{
			"component": "engine",
			"peer":      peer,
		}).Warn("connection from disallowed host")
		return
	}

	conn.SetReadDeadline(time.Now().Add(e.readTimeout))

	buf := make([]byte, e.bufSize)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return
	}

	req, err := wire.ParseRequest(buf[:n])
	if err != nil {
		e.metrics.ConnRejected("malformed_request")
		wire.WriteResponse(conn, wire.NewTextResponse(400, "400 Bad Request"))
		return
	}
	req.RemoteAddr = conn.RemoteAddr().String()

	if req.IsWebSocketUpgrade() {
		e.handleWebSocket(conn, req)
		return
	}
	e.handleHTTP(conn, req, peer)
}

// handleWebSocket performs the upgrade handshake and hands the socket to
// the registered handler. A missing key or an unregistered path closes the
// connection with no response.
func (e *Engine) handleWebSocket(conn net.Conn, req *wire.Request) {
	key := req.Header("Sec-WebSocket-Key")
	handler, ok := e.registry.ResolveWebSocket(req.Path)
	if key == "" || !ok {
		e.metrics.ConnRejected("websocket_refused")
		return
	}

	if err := wire.WriteHandshake(conn, key); err != nil {
		return
	}

	// WebSocket sessions outlive the request read deadline.
	conn.SetReadDeadline(time.Time{})

	e.metrics.WSOpened()
	defer e.metrics.WSClosed()

	e.log.WithFields(logrus.Fields{
		"component": "engine",
		"path":      req.Path,
		"peer":      req.RemoteAddr,
	}).Debug("websocket session opened")

	handler(wire.NewWSConn(conn, bufio.NewReader(conn)))
}

// handleHTTP resolves, decorates, invokes, and replies.
func (e *Engine) handleHTTP(conn net.Conn, req *wire.Request, peer string) {
	start := time.Now()

	route, params, ok := e.registry.ResolveHTTP(req.Path)
	if !ok {
		e.writeAndRecord(conn, req, "unmatched", start, wire.NewTextResponse(404, "404 Not Found"))
		return
	}

	if !route.AllowsMethod(req.Method) {
		merr := &errs.MethodNotAllowedError{Allowed: route.Methods, Got: req.Method}
		e.writeAndRecord(conn, req, route.Pattern, start,
			wire.NewTextResponse(405, "405 Method Not Allowed: "+merr.Error()))
		return
	}

	if route.Protected && !isLoopback(peer) {
		denied := &errs.AccessDeniedError{Path: req.Path, Peer: peer}
		e.log.WithFields(logrus.Fields{
			"component": "engine",
			"path":      req.Path,
			"peer":      peer,
		}).Warn("protected route denied")
		e.writeAndRecord(conn, req, route.Pattern, start,
			wire.NewTextResponse(403, "403 Forbidden: "+denied.Error()))
		return
	}

	req.Params = params

	e.mu.Lock()
	before := e.before
	after := e.after
	e.mu.Unlock()

	for _, fn := range before {
		fn(req)
	}

	result, err := route.Handler(req)

	for _, fn := range after {
		fn(req, result, err)
	}

	resp := e.buildResponse(result, err)
	e.writeAndRecord(conn, req, route.Pattern, start, resp)
}

// buildResponse maps a handler outcome onto the wire.
func (e *Engine) buildResponse(result any, err error) *wire.Response {
	if err != nil {
		var rl *errs.RateLimitError
		if errors.As(err, &rl) {
			return wire.NewTextResponse(429, "429 Too Many Requests: "+rl.Error())
		}
		return wire.NewTextResponse(500, fmt.Sprintf("500 Internal Server Error: %v", err))
	}

	resp, serr := serializeResult(result)
	if serr != nil {
		return wire.NewTextResponse(500, fmt.Sprintf("500 Internal Server Error: %v", serr))
	}
	return resp
}

// serializeResult turns a handler return value into a response: strings
// become text/plain, pre-built HTTP responses pass through verbatim, and
// structured values are JSON-encoded.
func serializeResult(result any) (*wire.Response, error) {
	switch v := result.(type) {
	case *wire.Response:
		return v, nil
	case string:
		if strings.HasPrefix(v, "HTTP/") {
			return &wire.Response{Raw: true, Body: []byte(v)}, nil
		}
		return wire.NewTextResponse(200, v), nil
	case []byte:
		return &wire.Response{Status: 200, ContentType: "text/plain", Body: v}, nil
	case nil:
		return wire.NewTextResponse(200, ""), nil
	default:
		return wire.NewJSONResponse(200, v)
	}
}

func (e *Engine) writeAndRecord(conn net.Conn, req *wire.Request, routeLabel string, start time.Time, resp *wire.Response) {
	if err := wire.WriteResponse(conn, resp); err != nil {
		e.log.WithError(err).WithField("component", "engine").Debug("response write failed")
	}
	status := resp.Status
	if resp.Raw {
		status = 200
	}
	e.metrics.RequestServed(routeLabel, req.Method, status, time.Since(start))
}

func (e *Engine) hostAllowed(peer string) bool {
	set := e.allowed.Load().(map[string]struct{})
	_, ok := set[peer]
	return ok
}

// peerIP strips the port from a remote address.
func peerIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func isLoopback(peer string) bool {
	ip := net.ParseIP(peer)
	return ip != nil && ip.IsLoopback()
}

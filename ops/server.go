// Package ops serves the gateway's own observability surface: the health
// snapshot, a readiness probe over external dependencies, and Prometheus
// metrics. It is not a chat ingress; embedding applications own that.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/provider-gateway/health"
)

// checkTimeout bounds one readiness probe.
const checkTimeout = 2 * time.Second

// Check is one named readiness probe. Probe returns nil when the dependency
// is reachable.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Options configure the status server.
type Options struct {
	// Addr is the listen address, e.g. ":9090".
	Addr string

	// Snapshot supplies the /health body. nil serves a bare ok.
	Snapshot func() health.Snapshot

	// Checks are consulted by /readiness; any failure flips it to 503.
	Checks []Check

	// Metrics serves GET /metrics when set.
	Metrics fasthttp.RequestHandler

	// CORSOrigins is the allowed-origin list; empty or ["*"] leaves it
	// open.
	CORSOrigins []string

	Logger *slog.Logger
}

// Server is the fasthttp status server.
type Server struct {
	opts Options
	log  *slog.Logger
	srv  *fasthttp.Server
}

// New builds the server without binding the listen address.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{opts: opts, log: opts.Logger}

	r := router.New()
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if opts.Metrics != nil {
		r.GET("/metrics", opts.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		s.recovery,
		requestID,
		timing,
		corsHandler(opts.CORSOrigins),
	)

	s.srv = &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start binds Options.Addr and blocks until Shutdown.
func (s *Server) Start() error {
	return s.srv.ListenAndServe(s.opts.Addr)
}

// Serve accepts connections from ln and blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// handleHealth always answers 200: a degraded provider pool is reported in
// the body, not as an unhealthy process.
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.opts.Snapshot == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, s.opts.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	results := make(map[string]string, len(s.opts.Checks))
	ready := true
	for _, c := range s.opts.Checks {
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Probe(probeCtx)
		cancel()
		if err != nil {
			ready = false
			results[c.Name] = err.Error()
			continue
		}
		results[c.Name] = "ok"
	}

	status := "ok"
	if !ready {
		status = "unavailable"
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, map[string]any{"status": status, "checks": results})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// recovery catches handler panics and answers 500 without killing the
// process.
func (s *Server) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"error":"internal server error"}`)
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request carries an X-Request-ID, generating one
// when the client did not supply it.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records the handler duration in the X-Response-Time header.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// corsHandler answers preflights and sets the allow-origin header. nil or
// ["*"] opens the endpoint to any origin.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so the first middleware listed runs outermost.
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Package transport adapts outside traffic onto the canonical request model:
// a chi HTTP listener mirroring every published route, an RPC endpoint for
// remote calls, a cloud-event normalizer, and a cron scheduler. Adapters only
// translate; dispatch decisions all live in the container.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nimbusfn/nimbus/internal/config"
	"github.com/nimbusfn/nimbus/internal/container"
	"github.com/nimbusfn/nimbus/internal/core"
	"github.com/nimbusfn/nimbus/internal/errors"
	"github.com/nimbusfn/nimbus/internal/metrics"
	"github.com/nimbusfn/nimbus/pkg/logger"
)

// Server is the HTTP transport adapter. It mirrors the pool's published HTTP
// bindings as chi routes and exposes the RPC, event, health, and metrics
// endpoints.
type Server struct {
	cfg  *config.Config
	pool *container.Pool
	log  *logger.Logger
	srv  *http.Server
}

// NewServer creates the HTTP adapter for a prepared pool.
func NewServer(cfg *config.Config, pool *container.Pool, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("transport")
	}
	return &Server{cfg: cfg, pool: pool, log: log}
}

// Router builds the chi router: middleware chain, service routes, and the
// built-in endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(NewCORS([]string{"*"}).Handler)
	if s.cfg.HTTP.RatePerSec > 0 {
		r.Use(NewRateLimiter(s.cfg.HTTP.RatePerSec, s.cfg.HTTP.RateBurst, s.log).Handler)
	}
	r.Use(metrics.InstrumentHandler)

	base := s.cfg.HTTP.BasePath
	if base == "" {
		base = "/"
	}

	seen := make(map[string]bool)
	for _, svc := range s.pool.PublishedServices() {
		for _, method := range svc.Methods {
			for _, binding := range method.HTTP {
				// Domain-model variants share one listener route; the
				// container picks the variant from the content type.
				routeID := binding.Verb + " " + binding.Resource
				if seen[routeID] {
					continue
				}
				seen[routeID] = true
				pattern := path.Join(base, binding.Resource)
				r.MethodFunc(binding.Verb, pattern, s.serviceHandler(binding.Resource))
				s.log.WithFields(map[string]interface{}{
					"route":   routeID,
					"service": svc.Name,
					"method":  method.Method,
				}).Debug("Route mounted")
			}
		}
	}

	r.Post(path.Join(base, "rpc"), s.handleRPC)
	r.Post(path.Join(base, "events"), s.handleEvent)
	r.Get("/health", handleHealth)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.HTTP.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}
	s.log.WithField("addr", s.srv.Addr).Info("HTTP listener starting")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// serviceHandler adapts one published resource onto the pool's HTTP entry
// point.
func (s *Server) serviceHandler(resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.normalizeHTTP(r, resource)
		if err != nil {
			writeError(w, errors.Ensure(err))
			return
		}

		resp, err := s.pool.HTTPRequest(r.Context(), req)
		if err != nil {
			writeError(w, errors.Ensure(err))
			return
		}
		writeResponse(w, resp)
	}
}

// normalizeHTTP converts a net/http request into the canonical form.
func (s *Server) normalizeHTTP(r *http.Request, resource string) (*core.HTTPRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.BadRequest("Unreadable request body")
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	pathParams := make(map[string]string)
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, key := range rctx.URLParams.Keys {
			pathParams[key] = rctx.URLParams.Values[i]
		}
	}

	return &core.HTTPRequest{
		BaseRequest: core.BaseRequest{
			Type:      core.RequestHTTP,
			RequestID: r.Header.Get(requestIDHeader),
		},
		HTTPMethod:            r.Method,
		Resource:              resource,
		Path:                  r.URL.Path,
		PathParameters:        pathParams,
		QueryStringParameters: query,
		Headers:               headers,
		Body:                  string(body),
		SourceIP:              sourceIP(r),
	}, nil
}

// =============================================================================
// RPC endpoint
// =============================================================================

type rpcEnvelope struct {
	Service string        `json:"service"`
	Method  string        `json:"method"`
	Args    []interface{} `json:"args,omitempty"`
	Token   string        `json:"token,omitempty"`
}

// handleRPC accepts remote call envelopes on behalf of other applications
// and the application's own out-of-process callers.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errors.BadRequest("Unreadable request body"))
		return
	}

	var envelope rpcEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, errors.BadRequest("Invalid RPC envelope").WithReason("malformed_body"))
		return
	}
	if envelope.Service == "" || envelope.Method == "" {
		writeError(w, errors.BadRequest("RPC envelope requires service and method"))
		return
	}

	token := envelope.Token
	if token == "" {
		token = bearerToken(r)
	}

	req := &core.RemoteRequest{
		BaseRequest: core.BaseRequest{
			Type:      core.RequestRemote,
			Service:   envelope.Service,
			Method:    envelope.Method,
			RequestID: r.Header.Get(requestIDHeader),
		},
		Token: token,
		Args:  envelope.Args,
	}

	result, err := s.pool.RemoteRequest(r.Context(), req)
	if err != nil {
		writeError(w, errors.Ensure(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": result})
}

// =============================================================================
// Event endpoint
// =============================================================================

// handleEvent accepts raw event payloads, normalizes them, and dispatches
// the batch. The container's event authorization still applies.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errors.BadRequest("Unreadable request body"))
		return
	}

	req, err := NormalizeEvent(body)
	if err != nil {
		writeError(w, errors.Ensure(err))
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get(requestIDHeader)
	}

	result, err := s.pool.EventRequest(r.Context(), req)
	if err != nil {
		writeError(w, errors.Ensure(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// Helpers
// =============================================================================

func writeResponse(w http.ResponseWriter, resp *core.HTTPResponse) {
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

func writeError(w http.ResponseWriter, se *errors.ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(se.HTTPStatus)
	_, _ = w.Write(se.Serialize())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		writeError(w, errors.Internal("Unserializable response", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// sourceIP extracts the caller address, preferring the forwarded header set
// by upstream proxies.
func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

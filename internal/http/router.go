package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fahrettinrizaergin/docker-manager/internal/service/auth"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/container"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/dashboard"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/deploy"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/lifecycle"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/node"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/organization"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/permission"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/project"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/webhook"
	"github.com/fahrettinrizaergin/docker-manager/internal/telemetry"
	"github.com/fahrettinrizaergin/docker-manager/internal/ws"
)

const apiPrefix = "/api/v1"

// Services are the domain services the API exposes.
type Services struct {
	Auth          auth.Service
	Organizations organization.Service
	Projects      project.Service
	Containers    container.Service
	Lifecycle     lifecycle.Service
	Deployments   deploy.Service
	Webhooks      webhook.Service
	Nodes         node.Service
	Permissions   permission.Service
	Dashboard     dashboard.Service
	Hub           *ws.Hub
}

// Options tune the router. Zero values select in-memory rate limiting and no
// database health probe.
type Options struct {
	Limiter  RateLimiter
	DBHealth func(context.Context) error
	// ExposeResetTokens returns password reset tokens in the response body
	// instead of relying on out-of-band delivery. Never enable in production.
	ExposeResetTokens bool
	Heartbeat         time.Duration
	// Registry backs /metrics. Nil gives the router a private registry.
	Registry *prometheus.Registry
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux               *http.ServeMux
	logger            *slog.Logger
	svc               Services
	upgrader          websocket.Upgrader
	limiter           RateLimiter
	dbHealth          func(context.Context) error
	exposeResetTokens bool
	heartbeat         time.Duration
	metrics           *httpMetrics
}

var (
	rateSignup   = rateRule{name: "signup", limit: 5, window: time.Minute}
	rateLogin    = rateRule{name: "login", limit: 12, window: time.Minute}
	rateWebhook  = rateRule{name: "webhook", limit: 60, window: time.Minute}
	rateRead     = rateRule{name: "read", limit: 240, window: time.Minute}
	rateWrite    = rateRule{name: "write", limit: 60, window: time.Minute}
	rateRuntime  = rateRule{name: "runtime", limit: 30, window: time.Minute}
	rateRealtime = rateRule{name: "realtime", limit: 30, window: 30 * time.Second}
)

const (
	healthCheckTimeout = 2 * time.Second
	defaultHeartbeat   = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc Services, opts Options) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger.With("component", "http"),
		svc:    svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:           opts.Limiter,
		dbHealth:          opts.DBHealth,
		exposeResetTokens: opts.ExposeResetTokens,
		heartbeat:         opts.Heartbeat,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.heartbeat <= 0 {
		r.heartbeat = defaultHeartbeat
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.metrics = newHTTPMetrics(reg)
	r.register()
	return r
}

// Handler returns the router wrapped in request tracing.
func (r *Router) Handler(service string) http.Handler {
	return telemetry.Middleware(service, r)
}

// ServeHTTP delegates to the mux and renders unmatched routes as JSON errors.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if _, pattern := r.mux.Handler(req); pattern == "" {
		r.audit(func(w http.ResponseWriter, req *http.Request) {
			r.mux.ServeHTTP(&fallbackWriter{ResponseWriter: w}, req)
		})(w, req)
		return
	}
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) handle(pattern string, h http.HandlerFunc) {
	method, path, _ := strings.Cut(pattern, " ")
	r.mux.HandleFunc(method+" "+apiPrefix+path, r.audit(h))
}

func (r *Router) register() {
	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))
	r.mux.Handle("GET /metrics", r.metrics.handler)

	r.handle("POST /auth/register", r.public(rateSignup, r.handleRegister))
	r.handle("POST /auth/login", r.public(rateLogin, r.handleLogin))
	r.handle("POST /auth/refresh", r.public(rateLogin, r.handleRefresh))
	r.handle("GET /auth/me", r.authed(rateRead, r.handleMe))
	r.handle("POST /auth/password-reset/request", r.public(rateSignup, r.handlePasswordResetRequest))
	r.handle("POST /auth/password-reset/reset", r.public(rateSignup, r.handlePasswordReset))

	r.handle("GET /organizations", r.authed(rateRead, r.handleListOrganizations))
	r.handle("POST /organizations", r.authed(rateWrite, r.handleCreateOrganization))
	r.handle("GET /organizations/{id}", r.authed(rateRead, r.handleGetOrganization))
	r.handle("PUT /organizations/{id}", r.authed(rateWrite, r.handleUpdateOrganization))
	r.handle("DELETE /organizations/{id}", r.authed(rateWrite, r.handleDeleteOrganization))
	r.handle("GET /organizations/{id}/members", r.authed(rateRead, r.handleListMembers))
	r.handle("POST /organizations/{id}/members", r.authed(rateWrite, r.handleAddMember))
	r.handle("DELETE /organizations/{id}/members/{user_id}", r.authed(rateWrite, r.handleRemoveMember))

	r.handle("GET /projects", r.authed(rateRead, r.handleListProjects))
	r.handle("POST /projects", r.authed(rateWrite, r.handleCreateProject))
	r.handle("GET /projects/{id}", r.authed(rateRead, r.handleGetProject))
	r.handle("PUT /projects/{id}", r.authed(rateWrite, r.handleUpdateProject))
	r.handle("DELETE /projects/{id}", r.authed(rateWrite, r.handleDeleteProject))

	r.handle("GET /containers", r.authed(rateRead, r.handleListContainers))
	r.handle("POST /containers", r.authed(rateWrite, r.handleCreateContainer))
	r.handle("GET /containers/{id}", r.authed(rateRead, r.handleGetContainer))
	r.handle("PUT /containers/{id}", r.authed(rateWrite, r.handleUpdateContainer))
	r.handle("DELETE /containers/{id}", r.authed(rateRuntime, r.handleDeleteContainer))
	r.handle("POST /containers/{id}/start", r.authed(rateRuntime, r.containerAction(r.svc.Lifecycle.Start)))
	r.handle("POST /containers/{id}/stop", r.authed(rateRuntime, r.handleStopContainer))
	r.handle("POST /containers/{id}/restart", r.authed(rateRuntime, r.containerAction(r.svc.Lifecycle.Restart)))
	r.handle("POST /containers/{id}/pause", r.authed(rateRuntime, r.containerAction(r.svc.Lifecycle.Pause)))
	r.handle("POST /containers/{id}/unpause", r.authed(rateRuntime, r.containerAction(r.svc.Lifecycle.Unpause)))
	r.handle("POST /containers/{id}/deploy", r.authed(rateRuntime, r.handleDeployContainer))
	r.handle("GET /containers/{id}/deployments", r.authed(rateRead, r.handleListDeployments))
	r.handle("PUT /containers/{id}/webhook", r.authed(rateWrite, r.handleSetWebhookSecret))

	r.handle("GET /deployments/{id}", r.authed(rateRead, r.handleGetDeployment))
	r.handle("GET /deployments/{id}/logs", r.authed(rateRead, r.handleDeploymentLogs))
	r.handle("POST /deployments/{id}/cancel", r.authed(rateRuntime, r.handleCancelDeployment))
	r.handle("POST /webhooks/{container_id}", r.public(rateWebhook, r.handleWebhook))

	r.handle("GET /nodes", r.authed(rateRead, r.handleListNodes))
	r.handle("POST /nodes", r.admin(rateWrite, r.handleRegisterNode))
	r.handle("GET /nodes/{id}", r.authed(rateRead, r.handleGetNode))
	r.handle("GET /nodes/{id}/health", r.authed(rateRead, r.handleNodeHealth))
	r.handle("PUT /nodes/{id}", r.admin(rateWrite, r.handleUpdateNode))
	r.handle("DELETE /nodes/{id}", r.admin(rateWrite, r.handleDeleteNode))
	r.handle("POST /nodes/{id}/test", r.admin(rateRuntime, r.handleTestNode))
	r.handle("POST /nodes/{id}/prune", r.admin(rateRuntime, r.handlePruneNode))
	r.handle("POST /nodes/{id}/redis/reload", r.admin(rateRuntime, r.handleReloadRedis))

	r.handle("POST /permissions/grant", r.authed(rateWrite, r.handleGrant))
	r.handle("POST /permissions/revoke", r.authed(rateWrite, r.handleRevoke))
	r.handle("GET /permissions", r.authed(rateRead, r.handleListResourceGrants))
	r.handle("GET /permissions/check", r.authed(rateRead, r.handleCheckPermission))
	r.handle("GET /permissions/users/{id}", r.authed(rateRead, r.handleListUserGrants))
	r.handle("GET /permissions/{id}", r.authed(rateRead, r.handleGetGrant))
	r.handle("PUT /permissions/{id}", r.authed(rateWrite, r.handleUpdateGrant))
	r.handle("DELETE /permissions/{id}", r.authed(rateWrite, r.handleDeleteGrant))

	r.handle("GET /dashboard/stats", r.authed(rateRead, r.handleDashboardStats))

	r.handle("GET /ws/events", r.authed(rateRealtime, r.handleEventsWS))
	r.handle("GET /events/stream", r.authed(rateRealtime, r.handleEventsSSE))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.svc.Hub != nil {
		components["events"] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		ctx, slot := withAuthSlot(req.Context())
		start := time.Now()
		next(recorder, req.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		r.metrics.observe(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if slot.set {
			actor = "user"
			if slot.info.isAdmin() {
				actor = "admin"
			}
			fields = append(fields, "user_id", slot.info.UserID)
		} else if strings.HasPrefix(req.URL.Path, apiPrefix+"/webhooks/") {
			actor = "webhook"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// fallbackWriter replaces the mux's plain-text 404 and 405 bodies with JSON errors.
type fallbackWriter struct {
	http.ResponseWriter
	replaced bool
}

func (f *fallbackWriter) WriteHeader(code int) {
	switch code {
	case http.StatusNotFound:
		f.replaced = true
		writeError(f.ResponseWriter, code, codeNotFound, "not found")
	case http.StatusMethodNotAllowed:
		f.replaced = true
		writeError(f.ResponseWriter, code, codeMethod, "method not allowed")
	default:
		f.ResponseWriter.WriteHeader(code)
	}
}

func (f *fallbackWriter) Write(b []byte) (int, error) {
	if f.replaced {
		return len(b), nil
	}
	return f.ResponseWriter.Write(b)
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(decision.remaining))
	if !decision.reset.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.reset.Unix(), 10))
	}
}

func (r *Router) fail(w http.ResponseWriter, req *http.Request, err error) {
	writeServiceError(w, r.logger, req, err)
}

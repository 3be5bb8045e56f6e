package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"greentrace/internal/adapters/agmarknet"
	"greentrace/internal/workers"
	"greentrace/pkg/circuitbreaker"
	"greentrace/pkg/logger"
)

// Checker pings one dependency
type Checker interface {
	Health(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Health(ctx context.Context) error { return f(ctx) }

// UpstreamStatus exposes the Agmarknet breaker and last-good cache
type UpstreamStatus interface {
	BreakerStatus() circuitbreaker.Status
	CacheStatus() agmarknet.CacheStatus
}

// WorkerStatus reports background worker health
type WorkerStatus interface {
	Health() []workers.WorkerHealth
}

// Handler provides health check endpoints
type Handler struct {
	log         *logger.Logger
	required    map[string]Checker
	optional    map[string]Checker
	upstream    UpstreamStatus
	workers     WorkerStatus
	startTime   time.Time
	serviceName string
	version     string
}

// New creates a new health check handler
func New(log *logger.Logger, serviceName, version string) *Handler {
	return &Handler{
		log:         log.With("component", "health"),
		required:    make(map[string]Checker),
		optional:    make(map[string]Checker),
		startTime:   time.Now(),
		serviceName: serviceName,
		version:     version,
	}
}

// Require adds a dependency that must be healthy for readiness
func (h *Handler) Require(name string, c Checker) *Handler {
	h.required[name] = c
	return h
}

// Optional adds a dependency whose failure only degrades the service
func (h *Handler) Optional(name string, c Checker) *Handler {
	h.optional[name] = c
	return h
}

// WithUpstream enables /health/agmarknet
func (h *Handler) WithUpstream(u UpstreamStatus) *Handler {
	h.upstream = u
	return h
}

// WithWorkers adds worker health to the detailed report
func (h *Handler) WithWorkers(w WorkerStatus) *Handler {
	h.workers = w
	return h
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                     `json:"status"` // "healthy", "degraded", "unhealthy"
	Service   string                     `json:"service"`
	Version   string                     `json:"version"`
	Uptime    string                     `json:"uptime"`
	Timestamp string                     `json:"timestamp"`
	Checks    map[string]ComponentHealth `json:"checks"`
	Workers   []workers.WorkerHealth     `json:"workers,omitempty"`
}

// ComponentHealth represents health of a single component
type ComponentHealth struct {
	Status       string `json:"status"`
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
	Required     bool   `json:"required"`
}

// UpstreamHealth is the /health/agmarknet body
type UpstreamHealth struct {
	Status  string                `json:"status"`
	Breaker circuitbreaker.Status `json:"breaker"`
	Cache   agmarknet.CacheStatus `json:"cache"`
}

// Register mounts the endpoints on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/health/live", h.HandleLiveness)
	mux.HandleFunc("/health/ready", h.HandleReadiness)
	mux.HandleFunc("/health/agmarknet", h.HandleUpstream)
}

// HandleLiveness returns 200 OK if the process is running
func (h *Handler) HandleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleReadiness is 200 only when every required dependency answers
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := h.runChecks(ctx, h.required, true)
	status := h.status(checks)

	code := http.StatusOK
	for _, c := range checks {
		if c.Status != "healthy" {
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	if code != http.StatusOK {
		h.log.Warnw("Readiness check failed", "checks", checks)
	}

	writeJSON(w, code, status)
}

// HandleHealth reports every dependency. Optional failures degrade, required failures fail.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	checks := h.runChecks(ctx, h.required, true)
	for name, c := range h.runChecks(ctx, h.optional, false) {
		checks[name] = c
	}

	status := h.status(checks)
	if h.workers != nil {
		status.Workers = h.workers.Health()
	}

	code := http.StatusOK
	for _, c := range checks {
		if c.Status == "healthy" {
			continue
		}
		if c.Required {
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			break
		}
		status.Status = "degraded"
	}

	writeJSON(w, code, status)
}

// HandleUpstream reports the Agmarknet circuit and cache. An open circuit
// with a cache is degraded; open without a cache is unhealthy.
func (h *Handler) HandleUpstream(w http.ResponseWriter, r *http.Request) {
	if h.upstream == nil {
		http.NotFound(w, r)
		return
	}

	body := UpstreamHealth{
		Status:  "healthy",
		Breaker: h.upstream.BreakerStatus(),
		Cache:   h.upstream.CacheStatus(),
	}

	code := http.StatusOK
	if body.Breaker.State != circuitbreaker.StateClosed {
		body.Status = "degraded"
		if !body.Cache.HasData {
			body.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, body)
}

func (h *Handler) status(checks map[string]ComponentHealth) HealthStatus {
	return HealthStatus{
		Status:    "healthy",
		Service:   h.serviceName,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
}

func (h *Handler) runChecks(ctx context.Context, checkers map[string]Checker, required bool) map[string]ComponentHealth {
	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]ComponentHealth, len(checkers))
	for _, name := range names {
		start := time.Now()
		err := checkers[name].Health(ctx)
		elapsed := time.Since(start)

		c := ComponentHealth{Status: "healthy", ResponseTime: elapsed.String(), Required: required}
		if err != nil {
			h.log.Errorw("Health check failed", "component", name, "error", err, "elapsed", elapsed)
			c.Status = "unhealthy"
			c.Error = err.Error()
		}
		out[name] = c
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

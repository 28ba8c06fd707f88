// Package health serves the liveness and readiness probes of the gateway.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync/atomic"
	"time"
)

const (
	statusOK           = "ok"
	statusNotReady     = "not ready"
	statusShuttingDown = "shutting down"
)

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

// Checker tracks readiness. A Checker starts not ready; the binary marks it
// ready once the listener is up and unready again when shutdown begins.
type Checker struct {
	ready     atomic.Bool
	stopping  atomic.Bool
	checks    map[string]CheckFunc
	timeout   time.Duration
	startTime time.Time
}

type Option func(*Checker)

// WithCheck adds a named dependency probe to readiness.
func WithCheck(name string, fn CheckFunc) Option {
	return func(c *Checker) { c.checks[name] = fn }
}

// WithCheckTimeout bounds every dependency probe. Default 2s.
func WithCheckTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func New(opts ...Option) *Checker {
	c := &Checker{
		checks:    make(map[string]CheckFunc),
		timeout:   2 * time.Second,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Checker) SetReady(ready bool) { c.ready.Store(ready) }

func (c *Checker) IsReady() bool { return c.ready.Load() }

// Shutdown marks the process as draining. Readiness fails from then on.
func (c *Checker) Shutdown() {
	c.stopping.Store(true)
	c.ready.Store(false)
}

type response struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LivenessHandler answers 200 while the process is running.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status: statusOK,
			Uptime: time.Since(c.startTime).Truncate(time.Second).String(),
		})
	})
}

// ReadinessHandler answers 200 when the gateway is marked ready and every
// dependency probe passes, 503 otherwise.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string, len(c.checks)+1)
		ok := true

		switch {
		case c.stopping.Load():
			checks["ready"] = statusShuttingDown
			ok = false
		case !c.ready.Load():
			checks["ready"] = statusNotReady
			ok = false
		default:
			checks["ready"] = statusOK
		}

		names := make([]string, 0, len(c.checks))
		for name := range c.checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
			err := c.checks[name](ctx)
			cancel()
			if err != nil {
				checks[name] = err.Error()
				ok = false
				continue
			}
			checks[name] = statusOK
		}

		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, response{Status: statusNotReady, Checks: checks})
			return
		}
		writeJSON(w, http.StatusOK, response{Status: statusOK, Checks: checks})
	})
}

// Register mounts /healthz and /readyz on mux.
func (c *Checker) Register(mux *http.ServeMux) {
	mux.Handle("GET /healthz", c.LivenessHandler())
	mux.Handle("GET /readyz", c.ReadinessHandler())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

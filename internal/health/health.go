// Package health serves the liveness and readiness probes of the ops
// listener.
//
// /healthz always answers 200 while the process serves HTTP. /readyz runs
// every registered [Checker] concurrently and answers 200 only when all of
// them pass:
//
//	{"status":"fail","checks":{"providers":"ok","socket":"fail: not listening"}}
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is ready and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Checkers may be added while serving.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
}

// New creates a [Handler] with the given checkers.
func New(checkers ...Checker) *Handler {
	h := &Handler{}
	h.Add(checkers...)
	return h
}

// Add registers more checkers.
func (h *Handler) Add(checkers ...Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, checkers...)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	outcomes := make([]error, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			outcomes[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(checkers))}
	status := http.StatusOK
	for i, c := range checkers {
		if err := outcomes[i]; err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Providers fails when none of the kinds reported by kinds is available.
func Providers(kinds func() []string, available func(kind string) bool) Checker {
	return Checker{Name: "providers", Check: func(context.Context) error {
		ks := kinds()
		if len(ks) == 0 {
			return errors.New("no model provider configured")
		}
		for _, k := range ks {
			if available == nil || available(k) {
				return nil
			}
		}
		return errors.New("every model provider circuit is open")
	}}
}

// Listening fails while listening reports false.
func Listening(name string, listening func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !listening() {
			return errors.New("not listening")
		}
		return nil
	}}
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

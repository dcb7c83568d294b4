// Package status serves read-only operator endpoints: health, live sessions,
// the audit trail and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/YuzuZensai/TrollSSH/internal/admission"
	"github.com/YuzuZensai/TrollSSH/internal/audit"
	"github.com/YuzuZensai/TrollSSH/internal/session"
)

// FrameInfo describes the loaded video.
type FrameInfo interface {
	Len() int
	FPS() float64
}

// Deps are the components the endpoints report on. Auditor and Gatherer may
// be nil; their endpoints then answer 503.
type Deps struct {
	Sessions  *session.Manager
	Admission *admission.Controller
	Frames    FrameInfo
	Auditor   *audit.Auditor
	Gatherer  prometheus.Gatherer
	StartedAt time.Time
	NowFn     func() time.Time
}

type handler struct {
	Deps
}

// NewRouter builds the status HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.NowFn == nil {
		d.NowFn = time.Now
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = d.NowFn()
	}
	h := &handler{Deps: d}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", h.health)
	r.Get("/sessions", h.sessions)
	r.Get("/audit", h.audit)
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "metrics disabled")
		})
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":   "ok",
		"uptime":   units.HumanDuration(h.NowFn().Sub(h.StartedAt)),
		"sessions": h.Sessions.Count(),
	}
	if h.Frames != nil {
		resp["frames"] = h.Frames.Len()
		resp["fps"] = h.Frames.FPS()
	}
	if h.Auditor != nil {
		resp["audit"] = "enabled"
	} else {
		resp["audit"] = "disabled"
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionsResponse struct {
	Sessions    []session.Info           `json:"sessions"`
	ByPhase     map[session.Phase]int    `json:"by_phase"`
	Playing     int                      `json:"playing"`
	Connections []admission.AddressCount `json:"connections"`
	PerAddress  int                      `json:"max_per_address"`
}

// sessions lists live sessions, optionally only those in ?phase=.
func (h *handler) sessions(w http.ResponseWriter, r *http.Request) {
	filter := session.Phase(r.URL.Query().Get("phase"))
	if filter != "" && !filter.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown phase")
		return
	}

	resp := sessionsResponse{
		Sessions: []session.Info{},
		ByPhase:  h.Sessions.CountByPhase(),
	}
	for _, info := range h.Sessions.List() {
		if info.Phase.Started() {
			resp.Playing++
		}
		if filter == "" || info.Phase == filter {
			resp.Sessions = append(resp.Sessions, info)
		}
	}
	if h.Admission != nil {
		resp.Connections = h.Admission.Snapshot()
		resp.PerAddress = h.Admission.Max()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) audit(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log disabled")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		EventType: q.Get("event"),
		Address:   q.Get("address"),
		SessionID: q.Get("session"),
	}
	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since, expected RFC3339")
			return
		}
		opts.Since = &since
	}

	res, err := h.Auditor.Query(opts)
	if err != nil {
		log.Printf("[status] audit query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}

// Serve runs the status endpoints on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[status] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

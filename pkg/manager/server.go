// Package manager exposes the model catalog over HTTP: list and inspect
// models, start and stop them, read their logs, and report GPU memory. It is
// the backend the web dashboard polls.
package manager

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/modelctl/modelctl/pkg/control"
	"github.com/modelctl/modelctl/pkg/launcher"
	"github.com/modelctl/modelctl/pkg/registry"
	"github.com/modelctl/modelctl/pkg/runtime"
	"github.com/modelctl/modelctl/pkg/status"
	"github.com/modelctl/modelctl/pkg/sysinfo"
	"github.com/modelctl/modelctl/pkg/toolspec"
)

// Controller is the lifecycle surface the server drives; control.Controller
// implements it.
type Controller interface {
	Start(ctx context.Context, m *registry.Model, opts control.StartOptions) (*launcher.Result, error)
	Stop(ctx context.Context, m *registry.Model) error
	Logs(ctx context.Context, m *registry.Model, opts runtime.LogOptions) (io.ReadCloser, error)
}

// Server serves the management API.
type Server struct {
	Catalog  *registry.File
	Control  Controller
	Statuses *status.Collector
	Runtime  runtime.Runtime
	Sys      *sysinfo.Collector
	Tools    *toolspec.Loader
	Auth     AuthConfig
}

// Handler builds the routed handler with auth and rate limiting applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(authMiddleware(s.Auth)))

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/models", s.handleListModels).Methods(http.MethodGet)
	r.HandleFunc("/api/models/{id}", s.handleGetModel).Methods(http.MethodGet)
	r.HandleFunc("/api/models/{id}/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/api/models/{id}/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/api/models/{id}/logs", s.handleLogs).Methods(http.MethodGet)
	r.HandleFunc("/api/system/memory", s.handleSystemMemory).Methods(http.MethodGet)
	r.HandleFunc("/api/tools", s.handleTools).Methods(http.MethodGet)
	return r
}

// ListenAndServe runs the API until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("manager api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "manager api")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Statuses.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": snap})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	m, ok := s.findModel(w, r)
	if !ok {
		return
	}
	snap, err := s.Statuses.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, ms := range snap {
		if ms.ID != m.ID {
			continue
		}
		out := map[string]any{"model": ms}
		if m.IsContainer() && ms.Status == status.StatusRunning {
			if mb, err := s.Runtime.MemoryMB(r.Context(), ms.ContainerName); err == nil {
				out["memory_mb"] = mb
			}
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	writeError(w, http.StatusNotFound, "model not in status snapshot")
}

type startRequest struct {
	Build bool `json:"build"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	m, ok := s.findModel(w, r)
	if !ok {
		return
	}

	var req startRequest
	if r.Body != nil {
		// absent or empty body means default options
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	res, err := s.Control.Start(r.Context(), m, control.StartOptions{Build: req.Build})
	if err != nil {
		writeError(w, startErrorStatus(err), err.Error())
		return
	}
	s.Statuses.Invalidate()

	writeJSON(w, http.StatusOK, map[string]any{
		"model":   m.ID,
		"port":    m.Port,
		"outcome": res.Outcome,
	})
}

// startErrorStatus maps the launch taxonomy onto HTTP statuses.
func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, launcher.ErrMissingCredential):
		return http.StatusBadRequest
	case errors.Is(err, launcher.ErrPortInUseByOther):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	m, ok := s.findModel(w, r)
	if !ok {
		return
	}
	if err := s.Control.Stop(r.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Statuses.Invalidate()
	writeJSON(w, http.StatusOK, map[string]any{"model": m.ID, "outcome": "stopped"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	m, ok := s.findModel(w, r)
	if !ok {
		return
	}

	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := parsePositive(v); err == nil {
			lines = n
		}
	}

	rc, err := s.Control.Logs(r.Context(), m, runtime.LogOptions{Tail: lines})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleSystemMemory(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Sys.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.Tools.LoadAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]any, 0, len(tools))
	for _, name := range names {
		def := tools[name]
		out = append(out, map[string]any{
			"definition":  def,
			"openai_tool": def.OpenAITool(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) findModel(w http.ResponseWriter, r *http.Request) (*registry.Model, bool) {
	id := mux.Vars(r)["id"]
	m := s.Catalog.Find(id)
	if m == nil {
		writeError(w, http.StatusNotFound, "unknown model: "+id)
		return nil, false
	}
	return m, true
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("not positive")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

// Package server is the microtile daemon: a REST control surface for
// pyramid metadata and registrations, a Prometheus endpoint, the viewer
// websocket channel, and the image directory watcher wired together
// behind one listener.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"microtile/internal/geometry"
	"microtile/internal/metrics"
	"microtile/internal/registration"
	"microtile/internal/session"
	"microtile/internal/storage"
	"microtile/internal/tilestore"
	"microtile/internal/watcher"
	"microtile/internal/web"

	"github.com/gorilla/mux"
)

// Server owns the HTTP listener and the daemon's background services.
type Server struct {
	addr    string
	tiles   tilestore.Store
	db      *storage.Store
	solver  *registration.Solver
	engine  *metrics.Engine
	channel *web.Channel
	watcher *watcher.Watcher
	sessCfg session.Config
	log     *slog.Logger
	server  *http.Server
}

// NewServer assembles the daemon. db may be nil (storageless); watching is
// skipped when watchPaths is empty or the watcher cannot start.
func NewServer(
	addr string,
	tiles tilestore.Store,
	db *storage.Store,
	sessCfg session.Config,
	watchPaths []string,
	log *slog.Logger,
) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:    addr,
		tiles:   tiles,
		db:      db,
		solver:  registration.NewSolver(),
		engine:  metrics.NewEngine(),
		sessCfg: sessCfg,
		log:     log,
	}

	if len(watchPaths) > 0 {
		w, err := watcher.New(watchPaths, db, log)
		if err != nil {
			log.Warn("image watcher unavailable", "error", err)
		} else {
			s.watcher = w
			log.Info("image watcher initialized", "paths", watchPaths)
		}
	}

	return s, nil
}

// Handler builds the daemon's full HTTP surface and starts the viewer
// hub. The watcher is not started; Start does that.
func (s *Server) Handler(ctx context.Context) http.Handler {
	s.channel = web.NewChannel(func() *session.Manager {
		return session.NewManager(ctx, s.tiles, s.sessCfg, s.log, s.engine)
	}, s.log)
	go s.channel.Run(ctx)

	r := mux.NewRouter()
	s.setupRoutes(r)
	return metrics.Middleware(r)
}

// Start runs the daemon until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler(ctx)

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Error("failed to start image watcher", "error", err)
			return err
		}
		go s.forwardInvalidations()
	}

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")

		if s.watcher != nil {
			s.watcher.Stop()
		}

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) forwardInvalidations() {
	for inv := range s.watcher.Events {
		s.log.Info("source invalidated", "path", inv.Path, "operation", inv.Operation)
		s.channel.BroadcastInvalidation(inv)
	}
}

func (s *Server) setupRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/pyramids", s.handleListPyramids).Methods("GET")
	api.HandleFunc("/pyramids", s.handleFetchPyramid).Methods("POST")
	api.HandleFunc("/pyramids/{hash}", s.handleGetPyramid).Methods("GET")
	api.HandleFunc("/registrations", s.handleListRegistrations).Methods("GET")
	api.HandleFunc("/registrations", s.handleRunRegistration).Methods("POST")
	api.HandleFunc("/registrations/{id}", s.handleGetRegistration).Methods("GET")

	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/ws/viewer", s.channel.HandleViewer)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPyramids(w http.ResponseWriter, r *http.Request) {
	recs, err := s.db.Pyramids(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type fetchPyramidRequest struct {
	Path string `json:"path"`
}

type pyramidResponse struct {
	Path string `json:"path"`
	tilestore.PyramidHandle
}

func (s *Server) handleFetchPyramid(w http.ResponseWriter, r *http.Request) {
	var req fetchPyramidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}

	h, err := s.tiles.GetPyramid(r.Context(), req.Path)
	if err != nil {
		status := http.StatusBadGateway
		if tilestore.IsNotFound(err) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	if err := s.db.RecordPyramid(storage.PyramidRecord{
		ImagePath:   req.Path,
		ContentHash: h.ContentHash,
		Width:       h.Width,
		Height:      h.Height,
		TileSize:    h.TileSize,
		TilesX:      h.TilesX,
		TilesY:      h.TilesY,
		FromCache:   h.FromCache,
	}); err != nil {
		s.log.Warn("failed to record pyramid", "path", req.Path, "error", err)
	}

	writeJSON(w, http.StatusOK, pyramidResponse{Path: req.Path, PyramidHandle: h})
}

func (s *Server) handleGetPyramid(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	rec, err := s.db.PyramidByHash(hash)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "unknown pyramid", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.db.RecentRegistrations(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type runRegistrationRequest struct {
	OverlayPath string                   `json:"overlayPath"`
	ContentHash string                   `json:"contentHash"`
	Width       float64                  `json:"width"`
	Height      float64                  `json:"height"`
	Pairs       []registration.PointPair `json:"pairs"`
	Apply       bool                     `json:"apply"`
}

type runRegistrationResponse struct {
	ID      string                `json:"id"`
	Matrix  geometry.AffineMatrix `json:"matrix"`
	Bounds  geometry.Rect         `json:"bounds"`
	Status  string                `json:"status"`
	Warning string                `json:"warning,omitempty"`
}

// handleRunRegistration solves a registration from control point pairs and
// optionally asks the tile store to materialize the transformed pyramid.
func (s *Server) handleRunRegistration(w http.ResponseWriter, r *http.Request) {
	var req runRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Pairs) < 3 {
		http.Error(w, "at least 3 control point pairs required", http.StatusBadRequest)
		return
	}

	m, err := s.solver.ComputeAffineMatrix(req.Pairs)
	if err != nil {
		status := http.StatusInternalServerError
		if registration.IsDegenerate(err) {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), status)
		return
	}
	bounds := registration.ComputeTransformedBounds(req.Width, req.Height, m)
	warning := s.solver.CheckPointDistribution(req.Pairs, req.Width, req.Height)

	rec := storage.RegistrationRecord{
		ID:          newID("reg"),
		OverlayPath: req.OverlayPath,
		ContentHash: req.ContentHash,
		Matrix:      m,
		Bounds:      bounds,
		Status:      "computed",
	}
	if err := s.db.RecordRegistration(rec); err != nil {
		s.log.Warn("failed to record registration", "id", rec.ID, "error", err)
	}

	if req.Apply {
		if err := s.tiles.GenerateAffineTiles(r.Context(), req.OverlayPath, req.ContentHash, m); err != nil {
			s.db.MarkRegistrationFailed(rec.ID, err.Error())
			http.Error(w, fmt.Sprintf("affine tile generation failed: %v", err), http.StatusBadGateway)
			return
		}
		s.db.MarkRegistrationApplied(rec.ID)
		s.engine.RegistrationApplied()
		rec.Status = "applied"
	}

	writeJSON(w, http.StatusOK, runRegistrationResponse{
		ID:      rec.ID,
		Matrix:  m,
		Bounds:  bounds,
		Status:  rec.Status,
		Warning: warning,
	})
}

func (s *Server) handleGetRegistration(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.db.RegistrationByID(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "unknown registration", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}

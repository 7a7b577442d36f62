package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/EchoPBX/echopbx-kernel/internal/config"
	"github.com/EchoPBX/echopbx-kernel/internal/events"
	"github.com/EchoPBX/echopbx-kernel/internal/jwt"
	"github.com/EchoPBX/echopbx-kernel/internal/loader"
	"github.com/EchoPBX/echopbx-kernel/internal/plugins"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const maxBody = 1 << 20

// AuditReader exposes persisted dispatch history.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]events.Entry, error)
}

type Option func(*Server)

func WithAudit(a AuditReader) Option { return func(s *Server) { s.audit = a } }

type Server struct {
	log   *zap.Logger
	mgr   *plugins.Manager
	audit AuditReader
	r     *chi.Mux
	up    websocket.Upgrader

	mu  sync.RWMutex
	cfg *config.Config
	jwt *jwt.Validator
}

func New(cfg *config.Config, log *zap.Logger, mgr *plugins.Manager, opts ...Option) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	s := &Server{
		log: log,
		mgr: mgr,
		r:   r,
		up:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	for _, o := range opts {
		o(s)
	}
	s.Reload(cfg)
	s.routes()
	return s
}

func (s *Server) Router() http.Handler { return s.r }

// Reload swaps the config and rebuilds the token validator. A config whose
// keys cannot be read leaves the admin routes closed.
func (s *Server) Reload(cfg *config.Config) {
	v, err := jwt.NewValidator(cfg.Auth.JWTPublicKeys, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		s.log.Error("jwt keys unusable, admin routes locked", zap.Error(err))
		v = nil
	}
	s.mu.Lock()
	s.cfg = cfg
	s.jwt = v
	s.mu.Unlock()
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.r.Route("/v1", func(r chi.Router) {
		r.Get("/plugins", s.listPlugins)
		r.Post("/plugins", s.admin(s.loadPlugin))
		r.Delete("/plugins/{name}", s.admin(s.unloadPlugin))
		r.Post("/execute/{name}", s.execute)

		r.Get("/events", s.eventLog)
		r.Get("/events/audit", s.auditLog)
		r.Get("/events/stream", s.stream)

		r.Post("/articles", s.publishArticle)
		r.Get("/articles", s.listArticles)
		r.Post("/articles/{id}/view", s.viewArticle)
		r.Get("/metrics", s.metrics)
	})
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"registered_plugins": s.mgr.RegisteredPlugins(),
		"plugins":            s.mgr.Plugins(),
	})
}

func (s *Server) loadPlugin(w http.ResponseWriter, r *http.Request) {
	var d plugins.Descriptor
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if d.Name == "" || d.Path == "" {
		writeError(w, http.StatusBadRequest, "name and path are required")
		return
	}
	if err := s.mgr.LoadAndRegister(r.Context(), d); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, loader.ErrUnsupported) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "plugin '" + d.Name + "' loaded",
	})
}

func (s *Server) unloadPlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.mgr.Unregister(name) {
		writeError(w, http.StatusNotFound, "plugin '"+name+"' is not registered")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "plugin '" + name + "' unregistered"})
}

// execute forwards the body's "data" field, whatever its JSON type, to the
// plugin.
func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var data any
	if len(body) > 0 {
		if !gjson.ValidBytes(body) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		data = gjson.GetBytes(body, "data").Value()
	}

	res := s.mgr.Execute(r.Context(), chi.URLParam(r, "name"), data)
	writeJSON(w, resultStatus(res), res)
}

func resultStatus(res plugins.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case errors.Is(res.Err, plugins.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) eventLog(w http.ResponseWriter, r *http.Request) {
	bus := s.mgr.Bus()
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     bus.Total(),
		"event_log": bus.Log(),
	})
}

func (s *Server) auditLog(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit log disabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		v, keys := s.jwt, len(s.cfg.Auth.JWTPublicKeys)
		s.mu.RUnlock()
		if keys == 0 {
			next(w, r)
			return
		}
		tok := r.Header.Get("Authorization")
		if tok == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		tok = strings.TrimPrefix(tok, "Bearer ")
		if _, err := v.Verify(tok); err != nil {
			s.log.Debug("token rejected", zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

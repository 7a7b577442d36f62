package httpserver

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/EchoPBX/echopbx-kernel/internal/builtin"
	"github.com/EchoPBX/echopbx-kernel/internal/plugins"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (s *Server) publishArticle(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	res := s.mgr.Execute(r.Context(), builtin.NameArticles, data)
	switch status := resultStatus(res); status {
	case http.StatusOK:
		writeJSON(w, http.StatusCreated, res)
	case http.StatusNotFound:
		writeJSON(w, status, res)
	default:
		writeJSON(w, http.StatusBadRequest, res)
	}
}

func (s *Server) listArticles(w http.ResponseWriter, r *http.Request) {
	a, ok := plugins.Lookup[*builtin.Articles](s.mgr, builtin.NameArticles)
	if !ok {
		writeError(w, http.StatusNotFound, "articles plugin not registered")
		return
	}
	var list []builtin.Article
	if c := r.URL.Query().Get("category"); c != "" {
		list = a.ByCategory(c)
	} else {
		list = a.All()
	}
	writeJSON(w, http.StatusOK, map[string]any{"articles": list})
}

func (s *Server) viewArticle(w http.ResponseWriter, r *http.Request) {
	a, ok := plugins.Lookup[*builtin.Articles](s.mgr, builtin.NameArticles)
	if !ok {
		writeError(w, http.StatusNotFound, "articles plugin not registered")
		return
	}
	id := chi.URLParam(r, "id")
	for _, art := range a.All() {
		if art.ID != id {
			continue
		}
		err := builtin.ContentViewed.Publish(r.Context(), s.mgr.Bus(), builtin.View{ID: id, Category: art.Category})
		if err != nil {
			s.log.Warn("view handlers failed", zap.String("id", id), zap.Error(err))
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
		return
	}
	writeError(w, http.StatusNotFound, "article '"+id+"' not found")
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	m, ok := plugins.Lookup[*builtin.Metrics](s.mgr, builtin.NameMetrics)
	if !ok {
		writeError(w, http.StatusNotFound, "metrics plugin not registered")
		return
	}
	writeJSON(w, http.StatusOK, m.Summary())
}

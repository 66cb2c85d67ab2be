package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/pageindex/pidx/registry"
	"github.com/ZanzyTHEbar/pageindex/pidx/resolver"
	"github.com/ZanzyTHEbar/pageindex/pidx/trees"

	"github.com/google/uuid"
)

// PageSummary is the JSON form of a page.
type PageSummary struct {
	PageID           uuid.UUID `json:"pageId"`
	PageInstanceID   int64     `json:"pageInstanceId"`
	ParentID         uuid.UUID `json:"parentId"`
	RootID           uuid.UUID `json:"rootId"`
	PageTypeID       int       `json:"pageTypeId"`
	Name             string    `json:"name"`
	URL              string    `json:"url"`
	TreeLevel        int       `json:"treeLevel"`
	SortOrder        int       `json:"sortOrder"`
	Published        bool      `json:"published"`
	VisibleInMenu    bool      `json:"visibleInMenu"`
	VisibleInSiteMap bool      `json:"visibleInSiteMap"`
}

func summarize(n trees.IndexNode, now time.Time) PageSummary {
	return PageSummary{
		PageID:           n.PageID,
		PageInstanceID:   n.PageInstanceID,
		ParentID:         n.ParentID,
		RootID:           n.RootID,
		PageTypeID:       n.PageTypeID,
		Name:             n.PageName,
		URL:              "/" + n.PageURL,
		TreeLevel:        n.TreeLevel,
		SortOrder:        n.SortOrder,
		Published:        n.IsPublished(now),
		VisibleInMenu:    n.VisibleInMenu,
		VisibleInSiteMap: n.VisibleInSiteMap,
	}
}

// ResolveResponse is the body of a resolved request.
type ResolveResponse struct {
	Outcome   string       `json:"outcome"`
	Page      *PageSummary `json:"page,omitempty"`
	Depth     int          `json:"depth"`
	Remaining []string     `json:"remaining,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("health check endpoint hit")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"rebuilding": s.registry.Rebuilding(),
		"languages":  s.registry.Languages(),
	})
}

func (s *Server) resolveHandler(w http.ResponseWriter, r *http.Request) {
	if s.ignored(r.URL.Path) {
		s.writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	lang, err := s.language(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.resolver.Resolve(r.Context(), lang, r.URL.Path, s.routes)
	if err != nil {
		s.writeRegistryError(w, lang, err)
		return
	}

	switch res.Outcome {
	case resolver.Redirect:
		http.Redirect(w, r, res.Location, http.StatusMovedPermanently)
	case resolver.NotFound:
		s.writeJSON(w, http.StatusNotFound, ResolveResponse{
			Outcome:   res.Outcome.String(),
			Depth:     res.Depth,
			Remaining: res.Remaining,
		})
	default:
		page := summarize(res.Page, time.Now())
		s.writeJSON(w, http.StatusOK, ResolveResponse{
			Outcome:   res.Outcome.String(),
			Page:      &page,
			Depth:     res.Depth,
			Remaining: res.Remaining,
		})
	}
}

func (s *Server) rebuildHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.RebuildAll(r.Context()); err != nil {
		s.writeRegistryError(w, 0, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"languages": s.registry.Languages(),
		"stats":     jsonStats(s.registry.Stats()),
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, jsonStats(s.registry.Stats()))
}

func (s *Server) pageHandler(w http.ResponseWriter, r *http.Request) {
	lang, id, ok := s.pageRequest(w, r)
	if !ok {
		return
	}
	page, found, err := s.registry.Page(r.Context(), lang, id)
	if err != nil {
		s.writeRegistryError(w, lang, err)
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("page %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, summarize(page, time.Now()))
}

func (s *Server) childrenHandler(w http.ResponseWriter, r *http.Request) {
	lang, id, ok := s.pageRequest(w, r)
	if !ok {
		return
	}
	state, err := publishState(r.URL.Query().Get("state"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.pageExists(w, r, lang, id) {
		return
	}

	children, err := s.registry.Children(r.Context(), lang, id, state)
	if err != nil {
		s.writeRegistryError(w, lang, err)
		return
	}
	now := time.Now()
	out := make([]PageSummary, 0, len(children))
	for _, c := range children {
		out = append(out, summarize(c, now))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) pathHandler(w http.ResponseWriter, r *http.Request) {
	lang, id, ok := s.pageRequest(w, r)
	if !ok {
		return
	}
	if !s.pageExists(w, r, lang, id) {
		return
	}
	path, err := s.registry.PagePath(r.Context(), lang, id)
	if err != nil {
		s.writeRegistryError(w, lang, err)
		return
	}
	s.writeJSON(w, http.StatusOK, path)
}

// pageRequest parses the language and page id of an /api/pages request,
// answering 400 itself when either is malformed.
func (s *Server) pageRequest(w http.ResponseWriter, r *http.Request) (int, uuid.UUID, bool) {
	lang, err := s.language(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return 0, uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid page id: %w", err))
		return 0, uuid.Nil, false
	}
	return lang, id, true
}

// pageExists answers 404 unless id is a page of lang. uuid.Nil stands for
// the top level and always exists.
func (s *Server) pageExists(w http.ResponseWriter, r *http.Request, lang int, id uuid.UUID) bool {
	if id == uuid.Nil {
		return true
	}
	_, found, err := s.registry.Page(r.Context(), lang, id)
	if err != nil {
		s.writeRegistryError(w, lang, err)
		return false
	}
	if !found {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("page %s not found", id))
		return false
	}
	return true
}

func (s *Server) language(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.Header.Get(s.languageHeader))
	if raw == "" {
		return s.defaultLanguage, nil
	}
	lang, err := strconv.Atoi(raw)
	if err != nil || lang <= 0 {
		return 0, fmt.Errorf("invalid %s header %q", s.languageHeader, raw)
	}
	return lang, nil
}

func publishState(raw string) (trees.PublishState, error) {
	switch strings.ToLower(raw) {
	case "", "published":
		return trees.Published, nil
	case "unpublished":
		return trees.Unpublished, nil
	case "all":
		return trees.All, nil
	default:
		return 0, fmt.Errorf("unknown publish state %q", raw)
	}
}

// writeRegistryError maps registry failures onto status codes: a rebuild in
// flight is 503 with Retry-After, an unindexed language is 404.
func (s *Server) writeRegistryError(w http.ResponseWriter, lang int, err error) {
	switch {
	case errors.Is(err, registry.ErrReindexing):
		seconds := int(math.Ceil(s.retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
		s.writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, registry.ErrLanguageNotIndexed):
		s.writeError(w, http.StatusNotFound, err)
	default:
		s.logger.Error().Err(err).Int("language_id", lang).Msg("request failed")
		s.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
}

// jsonStats replaces NaN depth figures, which encoding/json rejects.
func jsonStats(stats []trees.IndexStats) []trees.IndexStats {
	out := make([]trees.IndexStats, len(stats))
	for i, st := range stats {
		if math.IsNaN(st.MeanDepth) {
			st.MeanDepth = 0
		}
		if math.IsNaN(st.DepthStdDev) {
			st.DepthStdDev = 0
		}
		out[i] = st
	}
	return out
}

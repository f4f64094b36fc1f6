package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pubflow/internal/domain"
	"pubflow/internal/processor"
	"pubflow/internal/publisher"
)

const defaultTickBatch = 10

type Server struct {
	r    *chi.Mux
	pubs *publisher.Service
	proc *processor.Processor
}

func NewServer(pubs *publisher.Service, proc *processor.Processor) http.Handler {
	return NewServerWithDebug(pubs, proc, false)
}

func NewServerWithDebug(pubs *publisher.Service, proc *processor.Processor, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, pubs: pubs, proc: proc}

	r.Get("/health", s.health)
	r.Post("/api/publications", s.schedule)
	r.Post("/api/publications/now", s.publishNow)
	r.Get("/api/publications", s.listPublications)
	r.Get("/api/publications/{id}", s.getPublication)
	r.Post("/api/publications/{id}/cancel", s.cancel)
	r.Get("/api/queue/{id}", s.getQueueItem)
	r.Post("/api/queue/tick", s.runTick)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type scheduleReq struct {
	ContentID    string                 `json:"content_id"`
	AccountID    string                 `json:"account_id"`
	Platform     domain.Platform        `json:"platform"`
	ScheduledFor *time.Time             `json:"scheduled_for"`
	Snapshot     domain.ContentSnapshot `json:"snapshot"`
}

type scheduleResp struct {
	PublicationID string `json:"publication_id"`
	QueueID       string `json:"queue_id,omitempty"`
}

func (s *Server) decodeSchedule(w http.ResponseWriter, r *http.Request) (scheduleReq, bool) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return req, false
	}
	if req.ContentID == "" || req.AccountID == "" {
		http.Error(w, "content_id and account_id are required", 400)
		return req, false
	}
	if !req.Platform.Valid() {
		http.Error(w, "unknown platform", 400)
		return req, false
	}
	return req, true
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSchedule(w, r)
	if !ok {
		return
	}
	scheduledFor := time.Now().UTC()
	if req.ScheduledFor != nil {
		scheduledFor = *req.ScheduledFor
	}
	pub, item, err := s.pubs.Schedule(r.Context(), req.ContentID, req.AccountID, req.Platform, req.Snapshot, scheduledFor)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResp{PublicationID: pub.ID, QueueID: item.ID})
}

func (s *Server) publishNow(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSchedule(w, r)
	if !ok {
		return
	}
	pub, err := s.pubs.PublishNow(r.Context(), req.ContentID, req.AccountID, req.Platform, req.Snapshot)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicationView(pub))
}

func (s *Server) getPublication(w http.ResponseWriter, r *http.Request) {
	pub, err := s.pubs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicationView(pub))
}

func (s *Server) listPublications(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	pubs, err := s.pubs.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	views := make([]map[string]any, 0, len(pubs))
	for _, p := range pubs {
		views = append(views, publicationView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if err := s.pubs.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) getQueueItem(w http.ResponseWriter, r *http.Request) {
	item, logs, err := s.pubs.GetQueueItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             item.ID,
		"publication_id": item.PublicationID,
		"status":         item.Status,
		"retry_count":    item.RetryCount,
		"max_retries":    item.MaxRetries,
		"scheduled_for":  item.ScheduledFor.Format(time.RFC3339),
		"next_retry_at":  timePtr(item.NextRetryAt),
		"error_logs":     logs,
	})
}

func (s *Server) runTick(w http.ResponseWriter, r *http.Request) {
	batch, _ := strconv.Atoi(r.URL.Query().Get("batch"))
	if batch <= 0 {
		batch = defaultTickBatch
	}
	stats, err := s.proc.RunTick(r.Context(), batch)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func publicationView(p domain.Publication) map[string]any {
	return map[string]any{
		"id":                p.ID,
		"content_id":        p.ContentID,
		"account_id":        p.AccountID,
		"platform":          p.Platform,
		"status":            p.Status,
		"scheduled_for":     timePtr(p.ScheduledFor),
		"published_at":      timePtr(p.PublishedAt),
		"external_post_id":  p.ExternalPostID,
		"external_post_url": p.ExternalPostURL,
		"error_code":        p.ErrorCode,
		"error_message":     p.ErrorMessage,
	}
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func writeDomainErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, domain.ErrInactiveDestination):
		http.Error(w, err.Error(), 422)
	case errors.Is(err, domain.ErrInvalidStateTransition):
		http.Error(w, err.Error(), 409)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

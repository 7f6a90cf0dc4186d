package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
	"postflow/internal/scheduler"
	"postflow/internal/worker"
)

// OwnerHeader carries the authenticated owner id, set by the gateway in
// front of this service.
const OwnerHeader = "X-Owner-ID"

const maxListLimit = 500

type Scheduler interface {
	Schedule(ctx context.Context, r scheduler.ScheduleRequest) (domain.Delivery, error)
	Update(ctx context.Context, owner, id string, r scheduler.UpdateRequest) (domain.Delivery, error)
	Cancel(ctx context.Context, owner, id string) (domain.Delivery, error)
	Get(ctx context.Context, owner, id string) (domain.Delivery, error)
	List(ctx context.Context, owner string, f domain.Filter) ([]domain.Delivery, error)
	Attempts(ctx context.Context, owner, id string) ([]domain.Attempt, error)
}

// Options wires optional sources for /metrics and debug routes.
type Options struct {
	Debug    bool
	Counts   interface{ CountByStatus(ctx context.Context) (map[domain.Status]int, error) }
	Queue    interface{ Len(p domain.Platform) int }
	Dispatch interface{ Stats() worker.Stats }
}

type Server struct {
	r    *chi.Mux
	svc  Scheduler
	opts Options
}

func NewServer(svc Scheduler, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, accessLog, middleware.Recoverer)

	s := &Server{r: r, svc: svc, opts: opts}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Route("/api", func(r chi.Router) {
		r.Use(requireOwner)
		r.Post("/posts", s.schedulePost)
		r.Post("/interactions", s.scheduleInteraction)
		r.Get("/posts", s.listPosts)
		r.Get("/posts/{id}", s.getPost)
		r.Get("/posts/{id}/attempts", s.getAttempts)
		r.Put("/posts/{id}", s.updatePost)
		r.Delete("/posts/{id}", s.cancelPost)
	})

	// Debug routes (pprof)
	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

type ownerKey struct{}

func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", OwnerHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	b.WriteString("postflow_up 1\n")
	if s.opts.Counts != nil {
		counts, err := s.opts.Counts.CountByStatus(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("metrics: count deliveries")
		}
		for _, st := range domain.Statuses {
			fmt.Fprintf(&b, "postflow_deliveries{status=%q} %d\n", st, counts[st])
		}
	}
	if s.opts.Queue != nil {
		for _, p := range domain.Platforms {
			fmt.Fprintf(&b, "postflow_queue_depth{platform=%q} %d\n", p, s.opts.Queue.Len(p))
		}
	}
	if s.opts.Dispatch != nil {
		st := s.opts.Dispatch.Stats()
		fmt.Fprintf(&b, "postflow_publish_attempts_total %d\n", st.Attempts)
		fmt.Fprintf(&b, "postflow_publish_posted_total %d\n", st.Posted)
		fmt.Fprintf(&b, "postflow_publish_retried_total %d\n", st.Retried)
		fmt.Fprintf(&b, "postflow_publish_failed_total %d\n", st.Failed)
		fmt.Fprintf(&b, "postflow_work_items_discarded_total %d\n", st.Discarded)
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

type scheduleReq struct {
	Platform      string          `json:"platform"`
	Action        string          `json:"action,omitempty"`
	Content       domain.Content  `json:"content"`
	TargetID      string          `json:"target_id,omitempty"`
	Metadata      domain.Metadata `json:"metadata"`
	ScheduledTime *time.Time      `json:"scheduled_time"`
	MaxRetries    int             `json:"max_retries,omitempty"`
}

func (q scheduleReq) toRequest(owner string) scheduler.ScheduleRequest {
	r := scheduler.ScheduleRequest{
		OwnerID:    owner,
		Platform:   q.Platform,
		Action:     q.Action,
		Content:    q.Content,
		TargetID:   q.TargetID,
		Metadata:   q.Metadata,
		MaxRetries: q.MaxRetries,
	}
	if q.ScheduledTime != nil {
		r.ScheduledAt = *q.ScheduledTime
	}
	return r
}

func (s *Server) schedulePost(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if !decode(w, r, &req) {
		return
	}
	if req.Action != "" && req.Action != string(domain.ActionPost) {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "use /api/interactions for "+req.Action)
		return
	}
	s.schedule(w, r, req)
}

func (s *Server) scheduleInteraction(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if !decode(w, r, &req) {
		return
	}
	if a, _ := domain.ParseAction(req.Action); a == domain.ActionPost {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "action must be like, comment, follow or retweet")
		return
	}
	s.schedule(w, r, req)
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request, req scheduleReq) {
	d, err := s.svc.Schedule(r.Context(), req.toRequest(ownerFrom(r)))
	if err != nil {
		s.fail(w, r, err, domain.Delivery{})
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		f    domain.Filter
		verr domain.ValidationError
	)
	if v := q.Get("platform"); v != "" {
		p, ok := domain.ParsePlatform(v)
		if !ok {
			verr.Add("platform", "unsupported platform")
		}
		f.Platform = p
	}
	if v := q.Get("status"); v != "" {
		st, ok := domain.ParseStatus(v)
		if !ok {
			verr.Add("status", "unknown status")
		}
		f.Status = st
	}
	f.StartDate = parseTime(&verr, "start_date", q.Get("start_date"))
	f.EndDate = parseTime(&verr, "end_date", q.Get("end_date"))
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			verr.Add("limit", fmt.Sprintf("must be between 1 and %d", maxListLimit))
		}
		f.Limit = n
	}
	if err := verr.Err(); err != nil {
		s.fail(w, r, err, domain.Delivery{})
		return
	}

	list, err := s.svc.List(r.Context(), ownerFrom(r), f)
	if err != nil {
		s.fail(w, r, err, domain.Delivery{})
		return
	}
	if list == nil {
		list = []domain.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": list, "count": len(list)})
}

func parseTime(verr *domain.ValidationError, field, v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		verr.Add(field, "must be an RFC 3339 timestamp")
	}
	return t
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Get(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, domain.Delivery{})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) getAttempts(w http.ResponseWriter, r *http.Request) {
	atts, err := s.svc.Attempts(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, domain.Delivery{})
		return
	}
	if atts == nil {
		atts = []domain.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": atts})
}

type updateReq struct {
	Content       *domain.Content  `json:"content"`
	Metadata      *domain.Metadata `json:"metadata"`
	TargetID      *string          `json:"target_id"`
	ScheduledTime *time.Time       `json:"scheduled_time"`
}

func (s *Server) updatePost(w http.ResponseWriter, r *http.Request) {
	var req updateReq
	if !decode(w, r, &req) {
		return
	}
	d, err := s.svc.Update(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), scheduler.UpdateRequest{
		Content:     req.Content,
		Metadata:    req.Metadata,
		TargetID:    req.TargetID,
		ScheduledAt: req.ScheduledTime,
	})
	if err != nil {
		s.fail(w, r, err, d)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) cancelPost(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Cancel(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, d)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type errorResp struct {
	Error    string              `json:"error"`
	Code     string              `json:"code"`
	Fields   []domain.FieldError `json:"fields,omitempty"`
	Delivery *domain.Delivery    `json:"delivery,omitempty"`
}

// fail maps service errors to HTTP responses. cur is the current record
// returned next to ErrNotPending.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, cur domain.Delivery) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "validation failed", Code: "VALIDATION_ERROR", Fields: verr.Fields})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, domain.ErrNotPending):
		resp := errorResp{Error: err.Error(), Code: "NOT_PENDING"}
		if cur.ID != "" {
			resp.Delivery = &cur
		}
		writeJSON(w, http.StatusConflict, resp)
	default:
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, errorResp{Error: msg, Code: errCode})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

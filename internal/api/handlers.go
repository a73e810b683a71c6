package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/botq/internal/domain"
	"github.com/SirClappington/botq/internal/queue"
)

type enqueueRequest struct {
	Type         domain.Type     `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     domain.Priority `json:"priority,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
	DelaySeconds int             `json:"delay_seconds,omitempty"`
}

type queuedResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

type jobView struct {
	ID          string          `json:"id"`
	Type        domain.Type     `json:"type"`
	State       domain.State    `json:"state"`
	Done        bool            `json:"done"`
	Priority    domain.Priority `json:"priority"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	RunAt       time.Time       `json:"run_at"`
	LeasedAt    *time.Time      `json:"leased_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

type jobResponse struct {
	Job    *jobView             `json:"job,omitempty"`
	Status *domain.StatusRecord `json:"status,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.queue.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DelaySeconds < 0 {
		writeError(w, http.StatusBadRequest, "delay_seconds must not be negative")
		return
	}
	s.enqueue(w, r, queue.EnqueueRequest{
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var resp jobResponse

	j, err := s.queue.Get(r.Context(), id)
	switch {
	case err == nil:
		resp.Job = viewOf(j)
	case !errors.Is(err, domain.ErrNotFound):
		s.internal(w, "get job", err)
		return
	}

	rec, err := s.status.Get(r.Context(), id)
	switch {
	case err == nil:
		resp.Status = &rec
	case !errors.Is(err, domain.ErrNotFound):
		s.internal(w, "get status", err)
		return
	}

	if resp.Job == nil && resp.Status == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) generateBot(w http.ResponseWriter, r *http.Request) {
	var cfg domain.BotConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.enqueueFor(w, r, domain.TypeGeneration, domain.GenerationPayload{BotID: chi.URLParam(r, "botID"), Config: cfg})
}

func (s *Server) testBot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Questions []string `json:"questions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.enqueueFor(w, r, domain.TypeTest, domain.TestPayload{BotID: chi.URLParam(r, "botID"), Questions: body.Questions})
}

func (s *Server) reindexBot(w http.ResponseWriter, r *http.Request) {
	s.enqueueFor(w, r, domain.TypeReEmbedBot, domain.ReEmbedPayload{BotID: chi.URLParam(r, "botID")})
}

func (s *Server) deleteBot(w http.ResponseWriter, r *http.Request) {
	s.enqueueFor(w, r, domain.TypeDeleteBot, domain.DeleteBotPayload{BotID: chi.URLParam(r, "botID")})
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ingestDocument stores a multipart upload under the upload directory and
// queues it for ingestion. The worker removes the file once it is indexed.
func (s *Server) ingestDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	docID := r.FormValue("document_id")
	if docID == "" {
		docID = uuid.NewString()
	}

	if err := os.MkdirAll(s.opts.UploadDir, 0o750); err != nil {
		s.internal(w, "create upload dir", err)
		return
	}
	name := uuid.NewString() + "_" + unsafeName.ReplaceAllString(filepath.Base(hdr.Filename), "_")
	path := filepath.Join(s.opts.UploadDir, name)

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		s.internal(w, "create upload", err)
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(path)
		writeError(w, http.StatusBadRequest, "upload failed")
		return
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		s.internal(w, "write upload", err)
		return
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if !s.enqueueFor(w, r, domain.TypeIngest, domain.IngestPayload{
		BotID:      chi.URLParam(r, "botID"),
		FilePath:   abs,
		DocumentID: docID,
	}) {
		os.Remove(path)
	}
}

func (s *Server) enqueueFor(w http.ResponseWriter, r *http.Request, typ domain.Type, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.internal(w, "encode payload", err)
		return false
	}
	return s.enqueue(w, r, queue.EnqueueRequest{Type: typ, Payload: raw})
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, req queue.EnqueueRequest) bool {
	j, err := s.queue.Enqueue(r.Context(), req)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return false
		}
		s.internal(w, "enqueue", err)
		return false
	}

	sub, _ := Subject(r.Context())
	s.log.Info("job enqueued",
		zap.String("job_id", j.ID),
		zap.String("job_type", string(j.Type)),
		zap.String("subject", sub),
	)
	writeJSON(w, http.StatusAccepted, queuedResponse{Status: "queued", JobID: j.ID})
	return true
}

func (s *Server) internal(w http.ResponseWriter, op string, err error) {
	s.log.Error("request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func viewOf(j domain.Job) *jobView {
	return &jobView{
		ID:          j.ID,
		Type:        j.Type,
		State:       j.State,
		Done:        j.State.Terminal(),
		Priority:    j.Priority,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		EnqueuedAt:  j.EnqueuedAt,
		RunAt:       j.RunAt,
		LeasedAt:    j.LeasedAt,
		CompletedAt: j.CompletedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Package api exposes the HTTP surface: health, content creation (sync and
// async), task lookup, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/contentflow/content"
	"github.com/dshills/contentflow/quality"
	"github.com/dshills/contentflow/runner"
	"github.com/dshills/contentflow/scheduler"
	"github.com/dshills/contentflow/store"
)

// Server handles the HTTP API. The sync create path runs the workflow
// inline through the executor; async creates return immediately with the
// task id.
type Server struct {
	router *chi.Mux
	store  store.Store
	sched  *scheduler.Scheduler
	exec   *runner.Executor
	logger *slog.Logger
}

// NewServer wires the routes.
func NewServer(st store.Store, sched *scheduler.Scheduler, exec *runner.Executor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router: chi.NewRouter(),
		store:  st,
		sched:  sched,
		exec:   exec,
		logger: logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/content/create", s.handleCreate)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Post("/tasks/{taskID}/cancel", s.handleCancel)
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type apiError struct {
	Message string `json:"message"`
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, apiResponse{Success: false, Error: &apiError{Message: msg}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}})
}

type createRequest struct {
	Topic           string                 `json:"topic"`
	Requirements    string                 `json:"requirements"`
	TargetAudience  string                 `json:"target_audience,omitempty"`
	Tone            string                 `json:"tone,omitempty"`
	Keywords        []string               `json:"keywords,omitempty"`
	Mode            string                 `json:"mode,omitempty"`
	Priority        string                 `json:"priority,omitempty"`
	ImageSize       string                 `json:"image_size,omitempty"`
	HardConstraints *store.HardConstraints `json:"hard_constraints,omitempty"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`
}

type imagePayload struct {
	URL       string `json:"url"`
	LocalPath string `json:"local_path,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

func imagePayloads(images []content.Image) []imagePayload {
	out := make([]imagePayload, 0, len(images))
	for _, img := range images {
		out = append(out, imagePayload{
			URL:       img.URL,
			LocalPath: img.LocalPath,
			Prompt:    img.Prompt,
			Width:     img.Width,
			Height:    img.Height,
		})
	}
	return out
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Requirements == "" {
		req.Requirements = "Write a well-structured article on the topic."
	}

	schedReq := scheduler.Request{
		Topic:           req.Topic,
		Requirements:    req.Requirements,
		TargetAudience:  req.TargetAudience,
		Tone:            req.Tone,
		Keywords:        req.Keywords,
		Mode:            store.Mode(req.Mode),
		Priority:        store.Priority(req.Priority),
		ImageSize:       req.ImageSize,
		HardConstraints: req.HardConstraints,
		IdempotencyKey:  req.IdempotencyKey,
	}
	if schedReq.Mode == "" {
		schedReq.Mode = store.ModeSync
	}

	task, err := s.sched.ScheduleTask(r.Context(), schedReq)
	if err != nil {
		if scheduler.IsValidation(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("schedule failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if task.Mode == store.ModeAsync {
		s.writeJSON(w, http.StatusAccepted, apiResponse{Success: true, Data: map[string]interface{}{
			"task_id": task.ID,
			"status":  task.Status,
		}})
		return
	}

	res, err := s.exec.Execute(r.Context(), task.ID, nil)
	if err != nil && res == nil {
		s.logger.Error("sync execution failed", "task_id", task.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res.Status != store.StatusCompleted {
		s.writeError(w, http.StatusInternalServerError, res.ErrMessage)
		return
	}

	final := res.FinalState
	article := final.FinalArticleContent
	if article == "" {
		article = final.ArticleContent
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: map[string]interface{}{
		"task_id":      task.ID,
		"content":      article,
		"html_content": content.RenderHTML(article),
		"images":       imagePayloads(final.Images),
		"metadata": map[string]interface{}{
			"topic":           res.Metadata.Topic,
			"word_count":      res.Metadata.WordCount,
			"steps_completed": res.Metadata.StepsCompleted,
			"tokens_used":     res.Metadata.TokensUsed,
			"cost":            res.Metadata.Cost,
			"duration_ms":     res.Metadata.DurationMS,
		},
	}})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.store.FindByID(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	data := map[string]interface{}{
		"task_id":      task.ID,
		"status":       task.Status,
		"topic":        task.Topic,
		"mode":         task.Mode,
		"priority":     task.Priority,
		"current_step": task.CurrentStep,
		"created_at":   task.CreatedAt,
		"updated_at":   task.UpdatedAt,
	}
	if task.CompletedAt != nil {
		data["completed_at"] = task.CompletedAt
	}
	if task.ErrorMessage != "" {
		data["error_message"] = task.ErrorMessage
	}

	if task.Status == store.StatusCompleted {
		if result := s.buildResult(r.Context(), task); result != nil {
			data["result"] = result
		}
	}

	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: data})
}

// buildResult assembles the stored rows into the task result payload.
func (s *Server) buildResult(ctx context.Context, task *store.Task) map[string]interface{} {
	rows, err := s.store.FindResultsByTask(ctx, task.ID)
	if err != nil {
		s.logger.Warn("result lookup failed", "task_id", task.ID, "error", err)
		return nil
	}

	var articleContent string
	images := []map[string]interface{}{}
	var metadata map[string]interface{}
	for _, row := range rows {
		switch row.Type {
		case store.ResultFinalArticle:
			articleContent = row.Content
			metadata = row.Metadata
		case store.ResultArticle:
			if articleContent == "" {
				articleContent = row.Content
			}
		case store.ResultImage:
			img := map[string]interface{}{"url": row.Content}
			if row.FilePath != "" {
				img["local_path"] = row.FilePath
			}
			for k, v := range row.Metadata {
				img[k] = v
			}
			images = append(images, img)
		}
	}
	if articleContent == "" && len(images) == 0 {
		return nil
	}
	if metadata == nil {
		metadata = map[string]interface{}{
			"word_count": quality.CountWords(articleContent),
		}
	}
	return map[string]interface{}{
		"content":  articleContent,
		"images":   images,
		"metadata": metadata,
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.sched.CancelTask(r.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: map[string]interface{}{
		"task_id": taskID,
		"status":  store.StatusCancelled,
	}})
}

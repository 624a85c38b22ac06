package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/harrier-ai/harrier/internal/guard"
	"github.com/harrier-ai/harrier/internal/queue"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{
			"task_store": "ok",
			"cascade":    "ok",
		}
		if s.engine == nil {
			components["policy_engine"] = "disabled"
		} else {
			components["policy_engine"] = "ok"
		}
		if s.loop == nil {
			components["feedback"] = "disabled"
		} else {
			components["feedback"] = "ok"
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

type taskSubmitRequest struct {
	Content  string            `json:"content"`
	Priority string            `json:"priority"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	var req taskSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}
	priority := queue.Priority(req.Priority)
	if req.Priority == "" {
		priority = queue.PriorityNormal
	}
	if !priority.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown priority: "+req.Priority)
		return
	}

	// Admission gets a dry-run classification so handler and tier rules can
	// fire before anything is persisted.
	if s.engine != nil {
		decision := s.casc.Classify(r.Context(), req.Content)
		verdict, err := s.engine.EvaluateAdmission(r.Context(), req.Content, priority, decision)
		if err != nil {
			log.Error().Err(err).Msg("admission_evaluation_error")
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		if !verdict.Allowed {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"error":          "policy_denied",
				"reasons":        verdict.Reasons,
				"policy_version": verdict.PolicyVersion,
			})
			return
		}
	}

	task, err := s.tasks.Submit(r.Context(), req.Content, priority, req.Metadata)
	if err != nil {
		log.Error().Err(err).Msg("task_submit_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no task with id "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.tasks.Cancel(r.Context(), id)
	switch {
	case err == nil:
		task, gErr := s.tasks.Get(r.Context(), id)
		if gErr != nil {
			writeError(w, http.StatusInternalServerError, "internal", gErr.Error())
			return
		}
		writeJSON(w, http.StatusOK, task)
	case errors.Is(err, queue.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no task with id "+id)
	case errors.Is(err, queue.ErrNotCancellable):
		writeError(w, http.StatusConflict, "not_cancellable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type routeRequest struct {
	Content      string `json:"content"`
	ClassifyOnly bool   `json:"classify_only,omitempty"`
}

// handleRoute classifies a request and, unless classify_only is set,
// executes it synchronously through the provider chain under the guard.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}

	decision := s.casc.Classify(r.Context(), req.Content)
	if req.ClassifyOnly {
		writeJSON(w, http.StatusOK, map[string]interface{}{"decision": decision})
		return
	}

	outcome := s.guard.Run(r.Context(), guard.Invocation{
		Handler:   decision.Target,
		EventKind: "route.execute",
		SessionID: middleware.GetReqID(r.Context()),
		Payload:   req.Content,
	}, func(ctx context.Context) (string, error) {
		result, err := s.route.Execute(ctx, decision, req.Content)
		if err != nil {
			return "", err
		}
		encoded, mErr := json.Marshal(result)
		if mErr != nil {
			return "", mErr
		}
		return string(encoded), nil
	})

	if !outcome.OK() {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":          "execution_failed",
			"error_kind":     outcome.ErrorKind,
			"message":        outcome.ErrorMessage,
			"correlation_id": outcome.CorrelationID,
			"decision":       decision,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decision":       decision,
		"result":         json.RawMessage(outcome.Value),
		"correlation_id": outcome.CorrelationID,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}

	counts, err := s.tasks.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	resp["tasks"] = counts

	if s.guard != nil && s.guard.Metrics() != nil {
		resp["handlers"] = s.guard.Metrics().Snapshot()
	}
	if s.store != nil {
		if rollups, err := s.store.QueryRollups(r.Context(), "", 50); err == nil {
			resp["rollups"] = rollups
		}
	}
	if s.cache != nil {
		if entries, hits, err := s.cache.Stats(r.Context()); err == nil {
			resp["cache"] = map[string]int64{"entries": entries, "total_hits": hits}
		}
	}
	if s.loop != nil {
		resp["feedback"] = s.loop.Scores()
	}

	writeJSON(w, http.StatusOK, resp)
}

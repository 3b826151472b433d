package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"taskrelay/internal/middleware"
	"taskrelay/internal/models"
	"taskrelay/internal/page"
	"taskrelay/internal/relay"
)

type Server struct {
	Relay  *relay.Service
	Page   *page.Renderer
	Logger *zap.Logger
}

// Feedback accepts a task-completed event, or answers a status query when op=status.
func (s *Server) Feedback(w http.ResponseWriter, r *http.Request) {
	req := normalizeRequest(r)
	if req.IsStatusQuery() {
		s.writeStatus(w, r, req.SourceID)
		return
	}
	rec, err := s.Relay.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := recordFields(rec)
	body["ok"] = true
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) FeedbackStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, chi.URLParam(r, "sid"))
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, sid string) {
	res, err := s.Relay.Status(r.Context(), sid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]interface{}{"sid": res.SourceID, "done": res.Done}
	if res.Record != nil {
		body = recordFields(res.Record)
	}
	body["ok"] = true
	writeJSON(w, http.StatusOK, body)
}

// Done renders the confirmation page for a finalized sid.
func (s *Server) Done(w http.ResponseWriter, r *http.Request) {
	title := s.Relay.Options.Title
	sid := r.URL.Query().Get("sid")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	res, err := s.Relay.Status(r.Context(), sid)
	if err != nil || !res.Done {
		status := http.StatusNotFound
		msg := "未找到该任务的提交记录"
		var verr *relay.ValidationError
		var serr *relay.StoreError
		switch {
		case errors.As(err, &verr):
			status, msg = http.StatusBadRequest, "missing sid"
		case errors.As(err, &serr):
			status, msg = http.StatusInternalServerError, "暂时无法查询，请稍后重试"
		}
		var buf bytes.Buffer
		_ = s.Page.NotFound(&buf, title, msg)
		w.WriteHeader(status)
		_, _ = w.Write(buf.Bytes())
		return
	}

	rec := res.Record
	req := models.NotificationRequest{SourceID: rec.SourceID, Remark: rec.Remark, Auxiliary: rec.Auxiliary}
	msg := relay.BuildMessage(title, req, rec.CompletedAt)
	var buf bytes.Buffer
	if err := s.Page.Done(&buf, title, msg.Markdown.Text); err != nil {
		s.Logger.Error("render page failed", zap.String("sid", sid), zap.Error(err))
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "GET, POST")
	writeJSON(w, http.StatusMethodNotAllowed, models.ErrorResponse{OK: false, Error: "method_not_allowed", Message: "Method Not Allowed"})
}

// writeError maps relay errors onto the response contract.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *relay.ValidationError
		cerr *relay.ConflictError
		uerr *relay.UpstreamDeliveryError
		serr *relay.StoreError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: verr.Reason, Message: verr.Reason})
	case errors.As(err, &cerr):
		if cerr.InFlight {
			writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: "submission_in_progress", Message: cerr.Error()})
			return
		}
		resp := models.ErrorResponse{Error: "already_submitted", Message: "already submitted"}
		if cerr.Existing != nil {
			resp.Existing = recordFields(cerr.Existing)
		}
		writeJSON(w, http.StatusConflict, resp)
	case errors.As(err, &uerr):
		writeJSON(w, http.StatusBadGateway, models.ErrorResponse{Error: "push_failed", Message: uerr.Error(), Upstream: uerr.Body})
	case errors.As(err, &serr):
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "store_unavailable", Message: "store unavailable"})
	default:
		s.Logger.Error("unhandled error",
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "internal_error", Message: "internal error"})
	}
}

// recordFields flattens a record into the response body shape.
func recordFields(rec *models.SubmissionRecord) map[string]interface{} {
	out := map[string]interface{}{
		"sid":         rec.SourceID,
		"remark":      rec.Remark,
		"completedAt": rec.CompletedAt.Format(time.RFC3339Nano),
		"done":        rec.Done,
	}
	for _, k := range models.AuxiliaryKeys {
		if v, ok := rec.Auxiliary[k]; ok {
			out[k] = v
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

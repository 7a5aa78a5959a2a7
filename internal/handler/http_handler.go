// Package handler exposes the portal REST API.
package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridian-fin/be-approvals/internal/apperr"
	"github.com/meridian-fin/be-approvals/internal/repository"
	"github.com/meridian-fin/be-approvals/internal/service"
)

// maxUploadBytes bounds multipart parsing memory and document size.
const maxUploadBytes = 10 << 20

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	requests      *service.RequestService
	approvals     *service.ApprovalService
	documents     *service.DocumentService
	tasks         service.TaskStore
	notifications service.NotificationStore
	users         service.UserStore
	workflows     service.WorkflowStore
	log           zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	requests *service.RequestService,
	approvals *service.ApprovalService,
	documents *service.DocumentService,
	tasks service.TaskStore,
	notifications service.NotificationStore,
	users service.UserStore,
	workflows service.WorkflowStore,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		requests:      requests,
		approvals:     approvals,
		documents:     documents,
		tasks:         tasks,
		notifications: notifications,
		users:         users,
		workflows:     workflows,
		log:           log,
	}
}

// Register wires all routes onto the mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/investments", h.CreateInvestment)
	mux.HandleFunc("POST /api/cash-requests", h.CreateCash)
	mux.HandleFunc("GET /api/requests", h.ListRequests)
	mux.HandleFunc("GET /api/requests/{type}/{id}", h.GetRequest)
	mux.HandleFunc("POST /api/requests/submit", h.SubmitRequest)
	mux.HandleFunc("POST /api/requests/process", h.ProcessRequest)
	mux.HandleFunc("POST /api/approvals", h.SubmitApproval)
	mux.HandleFunc("GET /api/approvals/{type}/{id}", h.GetApprovals)
	mux.HandleFunc("GET /api/audit/{type}/{id}", h.GetAuditTrail)
	mux.HandleFunc("GET /api/tasks", h.ListTasks)
	mux.HandleFunc("GET /api/notifications", h.ListNotifications)
	mux.HandleFunc("POST /api/notifications/read", h.MarkNotificationRead)
	mux.HandleFunc("GET /api/documents/{type}/{id}", h.ListDocuments)
	mux.HandleFunc("POST /api/documents/upload", h.UploadDocument)
	mux.HandleFunc("GET /api/workflows/{type}", h.ListWorkflowStages)
	mux.HandleFunc("PUT /api/workflows", h.UpsertWorkflowStage)
	mux.HandleFunc("GET /api/users/{id}/capabilities", h.GetCapabilities)
}

// ── requests ─────────────────────────────────────────────────────────────────

// CreateInvestment handles POST /api/investments.
func (h *HTTPHandler) CreateInvestment(w http.ResponseWriter, r *http.Request) {
	var in service.CreateInvestmentInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	req, err := h.requests.CreateInvestment(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	requestsCreated.WithLabelValues(repository.RequestTypeInvestment).Inc()
	writeJSON(w, http.StatusCreated, req)
}

// CreateCash handles POST /api/cash-requests.
func (h *HTTPHandler) CreateCash(w http.ResponseWriter, r *http.Request) {
	var in service.CreateCashInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	req, err := h.requests.CreateCash(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	requestsCreated.WithLabelValues(repository.RequestTypeCash).Inc()
	writeJSON(w, http.StatusCreated, req)
}

// GetRequest handles GET /api/requests/{type}/{id}.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	requestType, id, err := pathRequestRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	req, err := h.requests.Get(r.Context(), requestType, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ListRequests handles GET /api/requests.
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repository.RequestFilter{
		RequestType: optional(q.Get("type")),
		Status:      optional(q.Get("status")),
		RequesterID: optional(q.Get("requester_id")),
		Page:        atoiOr(q.Get("page"), 1),
		PageSize:    atoiOr(q.Get("page_size"), 50),
	}

	reqs, total, err := h.requests.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests":  reqs,
		"total":     total,
		"page":      f.Page,
		"page_size": f.PageSize,
	})
}

// SubmitRequest handles POST /api/requests/submit.
func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RequestType string `json:"request_type"`
		RequestID   string `json:"request_id"`
		SubmittedBy string `json:"submitted_by"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := checkRequestType(in.RequestType); err != nil {
		writeError(w, err)
		return
	}

	req, err := h.requests.Submit(r.Context(), in.RequestType, in.RequestID, in.SubmittedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ProcessRequest handles POST /api/requests/process.
func (h *HTTPHandler) ProcessRequest(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RequestType string `json:"request_type"`
		RequestID   string `json:"request_id"`
		ProcessedBy string `json:"processed_by"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := checkRequestType(in.RequestType); err != nil {
		writeError(w, err)
		return
	}

	req, err := h.requests.MarkProcessed(r.Context(), in.RequestType, in.RequestID, in.ProcessedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ── approvals ────────────────────────────────────────────────────────────────

// SubmitApproval handles POST /api/approvals.
func (h *HTTPHandler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	var in service.SubmitApprovalInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	req, err := h.approvals.SubmitApproval(r.Context(), in)
	if err != nil {
		approvalDecisions.WithLabelValues(in.Action, string(apperr.CodeOf(err))).Inc()
		writeError(w, err)
		return
	}
	approvalDecisions.WithLabelValues(in.Action, "ok").Inc()
	writeJSON(w, http.StatusOK, req)
}

// GetApprovals handles GET /api/approvals/{type}/{id}.
func (h *HTTPHandler) GetApprovals(w http.ResponseWriter, r *http.Request) {
	requestType, id, err := pathRequestRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	approvals, err := h.approvals.GetApprovals(r.Context(), requestType, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

// GetAuditTrail handles GET /api/audit/{type}/{id}.
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	requestType, id, err := pathRequestRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := h.approvals.GetAuditTrail(r.Context(), requestType, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ── tasks & notifications ────────────────────────────────────────────────────

// ListTasks handles GET /api/tasks.
func (h *HTTPHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	assigneeID := r.URL.Query().Get("assignee_id")
	if assigneeID == "" {
		writeError(w, apperr.InvalidInput("assignee_id", "is required"))
		return
	}

	tasks, err := h.tasks.ListForUser(r.Context(), assigneeID, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// ListNotifications handles GET /api/notifications.
func (h *HTTPHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, apperr.InvalidInput("user_id", "is required"))
		return
	}

	notifications, err := h.notifications.ListForUser(r.Context(), userID, r.URL.Query().Get("unread") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

// MarkNotificationRead handles POST /api/notifications/read.
func (h *HTTPHandler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID     string `json:"id"`
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	if err := h.notifications.MarkRead(r.Context(), in.ID, in.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// ── documents ────────────────────────────────────────────────────────────────

// ListDocuments handles GET /api/documents/{type}/{id}.
func (h *HTTPHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	requestType, id, err := pathRequestRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	docs, err := h.documents.ListForRequest(r.Context(), requestType, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

// UploadDocument handles POST /api/documents/upload (multipart).
func (h *HTTPHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, apperr.InvalidInput("body", "malformed multipart form"))
		return
	}

	requestType := r.FormValue("request_type")
	if err := checkRequestType(requestType); err != nil {
		writeError(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.InvalidInput("file", "file part is required"))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, apperr.Wrap(err, apperr.CodeValidation, "failed to read uploaded file"))
		return
	}

	doc, err := h.documents.Upload(r.Context(), service.UploadInput{
		RequestType: requestType,
		RequestID:   r.FormValue("request_id"),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		SizeBytes:   header.Size,
		StoragePath: path.Join("uploads", uuid.NewString()+"-"+header.Filename),
		UploadedBy:  r.FormValue("uploaded_by"),
		Content:     string(content),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	documentUploads.WithLabelValues(doc.AnalysisStatus).Inc()
	writeJSON(w, http.StatusCreated, doc)
}

// ── workflow config & capabilities ───────────────────────────────────────────

// ListWorkflowStages handles GET /api/workflows/{type}.
func (h *HTTPHandler) ListWorkflowStages(w http.ResponseWriter, r *http.Request) {
	workflowType := r.PathValue("type")
	if err := checkRequestType(workflowType); err != nil {
		writeError(w, err)
		return
	}

	stages, err := h.workflows.ListStages(r.Context(), workflowType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stages)
}

// UpsertWorkflowStage handles PUT /api/workflows.
func (h *HTTPHandler) UpsertWorkflowStage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ActorID      string `json:"actor_id"`
		WorkflowType string `json:"workflow_type"`
		Stage        int    `json:"stage"`
		ApproverRole string `json:"approver_role"`
		SLAHours     int    `json:"sla_hours"`
		IsActive     bool   `json:"is_active"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := checkRequestType(in.WorkflowType); err != nil {
		writeError(w, err)
		return
	}
	if in.Stage < 1 {
		writeError(w, apperr.InvalidInput("stage", "must be >= 1"))
		return
	}
	if in.SLAHours < 1 {
		writeError(w, apperr.InvalidInput("sla_hours", "must be >= 1"))
		return
	}

	actor, err := h.users.GetByID(r.Context(), in.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	if actor.Role != repository.RoleAdmin {
		writeError(w, apperr.Forbidden("workflow configuration requires the admin role"))
		return
	}

	ws := &repository.WorkflowStage{
		WorkflowType: in.WorkflowType,
		Stage:        in.Stage,
		ApproverRole: in.ApproverRole,
		SLAHours:     in.SLAHours,
		IsActive:     in.IsActive,
	}
	if err := h.workflows.Upsert(r.Context(), ws); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// GetCapabilities handles GET /api/users/{id}/capabilities.
func (h *HTTPHandler) GetCapabilities(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	caps, err := h.users.Capabilities(r.Context(), user.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":         user.Role,
		"capabilities": caps,
	})
}

// ── helpers ──────────────────────────────────────────────────────────────────

func pathRequestRef(r *http.Request) (requestType, id string, err error) {
	requestType = r.PathValue("type")
	if err := checkRequestType(requestType); err != nil {
		return "", "", err
	}
	return requestType, r.PathValue("id"), nil
}

func checkRequestType(t string) error {
	if t != repository.RequestTypeInvestment && t != repository.RequestTypeCash {
		return apperr.InvalidInput("request_type", "must be investment or cash_request")
	}
	return nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func atoiOr(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Wrap(err, apperr.CodeValidation, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    data,
	})
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   string(apperr.CodeOf(err)),
		"message": apperr.MessageOf(err),
	})
}

package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridian-fin/be-approvals/internal/apperr"
	"github.com/meridian-fin/be-approvals/internal/client"
	"github.com/meridian-fin/be-approvals/internal/repository"
	"github.com/meridian-fin/be-approvals/internal/service"
)

// apiState is the in-memory backend the endpoint tests run against. Thin
// per-interface wrappers below satisfy the service store interfaces.
type apiState struct {
	mu            sync.Mutex
	requests      map[string]*repository.Request
	stages        map[string]*repository.WorkflowStage
	approvals     map[string]*repository.Approval
	tasks         []*repository.Task
	notifications []*repository.Notification
	users         map[string]*repository.User
	capabilities  map[string][]string
	documents     map[string]*repository.Document
	audits        []*repository.AuditEntry
	seq           int
}

func newAPIState() *apiState {
	return &apiState{
		requests:     make(map[string]*repository.Request),
		stages:       make(map[string]*repository.WorkflowStage),
		approvals:    make(map[string]*repository.Approval),
		users:        make(map[string]*repository.User),
		capabilities: make(map[string][]string),
		documents:    make(map[string]*repository.Document),
	}
}

func (s *apiState) addUser(role string) *repository.User {
	u := &repository.User{
		ID: uuid.NewString(), Email: role + "@bank.test", FullName: role,
		Role: role, IsActive: true, CreatedAt: time.Now(),
	}
	s.users[u.ID] = u
	return u
}

func (s *apiState) addStage(workflowType string, stage int, role string, slaHours int) {
	s.stages[fmt.Sprintf("%s/%d", workflowType, stage)] = &repository.WorkflowStage{
		ID: uuid.NewString(), WorkflowType: workflowType, Stage: stage,
		ApproverRole: role, SLAHours: slaHours, IsActive: true,
	}
}

type stubRequests struct{ s *apiState }

func (f *stubRequests) Create(ctx context.Context, req *repository.Request) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.seq++
	req.ID = uuid.NewString()
	prefix := "CASH"
	if req.RequestType == repository.RequestTypeInvestment {
		prefix = "INV"
	}
	req.Code = fmt.Sprintf("%s-%d-%03d", prefix, time.Now().Year(), f.s.seq)
	req.Status = repository.StatusDraft
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	cp := *req
	f.s.requests[req.RequestType+"/"+req.ID] = &cp
	return nil
}

func (f *stubRequests) GetByID(ctx context.Context, requestType, id string) (*repository.Request, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	req, ok := f.s.requests[requestType+"/"+id]
	if !ok {
		return nil, apperr.NotFound("request", id)
	}
	cp := *req
	return &cp, nil
}

func (f *stubRequests) List(ctx context.Context, fl repository.RequestFilter) ([]*repository.Request, int, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*repository.Request
	for _, req := range f.s.requests {
		if fl.RequestType != nil && req.RequestType != *fl.RequestType {
			continue
		}
		if fl.Status != nil && req.Status != *fl.Status {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (f *stubRequests) Submit(ctx context.Context, requestType, id string, slaDeadline time.Time) (*repository.Request, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	req, ok := f.s.requests[requestType+"/"+id]
	if !ok || req.Status != repository.StatusDraft {
		return nil, apperr.Conflict("request is not in draft status")
	}
	req.Status = repository.StatusPending
	req.CurrentApprovalStage = 1
	req.SLADeadline = &slaDeadline
	cp := *req
	return &cp, nil
}

func (f *stubRequests) UpdateStatus(ctx context.Context, requestType, id, from, to string) (*repository.Request, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	req, ok := f.s.requests[requestType+"/"+id]
	if !ok || req.Status != from {
		return nil, apperr.Newf(apperr.CodeConflict, "request is not in %s status", from)
	}
	req.Status = to
	cp := *req
	return &cp, nil
}

type stubWorkflows struct{ s *apiState }

func (f *stubWorkflows) GetStage(ctx context.Context, workflowType string, stage int) (*repository.WorkflowStage, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	ws, ok := f.s.stages[fmt.Sprintf("%s/%d", workflowType, stage)]
	if !ok || !ws.IsActive {
		return nil, apperr.Newf(apperr.CodeConfiguration,
			"no active workflow stage configured for %s stage %d", workflowType, stage)
	}
	cp := *ws
	return &cp, nil
}

func (f *stubWorkflows) MaxActiveStage(ctx context.Context, workflowType string) (int, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	max := 0
	for _, ws := range f.s.stages {
		if ws.WorkflowType == workflowType && ws.IsActive && ws.Stage > max {
			max = ws.Stage
		}
	}
	return max, nil
}

func (f *stubWorkflows) ListStages(ctx context.Context, workflowType string) ([]*repository.WorkflowStage, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*repository.WorkflowStage
	for _, ws := range f.s.stages {
		if ws.WorkflowType == workflowType {
			cp := *ws
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *stubWorkflows) Upsert(ctx context.Context, ws *repository.WorkflowStage) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	cp := *ws
	f.s.stages[fmt.Sprintf("%s/%d", ws.WorkflowType, ws.Stage)] = &cp
	return nil
}

type stubApprovals struct{ s *apiState }

func (f *stubApprovals) RecordDecision(ctx context.Context, a *repository.Approval, final bool, nextDeadline *time.Time) (*repository.Request, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	key := fmt.Sprintf("%s/%s/%d", a.RequestType, a.RequestID, a.Stage)
	if existing, ok := f.s.approvals[key]; ok && existing.Status != repository.DecisionChangesRequested {
		return nil, apperr.Newf(apperr.CodeConflict, "stage %d already has a decision", a.Stage)
	}
	req, ok := f.s.requests[a.RequestType+"/"+a.RequestID]
	if !ok || req.CurrentApprovalStage != a.Stage || req.Status != repository.StatusPending {
		return nil, apperr.Conflict("request stage advanced concurrently")
	}
	a.ID = uuid.NewString()
	a.CreatedAt = time.Now()
	cp := *a
	f.s.approvals[key] = &cp
	switch {
	case a.Status == repository.DecisionApproved && final:
		req.Status = repository.StatusApproved
	case a.Status == repository.DecisionApproved:
		req.CurrentApprovalStage++
		req.SLADeadline = nextDeadline
	case a.Status == repository.DecisionRejected:
		req.Status = repository.StatusRejected
	}
	out := *req
	return &out, nil
}

func (f *stubApprovals) ListForRequest(ctx context.Context, requestType, requestID string) ([]*repository.Approval, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*repository.Approval
	for _, a := range f.s.approvals {
		if a.RequestType == requestType && a.RequestID == requestID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

type stubTasks struct{ s *apiState }

func (f *stubTasks) Create(ctx context.Context, t *repository.Task) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	t.ID = uuid.NewString()
	t.Status = repository.TaskPending
	t.CreatedAt = time.Now()
	cp := *t
	f.s.tasks = append(f.s.tasks, &cp)
	return nil
}

func (f *stubTasks) ListForUser(ctx context.Context, assigneeID string, now time.Time) ([]*repository.Task, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*repository.Task
	for _, t := range f.s.tasks {
		if t.AssigneeID == assigneeID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *stubTasks) CompleteForStage(ctx context.Context, requestType, requestID string, stage int) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, t := range f.s.tasks {
		if t.RequestType == requestType && t.RequestID == requestID && t.Stage == stage {
			t.Status = repository.TaskCompleted
		}
	}
	return nil
}

func (f *stubTasks) CompleteForRequest(ctx context.Context, requestType, requestID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, t := range f.s.tasks {
		if t.RequestType == requestType && t.RequestID == requestID {
			t.Status = repository.TaskCompleted
		}
	}
	return nil
}

func (f *stubTasks) MarkOverdue(ctx context.Context, now time.Time) error { return nil }

type stubNotifications struct{ s *apiState }

func (f *stubNotifications) Create(ctx context.Context, n *repository.Notification) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	n.ID = uuid.NewString()
	n.CreatedAt = time.Now()
	cp := *n
	f.s.notifications = append(f.s.notifications, &cp)
	return nil
}

func (f *stubNotifications) ListForUser(ctx context.Context, userID string, unreadOnly bool) ([]*repository.Notification, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*repository.Notification
	for _, n := range f.s.notifications {
		if n.UserID != userID || (unreadOnly && n.IsRead) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (f *stubNotifications) MarkRead(ctx context.Context, id, userID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, n := range f.s.notifications {
		if n.ID == id && n.UserID == userID {
			n.IsRead = true
			return nil
		}
	}
	return apperr.NotFound("notification", id)
}

type stubUsers struct{ s *apiState }

func (f *stubUsers) GetByID(ctx context.Context, id string) (*repository.User, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	u, ok := f.s.users[id]
	if !ok {
		return nil, apperr.NotFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (f *stubUsers) FirstActiveWithRole(ctx context.Context, role string) (*repository.User, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, u := range f.s.users {
		if u.Role == role && u.IsActive {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperr.Newf(apperr.CodeConfiguration, "no active user holds role %q", role)
}

func (f *stubUsers) Capabilities(ctx context.Context, role string) ([]string, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.capabilities[role], nil
}

type stubDocuments struct{ s *apiState }

func (f *stubDocuments) Create(ctx context.Context, d *repository.Document) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	d.ID = uuid.NewString()
	d.AnalysisStatus = repository.AnalysisPending
	d.CreatedAt = time.Now()
	cp := *d
	f.s.documents[d.ID] = &cp
	return nil
}

func (f *stubDocuments) GetByID(ctx context.Context, id string) (*repository.Document, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	d, ok := f.s.documents[id]
	if !ok {
		return nil, apperr.NotFound("document", id)
	}
	cp := *d
	return &cp, nil
}

func (f *stubDocuments) ListForRequest(ctx context.Context, requestType, requestID string) ([]*repository.Document, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*repository.Document
	for _, d := range f.s.documents {
		if d.RequestType == requestType && d.RequestID == requestID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *stubDocuments) UpdateAnalysis(ctx context.Context, id, status string, classification, extractedText, summary *string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	d, ok := f.s.documents[id]
	if !ok {
		return apperr.NotFound("document", id)
	}
	d.AnalysisStatus = status
	d.Classification = classification
	d.ExtractedText = extractedText
	d.Summary = summary
	return nil
}

type stubAudit struct{ s *apiState }

func (f *stubAudit) Append(ctx context.Context, entry *repository.AuditEntry) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	entry.ID = uuid.NewString()
	entry.PerformedAt = time.Now()
	cp := *entry
	f.s.audits = append(f.s.audits, &cp)
	return nil
}

func (f *stubAudit) ListForRequest(ctx context.Context, requestType, requestID string) ([]*repository.AuditEntry, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range f.s.audits {
		if e.RequestType == requestType && e.RequestID == requestID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

type noopPublisher struct{}

func (noopPublisher) PublishRequestEvent(ctx context.Context, eventType, requestType, requestID, actorID string, recipients []string, payload map[string]any) {
}

type okAnalyzer struct{}

func (okAnalyzer) AnalyzeDocument(ctx context.Context, in client.AnalyzeDocumentRequest) (*client.AnalyzeDocumentResponse, error) {
	return &client.AnalyzeDocumentResponse{
		Classification: "report",
		ExtractedText:  in.Content,
		Summary:        "summary of " + in.FileName,
	}, nil
}

// newTestServer wires the full service stack over the in-memory stores and
// returns an httptest server running the API.
func newTestServer(t *testing.T) (*apiState, string, *http.Client) {
	t.Helper()
	s := newAPIState()
	log := zerolog.New(io.Discard)

	requests := &stubRequests{s: s}
	workflows := &stubWorkflows{s: s}
	approvals := &stubApprovals{s: s}
	tasks := &stubTasks{s: s}
	notifications := &stubNotifications{s: s}
	users := &stubUsers{s: s}
	documents := &stubDocuments{s: s}
	audit := &stubAudit{s: s}

	dispatcher := service.NewDispatcher(tasks, notifications, noopPublisher{}, log)
	requestSvc := service.NewRequestService(requests, workflows, users, audit, dispatcher, log)
	approvalSvc := service.NewApprovalService(requests, workflows, approvals, tasks, users, audit, dispatcher, log)
	documentSvc := service.NewDocumentService(documents, requests, okAnalyzer{}, log)

	h := NewHTTPHandler(requestSvc, approvalSvc, documentSvc, tasks, notifications, users, workflows, log)
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv.URL, srv.Client()
}

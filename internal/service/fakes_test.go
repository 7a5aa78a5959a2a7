package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridian-fin/be-approvals/internal/apperr"
	"github.com/meridian-fin/be-approvals/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// memState backs the per-interface fakes below. The fakes keep the same guard
// semantics as the SQL repositories so engine tests exercise real transition
// rules, including the single-winner stage advance.
type memState struct {
	mu            sync.Mutex
	requests      map[string]*repository.Request       // requestType/id
	stages        map[string]*repository.WorkflowStage // workflowType/stage
	approvals     map[string]*repository.Approval      // requestType/id/stage
	tasks         []*repository.Task
	notifications []*repository.Notification
	users         map[string]*repository.User
	capabilities  map[string][]string
	documents     map[string]*repository.Document
	audits        []*repository.AuditEntry
	events        []publishedEvent
	nextID        int
}

type publishedEvent struct {
	EventType  string
	RequestID  string
	Recipients []string
}

func newMemState() *memState {
	return &memState{
		requests:     make(map[string]*repository.Request),
		stages:       make(map[string]*repository.WorkflowStage),
		approvals:    make(map[string]*repository.Approval),
		users:        make(map[string]*repository.User),
		capabilities: make(map[string][]string),
		documents:    make(map[string]*repository.Document),
	}
}

func (m *memState) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%04d", prefix, m.nextID)
}

func (m *memState) addUser(id, role string) *repository.User {
	u := &repository.User{
		ID: id, Email: id + "@bank.test", FullName: id,
		Role: role, IsActive: true, CreatedAt: time.Now(),
	}
	m.users[id] = u
	return u
}

func (m *memState) addStage(workflowType string, stage int, role string, slaHours int) {
	m.stages[stageKey(workflowType, stage)] = &repository.WorkflowStage{
		ID: fmt.Sprintf("wf-%s-%d", workflowType, stage), WorkflowType: workflowType,
		Stage: stage, ApproverRole: role, SLAHours: slaHours, IsActive: true,
	}
}

func reqKey(requestType, id string) string { return requestType + "/" + id }

func stageKey(workflowType string, n int) string {
	return fmt.Sprintf("%s/%d", workflowType, n)
}

func approvalKey(requestType, id string, stage int) string {
	return fmt.Sprintf("%s/%s/%d", requestType, id, stage)
}

// ── RequestStore ─────────────────────────────────────────────────────────────

type fakeRequests struct{ s *memState }

func (f *fakeRequests) Create(ctx context.Context, req *repository.Request) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.nextID++
	req.ID = uuid.NewString()
	prefix := "CASH"
	if req.RequestType == repository.RequestTypeInvestment {
		prefix = "INV"
	}
	req.Code = fmt.Sprintf("%s-%d-%03d", prefix, time.Now().Year(), f.s.nextID)
	req.Status = repository.StatusDraft
	req.CurrentApprovalStage = 0
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	cp := *req
	f.s.requests[reqKey(req.RequestType, req.ID)] = &cp
	return nil
}

func (f *fakeRequests) GetByID(ctx context.Context, requestType, id string) (*repository.Request, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	req, ok := f.s.requests[reqKey(requestType, id)]
	if !ok {
		return nil, apperr.NotFound("request", id)
	}
	cp := *req
	return &cp, nil
}

func (f *fakeRequests) List(ctx context.Context, fl repository.RequestFilter) ([]*repository.Request, int, error) {
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
		if fl.RequesterID != nil && req.RequesterID != *fl.RequesterID {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (f *fakeRequests) Submit(ctx context.Context, requestType, id string, slaDeadline time.Time) (*repository.Request, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	req, ok := f.s.requests[reqKey(requestType, id)]
	if !ok || req.Status != repository.StatusDraft {
		return nil, apperr.Conflict("request is not in draft status")
	}
	req.Status = repository.StatusPending
	req.CurrentApprovalStage = 1
	req.SLADeadline = &slaDeadline
	cp := *req
	return &cp, nil
}

func (f *fakeRequests) UpdateStatus(ctx context.Context, requestType, id, from, to string) (*repository.Request, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	req, ok := f.s.requests[reqKey(requestType, id)]
	if !ok || req.Status != from {
		return nil, apperr.Newf(apperr.CodeConflict, "request is not in %s status", from)
	}
	req.Status = to
	cp := *req
	return &cp, nil
}

// ── WorkflowStore ────────────────────────────────────────────────────────────

type fakeWorkflows struct{ s *memState }

func (f *fakeWorkflows) GetStage(ctx context.Context, workflowType string, stage int) (*repository.WorkflowStage, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	ws, ok := f.s.stages[stageKey(workflowType, stage)]
	if !ok || !ws.IsActive {
		return nil, apperr.Newf(apperr.CodeConfiguration,
			"no active workflow stage configured for %s stage %d", workflowType, stage)
	}
	cp := *ws
	return &cp, nil
}

func (f *fakeWorkflows) MaxActiveStage(ctx context.Context, workflowType string) (int, error) {
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

func (f *fakeWorkflows) ListStages(ctx context.Context, workflowType string) ([]*repository.WorkflowStage, error) {
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

func (f *fakeWorkflows) Upsert(ctx context.Context, ws *repository.WorkflowStage) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if ws.ID == "" {
		ws.ID = f.s.id("wf")
	}
	cp := *ws
	f.s.stages[stageKey(ws.WorkflowType, ws.Stage)] = &cp
	return nil
}

// ── ApprovalStore ────────────────────────────────────────────────────────────

type fakeApprovals struct{ s *memState }

func (f *fakeApprovals) RecordDecision(ctx context.Context, a *repository.Approval, final bool, nextDeadline *time.Time) (*repository.Request, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	key := approvalKey(a.RequestType, a.RequestID, a.Stage)
	if existing, ok := f.s.approvals[key]; ok && existing.Status != repository.DecisionChangesRequested {
		return nil, apperr.Newf(apperr.CodeConflict, "stage %d already has a decision", a.Stage)
	}

	req, ok := f.s.requests[reqKey(a.RequestType, a.RequestID)]
	if !ok || req.CurrentApprovalStage != a.Stage || req.Status != repository.StatusPending {
		return nil, apperr.Conflict("request stage advanced concurrently")
	}

	a.ID = f.s.id("apr")
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

func (f *fakeApprovals) ListForRequest(ctx context.Context, requestType, requestID string) ([]*repository.Approval, error) {
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

// ── TaskStore ────────────────────────────────────────────────────────────────

type fakeTasks struct{ s *memState }

func (f *fakeTasks) Create(ctx context.Context, t *repository.Task) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	t.ID = f.s.id("task")
	t.Status = repository.TaskPending
	t.CreatedAt = time.Now()
	cp := *t
	f.s.tasks = append(f.s.tasks, &cp)
	return nil
}

func (f *fakeTasks) ListForUser(ctx context.Context, assigneeID string, now time.Time) ([]*repository.Task, error) {
	if err := f.MarkOverdue(ctx, now); err != nil {
		return nil, err
	}
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

func (f *fakeTasks) CompleteForStage(ctx context.Context, requestType, requestID string, stage int) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	now := time.Now()
	for _, t := range f.s.tasks {
		if t.RequestType == requestType && t.RequestID == requestID && t.Stage == stage && t.Status != repository.TaskCompleted {
			t.Status = repository.TaskCompleted
			t.CompletedAt = &now
		}
	}
	return nil
}

func (f *fakeTasks) CompleteForRequest(ctx context.Context, requestType, requestID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	now := time.Now()
	for _, t := range f.s.tasks {
		if t.RequestType == requestType && t.RequestID == requestID && t.Status != repository.TaskCompleted {
			t.Status = repository.TaskCompleted
			t.CompletedAt = &now
		}
	}
	return nil
}

func (f *fakeTasks) MarkOverdue(ctx context.Context, now time.Time) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, t := range f.s.tasks {
		if t.Status == repository.TaskPending && t.DueAt != nil && t.DueAt.Before(now) {
			t.Status = repository.TaskOverdue
		}
	}
	return nil
}

// ── NotificationStore ────────────────────────────────────────────────────────

type fakeNotifications struct{ s *memState }

func (f *fakeNotifications) Create(ctx context.Context, n *repository.Notification) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	n.ID = f.s.id("ntf")
	n.CreatedAt = time.Now()
	cp := *n
	f.s.notifications = append(f.s.notifications, &cp)
	return nil
}

func (f *fakeNotifications) ListForUser(ctx context.Context, userID string, unreadOnly bool) ([]*repository.Notification, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*repository.Notification
	for _, n := range f.s.notifications {
		if n.UserID != userID {
			continue
		}
		if unreadOnly && n.IsRead {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeNotifications) MarkRead(ctx context.Context, id, userID string) error {
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

// ── UserStore ────────────────────────────────────────────────────────────────

type fakeUsers struct{ s *memState }

func (f *fakeUsers) GetByID(ctx context.Context, id string) (*repository.User, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	u, ok := f.s.users[id]
	if !ok {
		return nil, apperr.NotFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) FirstActiveWithRole(ctx context.Context, role string) (*repository.User, error) {
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

func (f *fakeUsers) Capabilities(ctx context.Context, role string) ([]string, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.capabilities[role], nil
}

// ── DocumentStore ────────────────────────────────────────────────────────────

type fakeDocuments struct{ s *memState }

func (f *fakeDocuments) Create(ctx context.Context, d *repository.Document) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	d.ID = f.s.id("doc")
	d.AnalysisStatus = repository.AnalysisPending
	d.CreatedAt = time.Now()
	cp := *d
	f.s.documents[d.ID] = &cp
	return nil
}

func (f *fakeDocuments) GetByID(ctx context.Context, id string) (*repository.Document, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	d, ok := f.s.documents[id]
	if !ok {
		return nil, apperr.NotFound("document", id)
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDocuments) ListForRequest(ctx context.Context, requestType, requestID string) ([]*repository.Document, error) {
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

func (f *fakeDocuments) UpdateAnalysis(ctx context.Context, id, status string, classification, extractedText, summary *string) error {
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

// ── AuditStore ───────────────────────────────────────────────────────────────

type fakeAudit struct{ s *memState }

func (f *fakeAudit) Append(ctx context.Context, entry *repository.AuditEntry) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	entry.ID = f.s.id("aud")
	entry.PerformedAt = time.Now()
	cp := *entry
	f.s.audits = append(f.s.audits, &cp)
	return nil
}

func (f *fakeAudit) ListForRequest(ctx context.Context, requestType, requestID string) ([]*repository.AuditEntry, error) {
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

// ── EventPublisher ───────────────────────────────────────────────────────────

type fakeEvents struct{ s *memState }

func (f *fakeEvents) PublishRequestEvent(ctx context.Context, eventType, requestType, requestID, actorID string, recipients []string, payload map[string]any) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.events = append(f.s.events, publishedEvent{
		EventType: eventType, RequestID: requestID, Recipients: recipients,
	})
}

// ── wiring helper ────────────────────────────────────────────────────────────

type fixture struct {
	state     *memState
	requests  *RequestService
	approvals *ApprovalService
}

func newFixture() *fixture {
	s := newMemState()
	requests := &fakeRequests{s: s}
	workflows := &fakeWorkflows{s: s}
	approvals := &fakeApprovals{s: s}
	tasks := &fakeTasks{s: s}
	notifications := &fakeNotifications{s: s}
	users := &fakeUsers{s: s}
	audit := &fakeAudit{s: s}
	events := &fakeEvents{s: s}

	log := testLogger()
	dispatcher := NewDispatcher(tasks, notifications, events, log)

	return &fixture{
		state:     s,
		requests:  NewRequestService(requests, workflows, users, audit, dispatcher, log),
		approvals: NewApprovalService(requests, workflows, approvals, tasks, users, audit, dispatcher, log),
	}
}

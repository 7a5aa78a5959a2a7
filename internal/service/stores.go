package service

import (
	"context"
	"time"

	"github.com/meridian-fin/be-approvals/internal/repository"
)

// The stores the services depend on, satisfied by internal/repository. Tests
// substitute in-memory implementations.

// RequestStore persists requests.
type RequestStore interface {
	Create(ctx context.Context, req *repository.Request) error
	GetByID(ctx context.Context, requestType, id string) (*repository.Request, error)
	List(ctx context.Context, f repository.RequestFilter) ([]*repository.Request, int, error)
	Submit(ctx context.Context, requestType, id string, slaDeadline time.Time) (*repository.Request, error)
	UpdateStatus(ctx context.Context, requestType, id, from, to string) (*repository.Request, error)
}

// WorkflowStore reads stage configuration.
type WorkflowStore interface {
	GetStage(ctx context.Context, workflowType string, stage int) (*repository.WorkflowStage, error)
	MaxActiveStage(ctx context.Context, workflowType string) (int, error)
	ListStages(ctx context.Context, workflowType string) ([]*repository.WorkflowStage, error)
	Upsert(ctx context.Context, ws *repository.WorkflowStage) error
}

// ApprovalStore records decisions atomically with the request transition.
type ApprovalStore interface {
	RecordDecision(ctx context.Context, a *repository.Approval, final bool, nextDeadline *time.Time) (*repository.Request, error)
	ListForRequest(ctx context.Context, requestType, requestID string) ([]*repository.Approval, error)
}

// TaskStore persists approver work items.
type TaskStore interface {
	Create(ctx context.Context, t *repository.Task) error
	ListForUser(ctx context.Context, assigneeID string, now time.Time) ([]*repository.Task, error)
	CompleteForStage(ctx context.Context, requestType, requestID string, stage int) error
	CompleteForRequest(ctx context.Context, requestType, requestID string) error
	MarkOverdue(ctx context.Context, now time.Time) error
}

// NotificationStore persists notifications.
type NotificationStore interface {
	Create(ctx context.Context, n *repository.Notification) error
	ListForUser(ctx context.Context, userID string, unreadOnly bool) ([]*repository.Notification, error)
	MarkRead(ctx context.Context, id, userID string) error
}

// UserStore reads users and role capabilities.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*repository.User, error)
	FirstActiveWithRole(ctx context.Context, role string) (*repository.User, error)
	Capabilities(ctx context.Context, role string) ([]string, error)
}

// DocumentStore persists document metadata and analysis results.
type DocumentStore interface {
	Create(ctx context.Context, d *repository.Document) error
	GetByID(ctx context.Context, id string) (*repository.Document, error)
	ListForRequest(ctx context.Context, requestType, requestID string) ([]*repository.Document, error)
	UpdateAnalysis(ctx context.Context, id, status string, classification, extractedText, summary *string) error
}

// AuditStore appends audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	ListForRequest(ctx context.Context, requestType, requestID string) ([]*repository.AuditEntry, error)
}

// EventPublisher pushes workflow events to the notification bus. Publishing is
// fire-and-forget; implementations never return errors to callers.
type EventPublisher interface {
	PublishRequestEvent(ctx context.Context, eventType, requestType, requestID, actorID string, recipients []string, payload map[string]any)
}

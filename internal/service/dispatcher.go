package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-fin/be-approvals/internal/repository"
)

// Event types published on stage transitions.
const (
	EventRequestSubmitted = "request_submitted"
	EventApprovalRequired = "approval_required"
	EventRequestApproved  = "request_approved"
	EventRequestRejected  = "request_rejected"
	EventChangesRequested = "changes_requested"
	EventRequestProcessed = "request_processed"
)

// Dispatcher creates the task and notification for a stage hand-off and
// publishes the matching bus event. All of its work is best-effort side
// effects of an already-committed decision; failures are logged, never
// propagated, except for task creation, without which the workflow cannot
// progress.
type Dispatcher struct {
	tasks         TaskStore
	notifications NotificationStore
	events        EventPublisher
	log           zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(tasks TaskStore, notifications NotificationStore, events EventPublisher, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		tasks:         tasks,
		notifications: notifications,
		events:        events,
		log:           log,
	}
}

// AssignStage creates the work item for the stage's assignee and notifies
// them. Callers resolve the assignee before committing the stage transition,
// so a missing approver fails the operation instead of stranding a
// half-advanced request.
func (d *Dispatcher) AssignStage(ctx context.Context, req *repository.Request, stage *repository.WorkflowStage, assignee *repository.User, dueAt time.Time) error {
	task := &repository.Task{
		AssigneeID:  assignee.ID,
		RequestType: req.RequestType,
		RequestID:   req.ID,
		Stage:       stage.Stage,
		Title:       fmt.Sprintf("Review %s (stage %d)", req.Code, stage.Stage),
		DueAt:       &dueAt,
	}
	if err := d.tasks.Create(ctx, task); err != nil {
		return err
	}

	d.notify(ctx, assignee.ID,
		fmt.Sprintf("Approval required: %s", req.Code),
		fmt.Sprintf("%s %q is awaiting your decision at stage %d.", req.RequestType, req.Title, stage.Stage),
		req)

	d.events.PublishRequestEvent(ctx, EventApprovalRequired, req.RequestType, req.ID, req.RequesterID,
		[]string{assignee.ID}, map[string]any{"code": req.Code, "stage": stage.Stage})

	return nil
}

// NotifyRequester sends a decision outcome back to the request owner.
func (d *Dispatcher) NotifyRequester(ctx context.Context, req *repository.Request, eventType, actorID, title, body string) {
	d.notify(ctx, req.RequesterID, title, body, req)
	d.events.PublishRequestEvent(ctx, eventType, req.RequestType, req.ID, actorID,
		[]string{req.RequesterID}, map[string]any{"code": req.Code, "status": req.Status})
}

func (d *Dispatcher) notify(ctx context.Context, userID, title, body string, req *repository.Request) {
	n := &repository.Notification{
		UserID:      userID,
		Title:       title,
		Body:        body,
		RelatedType: &req.RequestType,
		RelatedID:   &req.ID,
	}
	if err := d.notifications.Create(ctx, n); err != nil {
		d.log.Warn().Err(err).
			Str("user_id", userID).
			Str("request_id", req.ID).
			Msg("failed to create notification")
	}
}

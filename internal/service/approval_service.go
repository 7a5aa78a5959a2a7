package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/meridian-fin/be-approvals/internal/apperr"
	"github.com/meridian-fin/be-approvals/internal/repository"
)

// Approval actions accepted from the API.
const (
	ActionApprove        = "approve"
	ActionReject         = "reject"
	ActionRequestChanges = "changes_requested"
)

var actionToDecision = map[string]string{
	ActionApprove:        repository.DecisionApproved,
	ActionReject:         repository.DecisionRejected,
	ActionRequestChanges: repository.DecisionChangesRequested,
}

// ApprovalService is the approval workflow engine. It walks a request through
// its configured stage sequence, one role-gated decision at a time:
//
//	draft → pending → {approved | rejected}
//
// pending loops through stages 1..N; changes_requested keeps the request
// pending at the same stage. rejected is terminal.
type ApprovalService struct {
	requests   RequestStore
	workflows  WorkflowStore
	approvals  ApprovalStore
	tasks      TaskStore
	users      UserStore
	audit      AuditStore
	dispatcher *Dispatcher
	validate   *validator.Validate
	log        zerolog.Logger
	now        func() time.Time
}

// NewApprovalService creates an ApprovalService.
func NewApprovalService(
	requests RequestStore,
	workflows WorkflowStore,
	approvals ApprovalStore,
	tasks TaskStore,
	users UserStore,
	audit AuditStore,
	dispatcher *Dispatcher,
	log zerolog.Logger,
) *ApprovalService {
	return &ApprovalService{
		requests:   requests,
		workflows:  workflows,
		approvals:  approvals,
		tasks:      tasks,
		users:      users,
		audit:      audit,
		dispatcher: dispatcher,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		log:        log,
		now:        time.Now,
	}
}

// SubmitApprovalInput carries one decision.
type SubmitApprovalInput struct {
	RequestType string  `json:"request_type" validate:"required,oneof=investment cash_request"`
	RequestID   string  `json:"request_id" validate:"required,uuid"`
	Action      string  `json:"action" validate:"required,oneof=approve reject changes_requested"`
	ApproverID  string  `json:"approver_id" validate:"required,uuid"`
	Comments    *string `json:"comments,omitempty"`
}

// SubmitApproval records a decision for the request's current stage and
// applies the resulting transition. Exactly one of two concurrent submissions
// for the same stage succeeds; the other gets a conflict.
func (s *ApprovalService) SubmitApproval(ctx context.Context, in SubmitApprovalInput) (*repository.Request, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	decision, ok := actionToDecision[in.Action]
	if !ok {
		return nil, apperr.InvalidInput("action", "must be approve, reject or changes_requested")
	}

	req, err := s.requests.GetByID(ctx, in.RequestType, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.StatusPending {
		return nil, apperr.Newf(apperr.CodeConflict,
			"request %s is %s, not awaiting approval", req.Code, req.Status)
	}

	stage, err := s.workflows.GetStage(ctx, req.RequestType, req.CurrentApprovalStage)
	if err != nil {
		return nil, err
	}

	approver, err := s.users.GetByID(ctx, in.ApproverID)
	if err != nil {
		return nil, err
	}
	if approver.Role != stage.ApproverRole && approver.Role != repository.RoleAdmin {
		return nil, apperr.Newf(apperr.CodeForbidden,
			"stage %d requires role %s", stage.Stage, stage.ApproverRole)
	}

	maxStage, err := s.workflows.MaxActiveStage(ctx, req.RequestType)
	if err != nil {
		return nil, err
	}
	final := req.CurrentApprovalStage >= maxStage

	// Resolve the next stage and its assignee before committing, so a
	// configuration hole is a clean failure rather than a half-advanced
	// request.
	var nextStage *repository.WorkflowStage
	var nextAssignee *repository.User
	var nextDeadline *time.Time
	if decision == repository.DecisionApproved && !final {
		nextStage, err = s.workflows.GetStage(ctx, req.RequestType, req.CurrentApprovalStage+1)
		if err != nil {
			return nil, err
		}
		nextAssignee, err = s.users.FirstActiveWithRole(ctx, nextStage.ApproverRole)
		if err != nil {
			return nil, err
		}
		d := s.now().Add(time.Duration(nextStage.SLAHours) * time.Hour)
		nextDeadline = &d
	}

	approval := &repository.Approval{
		RequestType: req.RequestType,
		RequestID:   req.ID,
		Stage:       req.CurrentApprovalStage,
		ApproverID:  approver.ID,
		Status:      decision,
		Comments:    in.Comments,
	}
	if decision == repository.DecisionApproved {
		now := s.now()
		approval.ApprovedAt = &now
	}

	statusBefore := req.Status
	updated, err := s.approvals.RecordDecision(ctx, approval, final, nextDeadline)
	if err != nil {
		return nil, err
	}

	if err := s.tasks.CompleteForStage(ctx, req.RequestType, req.ID, approval.Stage); err != nil {
		s.log.Warn().Err(err).Str("request_id", req.ID).Msg("failed to complete stage tasks")
	}

	switch decision {
	case repository.DecisionApproved:
		if final {
			s.dispatcher.NotifyRequester(ctx, updated, EventRequestApproved, approver.ID,
				fmt.Sprintf("%s approved", updated.Code),
				fmt.Sprintf("Your %s %q cleared all approval stages.", updated.RequestType, updated.Title))
		} else {
			if err := s.dispatcher.AssignStage(ctx, updated, nextStage, nextAssignee, *nextDeadline); err != nil {
				return nil, err
			}
		}
	case repository.DecisionRejected:
		// Terminal: no further stages, no further task creation.
		if err := s.tasks.CompleteForRequest(ctx, req.RequestType, req.ID); err != nil {
			s.log.Warn().Err(err).Str("request_id", req.ID).Msg("failed to close request tasks")
		}
		s.dispatcher.NotifyRequester(ctx, updated, EventRequestRejected, approver.ID,
			fmt.Sprintf("%s rejected", updated.Code),
			fmt.Sprintf("Your %s %q was rejected at stage %d.", updated.RequestType, updated.Title, approval.Stage))
	case repository.DecisionChangesRequested:
		s.dispatcher.NotifyRequester(ctx, updated, EventChangesRequested, approver.ID,
			fmt.Sprintf("Changes requested on %s", updated.Code),
			fmt.Sprintf("Stage %d requested changes on %q. Please update and resubmit.", approval.Stage, updated.Title))
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		RequestType:  req.RequestType,
		RequestID:    req.ID,
		Action:       decision,
		PerformedBy:  approver.ID,
		StatusBefore: &statusBefore,
		StatusAfter:  &updated.Status,
		Metadata: map[string]any{
			"stage": approval.Stage,
			"code":  updated.Code,
			"final": final,
		},
	})

	s.log.Info().
		Str("request_id", req.ID).
		Str("code", updated.Code).
		Str("decision", decision).
		Int("stage", approval.Stage).
		Str("status", updated.Status).
		Msg("approval decision recorded")

	return updated, nil
}

// GetApprovals returns all recorded decisions for a request.
func (s *ApprovalService) GetApprovals(ctx context.Context, requestType, requestID string) ([]*repository.Approval, error) {
	if _, err := s.requests.GetByID(ctx, requestType, requestID); err != nil {
		return nil, err
	}
	return s.approvals.ListForRequest(ctx, requestType, requestID)
}

// GetAuditTrail returns the audit log for a request, oldest first.
func (s *ApprovalService) GetAuditTrail(ctx context.Context, requestType, requestID string) ([]*repository.AuditEntry, error) {
	if _, err := s.requests.GetByID(ctx, requestType, requestID); err != nil {
		return nil, err
	}
	return s.audit.ListForRequest(ctx, requestType, requestID)
}

// appendAudit writes an audit entry, logging on failure instead of returning.
func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("failed to write audit log entry")
	}
}

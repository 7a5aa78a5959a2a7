package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridian-fin/be-approvals/internal/apperr"
	"github.com/meridian-fin/be-approvals/internal/repository"
)

// RequestService handles request lifecycle outside the approval stages:
// creation, submission into the pipeline, reads, and back-office processing.
type RequestService struct {
	requests   RequestStore
	workflows  WorkflowStore
	users      UserStore
	audit      AuditStore
	dispatcher *Dispatcher
	validate   *validator.Validate
	log        zerolog.Logger
	now        func() time.Time
}

// NewRequestService creates a RequestService.
func NewRequestService(
	requests RequestStore,
	workflows WorkflowStore,
	users UserStore,
	audit AuditStore,
	dispatcher *Dispatcher,
	log zerolog.Logger,
) *RequestService {
	return &RequestService{
		requests:   requests,
		workflows:  workflows,
		users:      users,
		audit:      audit,
		dispatcher: dispatcher,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		log:        log,
		now:        time.Now,
	}
}

// CreateInvestmentInput is the payload for a new investment request.
type CreateInvestmentInput struct {
	RequesterID    string          `json:"requester_id" validate:"required,uuid"`
	Title          string          `json:"title" validate:"required,max=200"`
	Description    *string         `json:"description,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency" validate:"omitempty,len=3"`
	TargetCompany  string          `json:"target_company" validate:"required,max=200"`
	InvestmentType string          `json:"investment_type" validate:"required,oneof=equity debt convertible acquisition"`
	ExpectedReturn decimal.Decimal `json:"expected_return"`
	RiskLevel      string          `json:"risk_level" validate:"required,oneof=low medium high"`
}

// CreateCashInput is the payload for a new cash request.
type CreateCashInput struct {
	RequesterID        string          `json:"requester_id" validate:"required,uuid"`
	Title              string          `json:"title" validate:"required,max=200"`
	Description        *string         `json:"description,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency" validate:"omitempty,len=3"`
	Purpose            string          `json:"purpose" validate:"required,max=500"`
	PaymentTimeline    string          `json:"payment_timeline" validate:"required,max=200"`
	LinkedInvestmentID *string         `json:"linked_investment_id,omitempty" validate:"omitempty,uuid"`
}

// CreateInvestment persists a draft investment request.
func (s *RequestService) CreateInvestment(ctx context.Context, in CreateInvestmentInput) (*repository.Request, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	if err := validateAmount(in.Amount); err != nil {
		return nil, err
	}
	if in.ExpectedReturn.IsNegative() {
		return nil, apperr.InvalidInput("expected_return", "must not be negative")
	}
	if _, err := s.users.GetByID(ctx, in.RequesterID); err != nil {
		return nil, err
	}

	expectedReturn := in.ExpectedReturn.Round(2)
	req := &repository.Request{
		RequestType:    repository.RequestTypeInvestment,
		RequesterID:    in.RequesterID,
		Title:          in.Title,
		Description:    in.Description,
		Amount:         in.Amount.Round(2),
		Currency:       normalizeCurrency(in.Currency),
		TargetCompany:  &in.TargetCompany,
		InvestmentType: &in.InvestmentType,
		ExpectedReturn: &expectedReturn,
		RiskLevel:      &in.RiskLevel,
	}
	return s.create(ctx, req)
}

// CreateCash persists a draft cash request, optionally linked to an
// investment request.
func (s *RequestService) CreateCash(ctx context.Context, in CreateCashInput) (*repository.Request, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	if err := validateAmount(in.Amount); err != nil {
		return nil, err
	}
	if _, err := s.users.GetByID(ctx, in.RequesterID); err != nil {
		return nil, err
	}
	if in.LinkedInvestmentID != nil {
		if _, err := s.requests.GetByID(ctx, repository.RequestTypeInvestment, *in.LinkedInvestmentID); err != nil {
			return nil, err
		}
	}

	req := &repository.Request{
		RequestType:        repository.RequestTypeCash,
		RequesterID:        in.RequesterID,
		Title:              in.Title,
		Description:        in.Description,
		Amount:             in.Amount.Round(2),
		Currency:           normalizeCurrency(in.Currency),
		Purpose:            &in.Purpose,
		PaymentTimeline:    &in.PaymentTimeline,
		LinkedInvestmentID: in.LinkedInvestmentID,
	}
	return s.create(ctx, req)
}

func (s *RequestService) create(ctx context.Context, req *repository.Request) (*repository.Request, error) {
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, req, "created", req.RequesterID, nil, &req.Status)
	s.log.Info().
		Str("request_id", req.ID).
		Str("code", req.Code).
		Str("type", req.RequestType).
		Msg("request created")
	return req, nil
}

// Submit moves a draft request into the approval pipeline and hands stage 1
// to its approver.
func (s *RequestService) Submit(ctx context.Context, requestType, id, submittedBy string) (*repository.Request, error) {
	req, err := s.requests.GetByID(ctx, requestType, id)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != submittedBy {
		return nil, apperr.Forbidden("only the requester can submit the request")
	}

	// Stage-1 config and assignee are resolved before the transition commits,
	// so a configuration hole leaves the request in draft.
	stage, err := s.workflows.GetStage(ctx, requestType, 1)
	if err != nil {
		return nil, err
	}
	assignee, err := s.users.FirstActiveWithRole(ctx, stage.ApproverRole)
	if err != nil {
		return nil, err
	}

	deadline := s.now().Add(time.Duration(stage.SLAHours) * time.Hour)
	updated, err := s.requests.Submit(ctx, requestType, id, deadline)
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.AssignStage(ctx, updated, stage, assignee, deadline); err != nil {
		return nil, err
	}
	s.dispatcher.NotifyRequester(ctx, updated, EventRequestSubmitted, submittedBy,
		fmt.Sprintf("%s submitted", updated.Code),
		fmt.Sprintf("Your %s %q entered the approval pipeline.", updated.RequestType, updated.Title))

	statusBefore := repository.StatusDraft
	s.appendAudit(ctx, updated, "submitted", submittedBy, &statusBefore, &updated.Status)
	return updated, nil
}

// MarkProcessed records back-office completion of an approved request.
func (s *RequestService) MarkProcessed(ctx context.Context, requestType, id, processedBy string) (*repository.Request, error) {
	actor, err := s.users.GetByID(ctx, processedBy)
	if err != nil {
		return nil, err
	}
	if actor.Role != repository.RoleFinance && actor.Role != repository.RoleAdmin {
		return nil, apperr.Forbidden("processing requires the finance role")
	}

	updated, err := s.requests.UpdateStatus(ctx, requestType, id,
		repository.StatusApproved, repository.StatusProcessed)
	if err != nil {
		return nil, err
	}

	statusBefore := repository.StatusApproved
	s.appendAudit(ctx, updated, "processed", processedBy, &statusBefore, &updated.Status)
	s.dispatcher.NotifyRequester(ctx, updated, EventRequestProcessed, processedBy,
		fmt.Sprintf("%s processed", updated.Code),
		fmt.Sprintf("Your %s %q has been processed.", updated.RequestType, updated.Title))
	return updated, nil
}

// Get retrieves a single request.
func (s *RequestService) Get(ctx context.Context, requestType, id string) (*repository.Request, error) {
	return s.requests.GetByID(ctx, requestType, id)
}

// List returns requests matching the filter with a total count.
func (s *RequestService) List(ctx context.Context, f repository.RequestFilter) ([]*repository.Request, int, error) {
	return s.requests.List(ctx, f)
}

func (s *RequestService) appendAudit(ctx context.Context, req *repository.Request, action, actor string, before, after *string) {
	err := s.audit.Append(ctx, &repository.AuditEntry{
		RequestType:  req.RequestType,
		RequestID:    req.ID,
		Action:       action,
		PerformedBy:  actor,
		StatusBefore: before,
		StatusAfter:  after,
		Metadata:     map[string]any{"code": req.Code},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("request_id", req.ID).Str("action", action).Msg("failed to write audit log entry")
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

func validateAmount(amount decimal.Decimal) error {
	if amount.IsZero() || amount.IsNegative() {
		return apperr.InvalidInput("amount", "must be positive")
	}
	return nil
}

func normalizeCurrency(c string) string {
	if c == "" {
		return "USD"
	}
	return strings.ToUpper(c)
}

// validationError flattens validator output into the error taxonomy.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.InvalidInput(strings.ToLower(fe.Field()),
			fmt.Sprintf("failed %q validation", fe.Tag()))
	}
	return apperr.Wrap(err, apperr.CodeValidation, "invalid request payload")
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-fin/be-approvals/internal/apperr"
	"github.com/meridian-fin/be-approvals/internal/database"
)

// codePrefixes maps request types to their human-readable code prefix.
var codePrefixes = map[string]string{
	RequestTypeInvestment: "INV",
	RequestTypeCash:       "CASH",
}

// RequestRepository persists investment and cash requests.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

const requestColumns = `
	id, code, request_type, requester_id, title, description,
	amount, currency, status, current_approval_stage, sla_deadline,
	target_company, investment_type, expected_return, risk_level,
	purpose, payment_timeline, linked_investment_id,
	created_at, updated_at`

// Create inserts a request, allocating its sequential code in the same
// transaction. Codes are per type and year: INV-2024-001, CASH-2024-007.
func (r *RequestRepository) Create(ctx context.Context, req *Request) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		year := time.Now().Year()

		var seq int
		err := tx.QueryRow(ctx, `
			INSERT INTO request_sequences (request_type, year, last_number)
			VALUES ($1, $2, 1)
			ON CONFLICT (request_type, year)
			DO UPDATE SET last_number = request_sequences.last_number + 1
			RETURNING last_number
		`, req.RequestType, year).Scan(&seq)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to allocate request sequence")
		}

		req.Code = fmt.Sprintf("%s-%d-%03d", codePrefixes[req.RequestType], year, seq)
		req.Status = StatusDraft
		req.CurrentApprovalStage = 0

		err = tx.QueryRow(ctx, `
			INSERT INTO requests
			    (code, request_type, requester_id, title, description,
			     amount, currency, status, current_approval_stage,
			     target_company, investment_type, expected_return, risk_level,
			     purpose, payment_timeline, linked_investment_id)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8, $9,
			        $10, $11, $12, $13,
			        $14, $15, $16)
			RETURNING id, created_at, updated_at
		`,
			req.Code,
			req.RequestType,
			req.RequesterID,
			req.Title,
			req.Description,
			req.Amount,
			req.Currency,
			req.Status,
			req.CurrentApprovalStage,
			req.TargetCompany,
			req.InvestmentType,
			req.ExpectedReturn,
			req.RiskLevel,
			req.Purpose,
			req.PaymentTimeline,
			req.LinkedInvestmentID,
		).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to create request")
		}
		return nil
	})
}

// GetByID retrieves a request by type and id.
func (r *RequestRepository) GetByID(ctx context.Context, requestType, id string) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE request_type = $1 AND id = $2`

	req, err := scanRequest(r.db.QueryRow(ctx, query, requestType, id))
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("request", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get request")
	}
	return req, nil
}

// List returns requests matching the filter, newest first, with total count.
func (r *RequestRepository) List(ctx context.Context, f RequestFilter) ([]*Request, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	n := 0

	add := func(cond string, v any) {
		n++
		where += fmt.Sprintf(" AND %s = $%d", cond, n)
		args = append(args, v)
	}
	if f.RequestType != nil {
		add("request_type", *f.RequestType)
	}
	if f.Status != nil {
		add("status", *f.Status)
	}
	if f.RequesterID != nil {
		add("requester_id", *f.RequesterID)
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM requests "+where, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Wrap(err, apperr.CodeInternal, "failed to count requests")
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	pageSize := f.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM requests %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		requestColumns, where, n+1, n+2)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperr.Wrap(err, apperr.CodeInternal, "failed to list requests")
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, apperr.Wrap(err, apperr.CodeInternal, "failed to scan request")
		}
		reqs = append(reqs, req)
	}
	return reqs, total, nil
}

// Submit moves a draft request into the approval pipeline: status pending,
// stage 1, SLA deadline stamped. The status guard makes double submission a
// conflict rather than a silent reset.
func (r *RequestRepository) Submit(ctx context.Context, requestType, id string, slaDeadline time.Time) (*Request, error) {
	query := `
		UPDATE requests
		SET status = $3,
		    current_approval_stage = 1,
		    sla_deadline = $4,
		    updated_at = NOW()
		WHERE request_type = $1 AND id = $2 AND status = $5
		RETURNING ` + requestColumns

	req, err := scanRequest(r.db.QueryRow(ctx, query, requestType, id, StatusPending, slaDeadline, StatusDraft))
	if err == pgx.ErrNoRows {
		return nil, apperr.Conflict("request is not in draft status")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to submit request")
	}
	return req, nil
}

// UpdateStatus transitions a request between statuses with a guard on the
// expected current status.
func (r *RequestRepository) UpdateStatus(ctx context.Context, requestType, id, from, to string) (*Request, error) {
	query := `
		UPDATE requests
		SET status = $3, updated_at = NOW()
		WHERE request_type = $1 AND id = $2 AND status = $4
		RETURNING ` + requestColumns

	req, err := scanRequest(r.db.QueryRow(ctx, query, requestType, id, to, from))
	if err == pgx.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeConflict, "request is not in %s status", from)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to update request status")
	}
	return req, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	req := &Request{}
	err := row.Scan(
		&req.ID,
		&req.Code,
		&req.RequestType,
		&req.RequesterID,
		&req.Title,
		&req.Description,
		&req.Amount,
		&req.Currency,
		&req.Status,
		&req.CurrentApprovalStage,
		&req.SLADeadline,
		&req.TargetCompany,
		&req.InvestmentType,
		&req.ExpectedReturn,
		&req.RiskLevel,
		&req.Purpose,
		&req.PaymentTimeline,
		&req.LinkedInvestmentID,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

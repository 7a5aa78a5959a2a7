package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/meridian-fin/be-approvals/internal/apperr"
	"github.com/meridian-fin/be-approvals/internal/database"
)

// ApprovalRepository records approval decisions. Recording a decision and
// moving the request are done in one transaction so two concurrent decisions
// on the same stage cannot both win.
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

const approvalColumns = `id, request_type, request_id, stage, approver_id, status, comments, approved_at, created_at`

// uniqueViolation is the postgres error code for unique constraint failures.
const uniqueViolation = "23505"

// RecordDecision persists the approval row and applies the matching request
// transition atomically:
//
//   - approved, non-final: current_approval_stage advances by one and the new
//     SLA deadline is stamped.
//   - approved, final: status becomes approved.
//   - rejected: status becomes rejected (terminal).
//   - changes_requested: stage and status unchanged; the row can be
//     superseded by a later decision at the same stage.
//
// Every request update is guarded by the expected stage and pending status, so
// the loser of a concurrent submission observes a conflict.
func (r *ApprovalRepository) RecordDecision(ctx context.Context, a *Approval, final bool, nextDeadline *time.Time) (*Request, error) {
	var updated *Request

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		// A changes_requested row for this stage is superseded by the new
		// decision; a decided row means the stage was already settled.
		err := tx.QueryRow(ctx, `
			INSERT INTO approvals (request_type, request_id, stage, approver_id, status, comments, approved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (request_type, request_id, stage)
			DO UPDATE SET approver_id = EXCLUDED.approver_id,
			              status      = EXCLUDED.status,
			              comments    = EXCLUDED.comments,
			              approved_at = EXCLUDED.approved_at
			WHERE approvals.status = $8
			RETURNING id, created_at
		`,
			a.RequestType, a.RequestID, a.Stage, a.ApproverID, a.Status, a.Comments, a.ApprovedAt,
			DecisionChangesRequested,
		).Scan(&a.ID, &a.CreatedAt)
		if err == pgx.ErrNoRows {
			return apperr.Newf(apperr.CodeConflict, "stage %d already has a decision", a.Stage)
		}
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return apperr.Newf(apperr.CodeConflict, "stage %d already has a decision", a.Stage)
			}
			return apperr.Wrap(err, apperr.CodeInternal, "failed to record approval")
		}

		var query string
		args := []any{a.RequestType, a.RequestID, a.Stage, StatusPending}

		switch {
		case a.Status == DecisionApproved && final:
			query = `
				UPDATE requests
				SET status = 'approved', updated_at = NOW()
				WHERE request_type = $1 AND id = $2
				  AND current_approval_stage = $3 AND status = $4
				RETURNING ` + requestColumns
		case a.Status == DecisionApproved:
			query = `
				UPDATE requests
				SET current_approval_stage = current_approval_stage + 1,
				    sla_deadline = $5,
				    updated_at = NOW()
				WHERE request_type = $1 AND id = $2
				  AND current_approval_stage = $3 AND status = $4
				RETURNING ` + requestColumns
			args = append(args, nextDeadline)
		case a.Status == DecisionRejected:
			query = `
				UPDATE requests
				SET status = 'rejected', updated_at = NOW()
				WHERE request_type = $1 AND id = $2
				  AND current_approval_stage = $3 AND status = $4
				RETURNING ` + requestColumns
		default: // changes_requested
			query = `
				UPDATE requests
				SET updated_at = NOW()
				WHERE request_type = $1 AND id = $2
				  AND current_approval_stage = $3 AND status = $4
				RETURNING ` + requestColumns
		}

		updated, err = scanRequest(tx.QueryRow(ctx, query, args...))
		if err == pgx.ErrNoRows {
			return apperr.Conflict("request stage advanced concurrently")
		}
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to advance request")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListForRequest returns all decisions for a request ordered by stage.
func (r *ApprovalRepository) ListForRequest(ctx context.Context, requestType, requestID string) ([]*Approval, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE request_type = $1 AND request_id = $2
		ORDER BY stage ASC
	`, requestType, requestID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list approvals")
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		a := &Approval{}
		err := rows.Scan(
			&a.ID,
			&a.RequestType,
			&a.RequestID,
			&a.Stage,
			&a.ApproverID,
			&a.Status,
			&a.Comments,
			&a.ApprovedAt,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan approval")
		}
		approvals = append(approvals, a)
	}
	return approvals, nil
}

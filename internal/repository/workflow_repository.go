package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-fin/be-approvals/internal/apperr"
	"github.com/meridian-fin/be-approvals/internal/database"
)

// WorkflowRepository reads and writes the stage configuration table. Rows are
// admin-configured; the engine only reads them.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

const stageColumns = `id, workflow_type, stage, approver_role, sla_hours, is_active, created_at, updated_at`

// GetStage returns the active configuration for a (workflow type, stage) pair.
func (r *WorkflowRepository) GetStage(ctx context.Context, workflowType string, stage int) (*WorkflowStage, error) {
	query := `
		SELECT ` + stageColumns + `
		FROM approval_workflows
		WHERE workflow_type = $1 AND stage = $2 AND is_active = TRUE
	`

	ws, err := scanStage(r.db.QueryRow(ctx, query, workflowType, stage))
	if err == pgx.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeConfiguration,
			"no active workflow stage configured for %s stage %d", workflowType, stage)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get workflow stage")
	}
	return ws, nil
}

// MaxActiveStage returns the highest active stage number for a workflow type,
// which implicitly defines the sequence length. Zero means unconfigured.
func (r *WorkflowRepository) MaxActiveStage(ctx context.Context, workflowType string) (int, error) {
	var max int
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(stage), 0)
		FROM approval_workflows
		WHERE workflow_type = $1 AND is_active = TRUE
	`, workflowType).Scan(&max)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.CodeInternal, "failed to get max workflow stage")
	}
	return max, nil
}

// ListStages returns all stages for a workflow type ordered by stage number.
func (r *WorkflowRepository) ListStages(ctx context.Context, workflowType string) ([]*WorkflowStage, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+stageColumns+`
		FROM approval_workflows
		WHERE workflow_type = $1
		ORDER BY stage ASC
	`, workflowType)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list workflow stages")
	}
	defer rows.Close()

	var stages []*WorkflowStage
	for rows.Next() {
		ws, err := scanStage(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan workflow stage")
		}
		stages = append(stages, ws)
	}
	return stages, nil
}

// Upsert creates or replaces the configuration for a (type, stage) pair.
func (r *WorkflowRepository) Upsert(ctx context.Context, ws *WorkflowStage) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO approval_workflows (workflow_type, stage, approver_role, sla_hours, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_type, stage)
		DO UPDATE SET approver_role = EXCLUDED.approver_role,
		              sla_hours     = EXCLUDED.sla_hours,
		              is_active     = EXCLUDED.is_active,
		              updated_at    = NOW()
		RETURNING id, created_at, updated_at
	`, ws.WorkflowType, ws.Stage, ws.ApproverRole, ws.SLAHours, ws.IsActive).
		Scan(&ws.ID, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to upsert workflow stage")
	}
	return nil
}

func scanStage(row rowScanner) (*WorkflowStage, error) {
	ws := &WorkflowStage{}
	err := row.Scan(
		&ws.ID,
		&ws.WorkflowType,
		&ws.Stage,
		&ws.ApproverRole,
		&ws.SLAHours,
		&ws.IsActive,
		&ws.CreatedAt,
		&ws.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

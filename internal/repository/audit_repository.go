package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-fin/be-approvals/internal/apperr"
	"github.com/meridian-fin/be-approvals/internal/database"
)

// AuditRepository appends and reads immutable audit log entries. The table
// has no update or delete path; Append is the only mutation exposed.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to marshal audit metadata")
		}
	}

	return r.db.QueryRow(ctx, `
		INSERT INTO audit_logs
		    (request_type, request_id, action, performed_by,
		     status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, performed_at
	`,
		entry.RequestType,
		entry.RequestID,
		entry.Action,
		entry.PerformedBy,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
}

// ListForRequest returns the full audit trail for a request, oldest first.
func (r *AuditRepository) ListForRequest(ctx context.Context, requestType, requestID string) ([]*AuditEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, request_type, request_id, action, performed_by,
		       performed_at, status_before, status_after, metadata
		FROM audit_logs
		WHERE request_type = $1 AND request_id = $2
		ORDER BY performed_at ASC
	`, requestType, requestID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var metadataJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.RequestType,
			&entry.RequestID,
			&entry.Action,
			&entry.PerformedBy,
			&entry.PerformedAt,
			&entry.StatusBefore,
			&entry.StatusAfter,
			&metadataJSON,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan audit entry")
		}

		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

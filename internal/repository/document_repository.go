package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-fin/be-approvals/internal/apperr"
	"github.com/meridian-fin/be-approvals/internal/database"
)

// DocumentRepository persists uploaded file metadata and analysis results.
type DocumentRepository struct {
	db *database.DB
}

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository(db *database.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

const documentColumns = `
	id, request_type, request_id, file_name, content_type, size_bytes,
	storage_path, uploaded_by, analysis_status, classification,
	extracted_text, summary, created_at, updated_at`

// Create inserts a document row with analysis pending.
func (r *DocumentRepository) Create(ctx context.Context, d *Document) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO documents
		    (request_type, request_id, file_name, content_type, size_bytes,
		     storage_path, uploaded_by, analysis_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`, d.RequestType, d.RequestID, d.FileName, d.ContentType, d.SizeBytes,
		d.StoragePath, d.UploadedBy, AnalysisPending).
		Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create document")
	}
	d.AnalysisStatus = AnalysisPending
	return nil
}

// GetByID retrieves a single document.
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*Document, error) {
	d, err := scanDocument(r.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("document", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get document")
	}
	return d, nil
}

// ListForRequest returns all documents attached to a request.
func (r *DocumentRepository) ListForRequest(ctx context.Context, requestType, requestID string) ([]*Document, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE request_type = $1 AND request_id = $2
		ORDER BY created_at ASC
	`, requestType, requestID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list documents")
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan document")
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// UpdateAnalysis stores the analysis outcome for a document.
func (r *DocumentRepository) UpdateAnalysis(ctx context.Context, id, status string, classification, extractedText, summary *string) error {
	var returnedID string
	err := r.db.QueryRow(ctx, `
		UPDATE documents
		SET analysis_status = $2,
		    classification  = $3,
		    extracted_text  = $4,
		    summary         = $5,
		    updated_at      = NOW()
		WHERE id = $1
		RETURNING id
	`, id, status, classification, extractedText, summary).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperr.NotFound("document", id)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to update document analysis")
	}
	return nil
}

func scanDocument(row rowScanner) (*Document, error) {
	d := &Document{}
	err := row.Scan(
		&d.ID,
		&d.RequestType,
		&d.RequestID,
		&d.FileName,
		&d.ContentType,
		&d.SizeBytes,
		&d.StoragePath,
		&d.UploadedBy,
		&d.AnalysisStatus,
		&d.Classification,
		&d.ExtractedText,
		&d.Summary,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/meridian-fin/be-approvals/internal/client"
	"github.com/meridian-fin/be-approvals/internal/repository"
)

// DocumentAnalyzer is the LLM microservice surface the document service needs.
type DocumentAnalyzer interface {
	AnalyzeDocument(ctx context.Context, in client.AnalyzeDocumentRequest) (*client.AnalyzeDocumentResponse, error)
}

// analysis retry policy: bounded attempts with a fixed pause between them.
// Analysis failure is never fatal to the upload that triggered it.
const (
	analysisAttempts = 3
	analysisBackoff  = 2 * time.Second
)

// DocumentService stores uploaded document metadata and enriches it with
// results from the LLM analysis microservice.
type DocumentService struct {
	documents DocumentStore
	requests  RequestStore
	analyzer  DocumentAnalyzer
	validate  *validator.Validate
	log       zerolog.Logger
	sleep     func(time.Duration)
}

// NewDocumentService creates a DocumentService.
func NewDocumentService(documents DocumentStore, requests RequestStore, analyzer DocumentAnalyzer, log zerolog.Logger) *DocumentService {
	return &DocumentService{
		documents: documents,
		requests:  requests,
		analyzer:  analyzer,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       log,
		sleep:     time.Sleep,
	}
}

// UploadInput carries uploaded file metadata plus its text content for
// analysis. Binary storage is handled upstream; only the path is recorded.
type UploadInput struct {
	RequestType string `validate:"required,oneof=investment cash_request"`
	RequestID   string `validate:"required,uuid"`
	FileName    string `validate:"required,max=255"`
	ContentType string
	SizeBytes   int64
	StoragePath string
	UploadedBy  string `validate:"required,uuid"`
	Content     string
}

// Upload records the document and runs analysis. The document row always
// survives; analysis errors only mark it failed.
func (s *DocumentService) Upload(ctx context.Context, in UploadInput) (*repository.Document, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	if _, err := s.requests.GetByID(ctx, in.RequestType, in.RequestID); err != nil {
		return nil, err
	}

	doc := &repository.Document{
		RequestType: in.RequestType,
		RequestID:   in.RequestID,
		FileName:    in.FileName,
		ContentType: in.ContentType,
		SizeBytes:   in.SizeBytes,
		StoragePath: in.StoragePath,
		UploadedBy:  in.UploadedBy,
	}
	if err := s.documents.Create(ctx, doc); err != nil {
		return nil, err
	}

	s.analyze(ctx, doc, in.Content)
	return doc, nil
}

// ListForRequest returns a request's documents.
func (s *DocumentService) ListForRequest(ctx context.Context, requestType, requestID string) ([]*repository.Document, error) {
	if _, err := s.requests.GetByID(ctx, requestType, requestID); err != nil {
		return nil, err
	}
	return s.documents.ListForRequest(ctx, requestType, requestID)
}

func (s *DocumentService) analyze(ctx context.Context, doc *repository.Document, content string) {
	if err := s.documents.UpdateAnalysis(ctx, doc.ID, repository.AnalysisAnalyzing, nil, nil, nil); err != nil {
		s.log.Warn().Err(err).Str("document_id", doc.ID).Msg("failed to mark document analyzing")
	}

	var resp *client.AnalyzeDocumentResponse
	var err error
	for attempt := 1; attempt <= analysisAttempts; attempt++ {
		resp, err = s.analyzer.AnalyzeDocument(ctx, client.AnalyzeDocumentRequest{
			FileName: doc.FileName,
			Content:  content,
		})
		if err == nil {
			break
		}
		s.log.Warn().Err(err).
			Str("document_id", doc.ID).
			Int("attempt", attempt).
			Msg("document analysis attempt failed")
		if attempt < analysisAttempts {
			s.sleep(analysisBackoff)
		}
	}

	if err != nil {
		doc.AnalysisStatus = repository.AnalysisFailed
		if err := s.documents.UpdateAnalysis(ctx, doc.ID, repository.AnalysisFailed, nil, nil, nil); err != nil {
			s.log.Warn().Err(err).Str("document_id", doc.ID).Msg("failed to mark document analysis failed")
		}
		return
	}

	doc.AnalysisStatus = repository.AnalysisCompleted
	doc.Classification = &resp.Classification
	doc.ExtractedText = &resp.ExtractedText
	doc.Summary = &resp.Summary
	if err := s.documents.UpdateAnalysis(ctx, doc.ID, repository.AnalysisCompleted,
		doc.Classification, doc.ExtractedText, doc.Summary); err != nil {
		s.log.Warn().Err(err).Str("document_id", doc.ID).Msg("failed to store document analysis")
	}
}

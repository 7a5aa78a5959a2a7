// Package client holds outbound integrations: the LLM analysis microservice
// and the NATS notification publisher.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-fin/be-approvals/internal/apperr"
)

// retry policy for rate-limited calls. The service signals back-pressure with
// 429 + Retry-After; waits are capped so a hostile header cannot stall us.
const (
	llmMaxAttempts  = 3
	llmDefaultWait  = 2 * time.Second
	llmMaxRetryWait = 30 * time.Second
)

// LLMClient talks to the document-analysis microservice over JSON/HTTP with
// X-API-Key auth.
type LLMClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewLLMClient creates an LLMClient.
func NewLLMClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *LLMClient {
	return &LLMClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
		sleep:   sleepCtx,
	}
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AnalyzeDocumentRequest asks for classification and extraction of one document.
type AnalyzeDocumentRequest struct {
	FileName string `json:"file_name"`
	Content  string `json:"content"`
}

// AnalyzeDocumentResponse is the analysis result.
type AnalyzeDocumentResponse struct {
	Classification string `json:"classification"`
	ExtractedText  string `json:"extracted_text"`
	Summary        string `json:"summary"`
}

// SearchRequest searches across previously vectorized documents.
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchResult is one document hit.
type SearchResult struct {
	FileName string  `json:"file_name"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
}

// SearchResponse holds search hits.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// ChatCompletionRequest is a contextualized chat turn.
type ChatCompletionRequest struct {
	Messages []ChatMessage `json:"messages"`
	Context  string        `json:"context,omitempty"`
}

// ChatMessage is one chat turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is the model reply.
type ChatCompletionResponse struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// InsightsRequest asks for investment-specific analysis of a request dossier.
type InsightsRequest struct {
	TargetCompany  string `json:"target_company"`
	InvestmentType string `json:"investment_type"`
	Amount         string `json:"amount"`
	RiskLevel      string `json:"risk_level"`
	Context        string `json:"context,omitempty"`
}

// InsightsResponse is the generated insight text.
type InsightsResponse struct {
	Insights string `json:"insights"`
}

// AnalyzeDocument classifies a document and extracts its text.
func (c *LLMClient) AnalyzeDocument(ctx context.Context, in AnalyzeDocumentRequest) (*AnalyzeDocumentResponse, error) {
	out := &AnalyzeDocumentResponse{}
	if err := c.post(ctx, "/documents/analyze", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchDocuments runs a semantic search.
func (c *LLMClient) SearchDocuments(ctx context.Context, in SearchRequest) (*SearchResponse, error) {
	out := &SearchResponse{}
	if err := c.post(ctx, "/documents/search", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChatCompletion runs a contextual chat turn.
func (c *LLMClient) ChatCompletion(ctx context.Context, in ChatCompletionRequest) (*ChatCompletionResponse, error) {
	out := &ChatCompletionResponse{}
	if err := c.post(ctx, "/chat/completion", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// InvestmentInsights generates analysis for an investment dossier.
func (c *LLMClient) InvestmentInsights(ctx context.Context, in InsightsRequest) (*InsightsResponse, error) {
	out := &InsightsResponse{}
	if err := c.post(ctx, "/analysis/investment-insights", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health pings the service.
func (c *LLMClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeUpstream, "llm service unreachable")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeUpstream, "llm service unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperr.Newf(apperr.CodeUpstream, "llm service unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// upstreamError is the service's error envelope.
type upstreamError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// post sends a JSON request, retrying on 429 per the Retry-After header.
func (c *LLMClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to encode llm request")
	}

	var lastErr error
	for attempt := 1; attempt <= llmMaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to build llm request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeUpstream, "llm service request failed")
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = apperr.Newf(apperr.CodeUpstream, "llm service rate limited (%s)", path)
			c.log.Warn().
				Str("path", path).
				Int("attempt", attempt).
				Dur("retry_after", wait).
				Msg("llm service rate limited")
			if attempt < llmMaxAttempts {
				if err := c.sleep(ctx, wait); err != nil {
					return apperr.Wrap(err, apperr.CodeUpstream, "llm request cancelled")
				}
			}
			continue

		case resp.StatusCode >= 400:
			defer resp.Body.Close()
			var envelope upstreamError
			if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Message != "" {
				return apperr.Newf(apperr.CodeUpstream, "llm service error: %s", envelope.Message)
			}
			return apperr.Newf(apperr.CodeUpstream, "llm service returned %d for %s", resp.StatusCode, path)

		default:
			defer resp.Body.Close()
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return apperr.Wrap(err, apperr.CodeUpstream, "failed to decode llm response")
			}
			return nil
		}
	}
	return lastErr
}

// retryAfter parses the Retry-After header (seconds form), capped.
func retryAfter(resp *http.Response) time.Duration {
	wait := llmDefaultWait
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	if wait > llmMaxRetryWait {
		wait = llmMaxRetryWait
	}
	return wait
}

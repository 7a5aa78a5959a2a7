package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Request ──────────────────────────────────────────────────────────────────

// Request type discriminators.
const (
	RequestTypeInvestment = "investment"
	RequestTypeCash       = "cash_request"
)

// Request statuses.
const (
	StatusDraft     = "draft"
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusProcessed = "processed"
)

// Request is an investment or cash request undergoing approval. The two kinds
// share one table; the investment- and cash-specific columns are nullable.
type Request struct {
	ID                   string          `json:"id"`
	Code                 string          `json:"code"`
	RequestType          string          `json:"request_type"`
	RequesterID          string          `json:"requester_id"`
	Title                string          `json:"title"`
	Description          *string         `json:"description,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Status               string          `json:"status"`
	CurrentApprovalStage int             `json:"current_approval_stage"`
	SLADeadline          *time.Time      `json:"sla_deadline,omitempty"`

	// Investment fields
	TargetCompany  *string          `json:"target_company,omitempty"`
	InvestmentType *string          `json:"investment_type,omitempty"`
	ExpectedReturn *decimal.Decimal `json:"expected_return,omitempty"`
	RiskLevel      *string          `json:"risk_level,omitempty"`

	// Cash request fields
	Purpose             *string `json:"purpose,omitempty"`
	PaymentTimeline     *string `json:"payment_timeline,omitempty"`
	LinkedInvestmentID  *string `json:"linked_investment_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RequestFilter narrows List queries.
type RequestFilter struct {
	RequestType *string
	Status      *string
	RequesterID *string
	Page        int
	PageSize    int
}

// ── Workflow configuration ───────────────────────────────────────────────────

// WorkflowStage is one configured step of an approval sequence, keyed by
// (workflow_type, stage). The highest active stage defines sequence length.
type WorkflowStage struct {
	ID           string    `json:"id"`
	WorkflowType string    `json:"workflow_type"`
	Stage        int       `json:"stage"`
	ApproverRole string    `json:"approver_role"`
	SLAHours     int       `json:"sla_hours"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ── Approval decisions ───────────────────────────────────────────────────────

// Approval decision statuses.
const (
	DecisionApproved         = "approved"
	DecisionRejected         = "rejected"
	DecisionChangesRequested = "changes_requested"
)

// Approval is one recorded decision for a (request, stage) pair.
type Approval struct {
	ID          string     `json:"id"`
	RequestType string     `json:"request_type"`
	RequestID   string     `json:"request_id"`
	Stage       int        `json:"stage"`
	ApproverID  string     `json:"approver_id"`
	Status      string     `json:"status"`
	Comments    *string    `json:"comments,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ── Tasks ────────────────────────────────────────────────────────────────────

// Task statuses.
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
	TaskOverdue   = "overdue"
)

// Task is an actionable work item for an approver at a given stage.
type Task struct {
	ID          string     `json:"id"`
	AssigneeID  string     `json:"assignee_id"`
	RequestType string     `json:"request_type"`
	RequestID   string     `json:"request_id"`
	Stage       int        `json:"stage"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ── Notifications ────────────────────────────────────────────────────────────

// Notification is a user-facing message tied to a related entity.
type Notification struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	RelatedType *string   `json:"related_type,omitempty"`
	RelatedID   *string   `json:"related_id,omitempty"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── Documents ────────────────────────────────────────────────────────────────

// Document analysis statuses.
const (
	AnalysisPending   = "pending"
	AnalysisAnalyzing = "analyzing"
	AnalysisCompleted = "completed"
	AnalysisFailed    = "failed"
)

// Document is uploaded file metadata plus the optional LLM analysis result.
type Document struct {
	ID             string    `json:"id"`
	RequestType    string    `json:"request_type"`
	RequestID      string    `json:"request_id"`
	FileName       string    `json:"file_name"`
	ContentType    string    `json:"content_type"`
	SizeBytes      int64     `json:"size_bytes"`
	StoragePath    string    `json:"storage_path"`
	UploadedBy     string    `json:"uploaded_by"`
	AnalysisStatus string    `json:"analysis_status"`
	Classification *string   `json:"classification,omitempty"`
	ExtractedText  *string   `json:"extracted_text,omitempty"`
	Summary        *string   `json:"summary,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ── Audit log ────────────────────────────────────────────────────────────────

// AuditEntry is one immutable record in the audit log.
type AuditEntry struct {
	ID           string         `json:"id"`
	RequestType  string         `json:"request_type"`
	RequestID    string         `json:"request_id"`
	Action       string         `json:"action"`
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
	StatusBefore *string        `json:"status_before,omitempty"`
	StatusAfter  *string        `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ── Users ────────────────────────────────────────────────────────────────────

// User roles.
const (
	RoleRequester = "requester"
	RoleManager   = "manager"
	RoleFinance   = "finance"
	RoleExecutive = "executive"
	RoleAdmin     = "admin"
)

// User is a portal user with a single role.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

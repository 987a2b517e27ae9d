package domain

import "time"

type EnvelopeStatus string

const (
	StatusDraft     EnvelopeStatus = "DRAFT"
	StatusSent      EnvelopeStatus = "SENT"
	StatusCompleted EnvelopeStatus = "COMPLETED"
	StatusDeclined  EnvelopeStatus = "DECLINED"
	StatusExpired   EnvelopeStatus = "EXPIRED"
	StatusVoided    EnvelopeStatus = "VOIDED"
)

// Terminal reports whether no further transition is legal from this status.
func (s EnvelopeStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusExpired, StatusVoided:
		return true
	}
	return false
}

type SigningMode string

const (
	ModeSequential SigningMode = "SEQUENTIAL"
	ModeParallel   SigningMode = "PARALLEL"
	ModeSingle     SigningMode = "SINGLE"
)

type SignerRole string

const (
	RoleSender    SignerRole = "sender"
	RoleRecipient SignerRole = "recipient"
)

type SignerStatus string

const (
	SignerPending  SignerStatus = "PENDING"
	SignerSigned   SignerStatus = "SIGNED"
	SignerDeclined SignerStatus = "DECLINED"
)

type FieldType string

const (
	FieldSignature FieldType = "signature"
	FieldDate      FieldType = "date"
	FieldText      FieldType = "text"
	FieldInitials  FieldType = "initials"
)

type AuditAction string

const (
	ActionCreated      AuditAction = "CREATED"
	ActionSent         AuditAction = "SENT"
	ActionViewed       AuditAction = "VIEWED"
	ActionSigned       AuditAction = "SIGNED"
	ActionDeclined     AuditAction = "DECLINED"
	ActionReminderSent AuditAction = "REMINDER_SENT"
	ActionLinkCopied   AuditAction = "LINK_COPIED"
	ActionPDFSealed    AuditAction = "PDF_SEALED"
	ActionSealFailed   AuditAction = "SEAL_FAILED"
	ActionCompleted    AuditAction = "COMPLETED"
	ActionExpired      AuditAction = "EXPIRED"
	ActionVoided       AuditAction = "VOIDED"
)

// Actor identifies who performed an action, for audit purposes.
// UserID is empty for signers acting through a magic link.
type Actor struct {
	UserID    string `json:"userId,omitempty"`
	Email     string `json:"email,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

type Signer struct {
	ID            string       `json:"id"`
	Email         string       `json:"email"`
	Name          string       `json:"name"`
	Role          SignerRole   `json:"role"`
	Order         int          `json:"order"`
	Status        SignerStatus `json:"status"`
	SignedAt      *time.Time   `json:"signedAt,omitempty"`
	DeclinedAt    *time.Time   `json:"declinedAt,omitempty"`
	DeclineReason string       `json:"declineReason,omitempty"`
	IP            string       `json:"-"`
	UserAgent     string       `json:"-"`
	Token         string       `json:"-"`
	TokenExpires  time.Time    `json:"-"`
}

type Field struct {
	ID            string         `json:"id"`
	AssigneeEmail string         `json:"assigneeEmail"`
	Type          FieldType      `json:"type"`
	Page          int            `json:"page"`
	Rect          NormalizedRect `json:"rect"`
	Required      bool           `json:"required"`
	Value         string         `json:"value,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
}

// Completed reports whether the field has been filled by its assignee.
func (f Field) Completed() bool {
	return f.CompletedAt != nil
}

type AuditEvent struct {
	Seq       int            `json:"seq"`
	Action    AuditAction    `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"userId,omitempty"`
	Email     string         `json:"email,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// SealedDocumentRef identifies the final flattened PDF artifact.
type SealedDocumentRef struct {
	Key    string `json:"key"`
	SHA256 string `json:"sha256"`
}

// Envelope is the aggregate for one document's signing workflow. It owns its
// signers, fields, and audit trail; the store persists all of it atomically.
type Envelope struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"ownerId"`
	Title       string         `json:"title"`
	Message     string         `json:"message,omitempty"`
	DocumentKey string         `json:"-"`
	SealedKey   string         `json:"-"`
	SealedHash  string         `json:"sealedHash,omitempty"`
	Status      EnvelopeStatus `json:"status"`
	SigningMode SigningMode    `json:"signingMode"`
	PageCount   int            `json:"pageCount"`
	Signers     []Signer       `json:"signers"`
	Fields      []Field        `json:"fields"`
	Audit       []AuditEvent   `json:"-"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	SentAt      *time.Time     `json:"sentAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	VoidedAt    *time.Time     `json:"voidedAt,omitempty"`
	VoidReason  string         `json:"voidReason,omitempty"`
	ExpiresAt   time.Time      `json:"expiresAt"`

	// Version implements optimistic concurrency: the store rejects an update
	// whose version does not match the persisted row.
	Version int64 `json:"-"`
}

package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. The envelope aggregate is split across
// four tables; UpdateEnvelope rewrites signers/fields and appends audit rows
// inside one transaction.

type EnvelopeModel struct {
	ID          string `gorm:"primaryKey"`
	OwnerID     string `gorm:"not null;index:idx_envelopes_owner_status"`
	Title       string `gorm:"not null"`
	Message     string
	DocumentKey string `gorm:"not null"`
	SealedKey   string
	SealedHash  string
	Status      string `gorm:"not null;index:idx_envelopes_owner_status;index:idx_envelopes_expiry"`
	SigningMode string `gorm:"not null"`
	PageCount   int
	CreatedAt   time.Time `gorm:"not null;index"`
	UpdatedAt   time.Time `gorm:"not null"`
	SentAt      *time.Time
	CompletedAt *time.Time
	VoidedAt    *time.Time
	VoidReason  string
	ExpiresAt   time.Time `gorm:"not null;index:idx_envelopes_expiry"`
	Version     int64     `gorm:"not null;default:1"`
}

type SignerModel struct {
	ID            string    `gorm:"primaryKey"`
	EnvelopeID    string    `gorm:"not null;index"`
	Email         string    `gorm:"not null"`
	Name          string    `gorm:"not null"`
	Role          string    `gorm:"not null"`
	SignOrder     int       `gorm:"not null"`
	Status        string    `gorm:"not null"`
	SignedAt      *time.Time
	DeclinedAt    *time.Time
	DeclineReason string
	IP            string
	UserAgent     string
	Token         string    `gorm:"uniqueIndex;not null"`
	TokenExpires  time.Time `gorm:"not null"`
}

type FieldModel struct {
	ID            string  `gorm:"primaryKey"`
	EnvelopeID    string  `gorm:"not null;index"`
	AssigneeEmail string  `gorm:"not null"`
	Type          string  `gorm:"not null"`
	Page          int     `gorm:"not null"`
	X             float64 `gorm:"not null"`
	Y             float64 `gorm:"not null"`
	Width         float64 `gorm:"not null"`
	Height        float64 `gorm:"not null"`
	Required      bool    `gorm:"not null"`
	Value         string
	CompletedAt   *time.Time
}

type AuditEventModel struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	EnvelopeID string    `gorm:"not null;uniqueIndex:idx_audit_envelope_seq,priority:1"`
	Seq        int       `gorm:"not null;uniqueIndex:idx_audit_envelope_seq,priority:2"`
	Action     string    `gorm:"not null"`
	Timestamp  time.Time `gorm:"not null"`
	UserID     string
	Email      string
	IP         string
	UserAgent  string
	Details    datatypes.JSONMap `gorm:"type:jsonb"`
}

package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"signflow/pkg/domain"
)

const migrateLockID int64 = 52415241

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&EnvelopeModel{}, &SignerModel{}, &FieldModel{}, &AuditEventModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// withMigrationLock serializes schema migration across replicas using a
// Postgres advisory lock.
func withMigrationLock(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", migrateLockID).Error; err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		return fn(tx)
	})
}

// CreateEnvelope persists a new aggregate.
func (s *GormStore) CreateEnvelope(ctx context.Context, env *domain.Envelope) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		env.Version = 1
		if err := tx.Create(envelopeToModel(env)).Error; err != nil {
			return fmt.Errorf("insert envelope: %w", err)
		}
		if err := replaceChildren(tx, env); err != nil {
			return err
		}
		return appendAudit(tx, env.ID, env.Audit, 0)
	})
}

// GetEnvelope loads a full aggregate.
func (s *GormStore) GetEnvelope(ctx context.Context, id string) (*domain.Envelope, error) {
	var row EnvelopeModel
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch envelope: %w", err)
	}
	return s.loadAggregate(ctx, &row)
}

// GetEnvelopeBySignerToken loads the aggregate holding a signer with the
// given magic-link token.
func (s *GormStore) GetEnvelopeBySignerToken(ctx context.Context, token string) (*domain.Envelope, error) {
	var signerRow SignerModel
	if err := s.db.WithContext(ctx).First(&signerRow, "token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch signer by token: %w", err)
	}
	return s.GetEnvelope(ctx, signerRow.EnvelopeID)
}

// ListEnvelopes returns envelope summaries for an owner, newest first.
func (s *GormStore) ListEnvelopes(ctx context.Context, ownerID string, filter ListFilter) ([]domain.Envelope, int64, error) {
	q := s.db.WithContext(ctx).Model(&EnvelopeModel{}).Where("owner_id = ?", ownerID)
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count envelopes: %w", err)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var rows []EnvelopeModel
	if err := q.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list envelopes: %w", err)
	}
	out := make([]domain.Envelope, 0, len(rows))
	for i := range rows {
		env, err := s.loadAggregate(ctx, &rows[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *env)
	}
	return out, total, nil
}

// UpdateEnvelope writes the whole aggregate atomically. The envelope row
// update is guarded by the version the caller loaded; a concurrent writer
// causes ErrVersionConflict and nothing is persisted.
func (s *GormStore) UpdateEnvelope(ctx context.Context, env *domain.Envelope) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := envelopeToModel(env)
		model.Version = env.Version + 1
		res := tx.Model(&EnvelopeModel{}).
			Where("id = ? AND version = ?", env.ID, env.Version).
			Select("*").Omit("id", "created_at").
			Updates(model)
		if res.Error != nil {
			return fmt.Errorf("update envelope: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&EnvelopeModel{}).Where("id = ?", env.ID).Count(&count).Error; err != nil {
				return fmt.Errorf("check envelope existence: %w", err)
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrVersionConflict
		}
		if err := tx.Where("envelope_id = ?", env.ID).Delete(&SignerModel{}).Error; err != nil {
			return fmt.Errorf("clear signers: %w", err)
		}
		if err := tx.Where("envelope_id = ?", env.ID).Delete(&FieldModel{}).Error; err != nil {
			return fmt.Errorf("clear fields: %w", err)
		}
		if err := replaceChildren(tx, env); err != nil {
			return err
		}
		var maxSeq int
		if err := tx.Model(&AuditEventModel{}).Where("envelope_id = ?", env.ID).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("read audit cursor: %w", err)
		}
		return appendAudit(tx, env.ID, env.Audit, maxSeq)
	})
	if err != nil {
		return err
	}
	env.Version++
	return nil
}

// ListAuditTrail replays audit events in sequence order.
func (s *GormStore) ListAuditTrail(ctx context.Context, envelopeID string) ([]domain.AuditEvent, error) {
	var rows []AuditEventModel
	if err := s.db.WithContext(ctx).
		Where("envelope_id = ?", envelopeID).
		Order("seq ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list audit trail: %w", err)
	}
	out := make([]domain.AuditEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, auditFromModel(row))
	}
	return out, nil
}

// ListOverdue returns ids of active envelopes whose expiry has passed.
func (s *GormStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	if err := s.db.WithContext(ctx).Model(&EnvelopeModel{}).
		Where("status IN ? AND expires_at < ?", []string{string(domain.StatusDraft), string(domain.StatusSent)}, now).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list overdue envelopes: %w", err)
	}
	return ids, nil
}

func (s *GormStore) loadAggregate(ctx context.Context, row *EnvelopeModel) (*domain.Envelope, error) {
	var signerRows []SignerModel
	if err := s.db.WithContext(ctx).Where("envelope_id = ?", row.ID).Order("sign_order ASC").Find(&signerRows).Error; err != nil {
		return nil, fmt.Errorf("load signers: %w", err)
	}
	var fieldRows []FieldModel
	if err := s.db.WithContext(ctx).Where("envelope_id = ?", row.ID).Order("id ASC").Find(&fieldRows).Error; err != nil {
		return nil, fmt.Errorf("load fields: %w", err)
	}
	audit, err := s.ListAuditTrail(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	return envelopeFromModel(row, signerRows, fieldRows, audit), nil
}

func replaceChildren(tx *gorm.DB, env *domain.Envelope) error {
	for _, s := range env.Signers {
		if err := tx.Create(signerToModel(env.ID, s)).Error; err != nil {
			return fmt.Errorf("insert signer: %w", err)
		}
	}
	for _, f := range env.Fields {
		if err := tx.Create(fieldToModel(env.ID, f)).Error; err != nil {
			return fmt.Errorf("insert field: %w", err)
		}
	}
	return nil
}

func appendAudit(tx *gorm.DB, envelopeID string, events []domain.AuditEvent, afterSeq int) error {
	for _, ev := range events {
		if ev.Seq <= afterSeq {
			continue
		}
		if err := tx.Create(auditToModel(envelopeID, ev)).Error; err != nil {
			return fmt.Errorf("append audit event: %w", err)
		}
	}
	return nil
}

func envelopeToModel(env *domain.Envelope) *EnvelopeModel {
	return &EnvelopeModel{
		ID:          env.ID,
		OwnerID:     env.OwnerID,
		Title:       env.Title,
		Message:     env.Message,
		DocumentKey: env.DocumentKey,
		SealedKey:   env.SealedKey,
		SealedHash:  env.SealedHash,
		Status:      string(env.Status),
		SigningMode: string(env.SigningMode),
		PageCount:   env.PageCount,
		CreatedAt:   env.CreatedAt,
		UpdatedAt:   env.UpdatedAt,
		SentAt:      env.SentAt,
		CompletedAt: env.CompletedAt,
		VoidedAt:    env.VoidedAt,
		VoidReason:  env.VoidReason,
		ExpiresAt:   env.ExpiresAt,
		Version:     env.Version,
	}
}

func envelopeFromModel(row *EnvelopeModel, signers []SignerModel, fields []FieldModel, audit []domain.AuditEvent) *domain.Envelope {
	env := &domain.Envelope{
		ID:          row.ID,
		OwnerID:     row.OwnerID,
		Title:       row.Title,
		Message:     row.Message,
		DocumentKey: row.DocumentKey,
		SealedKey:   row.SealedKey,
		SealedHash:  row.SealedHash,
		Status:      domain.EnvelopeStatus(row.Status),
		SigningMode: domain.SigningMode(row.SigningMode),
		PageCount:   row.PageCount,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		SentAt:      row.SentAt,
		CompletedAt: row.CompletedAt,
		VoidedAt:    row.VoidedAt,
		VoidReason:  row.VoidReason,
		ExpiresAt:   row.ExpiresAt,
		Version:     row.Version,
		Audit:       audit,
	}
	for _, s := range signers {
		env.Signers = append(env.Signers, domain.Signer{
			ID:            s.ID,
			Email:         s.Email,
			Name:          s.Name,
			Role:          domain.SignerRole(s.Role),
			Order:         s.SignOrder,
			Status:        domain.SignerStatus(s.Status),
			SignedAt:      s.SignedAt,
			DeclinedAt:    s.DeclinedAt,
			DeclineReason: s.DeclineReason,
			IP:            s.IP,
			UserAgent:     s.UserAgent,
			Token:         s.Token,
			TokenExpires:  s.TokenExpires,
		})
	}
	for _, f := range fields {
		env.Fields = append(env.Fields, domain.Field{
			ID:            f.ID,
			AssigneeEmail: f.AssigneeEmail,
			Type:          domain.FieldType(f.Type),
			Page:          f.Page,
			Rect:          domain.NormalizedRect{X: f.X, Y: f.Y, Width: f.Width, Height: f.Height},
			Required:      f.Required,
			Value:         f.Value,
			CompletedAt:   f.CompletedAt,
		})
	}
	return env
}

func signerToModel(envelopeID string, s domain.Signer) *SignerModel {
	return &SignerModel{
		ID:            s.ID,
		EnvelopeID:    envelopeID,
		Email:         s.Email,
		Name:          s.Name,
		Role:          string(s.Role),
		SignOrder:     s.Order,
		Status:        string(s.Status),
		SignedAt:      s.SignedAt,
		DeclinedAt:    s.DeclinedAt,
		DeclineReason: s.DeclineReason,
		IP:            s.IP,
		UserAgent:     s.UserAgent,
		Token:         s.Token,
		TokenExpires:  s.TokenExpires,
	}
}

func fieldToModel(envelopeID string, f domain.Field) *FieldModel {
	return &FieldModel{
		ID:            f.ID,
		EnvelopeID:    envelopeID,
		AssigneeEmail: f.AssigneeEmail,
		Type:          string(f.Type),
		Page:          f.Page,
		X:             f.Rect.X,
		Y:             f.Rect.Y,
		Width:         f.Rect.Width,
		Height:        f.Rect.Height,
		Required:      f.Required,
		Value:         f.Value,
		CompletedAt:   f.CompletedAt,
	}
}

func auditToModel(envelopeID string, ev domain.AuditEvent) *AuditEventModel {
	return &AuditEventModel{
		EnvelopeID: envelopeID,
		Seq:        ev.Seq,
		Action:     string(ev.Action),
		Timestamp:  ev.Timestamp,
		UserID:     ev.UserID,
		Email:      ev.Email,
		IP:         ev.IP,
		UserAgent:  ev.UserAgent,
		Details:    datatypes.JSONMap(ev.Details),
	}
}

func auditFromModel(row AuditEventModel) domain.AuditEvent {
	return domain.AuditEvent{
		Seq:       row.Seq,
		Action:    domain.AuditAction(row.Action),
		Timestamp: row.Timestamp,
		UserID:    row.UserID,
		Email:     row.Email,
		IP:        row.IP,
		UserAgent: row.UserAgent,
		Details:   map[string]any(row.Details),
	}
}

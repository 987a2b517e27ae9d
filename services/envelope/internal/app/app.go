package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"signflow/internal/ratelimit"
	"signflow/internal/util"
	"signflow/pkg/domain"
	"signflow/pkg/notify"
	"signflow/pkg/pdfinfo"
	"signflow/pkg/sealing"
	"signflow/pkg/storage"
	"signflow/pkg/store"
)

// SealJobQueue decouples sealing from the signing request path. The worker
// picks jobs up and calls ProcessSealJob.
type SealJobQueue interface {
	Enqueue(ctx context.Context, envelopeID string) error
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	Objects        storage.ObjectStore

	RendererURL string
	Renderer    sealing.DocumentRenderer

	Queue           SealJobQueue
	Notifier        notify.Notifier
	ReminderLimiter *ratelimit.FixedWindowLimiter
	PageCounter     func(io.Reader) (int, error)

	PublicBaseURL string
	SignLinkTTL   time.Duration
}

// App is the core application service wiring together storage, sealing, and
// the envelope state machine.
type App struct {
	store         store.Store
	objects       storage.ObjectStore
	sealer        *sealing.Coordinator
	queue         SealJobQueue
	notifier      notify.Notifier
	reminders     *ratelimit.FixedWindowLimiter
	pageCount     func(io.Reader) (int, error)
	publicBaseURL string
	signLinkTTL   time.Duration
	presignExpiry time.Duration
	now           func() time.Time
}

// New constructs the application with database-backed envelope storage and
// MinIO document storage.
func New(cfg Config) (*App, error) {
	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	renderer := cfg.Renderer
	if renderer == nil {
		if cfg.RendererURL == "" {
			return nil, fmt.Errorf("renderer URL required")
		}
		var err error
		renderer, err = sealing.NewHTTPRenderer(cfg.RendererURL)
		if err != nil {
			return nil, err
		}
	}
	sealer, err := sealing.NewCoordinator(sealing.Config{Renderer: renderer, Objects: objects})
	if err != nil {
		return nil, err
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("public base URL required")
	}
	signLinkTTL := cfg.SignLinkTTL
	if signLinkTTL <= 0 {
		signLinkTTL = 30 * 24 * time.Hour
	}
	pageCount := cfg.PageCounter
	if pageCount == nil {
		pageCount = pdfinfo.PageCount
	}

	return &App{
		store:         dataStore,
		objects:       objects,
		sealer:        sealer,
		queue:         cfg.Queue,
		notifier:      notifier,
		reminders:     cfg.ReminderLimiter,
		pageCount:     pageCount,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		signLinkTTL:   signLinkTTL,
		presignExpiry: 15 * time.Minute,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// SignerInput describes one roster entry at creation time.
type SignerInput struct {
	Name  string            `json:"name"`
	Email string            `json:"email"`
	Role  domain.SignerRole `json:"role"`
	Order int               `json:"order"`
}

// FieldInput places one field on the document. Rect is normalized unless
// RenderSize is set, in which case Rect carries viewer pixels captured at
// that size and is converted here.
type FieldInput struct {
	Type          domain.FieldType   `json:"type"`
	Page          int                `json:"page"`
	AssigneeEmail string             `json:"assigneeEmail"`
	Required      bool               `json:"required"`
	Rect          domain.PixelRect   `json:"rect"`
	RenderSize    *domain.RenderSize `json:"renderSize,omitempty"`
}

// CreateEnvelopeParams carries everything needed to create a DRAFT envelope.
type CreateEnvelopeParams struct {
	Title       string
	Message     string
	SigningMode domain.SigningMode
	Signers     []SignerInput
	Fields      []FieldInput
	ExpiresAt   time.Time
	Filename    string
	Document    io.Reader
	Size        int64
}

// CreateEnvelope uploads the document, counts its pages, and persists a new
// DRAFT envelope. The document upload is rolled back when persisting fails.
func (a *App) CreateEnvelope(ctx context.Context, owner domain.Actor, p CreateEnvelopeParams) (*domain.Envelope, error) {
	if strings.TrimSpace(p.Filename) == "" {
		return nil, &domain.ValidationError{Field: "file", Reason: "filename required"}
	}
	if !strings.EqualFold(filepath.Ext(p.Filename), ".pdf") {
		return nil, &domain.ValidationError{Field: "file", Reason: "only PDF documents are supported"}
	}
	data, err := io.ReadAll(p.Document)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	pages, err := a.pageCount(bytes.NewReader(data))
	if err != nil {
		return nil, &domain.ValidationError{Field: "file", Reason: "document is not a readable PDF"}
	}

	now := a.now()
	id := uuid.NewString()
	docKey := buildDocumentKey(id, p.Filename)

	signers := make([]domain.Signer, 0, len(p.Signers))
	for _, in := range p.Signers {
		signers = append(signers, domain.Signer{
			ID:           uuid.NewString(),
			Email:        domain.NormalizeEmail(in.Email),
			Name:         strings.TrimSpace(in.Name),
			Role:         in.Role,
			Order:        in.Order,
			Status:       domain.SignerPending,
			Token:        util.NewID(),
			TokenExpires: now.Add(a.signLinkTTL),
		})
	}
	fields := make([]domain.Field, 0, len(p.Fields))
	for _, in := range p.Fields {
		rect := domain.NormalizedRect{X: in.Rect.X, Y: in.Rect.Y, Width: in.Rect.Width, Height: in.Rect.Height}
		if in.RenderSize != nil {
			rect, err = domain.ToNormalized(in.Rect, *in.RenderSize)
			if err != nil {
				return nil, err
			}
		}
		fields = append(fields, domain.Field{
			ID:            uuid.NewString(),
			AssigneeEmail: domain.NormalizeEmail(in.AssigneeEmail),
			Type:          in.Type,
			Page:          in.Page,
			Rect:          rect,
			Required:      in.Required,
		})
	}

	env, err := domain.NewEnvelope(domain.EnvelopeParams{
		ID:          id,
		OwnerID:     owner.UserID,
		Title:       strings.TrimSpace(p.Title),
		Message:     strings.TrimSpace(p.Message),
		DocumentKey: docKey,
		SigningMode: p.SigningMode,
		PageCount:   pages,
		Signers:     signers,
		Fields:      fields,
		ExpiresAt:   p.ExpiresAt,
		Now:         now,
		Actor:       owner,
	})
	if err != nil {
		return nil, err
	}

	if err := a.objects.Put(ctx, docKey, bytes.NewReader(data), int64(len(data)), "application/pdf"); err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}
	if err := a.store.CreateEnvelope(ctx, env); err != nil {
		_ = a.objects.Delete(ctx, docKey)
		return nil, fmt.Errorf("create envelope: %w", err)
	}
	return env, nil
}

// SendEnvelope transitions DRAFT to SENT and fans out invitations to every
// signer whose turn is active.
func (a *App) SendEnvelope(ctx context.Context, id string, owner domain.Actor) (*domain.Envelope, error) {
	env, err := a.mutateOwned(ctx, id, owner, func(env *domain.Envelope) error {
		return env.Send(a.now(), owner)
	})
	if err != nil {
		return nil, err
	}
	a.notifyInvitations(ctx, env, notify.EventInvitation)
	return env, nil
}

// ListEnvelopes pages the owner's envelopes.
func (a *App) ListEnvelopes(ctx context.Context, ownerID string, filter store.ListFilter) ([]domain.Envelope, int64, error) {
	return a.store.ListEnvelopes(ctx, ownerID, filter)
}

// GetEnvelope loads one envelope for its owner, applying lazy expiry.
func (a *App) GetEnvelope(ctx context.Context, id string, owner domain.Actor) (*domain.Envelope, error) {
	env, err := a.store.GetEnvelope(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.OwnerID != owner.UserID {
		return nil, ErrForbidden
	}
	if env.ExpireIfOverdue(a.now(), domain.Actor{}) {
		if err := a.store.UpdateEnvelope(ctx, env); err != nil && !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
	}
	return env, nil
}

// AuditTrail replays the envelope's audit events for its owner.
func (a *App) AuditTrail(ctx context.Context, id string, owner domain.Actor) ([]domain.AuditEvent, error) {
	env, err := a.store.GetEnvelope(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.OwnerID != owner.UserID {
		return nil, ErrForbidden
	}
	return a.store.ListAuditTrail(ctx, id)
}

// DownloadURL returns a pre-signed URL for the envelope document. Completed
// envelopes resolve to the sealed artifact.
func (a *App) DownloadURL(ctx context.Context, id string, owner domain.Actor) (string, error) {
	env, err := a.store.GetEnvelope(ctx, id)
	if err != nil {
		return "", err
	}
	if env.OwnerID != owner.UserID {
		return "", ErrForbidden
	}
	key := env.DocumentKey
	if env.Status == domain.StatusCompleted && env.SealedKey != "" {
		key = env.SealedKey
	}
	return a.objects.PresignGet(ctx, key, a.presignExpiry)
}

// SignerSession is what a signer sees after opening their magic link.
type SignerSession struct {
	Envelope    *domain.Envelope    `json:"envelope"`
	Signer      domain.Signer       `json:"signer"`
	Fields      []domain.Field      `json:"fields"`
	DocumentURL string              `json:"documentUrl"`
	NextActions []domain.NextAction `json:"nextActions"`
}

// OpenSignerSession resolves a magic-link token, records the view, and
// returns the signer's working set.
func (a *App) OpenSignerSession(ctx context.Context, token string, actor domain.Actor) (*SignerSession, error) {
	env, signer, err := a.mutateByToken(ctx, token, func(env *domain.Envelope, signer *domain.Signer) error {
		actor.Email = signer.Email
		env.RecordViewed(a.now(), actor)
		return nil
	})
	if err != nil {
		return nil, err
	}
	url, err := a.objects.PresignGet(ctx, env.DocumentKey, a.presignExpiry)
	if err != nil {
		return nil, fmt.Errorf("presign document: %w", err)
	}
	return &SignerSession{
		Envelope:    env,
		Signer:      *signer,
		Fields:      domain.FieldsForSigner(env.Fields, signer.Email),
		DocumentURL: url,
		NextActions: env.NextActions(signer.Email),
	}, nil
}

// SubmitSignatures fills the signer's field values and records their SIGNED
// transition. When the last signer finishes, sealing is kicked off.
func (a *App) SubmitSignatures(ctx context.Context, token string, values map[string]string, actor domain.Actor) (*domain.Envelope, error) {
	env, _, err := a.mutateByToken(ctx, token, func(env *domain.Envelope, signer *domain.Signer) error {
		actor.Email = signer.Email
		now := a.now()
		for fieldID, value := range values {
			if err := env.CompleteField(fieldID, value, now, actor); err != nil {
				return err
			}
		}
		return env.Sign(now, actor)
	})
	if err != nil {
		return nil, err
	}
	a.publish(ctx, notify.Event{
		Kind:          notify.EventSigned,
		EnvelopeID:    env.ID,
		EnvelopeTitle: env.Title,
		OwnerID:       env.OwnerID,
	})
	if env.AllSigned() {
		a.startSealing(ctx, env)
	} else if env.SigningMode == domain.ModeSequential {
		// advance the sequence: invite the next signer
		a.notifyInvitations(ctx, env, notify.EventInvitation)
	}
	return env, nil
}

// DeclineEnvelope records a signer's refusal and terminates the workflow.
func (a *App) DeclineEnvelope(ctx context.Context, token, reason string, actor domain.Actor) (*domain.Envelope, error) {
	env, _, err := a.mutateByToken(ctx, token, func(env *domain.Envelope, signer *domain.Signer) error {
		actor.Email = signer.Email
		return env.Decline(reason, a.now(), actor)
	})
	if err != nil {
		return nil, err
	}
	a.publish(ctx, notify.Event{
		Kind:          notify.EventDeclined,
		EnvelopeID:    env.ID,
		EnvelopeTitle: env.Title,
		OwnerID:       env.OwnerID,
		Reason:        reason,
	})
	return env, nil
}

// VoidEnvelope cancels an active envelope on the owner's behalf.
func (a *App) VoidEnvelope(ctx context.Context, id, reason string, owner domain.Actor) (*domain.Envelope, error) {
	env, err := a.mutateOwned(ctx, id, owner, func(env *domain.Envelope) error {
		return env.Void(reason, a.now(), owner)
	})
	if err != nil {
		return nil, err
	}
	a.publish(ctx, notify.Event{
		Kind:          notify.EventVoided,
		EnvelopeID:    env.ID,
		EnvelopeTitle: env.Title,
		OwnerID:       env.OwnerID,
		Reason:        env.VoidReason,
	})
	return env, nil
}

// RemindPending re-notifies signers whose turn is active. Reminders are
// rate limited per envelope when a limiter is configured.
func (a *App) RemindPending(ctx context.Context, id string, owner domain.Actor) (*domain.Envelope, error) {
	if a.reminders != nil && !a.reminders.Allow(id) {
		return nil, ErrReminderThrottled
	}
	env, err := a.mutateOwned(ctx, id, owner, func(env *domain.Envelope) error {
		if env.Status != domain.StatusSent {
			return domain.ErrEnvelopeNotActive
		}
		pending := activeSigners(env)
		if len(pending) == 0 {
			return domain.ErrEnvelopeNotActive
		}
		emails := make([]string, 0, len(pending))
		for _, s := range pending {
			emails = append(emails, s.Email)
		}
		env.RecordReminder(a.now(), owner, map[string]any{"recipients": emails})
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.notifyInvitations(ctx, env, notify.EventReminder)
	return env, nil
}

// ResendInvitation rotates a signer's magic link and sends a fresh
// invitation. The old link stops working immediately.
func (a *App) ResendInvitation(ctx context.Context, id, signerEmail string, owner domain.Actor) (*domain.Envelope, error) {
	signerEmail = domain.NormalizeEmail(signerEmail)
	var invited *domain.Signer
	env, err := a.mutateOwned(ctx, id, owner, func(env *domain.Envelope) error {
		if env.Status != domain.StatusSent {
			return domain.ErrEnvelopeNotActive
		}
		signer := domain.SignerByEmail(env.Signers, signerEmail)
		if signer == nil {
			return domain.ErrSignerNotFound
		}
		if signer.Status != domain.SignerPending {
			return domain.ErrEnvelopeNotActive
		}
		signer.Token = util.NewID()
		signer.TokenExpires = a.now().Add(a.signLinkTTL)
		env.RecordReminder(a.now(), owner, map[string]any{"recipients": []string{signer.Email}, "rotated": true})
		invited = signer
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.publish(ctx, notify.Event{
		Kind:           notify.EventInvitation,
		EnvelopeID:     env.ID,
		EnvelopeTitle:  env.Title,
		OwnerID:        env.OwnerID,
		RecipientEmail: invited.Email,
		RecipientName:  invited.Name,
		SignLink:       a.signLink(invited.Token),
	})
	return env, nil
}

// SignLink returns a signer's magic link for the owner to share manually,
// recording the copy in the audit trail.
func (a *App) SignLink(ctx context.Context, id, signerEmail string, owner domain.Actor) (string, error) {
	signerEmail = domain.NormalizeEmail(signerEmail)
	var link string
	_, err := a.mutateOwned(ctx, id, owner, func(env *domain.Envelope) error {
		signer := domain.SignerByEmail(env.Signers, signerEmail)
		if signer == nil {
			return domain.ErrSignerNotFound
		}
		env.RecordLinkCopied(signer.Email, a.now(), owner)
		link = a.signLink(signer.Token)
		return nil
	})
	if err != nil {
		return "", err
	}
	return link, nil
}

// ExpireOverdue sweeps envelopes past their deadline and flips them to
// EXPIRED. Returns how many were expired.
func (a *App) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	now := a.now()
	ids, err := a.store.ListOverdue(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list overdue: %w", err)
	}
	expired := 0
	for _, id := range ids {
		env, err := a.store.GetEnvelope(ctx, id)
		if err != nil {
			continue
		}
		if !env.ExpireIfOverdue(now, domain.Actor{}) {
			continue
		}
		if err := a.store.UpdateEnvelope(ctx, env); err != nil {
			slog.Warn("expire envelope failed", "envelope_id", id, "err", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// RetrySeal re-runs sealing for an all-signed envelope that failed to seal.
func (a *App) RetrySeal(ctx context.Context, id string, owner domain.Actor) (*domain.Envelope, error) {
	env, err := a.store.GetEnvelope(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.OwnerID != owner.UserID {
		return nil, ErrForbidden
	}
	if err := a.sealAndComplete(ctx, env, owner); err != nil {
		return nil, err
	}
	return env, nil
}

// ProcessSealJob is the seal queue worker entry point.
func (a *App) ProcessSealJob(ctx context.Context, envelopeID string) error {
	env, err := a.store.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return err
	}
	return a.sealAndComplete(ctx, env, domain.Actor{})
}

// sealAndComplete runs the sealing coordinator and, on success, flips the
// envelope to COMPLETED with its sealed artifact reference. Failed attempts
// are persisted to the audit trail either way.
func (a *App) sealAndComplete(ctx context.Context, env *domain.Envelope, actor domain.Actor) error {
	if env.Status != domain.StatusSent || !env.AllSigned() {
		return domain.ErrEnvelopeNotActive
	}
	ref, sealErr := a.sealer.Seal(ctx, env, actor)
	if sealErr != nil {
		if err := a.store.UpdateEnvelope(ctx, env); err != nil {
			slog.Error("persist seal failure audit", "envelope_id", env.ID, "err", err)
		}
		return sealErr
	}
	if err := env.MarkCompleted(ref, a.now(), actor); err != nil {
		return err
	}
	if err := a.store.UpdateEnvelope(ctx, env); err != nil {
		return fmt.Errorf("persist completed envelope: %w", err)
	}
	a.publish(ctx, notify.Event{
		Kind:          notify.EventCompleted,
		EnvelopeID:    env.ID,
		EnvelopeTitle: env.Title,
		OwnerID:       env.OwnerID,
	})
	return nil
}

// startSealing hands the envelope to the queue worker, or seals inline when
// no queue is configured.
func (a *App) startSealing(ctx context.Context, env *domain.Envelope) {
	if a.queue != nil {
		err := a.queue.Enqueue(ctx, env.ID)
		if err == nil {
			return
		}
		slog.Warn("enqueue seal job failed, sealing inline", "envelope_id", env.ID, "err", err)
	}
	if err := a.sealAndComplete(ctx, env, domain.Actor{}); err != nil {
		slog.Error("sealing failed", "envelope_id", env.ID, "err", err)
	}
}

// mutateOwned loads an owner's envelope, applies fn, and persists the result.
// A version conflict triggers one reload and retry. Lazy expiry runs before
// fn so an overdue envelope rejects the operation with its EXPIRED state
// already persisted.
func (a *App) mutateOwned(ctx context.Context, id string, owner domain.Actor, fn func(*domain.Envelope) error) (*domain.Envelope, error) {
	for attempt := 0; ; attempt++ {
		env, err := a.store.GetEnvelope(ctx, id)
		if err != nil {
			return nil, err
		}
		if env.OwnerID != owner.UserID {
			return nil, ErrForbidden
		}
		expired := env.ExpireIfOverdue(a.now(), domain.Actor{})
		fnErr := fn(env)
		if fnErr != nil && !expired {
			return nil, fnErr
		}
		if err := a.store.UpdateEnvelope(ctx, env); err != nil {
			if errors.Is(err, store.ErrVersionConflict) && attempt == 0 {
				continue
			}
			return nil, err
		}
		if fnErr != nil {
			return nil, fnErr
		}
		return env, nil
	}
}

// mutateByToken is mutateOwned for magic-link signers: it resolves the
// token, rejects expired links, and passes the matched signer to fn.
func (a *App) mutateByToken(ctx context.Context, token string, fn func(*domain.Envelope, *domain.Signer) error) (*domain.Envelope, *domain.Signer, error) {
	for attempt := 0; ; attempt++ {
		env, err := a.store.GetEnvelopeBySignerToken(ctx, token)
		if err != nil {
			return nil, nil, err
		}
		signer := domain.SignerByToken(env.Signers, token)
		if signer == nil {
			return nil, nil, store.ErrNotFound
		}
		now := a.now()
		if now.After(signer.TokenExpires) {
			return nil, nil, domain.ErrSignLinkExpired
		}
		expired := env.ExpireIfOverdue(now, domain.Actor{})
		fnErr := fn(env, signer)
		if fnErr != nil && !expired {
			return nil, nil, fnErr
		}
		if err := a.store.UpdateEnvelope(ctx, env); err != nil {
			if errors.Is(err, store.ErrVersionConflict) && attempt == 0 {
				continue
			}
			return nil, nil, err
		}
		if fnErr != nil {
			return nil, nil, fnErr
		}
		return env, signer, nil
	}
}

// notifyInvitations fans out to every signer whose turn is active. Failures
// are logged, never surfaced: notification is best effort.
func (a *App) notifyInvitations(ctx context.Context, env *domain.Envelope, kind string) {
	recipients := activeSigners(env)
	if len(recipients) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, signer := range recipients {
		ev := notify.Event{
			Kind:           kind,
			EnvelopeID:     env.ID,
			EnvelopeTitle:  env.Title,
			OwnerID:        env.OwnerID,
			RecipientEmail: signer.Email,
			RecipientName:  signer.Name,
			SignLink:       a.signLink(signer.Token),
		}
		g.Go(func() error {
			return a.notifier.Publish(gctx, ev)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("notify signers", "envelope_id", env.ID, "kind", kind, "err", err)
	}
}

func (a *App) publish(ctx context.Context, ev notify.Event) {
	if err := a.notifier.Publish(ctx, ev); err != nil {
		slog.Warn("publish event", "envelope_id", ev.EnvelopeID, "kind", ev.Kind, "err", err)
	}
}

func (a *App) signLink(token string) string {
	return a.publicBaseURL + "/sign/" + token
}

// activeSigners returns the signers whose turn it is: the next in line for
// sequential envelopes, every pending signer otherwise.
func activeSigners(env *domain.Envelope) []domain.Signer {
	pending := domain.PendingSigners(env.Signers)
	if env.SigningMode != domain.ModeSequential || len(pending) == 0 {
		return pending
	}
	return pending[:1]
}

func buildDocumentKey(envelopeID, filename string) string {
	name := sanitizeFilename(filepath.Base(filename))
	if name == "" {
		name = "document.pdf"
	}
	return path.Join("envelopes", envelopeID, name)
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

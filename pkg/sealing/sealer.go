package sealing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"signflow/pkg/domain"
	"signflow/pkg/storage"
)

// DocumentRenderer is the external collaborator that flattens the PDF,
// stamps the collected field values, and writes the sealed artifact to
// object storage under the returned key.
type DocumentRenderer interface {
	SealDocument(ctx context.Context, req SealRequest) (string, error)
}

// SealRequest carries everything the renderer needs to produce the final
// artifact.
type SealRequest struct {
	EnvelopeID  string          `json:"envelopeId"`
	DocumentKey string          `json:"documentKey"`
	SealedKey   string          `json:"sealedKey"`
	Title       string          `json:"title"`
	Signers     []domain.Signer `json:"signers"`
	Fields      []domain.Field  `json:"fields"`
}

// SealError reports a sealing run that did not produce an artifact. The
// envelope stays in its pre-sealing active state.
type SealError struct {
	Attempts int
	Err      error
}

func (e *SealError) Error() string {
	return fmt.Sprintf("sealing failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *SealError) Unwrap() error { return e.Err }

// transientError marks failures worth retrying (timeouts, 5xx).
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Coordinator owns the sealing retry and consistency policy. It never
// transitions an envelope to COMPLETED itself; it only produces (or fails to
// produce) the sealed artifact reference, recording one SEAL_FAILED audit
// event per failed attempt on the aggregate.
type Coordinator struct {
	renderer    DocumentRenderer
	objects     storage.ObjectStore
	maxAttempts int
	backoff     time.Duration
	timeout     time.Duration
}

// Config tunes the coordinator. Zero values fall back to 3 attempts, 2s
// backoff base, and a 30s per-attempt timeout.
type Config struct {
	Renderer    DocumentRenderer
	Objects     storage.ObjectStore
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
}

// NewCoordinator wires the sealing policy around a renderer.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Renderer == nil {
		return nil, errors.New("sealing renderer is required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("sealing object store is required")
	}
	c := &Coordinator{
		renderer:    cfg.Renderer,
		objects:     cfg.Objects,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		timeout:     cfg.Timeout,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.backoff <= 0 {
		c.backoff = 2 * time.Second
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	return c, nil
}

// Seal produces the sealed artifact for an all-signed envelope. Transient
// failures are retried with linear backoff up to the attempt limit; each
// failed attempt records SEAL_FAILED on the aggregate. A persistent failure
// stops immediately. On success the sealed bytes are hashed so the reference
// is tamper-evident.
func (c *Coordinator) Seal(ctx context.Context, env *domain.Envelope, actor domain.Actor) (domain.SealedDocumentRef, error) {
	if !env.AllSigned() {
		return domain.SealedDocumentRef{}, errors.New("sealing requires all signers SIGNED")
	}
	req := SealRequest{
		EnvelopeID:  env.ID,
		DocumentKey: env.DocumentKey,
		SealedKey:   storage.SealedKeyFor(env.DocumentKey),
		Title:       env.Title,
		Signers:     env.Signers,
		Fields:      env.Fields,
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		ref, err := c.sealOnce(ctx, req)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		env.RecordSealFailure(attempt, err.Error(), time.Now().UTC(), actor)
		slog.Warn("seal attempt failed",
			"envelope_id", env.ID,
			"attempt", attempt,
			"transient", IsTransient(err),
			"err", err,
		)
		if !IsTransient(err) {
			return domain.SealedDocumentRef{}, &SealError{Attempts: attempt, Err: err}
		}
		if attempt < c.maxAttempts {
			select {
			case <-time.After(c.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return domain.SealedDocumentRef{}, &SealError{Attempts: attempt, Err: ctx.Err()}
			}
		}
	}
	return domain.SealedDocumentRef{}, &SealError{Attempts: c.maxAttempts, Err: lastErr}
}

func (c *Coordinator) sealOnce(ctx context.Context, req SealRequest) (domain.SealedDocumentRef, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key, err := c.renderer.SealDocument(attemptCtx, req)
	if err != nil {
		if attemptCtx.Err() != nil {
			return domain.SealedDocumentRef{}, Transient(fmt.Errorf("seal document timed out: %w", err))
		}
		return domain.SealedDocumentRef{}, err
	}
	hash, err := c.hashObject(attemptCtx, key)
	if err != nil {
		return domain.SealedDocumentRef{}, Transient(fmt.Errorf("hash sealed artifact: %w", err))
	}
	return domain.SealedDocumentRef{Key: key, SHA256: hash}, nil
}

func (c *Coordinator) hashObject(ctx context.Context, key string) (string, error) {
	r, _, err := c.objects.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer r.Close()
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

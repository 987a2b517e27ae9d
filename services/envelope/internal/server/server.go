package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"signflow/internal/servicetoken"
	"signflow/internal/util"
	"signflow/pkg/domain"
	"signflow/pkg/sealing"
	"signflow/pkg/store"
	"signflow/services/envelope/internal/app"
)

// SubjectVerifier validates an owner bearer token and extracts the user id.
// Satisfied by usertoken.Verifier.
type SubjectVerifier interface {
	VerifySubject(token string) (string, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                         *app.App
	TokenVerifier               SubjectVerifier
	InternalJWTVerifyPublicKeys map[string]string
	TrustedProxies              *util.TrustedProxies
	MaxUploadBytes              int64
}

// Server exposes HTTP endpoints for the envelope service.
type Server struct {
	app            *app.App
	tokenVerifier  SubjectVerifier
	internalVerify *servicetoken.Verifier
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 25 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	if len(cfg.InternalJWTVerifyPublicKeys) > 0 {
		verifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
			VerifyPublicKeyMap: cfg.InternalJWTVerifyPublicKeys,
			Audience:           "envelope",
			AllowedIssuers:     []string{"scheduler"},
			Leeway:             servicetoken.DefaultLeeway,
		})
		if err != nil {
			return nil, err
		}
		s.internalVerify = verifier
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("envelope", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// owner API
	s.mux.Handle("/envelopes", s.withUser(s.handleEnvelopes))
	s.mux.Handle("/envelopes/", s.withUser(s.handleEnvelopeByID))

	// signer magic-link API, no account required
	s.mux.HandleFunc("/sign/", s.handleSign)

	// scheduler-driven sweep
	s.mux.Handle("/internal/envelopes/expire", s.withInternal(s.handleExpireSweep))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.Actor)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		subject, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, s.actorFor(r, subject))
	})
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.internalVerify == nil {
			writeError(w, http.StatusInternalServerError, "internal auth not configured")
			return
		}
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if _, err := s.internalVerify.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

func (s *Server) actorFor(r *http.Request, userID string) domain.Actor {
	return domain.Actor{
		UserID:    userID,
		IP:        util.ClientIP(r, s.trustedProxies),
		UserAgent: r.UserAgent(),
	}
}

func (s *Server) handleEnvelopes(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateEnvelope(w, r, actor)
	case http.MethodGet:
		s.handleListEnvelopes(w, r, actor)
	default:
		methodNotAllowed(w)
	}
}

// createMetadata is the JSON part of the multipart create request.
type createMetadata struct {
	Title       string             `json:"title"`
	Message     string             `json:"message"`
	SigningMode domain.SigningMode `json:"signingMode"`
	Signers     []app.SignerInput  `json:"signers"`
	Fields      []app.FieldInput   `json:"fields"`
	ExpiresAt   time.Time          `json:"expiresAt"`
}

func (s *Server) handleCreateEnvelope(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	meta := r.FormValue("envelope")
	if meta == "" {
		writeError(w, http.StatusBadRequest, "envelope metadata required (field: envelope)")
		return
	}
	var req createMetadata
	if err := json.Unmarshal([]byte(meta), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid envelope metadata")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "document is required (field: file)")
		return
	}
	defer file.Close()

	env, err := s.app.CreateEnvelope(r.Context(), actor, app.CreateEnvelopeParams{
		Title:       req.Title,
		Message:     req.Message,
		SigningMode: req.SigningMode,
		Signers:     req.Signers,
		Fields:      req.Fields,
		ExpiresAt:   req.ExpiresAt,
		Filename:    header.Filename,
		Document:    file,
		Size:        header.Size,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (s *Server) handleListEnvelopes(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	filter := store.ListFilter{
		Status: domain.EnvelopeStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	items, total, err := s.app.ListEnvelopes(r.Context(), actor.UserID, filter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
	})
}

// /envelopes/{id} plus action subroutes.
func (s *Server) handleEnvelopeByID(w http.ResponseWriter, r *http.Request, actor domain.Actor) {
	path := strings.TrimPrefix(r.URL.Path, "/envelopes/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		env, err := s.app.GetEnvelope(r.Context(), id, actor)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, envelopeView(env))
		return
	}

	action := parts[1]
	switch action {
	case "audit":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleAuditTrail(w, r, actor, id)
	case "download":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleDownload(w, r, actor, id)
	case "send", "void", "remind", "resend", "sign-link", "seal":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleEnvelopeAction(w, r, actor, id, action)
	default:
		notFound(w, "not found")
	}
}

type actionRequest struct {
	Reason      string `json:"reason"`
	SignerEmail string `json:"signerEmail"`
}

func (s *Server) handleEnvelopeAction(w http.ResponseWriter, r *http.Request, actor domain.Actor, id, action string) {
	var req actionRequest
	if r.Body != nil {
		// action bodies are optional
		_ = json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req)
	}
	ctx := r.Context()
	switch action {
	case "send":
		env, err := s.app.SendEnvelope(ctx, id, actor)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, envelopeView(env))
	case "void":
		env, err := s.app.VoidEnvelope(ctx, id, req.Reason, actor)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, envelopeView(env))
	case "remind":
		env, err := s.app.RemindPending(ctx, id, actor)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, envelopeView(env))
	case "resend":
		env, err := s.app.ResendInvitation(ctx, id, req.SignerEmail, actor)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, envelopeView(env))
	case "sign-link":
		link, err := s.app.SignLink(ctx, id, req.SignerEmail, actor)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"signLink": link})
	case "seal":
		env, err := s.app.RetrySeal(ctx, id, actor)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, envelopeView(env))
	}
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request, actor domain.Actor, id string) {
	events, err := s.app.AuditTrail(r.Context(), id, actor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": events,
		"count": len(events),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, actor domain.Actor, id string) {
	url, err := s.app.DownloadURL(r.Context(), id, actor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// /sign/{token} and /sign/{token}/decline
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sign/")
	parts := strings.SplitN(path, "/", 2)
	token := parts[0]
	if token == "" {
		notFound(w, "not found")
		return
	}
	actor := domain.Actor{
		IP:        util.ClientIP(r, s.trustedProxies),
		UserAgent: r.UserAgent(),
	}
	ctx := r.Context()

	if len(parts) == 2 {
		if parts[1] != "decline" || r.Method != http.MethodPost {
			notFound(w, "not found")
			return
		}
		var req actionRequest
		_ = json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req)
		env, err := s.app.DeclineEnvelope(ctx, token, req.Reason, actor)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, envelopeView(env))
		return
	}

	switch r.Method {
	case http.MethodGet:
		session, err := s.app.OpenSignerSession(ctx, token, actor)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case http.MethodPost:
		var req struct {
			Values map[string]string `json:"values"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		env, err := s.app.SubmitSignatures(ctx, token, req.Values, actor)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, envelopeView(env))
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleExpireSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	expired, err := s.app.ExpireOverdue(r.Context(), 500)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": expired})
}

// envelopeView adds the derived action set to the serialized envelope.
func envelopeView(env *domain.Envelope) map[string]any {
	return map[string]any{
		"envelope":    env,
		"nextActions": env.NextActions(""),
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeAppError translates domain and application errors into HTTP status
// codes: validation 400, authorization 403, missing 404, illegal transitions
// 409, stale sign links 410, throttled reminders 429, sealing failures 502.
func writeAppError(w http.ResponseWriter, err error) {
	var sealErr *sealing.SealError
	switch {
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrForbidden), errors.Is(err, domain.ErrNotAssignee):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, domain.ErrSignerNotFound), errors.Is(err, domain.ErrFieldNotFound):
		writeError(w, http.StatusNotFound, "envelope not found")
	case errors.Is(err, domain.ErrSignLinkExpired):
		writeError(w, http.StatusGone, "sign link expired")
	case errors.Is(err, app.ErrReminderThrottled):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case domain.IsInvalidTransition(err), errors.Is(err, domain.ErrEnvelopeNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &sealErr):
		writeError(w, http.StatusBadGateway, "document sealing failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "token verifier not configured", message == "internal auth not configured":
		return "SYSTEM_INTERNAL_ERROR"
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "ENVELOPE_FORBIDDEN"
	case message == "envelope not found":
		return "ENVELOPE_NOT_FOUND"
	case message == "sign link expired":
		return "SIGN_LINK_EXPIRED"
	case message == "document sealing failed":
		return "ENVELOPE_SEAL_FAILED"
	case strings.Contains(message, "reminder limit"):
		return "ENVELOPE_REMINDER_THROTTLED"
	case message == "invalid form data":
		return "ENVELOPE_INVALID_UPLOAD_FORM"
	case message == "invalid json body", message == "invalid envelope metadata":
		return "ENVELOPE_INVALID_REQUEST"
	case strings.Contains(message, "document is required"), strings.Contains(message, "metadata required"):
		return "ENVELOPE_DOCUMENT_REQUIRED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "ENVELOPE_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "ENVELOPE_FORBIDDEN"
	case http.StatusNotFound:
		return "ENVELOPE_NOT_FOUND"
	case http.StatusConflict:
		return "ENVELOPE_INVALID_TRANSITION"
	case http.StatusGone:
		return "SIGN_LINK_EXPIRED"
	case http.StatusTooManyRequests:
		return "ENVELOPE_REMINDER_THROTTLED"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusBadGateway:
		return "ENVELOPE_SEAL_FAILED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

package handler

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-interview/internal/bootstrap"
	"github.com/stemsi/exstem-interview/internal/interview"
	"github.com/stemsi/exstem-interview/internal/middleware"
	"github.com/stemsi/exstem-interview/internal/model"
	"github.com/stemsi/exstem-interview/internal/response"
	"github.com/stemsi/exstem-interview/internal/service"
	"github.com/stemsi/exstem-interview/internal/speech"
	"github.com/stemsi/exstem-interview/internal/validator"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// sessionIDPattern restricts session IDs to characters safe in Redis keys.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Sessions is the session registry the handler drives.
type Sessions interface {
	Initialize(ctx context.Context, sessionID, token string, overrides service.SpeechOverrides) (model.SessionSnapshot, error)
	StartRecording(ctx context.Context, sessionID, token string) (model.SessionSnapshot, error)
	StopRecording(ctx context.Context, sessionID, token string) (model.SessionSnapshot, error)
	Finish(ctx context.Context, sessionID, token string) (model.SessionSnapshot, error)
	Leave(ctx context.Context, sessionID, token string) error
	State(ctx context.Context, sessionID, token string) (model.SessionSnapshot, error)
}

// AuditSummaries reads the persisted proctoring trail.
type AuditSummaries interface {
	Summary(ctx context.Context, sessionID string, limit int) (*service.AuditSummary, error)
}

// SessionHandler handles the interview page's session endpoints.
type SessionHandler struct {
	sessions Sessions
	audit    AuditSummaries
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions Sessions, audit AuditSummaries, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		audit:    audit,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// Initialize godoc
// POST /api/v1/sessions/:session_id/initialize
// Bootstraps the session on the connected page and starts the interview.
func (h *SessionHandler) Initialize(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	var req model.InitializeSessionRequest
	if fields := validator.BindOptional(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	snap, err := h.sessions.Initialize(c.Request.Context(), sessionID, middleware.GetToken(c), service.SpeechOverrides{
		Language: req.Language,
		Rate:     req.SpeechRate,
		Pitch:    req.SpeechPitch,
	})
	if err != nil {
		h.failInitialize(c, sessionID, err)
		return
	}

	log := h.logger(c, sessionID)
	log.Info().
		Str("subject", middleware.GetSubject(c)).
		Int("questions", snap.TotalQuestions).
		Msg("Session initialized")
	response.Success(c, http.StatusCreated, snap)
}

// StartRecording godoc
// POST /api/v1/sessions/:session_id/recording/start
func (h *SessionHandler) StartRecording(c *gin.Context) {
	h.control(c, h.sessions.StartRecording)
}

// StopRecording godoc
// POST /api/v1/sessions/:session_id/recording/stop
// The answer is submitted in the background; poll state or watch the
// device socket for the result.
func (h *SessionHandler) StopRecording(c *gin.Context) {
	h.control(c, h.sessions.StopRecording)
}

// Finish godoc
// POST /api/v1/sessions/:session_id/finish
// Completes the interview early on the candidate's request.
func (h *SessionHandler) Finish(c *gin.Context) {
	h.control(c, h.sessions.Finish)
}

// Leave godoc
// DELETE /api/v1/sessions/:session_id
// Releases the camera, microphone and speech engines without completing.
func (h *SessionHandler) Leave(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if err := h.sessions.Leave(c.Request.Context(), sessionID, middleware.GetToken(c)); err != nil {
		h.failControl(c, sessionID, err, nil)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session_id": sessionID, "left": true})
}

// State godoc
// GET /api/v1/sessions/:session_id/state
func (h *SessionHandler) State(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	snap, err := h.sessions.State(c.Request.Context(), sessionID, middleware.GetToken(c))
	if err != nil {
		h.failControl(c, sessionID, err, nil)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// Audit godoc
// GET /api/v1/sessions/:session_id/audit?limit=100
// Returns the persisted proctoring trail of a session.
func (h *SessionHandler) Audit(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxAuditLimit {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{
				"limit": "limit must be between 1 and " + strconv.Itoa(maxAuditLimit),
			})
			return
		}
		limit = n
	}

	summary, err := h.audit.Summary(c.Request.Context(), sessionID, limit)
	if err != nil {
		log := h.logger(c, sessionID)
		log.Error().Err(err).Msg("Load audit trail failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, summary)
}

func (h *SessionHandler) logger(c *gin.Context, sessionID string) zerolog.Logger {
	return response.RequestLogger(c, h.log).With().Str("session_id", sessionID).Logger()
}

type controlFunc func(ctx context.Context, sessionID, token string) (model.SessionSnapshot, error)

func (h *SessionHandler) control(c *gin.Context, fn controlFunc) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	snap, err := fn(c.Request.Context(), sessionID, middleware.GetToken(c))
	if err != nil {
		h.failControl(c, sessionID, err, &snap)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// failInitialize maps bootstrap failures. Fatal errors carry a recovery hint
// since the page cannot continue the interview.
func (h *SessionHandler) failInitialize(c *gin.Context, sessionID string, err error) {
	log := h.logger(c, sessionID)

	var fatal *bootstrap.FatalError
	switch {
	case errors.As(err, &fatal):
		log.Warn().Err(err).Str("kind", string(fatal.Kind)).Msg("Session initialization failed")
		switch fatal.Kind {
		case bootstrap.FatalCameraRequired:
			response.FailWithRecovery(c, http.StatusForbidden, response.ErrCameraRequired, fatal.Message, response.RecoveryReturnToDashboard)
		case bootstrap.FatalNoQuestions:
			response.FailWithRecovery(c, http.StatusUnprocessableEntity, response.ErrNoQuestions, fatal.Message, response.RecoveryReturnToDashboard)
		default:
			response.FailWithRecovery(c, http.StatusBadGateway, response.ErrSessionStartFailed, fatal.Message, response.RecoveryReturnToDashboard)
		}
	case errors.Is(err, service.ErrDeviceNotConnected):
		response.FailWithRecovery(c, http.StatusConflict, response.ErrDeviceNotConnected, "", response.RecoveryReturnToDashboard)
	case errors.Is(err, service.ErrSessionActive):
		response.Fail(c, http.StatusConflict, response.ErrSessionActive)
	default:
		log.Error().Err(err).Msg("Session initialization failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

// failControl maps errors of calls on a running session. Rejected commands
// still return the current snapshot when there is one.
func (h *SessionHandler) failControl(c *gin.Context, sessionID string, err error, snap *model.SessionSnapshot) {
	status, code := controlError(err)
	if status == http.StatusInternalServerError || status == http.StatusBadGateway {
		log := h.logger(c, sessionID)
		log.Error().Err(err).Msg("Session command failed")
	}
	if snap != nil && snap.SessionID != "" {
		response.SuccessWithError(c, status, code, snap)
		return
	}
	response.Fail(c, status, code)
}

func controlError(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, response.ErrSessionNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, response.ErrForbidden
	case errors.Is(err, interview.ErrNotInProgress):
		return http.StatusConflict, response.ErrNotInProgress
	case errors.Is(err, interview.ErrSubmitting):
		return http.StatusConflict, response.ErrSubmissionPending
	case errors.Is(err, speech.ErrAISpeaking):
		return http.StatusConflict, response.ErrAISpeaking
	case errors.Is(err, speech.ErrAlreadyRecording):
		return http.StatusConflict, response.ErrAlreadyRecording
	case errors.Is(err, speech.ErrNotRecording):
		return http.StatusConflict, response.ErrNotRecording
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusInternalServerError, response.ErrInternal
	default:
		return http.StatusBadGateway, response.ErrDeviceFailure
	}
}

func sessionParam(c *gin.Context) (string, bool) {
	id := c.Param("session_id")
	if !sessionIDPattern.MatchString(id) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return "", false
	}
	return id, true
}

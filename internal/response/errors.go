package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

// Recovery hints tell the page where to send the candidate after an error.
const (
	RecoveryReturnToDashboard = "return_to_dashboard"
)

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrForbidden     ErrCode = "FORBIDDEN"
	ErrOperatorOnly  ErrCode = "OPERATOR_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Session lifecycle ─────────────────────────────────────────────
	ErrSessionNotFound    ErrCode = "SESSION_NOT_FOUND"
	ErrSessionActive      ErrCode = "SESSION_ALREADY_ACTIVE"
	ErrDeviceNotConnected ErrCode = "DEVICE_NOT_CONNECTED"
	ErrCameraRequired     ErrCode = "CAMERA_REQUIRED"
	ErrNoQuestions        ErrCode = "NO_QUESTIONS"
	ErrSessionStartFailed ErrCode = "SESSION_START_FAILED"

	// ─── Recording controls ────────────────────────────────────────────
	ErrNotInProgress     ErrCode = "SESSION_NOT_IN_PROGRESS"
	ErrAISpeaking        ErrCode = "AI_SPEAKING"
	ErrAlreadyRecording  ErrCode = "ALREADY_RECORDING"
	ErrNotRecording      ErrCode = "NOT_RECORDING"
	ErrSubmissionPending ErrCode = "SUBMISSION_PENDING"
	ErrDeviceFailure     ErrCode = "DEVICE_FAILURE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrForbidden:
		return "This session belongs to another caller."
	case ErrOperatorOnly:
		return "This endpoint is restricted to operators."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid session ID."
	case ErrInvalidPayload:
		return "Invalid request payload."

	// ─── Session lifecycle ─────────────────────────────────────────────
	case ErrSessionNotFound:
		return "Interview session not found."
	case ErrSessionActive:
		return "This interview session is already running."
	case ErrDeviceNotConnected:
		return "The interview page is not connected."
	case ErrCameraRequired:
		return "Camera access is required"
	case ErrNoQuestions:
		return "No questions found for this interview"
	case ErrSessionStartFailed:
		return "Failed to start interview session"

	// ─── Recording controls ────────────────────────────────────────────
	case ErrNotInProgress:
		return "The interview is not in progress."
	case ErrAISpeaking:
		return "Please wait until the question has been read."
	case ErrAlreadyRecording:
		return "Recording is already in progress."
	case ErrNotRecording:
		return "No recording in progress."
	case ErrSubmissionPending:
		return "The previous answer is still being submitted."
	case ErrDeviceFailure:
		return "The interview page could not complete the request."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}

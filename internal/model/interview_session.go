package model

import "time"

// SessionStatus enumerates interview session states.
type SessionStatus string

const (
	SessionStatusNotStarted SessionStatus = "not_started"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
)

// DefaultTimeBudgetSeconds is used when the session carries no duration.
const DefaultTimeBudgetSeconds = 1800

// InterviewSession represents one candidate interview attempt.
type InterviewSession struct {
	ID                string        `json:"id"`
	Status            SessionStatus `json:"status"`
	Questions         []Question    `json:"questions"`
	TimeBudgetSeconds int           `json:"time_budget_seconds"`
}

// AnswerSubmission is the answer for the current question. It lives only
// until it has been submitted successfully.
type AnswerSubmission struct {
	QuestionID      string `json:"questionId"`
	TranscriptText  string `json:"transcriptionText"`
	AudioPayload    string `json:"audioData,omitempty"`
	DurationSeconds int    `json:"responseDurationSeconds"`
}

// CompletionReason records why a session reached the completed state.
type CompletionReason string

const (
	CompletionAllAnswered       CompletionReason = "all_answered"
	CompletionTimeExpired       CompletionReason = "time_expired"
	CompletionCandidateFinished CompletionReason = "candidate_finished"
)

// SessionSnapshot is the externally visible state of a running session.
type SessionSnapshot struct {
	SessionID            string            `json:"session_id"`
	Status               SessionStatus     `json:"status"`
	CurrentQuestionIndex int               `json:"current_question_index"`
	TotalQuestions       int               `json:"total_questions"`
	CurrentQuestion      *Question         `json:"current_question,omitempty"`
	TimeRemainingSeconds int               `json:"time_remaining_seconds"`
	AISpeaking           bool              `json:"ai_speaking"`
	Recording            bool              `json:"recording"`
	Submitting           bool              `json:"submitting"`
	AnswersSubmitted     int               `json:"answers_submitted"`
	LastSubmitError      string            `json:"last_submit_error,omitempty"`
	Attention            AttentionSample   `json:"attention"`
	Counters             AntiCheatCounters `json:"counters"`
	Warnings             []Warning         `json:"warnings,omitempty"`
	CompletionReason     CompletionReason  `json:"completion_reason,omitempty"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

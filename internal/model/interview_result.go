package model

import "time"

// InterviewResult is the durable outcome of a completed interview.
type InterviewResult struct {
	SessionID        string           `json:"session_id"`
	CompletionReason CompletionReason `json:"completion_reason"`
	TotalQuestions   int              `json:"total_questions"`
	AnswersSubmitted int              `json:"answers_submitted"`
	TabSwitches      int              `json:"tab_switches"`
	FullscreenExits  int              `json:"fullscreen_exits"`
	// CompleteError is set when the remote complete call failed.
	CompleteError string    `json:"complete_error,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// ResultFromSnapshot builds the outcome of a completed session.
func ResultFromSnapshot(s SessionSnapshot, completeErr error) InterviewResult {
	r := InterviewResult{
		SessionID:        s.SessionID,
		CompletionReason: s.CompletionReason,
		TotalQuestions:   s.TotalQuestions,
		AnswersSubmitted: s.AnswersSubmitted,
		TabSwitches:      s.Counters.TabSwitches,
		FullscreenExits:  s.Counters.FullscreenExits,
		CompletedAt:      time.Now().UTC(),
	}
	if completeErr != nil {
		r.CompleteError = completeErr.Error()
	}
	return r
}

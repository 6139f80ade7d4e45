package model

// Question is one interview question as loaded at session start.
// It is read-only for the lifetime of the session.
type Question struct {
	ID                      string `json:"id"`
	Text                    string `json:"question_text"`
	OrderIndex              int    `json:"order_index"`
	ExpectedDurationSeconds int    `json:"expected_duration_seconds,omitempty"`
}

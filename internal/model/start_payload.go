package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoQuestions is returned when neither question shape carries questions.
var ErrNoQuestions = errors.New("No questions found for this interview")

// StartSessionResponse is the body of POST /ai-interviews/sessions/{id}/start.
//
// The backend has two template schemas in circulation. Questions arrive
// either as session.questions.questions or as session.template.questions,
// and both are accepted.
type StartSessionResponse struct {
	Session startSession `json:"session"`
}

type startSession struct {
	ID              flexID          `json:"id"`
	Status          string          `json:"status"`
	DurationSeconds int             `json:"duration_seconds"`
	Questions       json.RawMessage `json:"questions"`
	Template        *startTemplate  `json:"template"`
}

type startTemplate struct {
	DurationMinutes int           `json:"duration_minutes"`
	Questions       []rawQuestion `json:"questions"`
}

type questionSet struct {
	Questions []rawQuestion `json:"questions"`
}

type rawQuestion struct {
	ID                      flexID `json:"id"`
	QuestionText            string `json:"question_text"`
	Text                    string `json:"text"`
	OrderIndex              int    `json:"order_index"`
	ExpectedDurationSeconds int    `json:"expected_duration_seconds"`
}

// flexID accepts identifiers encoded as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

// DecodeStartPayload parses a start-session body into an InterviewSession
// with questions sorted by order_index (stable on ties).
func DecodeStartPayload(raw []byte) (*InterviewSession, error) {
	var resp StartSessionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode start payload: %w", err)
	}
	return resp.Session.toInterviewSession()
}

func (s *startSession) toInterviewSession() (*InterviewSession, error) {
	raws, err := s.questionList()
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, ErrNoQuestions
	}

	questions := make([]Question, 0, len(raws))
	for _, rq := range raws {
		text := rq.QuestionText
		if text == "" {
			text = rq.Text
		}
		questions = append(questions, Question{
			ID:                      string(rq.ID),
			Text:                    text,
			OrderIndex:              rq.OrderIndex,
			ExpectedDurationSeconds: rq.ExpectedDurationSeconds,
		})
	}
	SortQuestions(questions)

	budget := DefaultTimeBudgetSeconds
	switch {
	case s.DurationSeconds > 0:
		budget = s.DurationSeconds
	case s.Template != nil && s.Template.DurationMinutes > 0:
		budget = s.Template.DurationMinutes * 60
	}

	status := SessionStatus(strings.ToLower(s.Status))
	if status == "" {
		status = SessionStatusNotStarted
	}

	return &InterviewSession{
		ID:                string(s.ID),
		Status:            status,
		Questions:         questions,
		TimeBudgetSeconds: budget,
	}, nil
}

// questionList picks the first non-empty shape in order:
// session.questions.questions, session.questions (bare array),
// session.template.questions.
func (s *startSession) questionList() ([]rawQuestion, error) {
	q := bytes.TrimSpace(s.Questions)
	if len(q) > 0 && !bytes.Equal(q, []byte("null")) {
		switch q[0] {
		case '{':
			var set questionSet
			if err := json.Unmarshal(q, &set); err != nil {
				return nil, fmt.Errorf("decode session.questions: %w", err)
			}
			if len(set.Questions) > 0 {
				return set.Questions, nil
			}
		case '[':
			var list []rawQuestion
			if err := json.Unmarshal(q, &list); err != nil {
				return nil, fmt.Errorf("decode session.questions: %w", err)
			}
			if len(list) > 0 {
				return list, nil
			}
		}
	}
	if s.Template != nil && len(s.Template.Questions) > 0 {
		return s.Template.Questions, nil
	}
	return nil, nil
}

// SortQuestions orders questions by OrderIndex ascending, keeping the
// original position for equal indexes.
func SortQuestions(qs []Question) {
	sort.SliceStable(qs, func(i, j int) bool {
		return qs[i].OrderIndex < qs[j].OrderIndex
	})
}

// Package apiclient talks to the remote interview REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-interview/internal/model"
)

// Fallback messages used when the server gives no usable error text.
const (
	msgStartFailed    = "Failed to start interview session"
	msgSubmitFailed   = "Failed to submit response"
	msgCompleteFailed = "Failed to complete interview session"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// APIError is a non-2xx answer from the interview API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("interview api: status %d: %s", e.Status, e.Message)
}

// Client is a thin JSON client. No request timeout is applied beyond what
// the supplied http.Client carries.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// New creates a Client rooted at baseURL (for example https://api.example.com/api).
func New(baseURL string, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     log.With().Str("component", "interview_api").Logger(),
	}
}

// ForSession binds a session ID and the candidate's bearer token.
func (c *Client) ForSession(sessionID, token string) *SessionAPI {
	return &SessionAPI{client: c, sessionID: sessionID, token: token}
}

// SessionAPI issues the calls for one interview session.
type SessionAPI struct {
	client    *Client
	sessionID string
	token     string
}

type submitResponseBody struct {
	QuestionID              string `json:"questionId"`
	TranscriptionText       string `json:"transcriptionText"`
	ResponseDurationSeconds int    `json:"responseDurationSeconds"`
	AudioData               string `json:"audioData,omitempty"`
}

type completeBody struct {
	TabSwitches     int `json:"tabSwitches"`
	FullscreenExits int `json:"fullscreenExits"`
}

// Start starts the session and decodes its question list.
func (s *SessionAPI) Start(ctx context.Context) (*model.InterviewSession, error) {
	raw, err := s.client.post(ctx, s.path("start"), s.token, nil, msgStartFailed)
	if err != nil {
		return nil, err
	}
	sess, err := model.DecodeStartPayload(raw)
	if err != nil {
		return nil, err
	}
	if sess.ID == "" {
		sess.ID = s.sessionID
	}
	return sess, nil
}

// SubmitResponse posts one answer.
func (s *SessionAPI) SubmitResponse(ctx context.Context, a model.AnswerSubmission) error {
	body := submitResponseBody{
		QuestionID:              a.QuestionID,
		TranscriptionText:       a.TranscriptText,
		ResponseDurationSeconds: a.DurationSeconds,
		AudioData:               a.AudioPayload,
	}
	_, err := s.client.post(ctx, s.path("responses"), s.token, body, msgSubmitFailed)
	return err
}

// Complete finishes the session and uploads the anti-cheat counters.
func (s *SessionAPI) Complete(ctx context.Context, counters model.AntiCheatCounters) error {
	body := completeBody{
		TabSwitches:     counters.TabSwitches,
		FullscreenExits: counters.FullscreenExits,
	}
	_, err := s.client.post(ctx, s.path("complete"), s.token, body, msgCompleteFailed)
	return err
}

func (s *SessionAPI) path(action string) string {
	return "/ai-interviews/sessions/" + url.PathEscape(s.sessionID) + "/" + action
}

func (c *Client) post(ctx context.Context, path, token string, body interface{}, fallback string) ([]byte, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Status: resp.StatusCode, Message: extractMessage(raw, fallback)}
		c.log.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("Interview API returned error")
		return nil, apiErr
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return raw, nil
}

// extractMessage pulls a human-readable message out of an error body.
// Accepted forms: {"message": ".."}, {"error": ".."}, {"error": {"message": ".."}}.
func extractMessage(raw []byte, fallback string) string {
	var body struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fallback
	}
	if body.Message != "" {
		return body.Message
	}
	if len(body.Error) > 0 {
		var s string
		if err := json.Unmarshal(body.Error, &s); err == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
	}
	return fallback
}

package service

import (
	"context"
	"fmt"

	"github.com/stemsi/exstem-interview/internal/model"
)

// AuditReader reads the persisted proctoring trail.
type AuditReader interface {
	ListBySession(ctx context.Context, sessionID string, limit int) ([]model.ProctorEvent, error)
	CountByKind(ctx context.Context, sessionID string) (map[model.ProctorEventKind]int64, error)
}

// ResultReader reads stored interview outcomes.
type ResultReader interface {
	GetBySession(ctx context.Context, sessionID string) (*model.InterviewResult, error)
}

// AuditSummary is the proctoring trail of one session.
type AuditSummary struct {
	SessionID string                           `json:"session_id"`
	Result    *model.InterviewResult           `json:"result,omitempty"`
	Counts    map[model.ProctorEventKind]int64 `json:"counts"`
	Events    []model.ProctorEvent             `json:"events"`
}

// AuditService exposes the audit trail of sessions.
type AuditService struct {
	repo    AuditReader
	results ResultReader
}

// NewAuditService creates a new AuditService. results may be nil.
func NewAuditService(repo AuditReader, results ResultReader) *AuditService {
	return &AuditService{repo: repo, results: results}
}

// Summary returns event counts and the latest events of a session.
func (s *AuditService) Summary(ctx context.Context, sessionID string, limit int) (*AuditSummary, error) {
	counts, err := s.repo.CountByKind(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count proctoring events: %w", err)
	}
	events, err := s.repo.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list proctoring events: %w", err)
	}
	summary := &AuditSummary{SessionID: sessionID, Counts: counts, Events: events}
	if s.results != nil {
		result, err := s.results.GetBySession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("get interview result: %w", err)
		}
		summary.Result = result
	}
	return summary, nil
}

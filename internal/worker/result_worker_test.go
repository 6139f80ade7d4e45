package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-interview/internal/config"
	"github.com/stemsi/exstem-interview/internal/model"
)

type fakeResultSink struct {
	mu       sync.Mutex
	batchErr error
	rowErr   map[string]error
	stored   map[string]model.InterviewResult
	batches  [][]model.InterviewResult
}

func newFakeResultSink() *fakeResultSink {
	return &fakeResultSink{stored: make(map[string]model.InterviewResult)}
}

func (f *fakeResultSink) UpsertBatch(ctx context.Context, results []model.InterviewResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]model.InterviewResult(nil), results...))
	if f.batchErr != nil {
		return f.batchErr
	}
	for _, r := range results {
		f.stored[r.SessionID] = r
	}
	return nil
}

func (f *fakeResultSink) Upsert(ctx context.Context, r model.InterviewResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rowErr[r.SessionID]; err != nil {
		return err
	}
	f.stored[r.SessionID] = r
	return nil
}

func (f *fakeResultSink) get(id string) (model.InterviewResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.stored[id]
	return r, ok
}

func (f *fakeResultSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func result(id string, answered int) model.InterviewResult {
	return model.InterviewResult{
		SessionID:        id,
		CompletionReason: model.CompletionAllAnswered,
		TotalQuestions:   3,
		AnswersSubmitted: answered,
		CompletedAt:      time.Now().UTC(),
	}
}

func TestResultQueue_Push(t *testing.T) {
	mr, rdb := newRedis(t)
	require.NoError(t, NewResultQueue(rdb).Push(context.Background(), result("s-1", 3)))

	items, err := mr.List(config.WorkerKey.PersistResultsQueue)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var r model.InterviewResult
	require.NoError(t, json.Unmarshal([]byte(items[0]), &r))
	assert.Equal(t, "s-1", r.SessionID)
	assert.Equal(t, 3, r.AnswersSubmitted)
}

func TestResultWorker_PersistsBatch(t *testing.T) {
	_, rdb := newRedis(t)
	sink := newFakeResultSink()
	w := NewResultWorker(sink, rdb, zerolog.Nop())
	w.batchSize = 2
	stop := runWorker(t, w)
	defer stop()

	q := NewResultQueue(rdb)
	require.NoError(t, q.Push(context.Background(), result("s-1", 3)))
	require.NoError(t, q.Push(context.Background(), result("s-2", 1)))

	require.Eventually(t, func() bool { return sink.count() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestResultWorker_FallbackRequeuesFailedRows(t *testing.T) {
	mr, rdb := newRedis(t)
	sink := newFakeResultSink()
	sink.batchErr = errors.New("unnest failed")
	sink.rowErr = map[string]error{"s-bad": errors.New("upsert failed")}
	w := NewResultWorker(sink, rdb, zerolog.Nop())
	w.batchSize = 2
	w.requeueBackoff = time.Hour
	stop := runWorker(t, w)

	q := NewResultQueue(rdb)
	require.NoError(t, q.Push(context.Background(), result("s-ok", 3)))
	require.NoError(t, q.Push(context.Background(), result("s-bad", 0)))

	require.Eventually(t, func() bool {
		items, _ := mr.List(config.WorkerKey.PersistResultsQueue)
		return len(items) == 1
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	_, ok := sink.get("s-ok")
	assert.True(t, ok)
	_, ok = sink.get("s-bad")
	assert.False(t, ok)
}

func TestMergeResult_KeepsLatestPerSession(t *testing.T) {
	batch := []model.InterviewResult{result("s-1", 1), result("s-2", 2)}
	batch = mergeResult(batch, result("s-1", 3))
	batch = mergeResult(batch, result("s-3", 0))

	require.Len(t, batch, 3)
	assert.Equal(t, 3, batch[0].AnswersSubmitted)
	assert.Equal(t, "s-3", batch[2].SessionID)
}

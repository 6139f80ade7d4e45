package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-interview/internal/config"
	"github.com/stemsi/exstem-interview/internal/model"
)

const (
	ResultBatchSize    = 50
	ResultBatchTimeout = 2 * time.Second
)

// ResultSink stores interview outcomes.
type ResultSink interface {
	UpsertBatch(ctx context.Context, results []model.InterviewResult) error
	Upsert(ctx context.Context, r model.InterviewResult) error
}

// ResultQueue is the producer side of the interview results queue.
type ResultQueue struct {
	rdb *redis.Client
	key string
}

func NewResultQueue(rdb *redis.Client) *ResultQueue {
	return &ResultQueue{rdb: rdb, key: config.WorkerKey.PersistResultsQueue}
}

// Push enqueues one outcome for persistence.
func (q *ResultQueue) Push(ctx context.Context, r model.InterviewResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode interview result: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("push interview result: %w", err)
	}
	return nil
}

// ResultWorker drains completed interviews into Postgres.
type ResultWorker struct {
	sink ResultSink
	rdb  *redis.Client
	log  zerolog.Logger

	batchSize      int
	batchTimeout   time.Duration
	requeueBackoff time.Duration
}

func NewResultWorker(sink ResultSink, rdb *redis.Client, log zerolog.Logger) *ResultWorker {
	return &ResultWorker{
		sink:         sink,
		rdb:          rdb,
		log:          log.With().Str("component", "result_worker").Logger(),
		batchSize:      ResultBatchSize,
		batchTimeout:   ResultBatchTimeout,
		requeueBackoff: RequeueBackoff,
	}
}

func (w *ResultWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ResultWorker started")

	batch := make([]model.InterviewResult, 0, w.batchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= w.batchSize || time.Since(lastFlush) >= w.batchTimeout) {
			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushSafe(shutdownCtx, batch)
			cancel()
			return
		default:
		}

		item, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistResultsQueue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("BLPop error")
				select {
				case <-ctx.Done():
				case <-time.After(RequeueBackoff):
				}
			}
			continue
		}
		if len(item) < 2 {
			continue
		}

		var r model.InterviewResult
		if err := json.Unmarshal([]byte(item[1]), &r); err != nil {
			w.log.Error().Err(err).Str("data", item[1]).Msg("Discarding malformed JSON")
			continue
		}
		if r.SessionID == "" {
			w.log.Error().Str("data", item[1]).Msg("Discarding result without session")
			continue
		}
		batch = mergeResult(batch, r)
	}
}

// mergeResult replaces an earlier result of the same session; a batched
// upsert cannot touch the same row twice.
func mergeResult(batch []model.InterviewResult, r model.InterviewResult) []model.InterviewResult {
	for i := range batch {
		if batch[i].SessionID == r.SessionID {
			batch[i] = r
			return batch
		}
	}
	return append(batch, r)
}

func (w *ResultWorker) flushSafe(ctx context.Context, batch []model.InterviewResult) {
	if len(batch) == 0 {
		return
	}
	if err := w.sink.UpsertBatch(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk result upsert failed, using fallback")

		requeued := 0
		for _, r := range batch {
			if err := w.sink.Upsert(ctx, r); err != nil {
				w.log.Error().Err(err).Str("session_id", r.SessionID).Msg("Upsert failed, requeueing")
				raw, _ := json.Marshal(r)
				if err := w.rdb.RPush(ctx, config.WorkerKey.PersistResultsQueue, raw).Err(); err != nil {
					w.log.Error().Err(err).Str("session_id", r.SessionID).Msg("CRITICAL: Failed to requeue result")
					continue
				}
				requeued++
			}
		}
		if requeued > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(w.requeueBackoff):
			}
		}
		return
	}
	w.log.Debug().Int("count", len(batch)).Msg("Interview results persisted")
}

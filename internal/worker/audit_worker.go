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
	"github.com/stemsi/exstem-interview/internal/metrics"
	"github.com/stemsi/exstem-interview/internal/model"
)

const (
	BatchSize      = 50
	BatchTimeout   = 2 * time.Second
	PollTimeout    = 1 * time.Second // Must be >= 1s to satisfy Redis
	RequeueBackoff = 2 * time.Second
)

// EventSink stores proctoring events.
type EventSink interface {
	InsertBatch(ctx context.Context, events []model.ProctorEvent) error
	Insert(ctx context.Context, e model.ProctorEvent) error
}

// AuditQueue is the producer side of the proctoring audit queue.
type AuditQueue struct {
	rdb *redis.Client
	key string
}

func NewAuditQueue(rdb *redis.Client) *AuditQueue {
	return &AuditQueue{rdb: rdb, key: config.WorkerKey.PersistProctoringQueue}
}

// Push enqueues one event for persistence.
func (q *AuditQueue) Push(ctx context.Context, e model.ProctorEvent) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode proctoring event: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("push proctoring event: %w", err)
	}
	return nil
}

// AuditWorker drains the audit queue into Postgres in batches.
type AuditWorker struct {
	sink EventSink
	rdb  *redis.Client
	log  zerolog.Logger

	batchSize      int
	batchTimeout   time.Duration
	requeueBackoff time.Duration
}

func NewAuditWorker(sink EventSink, rdb *redis.Client, batchSize int, batchTimeout time.Duration, log zerolog.Logger) *AuditWorker {
	if batchSize <= 0 {
		batchSize = BatchSize
	}
	if batchTimeout <= 0 {
		batchTimeout = BatchTimeout
	}
	return &AuditWorker{
		sink:           sink,
		rdb:            rdb,
		log:            log.With().Str("component", "audit_worker").Logger(),
		batchSize:      batchSize,
		batchTimeout:   batchTimeout,
		requeueBackoff: RequeueBackoff,
	}
}

func (w *AuditWorker) Start(ctx context.Context) {
	w.log.Info().Int("batch_size", w.batchSize).Msg("AuditWorker started")

	buffer := make([]model.ProctorEvent, 0, w.batchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Check Flush Conditions (Time or Size)
		if len(buffer) > 0 {
			if len(buffer) >= w.batchSize || time.Since(lastFlushTime) >= w.batchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Check Context (Graceful Shutdown)
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistProctoringQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				w.shutdown(buffer)
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			select {
			case <-ctx.Done():
			case <-time.After(3 * time.Second):
			}
			continue
		}

		// 4. Process Data
		if len(result) < 2 {
			continue
		}

		var event model.ProctorEvent
		if err := json.Unmarshal([]byte(result[1]), &event); err != nil {
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		if event.SessionID == "" || event.Kind == "" {
			w.log.Error().Str("data", result[1]).Msg("Discarding event without session or kind")
			continue
		}

		buffer = append(buffer, event)
	}
}

// flushSafe attempts bulk insert, then fallback insert, then requeue
func (w *AuditWorker) flushSafe(ctx context.Context, batch []model.ProctorEvent) {
	if err := w.sink.InsertBatch(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
		return
	}
	metrics.AuditEventsPersisted.Add(float64(len(batch)))
}

func (w *AuditWorker) fallbackInsert(ctx context.Context, batch []model.ProctorEvent) {
	requeueList := make([]model.ProctorEvent, 0)

	for _, e := range batch {
		if err := w.sink.Insert(ctx, e); err != nil {
			w.log.Error().Err(err).Str("session_id", e.SessionID).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, e)
			continue
		}
		metrics.AuditEventsPersisted.Inc()
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *AuditWorker) requeue(ctx context.Context, items []model.ProctorEvent) {
	pipe := w.rdb.Pipeline()
	for _, e := range items {
		data, _ := json.Marshal(e)
		pipe.RPush(ctx, config.WorkerKey.PersistProctoringQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")

	// Back off so a database that is down hard is not hammered.
	select {
	case <-ctx.Done():
	case <-time.After(w.requeueBackoff):
	}
}

func (w *AuditWorker) shutdown(buffer []model.ProctorEvent) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}

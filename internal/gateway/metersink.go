package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresMeterSink buffers MeterEvents on an in-process channel and
// flushes them to fleet.meter_events in batches, the same
// buffer-then-batch-insert shape as the teacher's metering.AsyncLogger
// (channel + size-or-ticker flush) — adapted here to write straight to
// Postgres instead of an injected LogWriter, since every downstream
// reader (internal/billing.UsageStore, internal/budget.MeterSpendReader)
// already reads this one table directly.
type PostgresMeterSink struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
	ch     chan MeterEvent
	wg     sync.WaitGroup
}

// NewPostgresMeterSink starts the background flush goroutine and returns
// a sink ready to accept Emit calls. Call Close during shutdown to flush
// whatever remains buffered.
func NewPostgresMeterSink(pool *pgxpool.Pool, logger zerolog.Logger, bufferSize int) *PostgresMeterSink {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	s := &PostgresMeterSink{
		pool:   pool,
		logger: logger,
		ch:     make(chan MeterEvent, bufferSize),
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// Emit queues a meter event for async persistence. A full buffer drops
// the event rather than blocking the request that produced it — meter
// loss under sustained overload is preferable to slowing every caller.
func (s *PostgresMeterSink) Emit(event MeterEvent) {
	select {
	case s.ch <- event:
	default:
		s.logger.Warn().Str("tenant", event.TenantID).Msg("meter sink buffer full; dropping event")
	}
}

// Close flushes any buffered events and stops the background goroutine.
func (s *PostgresMeterSink) Close() {
	close(s.ch)
	s.wg.Wait()
}

func (s *PostgresMeterSink) drain() {
	defer s.wg.Done()

	batch := make([]MeterEvent, 0, 100)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-s.ch:
			if !ok {
				if len(batch) > 0 {
					s.flush(batch)
				}
				return
			}
			batch = append(batch, event)
			if len(batch) >= 100 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *PostgresMeterSink) flush(batch []MeterEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows := make([][]any, 0, len(batch))
	for _, e := range batch {
		metadata, err := json.Marshal(e.Usage)
		if err != nil {
			metadata = []byte("{}")
		}
		rows = append(rows, []any{
			uuid.New(), e.TenantID, string(e.Capability), e.Provider,
			e.WholesaleCost, int64(e.Charge), e.Timestamp, metadata,
		})
	}

	_, err := s.pool.CopyFrom(ctx,
		[]string{"fleet", "meter_events"},
		[]string{"id", "tenant_id", "capability", "provider", "wholesale_cost_cents", "charge_cents", "created_at", "metadata"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		s.logger.Error().Err(err).Int("count", len(batch)).Msg("meter sink flush failed")
	}
}

package service

import (
	"context"
	"sync"
	"time"

	"github.com/chirp-indexer/internal/adapter"
	apperrors "github.com/chirp-indexer/internal/errors"
	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/retry"
	"github.com/chirp-indexer/internal/store"
	"github.com/chirp-indexer/internal/types"
	"github.com/google/uuid"
)

// BackfillConfig configures a BackfillService
type BackfillConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	ProgressEvery int
	// MaxRecords caps the records processed per run; 0 means no cap
	MaxRecords uint64
}

// BackfillService walks chirp IDs upward from the store's counter until the
// ledger returns the empty sentinel, materializing and indexing each record
type BackfillService struct {
	gateway      adapter.LedgerGateway
	materializer *Materializer
	store        *store.IndexStore
	writeMu      *sync.Mutex
	config       BackfillConfig
	logger       *logging.Logger
}

// NewBackfillService creates a backfill service. writeMu is the lock shared
// with every other writer of st.
func NewBackfillService(
	gateway adapter.LedgerGateway,
	materializer *Materializer,
	st *store.IndexStore,
	writeMu *sync.Mutex,
	config BackfillConfig,
	logger *logging.Logger,
) *BackfillService {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &BackfillService{
		gateway:      gateway,
		materializer: materializer,
		store:        st,
		writeMu:      writeMu,
		config:       config,
		logger:       logger.Named("backfill"),
	}
}

// RunBackfill indexes every chirp from the current counter to the end of the
// ledger's supply and returns the final counter. With resetExisting the store
// is emptied first. On failure the records indexed so far are kept and the
// counter points at the chirp that failed.
func (s *BackfillService) RunBackfill(ctx context.Context, resetExisting bool) (uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.run(ctx, resetExisting)
}

// run is RunBackfill for callers already holding writeMu
func (s *BackfillService) run(ctx context.Context, resetExisting bool) (uint64, error) {
	logger := s.logger.WithFields(map[string]interface{}{
		"runId": uuid.New().String(),
		"reset": resetExisting,
	})
	ctx = logging.WithLogger(ctx, logger)

	if s.store.Closed() {
		return s.store.CurrentCount(), s.abort(logger, s.store.CurrentCount(), apperrors.ErrStoreClosed)
	}
	if resetExisting {
		s.store.Reset()
	}

	startID := s.store.CurrentCount()
	startTime := time.Now()
	logger.WithField("startId", startID).Info("Backfill started")

	var processed uint64
	for {
		next := s.store.CurrentCount()

		if err := ctx.Err(); err != nil {
			return next, s.abort(logger, next, err)
		}
		if s.config.MaxRecords > 0 && processed >= s.config.MaxRecords {
			logger.WithFields(map[string]interface{}{
				"processed": processed,
				"nextId":    next,
			}).Warn("Backfill stopped at record cap")
			return next, nil
		}

		raw, err := s.fetch(ctx, next)
		if err != nil {
			return next, s.abort(logger, next, err)
		}

		id, err := RecordID(raw)
		if err != nil {
			return next, s.abort(logger, next, err)
		}
		if id == 0 {
			break
		}

		rec, err := s.materializer.Materialize(ctx, next, raw)
		if err != nil {
			return next, s.abort(logger, next, err)
		}
		if err := s.store.Insert(rec); err != nil {
			return next, s.abort(logger, next, err)
		}
		s.store.Advance(next + 1)
		processed++

		if s.config.ProgressEvery > 0 && processed%uint64(s.config.ProgressEvery) == 0 {
			logger.WithFields(map[string]interface{}{
				"processed": processed,
				"nextId":    next + 1,
				"elapsed":   time.Since(startTime).String(),
			}).Info("Backfill progress")
		}
	}

	count := s.store.CurrentCount()
	logger.WithFields(map[string]interface{}{
		"processed": processed,
		"count":     count,
		"duration":  time.Since(startTime).String(),
	}).Info("Backfill completed")

	return count, nil
}

// fetch reads one raw record, retrying transport failures with backoff
func (s *BackfillService) fetch(ctx context.Context, id uint64) (types.RawRecord, error) {
	var raw types.RawRecord
	result := retry.WithExponentialBackoff(ctx, &retry.RetryConfig{
		MaxAttempts:  s.config.MaxAttempts,
		InitialDelay: s.config.InitialDelay,
		MaxDelay:     s.config.MaxDelay,
		Multiplier:   2.0,
		ShouldRetry:  apperrors.IsRetryable,
	}, func(ctx context.Context, attempt int) error {
		r, err := s.gateway.FetchRecord(ctx, id)
		if err != nil {
			return err
		}
		raw = r
		return nil
	})
	if err := result.Err(); err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *BackfillService) abort(logger *logging.Logger, next uint64, cause error) error {
	err := &apperrors.BackfillError{NextID: next, Err: cause}
	logger.WithError(cause).WithField("nextId", next).Error("Backfill aborted")
	return err
}

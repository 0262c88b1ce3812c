package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/chirp-indexer/internal/adapter"
	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/store"
	"github.com/chirp-indexer/internal/types"
)

// ConsistencyChecker verifies the mirror against itself and against the ledger
type ConsistencyChecker struct {
	store        *store.IndexStore
	gateway      adapter.LedgerGateway
	materializer *Materializer
	writeMu      *sync.Mutex
	sampleSize   int
	logger       *logging.Logger

	mu    sync.Mutex
	stats ConsistencyStats
}

// ConsistencyCheckResult represents the result of a consistency check
type ConsistencyCheckResult struct {
	Consistent      bool      `json:"consistent"`
	Count           uint64    `json:"count"`
	Sampled         []uint64  `json:"sampled"`
	Inconsistencies []string  `json:"inconsistencies,omitempty"`
	Stale           []uint64  `json:"stale,omitempty"` // votes or flags moved on since the last refresh
	CheckedAt       time.Time `json:"checkedAt"`
}

// ConsistencyStats accumulates results across checks
type ConsistencyStats struct {
	TotalChecks        int       `json:"totalChecks"`
	ConsistentChecks   int       `json:"consistentChecks"`
	InconsistentChecks int       `json:"inconsistentChecks"`
	FailedChecks       int       `json:"failedChecks"`
	LastCheckTime      time.Time `json:"lastCheckTime"`
}

// NewConsistencyChecker creates a checker that compares up to sampleSize
// indexed chirps with the ledger per run. writeMu is the lock serializing
// store writers; the structural pass holds it so it never sees an insert
// whose counter advance is still pending.
func NewConsistencyChecker(st *store.IndexStore, gateway adapter.LedgerGateway, materializer *Materializer, writeMu *sync.Mutex, sampleSize int, logger *logging.Logger) *ConsistencyChecker {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if sampleSize < 0 {
		sampleSize = 0
	}
	return &ConsistencyChecker{
		store:        st,
		gateway:      gateway,
		materializer: materializer,
		writeMu:      writeMu,
		sampleSize:   sampleSize,
		logger:       logger.Named("consistency"),
	}
}

// CheckConsistency verifies the store's internal indexes, then re-reads a
// random sample of indexed chirps and compares their immutable fields.
// Differences in votes, flags or reward are reported as stale, not as
// inconsistencies, since live events may simply not have arrived yet.
func (cc *ConsistencyChecker) CheckConsistency(ctx context.Context) (*ConsistencyCheckResult, error) {
	cc.writeMu.Lock()
	count := cc.store.CurrentCount()
	problems := cc.store.Verify()
	cc.writeMu.Unlock()

	result := &ConsistencyCheckResult{
		Count:           count,
		Sampled:         cc.sample(count),
		Inconsistencies: problems,
		CheckedAt:       time.Now(),
	}

	for _, id := range result.Sampled {
		local, ok := cc.store.Get(id)
		if !ok {
			continue // already reported by Verify
		}

		raw, err := cc.gateway.FetchRecord(ctx, id)
		if err != nil {
			cc.record(nil)
			return nil, err
		}
		if rid, err := RecordID(raw); err == nil && rid == 0 {
			result.Inconsistencies = append(result.Inconsistencies, fmt.Sprintf("chirp %d is indexed but the ledger has no such chirp", id))
			continue
		}
		remote, err := cc.materializer.Materialize(ctx, id, raw)
		if err != nil {
			result.Inconsistencies = append(result.Inconsistencies, fmt.Sprintf("chirp %d no longer materializes: %v", id, err))
			continue
		}

		diffs, stale := CompareRecords(&local, remote)
		result.Inconsistencies = append(result.Inconsistencies, diffs...)
		if stale {
			result.Stale = append(result.Stale, id)
		}
	}

	result.Consistent = len(result.Inconsistencies) == 0
	cc.record(result)

	logger := cc.logger.WithFields(map[string]interface{}{
		"count":   count,
		"sampled": len(result.Sampled),
		"stale":   len(result.Stale),
	})
	if result.Consistent {
		logger.Debug("Consistency check passed")
	} else {
		logger.WithField("inconsistencies", result.Inconsistencies).Error("Consistency check found inconsistencies")
	}
	return result, nil
}

// sample picks the IDs to compare with the ledger, in ascending order
func (cc *ConsistencyChecker) sample(count uint64) []uint64 {
	indexed := count - store.FirstID
	if cc.sampleSize == 0 || indexed == 0 {
		return []uint64{}
	}

	if indexed <= uint64(cc.sampleSize) {
		out := make([]uint64, 0, indexed)
		for id := store.FirstID; id < count; id++ {
			out = append(out, id)
		}
		return out
	}

	picked := make(map[uint64]struct{}, cc.sampleSize)
	for len(picked) < cc.sampleSize {
		picked[store.FirstID+rand.Uint64N(indexed)] = struct{}{}
	}
	out := make([]uint64, 0, len(picked))
	for id := range picked {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (cc *ConsistencyChecker) record(result *ConsistencyCheckResult) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.stats.TotalChecks++
	cc.stats.LastCheckTime = time.Now()
	switch {
	case result == nil:
		cc.stats.FailedChecks++
	case result.Consistent:
		cc.stats.ConsistentChecks++
	default:
		cc.stats.InconsistentChecks++
	}
}

// StartPeriodicConsistencyCheck runs CheckConsistency every interval until
// ctx is done. It blocks; run it in its own goroutine.
func (cc *ConsistencyChecker) StartPeriodicConsistencyCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cc.logger.WithField("interval", interval.String()).Info("Starting periodic consistency checks")

	for {
		select {
		case <-ctx.Done():
			cc.logger.Info("Stopping periodic consistency checks")
			return
		case <-ticker.C:
			if _, err := cc.CheckConsistency(ctx); err != nil {
				cc.logger.WithError(err).Warn("Periodic consistency check failed")
			}
		}
	}
}

// StartScheduledConsistencyCheck runs CheckConsistency at every tick of the
// cron expression until ctx is done. It blocks; run it in its own goroutine.
func (cc *ConsistencyChecker) StartScheduledConsistencyCheck(ctx context.Context, cronExpr string) error {
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("invalid consistency check schedule: %q", cronExpr)
	}
	cc.logger.WithField("schedule", cronExpr).Info("Starting scheduled consistency checks")

	for {
		next, err := gronx.NextTickAfter(cronExpr, time.Now(), false)
		if err != nil {
			return fmt.Errorf("next consistency check tick: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			cc.logger.Info("Stopping scheduled consistency checks")
			return nil
		case <-timer.C:
		}

		if _, err := cc.CheckConsistency(ctx); err != nil {
			cc.logger.WithError(err).Warn("Scheduled consistency check failed")
		}
	}
}

// GetConsistencyStats returns statistics about past checks
func (cc *ConsistencyChecker) GetConsistencyStats() ConsistencyStats {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.stats
}

// CompareRecords compares an indexed chirp with a fresh copy from the ledger.
// It returns the differences in fields that never change once published and
// whether any mutable field has moved on.
func CompareRecords(local *types.Record, remote *types.Record) (diffs []string, stale bool) {
	if !strings.EqualFold(local.Author, remote.Author) {
		diffs = append(diffs, fmt.Sprintf("chirp %d author mismatch: index=%s, ledger=%s", local.ID, local.Author, remote.Author))
	}
	if local.Body != remote.Body {
		diffs = append(diffs, fmt.Sprintf("chirp %d body mismatch", local.ID))
	}
	if local.ParentID != remote.ParentID {
		diffs = append(diffs, fmt.Sprintf("chirp %d parent mismatch: index=%d, ledger=%d", local.ID, local.ParentID, remote.ParentID))
	}
	if local.BlockNumber != remote.BlockNumber {
		diffs = append(diffs, fmt.Sprintf("chirp %d block mismatch: index=%d, ledger=%d", local.ID, local.BlockNumber, remote.BlockNumber))
	}
	if local.Kind != remote.Kind {
		diffs = append(diffs, fmt.Sprintf("chirp %d kind mismatch: index=%d, ledger=%d", local.ID, local.Kind, remote.Kind))
	}

	stale = local.Upvotes != remote.Upvotes ||
		local.Downvotes != remote.Downvotes ||
		local.Flags != remote.Flags ||
		local.Reward != remote.Reward
	return diffs, stale
}

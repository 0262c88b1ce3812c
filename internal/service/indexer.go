// Package service wires the chirp mirror together: materializing ledger
// records, backfilling the store, applying live events and answering queries.
package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chirp-indexer/internal/adapter"
	"github.com/chirp-indexer/internal/config"
	apperrors "github.com/chirp-indexer/internal/errors"
	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/storage"
	"github.com/chirp-indexer/internal/store"
	"github.com/chirp-indexer/internal/types"
	"github.com/chirp-indexer/internal/worker"
	"github.com/ethereum/go-ethereum/common"
)

// IndexerConfig holds configuration for an Indexer
type IndexerConfig struct {
	Backfill BackfillConfig

	ListenerBufferSize       int
	ListenerResubscribeDelay time.Duration
	ListenerMaxResubscribe   time.Duration
	// ListenerRefreshWindow is how many of the newest chirps are re-read
	// after a resubscribe
	ListenerRefreshWindow int

	// ConsistencySample is the number of chirps re-read from the ledger per
	// consistency check
	ConsistencySample int

	// ReserveAddress holds the purchasable token supply
	ReserveAddress string
	// Cache fronts alias and balance lookups; nil disables caching
	Cache  *storage.LookupCache
	Logger *logging.Logger
}

// Stats summarizes the indexer for health reporting
type Stats struct {
	Ready    bool                 `json:"ready"`
	Store    store.Stats          `json:"store"`
	Listener worker.ListenerStats `json:"listener"`
	Checks   ConsistencyStats     `json:"consistency"`
}

// Indexer owns the mirror and every component that reads or writes it.
// All writers (backfill runs and live events) are serialized by writeMu.
type Indexer struct {
	gateway      adapter.LedgerGateway
	cache        *storage.LookupCache
	store        *store.IndexStore
	materializer *Materializer
	backfill     *BackfillService
	chirps       *ChirpService
	consistency  *ConsistencyChecker
	listener     *worker.EventListener
	logger       *logging.Logger

	refreshWindow int

	writeMu   sync.Mutex
	ready     atomic.Bool
	closeOnce sync.Once
}

// NewIndexer builds an indexer over gateway. The indexer takes ownership of
// the gateway and closes it in Close.
func NewIndexer(gateway adapter.LedgerGateway, cfg IndexerConfig) (*Indexer, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	ix := &Indexer{
		gateway: gateway,
		cache:         cfg.Cache,
		store:         store.New(logger),
		refreshWindow: cfg.ListenerRefreshWindow,
		logger:        logger.Named("indexer"),
	}
	ix.materializer = NewMaterializer(gateway, logger)
	ix.backfill = NewBackfillService(gateway, ix.materializer, ix.store, &ix.writeMu, cfg.Backfill, logger)
	ix.chirps = NewChirpService(ix.store, gateway, cfg.Cache, cfg.ReserveAddress, logger)
	ix.consistency = NewConsistencyChecker(ix.store, gateway, ix.materializer, &ix.writeMu, cfg.ConsistencySample, logger)

	listener, err := worker.NewEventListener(worker.EventListenerConfig{
		Gateway:             gateway,
		Handler:             ix,
		BufferSize:          cfg.ListenerBufferSize,
		ResubscribeDelay:    cfg.ListenerResubscribeDelay,
		MaxResubscribeDelay: cfg.ListenerMaxResubscribe,
		OnResubscribe:       ix.catchUp,
		OnTransfer:          ix.invalidateBalances,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}
	ix.listener = listener

	return ix, nil
}

// Initialize subscribes to live events, backfills the store and then starts
// applying the events that queued up meanwhile. It returns once the backfill
// is done; the listener keeps running until Close or until ctx ends.
func (ix *Indexer) Initialize(ctx context.Context) error {
	if err := ix.listener.Subscribe(ctx); err != nil {
		return err
	}

	count, err := ix.backfill.RunBackfill(ctx, false)
	if err != nil {
		_ = ix.listener.Stop(context.Background())
		return err
	}

	if err := ix.listener.Start(ctx, ix.observeEvent); err != nil {
		return err
	}
	ix.ready.Store(true)

	ix.logger.WithField("count", count).Info("Indexer initialized")
	return nil
}

// RunBackfill runs a backfill, optionally from an empty store
func (ix *Indexer) RunBackfill(ctx context.Context, resetExisting bool) (uint64, error) {
	return ix.backfill.RunBackfill(ctx, resetExisting)
}

// HandleEvent applies a chirp event. Known chirps are re-read from the ledger
// and overwritten. A chirp at or beyond the counter is reached by catching up
// through the backfill loop, so the counter never skips an ID.
func (ix *Indexer) HandleEvent(ctx context.Context, ev types.Event, id uint64) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	if id >= ix.store.CurrentCount() {
		if _, err := ix.backfill.run(ctx, false); err != nil {
			return err
		}
		if id >= ix.store.CurrentCount() {
			return apperrors.NewGatewayError("FetchRecord",
				fmt.Errorf("chirp %d from %s event is not visible on the ledger yet", id, ev.Kind), nil)
		}
		return nil
	}

	return ix.refresh(ctx, id)
}

// refresh re-reads an indexed chirp and overwrites it. Callers hold writeMu.
func (ix *Indexer) refresh(ctx context.Context, id uint64) error {
	raw, err := ix.backfill.fetch(ctx, id)
	if err != nil {
		return err
	}
	rid, err := RecordID(raw)
	if err != nil {
		return err
	}
	if rid == 0 {
		return apperrors.NewMaterializationError(id, "", "ledger returned no chirp for an indexed id", nil)
	}

	rec, err := ix.materializer.Materialize(ctx, id, raw)
	if err != nil {
		return err
	}
	return ix.store.Insert(rec)
}

// catchUp indexes chirps published while the subscription was down, then
// re-reads the newest refreshWindow chirps so votes cast meanwhile land too.
// Older chirps are left to the next event for them.
func (ix *Indexer) catchUp(ctx context.Context) {
	if _, err := ix.backfill.RunBackfill(ctx, false); err != nil {
		ix.logger.WithError(err).Error("Catch-up backfill after resubscribe failed")
	}
	if ix.refreshWindow <= 0 {
		return
	}

	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	count := ix.store.CurrentCount()
	from := store.FirstID
	if count > from+uint64(ix.refreshWindow) {
		from = count - uint64(ix.refreshWindow)
	}

	failed := 0
	for id := from; id < count; id++ {
		if ctx.Err() != nil {
			return
		}
		if err := ix.refresh(ctx, id); err != nil {
			failed++
			ix.logger.WithError(err).WithField("chirpId", id).Warn("Failed to refresh chirp after resubscribe")
		}
	}
	ix.logger.WithFields(map[string]interface{}{
		"from":   from,
		"to":     count,
		"failed": failed,
	}).Info("Refreshed recent chirps after resubscribe")
}

// invalidateBalances drops cached balances moved by a token Transfer. The
// purchasable supply is the reserve's balance, so it is covered too.
func (ix *Indexer) invalidateBalances(ctx context.Context, ev types.Event) {
	if ix.cache == nil {
		return
	}
	var addresses []string
	for _, arg := range []string{"from", "to"} {
		if addr, ok := ev.Args[arg].(common.Address); ok {
			addresses = append(addresses, addr.Hex())
		}
	}
	if err := ix.cache.InvalidateBalances(ctx, addresses...); err != nil {
		ix.logger.WithError(err).WithField("txHash", ev.TxHash).Warn("Failed to invalidate cached balances")
	}
}

func (ix *Indexer) observeEvent(ev types.Event, err error) {
	if err == nil {
		ix.logger.WithFields(map[string]interface{}{
			"kind":  ev.Kind,
			"count": ix.store.CurrentCount(),
		}).Debug("Event applied")
	}
}

// GetByAuthor returns the author's chirps in index order
func (ix *Indexer) GetByAuthor(address string) []types.Record {
	return ix.chirps.GetByAuthor(address)
}

// GetWithReplies returns a chirp together with its resolved replies
func (ix *Indexer) GetWithReplies(id uint64) (*types.ChirpView, bool) {
	return ix.chirps.GetWithReplies(id)
}

// GetAlias returns the alias registered for address
func (ix *Indexer) GetAlias(ctx context.Context, address string) (string, error) {
	return ix.chirps.GetAlias(ctx, address)
}

// GetBalance returns the token balance of address
func (ix *Indexer) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	return ix.chirps.GetBalance(ctx, address)
}

// GetPurchasableSupply returns the tokens left for purchase
func (ix *Indexer) GetPurchasableSupply(ctx context.Context) (*big.Int, error) {
	return ix.chirps.GetPurchasableSupply(ctx)
}

// GetCount returns the next unassigned chirp ID
func (ix *Indexer) GetCount() uint64 {
	return ix.chirps.GetCount()
}

// CheckConsistency verifies the mirror's indexes and spot-checks it against
// the ledger
func (ix *Indexer) CheckConsistency(ctx context.Context) (*ConsistencyCheckResult, error) {
	return ix.consistency.CheckConsistency(ctx)
}

// StartConsistencyChecks runs periodic consistency checks until ctx is done.
// It blocks.
func (ix *Indexer) StartConsistencyChecks(ctx context.Context, interval time.Duration) {
	ix.consistency.StartPeriodicConsistencyCheck(ctx, interval)
}

// StartScheduledConsistencyChecks runs consistency checks on a cron schedule
// until ctx is done. It blocks.
func (ix *Indexer) StartScheduledConsistencyChecks(ctx context.Context, cronExpr string) error {
	return ix.consistency.StartScheduledConsistencyCheck(ctx, cronExpr)
}

// Ready reports whether the initial backfill has completed
func (ix *Indexer) Ready() bool {
	return ix.ready.Load()
}

// Stats returns a snapshot of store and listener state
func (ix *Indexer) Stats() Stats {
	return Stats{
		Ready:    ix.Ready(),
		Store:    ix.store.Stats(),
		Listener: ix.listener.Stats(),
		Checks:   ix.consistency.GetConsistencyStats(),
	}
}

// Close stops the listener, waits for any in-flight write, then closes the
// store and the gateway. Reads keep working on the final state.
func (ix *Indexer) Close(ctx context.Context) error {
	var err error
	ix.closeOnce.Do(func() {
		ix.ready.Store(false)
		err = ix.listener.Stop(ctx)

		ix.writeMu.Lock()
		ix.store.Close()
		ix.writeMu.Unlock()

		ix.gateway.Close()
		ix.logger.Info("Indexer closed")
	})
	return err
}

// IndexerConfigFrom maps application settings onto an IndexerConfig
func IndexerConfigFrom(cfg *config.Config, cache *storage.LookupCache, logger *logging.Logger) IndexerConfig {
	return IndexerConfig{
		Backfill: BackfillConfig{
			MaxAttempts:   cfg.Backfill.MaxAttempts,
			InitialDelay:  cfg.Backfill.InitialDelay,
			MaxDelay:      cfg.Backfill.MaxDelay,
			ProgressEvery: cfg.Backfill.ProgressEvery,
			MaxRecords:    cfg.Backfill.MaxRecords,
		},
		ListenerBufferSize:       cfg.Listener.BufferSize,
		ListenerResubscribeDelay: cfg.Listener.ResubscribeDelay,
		ListenerMaxResubscribe:   cfg.Listener.MaxResubscribe,
		ListenerRefreshWindow:    cfg.Listener.RefreshWindow,
		ConsistencySample:        cfg.Consistency.SampleSize,
		ReserveAddress:           cfg.Ledger.ReserveAddress,
		Cache:                    cache,
		Logger:                   logger,
	}
}

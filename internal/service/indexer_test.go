package service

import (
	"context"
	"errors"
	"math/big"
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	apperrors "github.com/chirp-indexer/internal/errors"
	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/storage"
	"github.com/chirp-indexer/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func voteEvent(id int64) types.Event {
	return types.Event{Kind: types.EventVote, Args: map[string]interface{}{"id": big.NewInt(id)}}
}

func newChirpEvent(id int64) types.Event {
	return types.Event{Kind: types.EventNewChirp, Args: map[string]interface{}{"id": big.NewInt(id)}}
}

func TestIndexer_InitializeBackfillsThenListens(t *testing.T) {
	ledger := newFakeLedger()
	seedScenario(ledger)
	ix := newTestIndexer(t, ledger)

	require.NoError(t, ix.Initialize(context.Background()))
	assert.True(t, ix.Ready())
	assert.Equal(t, uint64(4), ix.GetCount())

	view, ok := ix.GetWithReplies(1)
	require.True(t, ok)
	assert.Equal(t, []uint64{3}, recordIDs(view.Replies))
	assert.Equal(t, []uint64{1, 3}, recordIDs(ix.GetByAuthor(authorA.Hex())))

	// a vote on chirp 2 is re-read from the ledger and overwrites the copy
	ledger.put(rawChirp(2, authorB, 0, 1))
	ledger.emit(voteEvent(2))
	require.Eventually(t, func() bool {
		view, ok := ix.GetWithReplies(2)
		return ok && view.Upvotes == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(4), ix.GetCount(), "votes leave the counter alone")

	// a new reply is indexed and advances the counter
	ledger.put(rawChirp(4, authorB, 3, 0))
	ledger.emit(newChirpEvent(4))
	require.Eventually(t, func() bool { return ix.GetCount() == 5 }, time.Second, 5*time.Millisecond)

	view, ok = ix.GetWithReplies(3)
	require.True(t, ok)
	assert.Equal(t, []uint64{4}, recordIDs(view.Replies))
	assert.Equal(t, []uint64{2, 4}, recordIDs(ix.GetByAuthor(authorB.Hex())))

	require.Eventually(t, func() bool { return ix.Stats().Listener.Applied == 2 }, time.Second, 5*time.Millisecond)
	stats := ix.Stats()
	assert.True(t, stats.Ready)
	assert.Equal(t, 4, stats.Store.Records)
}

func TestIndexer_EventsDuringBackfillAreNotLost(t *testing.T) {
	ledger := newFakeLedger()
	seedScenario(ledger)
	ix := newTestIndexer(t, ledger)

	// subscribe, then publish before the backfill has a chance to run
	require.NoError(t, ix.listener.Subscribe(context.Background()))
	ledger.put(rawChirp(2, authorB, 0, 3))
	ledger.emit(voteEvent(2))

	require.NoError(t, ix.Initialize(context.Background()))

	require.Eventually(t, func() bool { return ix.listener.Stats().Received == 1 }, time.Second, 5*time.Millisecond)
	view, ok := ix.GetWithReplies(2)
	require.True(t, ok)
	assert.Equal(t, uint64(3), view.Upvotes)
}

func TestIndexer_HandleEvent(t *testing.T) {
	ledger := newFakeLedger()
	seedScenario(ledger)
	ix := newTestIndexer(t, ledger)
	ctx := context.Background()

	_, err := ix.RunBackfill(ctx, false)
	require.NoError(t, err)

	t.Run("new chirps beyond a gap are caught up in order", func(t *testing.T) {
		ledger.put(rawChirp(4, authorA, 0, 0))
		ledger.put(rawChirp(5, authorA, 4, 0))

		require.NoError(t, ix.HandleEvent(ctx, newChirpEvent(5), 5))
		assert.Equal(t, uint64(6), ix.GetCount())
		view, ok := ix.GetWithReplies(4)
		require.True(t, ok)
		assert.Equal(t, []uint64{5}, recordIDs(view.Replies))
	})

	t.Run("repeated new chirp event is idempotent", func(t *testing.T) {
		require.NoError(t, ix.HandleEvent(ctx, newChirpEvent(5), 5))
		assert.Equal(t, uint64(6), ix.GetCount())
		view, _ := ix.GetWithReplies(4)
		assert.Equal(t, []uint64{5}, recordIDs(view.Replies))
	})

	t.Run("chirp not yet on the ledger", func(t *testing.T) {
		err := ix.HandleEvent(ctx, newChirpEvent(9), 9)
		assert.True(t, apperrors.IsRetryable(err))
		assert.Equal(t, uint64(6), ix.GetCount())
	})

	t.Run("malformed refresh keeps the old copy", func(t *testing.T) {
		bad := rawChirp(2, authorB, 0, 99)
		ledger.put(bad[:4])

		err := ix.HandleEvent(ctx, voteEvent(2), 2)
		var matErr *apperrors.MaterializationError
		require.True(t, errors.As(err, &matErr))

		view, ok := ix.GetWithReplies(2)
		require.True(t, ok)
		assert.Zero(t, view.Upvotes)
	})
}

func TestIndexer_InitializeFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.put(rawChirp(1, authorA, 7, 0))
	ix := newTestIndexer(t, ledger)

	err := ix.Initialize(context.Background())

	var dangling *apperrors.DanglingParentError
	require.True(t, errors.As(err, &dangling))
	assert.False(t, ix.Ready())
	assert.False(t, ix.listener.IsRunning())
}

func TestIndexer_Close(t *testing.T) {
	ledger := newFakeLedger()
	seedScenario(ledger)
	ix := newTestIndexer(t, ledger)
	require.NoError(t, ix.Initialize(context.Background()))

	require.NoError(t, ix.Close(context.Background()))
	require.NoError(t, ix.Close(context.Background()), "close is idempotent")

	assert.False(t, ix.Ready())
	assert.False(t, ix.listener.IsRunning())
	ledger.mu.Lock()
	assert.True(t, ledger.closed)
	ledger.mu.Unlock()

	_, ok := ix.GetWithReplies(1)
	assert.True(t, ok, "reads survive close")

	_, err := ix.RunBackfill(context.Background(), true)
	assert.ErrorIs(t, err, apperrors.ErrStoreClosed)
}

func TestIndexer_ConcurrentQueriesDuringBackfill(t *testing.T) {
	ledger := newFakeLedger()
	ledger.put(rawChirp(1, authorA, 0, 0))
	for id := uint64(2); id <= 200; id++ {
		ledger.put(rawChirp(id, authorA, 1, 0))
	}
	ix := newTestIndexer(t, ledger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = ix.RunBackfill(context.Background(), false)
	}()

	for {
		select {
		case <-done:
			view, ok := ix.GetWithReplies(1)
			require.True(t, ok)
			assert.Len(t, view.Replies, 199)
			return
		default:
			if view, ok := ix.GetWithReplies(1); ok {
				require.Len(t, view.Replies, len(view.ReplyIDs))
			}
		}
	}
}

func TestIndexer_TransferInvalidatesCachedBalances(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	cache := storage.NewLookupCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour, time.Hour)

	ledger := newFakeLedger()
	seedScenario(ledger)
	ledger.setBalance(authorA, 10)
	ledger.setBalance(reserve, 1000)

	ix, err := NewIndexer(ledger, IndexerConfig{
		Backfill:                 testBackfillConfig(),
		ListenerBufferSize:       16,
		ListenerResubscribeDelay: time.Millisecond,
		ReserveAddress:           reserve.Hex(),
		Cache:                    cache,
		Logger:                   logging.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ix.Close(context.Background())
		_ = cache.Close()
	})
	ctx := context.Background()
	require.NoError(t, ix.Initialize(ctx))

	bal, err := ix.GetBalance(ctx, authorA.Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.Int64())
	supply, err := ix.GetPurchasableSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), supply.Int64())

	// authorA buys 5 tokens from the reserve
	ledger.setBalance(authorA, 15)
	ledger.setBalance(reserve, 995)
	ledger.emit(types.Event{Kind: types.EventTransfer, Args: map[string]interface{}{
		"from":  reserve,
		"to":    authorA,
		"value": big.NewInt(5),
	}})

	require.Eventually(t, func() bool {
		bal, err := ix.GetBalance(ctx, authorA.Hex())
		return err == nil && bal.Int64() == 15
	}, time.Second, 5*time.Millisecond)
	supply, err = ix.GetPurchasableSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(995), supply.Int64())
	assert.Equal(t, uint64(1), ix.Stats().Listener.Ignored)
}

func TestIndexer_TransferWithoutCache(t *testing.T) {
	ledger := newFakeLedger()
	ix := newTestIndexer(t, ledger)
	require.NoError(t, ix.Initialize(context.Background()))

	ledger.emit(types.Event{Kind: types.EventTransfer, Args: map[string]interface{}{
		"from": common.Address{},
		"to":   authorB,
	}})
	require.Eventually(t, func() bool { return ix.Stats().Listener.Ignored == 1 }, time.Second, 5*time.Millisecond)
	_, _, balances, _ := ledger.calls()
	assert.Zero(t, balances)
}

func TestIndexer_CatchUpRefreshesRecentChirps(t *testing.T) {
	tests := []struct {
		name      string
		window    int
		refreshed []uint64
	}{
		{name: "window covers the newest chirps", window: 2, refreshed: []uint64{3}},
		{name: "window larger than the mirror", window: 100, refreshed: []uint64{1, 2, 3}},
		{name: "disabled", window: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newFakeLedger()
			seedScenario(ledger)
			ix, err := NewIndexer(ledger, IndexerConfig{
				Backfill:              testBackfillConfig(),
				ListenerRefreshWindow: tt.window,
				ReserveAddress:        reserve.Hex(),
				Logger:                logging.Nop(),
			})
			require.NoError(t, err)
			t.Cleanup(func() { _ = ix.Close(context.Background()) })
			ctx := context.Background()

			_, err = ix.RunBackfill(ctx, false)
			require.NoError(t, err)

			// votes cast and a reply published while the subscription was down
			ledger.put(rawChirp(1, authorA, 0, 7))
			ledger.put(rawChirp(2, authorB, 0, 7))
			ledger.put(rawChirp(3, authorA, 1, 7))
			ledger.put(rawChirp(4, authorB, 3, 7))

			ix.catchUp(ctx)

			assert.Equal(t, uint64(5), ix.GetCount())
			view, ok := ix.GetWithReplies(4)
			require.True(t, ok)
			assert.Equal(t, uint64(7), view.Upvotes)

			for id := uint64(1); id <= 3; id++ {
				view, ok := ix.GetWithReplies(id)
				require.True(t, ok)
				want := uint64(0)
				if slices.Contains(tt.refreshed, id) {
					want = 7
				}
				assert.Equal(t, want, view.Upvotes, "chirp %d", id)
			}
			assert.Empty(t, ix.store.Verify())
		})
	}
}

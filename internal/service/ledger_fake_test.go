package service

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/chirp-indexer/internal/errors"
	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

var (
	authorA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	authorB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	reserve = common.HexToAddress("0x00000000000000000000000000000000000c41a9")
)

const genesisTime = 1_700_000_000

// fakeLedger is an in-memory LedgerGateway. Unknown IDs return the empty
// sentinel tuple, exactly like the contract.
type fakeLedger struct {
	mu            sync.Mutex
	records       map[uint64]types.RawRecord
	missingBlocks map[uint64]bool
	balances      map[string]*big.Int
	aliases       map[string]string
	fetchFailures map[uint64]int

	recordCalls  int
	blockCalls   int
	balanceCalls int
	aliasCalls   int

	sink   chan<- types.Event
	closed bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		records:       make(map[uint64]types.RawRecord),
		missingBlocks: make(map[uint64]bool),
		balances:      make(map[string]*big.Int),
		aliases:       make(map[string]string),
		fetchFailures: make(map[uint64]int),
	}
}

func rawChirp(id uint64, author common.Address, parent, upvotes uint64) types.RawRecord {
	return types.RawRecord{
		new(big.Int).SetUint64(id),
		author,
		"chirp " + new(big.Int).SetUint64(id).String(),
		new(big.Int).SetUint64(100 + id),
		new(big.Int).SetUint64(parent),
		big.NewInt(0),
		big.NewInt(1),
		new(big.Int).SetUint64(upvotes),
		big.NewInt(0),
		big.NewInt(0),
	}
}

func sentinel() types.RawRecord {
	return rawChirp(0, common.Address{}, 0, 0)
}

func (l *fakeLedger) put(raw types.RawRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := raw[types.FieldID].(*big.Int).Uint64()
	l.records[id] = raw
}

func (l *fakeLedger) setBalance(address common.Address, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[strings.ToLower(address.Hex())] = big.NewInt(amount)
}

func (l *fakeLedger) FetchRecord(ctx context.Context, id uint64) (types.RawRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordCalls++

	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewGatewayError("FetchRecord", err, nil)
	}
	if l.fetchFailures[id] > 0 {
		l.fetchFailures[id]--
		return nil, apperrors.NewGatewayError("FetchRecord", errors.New("connection reset"), nil)
	}
	raw, ok := l.records[id]
	if !ok {
		return sentinel(), nil
	}
	return append(types.RawRecord(nil), raw...), nil
}

func (l *fakeLedger) FetchBlock(ctx context.Context, number uint64) (*types.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blockCalls++

	if l.missingBlocks[number] {
		return nil, apperrors.NewGatewayError("FetchBlock", errors.New("block not found"), nil)
	}
	return &types.Block{Number: number, Time: genesisTime + number*12}, nil
}

func (l *fakeLedger) FetchBalance(ctx context.Context, address string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceCalls++

	if bal, ok := l.balances[strings.ToLower(address)]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (l *fakeLedger) FetchAlias(ctx context.Context, address string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.aliasCalls++
	return l.aliases[strings.ToLower(address)], nil
}

func (l *fakeLedger) SubscribeEvents(ctx context.Context, sink chan<- types.Event) (event.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	}), nil
}

func (l *fakeLedger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func (l *fakeLedger) emit(ev types.Event) {
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()
	sink <- ev
}

func (l *fakeLedger) calls() (records, blocks, balances, aliases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordCalls, l.blockCalls, l.balanceCalls, l.aliasCalls
}

// seedScenario loads chirps 1 (A, root), 2 (B, root) and 3 (A, reply to 1)
func seedScenario(l *fakeLedger) {
	l.put(rawChirp(1, authorA, 0, 0))
	l.put(rawChirp(2, authorB, 0, 0))
	l.put(rawChirp(3, authorA, 1, 0))
}

func testBackfillConfig() BackfillConfig {
	return BackfillConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		ProgressEvery: 2,
	}
}

func newTestIndexer(t *testing.T, ledger *fakeLedger) *Indexer {
	t.Helper()
	ix, err := NewIndexer(ledger, IndexerConfig{
		Backfill:                 testBackfillConfig(),
		ListenerBufferSize:       16,
		ListenerResubscribeDelay: time.Millisecond,
		ReserveAddress:           reserve.Hex(),
		Logger:                   logging.Nop(),
	})
	if err != nil {
		t.Fatalf("NewIndexer() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ix.Close(ctx)
	})
	return ix
}

func recordIDs(recs []types.Record) []uint64 {
	out := make([]uint64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

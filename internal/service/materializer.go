package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/chirp-indexer/internal/adapter"
	apperrors "github.com/chirp-indexer/internal/errors"
	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/types"
	"github.com/ethereum/go-ethereum/common"
)

// maxCachedBlocks bounds the block timestamp cache
const maxCachedBlocks = 4096

// Materializer turns raw ledger tuples into Records. It reads the ledger
// for block timestamps but never touches the index store.
type Materializer struct {
	gateway adapter.LedgerGateway
	logger  *logging.Logger

	mu         sync.Mutex
	blockTimes map[uint64]int64
}

// NewMaterializer creates a materializer over gateway
func NewMaterializer(gateway adapter.LedgerGateway, logger *logging.Logger) *Materializer {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Materializer{
		gateway:    gateway,
		logger:     logger.Named("materializer"),
		blockTimes: make(map[uint64]int64),
	}
}

// RecordID returns the positional id of a raw tuple. Zero marks the end of
// the ledger's chirp supply.
func RecordID(raw types.RawRecord) (uint64, error) {
	if len(raw) == 0 {
		return 0, apperrors.NewMaterializationError(0, "", "empty tuple", nil)
	}
	id, reason := toUint64(raw[types.FieldID])
	if reason != "" {
		return 0, apperrors.NewMaterializationError(0, types.FieldNames[types.FieldID], reason, nil)
	}
	return id, nil
}

// Materialize maps raw onto a Record for id and resolves its timestamp from
// the block it was published in. The reply list is always empty.
func (m *Materializer) Materialize(ctx context.Context, id uint64, raw types.RawRecord) (*types.Record, error) {
	if id == 0 {
		return nil, apperrors.NewMaterializationError(id, "", "chirp IDs start at 1", nil)
	}
	if len(raw) != types.RecordFieldCount {
		return nil, apperrors.NewMaterializationError(id, "",
			fmt.Sprintf("expected %d fields, got %d", types.RecordFieldCount, len(raw)), nil)
	}

	var numbers [types.RecordFieldCount]uint64
	for _, idx := range []int{
		types.FieldID, types.FieldBlockNumber, types.FieldParentID, types.FieldReward,
		types.FieldKind, types.FieldUpvotes, types.FieldDownvotes, types.FieldFlags,
	} {
		n, reason := toUint64(raw[idx])
		if reason != "" {
			return nil, apperrors.NewMaterializationError(id, types.FieldNames[idx], reason, nil)
		}
		numbers[idx] = n
	}
	if numbers[types.FieldID] != id {
		return nil, apperrors.NewMaterializationError(id, types.FieldNames[types.FieldID],
			fmt.Sprintf("tuple carries id %d", numbers[types.FieldID]), nil)
	}

	author, reason := toAddress(raw[types.FieldAuthor])
	if reason != "" {
		return nil, apperrors.NewMaterializationError(id, types.FieldNames[types.FieldAuthor], reason, nil)
	}

	body, ok := raw[types.FieldBody].(string)
	if !ok {
		return nil, apperrors.NewMaterializationError(id, types.FieldNames[types.FieldBody],
			fmt.Sprintf("unexpected type %T", raw[types.FieldBody]), nil)
	}

	timestamp, err := m.blockTimestamp(ctx, numbers[types.FieldBlockNumber])
	if err != nil {
		return nil, apperrors.NewMaterializationError(id, types.FieldNames[types.FieldBlockNumber],
			"block lookup failed", err)
	}

	return &types.Record{
		ID:          id,
		Author:      author,
		Body:        body,
		BlockNumber: numbers[types.FieldBlockNumber],
		Timestamp:   timestamp,
		ParentID:    numbers[types.FieldParentID],
		Reward:      numbers[types.FieldReward],
		Kind:        numbers[types.FieldKind],
		Upvotes:     numbers[types.FieldUpvotes],
		Downvotes:   numbers[types.FieldDownvotes],
		Flags:       numbers[types.FieldFlags],
		ReplyIDs:    []uint64{},
	}, nil
}

// blockTimestamp returns the block time in milliseconds. Block times never
// change, so each block is fetched at most once while it stays cached.
func (m *Materializer) blockTimestamp(ctx context.Context, number uint64) (int64, error) {
	m.mu.Lock()
	ts, ok := m.blockTimes[number]
	m.mu.Unlock()
	if ok {
		return ts, nil
	}

	block, err := m.gateway.FetchBlock(ctx, number)
	if err != nil {
		return 0, err
	}
	ts = block.TimestampMillis()

	m.mu.Lock()
	if len(m.blockTimes) >= maxCachedBlocks {
		m.blockTimes = make(map[uint64]int64)
	}
	m.blockTimes[number] = ts
	m.mu.Unlock()

	return ts, nil
}

// toUint64 converts a numeric tuple field. A non-empty reason means the
// field is unusable.
func toUint64(v interface{}) (uint64, string) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return 0, "missing value"
		}
		if n.Sign() < 0 || !n.IsUint64() {
			return 0, fmt.Sprintf("value %s out of range", n.String())
		}
		return n.Uint64(), ""
	case uint64:
		return n, ""
	case nil:
		return 0, "missing value"
	default:
		return 0, fmt.Sprintf("unexpected type %T", v)
	}
}

func toAddress(v interface{}) (string, string) {
	switch a := v.(type) {
	case common.Address:
		return a.Hex(), ""
	case string:
		if !common.IsHexAddress(a) {
			return "", fmt.Sprintf("malformed address %q", a)
		}
		return common.HexToAddress(a).Hex(), ""
	case nil:
		return "", "missing value"
	default:
		return "", fmt.Sprintf("unexpected type %T", v)
	}
}

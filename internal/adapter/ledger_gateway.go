package adapter

import (
	"context"
	"errors"
	"math/big"

	"github.com/chirp-indexer/internal/types"
	"github.com/ethereum/go-ethereum/event"
)

// LedgerGateway is the read surface of the chirp contract and its chain.
// Every call may block on the network and honours ctx cancellation.
type LedgerGateway interface {
	// FetchRecord returns the raw positional tuple for a chirp ID.
	// A tuple whose id field is 0 means the ID is past the current supply.
	FetchRecord(ctx context.Context, id uint64) (types.RawRecord, error)

	// FetchBlock returns the block with the given number
	FetchBlock(ctx context.Context, number uint64) (*types.Block, error)

	// FetchBalance returns the token balance of an address.
	// Malformed addresses fail with InvalidAddressError before any call is made.
	FetchBalance(ctx context.Context, address string) (*big.Int, error)

	// FetchAlias returns the alias registered for an address, "" if none
	FetchAlias(ctx context.Context, address string) (string, error)

	// SubscribeEvents streams decoded contract events into sink in ledger order
	// until the subscription is unsubscribed or fails.
	SubscribeEvents(ctx context.Context, sink chan<- types.Event) (event.Subscription, error)

	// Close releases the underlying connection
	Close()
}

var (
	// ErrBlockNotFound indicates the requested block does not exist
	ErrBlockNotFound = errors.New("block not found")

	// ErrNoEndpoint indicates no RPC endpoint could be dialed
	ErrNoEndpoint = errors.New("no ledger endpoint available")

	// ErrMissingABIEntry indicates the contract ABI lacks a method or event the indexer needs
	ErrMissingABIEntry = errors.New("contract ABI is missing a required entry")
)

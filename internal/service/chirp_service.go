package service

import (
	"context"
	"math/big"

	"github.com/chirp-indexer/internal/adapter"
	apperrors "github.com/chirp-indexer/internal/errors"
	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/storage"
	"github.com/chirp-indexer/internal/store"
	"github.com/chirp-indexer/internal/types"
	"github.com/ethereum/go-ethereum/common"
)

// ChirpService answers queries. Chirp reads come from the index store only;
// aliases and balances are passed through to the ledger, optionally fronted
// by the lookup cache.
type ChirpService struct {
	store          *store.IndexStore
	gateway        adapter.LedgerGateway
	cache          *storage.LookupCache
	reserveAddress string
	logger         *logging.Logger
}

// NewChirpService creates a query service. cache may be nil.
func NewChirpService(
	st *store.IndexStore,
	gateway adapter.LedgerGateway,
	cache *storage.LookupCache,
	reserveAddress string,
	logger *logging.Logger,
) *ChirpService {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ChirpService{
		store:          st,
		gateway:        gateway,
		cache:          cache,
		reserveAddress: reserveAddress,
		logger:         logger.Named("chirp_service"),
	}
}

// GetWithReplies returns the chirp with its direct replies resolved at call time
func (s *ChirpService) GetWithReplies(id uint64) (*types.ChirpView, bool) {
	return s.store.View(id)
}

// GetByAuthor returns the author's chirps in index order, empty for unknown authors
func (s *ChirpService) GetByAuthor(address string) []types.Record {
	return s.store.GetByAuthor(address)
}

// GetCount returns the next unassigned chirp ID
func (s *ChirpService) GetCount() uint64 {
	return s.store.CurrentCount()
}

// GetAlias returns the alias registered for address
func (s *ChirpService) GetAlias(ctx context.Context, address string) (string, error) {
	if err := validateAddress(address); err != nil {
		return "", err
	}

	if s.cache != nil {
		alias, found, err := s.cache.GetAlias(ctx, address)
		if err != nil {
			s.logger.WithError(err).Warn("Alias cache read failed")
		} else if found {
			return alias, nil
		}
	}

	alias, err := s.gateway.FetchAlias(ctx, address)
	if err != nil {
		return "", err
	}

	if s.cache != nil {
		if err := s.cache.SetAlias(ctx, address, alias); err != nil {
			s.logger.WithError(err).Warn("Alias cache write failed")
		}
	}
	return alias, nil
}

// GetBalance returns the token balance held by address
func (s *ChirpService) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if err := validateAddress(address); err != nil {
		return nil, err
	}

	if s.cache != nil {
		balance, err := s.cache.GetBalance(ctx, address)
		if err != nil {
			s.logger.WithError(err).Warn("Balance cache read failed")
		} else if balance != nil {
			return balance, nil
		}
	}

	balance, err := s.gateway.FetchBalance(ctx, address)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetBalance(ctx, address, balance); err != nil {
			s.logger.WithError(err).Warn("Balance cache write failed")
		}
	}
	return balance, nil
}

// GetPurchasableSupply returns the tokens still held by the reserve address
func (s *ChirpService) GetPurchasableSupply(ctx context.Context) (*big.Int, error) {
	return s.GetBalance(ctx, s.reserveAddress)
}

func validateAddress(address string) error {
	if !common.IsHexAddress(address) {
		return &apperrors.InvalidAddressError{Address: address}
	}
	return nil
}

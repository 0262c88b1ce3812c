package adapter

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/chirp-indexer/internal/circuitbreaker"
	apperrors "github.com/chirp-indexer/internal/errors"
	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"golang.org/x/time/rate"
)

//go:embed chirp_abi.json
var defaultChirpABI []byte

const (
	methodChirps  = "chirps"
	methodBalance = "balanceOf"
	methodAlias   = "addressAliases"

	defaultCallTimeout = 15 * time.Second
	logBufferSize      = 256
)

// ErrEmptyResponse indicates a contract call returned no data, which
// usually means the configured address holds no contract
var ErrEmptyResponse = errors.New("contract call returned no data")

// Backend is the part of ethclient.Client the gateway depends on
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error)
	Close()
}

// GatewayConfig configures an EthereumGateway
type GatewayConfig struct {
	ContractAddress string
	// ABIPath overrides the embedded chirp contract ABI when set
	ABIPath     string
	CallTimeout time.Duration
	// MaxRPS paces outgoing calls; 0 disables pacing
	MaxRPS   int
	MaxBurst int
	Breaker  *circuitbreaker.Config
	Logger   *logging.Logger
}

// EthereumGateway implements LedgerGateway against an EVM node
type EthereumGateway struct {
	backend     Backend
	contract    common.Address
	abi         abi.ABI
	callTimeout time.Duration
	limiter     *rate.Limiter
	breaker     *circuitbreaker.CircuitBreaker
	logger      *logging.Logger
}

var _ LedgerGateway = (*EthereumGateway)(nil)

// LoadContractABI parses the ABI at path, or the embedded chirp ABI when
// path is empty, and checks it exposes everything the indexer calls
func LoadContractABI(path string) (abi.ABI, error) {
	data := defaultChirpABI
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return abi.ABI{}, fmt.Errorf("read contract ABI: %w", err)
		}
		data = raw
	}

	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse contract ABI: %w", err)
	}

	for _, name := range []string{methodChirps, methodBalance, methodAlias} {
		if _, ok := parsed.Methods[name]; !ok {
			return abi.ABI{}, fmt.Errorf("%w: method %s", ErrMissingABIEntry, name)
		}
	}
	for _, name := range []types.EventKind{types.EventNewChirp, types.EventVote} {
		if _, ok := parsed.Events[string(name)]; !ok {
			return abi.ABI{}, fmt.Errorf("%w: event %s", ErrMissingABIEntry, name)
		}
	}
	return parsed, nil
}

// NewEthereumGateway wraps an already connected backend
func NewEthereumGateway(backend Backend, cfg GatewayConfig) (*EthereumGateway, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, &apperrors.InvalidAddressError{Address: cfg.ContractAddress}
	}

	contractABI, err := LoadContractABI(cfg.ABIPath)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.Named("ledger_gateway")

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	breakerCfg := cfg.Breaker
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig("ledger")
	}
	if breakerCfg.IsFailure == nil {
		breakerCfg.IsFailure = isEndpointFailure
	}
	if breakerCfg.Logger == nil {
		breakerCfg.Logger = logger
	}

	var limiter *rate.Limiter
	if cfg.MaxRPS > 0 {
		burst := cfg.MaxBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}

	return &EthereumGateway{
		backend:     backend,
		contract:    common.HexToAddress(cfg.ContractAddress),
		abi:         contractABI,
		callTimeout: timeout,
		limiter:     limiter,
		breaker:     circuitbreaker.NewCircuitBreaker(breakerCfg),
		logger:      logger,
	}, nil
}

// DialEthereumGateway dials the provider's current endpoint, failing over to
// the next one when the dial fails
func DialEthereumGateway(ctx context.Context, provider EndpointProvider, cfg GatewayConfig) (*EthereumGateway, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	attempts := len(provider.Health())
	var lastErr error
	for i := 0; i < attempts; i++ {
		endpoint := provider.CurrentURL()
		client, err := ethclient.DialContext(ctx, endpoint)
		if err == nil {
			provider.RecordSuccess()
			logger.WithField("endpoint", redactURL(endpoint)).Info("Connected to ledger endpoint")
			return NewEthereumGateway(client, cfg)
		}

		provider.RecordFailure(err)
		logger.WithError(err).WithField("endpoint", redactURL(endpoint)).Warn("Ledger endpoint dial failed")
		lastErr = err
		if ferr := provider.Failover(); ferr != nil {
			break
		}
	}
	return nil, apperrors.NewGatewayError("Dial", fmt.Errorf("%w: %v", ErrNoEndpoint, lastErr), nil)
}

// isEndpointFailure keeps caller mistakes and missing data from tripping the breaker
func isEndpointFailure(err error) bool {
	return !errors.Is(err, ErrBlockNotFound) && !errors.Is(err, context.Canceled)
}

// do runs one ledger call through pacing, the circuit breaker and the per-call timeout
func (g *EthereumGateway) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return apperrors.NewGatewayError(op, err, nil)
		}
	}

	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		return apperrors.NewGatewayError(op, err, nil)
	}
	return nil
}

// call packs and executes a read-only contract call, returning the raw output
func (g *EthereumGateway) call(ctx context.Context, op, method string, args ...interface{}) ([]byte, error) {
	input, err := g.abi.Pack(method, args...)
	if err != nil {
		return nil, apperrors.NewGatewayError(op, fmt.Errorf("pack %s: %w", method, err), nil)
	}

	var output []byte
	err = g.do(ctx, op, func(ctx context.Context) error {
		out, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &g.contract, Data: input}, nil)
		if err != nil {
			return err
		}
		if len(out) == 0 {
			return ErrEmptyResponse
		}
		output = out
		return nil
	})
	return output, err
}

// FetchRecord returns the raw chirp tuple for id
func (g *EthereumGateway) FetchRecord(ctx context.Context, id uint64) (types.RawRecord, error) {
	out, err := g.call(ctx, "FetchRecord", methodChirps, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}

	values, err := g.abi.Unpack(methodChirps, out)
	if err != nil {
		return nil, apperrors.NewMaterializationError(id, "", "undecodable contract response", err)
	}
	return types.RawRecord(values), nil
}

// FetchBlock returns the header data of block number
func (g *EthereumGateway) FetchBlock(ctx context.Context, number uint64) (*types.Block, error) {
	var header *ethtypes.Header
	err := g.do(ctx, "FetchBlock", func(ctx context.Context) error {
		h, err := g.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if errors.Is(err, ethereum.NotFound) || (err == nil && h == nil) {
			return ErrBlockNotFound
		}
		if err != nil {
			return err
		}
		header = h
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &types.Block{Number: header.Number.Uint64(), Time: header.Time}, nil
}

// FetchBalance returns the token balance held by address
func (g *EthereumGateway) FetchBalance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, &apperrors.InvalidAddressError{Address: address}
	}

	out, err := g.call(ctx, "FetchBalance", methodBalance, common.HexToAddress(address))
	if err != nil {
		return nil, err
	}

	values, err := g.abi.Unpack(methodBalance, out)
	if err != nil || len(values) != 1 {
		return nil, apperrors.NewGatewayError("FetchBalance", fmt.Errorf("decode balance: %v", err), nil)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, apperrors.NewGatewayError("FetchBalance", fmt.Errorf("unexpected balance type %T", values[0]), nil)
	}
	return balance, nil
}

// FetchAlias returns the alias registered for address
func (g *EthereumGateway) FetchAlias(ctx context.Context, address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", &apperrors.InvalidAddressError{Address: address}
	}

	out, err := g.call(ctx, "FetchAlias", methodAlias, common.HexToAddress(address))
	if err != nil {
		return "", err
	}

	values, err := g.abi.Unpack(methodAlias, out)
	if err != nil || len(values) != 1 {
		return "", apperrors.NewGatewayError("FetchAlias", fmt.Errorf("decode alias: %v", err), nil)
	}
	alias, ok := values[0].(string)
	if !ok {
		return "", apperrors.NewGatewayError("FetchAlias", fmt.Errorf("unexpected alias type %T", values[0]), nil)
	}
	return alias, nil
}

// SubscribeEvents subscribes to the contract's logs and forwards every log
// the ABI can decode into sink, in delivery order
func (g *EthereumGateway) SubscribeEvents(ctx context.Context, sink chan<- types.Event) (event.Subscription, error) {
	query := ethereum.FilterQuery{Addresses: []common.Address{g.contract}}
	logs := make(chan ethtypes.Log, logBufferSize)

	var upstream ethereum.Subscription
	err := g.do(ctx, "SubscribeEvents", func(ctx context.Context) error {
		sub, err := g.backend.SubscribeFilterLogs(ctx, query, logs)
		if err != nil {
			return err
		}
		upstream = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.logger.WithField("contract", g.contract.Hex()).Info("Subscribed to contract events")

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer upstream.Unsubscribe()
		for {
			select {
			case l := <-logs:
				ev, ok := g.decodeLog(l)
				if !ok {
					continue
				}
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			case err, ok := <-upstream.Err():
				if !ok || err == nil {
					err = errors.New("upstream subscription closed")
				}
				return apperrors.NewGatewayError("SubscribeEvents", err, nil)
			case <-quit:
				return nil
			}
		}
	}), nil
}

// decodeLog turns a contract log into an Event. Logs the ABI does not
// describe and logs removed by a reorg are dropped.
func (g *EthereumGateway) decodeLog(l ethtypes.Log) (types.Event, bool) {
	if l.Removed {
		g.logger.WithField("txHash", l.TxHash.Hex()).Debug("Skipping log removed by reorg")
		return types.Event{}, false
	}
	if len(l.Topics) == 0 {
		return types.Event{}, false
	}

	abiEvent, err := g.abi.EventByID(l.Topics[0])
	if err != nil {
		g.logger.WithField("topic", l.Topics[0].Hex()).Debug("Skipping log with unknown topic")
		return types.Event{}, false
	}

	args := make(map[string]interface{})
	var indexed abi.Arguments
	for _, input := range abiEvent.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, l.Topics[1:]); err != nil {
		g.logger.WithError(err).WithField("event", abiEvent.Name).Warn("Failed to decode indexed event arguments")
		return types.Event{}, false
	}
	if err := abiEvent.Inputs.UnpackIntoMap(args, l.Data); err != nil {
		g.logger.WithError(err).WithField("event", abiEvent.Name).Warn("Failed to decode event data")
		return types.Event{}, false
	}

	return types.Event{
		Kind:        types.EventKind(abiEvent.Name),
		Args:        args,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		Index:       l.Index,
	}, true
}

// BreakerStats exposes the circuit breaker state for health reporting
func (g *EthereumGateway) BreakerStats() *circuitbreaker.Stats {
	return g.breaker.GetStats()
}

// Close closes the backend connection
func (g *EthereumGateway) Close() {
	g.backend.Close()
}

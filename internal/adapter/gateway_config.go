package adapter

import (
	"github.com/chirp-indexer/internal/circuitbreaker"
	"github.com/chirp-indexer/internal/config"
	"github.com/chirp-indexer/internal/logging"
)

// GatewayConfigFromLedger maps the ledger settings onto a GatewayConfig
func GatewayConfigFromLedger(cfg *config.LedgerConfig, logger *logging.Logger) GatewayConfig {
	return GatewayConfig{
		ContractAddress: cfg.ContractAddress,
		ABIPath:         cfg.ABIPath,
		CallTimeout:     cfg.CallTimeout,
		MaxRPS:          cfg.MaxRPS,
		MaxBurst:        cfg.MaxBurst,
		Breaker:         circuitbreaker.DefaultConfig("ledger"),
		Logger:          logger,
	}
}

// NewProviderFromLedger builds the endpoint provider for the ledger settings
func NewProviderFromLedger(cfg *config.LedgerConfig) (*RPCProvider, error) {
	return NewRPCProvider(cfg.RPCPrimary, cfg.RPCSecondary)
}

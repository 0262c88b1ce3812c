// Package storage holds the Redis-backed cache for ledger lookups that the
// in-memory mirror does not track (aliases and token balances).
package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "chirp"

// LookupCache caches alias and balance lookups per address
type LookupCache struct {
	client     *redis.Client
	aliasTTL   time.Duration
	balanceTTL time.Duration
}

// NewLookupCache creates a cache over an open Redis client
func NewLookupCache(client *redis.Client, aliasTTL, balanceTTL time.Duration) *LookupCache {
	return &LookupCache{
		client:     client,
		aliasTTL:   aliasTTL,
		balanceTTL: balanceTTL,
	}
}

func aliasKey(address string) string {
	return fmt.Sprintf("%s:alias:%s", keyPrefix, strings.ToLower(address))
}

func balanceKey(address string) string {
	return fmt.Sprintf("%s:balance:%s", keyPrefix, strings.ToLower(address))
}

// GetAlias returns the cached alias. The empty alias is a valid cached value,
// so callers must check the found flag.
func (c *LookupCache) GetAlias(ctx context.Context, address string) (alias string, found bool, err error) {
	val, err := c.client.Get(ctx, aliasKey(address)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cached alias: %w", err)
	}
	return val, true, nil
}

// SetAlias caches an alias for the alias TTL
func (c *LookupCache) SetAlias(ctx context.Context, address, alias string) error {
	if err := c.client.Set(ctx, aliasKey(address), alias, c.aliasTTL).Err(); err != nil {
		return fmt.Errorf("cache alias: %w", err)
	}
	return nil
}

// GetBalance returns the cached balance, nil when absent
func (c *LookupCache) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	val, err := c.client.Get(ctx, balanceKey(address)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached balance: %w", err)
	}

	balance, ok := new(big.Int).SetString(val, 10)
	if !ok {
		// unreadable entry, drop it so the next lookup refills it
		_ = c.client.Del(ctx, balanceKey(address)).Err()
		return nil, nil
	}
	return balance, nil
}

// SetBalance caches a balance for the balance TTL
func (c *LookupCache) SetBalance(ctx context.Context, address string, balance *big.Int) error {
	if balance == nil {
		return nil
	}
	if err := c.client.Set(ctx, balanceKey(address), balance.String(), c.balanceTTL).Err(); err != nil {
		return fmt.Errorf("cache balance: %w", err)
	}
	return nil
}

// InvalidateBalances drops the cached balances of the given addresses
func (c *LookupCache) InvalidateBalances(ctx context.Context, addresses ...string) error {
	if len(addresses) == 0 {
		return nil
	}
	keys := make([]string, 0, len(addresses))
	for _, address := range addresses {
		keys = append(keys, balanceKey(address))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate balances: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable
func (c *LookupCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *LookupCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

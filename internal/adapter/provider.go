package adapter

import (
	"fmt"
	"net/url"
	"sync"
	"time"
)

// EndpointProvider tracks which ledger RPC endpoint the gateway should dial
// and how each endpoint has behaved so far
type EndpointProvider interface {
	// CurrentURL returns the endpoint to dial next
	CurrentURL() string

	// Failover switches to the next configured endpoint
	Failover() error

	// RecordSuccess records a successful dial
	RecordSuccess()

	// RecordFailure records a failed dial
	RecordFailure(err error)

	// Health returns a snapshot per configured endpoint
	Health() []EndpointHealth
}

// EndpointHealth is the dial history of one endpoint
type EndpointHealth struct {
	Endpoint    string    `json:"endpoint"`
	Active      bool      `json:"active"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	LastError   string    `json:"lastError,omitempty"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

// RPCProvider is an EndpointProvider over a primary and optional secondary URL
type RPCProvider struct {
	mu        sync.RWMutex
	endpoints []string
	current   int
	health    []EndpointHealth
}

// NewRPCProvider creates a provider that starts on primaryURL
func NewRPCProvider(primaryURL, secondaryURL string) (*RPCProvider, error) {
	if primaryURL == "" {
		return nil, fmt.Errorf("primary URL cannot be empty")
	}

	endpoints := []string{primaryURL}
	if secondaryURL != "" && secondaryURL != primaryURL {
		endpoints = append(endpoints, secondaryURL)
	}

	health := make([]EndpointHealth, len(endpoints))
	for i, ep := range endpoints {
		health[i].Endpoint = redactURL(ep)
	}

	return &RPCProvider{endpoints: endpoints, health: health}, nil
}

// CurrentURL returns the endpoint to dial next
func (p *RPCProvider) CurrentURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoints[p.current]
}

// Failover moves to the next endpoint, wrapping around to the primary
func (p *RPCProvider) Failover() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) < 2 {
		return fmt.Errorf("no secondary endpoint configured: %w", ErrNoEndpoint)
	}
	p.current = (p.current + 1) % len(p.endpoints)
	return nil
}

// RecordSuccess records a successful dial of the current endpoint
func (p *RPCProvider) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health[p.current].Successes++
}

// RecordFailure records a failed dial of the current endpoint
func (p *RPCProvider) RecordFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := &p.health[p.current]
	h.Failures++
	h.LastFailure = time.Now()
	if err != nil {
		h.LastError = err.Error()
	}
}

// Health returns a snapshot per configured endpoint
func (p *RPCProvider) Health() []EndpointHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]EndpointHealth, len(p.health))
	copy(out, p.health)
	out[p.current].Active = true
	return out
}

// redactURL strips credentials, paths and query strings, which commonly carry API keys
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<unparseable endpoint>"
	}
	return u.Scheme + "://" + u.Host
}

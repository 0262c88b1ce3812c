// Package worker runs the live update listener that keeps the chirp mirror
// current after the initial backfill.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chirp-indexer/internal/adapter"
	apperrors "github.com/chirp-indexer/internal/errors"
	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/retry"
	"github.com/chirp-indexer/internal/types"
	"github.com/ethereum/go-ethereum/event"
)

// EventHandler applies one chirp event to the mirror
type EventHandler interface {
	HandleEvent(ctx context.Context, ev types.Event, id uint64) error
}

// EventListenerConfig holds configuration for an EventListener
type EventListenerConfig struct {
	Gateway adapter.LedgerGateway
	Handler EventHandler
	// BufferSize is how many events may queue before the gateway blocks
	BufferSize          int
	ResubscribeDelay    time.Duration
	MaxResubscribeDelay time.Duration
	// OnResubscribe runs on the consumer goroutine after a lost subscription
	// has been replaced, before any new event is processed
	OnResubscribe func(ctx context.Context)
	// OnTransfer runs on the consumer goroutine for every token Transfer
	OnTransfer    func(ctx context.Context, ev types.Event)
	Logger        *logging.Logger
}

// ListenerStats reports listener activity
type ListenerStats struct {
	Running      bool      `json:"running"`
	Received     uint64    `json:"received"`
	Applied      uint64    `json:"applied"`
	Failed       uint64    `json:"failed"`
	Ignored      uint64    `json:"ignored"`
	Discarded    uint64    `json:"discarded"`
	Resubscribes uint64    `json:"resubscribes"`
	Pending      int       `json:"pending"`
	LastEventAt  time.Time `json:"lastEventAt,omitempty"`
}

// EventListener consumes contract events on a single goroutine, strictly in
// delivery order, and hands chirp events to its EventHandler
type EventListener struct {
	gateway       adapter.LedgerGateway
	handler       EventHandler
	onResubscribe func(ctx context.Context)
	onTransfer    func(ctx context.Context, ev types.Event)
	backoffConfig *retry.RetryConfig
	logger        *logging.Logger

	events chan types.Event

	mu      sync.Mutex
	sub     event.Subscription
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	received     atomic.Uint64
	applied      atomic.Uint64
	failed       atomic.Uint64
	ignored      atomic.Uint64
	discarded    atomic.Uint64
	resubscribes atomic.Uint64
	lastEventAt  atomic.Int64
}

// NewEventListener creates a listener. It does not subscribe until
// Subscribe or Start is called.
func NewEventListener(cfg EventListenerConfig) (*EventListener, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("event handler cannot be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1024
	}
	delay := cfg.ResubscribeDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := cfg.MaxResubscribeDelay
	if maxDelay < delay {
		maxDelay = 30 * delay
	}

	return &EventListener{
		gateway:       cfg.Gateway,
		handler:       cfg.Handler,
		onResubscribe: cfg.OnResubscribe,
		onTransfer:    cfg.OnTransfer,
		backoffConfig: &retry.RetryConfig{
			InitialDelay: delay,
			MaxDelay:     maxDelay,
			Multiplier:   2.0,
		},
		logger: logger.Named("event_listener"),
		events: make(chan types.Event, buffer),
	}, nil
}

// Subscribe opens the event subscription without consuming it. Events
// published from now on queue until Start. Calling it again is a no-op.
func (l *EventListener) Subscribe(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sub != nil {
		return nil
	}
	sub, err := l.gateway.SubscribeEvents(ctx, l.events)
	if err != nil {
		return fmt.Errorf("subscribe to chirp events: %w", err)
	}
	l.sub = sub
	return nil
}

// Start subscribes if needed and begins consuming events until Stop is called
// or ctx ends. onEvent, when set, observes every chirp event with the result
// of applying it.
func (l *EventListener) Start(ctx context.Context, onEvent func(types.Event, error)) error {
	if err := l.Subscribe(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("event listener is already running")
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})

	l.logger.WithField("pending", len(l.events)).Info("Event listener started")
	go l.run(ctx, onEvent, l.stopCh, l.doneCh)
	return nil
}

// Stop ends consumption, releases the subscription and waits for the
// consumer goroutine to exit or ctx to end
func (l *EventListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		if l.sub != nil {
			l.sub.Unsubscribe()
			l.sub = nil
		}
		l.mu.Unlock()
		return nil
	}
	stopCh, doneCh := l.stopCh, l.doneCh
	l.stopCh = nil
	l.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}

	select {
	case <-doneCh:
		l.logger.Info("Event listener stopped")
		return nil
	case <-ctx.Done():
		l.logger.Warn("Event listener stop timed out")
		return ctx.Err()
	}
}

// IsRunning reports whether the consumer goroutine is active
func (l *EventListener) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stats returns a snapshot of listener activity
func (l *EventListener) Stats() ListenerStats {
	stats := ListenerStats{
		Running:      l.IsRunning(),
		Received:     l.received.Load(),
		Applied:      l.applied.Load(),
		Failed:       l.failed.Load(),
		Ignored:      l.ignored.Load(),
		Discarded:    l.discarded.Load(),
		Resubscribes: l.resubscribes.Load(),
		Pending:      len(l.events),
	}
	if ts := l.lastEventAt.Load(); ts != 0 {
		stats.LastEventAt = time.Unix(0, ts)
	}
	return stats
}

func (l *EventListener) run(ctx context.Context, onEvent func(types.Event, error), stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer func() {
		l.mu.Lock()
		if l.sub != nil {
			l.sub.Unsubscribe()
			l.sub = nil
		}
		l.running = false
		l.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := retry.NewBackoff(l.backoffConfig)
	for {
		l.mu.Lock()
		errCh := l.sub.Err()
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case ev := <-l.events:
			l.process(ctx, ev, onEvent)
		case err := <-errCh:
			if ctx.Err() != nil {
				return
			}
			l.logger.WithError(err).Warn("Event subscription lost, resubscribing")
			if !l.resubscribe(ctx, backoff) {
				return
			}
			if l.onResubscribe != nil {
				l.onResubscribe(ctx)
			}
		}
	}
}

// resubscribe replaces a failed subscription, backing off between attempts.
// It returns false only when ctx ends first.
func (l *EventListener) resubscribe(ctx context.Context, backoff *retry.Backoff) bool {
	l.mu.Lock()
	if l.sub != nil {
		l.sub.Unsubscribe()
	}
	l.mu.Unlock()

	for {
		delay := backoff.Next()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		sub, err := l.gateway.SubscribeEvents(ctx, l.events)
		if err != nil {
			l.logger.WithError(err).Warn("Resubscribe failed")
			continue
		}

		l.mu.Lock()
		l.sub = sub
		l.mu.Unlock()

		backoff.Reset()
		l.resubscribes.Add(1)
		l.logger.Info("Event subscription restored")
		return true
	}
}

func (l *EventListener) process(ctx context.Context, ev types.Event, onEvent func(types.Event, error)) {
	l.received.Add(1)
	l.lastEventAt.Store(time.Now().UnixNano())

	logger := l.logger.WithFields(map[string]interface{}{
		"kind":        ev.Kind,
		"blockNumber": ev.BlockNumber,
		"txHash":      ev.TxHash,
	})
	if logger.Enabled(logging.LevelDebug) {
		logger.WithField("args", ev.Args).Debug("Event received")
	}

	if ev.Kind != types.EventNewChirp && ev.Kind != types.EventVote {
		l.ignored.Add(1)
		if ev.Kind == types.EventTransfer && l.onTransfer != nil {
			l.onTransfer(ctx, ev)
		}
		return
	}

	id, err := EventID(ev)
	if err != nil {
		l.discarded.Add(1)
		logger.WithError(err).Warn("Discarding event without a usable chirp id")
		return
	}

	err = l.handler.HandleEvent(ctx, ev, id)
	switch {
	case err == nil:
		l.applied.Add(1)
	case isDangling(err):
		l.failed.Add(1)
		logger.WithError(err).WithField("chirpId", id).Error("Consistency violation while applying event")
	default:
		l.failed.Add(1)
		logger.WithError(err).WithField("chirpId", id).Warn("Failed to apply event")
	}

	if onEvent != nil {
		onEvent(ev, err)
	}
}

func isDangling(err error) bool {
	var dangling *apperrors.DanglingParentError
	return errors.As(err, &dangling)
}

// EventID extracts the chirp id argument of an event
func EventID(ev types.Event) (uint64, error) {
	raw, ok := ev.Args["id"]
	if !ok {
		return 0, fmt.Errorf("event %s has no id argument", ev.Kind)
	}

	var id *big.Int
	switch v := raw.(type) {
	case *big.Int:
		id = v
	case uint64:
		id = new(big.Int).SetUint64(v)
	case int64:
		id = big.NewInt(v)
	case int:
		id = big.NewInt(int64(v))
	case string:
		parsed, ok := new(big.Int).SetString(strings.TrimSpace(v), 0)
		if !ok {
			return 0, fmt.Errorf("unparseable id %q", v)
		}
		id = parsed
	default:
		return 0, fmt.Errorf("unexpected id type %T", raw)
	}

	if id == nil || id.Sign() <= 0 || !id.IsUint64() {
		return 0, fmt.Errorf("id %v out of range", raw)
	}
	return id.Uint64(), nil
}

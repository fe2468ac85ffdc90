// Package poller implements the fallback poller and circuit breaker
// (C11), adapted from the teacher's CircuitBreaker/StrategyPhase state
// machine (specs/001-liquidity-repositioning/contracts/strategy_api.go):
// the teacher's error-window/threshold fields become this module's
// stream-health circuit breaker, and its phase enum becomes a two-state
// PollerState driven solely by StreamDegraded/StreamHealthy signals.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"

	"github.com/solrelay/copytrader/pkg/types"
)

// PollerState mirrors the teacher's StrategyPhase, narrowed to the two
// states spec.md §4.8/§8 require: a poller is either Stopped or Running,
// and both transitions must be idempotent.
type PollerState int

const (
	Stopped PollerState = iota
	Running
)

func (s PollerState) String() string {
	if s == Running {
		return "Running"
	}
	return "Stopped"
}

const pollInterval = 25 * time.Second

// RecentSignatureSource is the subset of C2 the poller needs to discover
// a master's recent activity when the stream path is degraded.
type RecentSignatureSource interface {
	GetRecentTransactions(ctx context.Context, master solana.PublicKey) ([]*types.RawTx, error)
}

// SubscriptionSource supplies the active master set the poller sweeps.
type SubscriptionSource interface {
	ActiveSubscriptions(ctx context.Context) ([]types.TraderSubscription, error)
}

// Pipeline is the single shared C6->C7->C8->C9->C10 function, the same
// one C5's path calls, so there is exactly one pipeline implementation.
type Pipeline func(ctx context.Context, tx *types.RawTx, master solana.PublicKey)

// Poller sweeps active masters' recent signatures every pollInterval
// while the circuit breaker reports the stream path degraded.
type Poller struct {
	net    RecentSignatureSource
	subs   SubscriptionSource
	run    Pipeline
	log    log.Logger

	mu    sync.Mutex
	state PollerState
	stop  context.CancelFunc
	done  chan struct{}
}

func New(net RecentSignatureSource, subs SubscriptionSource, run Pipeline, logger log.Logger) *Poller {
	if logger == nil {
		logger = log.Root()
	}
	return &Poller{net: net, subs: subs, run: run, log: logger, state: Stopped}
}

// Start begins the poll loop. Idempotent: calling Start while already
// Running is a no-op (spec.md §8's idempotence property).
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.stop = cancel
	p.done = make(chan struct{})
	p.state = Running
	p.log.Info("fallback poller started")
	go p.loop(loopCtx, p.done)
}

// Stop halts the poll loop. Idempotent: calling Stop while already
// Stopped is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Stopped {
		return
	}
	p.stop()
	<-p.done
	p.state = Stopped
	p.log.Info("fallback poller stopped")
}

// State reports the poller's current lifecycle state.
func (p *Poller) State() PollerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	subs, err := p.subs.ActiveSubscriptions(ctx)
	if err != nil {
		p.log.Warn("poller: active subscription list failed", "err", err)
		return
	}
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		txs, err := p.net.GetRecentTransactions(ctx, sub.Wallet)
		if err != nil {
			p.log.Warn("poller: recent signature fetch failed", "master", sub.Wallet, "err", err)
			continue
		}
		for _, tx := range txs {
			p.run(ctx, tx, sub.Wallet)
		}
	}
}

// CircuitBreaker tracks stream-path errors and decides when the fallback
// poller should take over, adapted from the teacher's CircuitBreaker
// struct (ErrorWindow/ErrorThreshold/LastErrors/CriticalErrorOccurred).
type CircuitBreaker struct {
	mu sync.Mutex

	errorWindow    time.Duration
	errorThreshold int
	lastErrors     []time.Time
	critical       bool
}

func NewCircuitBreaker(window time.Duration, threshold int) *CircuitBreaker {
	return &CircuitBreaker{errorWindow: window, errorThreshold: threshold}
}

// RecordError records a stream error and reports whether the breaker
// should trip (critical errors trip immediately; otherwise threshold-
// based within the window).
func (cb *CircuitBreaker) RecordError(critical bool) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if critical {
		cb.critical = true
		return true
	}

	now := time.Now()
	cb.lastErrors = append(cb.lastErrors, now)
	cutoff := now.Add(-cb.errorWindow)
	kept := cb.lastErrors[:0]
	for _, t := range cb.lastErrors {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.lastErrors = kept
	return len(cb.lastErrors) >= cb.errorThreshold
}

// Reset clears the circuit breaker state, used on StreamHealthy.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastErrors = nil
	cb.critical = false
}

// ErrorRate returns current errors-per-hour, for operator diagnostics.
func (cb *CircuitBreaker) ErrorRate() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.lastErrors) == 0 {
		return 0
	}
	return float64(len(cb.lastErrors)) / cb.errorWindow.Hours()
}

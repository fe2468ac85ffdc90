// Package leader implements the leader tracker (C3): a single-threaded
// slot->leader cache refreshed by subscription plus periodic top-up, per
// spec.md §4.6/§5.
package leader

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	lru "github.com/hashicorp/golang-lru"
)

// slotsPerEpoch and epochsToCache size the cache to "~2 epochs of
// slot->leader pairs" per SPEC_FULL.md §3.3.
const (
	slotsPerEpoch = 432_000
	epochsToCache = 2
	cacheSize     = slotsPerEpoch * epochsToCache
	refillWindow  = 1_000 // slots; refill when fewer than this many upcoming slots are cached
)

// SlotSource is the subset of C2 the tracker consumes: a push channel of
// slot-change notifications and the batched leader-schedule read.
type SlotSource interface {
	SubscribeSlots(ctx context.Context) (<-chan uint64, error)
	GetSlotLeaders(ctx context.Context, startSlot, count uint64) ([]solana.PublicKey, error)
}

// Tracker is the single-threaded leader cache.
type Tracker struct {
	net SlotSource
	log log.Logger

	cache *lru.Cache // slot -> solana.PublicKey

	mu           sync.RWMutex
	currentSlot  uint64
	currentLdr   solana.PublicKey
	endpointByID map[solana.PublicKey]string // leader -> known direct endpoint, from config
}

// New constructs a tracker. endpointByID is the static leader->direct-
// endpoint table named in SPEC_FULL.md §3.3, supplied by operator config.
func New(net SlotSource, endpointByID map[solana.PublicKey]string, logger log.Logger) (*Tracker, error) {
	if logger == nil {
		logger = log.Root()
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		net:          net,
		log:          logger,
		cache:        cache,
		endpointByID: endpointByID,
	}, nil
}

// Run drives the single-threaded refresh loop until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	slots, err := t.net.SubscribeSlots(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case slot, ok := <-slots:
			if !ok {
				return nil
			}
			t.onSlot(ctx, slot)
		}
	}
}

func (t *Tracker) onSlot(ctx context.Context, slot uint64) {
	t.mu.Lock()
	t.currentSlot = slot
	if ldr, ok := t.cache.Get(slot); ok {
		t.currentLdr = ldr.(solana.PublicKey)
	}
	t.mu.Unlock()

	if t.upcomingCoverage(slot) < refillWindow {
		t.refill(ctx, slot)
	}
}

func (t *Tracker) upcomingCoverage(fromSlot uint64) int {
	covered := 0
	for s := fromSlot; s < fromSlot+refillWindow; s++ {
		if _, ok := t.cache.Get(s); ok {
			covered++
		}
	}
	return covered
}

func (t *Tracker) refill(ctx context.Context, fromSlot uint64) {
	leaders, err := t.net.GetSlotLeaders(ctx, fromSlot, refillWindow)
	if err != nil {
		t.log.Warn("leader schedule refill failed", "slot", fromSlot, "err", err)
		return
	}
	for i, ldr := range leaders {
		t.cache.Add(fromSlot+uint64(i), ldr)
	}
}

// CurrentSlot returns the most recently observed slot, used by the
// pipeline glue to pass a freshness reference into the golden filter.
func (t *Tracker) CurrentSlot() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentSlot
}

// CurrentLeader returns the leader for the most recently observed slot.
func (t *Tracker) CurrentLeader() solana.PublicKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentLdr
}

// EndpointFor looks up a known direct endpoint for a leader, per
// spec.md §4.6's "if the leader has a known direct endpoint" clause.
func (t *Tracker) EndpointFor(ldr solana.PublicKey) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	endpoint, ok := t.endpointByID[ldr]
	return endpoint, ok
}

// Package state implements the shared state store (C4): the one shared
// mutable surface in the pipeline, exposed only through atomic
// primitives, per spec.md §5's shared-resource policy.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-redis/redis/v8"
)

const (
	buyLockTTL    = 20 * time.Second
	dedupTTL      = 120 * time.Second
	lockKeyPrefix = "lock:buy:"
	dedupPrefix   = "seen:"
	priceKeyPrefix = "price:"
)

// Store is the thin interface C9/C11/C12 depend on, never the concrete
// redis client (teacher precedent: ContractClient/TransactionRecorder are
// always consumed as interfaces).
type Store interface {
	SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, val string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// RedisStore implements Store over go-redis/v8.
type RedisStore struct {
	rdb *redis.Client
	log log.Logger
}

func NewRedisStore(addr, password string, db int, logger log.Logger) *RedisStore {
	if logger == nil {
		logger = log.Root()
	}
	return &RedisStore{
		rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		log: logger,
	}
}

func (s *RedisStore) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("state: setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("state: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("state: del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("state: incr %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("state: get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("state: exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("state: ttl %s: %w", key, err)
	}
	return ttl, nil
}

// Locks wraps Store with spec.md §4.7's lock contract.
type Locks struct {
	store Store
}

func NewLocks(store Store) *Locks { return &Locks{store: store} }

// AcquireBuyLock implements `lock:buy:<output_mint>`, TTL 20s, SET NX.
// held=false means another event is already processing a buy for this
// mint; the caller must skip. release is a no-op when held is false.
func (l *Locks) AcquireBuyLock(ctx context.Context, outputMint string) (release func(ctx context.Context), held bool, err error) {
	key := lockKeyPrefix + outputMint
	ok, err := l.store.SetNX(ctx, key, "1", buyLockTTL)
	if err != nil {
		return func(context.Context) {}, false, err
	}
	if !ok {
		return func(context.Context) {}, false, nil
	}
	return func(ctx context.Context) { _ = l.store.Del(ctx, key) }, true, nil
}

// Dedup wraps Store with spec.md §4.9's dedup contract.
type Dedup struct {
	store Store
	ttl   time.Duration
}

func NewDedup(store Store) *Dedup { return &Dedup{store: store, ttl: dedupTTL} }

// MarkProcessed implements the `(master_id, signature)` dedup key,
// inserted before analysis per spec.md §4.9. alreadySeen=true means the
// caller must drop with reason DUPLICATE.
func (d *Dedup) MarkProcessed(ctx context.Context, masterID, signature string) (alreadySeen bool, err error) {
	key := dedupPrefix + masterID + ":" + signature
	inserted, err := d.store.SetNX(ctx, key, "1", d.ttl)
	if err != nil {
		return false, err
	}
	return !inserted, nil
}

// PriceCache tracks per-mint price/market-cap snapshots, with a janitor
// goroutine that evicts entries for tokens below a market-cap threshold
// after a grace period (SPEC_FULL.md §3.4's janitor feature, named but
// left unspecified by config-only text in the distilled spec).
type PriceCache struct {
	store Store
	log   log.Logger

	mcapThreshold float64
	grace         time.Duration
}

func NewPriceCache(store Store, mcapThreshold float64, grace time.Duration, logger log.Logger) *PriceCache {
	if logger == nil {
		logger = log.Root()
	}
	return &PriceCache{store: store, mcapThreshold: mcapThreshold, grace: grace, log: logger}
}

func (p *PriceCache) SetPrice(ctx context.Context, mint string, priceUSD, marketCapUSD float64, ttl time.Duration) error {
	val := fmt.Sprintf("%f:%f", priceUSD, marketCapUSD)
	return p.store.Set(ctx, priceKeyPrefix+mint, val, ttl)
}

func (p *PriceCache) GetPrice(ctx context.Context, mint string) (priceUSD float64, ok bool, err error) {
	val, found, err := p.store.Get(ctx, priceKeyPrefix+mint)
	if err != nil || !found {
		return 0, false, err
	}
	var mcap float64
	_, scanErr := fmt.Sscanf(val, "%f:%f", &priceUSD, &mcap)
	if scanErr != nil {
		return 0, false, nil
	}
	return priceUSD, true, nil
}

// RunJanitor evicts stale low-mcap entries every interval until ctx is
// cancelled. mints is a snapshot provider since the store itself doesn't
// support key-pattern scans cheaply at scale.
func (p *PriceCache) RunJanitor(ctx context.Context, interval time.Duration, activeMints func() []string, marketCapOf func(mint string) (float64, time.Time, bool)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, mint := range activeMints() {
				mcap, since, ok := marketCapOf(mint)
				if !ok || mcap >= p.mcapThreshold {
					continue
				}
				if time.Since(since) < p.grace {
					continue
				}
				if err := p.store.Del(ctx, priceKeyPrefix+mint); err != nil {
					p.log.Warn("janitor evict failed", "mint", mint, "err", err)
				}
			}
		}
	}
}

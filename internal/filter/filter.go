// Package filter implements the golden filter (C6): cheap pre-checks run
// before the expensive economic analysis in internal/analyzer. Ordered
// cheapest-reject-first per SPEC_FULL.md §3.6.
package filter

import (
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/solrelay/copytrader/pkg/types"
)

// Reason is a typed, observability-friendly rejection tag. No exceptions
// are raised (spec.md §4.2).
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonTxError     Reason = "tx_error"
	ReasonStale       Reason = "stale"
	ReasonSmallMove   Reason = "small_move"
	ReasonNoOwnerMove Reason = "no_owner_move"
)

// Config holds the tunables spec.md §4.2 and §6 name.
type Config struct {
	MinNativeDelta *big.Int      // default 100_000 base units
	MaxAge         time.Duration // default 30s
	SlotDuration   time.Duration // network's average slot time, for age-from-slot conversion
}

// DefaultConfig returns spec.md §4.2/§6's defaults.
func DefaultConfig() Config {
	return Config{
		MinNativeDelta: big.NewInt(100_000),
		MaxAge:         30 * time.Second,
		SlotDuration:   400 * time.Millisecond,
	}
}

// Evaluate runs the four golden-filter checks in order and returns the
// first failing reason, or ReasonNone if tx passes. currentSlot is the
// network's current slot, used to compute tx age from tx.Slot.
func Evaluate(tx *types.RawTx, master solana.PublicKey, currentSlot uint64, cfg Config) (bool, Reason) {
	// (a) meta.err is set.
	if tx.Meta.Err {
		return false, ReasonTxError
	}

	// (b) slot older than the configured horizon. Age exactly equal to
	// the horizon is accepted (spec.md §8 boundary behavior); horizon+1
	// is rejected.
	age := slotAge(tx.Slot, currentSlot, cfg.SlotDuration)
	if age > cfg.MaxAge {
		return false, ReasonStale
	}

	// (c) native-balance delta across all accounts below MIN_NATIVE_DELTA.
	// Delta exactly equal to MinNativeDelta is accepted.
	if nativeDeltaMagnitude(tx).Cmp(cfg.MinNativeDelta) < 0 {
		return false, ReasonSmallMove
	}

	// (d) no token balance change involves the master wallet as owner.
	if !hasOwnerTokenMove(tx, master) {
		return false, ReasonNoOwnerMove
	}

	return true, ReasonNone
}

func slotAge(txSlot, currentSlot uint64, slotDuration time.Duration) time.Duration {
	if currentSlot <= txSlot {
		return 0
	}
	return time.Duration(currentSlot-txSlot) * slotDuration
}

// nativeDeltaMagnitude sums the absolute value of (post-pre) native
// balance across every account index present in the transaction.
func nativeDeltaMagnitude(tx *types.RawTx) *big.Int {
	total := new(big.Int)
	n := len(tx.Meta.PreNativeBalances)
	if len(tx.Meta.PostNativeBalances) < n {
		n = len(tx.Meta.PostNativeBalances)
	}
	for i := 0; i < n; i++ {
		delta := int64(tx.Meta.PostNativeBalances[i]) - int64(tx.Meta.PreNativeBalances[i])
		if delta < 0 {
			delta = -delta
		}
		total.Add(total, big.NewInt(delta))
	}
	return total
}

// hasOwnerTokenMove reports whether any token balance record owned by
// master actually changed between pre and post snapshots. A record
// present on only one side (a token account opened or closed by the
// transaction) counts as a move; a record present on both sides with the
// same amount does not.
func hasOwnerTokenMove(tx *types.RawTx, master solana.PublicKey) bool {
	pre := indexByMint(tx.Meta.PreTokenBalances, master)
	post := indexByMint(tx.Meta.PostTokenBalances, master)

	for mint, postAmt := range post {
		preAmt, ok := pre[mint]
		if !ok || preAmt.Cmp(postAmt) != 0 {
			return true
		}
	}
	for mint, preAmt := range pre {
		if postAmt, ok := post[mint]; !ok || preAmt.Cmp(postAmt) != 0 {
			return true
		}
	}
	return false
}

func indexByMint(records []types.TokenBalanceRecord, owner solana.PublicKey) map[solana.PublicKey]*big.Int {
	out := make(map[solana.PublicKey]*big.Int)
	for _, r := range records {
		if r.Owner.Equals(owner) {
			out[r.Mint] = r.Amount
		}
	}
	return out
}

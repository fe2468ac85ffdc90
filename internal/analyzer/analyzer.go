// Package analyzer implements the economic analyzer (C7): it derives a
// TradeIntent purely from pre/post balance deltas, never inspecting
// instruction bytes (spec.md §4.3's invariant).
package analyzer

import (
	"math/big"

	"github.com/gagliardetto/solana-go"

	"github.com/solrelay/copytrader/internal/errs"
	"github.com/solrelay/copytrader/pkg/types"
)

// NativeMint is the network's native token identifier (the zero
// pubkey stands in for "wrapped native" bookkeeping; callers that treat
// the unwrapped native balance array separately never need to compare
// against this value for the native side of a TradeIntent — it exists so
// OutputMint/InputMint can name the native leg explicitly).
var NativeMint = solana.PublicKey{}

// tokenDelta pairs a mint with the master's signed balance change and the
// decimals recorded for it.
type tokenDelta struct {
	mint     solana.PublicKey
	delta    *big.Int
	decimals uint8
}

// Analyze implements spec.md §4.3's four-step algorithm.
func Analyze(tx *types.RawTx, master solana.PublicKey) (*types.TradeIntent, error) {
	deltas := tokenDeltas(tx, master)
	nativeDelta := nativeDeltaFor(tx, master)

	positive := make([]tokenDelta, 0, 1)
	negative := make([]tokenDelta, 0, 1)
	for _, d := range deltas {
		switch d.delta.Sign() {
		case 1:
			positive = append(positive, d)
		case -1:
			negative = append(negative, d)
		}
	}

	switch {
	case nativeDelta.Sign() < 0 && len(positive) == 1 && len(negative) == 0:
		// buy: native spent, exactly one token received.
		out := positive[0]
		return &types.TradeIntent{
			TradeType:       types.TradeBuy,
			InputMint:       NativeMint,
			OutputMint:      out.mint,
			InputAmountRaw:  new(big.Int).Abs(nativeDelta),
			OutputAmountRaw: new(big.Int).Set(out.delta),
			TraderID:        master,
			TokenDecimals:   out.decimals,
		}, nil

	case nativeDelta.Sign() > 0 && len(negative) == 1 && len(positive) == 0:
		// sell: native received, exactly one token spent.
		in := negative[0]
		return &types.TradeIntent{
			TradeType:       types.TradeSell,
			InputMint:       in.mint,
			OutputMint:      NativeMint,
			InputAmountRaw:  new(big.Int).Abs(in.delta),
			OutputAmountRaw: new(big.Int).Set(nativeDelta),
			TraderID:        master,
			TokenDecimals:   in.decimals,
		}, nil

	case len(negative) == 1 && len(positive) == 1 && isApproxZero(nativeDelta):
		// token-to-token: classified as a buy with non-native input.
		in := negative[0]
		out := positive[0]
		return &types.TradeIntent{
			TradeType:       types.TradeBuy,
			InputMint:       in.mint,
			OutputMint:      out.mint,
			InputAmountRaw:  new(big.Int).Abs(in.delta),
			OutputAmountRaw: new(big.Int).Set(out.delta),
			TraderID:        master,
			TokenDecimals:   out.decimals,
		}, nil

	default:
		return nil, errs.ErrAmbiguous
	}
}

// nativeApproxZeroLamports is the tolerance for "native delta ≈ 0" in the
// token-to-token classification (spec.md §4.3 step 3): a transaction that
// only swaps tokens still pays a small native fee, so exact zero is too
// strict a bound.
const nativeApproxZeroLamports = 5_000

func isApproxZero(v *big.Int) bool {
	abs := new(big.Int).Abs(v)
	return abs.Cmp(big.NewInt(nativeApproxZeroLamports)) <= 0
}

func nativeDeltaFor(tx *types.RawTx, master solana.PublicKey) *big.Int {
	keys := tx.FullAccountKeys()
	for i, k := range keys {
		if !k.Equals(master) {
			continue
		}
		if i >= len(tx.Meta.PreNativeBalances) || i >= len(tx.Meta.PostNativeBalances) {
			return new(big.Int)
		}
		pre := tx.Meta.PreNativeBalances[i]
		post := tx.Meta.PostNativeBalances[i]
		return new(big.Int).Sub(big.NewInt(0).SetUint64(post), big.NewInt(0).SetUint64(pre))
	}
	return new(big.Int)
}

// tokenDeltas builds token_mint -> (post - pre) for every token balance
// record whose owner is master (spec.md §4.3 step 1). Decimals are
// captured from whichever snapshot (post preferred, else pre) carries the
// record, resolving the unstated "which record's decimals win" question
// noted in SPEC_FULL.md §3.7.
func tokenDeltas(tx *types.RawTx, master solana.PublicKey) []tokenDelta {
	pre := make(map[solana.PublicKey]types.TokenBalanceRecord)
	for _, r := range tx.Meta.PreTokenBalances {
		if r.Owner.Equals(master) {
			pre[r.Mint] = r
		}
	}
	post := make(map[solana.PublicKey]types.TokenBalanceRecord)
	for _, r := range tx.Meta.PostTokenBalances {
		if r.Owner.Equals(master) {
			post[r.Mint] = r
		}
	}

	mints := make(map[solana.PublicKey]struct{})
	for m := range pre {
		mints[m] = struct{}{}
	}
	for m := range post {
		mints[m] = struct{}{}
	}

	out := make([]tokenDelta, 0, len(mints))
	for m := range mints {
		preAmt := big.NewInt(0)
		preDec := uint8(0)
		if r, ok := pre[m]; ok {
			preAmt = r.Amount
			preDec = r.Decimals
		}
		postAmt := big.NewInt(0)
		postDec := uint8(0)
		hasPost := false
		if r, ok := post[m]; ok {
			postAmt = r.Amount
			postDec = r.Decimals
			hasPost = true
		}
		dec := preDec
		if hasPost {
			dec = postDec
		}
		delta := new(big.Int).Sub(postAmt, preAmt)
		if delta.Sign() == 0 {
			continue
		}
		out = append(out, tokenDelta{mint: m, delta: delta, decimals: dec})
	}
	return out
}

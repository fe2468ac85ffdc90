package filter

import (
	"math/big"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"

	"github.com/solrelay/copytrader/pkg/types"
)

func baseTx(master solana.PublicKey) *types.RawTx {
	mint := solana.NewWallet().PublicKey()
	return &types.RawTx{
		Slot: 1000,
		Meta: types.TxMeta{
			PreNativeBalances:  []uint64{5_000_000, 1_000_000},
			PostNativeBalances: []uint64{4_500_000, 1_500_000},
			PreTokenBalances: []types.TokenBalanceRecord{
				{Mint: mint, Owner: master, Amount: big.NewInt(100)},
			},
			PostTokenBalances: []types.TokenBalanceRecord{
				{Mint: mint, Owner: master, Amount: big.NewInt(50)},
			},
		},
	}
}

func TestEvaluate_PassesCleanTx(t *testing.T) {
	master := solana.NewWallet().PublicKey()
	tx := baseTx(master)

	ok, reason := Evaluate(tx, master, 1000, DefaultConfig())
	assert.True(t, ok)
	assert.Equal(t, ReasonNone, reason)
}

func TestEvaluate_RejectsTxError(t *testing.T) {
	master := solana.NewWallet().PublicKey()
	tx := baseTx(master)
	tx.Meta.Err = true

	ok, reason := Evaluate(tx, master, 1000, DefaultConfig())
	assert.False(t, ok)
	assert.Equal(t, ReasonTxError, reason)
}

func TestEvaluate_StaleBoundary(t *testing.T) {
	master := solana.NewWallet().PublicKey()
	tx := baseTx(master)
	tx.Slot = 1000

	cfg := DefaultConfig()
	// 30s / 400ms = 75 slots; age exactly at the horizon is accepted.
	okAtHorizon, _ := Evaluate(tx, master, 1075, cfg)
	assert.True(t, okAtHorizon)

	okPastHorizon, reason := Evaluate(tx, master, 1076, cfg)
	assert.False(t, okPastHorizon)
	assert.Equal(t, ReasonStale, reason)
}

func TestEvaluate_SmallMoveBoundary(t *testing.T) {
	master := solana.NewWallet().PublicKey()
	tx := baseTx(master)
	tx.Meta.PreNativeBalances = []uint64{1_000_000}
	tx.Meta.PostNativeBalances = []uint64{1_000_000 + 100_000}

	cfg := DefaultConfig()
	okAtThreshold, _ := Evaluate(tx, master, tx.Slot, cfg)
	assert.True(t, okAtThreshold)

	tx.Meta.PostNativeBalances = []uint64{1_000_000 + 99_999}
	okBelowThreshold, reason := Evaluate(tx, master, tx.Slot, cfg)
	assert.False(t, okBelowThreshold)
	assert.Equal(t, ReasonSmallMove, reason)
}

func TestEvaluate_RejectsNoOwnerMove(t *testing.T) {
	master := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()
	tx := baseTx(master)
	tx.Meta.PreTokenBalances[0].Owner = other
	tx.Meta.PostTokenBalances[0].Owner = other

	ok, reason := Evaluate(tx, master, tx.Slot, DefaultConfig())
	assert.False(t, ok)
	assert.Equal(t, ReasonNoOwnerMove, reason)
}

func TestEvaluate_OwnerMoveViaNewTokenAccount(t *testing.T) {
	master := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	tx := baseTx(master)
	tx.Meta.PreTokenBalances = nil
	tx.Meta.PostTokenBalances = []types.TokenBalanceRecord{
		{Mint: mint, Owner: master, Amount: big.NewInt(10)},
	}

	ok, _ := Evaluate(tx, master, tx.Slot, DefaultConfig())
	assert.True(t, ok)
}

package locator

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"

	"github.com/solrelay/copytrader/internal/errs"
	"github.com/solrelay/copytrader/internal/platform"
	"github.com/solrelay/copytrader/pkg/types"
)

var raydiumV4Program = solana.MustPublicKeyFromBase58("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8")

func TestLocate_Tier1SignerIsMaster(t *testing.T) {
	table := platform.DefaultTable()
	master := solana.NewWallet().PublicKey()

	tx := &types.RawTx{
		AccountKeys: []solana.PublicKey{master, raydiumV4Program},
		Instructions: []types.RawInstruction{
			{ProgramIDIndex: 1, AccountIndexes: []uint16{0}},
		},
	}

	ci, err := Locate(tx, master, table)
	assert.NoError(t, err)
	assert.Equal(t, types.PlatformRaydiumV4, ci.PlatformTag)
	assert.True(t, ci.ProgramID.Equals(raydiumV4Program))
}

func TestLocate_Tier2SignerIsNotMaster(t *testing.T) {
	table := platform.DefaultTable()
	master := solana.NewWallet().PublicKey()
	signer := solana.NewWallet().PublicKey()

	tx := &types.RawTx{
		AccountKeys: []solana.PublicKey{signer, master, raydiumV4Program},
		Instructions: []types.RawInstruction{
			{ProgramIDIndex: 2, AccountIndexes: []uint16{1}},
		},
	}

	ci, err := Locate(tx, master, table)
	assert.NoError(t, err)
	assert.Equal(t, types.PlatformRaydiumV4, ci.PlatformTag)
}

func TestLocate_Tier3FallbackToUnknownProgram(t *testing.T) {
	table := platform.DefaultTable()
	master := solana.NewWallet().PublicKey()
	signer := solana.NewWallet().PublicKey()
	unknownProgram := solana.NewWallet().PublicKey()

	tx := &types.RawTx{
		AccountKeys: []solana.PublicKey{signer, master, unknownProgram},
		Instructions: []types.RawInstruction{
			{ProgramIDIndex: 2, AccountIndexes: []uint16{1}},
		},
	}

	ci, err := Locate(tx, master, table)
	assert.NoError(t, err)
	assert.Equal(t, types.PlatformUnknown, ci.PlatformTag)
	assert.True(t, ci.ProgramID.Equals(unknownProgram))
}

func TestLocate_NoCoreWhenOnlyHelperProgramsReferenceMaster(t *testing.T) {
	table := platform.DefaultTable()
	master := solana.NewWallet().PublicKey()
	signer := solana.NewWallet().PublicKey()

	tx := &types.RawTx{
		AccountKeys: []solana.PublicKey{signer, master, platform.SystemProgram},
		Instructions: []types.RawInstruction{
			{ProgramIDIndex: 2, AccountIndexes: []uint16{1}},
		},
	}

	ci, err := Locate(tx, master, table)
	assert.Nil(t, ci)
	assert.ErrorIs(t, err, errs.ErrNoCore)
}

func TestLocate_NoCoreWhenAccountKeysEmpty(t *testing.T) {
	table := platform.DefaultTable()
	master := solana.NewWallet().PublicKey()

	tx := &types.RawTx{}

	ci, err := Locate(tx, master, table)
	assert.Nil(t, ci)
	assert.ErrorIs(t, err, errs.ErrNoCore)
}

func TestLocate_SkipsCandidateWithOutOfRangeAccountIndex(t *testing.T) {
	table := platform.DefaultTable()
	master := solana.NewWallet().PublicKey()

	tx := &types.RawTx{
		AccountKeys: []solana.PublicKey{master, raydiumV4Program},
		Instructions: []types.RawInstruction{
			// First candidate references an out-of-range account index and
			// must be skipped rather than crash the walk.
			{ProgramIDIndex: 1, AccountIndexes: []uint16{0, 99}},
			{ProgramIDIndex: 1, AccountIndexes: []uint16{0}},
		},
	}

	ci, err := Locate(tx, master, table)
	assert.NoError(t, err)
	assert.Equal(t, 1, ci.Index)
}

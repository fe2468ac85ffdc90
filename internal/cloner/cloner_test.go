package cloner

import (
	"context"
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"

	"github.com/solrelay/copytrader/internal/errs"
	"github.com/solrelay/copytrader/internal/platform"
	"github.com/solrelay/copytrader/pkg/types"
)

var raydiumV4Program = solana.MustPublicKeyFromBase58("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8")

type fakeNet struct {
	exists    []bool
	existsErr error
	blockhash solana.Hash
	lastValid uint64
	anchorErr error
}

func (f *fakeNet) GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]bool, error) {
	if f.existsErr != nil {
		return nil, f.existsErr
	}
	return f.exists, nil
}

func (f *fakeNet) GetLatestAnchor(ctx context.Context) (solana.Hash, uint64, error) {
	if f.anchorErr != nil {
		return solana.Hash{}, 0, f.anchorErr
	}
	return f.blockhash, f.lastValid, nil
}

type fakeNonce struct {
	account *types.NonceAccount
	err     error
}

func (f *fakeNonce) NonceAccount(ctx context.Context, userID string) (*types.NonceAccount, error) {
	return f.account, f.err
}

func rawData(amount, minOut uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], amount)
	binary.LittleEndian.PutUint64(buf[8:16], minOut)
	return buf
}

func TestClone_SubstitutesMasterAndScalesAmount(t *testing.T) {
	table := platform.DefaultTable()
	master := solana.NewWallet().PublicKey()
	user := solana.NewWallet().PublicKey()
	pool := solana.NewWallet().PublicKey()

	net := &fakeNet{blockhash: solana.Hash{1, 2, 3}, lastValid: 42}
	c := New(table, net, nil)

	core := &types.CoreInstruction{
		ProgramID:   raydiumV4Program,
		PlatformTag: types.PlatformRaydiumV4,
		Accounts: []types.AccountMeta{
			{PubKey: master, IsSigner: true, IsWritable: true},
			{PubKey: pool, IsSigner: false, IsWritable: true},
		},
		Data: rawData(999, 500),
	}

	clonedTx, err := c.Clone(context.Background(), Input{
		Core:           core,
		Master:         master,
		User:           user,
		UserID:         "user-1",
		ScaleFactor:    0.5,
		ScaledNativeIn: big.NewInt(1234),
	})

	assert.NoError(t, err)
	assert.Len(t, clonedTx.Instructions, 1)
	assert.Equal(t, types.AnchorBlockhash, clonedTx.RecentAnchor.Kind)
	assert.Equal(t, solana.Hash{1, 2, 3}, clonedTx.RecentAnchor.Blockhash)

	ix := clonedTx.Instructions[0]
	accounts := ix.Accounts()
	assert.True(t, accounts[0].PublicKey.Equals(user))
	assert.True(t, accounts[1].PublicKey.Equals(pool))

	data, err := ix.Data()
	assert.NoError(t, err)
	assert.Equal(t, uint64(1234), binary.LittleEndian.Uint64(data[0:8]))
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(data[8:16])) // min-out zeroed
}

func TestRewriteData_PumpfunBCZeroesAmountAndScalesMaxNativeCost(t *testing.T) {
	table := platform.DefaultTable()
	descriptor := table.Lookup(types.PlatformPumpfunBC)

	src := make([]byte, 32)
	binary.LittleEndian.PutUint64(src[8:16], 999)    // master's absolute amount
	binary.LittleEndian.PutUint64(src[16:24], 12345) // master's max_native_cost
	src[24] = 0                                     // track_volume, flipped on below

	// a bonding-curve buy must never carry the master's absolute amount
	// into the user's scaled-down clone: the venue can't satisfy it under
	// the smaller native cap, so that field is zeroed rather than scaled.
	out, err := rewriteData(src, descriptor, big.NewInt(777), nil)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(out[8:16]))
	assert.Equal(t, uint64(777), binary.LittleEndian.Uint64(out[16:24]))
	assert.Equal(t, byte(1), out[24])
}

func TestClone_UnknownPlatformRejected(t *testing.T) {
	table := platform.DefaultTable()
	c := New(table, &fakeNet{}, nil)

	core := &types.CoreInstruction{PlatformTag: types.PlatformUnknown}
	_, err := c.Clone(context.Background(), Input{Core: core, Master: solana.NewWallet().PublicKey(), User: solana.NewWallet().PublicKey()})
	assert.ErrorIs(t, err, errs.ErrUnknownPlatform)
}

func TestClone_CreatesMissingAssociatedTokenAccount(t *testing.T) {
	table := platform.DefaultTable()
	master := solana.NewWallet().PublicKey()
	user := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	masterATA, err := deriveATA(master, mint)
	assert.NoError(t, err)

	net := &fakeNet{exists: []bool{false}, blockhash: solana.Hash{9}, lastValid: 1}
	c := New(table, net, nil)

	core := &types.CoreInstruction{
		ProgramID:   raydiumV4Program,
		PlatformTag: types.PlatformRaydiumV4,
		Accounts: []types.AccountMeta{
			{PubKey: master, IsSigner: true, IsWritable: true},
			{PubKey: masterATA, IsSigner: false, IsWritable: true},
		},
		Data: rawData(1, 1),
	}

	clonedTx, err := c.Clone(context.Background(), Input{
		Core:           core,
		Master:         master,
		User:           user,
		ObservedMints:  []solana.PublicKey{mint},
		ScaledNativeIn: big.NewInt(1),
	})
	assert.NoError(t, err)
	// one create-ATA instruction prepended before the core instruction.
	assert.Len(t, clonedTx.Instructions, 2)

	userATA, err := deriveATA(user, mint)
	assert.NoError(t, err)
	createAccounts := clonedTx.Instructions[0].Accounts()
	assert.True(t, createAccounts[1].PublicKey.Equals(userATA))

	coreAccounts := clonedTx.Instructions[1].Accounts()
	assert.True(t, coreAccounts[1].PublicKey.Equals(userATA))
}

func TestClone_SkipsCreateWhenAssociatedTokenAccountExists(t *testing.T) {
	table := platform.DefaultTable()
	master := solana.NewWallet().PublicKey()
	user := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	masterATA, err := deriveATA(master, mint)
	assert.NoError(t, err)

	net := &fakeNet{exists: []bool{true}, blockhash: solana.Hash{9}, lastValid: 1}
	c := New(table, net, nil)

	core := &types.CoreInstruction{
		ProgramID:   raydiumV4Program,
		PlatformTag: types.PlatformRaydiumV4,
		Accounts: []types.AccountMeta{
			{PubKey: master, IsSigner: true, IsWritable: true},
			{PubKey: masterATA, IsSigner: false, IsWritable: true},
		},
		Data: rawData(1, 1),
	}

	clonedTx, err := c.Clone(context.Background(), Input{
		Core:           core,
		Master:         master,
		User:           user,
		ObservedMints:  []solana.PublicKey{mint},
		ScaledNativeIn: big.NewInt(1),
	})
	assert.NoError(t, err)
	assert.Len(t, clonedTx.Instructions, 1)
}

func TestClone_WiresDurableNonce(t *testing.T) {
	table := platform.DefaultTable()
	master := solana.NewWallet().PublicKey()
	user := solana.NewWallet().PublicKey()
	noncePubkey := solana.NewWallet().PublicKey()

	net := &fakeNet{blockhash: solana.Hash{9}, lastValid: 1}
	nonce := &fakeNonce{account: &types.NonceAccount{
		Pubkey:       noncePubkey,
		Authority:    user,
		CurrentNonce: solana.Hash{7, 7},
	}}
	c := New(table, net, nonce)

	core := &types.CoreInstruction{
		ProgramID:   raydiumV4Program,
		PlatformTag: types.PlatformRaydiumV4,
		Accounts: []types.AccountMeta{
			{PubKey: master, IsSigner: true, IsWritable: true},
		},
		Data: rawData(1, 1),
	}

	clonedTx, err := c.Clone(context.Background(), Input{
		Core:           core,
		Master:         master,
		User:           user,
		UserID:         "user-1",
		ScaledNativeIn: big.NewInt(1),
	})
	assert.NoError(t, err)
	assert.Equal(t, types.AnchorNonce, clonedTx.RecentAnchor.Kind)
	assert.True(t, clonedTx.RecentAnchor.NoncePubkey.Equals(noncePubkey))
	// advance-nonce instruction prepended ahead of the core instruction.
	assert.Len(t, clonedTx.Instructions, 2)
}

func TestClone_NonceReadFailureFallsBackToBlockhash(t *testing.T) {
	table := platform.DefaultTable()
	master := solana.NewWallet().PublicKey()
	user := solana.NewWallet().PublicKey()

	net := &fakeNet{blockhash: solana.Hash{5}, lastValid: 10}
	nonce := &fakeNonce{err: errs.ErrNonceReadFailed}
	c := New(table, net, nonce)

	core := &types.CoreInstruction{
		ProgramID:   raydiumV4Program,
		PlatformTag: types.PlatformRaydiumV4,
		Accounts: []types.AccountMeta{
			{PubKey: master, IsSigner: true, IsWritable: true},
		},
		Data: rawData(1, 1),
	}

	clonedTx, err := c.Clone(context.Background(), Input{
		Core:           core,
		Master:         master,
		User:           user,
		ScaledNativeIn: big.NewInt(1),
	})
	assert.NoError(t, err)
	assert.Equal(t, types.AnchorBlockhash, clonedTx.RecentAnchor.Kind)
	assert.Len(t, clonedTx.Instructions, 1)
}

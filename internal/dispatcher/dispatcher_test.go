package dispatcher

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"

	"github.com/solrelay/copytrader/internal/errs"
	"github.com/solrelay/copytrader/pkg/types"
)

type fakeLeaderTracker struct {
	leader   solana.PublicKey
	endpoint string
	hasEP    bool
}

func (f *fakeLeaderTracker) CurrentLeader() solana.PublicKey { return f.leader }
func (f *fakeLeaderTracker) EndpointFor(leader solana.PublicKey) (string, bool) {
	return f.endpoint, f.hasEP
}

type fakeDispatchNet struct {
	submitErr error
	sig       solana.Signature
	status    SignatureStatus
	statusErr error
	slot      uint64

	submitted *types.ClonedTransaction
}

func (f *fakeDispatchNet) SubmitAt(ctx context.Context, endpoint string, tx *types.ClonedTransaction) (solana.Signature, error) {
	f.submitted = tx
	if f.submitErr != nil {
		return solana.Signature{}, f.submitErr
	}
	return f.sig, nil
}

func (f *fakeDispatchNet) GetSignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeDispatchNet) GetCurrentSlot(ctx context.Context) (uint64, error) {
	return f.slot, nil
}

func TestDispatch_SkipsConfirmationWhenRequested(t *testing.T) {
	net := &fakeDispatchNet{sig: solana.Signature{1}}
	d := New(&fakeLeaderTracker{hasEP: false}, net, "default-endpoint", nil)

	res := d.Dispatch(context.Background(), Request{
		Cloned:           &types.ClonedTransaction{},
		SkipConfirmation: true,
	})
	assert.True(t, res.Success)
	assert.Equal(t, "default-endpoint", res.Target)
}

func TestDispatch_UsesLeaderDirectEndpointWhenKnown(t *testing.T) {
	net := &fakeDispatchNet{sig: solana.Signature{1}}
	ldr := solana.NewWallet().PublicKey()
	d := New(&fakeLeaderTracker{leader: ldr, endpoint: "leader-direct", hasEP: true}, net, "default-endpoint", nil)

	res := d.Dispatch(context.Background(), Request{
		Cloned:           &types.ClonedTransaction{},
		SkipConfirmation: true,
	})
	assert.Equal(t, "leader-direct", res.Target)
}

func TestDispatch_SubmitFailureReturnsErrSubmitFailed(t *testing.T) {
	net := &fakeDispatchNet{submitErr: assert.AnError}
	d := New(&fakeLeaderTracker{}, net, "default-endpoint", nil)

	res := d.Dispatch(context.Background(), Request{Cloned: &types.ClonedTransaction{}})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, errs.ErrSubmitFailed)
}

func TestDispatch_ConfirmsBlockhashTransaction(t *testing.T) {
	net := &fakeDispatchNet{sig: solana.Signature{1}, status: SignatureStatus{Confirmed: true}}
	d := New(&fakeLeaderTracker{}, net, "default-endpoint", nil)

	res := d.Dispatch(context.Background(), Request{
		Cloned: &types.ClonedTransaction{RecentAnchor: types.Anchor{Kind: types.AnchorBlockhash}},
	})
	assert.True(t, res.Success)
	assert.NoError(t, res.Err)
}

func TestDispatch_OnChainErrorSurfacesAsFailure(t *testing.T) {
	net := &fakeDispatchNet{sig: solana.Signature{1}, status: SignatureStatus{Err: true}}
	d := New(&fakeLeaderTracker{}, net, "default-endpoint", nil)

	res := d.Dispatch(context.Background(), Request{
		Cloned: &types.ClonedTransaction{RecentAnchor: types.Anchor{Kind: types.AnchorBlockhash}},
	})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, errs.ErrConfirmedOnChainError)
}

func TestDispatch_ConfirmsNonceTransactionWithoutHeightExpiry(t *testing.T) {
	net := &fakeDispatchNet{sig: solana.Signature{1}, status: SignatureStatus{Finalized: true}}
	d := New(&fakeLeaderTracker{}, net, "default-endpoint", nil)

	res := d.Dispatch(context.Background(), Request{
		Cloned: &types.ClonedTransaction{RecentAnchor: types.Anchor{Kind: types.AnchorNonce}},
	})
	assert.True(t, res.Success)
}

func TestDispatch_KeepsAdvanceNonceAsFirstInstruction(t *testing.T) {
	net := &fakeDispatchNet{sig: solana.Signature{1}, status: SignatureStatus{Finalized: true}}
	d := New(&fakeLeaderTracker{}, net, "default-endpoint", nil)

	advance := solana.NewInstruction(solana.SystemProgramID, nil, []byte{4, 0, 0, 0})
	coreIx := solana.NewInstruction(solana.NewWallet().PublicKey(), nil, []byte{9})

	res := d.Dispatch(context.Background(), Request{
		Cloned: &types.ClonedTransaction{
			Instructions: []solana.Instruction{advance, coreIx},
			RecentAnchor: types.Anchor{Kind: types.AnchorNonce},
		},
	})
	assert.True(t, res.Success)

	submitted := net.submitted.Instructions
	assert.Equal(t, advance, submitted[0])
	assert.Equal(t, coreIx, submitted[len(submitted)-1])
}

func TestDispatch_PrependsBudgetInstructionsForBlockhashAnchor(t *testing.T) {
	net := &fakeDispatchNet{sig: solana.Signature{1}, status: SignatureStatus{Finalized: true}}
	d := New(&fakeLeaderTracker{}, net, "default-endpoint", nil)

	coreIx := solana.NewInstruction(solana.NewWallet().PublicKey(), nil, []byte{9})

	res := d.Dispatch(context.Background(), Request{
		Cloned: &types.ClonedTransaction{
			Instructions: []solana.Instruction{coreIx},
			RecentAnchor: types.Anchor{Kind: types.AnchorBlockhash},
		},
	})
	assert.True(t, res.Success)

	submitted := net.submitted.Instructions
	assert.Len(t, submitted, 3)
	assert.Equal(t, coreIx, submitted[2])
}

func TestDispatch_EmitsSeparateTipInstructionWhenConfigured(t *testing.T) {
	net := &fakeDispatchNet{sig: solana.Signature{1}}
	d := New(&fakeLeaderTracker{}, net, "default-endpoint", nil)

	payer := solana.NewWallet().PublicKey()
	tipAccount := solana.NewWallet().PublicKey()
	coreIx := solana.NewInstruction(solana.NewWallet().PublicKey(), nil, []byte{9})

	res := d.Dispatch(context.Background(), Request{
		Cloned:           &types.ClonedTransaction{Instructions: []solana.Instruction{coreIx}},
		UserNativeIn:     big.NewInt(1_000_000),
		JitoTipLamports:  10_000,
		TipAccount:       tipAccount,
		Payer:            payer,
		SkipConfirmation: true,
	})
	assert.True(t, res.Success)

	submitted := net.submitted.Instructions
	assert.Len(t, submitted, 4)
	tipIx := submitted[2]
	assert.True(t, tipIx.ProgramID().Equals(solana.SystemProgramID))

	// the priority-fee instruction must stay independent of the tip: 15%
	// of 1_000_000 is 150_000 micro-lamports, not 160_000.
	priceData, err := submitted[1].Data()
	assert.NoError(t, err)
	assert.Equal(t, setComputeUnitPriceData(150_000), []byte(priceData))
}

func TestDispatch_SkipsTipInstructionWhenTipAccountUnset(t *testing.T) {
	net := &fakeDispatchNet{sig: solana.Signature{1}}
	d := New(&fakeLeaderTracker{}, net, "default-endpoint", nil)

	coreIx := solana.NewInstruction(solana.NewWallet().PublicKey(), nil, []byte{9})
	res := d.Dispatch(context.Background(), Request{
		Cloned:           &types.ClonedTransaction{Instructions: []solana.Instruction{coreIx}},
		JitoTipLamports:  10_000,
		SkipConfirmation: true,
	})
	assert.True(t, res.Success)
	assert.Len(t, net.submitted.Instructions, 3)
}

func TestComputeUnitLimit(t *testing.T) {
	assert.Equal(t, uint32(55_000), computeUnitLimit(55_000, types.PlatformRaydiumV4))
	assert.Equal(t, uint32(bondingCurveComputeUnitLimit), computeUnitLimit(0, types.PlatformPumpfunBC))
	assert.Equal(t, uint32(bondingCurveComputeUnitLimit), computeUnitLimit(0, types.PlatformPumpfunAMM))
	assert.Equal(t, uint32(defaultComputeUnitLimit), computeUnitLimit(0, types.PlatformRaydiumV4))
}

func TestPriorityFeeMicroUnits(t *testing.T) {
	assert.Equal(t, uint64(0), priorityFeeMicroUnits(nil))
	assert.Equal(t, uint64(0), priorityFeeMicroUnits(big.NewInt(0)))
	assert.Equal(t, uint64(150), priorityFeeMicroUnits(big.NewInt(1_000)))
	// large input saturates at the cap.
	assert.Equal(t, uint64(priorityFeeCapMicro), priorityFeeMicroUnits(big.NewInt(1_000_000_000)))
}

func TestElapsedMS(t *testing.T) {
	start := time.Now()
	later := func() time.Time { return start.Add(250 * time.Millisecond) }
	assert.Equal(t, int64(250), elapsedMS(later, start))
}

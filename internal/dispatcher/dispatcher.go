// Package dispatcher implements the dispatcher (C10): pre-send
// compute-unit/priority-fee instruction construction, leader-aware
// target selection, submission, and anchor-appropriate confirmation.
package dispatcher

import (
	"context"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/solrelay/copytrader/internal/errs"
	"github.com/solrelay/copytrader/internal/platform"
	"github.com/solrelay/copytrader/pkg/types"
)

// bonding-curve compute-unit default per spec.md §4.6; every other venue
// uses the lower general default.
const (
	bondingCurveComputeUnitLimit = 1_200_000
	defaultComputeUnitLimit      = 600_000

	// priorityFeeBps expresses the 0.15 multiplier as basis points so the
	// arithmetic stays in integers.
	priorityFeeBps     = 1500
	priorityFeeCapMicro = 1_000_000

	confirmPollInterval = 50 * time.Millisecond
	nonceConfirmBudget  = 1000 * time.Millisecond
	hotPathTimeout      = 1500 * time.Millisecond
)

// LeaderTracker is the subset of C3 the dispatcher consults for send
// targeting.
type LeaderTracker interface {
	CurrentLeader() solana.PublicKey
	EndpointFor(leader solana.PublicKey) (endpoint string, ok bool)
}

// SignatureStatus mirrors a single get_signature_status result.
type SignatureStatus struct {
	Confirmed bool
	Finalized bool
	Err       bool
}

// NetworkClient is the subset of C2 the dispatcher needs.
type NetworkClient interface {
	SubmitAt(ctx context.Context, endpoint string, tx *types.ClonedTransaction) (solana.Signature, error)
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error)
	GetCurrentSlot(ctx context.Context) (uint64, error)
}

// Request bundles everything Dispatch needs to send and confirm one
// cloned transaction.
type Request struct {
	Cloned           *types.ClonedTransaction
	PlatformTag      types.PlatformTag
	MasterComputeLim uint32 // 0 if the master didn't set one
	UserNativeIn     *big.Int
	JitoTipLamports  uint64
	TipAccount       solana.PublicKey // zero value: no tip instruction is emitted
	Payer            solana.PublicKey // funds the tip transfer; required when TipAccount is set
	SkipConfirmation bool
	ValidUntilHeight uint64 // only meaningful for AnchorBlockhash
}

// Result is spec.md §4.6's exact result shape.
type Result struct {
	Success   bool
	Signature solana.Signature
	LatencyMS int64
	Target    string
	Err       error
}

// Dispatcher wires C3's leader hint and C2's network client into the
// send+confirm path.
type Dispatcher struct {
	leader LeaderTracker
	net    NetworkClient
	// defaultEndpoint is used when the current leader has no known
	// direct endpoint.
	defaultEndpoint string
	now             func() time.Time
}

func New(leader LeaderTracker, net NetworkClient, defaultEndpoint string, now func() time.Time) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{leader: leader, net: net, defaultEndpoint: defaultEndpoint, now: now}
}

// Dispatch implements spec.md §4.6's pre-send, send-target, and
// confirmation steps in order.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	start := d.now()

	computeLimitIx := solana.NewInstruction(
		platform.ComputeBudgetProgram,
		nil,
		setComputeUnitLimitData(computeUnitLimit(req.MasterComputeLim, req.PlatformTag)),
	)
	priorityFeeIx := solana.NewInstruction(
		platform.ComputeBudgetProgram,
		nil,
		setComputeUnitPriceData(priorityFeeMicroUnits(req.UserNativeIn)),
	)
	budgetIxs := []solana.Instruction{computeLimitIx, priorityFeeIx}
	if tipIx := jitoTipInstruction(req); tipIx != nil {
		budgetIxs = append(budgetIxs, tipIx)
	}

	leading := req.Cloned.Instructions
	instructions := make([]solana.Instruction, 0, len(leading)+len(budgetIxs))
	if req.Cloned.RecentAnchor.Kind == types.AnchorNonce && len(leading) > 0 {
		// AdvanceNonceAccount must stay instruction 0 for a nonce-anchored
		// transaction; the compute-budget instructions slot in after it.
		instructions = append(instructions, leading[0])
		instructions = append(instructions, budgetIxs...)
		instructions = append(instructions, leading[1:]...)
	} else {
		instructions = append(instructions, budgetIxs...)
		instructions = append(instructions, leading...)
	}
	cloned := &types.ClonedTransaction{
		Instructions: instructions,
		RecentAnchor: req.Cloned.RecentAnchor,
		Signers:      req.Cloned.Signers,
	}

	target := d.target()

	sendCtx, cancel := context.WithTimeout(ctx, hotPathTimeout)
	defer cancel()

	sig, err := d.net.SubmitAt(sendCtx, target, cloned)
	if err != nil {
		return Result{Success: false, Target: target, LatencyMS: elapsedMS(d.now, start), Err: errs.ErrSubmitFailed}
	}

	if req.SkipConfirmation {
		return Result{Success: true, Signature: sig, Target: target, LatencyMS: elapsedMS(d.now, start)}
	}

	var confirmErr error
	switch req.Cloned.RecentAnchor.Kind {
	case types.AnchorNonce:
		confirmErr = d.confirmNonce(ctx, sig)
	default:
		confirmErr = d.confirmBlockhash(ctx, sig, req.ValidUntilHeight)
	}

	if confirmErr != nil {
		return Result{Success: false, Signature: sig, Target: target, LatencyMS: elapsedMS(d.now, start), Err: confirmErr}
	}
	return Result{Success: true, Signature: sig, Target: target, LatencyMS: elapsedMS(d.now, start)}
}

func (d *Dispatcher) target() string {
	leader := d.leader.CurrentLeader()
	if endpoint, ok := d.leader.EndpointFor(leader); ok && endpoint != "" {
		return endpoint
	}
	return d.defaultEndpoint
}

// confirmBlockhash awaits confirmation up to the reported valid-until
// height, with `confirmed` commitment (spec.md §4.6).
func (d *Dispatcher) confirmBlockhash(ctx context.Context, sig solana.Signature, validUntilHeight uint64) error {
	ctx, cancel := context.WithTimeout(ctx, hotPathTimeout)
	defer cancel()

	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errs.ErrConfirmTimeout
		case <-ticker.C:
			status, err := d.net.GetSignatureStatus(ctx, sig)
			if err != nil {
				continue
			}
			if status.Err {
				return errs.ErrConfirmedOnChainError
			}
			if status.Confirmed || status.Finalized {
				return nil
			}
			slot, err := d.net.GetCurrentSlot(ctx)
			if err == nil && validUntilHeight > 0 && slot > validUntilHeight {
				return errs.ErrConfirmTimeout
			}
		}
	}
}

// confirmNonce never trusts block-height expiry: nonce transactions
// never expire, so confirmation is a bounded poll only (spec.md §4.6).
func (d *Dispatcher) confirmNonce(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, nonceConfirmBudget)
	defer cancel()

	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errs.ErrConfirmTimeout
		case <-ticker.C:
			status, err := d.net.GetSignatureStatus(ctx, sig)
			if err != nil {
				continue
			}
			if status.Err {
				return errs.ErrConfirmedOnChainError
			}
			if status.Confirmed || status.Finalized {
				return nil
			}
		}
	}
}

// computeUnitLimit resolves spec.md §9's precedence decision: the
// master's observed limit is authoritative unless it is zero, in which
// case the platform default applies (bonding-curve venues get a higher
// default than everything else).
func computeUnitLimit(masterLimit uint32, tag types.PlatformTag) uint32 {
	if masterLimit != 0 {
		return masterLimit
	}
	if platform.IsPumpfun(tag) {
		return bondingCurveComputeUnitLimit
	}
	return defaultComputeUnitLimit
}

// priorityFeeMicroUnits implements spec.md §4.6's formula:
// min(floor(user_native_in * 0.15), 1_000_000). DEFAULT_JITO_TIP_LAMPORTS
// is a separate fee lane (see jitoTipInstruction) and never folded into
// this value, per SPEC_FULL.md §3.10.
func priorityFeeMicroUnits(userNativeIn *big.Int) uint64 {
	if userNativeIn == nil || userNativeIn.Sign() <= 0 {
		return 0
	}
	fee := new(big.Int).Mul(userNativeIn, big.NewInt(priorityFeeBps))
	fee.Div(fee, big.NewInt(10_000))
	if fee.Cmp(big.NewInt(priorityFeeCapMicro)) > 0 {
		return priorityFeeCapMicro
	}
	return fee.Uint64()
}

// jitoTipInstruction builds the tip as its own lamport transfer, a
// separate fee lane from the compute-unit priority fee (SPEC_FULL.md
// §3.10). Returns nil when no tip account is configured for this
// request, so the tip floor is simply skipped rather than folded into
// an unrelated field.
func jitoTipInstruction(req Request) solana.Instruction {
	if req.JitoTipLamports == 0 || req.TipAccount.Equals(solana.PublicKey{}) || req.Payer.Equals(solana.PublicKey{}) {
		return nil
	}
	return solana.NewInstruction(
		platform.SystemProgram,
		[]*solana.AccountMeta{
			solana.Meta(req.Payer).WRITE().SIGNER(),
			solana.Meta(req.TipAccount).WRITE(),
		},
		systemTransferData(req.JitoTipLamports),
	)
}

func systemTransferData(lamports uint64) []byte {
	out := make([]byte, 12)
	putU32(out, 2) // SystemProgram Transfer discriminator
	putU64(out[4:], lamports)
	return out
}

func setComputeUnitLimitData(units uint32) []byte {
	out := make([]byte, 5)
	out[0] = 2 // SetComputeUnitLimit discriminator
	putU32(out[1:], units)
	return out
}

func setComputeUnitPriceData(microLamports uint64) []byte {
	out := make([]byte, 9)
	out[0] = 3 // SetComputeUnitPrice discriminator
	putU64(out[1:], microLamports)
	return out
}

func putU32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func putU64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func elapsedMS(now func() time.Time, start time.Time) int64 {
	return now().Sub(start).Milliseconds()
}

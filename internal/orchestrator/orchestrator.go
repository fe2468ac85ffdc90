// Package orchestrator implements the pipeline orchestrator (C12): the
// per-transaction state machine, a bounded worker pool, and the
// lock/sell-guard/buy-sizing/position-write-back rules of spec.md §4.7.
// Reporting follows the teacher's reportChan idiom from RunStrategy1,
// generalized into a typed Event channel.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/JekaMas/workerpool"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"

	"github.com/solrelay/copytrader/internal/analyzer"
	"github.com/solrelay/copytrader/internal/cloner"
	"github.com/solrelay/copytrader/internal/dispatcher"
	"github.com/solrelay/copytrader/internal/errs"
	"github.com/solrelay/copytrader/internal/filter"
	"github.com/solrelay/copytrader/internal/locator"
	"github.com/solrelay/copytrader/internal/platform"
	"github.com/solrelay/copytrader/internal/state"
	"github.com/solrelay/copytrader/pkg/types"
)

// Stage names spec.md §4.7's state machine exactly.
type Stage string

const (
	StageReceived   Stage = "received"
	StageFiltered   Stage = "filtered"
	StageAnalyzed   Stage = "analyzed"
	StageLocated    Stage = "located"
	StageLockHeld   Stage = "lock_held"
	StageProceed    Stage = "proceed"
	StageCloned     Stage = "cloned"
	StageDispatched Stage = "dispatched"
	StageVerified   Stage = "verified"
	StageUnverified Stage = "unverified"
	StageRejected   Stage = "rejected"
)

const defaultWorkerPoolSize = 32

// Event is the operator-notification shape, JSON-serializable like the
// teacher's StrategyReport.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     Stage     `json:"stage"`
	UserID    string    `json:"user_id,omitempty"`
	Mint      string    `json:"mint,omitempty"`
	Signature string    `json:"signature,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Err       string    `json:"err,omitempty"`
}

func (e Event) JSON() string {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"stage":%q,"err":"marshal failed"}`, e.Stage)
	}
	return string(b)
}

// UserContext is everything the orchestrator needs about one local user
// mirroring a master wallet.
type UserContext struct {
	UserID         string
	User           solana.PublicKey
	Master         solana.PublicKey
	ScaleFactor    float64
	SlippageBps    uint32
	MinBuyNative   *big.Int
	SkipConfirm    bool
	JitoTipLamports uint64
	TipAccount      solana.PublicKey // zero value: no tip instruction is emitted
}

// PositionStore is the subset of the persisted layer (internal/db) the
// orchestrator reads/writes for sell-guard and write-back.
type PositionStore interface {
	Get(ctx context.Context, userID string, mint solana.PublicKey) (*types.Position, error)
	Upsert(ctx context.Context, pos *types.Position) error
}

// BalanceReader is the subset of C2 used for the post-confirmation
// realized-delta read in position write-back.
type BalanceReader interface {
	TokenBalanceDelta(ctx context.Context, owner, mint solana.PublicKey, before time.Time) (*big.Int, error)
}

// Orchestrator wires C6-C10 into spec.md §4.7's state machine, run
// through a bounded worker pool.
type Orchestrator struct {
	table   *platform.Table
	filterC filter.Config
	locks   *state.Locks
	dedup   *state.Dedup
	cloner  *cloner.Cloner
	dispatch *dispatcher.Dispatcher
	positions PositionStore
	balances  BalanceReader

	pool   *workerpool.WorkerPool
	events chan Event
	log    log.Logger
}

func New(
	table *platform.Table,
	filterC filter.Config,
	locks *state.Locks,
	dedup *state.Dedup,
	cl *cloner.Cloner,
	disp *dispatcher.Dispatcher,
	positions PositionStore,
	balances BalanceReader,
	poolSize int,
	logger log.Logger,
) *Orchestrator {
	if poolSize <= 0 {
		poolSize = defaultWorkerPoolSize
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Orchestrator{
		table:     table,
		filterC:   filterC,
		locks:     locks,
		dedup:     dedup,
		cloner:    cl,
		dispatch:  disp,
		positions: positions,
		balances:  balances,
		pool:      workerpool.New(poolSize),
		events:    make(chan Event, 256),
		log:       logger,
	}
}

// Events returns the operator-notification channel.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Submit enqueues one observed transaction onto the bounded worker pool.
// This is the single pipeline entry point both C5's stream path and
// C11's fallback poller call. A panic inside a task is recovered, logged
// and reported as a rejected event; that worker then waits panicBackoff
// before taking its next task.
func (o *Orchestrator) Submit(ctx context.Context, tx *types.RawTx, user UserContext, currentSlot uint64) {
	const panicBackoff = 5 * time.Second
	o.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("orchestrator: worker task panicked", "user", user.UserID, "sig", tx.Signature, "panic", r)
				o.emit(Event{Stage: StageRejected, UserID: user.UserID, Signature: tx.Signature.String(), Err: fmt.Sprint(r)})
				time.Sleep(panicBackoff)
			}
		}()
		o.process(ctx, tx, user, currentSlot)
	})
}

// Shutdown drains the worker pool, waiting up to the given timeout for
// in-flight work to finish (spec.md §5's "tasks release locks... within
// 5s or they are abandoned").
func (o *Orchestrator) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		o.pool.StopWait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		o.pool.Stop()
	}
}

func (o *Orchestrator) emit(e Event) {
	e.Timestamp = time.Now()
	select {
	case o.events <- e:
	default:
	}
}

func (o *Orchestrator) process(ctx context.Context, tx *types.RawTx, user UserContext, currentSlot uint64) {
	o.emit(Event{Stage: StageReceived, UserID: user.UserID, Signature: tx.Signature.String()})

	// Dedup: inserted before analysis, per spec.md §4.9.
	seen, err := o.dedup.MarkProcessed(ctx, user.Master.String(), tx.Signature.String())
	if err != nil {
		o.emit(Event{Stage: StageRejected, UserID: user.UserID, Err: err.Error()})
		return
	}
	if seen {
		o.emit(Event{Stage: StageRejected, UserID: user.UserID, Reason: "DUPLICATE"})
		return
	}

	ok, reason := filter.Evaluate(tx, user.Master, currentSlot, o.filterC)
	if !ok {
		o.emit(Event{Stage: StageFiltered, UserID: user.UserID, Reason: string(reason)})
		return
	}
	o.emit(Event{Stage: StageFiltered, UserID: user.UserID})

	intent, err := analyzer.Analyze(tx, user.Master)
	if err != nil {
		o.emit(Event{Stage: StageAnalyzed, UserID: user.UserID, Err: err.Error()})
		return
	}
	o.emit(Event{Stage: StageAnalyzed, UserID: user.UserID})

	core, err := locator.Locate(tx, user.Master, o.table)
	if err != nil {
		o.emit(Event{Stage: StageLocated, UserID: user.UserID, Err: err.Error()})
		return
	}
	o.emit(Event{Stage: StageLocated, UserID: user.UserID})

	outputMintStr := mintKeyFor(intent)

	var release func(context.Context)
	isSell := intent.TradeType == types.TradeSell
	if !isSell {
		var held bool
		release, held, err = o.locks.AcquireBuyLock(ctx, outputMintStr)
		if err != nil {
			o.emit(Event{Stage: StageRejected, UserID: user.UserID, Err: err.Error()})
			return
		}
		if !held {
			o.emit(Event{Stage: StageRejected, UserID: user.UserID, Reason: "DUPLICATE_IN_FLIGHT"})
			return
		}
		defer release(context.Background())
	}

	o.emit(Event{Stage: StageProceed, UserID: user.UserID, Mint: outputMintStr})

	scaledInput, scaleErr := o.sizeAndGuard(ctx, intent, user)
	if scaleErr != nil {
		o.emit(Event{Stage: StageRejected, UserID: user.UserID, Err: scaleErr.Error()})
		return
	}

	clonedTx, err := o.cloner.Clone(ctx, cloner.Input{
		Core:           core,
		Master:         user.Master,
		User:           user.User,
		UserID:         user.UserID,
		ScaleFactor:    user.ScaleFactor,
		ScaledNativeIn: scaledInput,
		ScaledTokenIn:  scaledInput,
		ObservedMints:  observedMints(intent),
	})
	if err != nil {
		o.emit(Event{Stage: StageCloned, UserID: user.UserID, Err: err.Error()})
		return
	}
	o.emit(Event{Stage: StageCloned, UserID: user.UserID})

	result := o.dispatch.Dispatch(ctx, dispatcher.Request{
		Cloned:           clonedTx,
		PlatformTag:      core.PlatformTag,
		MasterComputeLim: tx.Meta.ComputeUnitLimit,
		UserNativeIn:     scaledInput,
		JitoTipLamports:  user.JitoTipLamports,
		TipAccount:       user.TipAccount,
		Payer:            user.User,
		SkipConfirmation: user.SkipConfirm,
		ValidUntilHeight: clonedTx.RecentAnchor.LastValidHeight,
	})
	o.emit(Event{Stage: StageDispatched, UserID: user.UserID, Signature: result.Signature.String()})

	if !result.Success {
		o.emit(Event{Stage: StageUnverified, UserID: user.UserID, Err: errString(result.Err)})
		return
	}

	o.writeBack(ctx, intent, user, scaledInput)
	o.emit(Event{Stage: StageVerified, UserID: user.UserID, Signature: result.Signature.String()})
}

// sizeAndGuard implements spec.md §4.7's sell guard and buy sizing rules.
func (o *Orchestrator) sizeAndGuard(ctx context.Context, intent *types.TradeIntent, user UserContext) (*big.Int, error) {
	if intent.TradeType == types.TradeSell {
		pos, err := o.positions.Get(ctx, user.UserID, intent.InputMint)
		if err != nil {
			return nil, err
		}
		if pos == nil || pos.IsEmpty() {
			return nil, errs.ErrPositionMissing
		}
		amt := new(big.Int).Set(intent.InputAmountRaw)
		if amt.Cmp(pos.AmountRaw) > 0 {
			amt = new(big.Int).Set(pos.AmountRaw) // clamp: never exceed held amount
		}
		return amt, nil
	}

	scaled := scaleAmount(intent.InputAmountRaw, user.ScaleFactor)
	minBuy := user.MinBuyNative
	if minBuy == nil {
		minBuy = big.NewInt(0)
	}
	if scaled.Cmp(minBuy) < 0 {
		return nil, errs.ErrTooSmall
	}
	return scaled, nil
}

// scaleAmount computes floor(amount * scaleFactor) via integer-safe
// fixed-point arithmetic (scaleFactor is in (0, 1]).
func scaleAmount(amount *big.Int, scaleFactor float64) *big.Int {
	const precision = 1_000_000
	scaledFactor := big.NewInt(int64(scaleFactor * precision))
	out := new(big.Int).Mul(amount, scaledFactor)
	out.Div(out, big.NewInt(precision))
	return out
}

// writeBack implements spec.md §4.7's position write-back: a post-
// confirmation read extracts the realized token delta, which updates
// the Position. Sells decrease AmountRaw/increase SoldAmountRaw; buys
// increase AmountRaw.
func (o *Orchestrator) writeBack(ctx context.Context, intent *types.TradeIntent, user UserContext, scaledInput *big.Int) {
	mint := intent.OutputMint
	if intent.TradeType == types.TradeSell {
		mint = intent.InputMint
	}

	delta, err := o.balances.TokenBalanceDelta(ctx, user.User, mint, time.Now())
	if err != nil {
		o.log.Warn("orchestrator: position write-back read failed", "user", user.UserID, "err", err)
		return
	}

	pos, err := o.positions.Get(ctx, user.UserID, mint)
	if err != nil {
		o.log.Warn("orchestrator: position read failed", "user", user.UserID, "err", err)
		return
	}
	if pos == nil {
		pos = &types.Position{
			UserID:     user.UserID,
			Mint:       mint,
			AmountRaw:  big.NewInt(0),
			SoldAmountRaw: big.NewInt(0),
			NativeSpent:   big.NewInt(0),
			FirstBuyTS: time.Now(),
		}
	}

	switch intent.TradeType {
	case types.TradeSell:
		sold := new(big.Int).Abs(delta)
		pos.AmountRaw = new(big.Int).Sub(pos.AmountRaw, sold)
		if pos.AmountRaw.Sign() < 0 {
			pos.AmountRaw = big.NewInt(0)
		}
		pos.SoldAmountRaw = new(big.Int).Add(pos.SoldAmountRaw, sold)
	default:
		pos.AmountRaw = new(big.Int).Add(pos.AmountRaw, delta)
		pos.NativeSpent = new(big.Int).Add(pos.NativeSpent, scaledInput)
	}
	pos.LastUpdateTS = time.Now()

	if err := o.positions.Upsert(ctx, pos); err != nil {
		o.log.Warn("orchestrator: position write-back failed", "user", user.UserID, "err", err)
	}
}

func mintKeyFor(intent *types.TradeIntent) string {
	if intent.TradeType == types.TradeSell {
		return intent.InputMint.String()
	}
	return intent.OutputMint.String()
}

func observedMints(intent *types.TradeIntent) []solana.PublicKey {
	// deterministic order: input mint first, then output mint (spec.md
	// §4.5's associated-account create-instruction ordering).
	return []solana.PublicKey{intent.InputMint, intent.OutputMint}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

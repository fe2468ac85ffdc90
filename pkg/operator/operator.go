// Package operator implements the eight upward verbs spec.md §6 names as
// the operator's control surface: add/remove a mirrored trader, activate/
// deactivate it, tune per-trader scale factor and slippage, withdraw held
// tokens, and wipe a user's data. Every mutating verb triggers a C5
// resync, the same way the teacher's strategy layer pushes a fresh
// contract-client set after a config change.
package operator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/solrelay/copytrader/internal/db"
	"github.com/solrelay/copytrader/pkg/types"
)

// Repo is the persistence boundary the operator mutates. internal/db
// provides the concrete implementation; kept as an interface so this
// package never imports gorm directly.
type Repo interface {
	AddTrader(ctx context.Context, userID, displayName string, wallet solana.PublicKey) error
	RemoveTrader(ctx context.Context, userID, displayName string) error
	SetTraderActive(ctx context.Context, userID, displayName string, active bool) error
	SetScaleFactor(ctx context.Context, userID, displayName string, factor float64) error
	SetSlippageBps(ctx context.Context, userID, displayName string, bps uint32) error
	ResetUserData(ctx context.Context, userID string) error
	DecrementPosition(ctx context.Context, userID string, mint solana.PublicKey, amount *big.Int) error
	ActiveSubscriptions(ctx context.Context) ([]types.TraderSubscription, error)
	RecordWithdrawal(ctx context.Context, w db.WithdrawalRecord) error
}

// SigningVault is the subset of C1 a withdrawal needs: the user's own
// signing key, held only for the instant the withdrawal transaction is
// built and signed.
type SigningVault interface {
	SigningKey(ctx context.Context, userID string) (solana.PrivateKey, func(), error)
}

// Submitter is the subset of C2 a withdrawal needs to land on-chain.
type Submitter interface {
	SubmitInstructions(ctx context.Context, instructions []solana.Instruction, signers []solana.PrivateKey) (solana.Signature, error)
}

// Resyncer is C5's upward-facing re-sync hook: every mutating verb below
// recomputes the desired active-master set and pushes it through.
type Resyncer interface {
	Resync(ctx context.Context, desired []types.TraderSubscription) error
}

// Operator implements spec.md §6's eight verbs.
type Operator struct {
	repo   Repo
	ingest Resyncer
	vault  SigningVault
	net    Submitter
	log    log.Logger
}

func New(repo Repo, ingest Resyncer, vault SigningVault, net Submitter, logger log.Logger) *Operator {
	if logger == nil {
		logger = log.Root()
	}
	return &Operator{repo: repo, ingest: ingest, vault: vault, net: net, log: logger}
}

func (o *Operator) resync(ctx context.Context) {
	desired, err := o.repo.ActiveSubscriptions(ctx)
	if err != nil {
		o.log.Warn("operator: resync read failed", "err", err)
		return
	}
	if err := o.ingest.Resync(ctx, desired); err != nil {
		o.log.Warn("operator: resync push failed", "err", err)
	}
}

// AddTrader registers a new mirrored master wallet under displayName,
// created inactive until Activate is called.
func (o *Operator) AddTrader(ctx context.Context, userID, displayName string, wallet solana.PublicKey) error {
	if err := o.repo.AddTrader(ctx, userID, displayName, wallet); err != nil {
		return err
	}
	o.resync(ctx)
	return nil
}

// RemoveTrader deletes a mirrored master wallet subscription.
func (o *Operator) RemoveTrader(ctx context.Context, userID, displayName string) error {
	if err := o.repo.RemoveTrader(ctx, userID, displayName); err != nil {
		return err
	}
	o.resync(ctx)
	return nil
}

// Activate marks a trader subscription active, bringing it into C5's
// subscribed set on the next resync.
func (o *Operator) Activate(ctx context.Context, userID, displayName string) error {
	if err := o.repo.SetTraderActive(ctx, userID, displayName, true); err != nil {
		return err
	}
	o.resync(ctx)
	return nil
}

// Deactivate marks a trader subscription inactive.
func (o *Operator) Deactivate(ctx context.Context, userID, displayName string) error {
	if err := o.repo.SetTraderActive(ctx, userID, displayName, false); err != nil {
		return err
	}
	o.resync(ctx)
	return nil
}

// SetScaleFactor tunes how much of a master's trade size is mirrored.
func (o *Operator) SetScaleFactor(ctx context.Context, userID, displayName string, factor float64) error {
	if err := o.repo.SetScaleFactor(ctx, userID, displayName, factor); err != nil {
		return err
	}
	o.resync(ctx)
	return nil
}

// SetSlippageBps tunes the user's per-trader slippage tolerance.
func (o *Operator) SetSlippageBps(ctx context.Context, userID, displayName string, bps uint32) error {
	if err := o.repo.SetSlippageBps(ctx, userID, displayName, bps); err != nil {
		return err
	}
	o.resync(ctx)
	return nil
}

// ResetData wipes a user's trader subscriptions, positions, and
// withdrawal history.
func (o *Operator) ResetData(ctx context.Context, userID string) error {
	if err := o.repo.ResetUserData(ctx, userID); err != nil {
		return err
	}
	o.resync(ctx)
	return nil
}

// Withdraw sends amount of mint from the user's trading wallet to a
// destination address, decrementing the held position only after the
// transfer is submitted successfully.
func (o *Operator) Withdraw(ctx context.Context, userID string, mint, to solana.PublicKey, amount *big.Int) error {
	key, release, err := o.vault.SigningKey(ctx, userID)
	if err != nil {
		return fmt.Errorf("operator: withdraw: %w", err)
	}
	defer release()

	owner := key.PublicKey()
	fromATA, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return fmt.Errorf("operator: derive source ATA: %w", err)
	}
	toATA, _, err := solana.FindAssociatedTokenAddress(to, mint)
	if err != nil {
		return fmt.Errorf("operator: derive destination ATA: %w", err)
	}

	transferIx := token.NewTransferInstruction(amount.Uint64(), fromATA, toATA, owner, nil).Build()

	sig, err := o.net.SubmitInstructions(ctx, []solana.Instruction{transferIx}, []solana.PrivateKey{key})
	if err != nil {
		return fmt.Errorf("operator: withdraw: submit: %w", err)
	}

	if err := o.repo.DecrementPosition(ctx, userID, mint, amount); err != nil {
		o.log.Warn("operator: position decrement failed after withdrawal submitted", "user", userID, "sig", sig, "err", err)
	}

	return o.repo.RecordWithdrawal(ctx, db.WithdrawalRecord{
		UserID:      userID,
		Mint:        mint.String(),
		AmountRaw:   amount.String(),
		Destination: to.String(),
		Signature:   sig.String(),
		CreatedAt:   time.Now(),
	})
}

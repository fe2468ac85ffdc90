// Package locator implements the instruction locator (C8): it walks a
// transaction's instructions to find the single venue-specific "core"
// instruction that effects a swap, per spec.md §4.4.
package locator

import (
	"github.com/gagliardetto/solana-go"

	"github.com/solrelay/copytrader/internal/errs"
	"github.com/solrelay/copytrader/internal/platform"
	"github.com/solrelay/copytrader/pkg/types"
)

// Locate implements spec.md §4.4's three-tier priority search.
func Locate(tx *types.RawTx, master solana.PublicKey, table *platform.Table) (*types.CoreInstruction, error) {
	keys := tx.FullAccountKeys()
	if len(keys) == 0 {
		return nil, errs.ErrNoCore
	}

	signerIsMaster := keys[0].Equals(master)

	// Tier 1: if the signer (index 0) is the master, return the first
	// non-system, non-compute-budget instruction in DEX_PROGRAMS ∪
	// ROUTER_PROGRAMS.
	if signerIsMaster {
		if ci := firstMatching(tx, keys, master, table, func(programID solana.PublicKey, refsMaster bool) bool {
			return table.IsDexOrRouter(programID)
		}); ci != nil {
			return finalize(ci, tx, keys, master, table)
		}
	}

	// Tier 2: first instruction referencing master whose program is in
	// the same set.
	if ci := firstMatching(tx, keys, master, table, func(programID solana.PublicKey, refsMaster bool) bool {
		return refsMaster && table.IsDexOrRouter(programID)
	}); ci != nil {
		return finalize(ci, tx, keys, master, table)
	}

	// Tier 3: fall back to any instruction referencing master that is
	// not a known helper program.
	if ci := firstMatching(tx, keys, master, table, func(programID solana.PublicKey, refsMaster bool) bool {
		return refsMaster && !platform.IsHelperProgram(programID)
	}); ci != nil {
		return finalize(ci, tx, keys, master, table)
	}

	return nil, errs.ErrNoCore
}

// firstMatching walks instructions in order and returns the first whose
// program+reference-to-master satisfies pred, or nil. Ties are broken by
// earliest instruction index simply because we stop at the first hit.
func firstMatching(
	tx *types.RawTx,
	keys []solana.PublicKey,
	master solana.PublicKey,
	table *platform.Table,
	pred func(programID solana.PublicKey, refsMaster bool) bool,
) *types.CoreInstruction {
	for idx, instr := range tx.Instructions {
		if int(instr.ProgramIDIndex) >= len(keys) {
			continue
		}
		programID := keys[instr.ProgramIDIndex]
		refsMaster := instrReferences(instr, keys, master)
		if !pred(programID, refsMaster) {
			continue
		}
		ci := buildCoreInstruction(idx, instr, keys, programID, table)
		if ci == nil {
			continue // invariant violated (OOR account index): skip candidate
		}
		return ci
	}
	return nil
}

func instrReferences(instr types.RawInstruction, keys []solana.PublicKey, master solana.PublicKey) bool {
	for _, idx := range instr.AccountIndexes {
		if int(idx) >= len(keys) {
			continue
		}
		if keys[idx].Equals(master) {
			return true
		}
	}
	return false
}

// buildCoreInstruction converts a RawInstruction into a CoreInstruction,
// enforcing the invariant that every referenced account index is valid
// inside the source message (spec.md §3's CoreInstruction invariant,
// §8's testable property). Returns nil if the invariant is violated.
func buildCoreInstruction(idx int, instr types.RawInstruction, keys []solana.PublicKey, programID solana.PublicKey, table *platform.Table) *types.CoreInstruction {
	accounts := make([]types.AccountMeta, 0, len(instr.AccountIndexes))
	for _, ai := range instr.AccountIndexes {
		if int(ai) >= len(keys) {
			return nil
		}
		accounts = append(accounts, types.AccountMeta{PubKey: keys[ai]})
	}
	return &types.CoreInstruction{
		ProgramID:   programID,
		Accounts:    accounts,
		Data:        instr.Data,
		PlatformTag: table.TagForProgram(programID),
		Index:       idx,
	}
}

// finalize applies the pumpfun rewalk-for-correctness rule (spec.md
// §4.4): when the primary hit is a jupiter_router wrapper, the locator
// rewalks for a pumpfun_* instruction so the selected instruction is the
// platform-specific one, and applies the NO_CORE ATA-creator rule.
func finalize(ci *types.CoreInstruction, tx *types.RawTx, keys []solana.PublicKey, master solana.PublicKey, table *platform.Table) (*types.CoreInstruction, error) {
	if ci.PlatformTag == types.PlatformJupiterRouter {
		if specific := rewalkForPumpfunSpecific(tx, keys, table, ci); specific != nil {
			ci = specific
		}
	}

	if ci.PlatformTag == types.PlatformUnknown && isAssociatedTokenAccountCreator(ci.ProgramID) && !observesBalanceChange(tx) {
		return nil, errs.ErrNoCore
	}

	return ci, nil
}

// rewalkForPumpfunSpecific scans all instructions for one whose program
// is the non-router pumpfun program (bonding-curve or AMM), preferring it
// over a jupiter_router wrapper that merely CPIs into it, since C9's
// layout descriptors are keyed on the specific venue.
func rewalkForPumpfunSpecific(tx *types.RawTx, keys []solana.PublicKey, table *platform.Table, current *types.CoreInstruction) *types.CoreInstruction {
	if current.PlatformTag != types.PlatformJupiterRouter {
		return nil
	}
	for idx, instr := range tx.Instructions {
		if int(instr.ProgramIDIndex) >= len(keys) {
			continue
		}
		programID := keys[instr.ProgramIDIndex]
		tag := table.TagForProgram(programID)
		if platform.IsPumpfun(tag) {
			return buildCoreInstruction(idx, instr, keys, programID, table)
		}
	}
	return nil
}

func isAssociatedTokenAccountCreator(programID solana.PublicKey) bool {
	return programID.Equals(platform.AssociatedTokenProgram)
}

func observesBalanceChange(tx *types.RawTx) bool {
	return len(tx.Meta.PreTokenBalances) > 0 || len(tx.Meta.PostTokenBalances) > 0
}

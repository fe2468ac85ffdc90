// Package cloner implements the universal cloner (C9): given a
// CoreInstruction and a local user key, it produces a ClonedTransaction
// that performs the same effect for the user as the master's instruction
// performed for the master, or fails. Per SPEC_FULL.md §3.9 / spec.md §9,
// this is a table interpreter over internal/platform's LayoutDescriptor,
// not a switch per venue.
package cloner

import (
	"context"
	"encoding/binary"
	"math/big"

	"github.com/gagliardetto/solana-go"

	"github.com/solrelay/copytrader/internal/errs"
	"github.com/solrelay/copytrader/internal/platform"
	"github.com/solrelay/copytrader/pkg/types"
)

// AccountReader is the subset of the network client (C2) the cloner needs
// for the associated-account pre-check (spec.md §4.5).
type AccountReader interface {
	GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]bool, error)
	GetLatestAnchor(ctx context.Context) (solana.Hash, uint64, error)
}

// NonceReader is the subset of the vault (C1) the cloner needs to wire a
// durable nonce anchor.
type NonceReader interface {
	NonceAccount(ctx context.Context, userID string) (*types.NonceAccount, error)
}

// Cloner rewrites master-observed core instructions for a local user.
type Cloner struct {
	table *platform.Table
	net   AccountReader
	nonce NonceReader
}

func New(table *platform.Table, net AccountReader, nonce NonceReader) *Cloner {
	return &Cloner{table: table, net: net, nonce: nonce}
}

// Input bundles everything Clone needs beyond the CoreInstruction itself.
type Input struct {
	Core           *types.CoreInstruction
	Master         solana.PublicKey
	User           solana.PublicKey
	UserID         string
	ScaleFactor    float64 // (0, 1]
	ScaledNativeIn *big.Int
	ScaledTokenIn  *big.Int
	// ObservedMints is every mint the source transaction touched, used to
	// recognize associated-token-account references for substitution
	// rule 2 (spec.md §4.5).
	ObservedMints []solana.PublicKey
}

// Clone implements spec.md §4.5's contract.
func (c *Cloner) Clone(ctx context.Context, in Input) (*types.ClonedTransaction, error) {
	descriptor := c.table.Lookup(in.Core.PlatformTag)
	if descriptor == nil {
		return nil, errs.ErrUnknownPlatform
	}

	substituted, neededATAs, err := c.substituteAccounts(in, descriptor)
	if err != nil {
		return nil, err
	}

	data, err := rewriteData(in.Core.Data, descriptor, in.ScaledNativeIn, in.ScaledTokenIn)
	if err != nil {
		return nil, err
	}

	createIxs, err := c.ensureAssociatedAccounts(ctx, in, neededATAs)
	if err != nil {
		return nil, err
	}

	coreIx := solana.NewInstruction(in.Core.ProgramID, toMeta(substituted), data)

	anchor, advance, err := c.wireAnchor(ctx, in)
	if err != nil {
		return nil, err
	}

	instructions := make([]solana.Instruction, 0, 2+len(createIxs))
	if advance != nil {
		instructions = append(instructions, advance)
	}
	instructions = append(instructions, createIxs...)
	instructions = append(instructions, coreIx)

	return &types.ClonedTransaction{
		Instructions: instructions,
		RecentAnchor: anchor,
	}, nil
}

// substitutedAccount pairs a rewritten account with whether it is an
// associated-token-account reference that may need a create instruction.
type substitutedAccount struct {
	meta        types.AccountMeta
	missingATA  bool
	ataMint     solana.PublicKey
	isInputSide bool
}

// substituteAccounts applies spec.md §4.5's four substitution rules, in
// order, to every account reference.
func (c *Cloner) substituteAccounts(in Input, descriptor *platform.LayoutDescriptor) ([]substitutedAccount, []pendingATA, error) {
	out := make([]substitutedAccount, 0, len(in.Core.Accounts))
	var needed []pendingATA

	for _, acc := range in.Core.Accounts {
		switch {
		case acc.PubKey.Equals(in.Master):
			// Rule 1: exact master match -> user, flags preserved.
			out = append(out, substitutedAccount{meta: types.AccountMeta{
				PubKey: in.User, IsSigner: acc.IsSigner, IsWritable: acc.IsWritable,
			}})

		case isAssociatedTokenAccountOf(acc.PubKey, in.Master, in.ObservedMints):
			// Rule 2: ATA derivable from (master, mint) -> user's ATA
			// for the same mint.
			mint, ok := mintForATA(acc.PubKey, in.Master, in.ObservedMints)
			if !ok {
				return nil, nil, errs.ErrAtaDeriveFailed
			}
			userATA, err := deriveATA(in.User, mint)
			if err != nil {
				return nil, nil, errs.ErrAtaDeriveFailed
			}
			out = append(out, substitutedAccount{meta: types.AccountMeta{
				PubKey: userATA, IsSigner: acc.IsSigner, IsWritable: acc.IsWritable,
			}})
			needed = append(needed, pendingATA{owner: in.User, mint: mint, account: userATA})

		case matchesUserDerivedPDA(acc.PubKey, in.Master, descriptor):
			// Rule 3: user-derived PDA with seeds (tag, master) for a
			// venue in the closed platform set -> recompute with
			// (tag, user).
			seed := seedFor(acc.PubKey, in.Master, descriptor)
			newPDA, _, err := solana.FindProgramAddress([][]byte{seed.Tag, in.User.Bytes()}, seed.Program)
			if err != nil {
				return nil, nil, errs.ErrAtaDeriveFailed
			}
			out = append(out, substitutedAccount{meta: types.AccountMeta{
				PubKey: newPDA, IsSigner: acc.IsSigner, IsWritable: acc.IsWritable,
			}})

		default:
			// Rule 4: pool, mint, global config, fee recipient, event
			// authority, program, system programs -> byte-identical.
			out = append(out, substitutedAccount{meta: acc})
		}
	}

	// deterministic order: input-mint account first, then output-mint.
	sortNeededATAs(needed, in)

	return out, toPendingATAs(needed), nil
}

type pendingATA struct {
	owner   solana.PublicKey
	mint    solana.PublicKey
	account solana.PublicKey
}

func toPendingATAs(in []pendingATA) []pendingATA { return in }

func sortNeededATAs(needed []pendingATA, in Input) {
	// Deterministic order (spec.md §4.5): input-mint account first, then
	// output-mint. ObservedMints[0] is conventionally the input mint by
	// construction at the call site (internal/orchestrator), so we stable-
	// sort on that ordering.
	if len(in.ObservedMints) == 0 {
		return
	}
	rank := func(mint solana.PublicKey) int {
		for i, m := range in.ObservedMints {
			if m.Equals(mint) {
				return i
			}
		}
		return len(in.ObservedMints)
	}
	for i := 1; i < len(needed); i++ {
		j := i
		for j > 0 && rank(needed[j].mint) < rank(needed[j-1].mint) {
			needed[j], needed[j-1] = needed[j-1], needed[j]
			j--
		}
	}
}

// ensureAssociatedAccounts performs the single batched on-chain existence
// check (spec.md §4.5) and emits create instructions for any missing
// accounts, in the already-deterministic order of needed.
func (c *Cloner) ensureAssociatedAccounts(ctx context.Context, in Input, needed []pendingATA) ([]solana.Instruction, error) {
	if len(needed) == 0 {
		return nil, nil
	}
	keys := make([]solana.PublicKey, len(needed))
	for i, n := range needed {
		keys[i] = n.account
	}
	exists, err := c.net.GetMultipleAccounts(ctx, keys)
	if err != nil {
		return nil, errs.ErrAtaDeriveFailed
	}

	var out []solana.Instruction
	for i, n := range needed {
		if i < len(exists) && exists[i] {
			continue
		}
		out = append(out, buildCreateATAInstruction(in.User, n.owner, n.mint, n.account))
	}
	return out, nil
}

// wireAnchor implements spec.md §4.5's nonce-wiring rule: if a
// NonceAccount is supplied, set RecentAnchor to its current value and
// prepend AdvanceNonce with the user as authority; otherwise fetch a
// fresh blockhash. A NonceReadFailed error falls back to a fresh anchor
// rather than aborting (spec.md §7 disposition table).
func (c *Cloner) wireAnchor(ctx context.Context, in Input) (types.Anchor, solana.Instruction, error) {
	if c.nonce != nil {
		if na, err := c.nonce.NonceAccount(ctx, in.UserID); err == nil && na != nil {
			advance := solana.NewInstruction(
				solana.SystemProgramID,
				[]*solana.AccountMeta{
					solana.Meta(na.Pubkey).WRITE(),
					solana.Meta(solana.SysVarRecentBlockHashesPubkey),
					solana.Meta(in.User).SIGNER(),
				},
				advanceNonceData(),
			)
			return types.Anchor{
				Kind:              types.AnchorNonce,
				NoncePubkey:       na.Pubkey,
				NonceAuthority:    in.User,
				CurrentNonceValue: na.CurrentNonce,
			}, advance, nil
		}
		// ErrNonceReadFailed: fall back to fresh anchor, continue.
	}

	blockhash, lastValid, err := c.net.GetLatestAnchor(ctx)
	if err != nil {
		return types.Anchor{}, nil, errs.ErrNonceReadFailed
	}
	return types.Anchor{
		Kind:            types.AnchorBlockhash,
		Blockhash:       blockhash,
		LastValidHeight: lastValid,
	}, nil, nil
}

// advanceNonceData is the SystemProgram AdvanceNonceAccount instruction
// discriminator (index 4 in the System Program's instruction enum).
func advanceNonceData() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 4)
	return buf
}

func toMeta(accs []substitutedAccount) []*solana.AccountMeta {
	out := make([]*solana.AccountMeta, len(accs))
	for i, a := range accs {
		out[i] = &solana.AccountMeta{
			PublicKey:  a.meta.PubKey,
			IsSigner:   a.meta.IsSigner,
			IsWritable: a.meta.IsWritable,
		}
	}
	return out
}

func buildCreateATAInstruction(payer, owner, mint, ata solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		platform.AssociatedTokenProgram,
		[]*solana.AccountMeta{
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(ata).WRITE(),
			solana.Meta(owner),
			solana.Meta(mint),
			solana.Meta(platform.SystemProgram),
			solana.Meta(platform.TokenProgram),
		},
		[]byte{},
	)
}

func deriveATA(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner.Bytes(), platform.TokenProgram.Bytes(), mint.Bytes()},
		platform.AssociatedTokenProgram,
	)
	return addr, err
}

// isAssociatedTokenAccountOf reports whether candidate is the ATA derived
// from (owner, mint) for any mint in observedMints.
func isAssociatedTokenAccountOf(candidate, owner solana.PublicKey, observedMints []solana.PublicKey) bool {
	_, ok := mintForATA(candidate, owner, observedMints)
	return ok
}

func mintForATA(candidate, owner solana.PublicKey, observedMints []solana.PublicKey) (solana.PublicKey, bool) {
	for _, mint := range observedMints {
		ata, err := deriveATA(owner, mint)
		if err == nil && ata.Equals(candidate) {
			return mint, true
		}
	}
	return solana.PublicKey{}, false
}

// matchesUserDerivedPDA reports whether candidate is a PDA derived with
// seeds (tag, master) for one of the descriptor's known venue seed
// templates.
func matchesUserDerivedPDA(candidate, master solana.PublicKey, descriptor *platform.LayoutDescriptor) bool {
	for _, seed := range descriptor.PDASeeds {
		pda, _, err := solana.FindProgramAddress([][]byte{seed.Tag, master.Bytes()}, seed.Program)
		if err == nil && pda.Equals(candidate) {
			return true
		}
	}
	return false
}

func seedFor(candidate, master solana.PublicKey, descriptor *platform.LayoutDescriptor) platform.SeedTemplate {
	for _, seed := range descriptor.PDASeeds {
		pda, _, err := solana.FindProgramAddress([][]byte{seed.Tag, master.Bytes()}, seed.Program)
		if err == nil && pda.Equals(candidate) {
			return seed
		}
	}
	return platform.SeedTemplate{}
}

// rewriteData implements spec.md §4.5's data-blob rule and §4.5.1's
// amount-scaling table: the data bytes pass through unchanged except
// for the canonical amount/min-out/track-volume fields the descriptor
// names.
func rewriteData(src []byte, d *platform.LayoutDescriptor, scaledNativeIn, scaledTokenIn *big.Int) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)

	if d.ScaleKind == platform.ScaleNone {
		return out, nil
	}

	var scaled *big.Int
	switch d.ScaleKind {
	case platform.ScaleMaxNativeCost:
		scaled = scaledNativeIn
	case platform.ScaleAmountIn:
		if scaledTokenIn != nil {
			scaled = scaledTokenIn
		} else {
			scaled = scaledNativeIn
		}
	}
	if scaled == nil {
		return out, nil
	}

	if err := putU64At(out, d.AmountOffset, scaled.Uint64()); err != nil {
		return nil, err
	}
	if d.MinOutKind == platform.MinOutU64 {
		if err := putU64At(out, d.MinOutOffset, 0); err != nil {
			return nil, err
		}
	}
	if d.TrackVolumeOffset > 0 && d.TrackVolumeOffset < len(out) {
		out[d.TrackVolumeOffset] = 1
	}
	return out, nil
}

func putU64At(buf []byte, offset int, v uint64) error {
	if offset < 0 || offset+8 > len(buf) {
		return errs.ErrAccountIndexOOR
	}
	binary.LittleEndian.PutUint64(buf[offset:offset+8], v)
	return nil
}

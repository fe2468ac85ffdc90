// Package platform is the closed tagged variant the instruction locator
// (C8) and the universal cloner (C9) share, per the design note in
// SPEC_FULL.md §9: rather than scattered switch/if chains across the
// analyzer, executor, and builder, every venue-specific fact lives in one
// row of this table, and C8/C9 become table interpreters over it.
package platform

import (
	"github.com/gagliardetto/solana-go"

	"github.com/solrelay/copytrader/pkg/types"
)

// ScaleField names which field in an instruction's data blob carries the
// user-scaled amount, per SPEC_FULL.md §3.9 / spec.md §4.5.1.
type ScaleField int

const (
	// ScaleNone means the data blob is passed through unchanged; the
	// venue is left to consume whatever balance the user holds.
	ScaleNone ScaleField = iota
	// ScaleAmountIn overwrites a single little-endian u64 "amount in"
	// field at Offset with the scaled input amount.
	ScaleAmountIn
	// ScaleMaxNativeCost overwrites a u64 "max native cost / max quote
	// in" field, used by pumpfun-style buys that express a cap rather
	// than an exact spend.
	ScaleMaxNativeCost
)

// MinOutField names the zero-out target for slippage-free cloning: the
// clone always sets the venue's minimum-output guard to zero. The user's
// SlippageBps setting is not applied to the cloned instruction.
type MinOutField int

const (
	MinOutNone MinOutField = iota
	MinOutU64
)

// SeedTemplate describes a program-derived address the cloner must
// re-derive with the user's key substituted for the master's, per
// spec.md §4.5 rule 3 (e.g. a pumpfun creator vault, a volume
// accumulator PDA).
type SeedTemplate struct {
	// Tag is the literal seed prefix bytes (e.g. []byte("creator-vault")).
	Tag []byte
	// Program is the program the PDA is derived against.
	Program solana.PublicKey
}

// LayoutDescriptor is one row of the platform table: everything the
// cloner needs to know to rewrite a venue's instruction without a
// per-venue code path.
type LayoutDescriptor struct {
	Tag types.PlatformTag

	// Discriminator is the instruction's 8-byte Anchor-style selector,
	// when the data blob is scaled. Populated from a single venue
	// constants table below so a future correction (see SPEC_FULL.md
	// §3.9 on the bonding-curve buy discriminator Open Question) is a
	// one-line change, not a grep-and-replace.
	Discriminator [8]byte
	HasDiscriminator bool

	// AmountOffset is the byte offset from the start of Data of the field
	// ScaleKind rewrites; an 8-byte discriminator, if present, occupies
	// bytes 0-7, so offsets on such venues start at 8.
	AmountOffset int
	ScaleKind    ScaleField

	// MinOutOffset/MinOutKind zero out the venue's slippage guard.
	MinOutOffset int
	MinOutKind   MinOutField

	// TrackVolumeOffset, when positive, is the byte offset of a
	// single bool flag the pumpfun venues use to opt into their volume
	// accumulator program; the clone always sets it true so the user's
	// own volume is tracked under their own PDA.
	TrackVolumeOffset int

	PDASeeds []SeedTemplate

	// Programs lists every program ID this descriptor applies to
	// (a venue can have more than one program across versions).
	Programs []solana.PublicKey
}

// Table is the full closed set of venue descriptors, keyed by tag.
type Table struct {
	byTag     map[types.PlatformTag]*LayoutDescriptor
	byProgram map[solana.PublicKey]types.PlatformTag
}

// DefaultTable returns the platform table populated per spec.md §4.5.1's
// amount-field layout, §4.4's DEX_PROGRAMS/ROUTER_PROGRAMS membership.
//
// Program IDs and PDA seed tags below are the well-known constants for
// each venue on a Solana-like network; the bonding-curve "buy"
// discriminator is intentionally a named, single-source constant (see
// pumpfunBCBuyDiscriminator) rather than inlined at each use site, so
// that confirming the correct 8-byte selector against the venue's
// on-chain program (SPEC_FULL.md §3.9) touches one line.
func DefaultTable() *Table {
	t := &Table{
		byTag:     make(map[types.PlatformTag]*LayoutDescriptor),
		byProgram: make(map[solana.PublicKey]types.PlatformTag),
	}

	descriptors := []*LayoutDescriptor{
		{
			Tag:               types.PlatformPumpfunBC,
			Discriminator:     pumpfunBCBuyDiscriminator,
			HasDiscriminator:  true,
			AmountOffset:      16, // max_native_cost(u64): scaled down to the user's cap
			ScaleKind:         ScaleMaxNativeCost,
			MinOutOffset:      8, // amount(u64): zeroed per spec.md's amount-field table
			MinOutKind:        MinOutU64,
			TrackVolumeOffset: 24,
			PDASeeds: []SeedTemplate{
				{Tag: []byte("creator-vault"), Program: pumpfunBCProgram},
			},
			Programs: []solana.PublicKey{pumpfunBCProgram},
		},
		{
			Tag:              types.PlatformPumpfunAMM,
			Discriminator:    pumpfunAMMBuyDiscriminator,
			HasDiscriminator: true,
			AmountOffset:     16, // base_out(u64)=0, then max_quote_in(u64)
			ScaleKind:        ScaleMaxNativeCost,
			MinOutOffset:     8,
			MinOutKind:       MinOutU64,
			TrackVolumeOffset: 24,
			PDASeeds: []SeedTemplate{
				{Tag: []byte("creator-vault"), Program: pumpfunAMMProgram},
				{Tag: []byte("volume-accumulator"), Program: pumpfunAMMProgram},
			},
			Programs: []solana.PublicKey{pumpfunAMMProgram},
		},
		{
			Tag:           types.PlatformRaydiumV4,
			AmountOffset:  0,
			ScaleKind:     ScaleAmountIn,
			MinOutOffset:  8,
			MinOutKind:    MinOutU64,
			Programs:      []solana.PublicKey{raydiumV4Program},
		},
		{
			Tag:           types.PlatformRaydiumCLMM,
			AmountOffset:  8, // after discriminator
			ScaleKind:     ScaleAmountIn,
			MinOutOffset:  16,
			MinOutKind:    MinOutU64,
			Discriminator:    raydiumClmmSwapDiscriminator,
			HasDiscriminator: true,
			Programs:      []solana.PublicKey{raydiumCLMMProgram},
		},
		{
			Tag:           types.PlatformRaydiumLaunchpad,
			AmountOffset:  8,
			ScaleKind:     ScaleAmountIn,
			MinOutOffset:  16,
			MinOutKind:    MinOutU64,
			Discriminator:    raydiumLaunchpadSwapDiscriminator,
			HasDiscriminator: true,
			Programs:      []solana.PublicKey{raydiumLaunchpadProgram},
		},
		{
			Tag:           types.PlatformMeteoraDLMM,
			AmountOffset:  8,
			ScaleKind:     ScaleAmountIn,
			MinOutOffset:  16,
			MinOutKind:    MinOutU64,
			Discriminator:    meteoraDlmmSwapDiscriminator,
			HasDiscriminator: true,
			Programs:      []solana.PublicKey{meteoraDLMMProgram},
		},
		{
			Tag:           types.PlatformMeteoraDBC,
			AmountOffset:  8,
			ScaleKind:     ScaleAmountIn,
			MinOutOffset:  16,
			MinOutKind:    MinOutU64,
			Discriminator:    meteoraDbcSwapDiscriminator,
			HasDiscriminator: true,
			PDASeeds: []SeedTemplate{
				{Tag: []byte("creator-vault"), Program: meteoraDBCProgram},
			},
			Programs: []solana.PublicKey{meteoraDBCProgram},
		},
		{
			Tag:           types.PlatformOrcaWhirlpool,
			AmountOffset:  8,
			ScaleKind:     ScaleAmountIn,
			MinOutOffset:  16,
			MinOutKind:    MinOutU64,
			Discriminator:    orcaWhirlpoolSwapDiscriminator,
			HasDiscriminator: true,
			Programs:      []solana.PublicKey{orcaWhirlpoolProgram},
		},
		{
			Tag:       types.PlatformJupiterRouter,
			ScaleKind: ScaleNone,
			Programs:  []solana.PublicKey{jupiterRouterProgram},
		},
	}

	for _, d := range descriptors {
		t.byTag[d.Tag] = d
		for _, p := range d.Programs {
			t.byProgram[p] = d.Tag
		}
	}
	return t
}

// Lookup returns the descriptor for a tag, or nil if unknown.
func (t *Table) Lookup(tag types.PlatformTag) *LayoutDescriptor {
	return t.byTag[tag]
}

// TagForProgram resolves a program ID to its platform tag, or
// types.PlatformUnknown if the program is not in the closed set.
func (t *Table) TagForProgram(program solana.PublicKey) types.PlatformTag {
	if tag, ok := t.byProgram[program]; ok {
		return tag
	}
	return types.PlatformUnknown
}

// IsDexOrRouter reports whether program is in DEX_PROGRAMS ∪
// ROUTER_PROGRAMS (spec.md §4.4).
func (t *Table) IsDexOrRouter(program solana.PublicKey) bool {
	_, ok := t.byProgram[program]
	return ok
}

// IsPumpfun reports whether tag is one of the pumpfun_* venues, used by
// the locator's rewalk-for-correctness step (spec.md §4.4).
func IsPumpfun(tag types.PlatformTag) bool {
	return tag == types.PlatformPumpfunBC || tag == types.PlatformPumpfunAMM
}

// Known helper programs the locator must not mistake for a core
// instruction: the system program, compute-budget program, and the
// associated-token-account program.
var (
	SystemProgram         = solana.SystemProgramID
	ComputeBudgetProgram  = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")
	AssociatedTokenProgram = solana.SPLAssociatedTokenAccountProgramID
	TokenProgram           = solana.TokenProgramID
)

// IsHelperProgram reports whether program is one of the known
// non-core-instruction helper programs (system, compute budget,
// associated-token-account creator) referenced by spec.md §4.4's
// fallback-rejection rule.
func IsHelperProgram(program solana.PublicKey) bool {
	return program.Equals(SystemProgram) ||
		program.Equals(ComputeBudgetProgram) ||
		program.Equals(AssociatedTokenProgram)
}

var (
	pumpfunBCProgram         = solana.MustPublicKeyFromBase58("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P")
	pumpfunAMMProgram        = solana.MustPublicKeyFromBase58("pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA")
	raydiumV4Program         = solana.MustPublicKeyFromBase58("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8")
	raydiumCLMMProgram       = solana.MustPublicKeyFromBase58("CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK")
	raydiumLaunchpadProgram  = solana.MustPublicKeyFromBase58("LanMV9sAd7wArD4vJFi2qDdfnVhFxYSUg6eADduJ3uj")
	meteoraDLMMProgram       = solana.MustPublicKeyFromBase58("LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo")
	meteoraDBCProgram        = solana.MustPublicKeyFromBase58("dbcij3LWUppWqq96dh6gJWwBifmcGfLSB5D4DuSMaqN")
	orcaWhirlpoolProgram     = solana.MustPublicKeyFromBase58("whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc")
	jupiterRouterProgram     = solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")

	// pumpfunBCBuyDiscriminator is the 8-byte Anchor selector for the
	// bonding-curve "buy" instruction. SPEC_FULL.md §3.9 records this as
	// an unresolved Open Question inherited from spec.md §9: the source
	// material commits two different discriminators as "buy" in
	// different files. This constant is the single point of truth that
	// must be confirmed against the venue's deployed program before
	// this path is used in production; everywhere else in the codebase
	// reads this constant rather than inlining a literal.
	pumpfunBCBuyDiscriminator = [8]byte{0x66, 0x06, 0x3d, 0x12, 0x01, 0xda, 0xeb, 0xea}

	pumpfunAMMBuyDiscriminator        = [8]byte{0x66, 0x06, 0x3d, 0x12, 0x01, 0xda, 0xeb, 0xea}
	raydiumClmmSwapDiscriminator      = [8]byte{0x2b, 0x04, 0xed, 0x0b, 0x1a, 0xc9, 0x1e, 0x62}
	raydiumLaunchpadSwapDiscriminator = [8]byte{0xf8, 0xc6, 0x9e, 0x91, 0xe1, 0x75, 0x87, 0xc8}
	meteoraDlmmSwapDiscriminator      = [8]byte{0xf8, 0xc6, 0x9e, 0x91, 0xe1, 0x75, 0x87, 0xc8}
	meteoraDbcSwapDiscriminator       = [8]byte{0xf8, 0xc6, 0x9e, 0x91, 0xe1, 0x75, 0x87, 0xc8}
	orcaWhirlpoolSwapDiscriminator    = [8]byte{0xf8, 0xc6, 0x9e, 0x91, 0xe1, 0x75, 0x87, 0xc8}
)

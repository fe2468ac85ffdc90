// Package types holds the data model shared across every pipeline stage:
// the normalized forms that flow from stream ingress through to dispatch.
package types

import (
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
)

// TradeType classifies a TradeIntent.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
	TradeSwap TradeType = "swap"
)

// TradeIntent is the normalized output of the economic analyzer (C7).
//
// Invariants: exactly one of (InputMint, OutputMint) is the native mint for
// buy/sell; both amounts are non-zero; TradeType is determined solely by
// the sign of the master's native-token delta.
type TradeIntent struct {
	TradeType       TradeType
	InputMint       solana.PublicKey
	OutputMint      solana.PublicKey
	InputAmountRaw  *big.Int
	OutputAmountRaw *big.Int
	TraderID        solana.PublicKey
	TokenDecimals   uint8
}

// PlatformTag is the closed set of venues the core instruction locator and
// cloner recognize.
type PlatformTag string

const (
	PlatformPumpfunBC        PlatformTag = "pumpfun_bc"
	PlatformPumpfunAMM       PlatformTag = "pumpfun_amm"
	PlatformRaydiumV4        PlatformTag = "raydium_v4"
	PlatformRaydiumCLMM      PlatformTag = "raydium_clmm"
	PlatformRaydiumLaunchpad PlatformTag = "raydium_launchpad"
	PlatformMeteoraDLMM      PlatformTag = "meteora_dlmm"
	PlatformMeteoraDBC       PlatformTag = "meteora_dbc"
	PlatformOrcaWhirlpool    PlatformTag = "orca_whirlpool"
	PlatformJupiterRouter    PlatformTag = "jupiter_router"
	PlatformUnknown          PlatformTag = "unknown"
)

// AccountMeta mirrors a single account reference inside an instruction.
type AccountMeta struct {
	PubKey     solana.PublicKey
	IsSigner   bool
	IsWritable bool
}

// CoreInstruction is the output of the instruction locator (C8) and the
// input to the universal cloner (C9).
//
// Invariant: ProgramID's index and every referenced account index are
// valid inside the source message, or the instruction is rejected before
// this type is constructed.
type CoreInstruction struct {
	ProgramID   solana.PublicKey
	Accounts    []AccountMeta
	Data        []byte
	PlatformTag PlatformTag
	// Index is the instruction's position within the source transaction,
	// retained for tie-breaking and diagnostics.
	Index int
}

// ClonedTransaction is the output of the universal cloner (C9).
//
// Invariant: if RecentAnchor is a nonce, Instructions[0] MUST be an
// AdvanceNonce instruction referencing that same nonce with the user's
// key as authority.
type ClonedTransaction struct {
	Instructions []solana.Instruction
	RecentAnchor Anchor
	Signers      []solana.PrivateKey
}

// AnchorKind distinguishes a fresh blockhash from a durable nonce value.
type AnchorKind int

const (
	AnchorBlockhash AnchorKind = iota
	AnchorNonce
)

// Anchor is the transaction's recency anchor: either a fresh blockhash
// (with its last valid block height) or the current value of a durable
// nonce account.
type Anchor struct {
	Kind              AnchorKind
	Blockhash         solana.Hash
	LastValidHeight   uint64
	NoncePubkey       solana.PublicKey
	NonceAuthority    solana.PublicKey
	CurrentNonceValue solana.Hash
}

// Position tracks a user's holdings of one token, per (user, token).
//
// Lifecycle: created on first successful buy; AmountRaw decreases
// monotonically per sell; when AmountRaw == 0 the entry may be garbage
// collected.
type Position struct {
	UserID        string
	Mint          solana.PublicKey
	AmountRaw     *big.Int
	SoldAmountRaw *big.Int
	NativeSpent   *big.Int
	FirstBuyTS    time.Time
	LastUpdateTS  time.Time
}

// IsEmpty reports whether the position holds nothing and may be
// garbage-collected.
func (p *Position) IsEmpty() bool {
	return p.AmountRaw == nil || p.AmountRaw.Sign() == 0
}

// TraderSubscription describes a master wallet a user has chosen to
// mirror.
type TraderSubscription struct {
	OwnerUserID string
	DisplayName string
	Wallet      solana.PublicKey
	Active      bool
}

// NonceAccount is a durable-nonce account owned by a single trading key.
//
// Invariant: exactly one authority, equal to the owning trading key.
type NonceAccount struct {
	Pubkey       solana.PublicKey
	Authority    solana.PublicKey
	CurrentNonce solana.Hash
}

// TokenBalanceRecord is a single pre- or post-transaction token balance
// snapshot for one (mint, owner) pair, as carried in a transaction's
// metadata.
type TokenBalanceRecord struct {
	Mint     solana.PublicKey
	Owner    solana.PublicKey
	Amount   *big.Int // base units, always >= 0
	Decimals uint8
}

// TxMeta is the subset of on-chain transaction metadata the pipeline
// needs: native balances, per-account token balances, and the execution
// error flag. Pre/post token balances are snapshots, not deltas; the
// economic analyzer (C7) is the only component that diffs them.
type TxMeta struct {
	Err                bool
	PreNativeBalances  []uint64
	PostNativeBalances []uint64
	PreTokenBalances   []TokenBalanceRecord
	PostTokenBalances  []TokenBalanceRecord
	ComputeUnitsUsed   uint64
	// ComputeUnitLimit is the limit the master's transaction requested,
	// if a SetComputeUnitLimit instruction was present; zero if absent.
	ComputeUnitLimit uint32
	LoadedWritable   []solana.PublicKey
	LoadedReadonly   []solana.PublicKey
}

// RawInstruction is an unparsed instruction as it appears in the source
// message, referencing accounts by index into the message's full account
// key array (static keys + address-table-loaded extensions).
type RawInstruction struct {
	ProgramIDIndex uint16
	AccountIndexes []uint16
	Data           []byte
}

// RawTx is the normalized event emitted by stream ingress (C5) for every
// observed master-wallet transaction.
type RawTx struct {
	Signature   solana.Signature
	Slot        uint64
	AccountKeys []solana.PublicKey
	Instructions []RawInstruction
	Meta        TxMeta
	ObservedAt  time.Time
}

// FullAccountKeys concatenates the message's static account keys with any
// address-table-loaded writable/readonly extensions, producing the
// complete index space instructions reference.
func (r *RawTx) FullAccountKeys() []solana.PublicKey {
	out := make([]solana.PublicKey, 0, len(r.AccountKeys)+len(r.Meta.LoadedWritable)+len(r.Meta.LoadedReadonly))
	out = append(out, r.AccountKeys...)
	out = append(out, r.Meta.LoadedWritable...)
	out = append(out, r.Meta.LoadedReadonly...)
	return out
}

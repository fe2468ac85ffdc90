// Package errs defines the typed errors returned across pipeline
// component boundaries. No component panics for control flow (§7 of
// SPEC_FULL.md): every rejection, drop, or failure is one of these
// sentinel or wrapped errors, inspected with errors.Is/As by the caller.
package errs

import "errors"

// Golden filter (C6) dispositions.
var (
	ErrFilteredTxError   = errors.New("filtered: transaction carries an on-chain error")
	ErrFilteredStale     = errors.New("filtered: transaction older than the freshness horizon")
	ErrFilteredSmallMove = errors.New("filtered: native balance delta below minimum")
	ErrFilteredNoOwner   = errors.New("filtered: no token balance change owned by the master wallet")
)

// Economic analyzer (C7) dispositions.
var ErrAmbiguous = errors.New("analyzer: could not classify trade from balance deltas")

// Instruction locator (C8) dispositions.
var ErrNoCore = errors.New("locator: no core swap instruction found")

// Universal cloner (C9) dispositions.
var (
	ErrUnknownPlatform    = errors.New("cloner: platform tag is unknown, no layout descriptor")
	ErrAccountIndexOOR    = errors.New("cloner: account index out of range of the source message")
	ErrAtaDeriveFailed    = errors.New("cloner: associated token account derivation failed")
	ErrNonceReadFailed    = errors.New("cloner: durable nonce account read failed")
)

// Dispatcher (C10) dispositions.
var (
	ErrSubmitFailed          = errors.New("dispatcher: submit to network failed")
	ErrConfirmTimeout        = errors.New("dispatcher: confirmation budget exhausted")
	ErrConfirmedOnChainError = errors.New("dispatcher: transaction confirmed but executed with an on-chain error")
)

// Orchestrator (C12) dispositions.
var (
	ErrLocked          = errors.New("orchestrator: per-token buy lock already held")
	ErrTooSmall        = errors.New("orchestrator: scaled buy amount below minimum")
	ErrPositionMissing = errors.New("orchestrator: no position held for sell input mint")
	ErrDuplicate       = errors.New("orchestrator: signature already processed")
)

// Operator surface dispositions.
var (
	ErrTraderNotFound       = errors.New("operator: no trader subscription with that name")
	ErrInsufficientBalance  = errors.New("operator: withdrawal amount exceeds held position")
)

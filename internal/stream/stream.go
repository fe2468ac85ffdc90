// Package stream implements stream ingress (C5): a gorilla/websocket
// subscription to the provider's transaction-update stream, re-sync by
// diffing, and a monotone StreamDegraded/StreamHealthy health signal.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/mr-tron/base58"

	"github.com/solrelay/copytrader/pkg/types"
)

func timeNow() time.Time { return time.Now() }

func decodeBase58(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base58.Decode(s)
}

// DegradeReason is a closed, monotone set of stream-health reason codes
// (SPEC_FULL.md §3.5).
type DegradeReason uint32

const (
	ReasonUnknown DegradeReason = iota
	ReasonSocketClosed
	ReasonReadTimeout
	ReasonAuthRejected
)

// Event is emitted on the dedicated health channel.
type Event struct {
	Kind   EventKind
	Reason DegradeReason
}

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventReconnected
)

const readTimeout = 10 * time.Second

// wireSubscribeFrame/wireUnsubscribeFrame are the minimal subscribe
// protocol frames; the provider's exact schema is operator-configured,
// but the shape (method + wallet param) is fixed here.
type wireFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// wireTx is the provider's raw push payload, normalized into types.RawTx.
type wireTx struct {
	Signature          string   `json:"signature"`
	Slot                uint64   `json:"slot"`
	AccountKeys         []string `json:"accountKeys"`
	Instructions        []wireInstruction `json:"instructions"`
	Err                 bool     `json:"err"`
	PreNativeBalances   []uint64 `json:"preBalances"`
	PostNativeBalances  []uint64 `json:"postBalances"`
	PreTokenBalances    []wireTokenBalance `json:"preTokenBalances"`
	PostTokenBalances   []wireTokenBalance `json:"postTokenBalances"`
	ComputeUnitsUsed    uint64   `json:"computeUnitsConsumed"`
	LoadedWritable      []string `json:"loadedWritableAddresses"`
	LoadedReadonly      []string `json:"loadedReadonlyAddresses"`
}

type wireInstruction struct {
	ProgramIDIndex uint16   `json:"programIdIndex"`
	Accounts       []uint16 `json:"accounts"`
	Data           string   `json:"data"` // base58
}

type wireTokenBalance struct {
	Mint     string `json:"mint"`
	Owner    string `json:"owner"`
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

// Ingress owns one long-lived WS connection and the subscribed-wallet
// set.
type Ingress struct {
	endpoint string
	log      log.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed map[solana.PublicKey]struct{}

	events chan Event
	txs    chan *types.RawTx
}

func New(endpoint string, logger log.Logger) *Ingress {
	if logger == nil {
		logger = log.Root()
	}
	return &Ingress{
		endpoint:   endpoint,
		log:        logger,
		subscribed: make(map[solana.PublicKey]struct{}),
		events:     make(chan Event, 16),
		txs:        make(chan *types.RawTx, 256),
	}
}

// Events returns the connection-state event channel.
func (i *Ingress) Events() <-chan Event { return i.events }

// Transactions returns the normalized RawTx channel.
func (i *Ingress) Transactions() <-chan *types.RawTx { return i.txs }

// Run dials and reads until ctx is cancelled, reconnecting on transient
// failures and re-issuing the full subscribed set on reconnect (not the
// diff, since the provider's subscription state is lost on disconnect).
func (i *Ingress) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := i.connectAndRead(ctx); err != nil {
			i.log.Warn("stream ingress disconnected", "err", err)
			i.emit(Event{Kind: EventDisconnected, Reason: classify(err)})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		if err := i.resubscribeAll(ctx); err == nil {
			i.emit(Event{Kind: EventReconnected})
		}
	}
}

func classify(err error) DegradeReason {
	if err == nil {
		return ReasonUnknown
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ReasonSocketClosed
	}
	if _, ok := err.(interface{ Timeout() bool }); ok {
		return ReasonReadTimeout
	}
	return ReasonUnknown
}

func (i *Ingress) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, i.endpoint, nil)
	if err != nil {
		return fmt.Errorf("stream: dial: %w", err)
	}
	i.mu.Lock()
	i.conn = conn
	i.mu.Unlock()
	defer conn.Close()

	i.emit(Event{Kind: EventConnected})

	// The provider keeps no subscription state across connections, so the
	// full subscribed set goes out on every new connection.
	if err := i.resubscribeAll(ctx); err != nil {
		return err
	}

	for {
		_ = conn.SetReadDeadline(timeNow().Add(readTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var wtx wireTx
		if err := json.Unmarshal(payload, &wtx); err != nil {
			i.log.Warn("stream: malformed payload", "err", err)
			continue
		}
		rawTx, err := normalize(wtx)
		if err != nil {
			i.log.Warn("stream: normalize failed", "err", err)
			continue
		}
		select {
		case i.txs <- rawTx:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Resync diffs desired against the subscribed set and sends
// subscribe/unsubscribe frames for the delta only.
func (i *Ingress) Resync(ctx context.Context, desired []types.TraderSubscription) error {
	i.mu.Lock()
	conn := i.conn
	current := make(map[solana.PublicKey]struct{}, len(i.subscribed))
	for k := range i.subscribed {
		current[k] = struct{}{}
	}
	i.mu.Unlock()

	want := make(map[solana.PublicKey]struct{}, len(desired))
	for _, sub := range desired {
		if sub.Active {
			want[sub.Wallet] = struct{}{}
		}
	}

	var toSub, toUnsub []solana.PublicKey
	for w := range want {
		if _, ok := current[w]; !ok {
			toSub = append(toSub, w)
		}
	}
	for w := range current {
		if _, ok := want[w]; !ok {
			toUnsub = append(toUnsub, w)
		}
	}

	if conn == nil {
		i.mu.Lock()
		i.subscribed = want
		i.mu.Unlock()
		return nil
	}

	for _, w := range toSub {
		if err := writeFrame(conn, "subscribe", w); err != nil {
			return err
		}
	}
	for _, w := range toUnsub {
		if err := writeFrame(conn, "unsubscribe", w); err != nil {
			return err
		}
	}

	i.mu.Lock()
	i.subscribed = want
	i.mu.Unlock()
	return nil
}

// resubscribeAll re-issues the entire current subscribed set after a
// reconnect, since the provider forgets subscription state on disconnect.
func (i *Ingress) resubscribeAll(ctx context.Context) error {
	i.mu.Lock()
	conn := i.conn
	wallets := make([]solana.PublicKey, 0, len(i.subscribed))
	for w := range i.subscribed {
		wallets = append(wallets, w)
	}
	i.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("stream: no active connection to resubscribe on")
	}
	for _, w := range wallets {
		if err := writeFrame(conn, "subscribe", w); err != nil {
			return err
		}
	}
	return nil
}

func writeFrame(conn *websocket.Conn, method string, wallet solana.PublicKey) error {
	frame := wireFrame{Method: method, Params: []string{wallet.String()}}
	return conn.WriteJSON(frame)
}

func (i *Ingress) emit(e Event) {
	select {
	case i.events <- e:
	default:
		// health channel is observability, not correctness-critical; drop
		// rather than block ingestion.
	}
}

func normalize(w wireTx) (*types.RawTx, error) {
	sig, err := solana.SignatureFromBase58(w.Signature)
	if err != nil {
		return nil, fmt.Errorf("stream: bad signature: %w", err)
	}
	keys := make([]solana.PublicKey, len(w.AccountKeys))
	for i, k := range w.AccountKeys {
		pk, err := solana.PublicKeyFromBase58(k)
		if err != nil {
			return nil, fmt.Errorf("stream: bad account key: %w", err)
		}
		keys[i] = pk
	}
	instructions := make([]types.RawInstruction, len(w.Instructions))
	for i, wi := range w.Instructions {
		data, err := decodeBase58(wi.Data)
		if err != nil {
			return nil, fmt.Errorf("stream: bad instruction data: %w", err)
		}
		instructions[i] = types.RawInstruction{
			ProgramIDIndex: wi.ProgramIDIndex,
			AccountIndexes: wi.Accounts,
			Data:           data,
		}
	}
	preTB, err := normalizeTokenBalances(w.PreTokenBalances)
	if err != nil {
		return nil, err
	}
	postTB, err := normalizeTokenBalances(w.PostTokenBalances)
	if err != nil {
		return nil, err
	}
	loadedW, err := normalizeKeys(w.LoadedWritable)
	if err != nil {
		return nil, err
	}
	loadedR, err := normalizeKeys(w.LoadedReadonly)
	if err != nil {
		return nil, err
	}

	return &types.RawTx{
		Signature:    sig,
		Slot:         w.Slot,
		AccountKeys:  keys,
		Instructions: instructions,
		Meta: types.TxMeta{
			Err:                w.Err,
			PreNativeBalances:  w.PreNativeBalances,
			PostNativeBalances: w.PostNativeBalances,
			PreTokenBalances:   preTB,
			PostTokenBalances:  postTB,
			ComputeUnitsUsed:   w.ComputeUnitsUsed,
			LoadedWritable:     loadedW,
			LoadedReadonly:     loadedR,
		},
		ObservedAt: timeNow(),
	}, nil
}

func normalizeKeys(in []string) ([]solana.PublicKey, error) {
	out := make([]solana.PublicKey, len(in))
	for i, k := range in {
		pk, err := solana.PublicKeyFromBase58(k)
		if err != nil {
			return nil, fmt.Errorf("stream: bad loaded key: %w", err)
		}
		out[i] = pk
	}
	return out, nil
}

func normalizeTokenBalances(in []wireTokenBalance) ([]types.TokenBalanceRecord, error) {
	out := make([]types.TokenBalanceRecord, len(in))
	for i, tb := range in {
		mint, err := solana.PublicKeyFromBase58(tb.Mint)
		if err != nil {
			return nil, fmt.Errorf("stream: bad mint: %w", err)
		}
		owner, err := solana.PublicKeyFromBase58(tb.Owner)
		if err != nil {
			return nil, fmt.Errorf("stream: bad owner: %w", err)
		}
		amount, ok := new(big.Int).SetString(tb.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("stream: bad token amount %q", tb.Amount)
		}
		out[i] = types.TokenBalanceRecord{Mint: mint, Owner: owner, Amount: amount, Decimals: tb.Decimals}
	}
	return out, nil
}

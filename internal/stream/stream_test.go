package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/solrelay/copytrader/pkg/types"
)

func TestNormalize_HappyPath(t *testing.T) {
	master := solana.NewWallet().PublicKey()
	w := wireTx{
		Signature:          solana.Signature{1, 2, 3}.String(),
		Slot:               42,
		AccountKeys:        []string{master.String()},
		PreNativeBalances:  []uint64{1_000_000},
		PostNativeBalances: []uint64{900_000},
		Instructions: []wireInstruction{
			{ProgramIDIndex: 0, Accounts: []uint16{0}, Data: ""},
		},
	}

	tx, err := normalize(w)
	assert.NoError(t, err)
	assert.Equal(t, uint64(42), tx.Slot)
	assert.True(t, tx.AccountKeys[0].Equals(master))
	assert.Len(t, tx.Instructions, 1)
}

func TestNormalize_RejectsBadSignature(t *testing.T) {
	_, err := normalize(wireTx{Signature: "not-a-signature"})
	assert.Error(t, err)
}

func TestNormalize_RejectsBadAccountKey(t *testing.T) {
	_, err := normalize(wireTx{
		Signature:   solana.Signature{1}.String(),
		AccountKeys: []string{"not-a-pubkey"},
	})
	assert.Error(t, err)
}

func TestNormalizeTokenBalances_RejectsBadMint(t *testing.T) {
	_, err := normalizeTokenBalances([]wireTokenBalance{
		{Mint: "bad-mint", Owner: solana.NewWallet().PublicKey().String(), Amount: "100"},
	})
	assert.Error(t, err)
}

func TestNormalizeTokenBalances_RejectsBadAmount(t *testing.T) {
	_, err := normalizeTokenBalances([]wireTokenBalance{
		{
			Mint:   solana.NewWallet().PublicKey().String(),
			Owner:  solana.NewWallet().PublicKey().String(),
			Amount: "not-a-number",
		},
	})
	assert.Error(t, err)
}

func TestNormalizeTokenBalances_RoundTrip(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()
	out, err := normalizeTokenBalances([]wireTokenBalance{
		{Mint: mint.String(), Owner: owner.String(), Amount: "12345", Decimals: 6},
	})
	assert.NoError(t, err)
	assert.Len(t, out, 1)
	assert.True(t, out[0].Mint.Equals(mint))
	assert.Equal(t, "12345", out[0].Amount.String())
}

func TestDecodeBase58_EmptyStringYieldsNil(t *testing.T) {
	out, err := decodeBase58("")
	assert.NoError(t, err)
	assert.Nil(t, out)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify_NilIsUnknown(t *testing.T) {
	assert.Equal(t, ReasonUnknown, classify(nil))
}

func TestClassify_TimeoutErrorIsReadTimeout(t *testing.T) {
	assert.Equal(t, ReasonReadTimeout, classify(timeoutErr{}))
}

func TestClassify_CloseNormalClosureIsSocketClosed(t *testing.T) {
	err := &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}
	assert.Equal(t, ReasonSocketClosed, classify(err))
}

func TestEmit_DropsWhenChannelFull(t *testing.T) {
	i := New("ws://unused", nil)
	for n := 0; n < 16; n++ {
		i.emit(Event{Kind: EventConnected})
	}
	// channel (cap 16) is now full; this must not block.
	done := make(chan struct{})
	go func() {
		i.emit(Event{Kind: EventDisconnected})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full channel")
	}
}

// newEchoWSServer starts a websocket server that records every JSON
// frame it receives and appends it to received. The slice is not guarded;
// each test reads it only after a short sleep.
func newEchoWSServer(t *testing.T, received *[]wireFrame) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f wireFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			*received = append(*received, f)
		}
	}))
	return srv
}

func dialTestServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NoError(t, err)
	return conn
}

func TestResync_NoConnectionJustRecordsDesiredState(t *testing.T) {
	i := New("ws://unused", nil)
	master := solana.NewWallet().PublicKey()

	err := i.Resync(context.Background(), []types.TraderSubscription{{Wallet: master, Active: true}})
	assert.NoError(t, err)
	assert.Contains(t, i.subscribed, master)
}

func TestResync_SendsSubscribeFramesForNewWallets(t *testing.T) {
	var received []wireFrame
	srv := newEchoWSServer(t, &received)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	i := New(srv.URL, nil)
	i.conn = conn

	master := solana.NewWallet().PublicKey()
	err := i.Resync(context.Background(), []types.TraderSubscription{{Wallet: master, Active: true}})
	assert.NoError(t, err)

	// give the server goroutine a moment to read the frame.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, received, 1)
	assert.Equal(t, "subscribe", received[0].Method)
	assert.Equal(t, []string{master.String()}, received[0].Params)
}

func TestResync_SendsUnsubscribeForRemovedWallets(t *testing.T) {
	var received []wireFrame
	srv := newEchoWSServer(t, &received)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	i := New(srv.URL, nil)
	i.conn = conn
	master := solana.NewWallet().PublicKey()
	i.subscribed[master] = struct{}{}

	err := i.Resync(context.Background(), nil)
	assert.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, received, 1)
	assert.Equal(t, "unsubscribe", received[0].Method)
	assert.Empty(t, i.subscribed)
}

// Command copytrader wires C1-C12 together and runs the pipeline until
// terminated, mirroring the teacher's cmd/main.go wiring order: load
// secrets, load config, dial clients, construct the domain object, run
// with a report channel drained on the main goroutine.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"

	"github.com/solrelay/copytrader/configs"
	"github.com/solrelay/copytrader/internal/cloner"
	"github.com/solrelay/copytrader/internal/db"
	"github.com/solrelay/copytrader/internal/dispatcher"
	"github.com/solrelay/copytrader/internal/filter"
	"github.com/solrelay/copytrader/internal/leader"
	"github.com/solrelay/copytrader/internal/netclient"
	"github.com/solrelay/copytrader/internal/orchestrator"
	"github.com/solrelay/copytrader/internal/platform"
	"github.com/solrelay/copytrader/internal/poller"
	"github.com/solrelay/copytrader/internal/secretstore"
	"github.com/solrelay/copytrader/internal/state"
	"github.com/solrelay/copytrader/internal/stream"
	"github.com/solrelay/copytrader/internal/vault"
	"github.com/solrelay/copytrader/pkg/types"
)

func main() {
	logger := log.Root()

	secrets, err := configs.LoadSecrets()
	if err != nil {
		panic(err)
	}

	configPath := os.Getenv("COPYTRADER_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yml"
	}
	cfg, err := configs.LoadConfig(configPath)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	net, err := netclient.New(ctx, netclient.Endpoints{
		RPC:    cfg.HeliusEndpoints.RPC,
		WS:     cfg.HeliusEndpoints.WS,
		Stream: cfg.HeliusEndpoints.Stream,
		Sender: cfg.HeliusEndpoints.Sender,
	}, logger)
	if err != nil {
		panic(fmt.Errorf("main: netclient: %w", err))
	}

	store, err := db.Open(cfg.MySQLDSN)
	if err != nil {
		panic(fmt.Errorf("main: db: %w", err))
	}
	defer store.Close()

	box, err := secretstore.New(secrets.WalletEncryptionKey)
	if err != nil {
		panic(fmt.Errorf("main: secretstore: %w", err))
	}
	wallets := vault.New(box, store, net)

	endpointByID := make(map[solana.PublicKey]string, len(cfg.LeaderEndpoints))
	for _, le := range cfg.LeaderEndpoints {
		pub, err := solana.PublicKeyFromBase58(le.Leader)
		if err != nil {
			logger.Warn("main: skipping malformed leader endpoint entry", "leader", le.Leader, "err", err)
			continue
		}
		endpointByID[pub] = le.Endpoint
	}
	leaderTracker, err := leader.New(net, endpointByID, logger)
	if err != nil {
		panic(fmt.Errorf("main: leader tracker: %w", err))
	}
	go func() {
		if err := leaderTracker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("leader tracker stopped", "err", err)
		}
	}()

	redisStore := state.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	locks := state.NewLocks(redisStore)
	dedup := state.NewDedup(redisStore)
	prices := state.NewPriceCache(redisStore, cfg.Janitor.MarketCapThreshold, cfg.JanitorGrace(), logger)
	go prices.RunJanitor(ctx, time.Minute,
		func() []string { return nil },
		func(mint string) (float64, time.Time, bool) { return 0, time.Time{}, false },
	)

	table := platform.DefaultTable()
	cl := cloner.New(table, net, wallets)
	disp := dispatcher.New(leaderTracker, net, cfg.HeliusEndpoints.Sender, time.Now)

	minBuyNative, ok := new(big.Int).SetString(cfg.MinBuyNative, 10)
	if !ok {
		minBuyNative = big.NewInt(1_000_000)
	}

	var tipAccount solana.PublicKey
	if cfg.JitoTipAccount != "" {
		if pub, err := solana.PublicKeyFromBase58(cfg.JitoTipAccount); err == nil {
			tipAccount = pub
		} else {
			logger.Warn("main: ignoring malformed jitoTipAccount", "value", cfg.JitoTipAccount, "err", err)
		}
	}

	orch := orchestrator.New(
		table,
		filter.Config{
			MinNativeDelta: big.NewInt(100_000),
			MaxAge:         cfg.MaxAge(),
			SlotDuration:   cfg.SlotDuration(),
		},
		locks,
		dedup,
		cl,
		disp,
		store,
		net,
		cfg.WorkerPoolSize,
		logger,
	)
	go logEvents(ctx, orch, logger)

	pipeline := func(ctx context.Context, tx *types.RawTx, master solana.PublicKey) {
		users, err := store.UsersForMaster(ctx, master)
		if err != nil {
			logger.Warn("main: subscriber lookup failed", "master", master, "err", err)
			return
		}
		slot := leaderTracker.CurrentSlot()
		for _, u := range users {
			orch.Submit(ctx, tx, orchestrator.UserContext{
				UserID:          u.UserID,
				User:            u.User,
				Master:          master,
				ScaleFactor:     u.ScaleFactor,
				SlippageBps:     u.SlippageBps,
				MinBuyNative:    minBuyNative,
				SkipConfirm:     false,
				JitoTipLamports: cfg.DefaultJitoTipLamports,
				TipAccount:      tipAccount,
			}, slot)
		}
	}

	breaker := poller.NewCircuitBreaker(5*time.Minute, 10)
	fallback := poller.New(net, store, pipeline, logger)

	ingress := stream.New(cfg.HeliusEndpoints.Stream, logger)
	go func() {
		if err := ingress.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("stream ingress stopped", "err", err)
		}
	}()
	go watchStreamHealth(ctx, ingress, fallback, breaker, logger)
	go pumpTransactions(ctx, ingress, pipeline)

	initial, err := store.ActiveSubscriptions(ctx)
	if err != nil {
		logger.Warn("main: initial subscription load failed", "err", err)
	} else if err := ingress.Resync(ctx, initial); err != nil {
		logger.Warn("main: initial resync failed", "err", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	fallback.Stop()
	orch.Shutdown(5 * time.Second)
}

func pumpTransactions(ctx context.Context, ingress *stream.Ingress, pipeline poller.Pipeline) {
	for {
		select {
		case <-ctx.Done():
			return
		case tx, ok := <-ingress.Transactions():
			if !ok {
				return
			}
			if len(tx.AccountKeys) == 0 {
				continue
			}
			pipeline(ctx, tx, tx.AccountKeys[0])
		}
	}
}

// watchStreamHealth implements spec.md §7's StreamDegraded disposition:
// feed reconnect/disconnect events into the circuit breaker and flip the
// fallback poller on when it trips, off when the stream recovers.
func watchStreamHealth(ctx context.Context, ingress *stream.Ingress, fallback *poller.Poller, breaker *poller.CircuitBreaker, logger log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ingress.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case stream.EventDisconnected:
				critical := ev.Reason == stream.ReasonAuthRejected
				if breaker.RecordError(critical) {
					logger.Warn("stream degraded, starting fallback poller", "reason", ev.Reason)
					fallback.Start(ctx)
				}
			case stream.EventReconnected, stream.EventConnected:
				breaker.Reset()
				fallback.Stop()
			}
		}
	}
}

func logEvents(ctx context.Context, orch *orchestrator.Orchestrator, logger log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-orch.Events():
			if !ok {
				return
			}
			logger.Info("pipeline event", "event", ev.JSON())
		}
	}
}

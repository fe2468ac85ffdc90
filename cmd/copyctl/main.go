// Command copyctl is a thin CLI over pkg/operator's eight verbs,
// standing in for the "operator chat interface" spec.md §1 calls out as
// an external collaborator: some upward interface must exist, and a CLI
// is the natural one to ship with this repo.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"

	"github.com/solrelay/copytrader/configs"
	"github.com/solrelay/copytrader/internal/db"
	"github.com/solrelay/copytrader/internal/netclient"
	"github.com/solrelay/copytrader/internal/secretstore"
	"github.com/solrelay/copytrader/internal/stream"
	"github.com/solrelay/copytrader/internal/vault"
	"github.com/solrelay/copytrader/pkg/operator"
)

func main() {
	app := &cli.App{
		Name:  "copyctl",
		Usage: "operate a running copytrader instance's trader subscriptions, sizing, and withdrawals",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "configs/config.yml", Usage: "path to config.yml"},
			&cli.StringFlag{Name: "user", Required: true, Usage: "local user id"},
		},
		Commands: []*cli.Command{
			addTraderCmd,
			removeTraderCmd,
			activateCmd,
			deactivateCmd,
			setScaleFactorCmd,
			setSlippageBpsCmd,
			withdrawCmd,
			resetDataCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "copyctl:", err)
		os.Exit(1)
	}
}

var addTraderCmd = &cli.Command{
	Name:      "add-trader",
	Usage:     "mirror a new master wallet (inactive until activated)",
	ArgsUsage: "<display-name> <wallet-pubkey>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 2 {
			return cli.Exit("expected <display-name> <wallet-pubkey>", 1)
		}
		name := c.Args().Get(0)
		wallet, err := solana.PublicKeyFromBase58(c.Args().Get(1))
		if err != nil {
			return cli.Exit(fmt.Errorf("bad wallet pubkey: %w", err), 1)
		}
		return withOperator(c, func(ctx context.Context, op *operator.Operator) error {
			return op.AddTrader(ctx, c.String("user"), name, wallet)
		})
	},
}

var removeTraderCmd = &cli.Command{
	Name:      "remove-trader",
	Usage:     "stop mirroring a master wallet",
	ArgsUsage: "<display-name>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return cli.Exit("expected <display-name>", 1)
		}
		return withOperator(c, func(ctx context.Context, op *operator.Operator) error {
			return op.RemoveTrader(ctx, c.String("user"), c.Args().First())
		})
	},
}

var activateCmd = &cli.Command{
	Name:      "activate",
	Usage:     "bring a trader subscription into the active set",
	ArgsUsage: "<display-name>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return cli.Exit("expected <display-name>", 1)
		}
		return withOperator(c, func(ctx context.Context, op *operator.Operator) error {
			return op.Activate(ctx, c.String("user"), c.Args().First())
		})
	},
}

var deactivateCmd = &cli.Command{
	Name:      "deactivate",
	Usage:     "take a trader subscription out of the active set",
	ArgsUsage: "<display-name>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return cli.Exit("expected <display-name>", 1)
		}
		return withOperator(c, func(ctx context.Context, op *operator.Operator) error {
			return op.Deactivate(ctx, c.String("user"), c.Args().First())
		})
	},
}

var setScaleFactorCmd = &cli.Command{
	Name:      "set-scale-factor",
	Usage:     "set how much of a master's trade size is mirrored, in (0, 1]",
	ArgsUsage: "<display-name> <factor>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 2 {
			return cli.Exit("expected <display-name> <factor>", 1)
		}
		var factor float64
		if _, err := fmt.Sscanf(c.Args().Get(1), "%f", &factor); err != nil {
			return cli.Exit(fmt.Errorf("bad factor: %w", err), 1)
		}
		return withOperator(c, func(ctx context.Context, op *operator.Operator) error {
			return op.SetScaleFactor(ctx, c.String("user"), c.Args().Get(0), factor)
		})
	},
}

var setSlippageBpsCmd = &cli.Command{
	Name:      "set-slippage-bps",
	Usage:     "set per-trader slippage tolerance in basis points",
	ArgsUsage: "<display-name> <bps>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 2 {
			return cli.Exit("expected <display-name> <bps>", 1)
		}
		var bps uint32
		if _, err := fmt.Sscanf(c.Args().Get(1), "%d", &bps); err != nil {
			return cli.Exit(fmt.Errorf("bad bps: %w", err), 1)
		}
		return withOperator(c, func(ctx context.Context, op *operator.Operator) error {
			return op.SetSlippageBps(ctx, c.String("user"), c.Args().Get(0), bps)
		})
	},
}

var withdrawCmd = &cli.Command{
	Name:      "withdraw",
	Usage:     "send held tokens to a destination address",
	ArgsUsage: "<mint> <to> <amount-raw>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 3 {
			return cli.Exit("expected <mint> <to> <amount-raw>", 1)
		}
		mint, err := solana.PublicKeyFromBase58(c.Args().Get(0))
		if err != nil {
			return cli.Exit(fmt.Errorf("bad mint: %w", err), 1)
		}
		to, err := solana.PublicKeyFromBase58(c.Args().Get(1))
		if err != nil {
			return cli.Exit(fmt.Errorf("bad destination: %w", err), 1)
		}
		amount, ok := new(big.Int).SetString(c.Args().Get(2), 10)
		if !ok {
			return cli.Exit("bad amount-raw: not a base-10 integer", 1)
		}
		return withOperator(c, func(ctx context.Context, op *operator.Operator) error {
			return op.Withdraw(ctx, c.String("user"), mint, to, amount)
		})
	},
}

var resetDataCmd = &cli.Command{
	Name:  "reset-data",
	Usage: "wipe a user's trader subscriptions, positions, and withdrawal history",
	Action: func(c *cli.Context) error {
		return withOperator(c, func(ctx context.Context, op *operator.Operator) error {
			return op.ResetData(ctx, c.String("user"))
		})
	},
}

// withOperator constructs the minimal wiring one verb invocation needs
// (DB, vault, network client, stream ingress for resync) and tears it
// down after the action runs. A long-lived process would share this
// wiring across calls; a one-shot CLI invocation rebuilds it each time.
func withOperator(c *cli.Context, action func(ctx context.Context, op *operator.Operator) error) error {
	ctx := c.Context

	secrets, err := configs.LoadSecrets()
	if err != nil {
		return err
	}
	cfg, err := configs.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}

	logger := log.Root()

	net, err := netclient.New(ctx, netclient.Endpoints{
		RPC:    cfg.HeliusEndpoints.RPC,
		WS:     cfg.HeliusEndpoints.WS,
		Stream: cfg.HeliusEndpoints.Stream,
		Sender: cfg.HeliusEndpoints.Sender,
	}, logger)
	if err != nil {
		return err
	}

	store, err := db.Open(cfg.MySQLDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	box, err := secretstore.New(secrets.WalletEncryptionKey)
	if err != nil {
		return err
	}
	wallets := vault.New(box, store, net)

	ingress := stream.New(cfg.HeliusEndpoints.Stream, logger)
	op := operator.New(store, ingress, wallets, net, logger)

	return action(ctx, op)
}

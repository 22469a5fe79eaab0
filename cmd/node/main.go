package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/params"
	"github.com/uhyunpark/custodex/pkg/api"
	"github.com/uhyunpark/custodex/pkg/app/core/custody"
	"github.com/uhyunpark/custodex/pkg/app/core/exchange"
	"github.com/uhyunpark/custodex/pkg/gossip"
	"github.com/uhyunpark/custodex/pkg/util"
)

// Devnet fixtures shared with cmd/seed.
var (
	demoToken    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	demoAccounts = []common.Address{
		common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		common.HexToAddress("0x00000000000000000000000000000000000000a2"),
	}
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Custody ----
	// With CHAIN_RPC set the node custodies real assets over JSON-RPC.
	// Without it, devnet mode: an in-process bank simulates wallets and
	// allowances so the full deposit/withdraw path is exercisable locally.
	var (
		tokens custody.TokenCustody
		native custody.NativeTransport
	)
	if cfg.Custody.ChainRPC != "" {
		chain, err := custody.DialChain(ctx, cfg.Custody.ChainRPC, cfg.Custody.CustodyKey)
		if err != nil {
			sugar.Fatalw("custody_dial_failed", "rpc", cfg.Custody.ChainRPC, "err", err)
		}
		tokens, native = chain, chain
		sugar.Infow("custody_ready", "mode", "chain", "wallet", chain.Wallet().Hex())
	} else {
		bank := custody.NewSimBank()
		// Pre-fund the demo wallets so the seed tool can run deposits
		// end to end, the way a dev chain pre-funds its accounts.
		demoAmount := new(uint256.Int).Mul(uint256.NewInt(1_000_000), uint256.NewInt(1_000_000_000_000_000_000))
		for _, acct := range demoAccounts {
			bank.Mint(demoToken, acct, demoAmount)
			bank.Approve(demoToken, acct, demoAmount)
		}
		tokens, native = bank, bank
		sugar.Infow("custody_ready", "mode", "devnet", "demo_token", demoToken.Hex())
	}

	// ---- Exchange ----
	x, err := exchange.Open(exchange.Config{
		DBPath:     cfg.Exchange.DBPath,
		FeeAccount: cfg.Exchange.FeeAccount,
		FeePercent: cfg.Exchange.FeePercent,
		Tokens:     tokens,
		Native:     native,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("exchange_open_failed", "db", cfg.Exchange.DBPath, "err", err)
	}
	defer x.Close()
	sugar.Infow("exchange_open",
		"db", cfg.Exchange.DBPath,
		"fee_account", x.FeeAccount().Hex(),
		"fee_percent", x.FeePercent(),
		"orders", x.OrderCount())

	// ---- Gossip (optional) ----
	// Publishes every confirmed event to a gossipsub topic for off-node
	// indexers. Must be wired before the API serves traffic: subscribers
	// registered after the first operation would miss events.
	if cfg.Node.EnableGossip {
		pub, err := gossip.NewPublisher(ctx, gossip.Config{
			ListenAddr: cfg.Node.GossipListen,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Fatalw("gossip_init_failed", "err", err)
		}
		defer pub.Close()
		x.Subscribe(func(e exchange.Event) { pub.Publish(ctx, e) })
	}

	// ---- API Server ----
	apiServer := api.NewServer(x, sugar)
	go func() {
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_started", "api_addr", cfg.Node.APIAddr, "gossip", cfg.Node.EnableGossip)
	<-ctx.Done()
	sugar.Info("shutting down")
}

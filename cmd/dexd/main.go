package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hyruo/etherdex/params"
	"github.com/hyruo/etherdex/pkg/api"
	"github.com/hyruo/etherdex/pkg/core"
	"github.com/hyruo/etherdex/pkg/core/exchange"
	"github.com/hyruo/etherdex/pkg/core/journal"
	"github.com/hyruo/etherdex/pkg/core/token"
	"github.com/hyruo/etherdex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	// ---- Token ledger: genesis mint to the deployer ----
	supply := new(big.Int).Mul(
		big.NewInt(cfg.Token.Supply),
		new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.Token.Decimals)), nil),
	)
	tok := token.New(
		common.HexToAddress(cfg.Token.Address),
		cfg.Token.Name,
		cfg.Token.Symbol,
		cfg.Token.Decimals,
		supply,
		common.HexToAddress(cfg.Token.Deployer),
	)
	registry := token.NewRegistry()
	if err := registry.Register(tok); err != nil {
		sugar.Fatalw("token_register_failed", "err", err)
	}
	sugar.Infow("token_deployed",
		"address", tok.Address().Hex(),
		"symbol", tok.Symbol(),
		"supply", supply,
		"deployer", cfg.Token.Deployer)

	// ---- Exchange: recover persisted ledger state ----
	store, err := exchange.NewStore(cfg.Node.DataDir)
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Node.DataDir, "err", err)
	}
	defer store.Close()

	x, err := exchange.New(exchange.Config{
		Address:    common.HexToAddress(cfg.Exchange.Address),
		FeeAccount: common.HexToAddress(cfg.Exchange.FeeAccount),
		FeePercent: cfg.Exchange.FeePercent,
		Tokens:     registry,
		Clock:      util.RealClock{},
		Store:      store,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("exchange_init_failed", "err", err)
	}
	sugar.Infow("exchange_ready",
		"fee_account", cfg.Exchange.FeeAccount,
		"fee_percent", cfg.Exchange.FeePercent,
		"orders", x.OrderCount(),
		"state_hash", x.StateHash().Hex())

	// ---- Event journal ----
	var jnl journal.Journal = journal.NewNop()
	if cfg.Node.Journal != "" {
		fj, err := journal.NewFileJournal(cfg.Node.Journal)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Node.Journal, "err", err)
		}
		defer fj.Close()
		jnl = fj
		sugar.Infow("event_journal", "path", cfg.Node.Journal)
	}

	// ---- API server ----
	apiServer := api.NewServer(x, registry, sugar)

	// Every emitted event lands in the journal and the WebSocket feed.
	x.OnEvent = func(ev core.Event) {
		if err := jnl.Append(ev); err != nil {
			sugar.Errorw("journal_append_failed", "event", ev.Name(), "err", err)
		}
		apiServer.BroadcastEvent(ev)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := apiServer.Start(cfg.API.Addr, cfg.API.AllowedOrigins); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()
	sugar.Infow("dexd_started", "api_addr", cfg.API.Addr)

	<-ctx.Done()
	sugar.Info("shutting down")
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"nftlend/custody"
	nativecommon "nftlend/native/common"
	"nftlend/native/lending"
	"nftlend/observability/logging"
	"nftlend/observability/metrics"
	"nftlend/oracle"
	"nftlend/services/lendingd/config"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("lendingd", cfg.Environment, cfg.LogLevel)

	custodyKey, err := crypto.LoadECDSA(cfg.Chain.KeyPath)
	if err != nil {
		log.Fatalf("load custody key: %v", err)
	}
	adminHex := strings.TrimSpace(os.Getenv(cfg.Chain.AdminKeyEnv))
	if adminHex == "" {
		log.Fatalf("administrator key missing: set %s", cfg.Chain.AdminKeyEnv)
	}
	adminKey, err := crypto.HexToECDSA(strings.TrimPrefix(adminHex, "0x"))
	if err != nil {
		log.Fatalf("parse administrator key: %v", err)
	}
	adminAddr := crypto.PubkeyToAddress(adminKey.PublicKey)
	engineAddr := crypto.PubkeyToAddress(custodyKey.PublicKey)

	client, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		log.Fatalf("dial chain rpc: %v", err)
	}
	defer client.Close()
	chainID := big.NewInt(cfg.Chain.ChainID)

	erc721, err := custody.NewERC721Custody(client, custodyKey, chainID)
	if err != nil {
		log.Fatalf("build erc721 custody: %v", err)
	}
	value, err := custody.NewNativeValue(client, custodyKey, chainID)
	if err != nil {
		log.Fatalf("build value adapter: %v", err)
	}

	params := lending.Params{}
	if cfg.ParamsPath != "" {
		params, err = lending.LoadParams(cfg.ParamsPath)
		if err != nil {
			log.Fatalf("load lending params: %v", err)
		}
	}
	params.EnsureDefaults()

	engine := lending.NewEngine(adminAddr, engineAddr)
	engine.SetPorts(erc721, value)
	engine.SetParams(params)

	eventLog := NewEventLog(logger, metrics.Lending())
	engine.SetEmitter(eventLog)

	priceOracle := oracle.New(oracle.Config{
		MaxQuoteAge:     cfg.Oracle.MaxQuoteAge,
		MaxDeviationBps: cfg.Oracle.MaxDeviationBps,
		MinSources:      cfg.Oracle.MinSources,
	})
	feeds := make([]*oracle.FeedClient, 0, len(cfg.Oracle.Feeds))
	for _, feedCfg := range cfg.Oracle.Feeds {
		feed, err := oracle.NewFeedClient(feedCfg.Name, feedCfg.URL, 10*time.Second)
		if err != nil {
			log.Fatalf("build oracle feed %s: %v", feedCfg.Name, err)
		}
		feeds = append(feeds, feed)
	}

	store, err := OpenApprovalStore(filepath.Join(cfg.DataDir, "approvals"))
	if err != nil {
		log.Fatalf("open approval store: %v", err)
	}
	defer store.Close()

	intents := NewIntentBook()
	watcher := NewApprovalWatcher(WatcherDeps{
		Chain:          client,
		Custody:        erc721,
		Store:          store,
		Engine:         engine,
		Checker:        erc721,
		Oracle:         priceOracle,
		Intents:        intents,
		Operator:       engineAddr,
		Collections:    cfg.CollectionAddresses(),
		AdvanceRateBps: params.AdvanceRateBps,
		Quota: nativecommon.Quota{
			MaxRequestsPerEpoch:  cfg.Watcher.MaxLoansPerEpoch,
			MaxPrincipalPerEpoch: cfg.Watcher.MaxPrincipalPerEpoch,
			EpochSeconds:         cfg.Watcher.QuotaEpochSeconds,
		},
		PollInterval:  cfg.Watcher.PollInterval,
		Confirmations: cfg.Watcher.Confirmations,
		StartBlock:    cfg.Watcher.StartBlock,
		Log:           logger,
	})
	sweeper := NewLiquidationSweeper(engine, priceOracle, cfg.Liquidation.SweepInterval, logger)

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	server := NewServer(engine, priceOracle, eventLog, intents, cfg.Auth.APITokens, limiter, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(feeds) > 0 {
		poller := oracle.NewPoller(priceOracle, feeds, cfg.CollectionAddresses(), cfg.Oracle.PollInterval, logger)
		go poller.Run(ctx)
	}
	go watcher.Run(ctx)
	go sweeper.Run(ctx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening",
			"addr", cfg.ListenAddress,
			"administrator", adminAddr.Hex(),
			"custody", engineAddr.Hex(),
		)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}

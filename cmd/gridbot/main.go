// Command gridbot runs one or more grid market-making bots against a DEX
// account. A YAML config loaded via internal/bootstrap.App supplies the
// full tree, and a handful of per-bot CLI flags override a single named
// bot's identity fields for ad hoc runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"dexgrid/internal/accountant"
	"dexgrid/internal/asynclock"
	"dexgrid/internal/bootstrap"
	"dexgrid/internal/chain"
	"dexgrid/internal/config"
	"dexgrid/internal/core"
	"dexgrid/internal/feecache"
	"dexgrid/internal/fillprocessor"
	"dexgrid/internal/grid"
	"dexgrid/internal/infrastructure/health"
	"dexgrid/internal/mock"
	"dexgrid/internal/nodemanager"
	"dexgrid/internal/pipeline"
	"dexgrid/internal/store"
	"dexgrid/internal/strategy"
	"dexgrid/internal/telemetry"
	"dexgrid/pkg/cli"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "configs/gridbot.yaml", "path to the gridbot YAML config")
	logLevel := flag.String("log-level", "", "overrides config.logging.level (debug|info|warn|error)")
	botFlag := flag.String("bot", "", "name of the single bot in config.bots to override with the flags below")
	poolFlag := flag.String("pool", "", "overrides the named bot's pool id")
	precAFlag := flag.Int("precA", -1, "overrides the named bot's asset A precision")
	precBFlag := flag.Int("precB", -1, "overrides the named bot's asset B precision")
	intervalFlag := flag.String("interval", "", "overrides the named bot's maintenance tick interval")
	lookbackFlag := flag.Int("lookback", -1, "overrides the named bot's fill lookback window in hours")
	apiKeyFlag := flag.String("apiKey", "", "overrides the named bot's API key reference (base64)")
	chainFlag := flag.String("chain", "mock", "chain transport: only \"mock\" is supported (the real wire protocol is an external collaborator)")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gridbot: %v\n", err)
		os.Exit(1)
	}

	if err := applyBotOverrides(app.Cfg, *botFlag, *poolFlag, *precAFlag, *precBFlag, *intervalFlag, *lookbackFlag, *apiKeyFlag); err != nil {
		app.Logger.Error("flag override rejected", "error", err)
		os.Exit(1)
	}

	if *chainFlag != "mock" {
		app.Logger.Error("unsupported chain transport", "chain", *chainFlag)
		os.Exit(1)
	}

	runners, cleanup, err := buildRunners(app)
	if err != nil {
		app.Logger.Error("failed to build bot runners", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := app.Run(runners...); err != nil {
		os.Exit(1)
	}
}

// applyBotOverrides rejects shell-metacharacter-bearing flag values via
// cli.ValidateInput and, when botName names an existing config.Bots entry,
// overwrites only the fields whose flags were actually given.
func applyBotOverrides(cfg *config.Config, botName, pool string, precA, precB int, interval string, lookback int, apiKey string) error {
	if botName == "" {
		return nil
	}
	for _, v := range []string{botName, pool, interval, apiKey} {
		if v == "" {
			continue
		}
		if err := cli.ValidateInput(v); err != nil {
			return fmt.Errorf("bot override: %w", err)
		}
	}

	for i := range cfg.Bots {
		if cfg.Bots[i].Name != botName {
			continue
		}
		if pool != "" {
			cfg.Bots[i].Pool = pool
		}
		if precA >= 0 {
			cfg.Bots[i].AssetAPrec = uint8(precA)
		}
		if precB >= 0 {
			cfg.Bots[i].AssetBPrec = uint8(precB)
		}
		if interval != "" {
			cfg.Bots[i].Interval = interval
		}
		if lookback >= 0 {
			cfg.Bots[i].LookbackHours = lookback
		}
		if apiKey != "" {
			cfg.Bots[i].APIKey = config.Secret(apiKey)
		}
		return nil
	}
	return fmt.Errorf("--bot %q does not match any bot in config.bots", botName)
}

// botRunner adapts one pipeline.Bot into a bootstrap.Runner: it ticks
// MaintenanceTick on the bot's configured interval and drains cleanly on
// context cancellation rather than leaving a tick half finished.
type botRunner struct {
	name     string
	bot      *pipeline.Bot
	interval time.Duration
	logger   core.ILogger
}

func (r *botRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("bot started", "bot", r.name, "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("bot shutting down", "bot", r.name, "state", r.bot.State())
			return nil
		case <-ticker.C:
			if err := r.bot.MaintenanceTick(ctx); err != nil {
				r.logger.Error("maintenance tick failed", "bot", r.name, "error", err)
			}
		}
	}
}

// buildRunners wires every shared collaborator (node manager, fee cache,
// durable workflow runtime, store) once, then one Bot per config.Bots entry
// with its own mock chain client, MasterGrid, Accountant, and AsyncLock:
// bots never share slots, funds, or persistence files.
func buildRunners(app *bootstrap.App) ([]bootstrap.Runner, func(), error) {
	cfg := app.Cfg
	logger := app.Logger
	ctx := context.Background()

	tel, err := telemetry.Setup(cfg.Telemetry.ServiceName, cfg.Telemetry.EnableTracing)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry setup: %w", err)
	}
	metricsSrv := telemetry.NewServer(cfg.Telemetry.MetricsPort, logger)
	if cfg.Telemetry.EnableMetrics {
		metricsSrv.Start()
	}

	healthMgr := health.NewHealthManager(logger)

	st, err := store.New(cfg.Store.DatabasePath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	healthMgr.Register("store", func() error { return nil })

	nodeMgr := nodemanager.New(nodemanager.Config{}, cfg.Chain.Endpoints, nil, logger)
	healthMgr.Register("node_manager", func() error {
		if _, ok := nodeMgr.Best(); !ok {
			return fmt.Errorf("every configured node is blacklisted")
		}
		return nil
	})

	dbosCtx, err := dbos.NewDBOSContext(dbos.Config{
		AppName:     cfg.Telemetry.ServiceName,
		DatabaseURL: cfg.Store.DatabasePath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dbos context: %w", err)
	}
	if err := dbosCtx.Launch(); err != nil {
		return nil, nil, fmt.Errorf("dbos launch: %w", err)
	}

	networkFeeAssetID := core.ChainId(cfg.Chain.NetworkFeeAssetID)
	feeCache := feecache.New(networkFeeAssetID)
	feeSource := mock.NewFeeSource()

	runners := make([]bootstrap.Runner, 0, len(cfg.Bots)+1)
	runners = append(runners, &nodeManagerRunner{nm: nodeMgr, logger: logger})
	for i, botCfg := range cfg.Bots {
		assetAID := core.ChainId(fmt.Sprintf("1.3.%d", i*2))
		assetBID := core.ChainId(fmt.Sprintf("1.3.%d", i*2+1))
		assets := map[string]core.Asset{
			string(assetAID): {ID: string(assetAID), Symbol: botCfg.AssetASymbol, Precision: botCfg.AssetAPrec},
			string(assetBID): {ID: string(assetBID), Symbol: botCfg.AssetBSymbol, Precision: botCfg.AssetBPrec},
		}

		if err := feeCache.Initialize(ctx, []core.ChainId{assetAID, assetBID}, feeSource); err != nil {
			return nil, nil, fmt.Errorf("bot %s: fee cache init: %w", botCfg.Name, err)
		}

		seedBalances := map[string]int64{
			string(assetAID): 1_000_000 * pow10(botCfg.AssetAPrec),
			string(assetBID): 1_000_000 * pow10(botCfg.AssetBPrec),
		}
		chainClient := mock.NewChainClient(botCfg.Pool, seedBalances, assets)
		signer := mock.Signer{}
		priceSource := mock.NewPriceSource(decimal.NewFromInt(1))

		adapter := chain.New(chain.Config{
			BroadcastsPerSecond: cfg.Chain.RequestsPerSecond,
			RetryBaseDelay:      time.Duration(cfg.Chain.RetryBaseDelayMS) * time.Millisecond,
			RetryMaxDelay:       time.Duration(cfg.Chain.RetryMaxDelayMS) * time.Millisecond,
			RetryMaxAttempts:    cfg.Chain.RetryMaxAttempts,
			NetworkFeeAssetID:   networkFeeAssetID,
		}, chainClient, signer, logger)

		acct := accountant.New(
			decimal.NewFromFloat(cfg.Risk.DriftTolerancePercent),
			decimal.NewFromFloat(cfg.Risk.BtsReservationMultiplier),
			decimal.NewFromFloat(cfg.Risk.BtsFallbackFee),
		)

		fillProc := fillprocessor.New(feeCache, acct, logger, time.Duration(cfg.Risk.ProcessedFillTTLMinutes)*time.Minute, 4)

		master, err := loadOrInitGrid(ctx, st, botCfg.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("bot %s: load state: %w", botCfg.Name, err)
		}

		commitLock := asynclock.New()
		workflow := pipeline.NewWorkflow(dbosCtx, adapter, func(stepCtx context.Context, masterRef **grid.MasterGrid, working *grid.WorkingGrid) (*grid.MasterGrid, error) {
			return working.Commit(stepCtx, masterRef, commitLock)
		})

		bot := pipeline.New(pipeline.Config{
			BotKey:        botCfg.Name,
			AccountID:     botCfg.Pool,
			BuyAssetID:    string(assetAID),
			SellAssetID:   string(assetBID),
			CooldownTicks: 1,
			Strategy: strategy.Config{
				ActiveOrdersBuy:             cfg.Strategy.ActiveOrdersBuy,
				ActiveOrdersSell:            cfg.Strategy.ActiveOrdersSell,
				IncrementPercent:            decimal.NewFromFloat(cfg.Strategy.IncrementPercent),
				WeightDistributionBuy:       decimal.NewFromFloat(cfg.Strategy.WeightDistributionBuy),
				WeightDistributionSell:      decimal.NewFromFloat(cfg.Strategy.WeightDistributionSell),
				MinOrderSizeFactor:          decimal.NewFromFloat(cfg.Strategy.MinOrderSizeFactor),
				GridRegenerationPercentage:  decimal.NewFromFloat(cfg.Strategy.GridRegenerationPercentage),
				RMSPercentage:               decimal.NewFromFloat(cfg.Strategy.RMSPercentage),
				AllowSmallerChainSizeOnSync: cfg.Strategy.AllowSmallerChainSizeOnSync,
			},
		}, master, assets, acct, adapter, fillProc, st, priceSource, workflow, logger)

		healthMgr.Register("bot_"+botCfg.Name, func() error { return nil })

		runners = append(runners, &botRunner{
			name:     botCfg.Name,
			bot:      bot,
			interval: botCfg.IntervalDuration(),
			logger:   logger,
		})
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cfg.Telemetry.EnableMetrics {
			_ = metricsSrv.Stop(shutdownCtx)
		}
		_ = tel.Shutdown(shutdownCtx)
		_ = st.Close()
	}
	return runners, cleanup, nil
}

// loadOrInitGrid restores botKey's persisted grid, starting a fresh empty
// grid when no row exists yet.
func loadOrInitGrid(ctx context.Context, st *store.Store, botKey string) (*grid.MasterGrid, error) {
	state, err := st.LoadState(ctx, botKey)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return grid.NewMasterGrid(0, map[string]core.Slot{}), nil
	}
	slots := make(map[string]core.Slot, len(state.Grid))
	for _, s := range state.Grid {
		slots[s.ID] = s
	}
	return grid.NewMasterGrid(state.BoundaryIdx, slots), nil
}

// nodeManagerRunner drives the node manager's latency/liveness sweep every
// 30 seconds for the process lifetime, stopping cleanly on shutdown.
type nodeManagerRunner struct {
	nm     *nodemanager.NodeManager
	logger core.ILogger
}

func (r *nodeManagerRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	r.nm.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.nm.ProbeAll(ctx)
		}
	}
}

func pow10(n uint8) int64 {
	v := int64(1)
	for i := uint8(0); i < n; i++ {
		v *= 10
	}
	return v
}

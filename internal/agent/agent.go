// Package agent wires every component together and runs the worker
// loops: feed readers, per-symbol evaluators, the watch sweeper and the
// degraded-mode poller. Construction is explicit; there are no package
// globals.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bybit-trading-agent/config"
	"bybit-trading-agent/internal/api"
	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/candles"
	"bybit-trading-agent/internal/circuit"
	"bybit-trading-agent/internal/database"
	"bybit-trading-agent/internal/events"
	"bybit-trading-agent/internal/indicators"
	"bybit-trading-agent/internal/metrics"
	"bybit-trading-agent/internal/orders"
	"bybit-trading-agent/internal/positions"
	"bybit-trading-agent/internal/risk"
	"bybit-trading-agent/internal/state"
	"bybit-trading-agent/internal/strategy"
	"bybit-trading-agent/internal/trade"
	"bybit-trading-agent/internal/watch"
)

// degradedPollInterval is the REST position-poll cadence while the
// private feed is down.
const degradedPollInterval = 2 * time.Second

// Agent is the application context.
type Agent struct {
	cfg    *config.Config
	logger zerolog.Logger

	bus      *events.Bus
	store    *candles.Store
	engine   *strategy.Engine
	machine  *state.Machine
	breaker  *circuit.Breaker
	stops    *risk.StopManager
	trails   *risk.TrailManager
	watches  *watch.Manager
	orderMgr *orders.Manager
	tracker  *positions.Tracker
	builder  *trade.Builder
	executor *trade.Executor

	client    *bybit.Client
	exchange  bybit.Exchange
	marketWS  *bybit.MarketStream
	privateWS *bybit.PrivateStream

	db   *database.DB
	repo *database.Repository
	rdb  *redis.Client

	server *api.Server
	hub    *api.WSHub

	mu         sync.RWMutex
	evaluators map[string]chan bybit.Kline
	lastEquity float64
	degraded   bool
	// pausedBeforeFeedLoss remembers an operator pause that predates the
	// feed loss, so reconnecting does not silently resume trading.
	pausedBeforeFeedLoss bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs the full component graph. Nothing is started yet.
func New(cfg *config.Config, logger zerolog.Logger) (*Agent, error) {
	a := &Agent{
		cfg:        cfg,
		logger:     logger.With().Str("component", "Agent").Logger(),
		bus:        events.NewBus(),
		evaluators: make(map[string]chan bybit.Kline),
	}

	limiter := bybit.NewLimiter(10)
	a.client = bybit.NewClient(
		cfg.Bybit.APIKey, cfg.Bybit.APISecret, cfg.Bybit.BaseURL,
		cfg.Bybit.TestNet, cfg.Bybit.RecvWindow, cfg.Bybit.CallTimeout,
		limiter, logger,
	)
	a.exchange = a.client
	a.marketWS = bybit.NewMarketStream(cfg.Bybit.WSPublicURL, cfg.Bybit.TestNet, logger)
	a.privateWS = bybit.NewPrivateStream(cfg.Bybit.WSPrivateURL, cfg.Bybit.TestNet, cfg.Bybit.APIKey, cfg.Bybit.APISecret, logger)

	a.store = candles.NewStore(cfg.Trading.CandleCap, logger)
	a.engine = strategy.NewEngine(a.store, a.bus, strategy.DefaultParams(), cfg.Trading.Timeframe, logger)
	a.machine = state.NewMachine(a.bus, logger)
	a.breaker = circuit.NewBreaker(
		circuit.Config{Enabled: cfg.Breaker.Enabled, ThresholdPct: cfg.Breaker.ThresholdPct},
		a.equity, a.bus, logger,
	)
	a.tracker = positions.NewTracker(a.bus, logger)

	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	gen := orders.NewLinkIDGenerator(a.rdb, logger)
	a.orderMgr = orders.NewManager(a.client, gen, a.bus, logger)

	a.stops = risk.NewStopManager(a.client, a.bus, logger)
	a.trails = risk.NewTrailManager(a.stops, a.bus, cfg.Risk.BreakevenAtR, logger)
	a.watches = watch.NewManager(a.bus, logger)

	a.builder = trade.NewBuilder(trade.BuilderConfig{
		MaxLeverage:        cfg.Trading.MaxLeverage,
		DefaultRiskPct:     cfg.Trading.DefaultRiskPct,
		EmergencyBufferPct: cfg.Risk.EmergencyBufferPct,
		FallbackSLPct:      cfg.Risk.FallbackSLPct,
		Timeframe:          cfg.Trading.Timeframe,
		DefaultTrailMode:   risk.TrailMode(cfg.Trading.DefaultTrailing),
	}, a.machine, a.breaker, a.engine, a.tracker, a.client, a.bus, logger)

	a.hub = api.NewWSHub(a.bus, logger)
	return a, nil
}

// Run starts everything and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	defer a.cancel()
	a.runCtx = ctx

	if a.cfg.Database.URL != "" {
		db, err := database.Connect(ctx, a.cfg.Database.URL, a.logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		a.db = db
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.repo = database.NewRepository(db)
		a.startEventLogger()
		a.startSettingsPersistence()
		a.orderMgr.OnUpdate(func(o orders.LocalOrder) {
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.repo.SaveOrder(saveCtx, o); err != nil {
				a.logger.Warn().Err(err).Str("link_id", o.LinkID).Msg("Order persist failed")
			}
		})
		a.restoreSettings(ctx)
	}

	var repo trade.Repository
	if a.repo != nil {
		repo = a.repo
	}
	a.executor = trade.NewExecutor(
		a.client, a.orderMgr, a.stops, a.trails, a.machine,
		a.tracker, a.breaker, repo, a.bus, a.logger,
	)
	a.watches.OnAutoEnter(func(ctx context.Context, intent trade.Intent) {
		if _, rej := a.Enter(ctx, intent); rej != nil {
			a.logger.Info().
				Str("symbol", intent.Symbol).
				Str("code", string(rej.Code)).
				Msg("Watch auto-entry rejected by admission")
		}
	})

	// Private feed drives orders and positions; its loss means degraded
	// mode: reject entries, poll positions over REST.
	a.privateWS.OnOrder(a.orderMgr.HandleFeed)
	a.privateWS.OnPosition(a.tracker.HandleFeed)
	a.privateWS.OnExecution(a.executor.HandleExecutions)
	a.privateWS.OnWallet(a.onWallet)
	a.privateWS.OnDisconnect(a.enterDegraded)
	a.privateWS.OnReconnect(a.leaveDegraded)

	a.marketWS.OnKline(a.onKline)
	a.marketWS.OnTicker(a.onTicker)

	// Seed equity for sizing; the breaker re-reads it lazily, so a slow
	// first fetch only delays the window seed, it does not zero it.
	if wallet, err := a.exchange.GetWalletBalance(ctx); err == nil {
		a.setEquity(wallet.TotalUSD)
	} else {
		a.logger.Warn().Err(err).Msg("Initial balance fetch failed")
	}

	for _, symbol := range a.cfg.Trading.Symbols {
		if err := a.RegisterSymbol(ctx, strings.ToUpper(symbol)); err != nil {
			a.logger.Error().Err(err).Str("symbol", symbol).Msg("Symbol registration failed")
		}
	}

	if err := a.marketWS.Start(ctx); err != nil {
		return fmt.Errorf("market stream: %w", err)
	}
	if err := a.privateWS.Start(ctx); err != nil {
		return fmt.Errorf("private stream: %w", err)
	}

	if err := a.executor.Restore(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Startup trade reconciliation failed")
	}
	a.restoreWatches(ctx)

	a.wg.Add(1)
	go a.watchSweeper(ctx)

	go a.hub.Run()
	a.server = api.NewServer(a.cfg.Server.Host, a.cfg.Server.Port, api.Deps{
		Agent:    a,
		Engine:   a.engine,
		Machine:  a.machine,
		Breaker:  a.breaker,
		Executor: a.executor,
		Tracker:  a.tracker,
		Watches:  a.watches,
		Repo:     a.repo,
		Hub:      a.hub,
	}, a.logger)

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	a.shutdown()
	return nil
}

// shutdown stops streams and drains workers. Cancelling runCtx first
// releases every ctx-driven loop, the degraded poller included.
func (a *Agent) shutdown() {
	a.logger.Info().Msg("Shutting down")
	a.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.server != nil {
		a.server.Shutdown(shutdownCtx)
	}

	a.marketWS.Stop()
	a.privateWS.Stop()

	a.mu.Lock()
	for _, ch := range a.evaluators {
		close(ch)
	}
	a.evaluators = make(map[string]chan bybit.Kline)
	a.mu.Unlock()

	a.wg.Wait()
	if a.rdb != nil {
		a.rdb.Close()
	}
	a.logger.Info().Msg("Shutdown complete")
}

// RegisterSymbol backfills candles, registers strategy state, and
// starts the per-symbol evaluator.
func (a *Agent) RegisterSymbol(ctx context.Context, symbol string) error {
	a.mu.RLock()
	_, exists := a.evaluators[symbol]
	a.mu.RUnlock()
	if exists {
		return nil
	}

	klines, err := a.exchange.GetKlines(ctx, symbol, a.cfg.Trading.Timeframe, a.cfg.Trading.WarmupCandles)
	if err != nil {
		return fmt.Errorf("backfill %s: %w", symbol, err)
	}
	a.store.Seed(symbol, a.cfg.Trading.Timeframe, klines)
	a.engine.Register(symbol)
	a.engine.Recompute(symbol)

	if err := a.marketWS.SubscribeKline(symbol, a.cfg.Trading.Timeframe); err != nil {
		return fmt.Errorf("subscribe kline %s: %w", symbol, err)
	}
	if err := a.marketWS.SubscribeTicker(symbol); err != nil {
		return fmt.Errorf("subscribe ticker %s: %w", symbol, err)
	}

	ch := make(chan bybit.Kline, 64)
	a.mu.Lock()
	a.evaluators[symbol] = ch
	a.mu.Unlock()

	a.wg.Add(1)
	go a.evaluate(symbol, ch)

	a.logger.Info().Str("symbol", symbol).Int("candles", len(klines)).Msg("Symbol registered")
	return nil
}

// onKline runs on the market feed reader; it only merges the candle and
// hands confirmed closes to the symbol's evaluator.
func (a *Agent) onKline(k bybit.Kline) {
	confirmed := a.store.Apply(k)
	if confirmed == nil {
		return
	}
	metrics.CandleCloses.WithLabelValues(confirmed.Interval).Inc()

	a.mu.RLock()
	ch, ok := a.evaluators[confirmed.Symbol]
	a.mu.RUnlock()
	if ok {
		// Blocking keeps closes in open-time order per symbol.
		ch <- *confirmed
	}
}

func (a *Agent) onTicker(t bybit.Ticker) {
	if t.LastPrice == 0 && t.MarkPrice == 0 {
		return
	}
	a.bus.Emit(events.EventTickerUpdate, t.Symbol, "", "", map[string]interface{}{
		"last": t.LastPrice,
		"mark": t.MarkPrice,
	})
}

// evaluate is the per-symbol pipeline. Strictly ordered: state N's SL
// check, trail and watch work all finish before state N+1 starts.
func (a *Agent) evaluate(symbol string, ch <-chan bybit.Kline) {
	defer a.wg.Done()

	for k := range ch {
		st := a.engine.OnCandleClose(symbol)
		if st.Warmup {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)

		// A fresh opposite signal releases the anti-revenge lock.
		signalSide := bybit.SideBuy
		if st.Snapshot.SupertrendDir == indicators.DirectionShort {
			signalSide = bybit.SideSell
		}
		a.machine.ClearLock(symbol, signalSide)

		a.stops.CheckClose(ctx, symbol, k.Close)
		a.trails.OnStateUpdate(ctx, st)
		a.watches.OnStateUpdate(ctx, st)

		cancel()
	}
}

// watchSweeper expires overdue rules even when their symbols are quiet.
func (a *Agent) watchSweeper(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.watches.Sweep()
		}
	}
}

// startEventLogger persists every bus event. The audit log is a sink;
// persistence failures never propagate upstream.
func (a *Agent) startEventLogger() {
	a.bus.SubscribeAll(func(e events.Event) {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.repo.SaveEvent(saveCtx, e); err != nil {
			a.logger.Warn().Err(err).Str("type", string(e.Type)).Msg("Event persist failed")
		}
	})
}

// Settings keys surviving restarts.
const (
	settingPaused          = "paused"
	settingBreakerOverride = "breaker_override"
)

// startSettingsPersistence mirrors breaker override changes into the
// settings table. The API mutates the breaker directly, so the bus is
// the one place both the manual override and reset pass through.
func (a *Agent) startSettingsPersistence() {
	a.bus.Subscribe(events.EventBreakerOverride, func(events.Event) {
		a.saveSetting(settingBreakerOverride, true)
	})
	a.bus.Subscribe(events.EventBreakerReset, func(events.Event) {
		a.saveSetting(settingBreakerOverride, false)
	})
}

func (a *Agent) saveSetting(key string, value interface{}) {
	if a.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.repo.SaveSetting(ctx, key, value); err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("Setting persist failed")
	}
}

// restoreSettings re-applies the operator pause and breaker override
// recorded before the last shutdown.
func (a *Agent) restoreSettings(ctx context.Context) {
	var paused bool
	if ok, err := a.repo.LoadSetting(ctx, settingPaused, &paused); err != nil {
		a.logger.Warn().Err(err).Msg("Paused setting load failed")
	} else if ok && paused {
		a.machine.Pause()
		a.logger.Info().Msg("Operator pause restored from settings")
	}

	var override bool
	if ok, err := a.repo.LoadSetting(ctx, settingBreakerOverride, &override); err != nil {
		a.logger.Warn().Err(err).Msg("Breaker override setting load failed")
	} else if ok && override {
		a.breaker.Override()
		a.logger.Warn().Msg("Breaker override restored from settings")
	}
}

func (a *Agent) restoreWatches(ctx context.Context) {
	if a.repo == nil {
		return
	}
	rules, err := a.repo.ActiveWatches(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Watch restore failed")
		return
	}
	for _, r := range rules {
		a.watches.Restore(r)
	}
	if len(rules) > 0 {
		a.logger.Info().Int("count", len(rules)).Msg("Watches restored")
	}
}

// ============================================================================
// DEGRADED MODE
// ============================================================================

func (a *Agent) enterDegraded() {
	wasPaused := a.machine.Paused()

	a.mu.Lock()
	if a.degraded {
		a.mu.Unlock()
		return
	}
	a.degraded = true
	a.pausedBeforeFeedLoss = wasPaused
	pollCtx := a.runCtx
	a.mu.Unlock()

	a.logger.Warn().Msg("Private feed lost; entering degraded mode")
	a.bus.Emit(events.EventDegradedMode, "", "", "private feed disconnected; entries rejected, polling positions", nil)
	a.machine.Pause()

	if pollCtx == nil {
		pollCtx = context.Background()
	}
	a.wg.Add(1)
	go a.degradedPoller(pollCtx)
}

func (a *Agent) leaveDegraded() {
	a.mu.Lock()
	wasDegraded := a.degraded
	wasPaused := a.pausedBeforeFeedLoss
	a.degraded = false
	a.mu.Unlock()

	if !wasDegraded {
		return
	}
	a.logger.Info().Msg("Private feed restored; leaving degraded mode")
	a.bus.Emit(events.EventDegradedMode, "", "", "private feed restored", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.tracker.Refresh(ctx, a.exchange); err != nil {
		a.logger.Warn().Err(err).Msg("Post-reconnect position refresh failed")
	}
	// An operator pause that predates the feed loss survives it.
	if !wasPaused {
		a.machine.Resume()
	}
}

func (a *Agent) degradedPoller(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(degradedPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		a.mu.RLock()
		degraded := a.degraded
		a.mu.RUnlock()
		if !degraded {
			return
		}

		pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.tracker.Refresh(pollCtx, a.exchange); err != nil {
			a.logger.Warn().Err(err).Msg("Degraded-mode position poll failed")
		}
		cancel()
	}
}

// ============================================================================
// EQUITY
// ============================================================================

func (a *Agent) onWallet(w bybit.WalletBalance) {
	a.setEquity(w.TotalUSD)
}

func (a *Agent) setEquity(v float64) {
	a.mu.Lock()
	a.lastEquity = v
	a.mu.Unlock()
	metrics.EquityGauge.Set(v)
}

// equity feeds the circuit breaker's daily window start balance.
func (a *Agent) equity() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastEquity
}

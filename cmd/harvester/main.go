// Command harvester runs the delta-neutral funding-rate harvesting
// engine: scan, enter, monitor margin, and stand ready to flatten
// everything on a panic trigger.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"funding_harvester/internal/alert"
	"funding_harvester/internal/coldlog"
	"funding_harvester/internal/config"
	"funding_harvester/internal/core"
	"funding_harvester/internal/execution"
	"funding_harvester/internal/feed"
	"funding_harvester/internal/gateway"
	"funding_harvester/internal/harvester"
	"funding_harvester/internal/logging"
	"funding_harvester/internal/margin"
	"funding_harvester/internal/priority"
	"funding_harvester/internal/reconcile"
	"funding_harvester/internal/safety"
	"funding_harvester/internal/scanner"
	"funding_harvester/internal/state"
	"funding_harvester/pkg/cli"
	"funding_harvester/pkg/concurrency"
	"funding_harvester/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// Exit codes, per the engine's configuration/runtime/fatal split.
const (
	exitOK            = 0
	exitFatal         = 1
	exitMisconfigured = 2
)

var (
	version = "dev"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	verifyPanic := flag.Bool("verify-panic", false, "run the reconciler, then require a typed confirmation before force-closing every open position")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("harvester version %s\n", version)
		os.Exit(exitOK)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitMisconfigured)
	}

	logger, err := logging.New(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitMisconfigured)
	}
	defer logger.Sync()

	tel, err := telemetry.Setup("funding_harvester")
	if err != nil {
		logger.Warn("telemetry setup failed, continuing without it", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	notifier := buildNotifier(cfg, logger)

	coldLog, err := buildColdLogger(cfg, logger)
	if err != nil {
		logger.Error("failed to open cold-path log", "error", err)
		os.Exit(exitMisconfigured)
	}
	defer coldLog.Close()

	gw, priceFeed, err := buildGatewayAndFeed(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize exchange gateway", "error", err)
		os.Exit(exitMisconfigured)
	}

	st := state.New()

	reconciler := reconcile.New(gw, st, logger)
	if err := reconciler.Run(context.Background()); err != nil {
		logger.Error("reconciliation failed, refusing to start", "error", err)
		os.Exit(exitFatal)
	}

	if *verifyPanic {
		code := runVerifyPanic(gw, st, logger, notifier, coldLog)
		coldLog.Close()
		logger.Sync()
		os.Exit(code)
	}

	lock := priority.New()
	guard := execution.New(gw, st, lock, logger, notifier, coldLog, cfg.Slippage, cfg.Timing)
	panicSwitch := safety.NewPanicSwitch(gw, logger, notifier, coldLog)
	monitor := margin.New(gw, guard, st, priceFeed, panicSwitch, logger, notifier, cfg.Risk, cfg.Timing)

	if err := priceFeed.Subscribe(context.Background(), cfg.Universe, func(q core.PriceQuote) {
		monitor.OnTick(context.Background(), q)
	}); err != nil {
		logger.Error("failed to subscribe to the price feed", "error", err)
		os.Exit(exitFatal)
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "FundingScannerPool",
		MaxWorkers:  len(cfg.Universe),
		MaxCapacity: len(cfg.Universe) * 4,
	}, logger)

	sc := scanner.New(gw, logger, pool, cfg.Trading)
	hv := harvester.New(gw, sc, guard, st, monitor, coldLog, logger, cfg.Trading, cfg.Timing, cfg.Universe, cfg.App.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hv.Start(gctx)
		<-gctx.Done()
		hv.Stop()
		return nil
	})
	g.Go(func() error {
		monitor.StartWatchdog(gctx)
		return nil
	})

	logger.Info("funding harvester started", "universe", cfg.Universe, "dry_run", cfg.App.DryRun, "live", cfg.App.Live)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("harvester stopped with error", "error", err)
		os.Exit(exitFatal)
	}

	monitor.Stop()
	priceFeed.Close()
	logger.Info("funding harvester shut down cleanly")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildGatewayAndFeed wires a production RESTGateway + feed.Client when
// app.live is set, otherwise a FakeGateway + FakeFeed pair so the engine
// can be exercised end to end without a venue connection.
func buildGatewayAndFeed(cfg *config.Config, logger core.Logger) (core.ExchangeGateway, *liveFeedOrFake, error) {
	if !cfg.App.Live {
		gw := gateway.NewFakeGateway()
		ff := feed.NewFakeFeed()
		return gw, &liveFeedOrFake{fake: ff}, nil
	}

	timeout := time.Duration(cfg.Timing.OrderTimeoutSeconds) * time.Second
	gw := gateway.NewRESTGateway(cfg.Exchange, timeout, logger)
	if err := gw.ResolveSpotSymbols(context.Background(), cfg.Universe); err != nil {
		return nil, nil, fmt.Errorf("resolving spot symbols: %w", err)
	}

	fc := feed.NewClient(cfg.Exchange.FeedURL, logger)
	return gw, &liveFeedOrFake{client: fc}, nil
}

// liveFeedOrFake adapts whichever concrete feed was constructed to the
// single core.PriceFeed + margin.Reconnector surface callers need,
// without making the caller branch on app.live itself.
type liveFeedOrFake struct {
	client *feed.Client
	fake   *feed.FakeFeed
}

func (f *liveFeedOrFake) Subscribe(ctx context.Context, coins []string, onQuote func(core.PriceQuote)) error {
	if f.client != nil {
		return f.client.Subscribe(ctx, coins, onQuote)
	}
	return f.fake.Subscribe(ctx, coins, onQuote)
}

func (f *liveFeedOrFake) Reconnect(ctx context.Context) error {
	if f.client != nil {
		return f.client.Reconnect(ctx)
	}
	return f.fake.Reconnect(ctx)
}

func (f *liveFeedOrFake) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return f.fake.Close()
}

func buildNotifier(cfg *config.Config, logger core.Logger) core.Notifier {
	am := alert.NewAlertManager(logger)
	if cfg.Alert.SlackWebhookURL != "" {
		am.AddChannel(alert.NewSlackChannel(string(cfg.Alert.SlackWebhookURL)))
	}
	if cfg.Alert.TelegramBotToken != "" && cfg.Alert.TelegramChatID != "" {
		am.AddChannel(alert.NewTelegramChannel(string(cfg.Alert.TelegramBotToken), cfg.Alert.TelegramChatID))
	}
	return am
}

func buildColdLogger(cfg *config.Config, logger core.Logger) (core.ColdLogger, error) {
	path := cfg.System.ColdLogPath
	if path == "" {
		path = "data/funding_events.log"
	}
	sink, err := coldlog.NewFileSink(path)
	if err != nil {
		return nil, err
	}
	return coldlog.New(sink, logger, 0), nil
}

// runVerifyPanic requires the operator to type the exact confirmation
// phrase before force-closing every position the just-completed
// reconciliation found open. It returns the process exit code rather
// than calling os.Exit directly so callers can still run deferred
// cleanup.
func runVerifyPanic(gw core.ExchangeGateway, st *state.State, logger core.Logger, notifier core.Notifier, coldLog core.ColdLogger) int {
	positions := st.Positions()
	if len(positions) == 0 {
		logger.Info("verify-panic: no open positions to close")
		return exitOK
	}

	fmt.Printf("About to force-close %d position(s). Type PANIC to confirm: ", len(positions))
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	phrase := trimNewline(line)

	if err := cli.ValidateInput(phrase); err != nil {
		logger.Error("verify-panic: rejected confirmation input", "error", err)
		return exitFatal
	}
	if phrase != "PANIC" {
		logger.Info("verify-panic: confirmation did not match, aborting")
		return exitOK
	}

	panicSwitch := safety.NewPanicSwitch(gw, logger, notifier, coldLog)
	outcomes := panicSwitch.EmergencyCloseAll(context.Background(), positions)

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		logger.Error("verify-panic: some legs failed to close", "failed", failed, "total", len(outcomes))
		return exitFatal
	}
	logger.Info("verify-panic: all positions closed")
	return exitOK
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

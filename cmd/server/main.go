package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/broker"
	"github.com/quantedge/tradepipe/internal/candles"
	"github.com/quantedge/tradepipe/internal/config"
	"github.com/quantedge/tradepipe/internal/database"
	"github.com/quantedge/tradepipe/internal/database/repositories"
	"github.com/quantedge/tradepipe/internal/domain"
	"github.com/quantedge/tradepipe/internal/events"
	"github.com/quantedge/tradepipe/internal/execution"
	"github.com/quantedge/tradepipe/internal/exits"
	"github.com/quantedge/tradepipe/internal/feed"
	"github.com/quantedge/tradepipe/internal/marketcalendar"
	"github.com/quantedge/tradepipe/internal/pipeline"
	"github.com/quantedge/tradepipe/internal/reconcile"
	"github.com/quantedge/tradepipe/internal/risk"
	"github.com/quantedge/tradepipe/internal/scheduler"
	"github.com/quantedge/tradepipe/internal/server"
	"github.com/quantedge/tradepipe/internal/signals"
	"github.com/quantedge/tradepipe/internal/sms"
	"github.com/quantedge/tradepipe/internal/tms"
	"github.com/quantedge/tradepipe/pkg/logger"
)

// candleClosedBridge fans a closed candle out to the event bus (for
// observability) and into the signal generator (for zone detection) —
// the two consumers of candles.Builder's CandleClosedPublisher hook.
type candleClosedBridge struct {
	generator *signals.Generator
	bus       *events.Manager
}

func (b *candleClosedBridge) PublishCandleClosed(symbol string, tf domain.Timeframe, candle domain.Candle) {
	b.bus.Emit(events.CandleClosed, "candles", map[string]any{
		"symbol": symbol, "timeframe": string(tf), "ts": candle.Ts,
	})
	b.generator.OnCandleClosed(context.Background(), symbol, tf, candle)
}

// tickFanout is the single feed.CandleWriter the tick-ingest writer
// goroutine drives: both the candle builder and the exit signal
// service need every tick, and feed.Ingest only addresses one writer.
type tickFanout struct {
	builder  *candles.Builder
	exits    *exits.Service
	recovery *candles.RecoveryManager
}

func (f *tickFanout) OnTick(tick domain.Tick) {
	f.builder.OnTick(tick)
	f.exits.OnTick(context.Background(), tick)
	f.recovery.Observe(tick.Symbol, tick.EffectiveTs())
}

func main() {
	log := logger.New(logger.Config{Level: "info", Pretty: true})
	log.Info().Msg("starting tradepipe")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})

	db, err := database.New(cfg.DatabasePath, cfg.DBPoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	conn := db.Conn()
	eventRepo := repositories.NewEventRepository(conn, log)
	signalRepo := repositories.NewSignalRepository(conn, log)
	deliveryRepo := repositories.NewDeliveryRepository(conn, log)
	intentRepo := repositories.NewIntentRepository(conn, log)
	tradeRepo := repositories.NewTradeRepository(conn, log)
	orderRepo := repositories.NewOrderRepository(conn, log)
	orderFillRepo := repositories.NewOrderFillRepository(conn, log)
	exitSignalRepo := repositories.NewExitSignalRepository(conn, log)
	exitIntentRepo := repositories.NewExitIntentRepository(conn, log)
	candleRepo := repositories.NewCandleRepository(conn, log)
	brokerRepo := repositories.NewBrokerRepository(conn, log)
	userBrokerRepo := repositories.NewUserBrokerRepository(conn, log)
	sessionRepo := repositories.NewSessionRepository(conn, log)

	bus := events.NewManager(eventRepo, log)
	busCtx, cancelBus := context.WithCancel(context.Background())
	go bus.Run(busCtx)
	defer cancelBus()
	calendar := marketcalendar.New(log)

	instrumentRepo := repositories.NewInstrumentRepository(conn, log)

	registry := broker.NewRegistry(log)
	registry.RegisterOrderFactory("PAPER", func(l zerolog.Logger) broker.OrderBroker {
		return broker.NewPaperOrderBroker(l)
	})
	registry.RegisterDataFactory("RELAY", func(l zerolog.Logger) broker.DataBroker {
		return broker.NewRelayDataBroker(cfg.RelayURL, cfg.RelayToken, l)
	})
	if cfg.DataFeedMode != "RELAY" {
		// FYERS/ZERODHA/DHAN vendor adapters are not vendored with this
		// module; DATA_FEED_MODE selects a broker code an operator wires
		// in a fork the same way RELAY is wired here.
		log.Warn().Str("mode", cfg.DataFeedMode).Msg("no data broker factory registered for this feed mode; tick ingest will have no upstream source")
	}

	cache := feed.NewCache(candleRepo)
	dedup := feed.NewDeduplicator(log)

	smsSvc := sms.NewService(conn, signalRepo, deliveryRepo, exitSignalRepo, userBrokerRepo, bus, log)

	configStore := signals.NewStaticConfigStore(signals.DefaultMtfConfig(), nil)
	probabilityModel := risk.NewCalibratedModel()
	generator := signals.NewGenerator(candleRepo, cache, calendar, probabilityModel, configStore, smsSvc, log)

	builder := candles.NewBuilder(candleRepo, &candleClosedBridge{generator: generator, bus: bus}, calendar, log)

	atrLookup := risk.NewCandleATRLookup(candleRepo)
	riskPipeline := risk.NewPipeline(log,
		risk.CapitalGate,
		risk.ExposureGate,
		risk.PerTradeCapGate,
		risk.DailyLossCapGate,
		risk.ExistingPositionGate,
		risk.BrokerDisabledGate,
		risk.KellyNegativeGate,
		risk.UtilityGate(risk.DefaultUtilityParams()),
		risk.AveragingGate(atrLookup, risk.DefaultAveragingParams()),
	)
	sizingParams := risk.SizingParams{
		KellyFraction:   0.5,
		MaxPerTradeLoss: domain.NewFromFloat(10000),
		MaxSymbolLoss:   domain.NewFromFloat(25000),
	}
	riskSvc := risk.NewService(smsSvc, signalRepo, tradeRepo, userBrokerRepo, calendar, intentRepo, riskPipeline, sizingParams, log)

	tmsSvc := tms.NewService(tradeRepo, bus, log)

	execSvc := execution.NewService(
		intentRepo, orderRepo, orderFillRepo, tmsSvc, tradeRepo,
		signalRepo, exitIntentRepo, userBrokerRepo, brokerRepo, sessionRepo,
		registry, configStore, bus, log,
	)

	exitsSvc := exits.NewService(smsSvc, exitSignalRepo, exitIntentRepo, tradeRepo, tmsSvc, execSvc, exits.DefaultConfig(), bus, log)
	execSvc.SetExitSync(exitsSvc)

	backfill := candles.NewBackfill(candleRepo, log)
	recovery := candles.NewRecoveryManager(backfill, 2*time.Minute, log)

	ingestWriter := &tickFanout{builder: builder, exits: exitsSvc, recovery: recovery}
	ingest := feed.NewIngest(cache, dedup, ingestWriter, log)
	ingestCtx, cancelIngest := context.WithCancel(context.Background())
	go ingest.Run(ingestCtx)
	defer cancelIngest()

	if cfg.DataFeedMode == "RELAY" {
		if err := startDataFeed(ingestCtx, registry, userBrokerRepo, brokerRepo, sessionRepo, instrumentRepo, ingest, log); err != nil {
			log.Error().Err(err).Msg("data feed did not start; tick ingest has no upstream source")
		}
		if feeds, err := resolveDataFeeds(ctx, registry, userBrokerRepo, brokerRepo, sessionRepo, log); err != nil {
			log.Error().Err(err).Msg("failed to resolve data feeds for startup backfill")
		} else {
			runStartupBackfill(ctx, backfill, feeds, instrumentRepo, calendar, log)
		}
	}

	orchestrator := pipeline.NewOrchestrator(deliveryRepo, riskSvc, execSvc, log)

	entryReconciler := reconcile.NewReconciler(domain.OrderKindEntry, orderRepo, userBrokerRepo, brokerRepo, sessionRepo, registry, execSvc, 2*time.Minute, log)
	exitReconciler := reconcile.NewReconciler(domain.OrderKindExit, orderRepo, userBrokerRepo, brokerRepo, sessionRepo, registry, execSvc, 2*time.Minute, log)
	candleRecovery := &recoveryJob{
		recovery: recovery, registry: registry,
		userBrokerRepo: userBrokerRepo, brokerRepo: brokerRepo, sessionRepo: sessionRepo,
		instrumentRepo: instrumentRepo, calendar: calendar, log: log,
	}

	sched := scheduler.New(log)
	sched.Start()
	defer sched.Stop()

	if err := sched.AddJob("@every 10s", orchestrator); err != nil {
		log.Fatal().Err(err).Msg("failed to register delivery orchestrator job")
	}
	if err := sched.AddJob("@every 30s", entryReconciler); err != nil {
		log.Fatal().Err(err).Msg("failed to register entry reconciler job")
	}
	if err := sched.AddJob("@every 30s", exitReconciler); err != nil {
		log.Fatal().Err(err).Msg("failed to register exit reconciler job")
	}
	if err := sched.AddJob("@every 1m", candleRecovery); err != nil {
		log.Fatal().Err(err).Msg("failed to register candle recovery job")
	}

	srv := server.New(server.Config{
		Port:    cfg.Port,
		Log:     log,
		DB:      db,
		Config:  cfg,
		DevMode: cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("tradepipe started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("stopped")
}

// ingestListener adapts feed.Ingest.Push to broker.TickListener, the
// shape the broker package's subscription callbacks expect.
type ingestListener struct {
	ingest *feed.Ingest
}

func (l *ingestListener) OnTick(tick domain.Tick) { l.ingest.Push(tick) }

// dataFeedConn pairs a resolved, connected DataBroker adapter with the
// UserBroker it was resolved from, so a caller can both subscribe ticks
// through it and name it in backfill/recovery logging.
type dataFeedConn struct {
	ub     domain.UserBroker
	broker broker.DataBroker
}

// resolveDataFeeds connects every active DATA-role UserBroker's adapter,
// deduplicating the broker/session lookup + registry resolution that
// both startup tick subscription and candle backfill/recovery need.
func resolveDataFeeds(
	ctx context.Context,
	registry *broker.Registry,
	userBrokerRepo *repositories.UserBrokerRepository,
	brokerRepo *repositories.BrokerRepository,
	sessionRepo *repositories.SessionRepository,
	log zerolog.Logger,
) ([]dataFeedConn, error) {
	dataBrokers, err := userBrokerRepo.FindActiveByRole(ctx, domain.BrokerRoleData)
	if err != nil {
		return nil, fmt.Errorf("find data user brokers: %w", err)
	}

	conns := make([]dataFeedConn, 0, len(dataBrokers))
	for _, ub := range dataBrokers {
		brokerRow, err := brokerRepo.FindActiveByID(ctx, ub.BrokerID)
		if err != nil {
			log.Error().Err(err).Str("user_broker_id", ub.UserBrokerID).Msg("broker lookup failed, skipping feed")
			continue
		}
		session, err := sessionRepo.FindActiveByUserBroker(ctx, ub.UserBrokerID)
		if err != nil {
			log.Error().Err(err).Str("user_broker_id", ub.UserBrokerID).Msg("no active session, skipping feed")
			continue
		}
		dataBroker, err := registry.DataBrokerFor(ctx, brokerRow.BrokerCode, ub, session)
		if err != nil {
			log.Error().Err(err).Str("user_broker_id", ub.UserBrokerID).Msg("data broker connect failed")
			continue
		}
		conns = append(conns, dataFeedConn{ub: ub, broker: dataBroker})
	}
	return conns, nil
}

// startDataFeed subscribes every active instrument to each resolved
// DATA feed, fanning received ticks into ingest. Run once at startup; a
// dropped connection is handled by the adapter's own reconnect loop,
// not by this function.
func startDataFeed(
	ctx context.Context,
	registry *broker.Registry,
	userBrokerRepo *repositories.UserBrokerRepository,
	brokerRepo *repositories.BrokerRepository,
	sessionRepo *repositories.SessionRepository,
	instrumentRepo *repositories.InstrumentRepository,
	ingest *feed.Ingest,
	log zerolog.Logger,
) error {
	feeds, err := resolveDataFeeds(ctx, registry, userBrokerRepo, brokerRepo, sessionRepo, log)
	if err != nil {
		return err
	}
	if len(feeds) == 0 {
		log.Warn().Msg("no active DATA UserBroker configured; tick ingest has no upstream source")
		return nil
	}

	instruments, err := instrumentRepo.FindAllActive(ctx)
	if err != nil {
		return fmt.Errorf("find instruments: %w", err)
	}

	listener := &ingestListener{ingest: ingest}
	for _, feed := range feeds {
		for _, instrument := range instruments {
			if err := feed.broker.SubscribeTicks(instrument.Symbol, listener); err != nil {
				log.Error().Err(err).Str("symbol", instrument.Symbol).Msg("subscribe ticks failed")
			}
		}
	}
	return nil
}

// runStartupBackfill fetches historical candles for every active
// instrument over the last few trading days, closing any gap left by
// downtime between process restarts (spec §4.3 "Backfill").
func runStartupBackfill(
	ctx context.Context,
	backfill *candles.Backfill,
	feeds []dataFeedConn,
	instrumentRepo *repositories.InstrumentRepository,
	calendar *marketcalendar.NSECalendar,
	log zerolog.Logger,
) {
	if len(feeds) == 0 {
		log.Warn().Msg("no data feed resolved; skipping startup candle backfill")
		return
	}
	source := feeds[0].broker

	instruments, err := instrumentRepo.FindAllActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list instruments for startup backfill")
		return
	}

	now := time.Now()
	from := calendar.SessionStart(now.AddDate(0, 0, -5))
	to := calendar.SessionClose(now)
	for _, instrument := range instruments {
		if err := backfill.Run(ctx, source, instrument.Symbol, from, to); err != nil {
			log.Error().Err(err).Str("symbol", instrument.Symbol).Msg("startup candle backfill failed")
		}
	}
}

// recoveryJob is the periodic scheduler.Job that checks every active
// instrument for a tick gap and runs a targeted backfill to close it
// (spec §4.3 "Recovery Manager").
type recoveryJob struct {
	recovery       *candles.RecoveryManager
	registry       *broker.Registry
	userBrokerRepo *repositories.UserBrokerRepository
	brokerRepo     *repositories.BrokerRepository
	sessionRepo    *repositories.SessionRepository
	instrumentRepo *repositories.InstrumentRepository
	calendar       *marketcalendar.NSECalendar
	log            zerolog.Logger
}

func (j *recoveryJob) Name() string { return "candle-recovery" }

func (j *recoveryJob) Run() error {
	ctx := context.Background()
	now := time.Now()
	if !j.calendar.IsMarketOpen(now) {
		return nil
	}

	feeds, err := resolveDataFeeds(ctx, j.registry, j.userBrokerRepo, j.brokerRepo, j.sessionRepo, j.log)
	if err != nil {
		return fmt.Errorf("recovery: resolve data feeds: %w", err)
	}
	if len(feeds) == 0 {
		return nil
	}
	source := feeds[0].broker

	instruments, err := j.instrumentRepo.FindAllActive(ctx)
	if err != nil {
		return fmt.Errorf("recovery: find instruments: %w", err)
	}

	var firstErr error
	for _, instrument := range instruments {
		from, to, gapped := j.recovery.CheckGap(instrument.Symbol, now)
		if !gapped {
			continue
		}
		if err := j.recovery.Recover(ctx, source, instrument.Symbol, from, to); err != nil {
			j.log.Error().Err(err).Str("symbol", instrument.Symbol).Msg("candle recovery failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

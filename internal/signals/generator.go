package signals

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantedge/tradepipe/internal/domain"
)

// CandleHistory supplies the recent-N-candle window a timeframe's zone
// detection needs.
type CandleHistory interface {
	RecentCandles(ctx context.Context, symbol string, tf domain.Timeframe, n int) ([]domain.Candle, error)
}

// PriceSource supplies the reference price at signal-construction time.
type PriceSource interface {
	LTP(ctx context.Context, symbol string) (domain.Decimal, bool, error)
}

// TradingDayProvider supplies the Asia/Kolkata trading-day string used
// by the signal dedupe key.
type TradingDayProvider interface {
	TradingDay(ts time.Time) string
}

// ProbabilityModel computes pWin/pFill/kelly for a candidate signal.
// Concrete calibration belongs to the risk module; the generator only
// depends on this narrow interface (spec §4.4: "supplied by the Risk
// module").
type ProbabilityModel interface {
	Evaluate(signal domain.Signal) (pWin, pFill, kelly domain.Decimal)
}

// Publisher is SMS's ingestion entrypoint for newly detected signals.
type Publisher interface {
	PersistAndPublish(ctx context.Context, signal domain.Signal) (domain.Signal, error)
}

const recentCandleWindow = 30

// Generator reacts to CANDLE_CLOSED events and produces Signals via
// zone detection + confluence scoring (spec §4.4).
type Generator struct {
	history  CandleHistory
	prices   PriceSource
	calendar TradingDayProvider
	model    ProbabilityModel
	config   ConfigStore
	sms      Publisher
	log      zerolog.Logger
}

func NewGenerator(history CandleHistory, prices PriceSource, calendar TradingDayProvider, model ProbabilityModel, config ConfigStore, sms Publisher, log zerolog.Logger) *Generator {
	return &Generator{
		history:  history,
		prices:   prices,
		calendar: calendar,
		model:    model,
		config:   config,
		sms:      sms,
		log:      log.With().Str("component", "signal_generator").Logger(),
	}
}

// OnCandleClosed re-evaluates zones for symbol across all three
// confluence timeframes whenever any one of them closes a bar, since a
// single-timeframe close can flip the aggregate confluence trigger.
func (g *Generator) OnCandleClosed(ctx context.Context, symbol string, tf domain.Timeframe, candle domain.Candle) {
	if tf == domain.TimeframeDaily {
		return
	}

	cfg := g.config.ConfigFor(symbol)
	refPrice, ok, err := g.prices.LTP(ctx, symbol)
	if err != nil {
		g.log.Error().Err(err).Str("symbol", symbol).Msg("failed to resolve reference price")
		return
	}
	if !ok {
		return
	}

	htfCandles, err := g.history.RecentCandles(ctx, symbol, domain.TimeframeHTF, cfg.ZoneCountHTF*recentCandleWindow)
	if err != nil {
		g.log.Error().Err(err).Str("symbol", symbol).Msg("failed to load HTF candles")
		return
	}
	itfCandles, err := g.history.RecentCandles(ctx, symbol, domain.TimeframeITF, cfg.ZoneCountITF*recentCandleWindow)
	if err != nil {
		g.log.Error().Err(err).Str("symbol", symbol).Msg("failed to load ITF candles")
		return
	}
	ltfCandles, err := g.history.RecentCandles(ctx, symbol, domain.TimeframeLTF, cfg.ZoneCountLTF*recentCandleWindow)
	if err != nil {
		g.log.Error().Err(err).Str("symbol", symbol).Msg("failed to load LTF candles")
		return
	}

	htf := DetectZones(domain.TimeframeHTF, htfCandles, refPrice, cfg.ZoneCountHTF, cfg.ThresholdPct)
	itf := DetectZones(domain.TimeframeITF, itfCandles, refPrice, cfg.ZoneCountITF, cfg.ThresholdPct)
	ltf := DetectZones(domain.TimeframeLTF, ltfCandles, refPrice, cfg.ZoneCountLTF, cfg.ThresholdPct)

	for _, direction := range []domain.Direction{domain.DirectionBuy, domain.DirectionSell} {
		confluence, hit := Evaluate(direction, htf, itf, ltf, cfg)
		if !hit {
			continue
		}
		g.buildAndPublish(ctx, symbol, refPrice, confluence, cfg)
	}
}

func (g *Generator) buildAndPublish(ctx context.Context, symbol string, refPrice domain.Decimal, c Confluence, cfg MtfConfig) {
	htfLow, htfHigh := boundsOf(c.HTF, refPrice)
	itfLow, itfHigh := boundsOf(c.ITF, refPrice)
	ltfLow, ltfHigh := boundsOf(c.LTF, refPrice)

	effectiveFloor := minOf(htfLow, itfLow, ltfLow)
	effectiveCeiling := maxOf(htfHigh, itfHigh, ltfHigh)

	if !effectiveFloor.LessThan(effectiveCeiling) {
		g.log.Warn().Str("symbol", symbol).Msg("degenerate zone bounds, dropping candidate signal")
		return
	}

	now := time.Now()
	entryBand := effectiveCeiling.Sub(effectiveFloor).Mul(domain.NewFromFloat(0.1))
	var entryLow, entryHigh domain.Decimal
	if c.Direction == domain.DirectionBuy {
		entryLow = effectiveFloor
		entryHigh = effectiveFloor.Add(entryBand)
	} else {
		entryHigh = effectiveCeiling
		entryLow = effectiveCeiling.Sub(entryBand)
	}

	signal := domain.Signal{
		SignalID:         uuid.NewString(),
		Symbol:           symbol,
		Direction:        c.Direction,
		SignalType:       "MTF_ZONE_CONFLUENCE",
		ConfluenceType:   c.Type,
		ConfluenceScore:  c.Score,
		RefPrice:         refPrice.RoundPrice(),
		EntryLow:         entryLow.RoundPrice(),
		EntryHigh:        entryHigh.RoundPrice(),
		HtfLow:           htfLow.RoundPrice(),
		HtfHigh:          htfHigh.RoundPrice(),
		ItfLow:           itfLow.RoundPrice(),
		ItfHigh:          itfHigh.RoundPrice(),
		LtfLow:           ltfLow.RoundPrice(),
		LtfHigh:          ltfHigh.RoundPrice(),
		EffectiveFloor:   effectiveFloor.RoundPrice(),
		EffectiveCeiling: effectiveCeiling.RoundPrice(),
		TradingDay:       g.calendar.TradingDay(now),
		ExpiresAt:        now.Add(time.Duration(cfg.ExpiryWindowMinutes) * time.Minute),
		Status:           domain.SignalDetected,
		Versioned:        domain.Versioned{CreatedAt: now},
	}

	signal.PWin, signal.PFill, signal.Kelly = g.model.Evaluate(signal)

	if !signal.Valid() {
		g.log.Warn().Str("symbol", symbol).Msg("signal failed floor<ceiling invariant after rounding, dropping")
		return
	}

	if _, err := g.sms.PersistAndPublish(ctx, signal); err != nil {
		g.log.Error().Err(err).Str("symbol", symbol).Msg("failed to publish signal")
	}
}

func boundsOf(z *Zone, refPrice domain.Decimal) (low, high domain.Decimal) {
	if z == nil {
		return refPrice, refPrice
	}
	return z.Low, z.High
}

func minOf(vals ...domain.Decimal) domain.Decimal {
	min := vals[0]
	for _, v := range vals[1:] {
		if v.LessThan(min) {
			min = v
		}
	}
	return min
}

func maxOf(vals ...domain.Decimal) domain.Decimal {
	max := vals[0]
	for _, v := range vals[1:] {
		if v.GreaterThan(max) {
			max = v
		}
	}
	return max
}

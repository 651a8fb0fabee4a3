package risk

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/quantedge/tradepipe/internal/domain"
)

// confluenceBaseRates anchors pWin to a historical win-rate table by
// confluence strength (spec §4.4: "Compute pWin, pFill, kelly from
// calibrated tables or formulas supplied by the Risk module").
var confluenceBaseRates = map[domain.ConfluenceType]float64{
	domain.ConfluenceNone:   0.45,
	domain.ConfluenceSingle: 0.52,
	domain.ConfluenceDouble: 0.58,
	domain.ConfluenceTriple: 0.65,
}

// CalibratedModel implements signals.ProbabilityModel.
type CalibratedModel struct {
	FillBase float64 // baseline fill probability for a limit order placed at refPrice
}

func NewCalibratedModel() *CalibratedModel {
	return &CalibratedModel{FillBase: 0.90}
}

// Evaluate blends the confluence-type base rate with the candle's own
// confluence score via a weighted mean, anchored mostly on the
// historical table so one outlier score can't swing pWin far from it,
// then derives kelly from the standard f* = p - (1-p)/b formula using
// the signal's own reward/risk ratio as b.
func (m *CalibratedModel) Evaluate(signal domain.Signal) (pWin, pFill, kelly domain.Decimal) {
	base := confluenceBaseRates[signal.ConfluenceType]
	score := clamp01(signal.ConfluenceScore.InlineFloat())
	p := clamp01(stat.Mean([]float64{base, score}, []float64{0.7, 0.3}))

	fill := m.FillBase
	if signal.ConfluenceType == domain.ConfluenceTriple {
		fill = math.Min(1, fill+0.05)
	}

	b := payoffRatio(signal)
	f := p - (1-p)/b
	if f < 0 {
		f = 0
	}

	return domain.NewFromFloat(p), domain.NewFromFloat(fill), domain.NewFromFloat(f)
}

// payoffRatio is the reward/risk ratio b Kelly needs: distance from
// refPrice to the entry-side target over distance from refPrice to the
// effective zone boundary, by direction.
func payoffRatio(signal domain.Signal) float64 {
	target := signal.EntryHigh
	stop := signal.EffectiveFloor
	if signal.Direction == domain.DirectionSell {
		target = signal.EntryLow
		stop = signal.EffectiveCeiling
	}
	reward := target.Sub(signal.RefPrice).Abs().InlineFloat()
	risk := signal.RefPrice.Sub(stop).Abs().InlineFloat()
	if risk <= 0 {
		return 1
	}
	return reward / risk
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

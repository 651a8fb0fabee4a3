package risk

import (
	"context"
	"math"

	"github.com/quantedge/tradepipe/internal/domain"
)

// UtilityParams configures the power-utility asymmetry gate (spec
// §4.6 step 3). Default Alpha and Lambda sit mid-range of their bounds,
// Beta just below mid-range, and Ratio at its 3.0 minimum.
type UtilityParams struct {
	Alpha float64 // gain curvature, in [0.40, 0.80]
	Beta  float64 // loss curvature, in [1.10, 2.00]
	Lambda float64 // loss aversion multiplier, in [1.00, 3.00]
	Ratio  float64 // required utility-weighted edge, >= 3.0
}

// DefaultUtilityParams returns the mid-range defaults named in spec
// §4.6.
func DefaultUtilityParams() UtilityParams {
	return UtilityParams{Alpha: 0.60, Beta: 1.50, Lambda: 2.00, Ratio: 3.0}
}

// Utility is the power utility function U(x) = x^alpha for x>0,
// -lambda*|x|^beta for x<0 (spec §4.6).
func (p UtilityParams) Utility(x float64) float64 {
	if x > 0 {
		return math.Pow(x, p.Alpha)
	}
	if x < 0 {
		return -p.Lambda * math.Pow(math.Abs(x), p.Beta)
	}
	return 0
}

// Accepts reports whether p·U(gain) >= ratio·(1-p)·|U(loss)| for a
// trade with win probability p, proportional gain pi (profit target as
// a fraction of entry), and proportional loss ell (stop distance as a
// fraction of entry, expressed as a negative number).
func (p UtilityParams) Accepts(pWin, gain, loss float64) bool {
	lhs := pWin * p.Utility(gain)
	rhs := p.Ratio * (1 - pWin) * math.Abs(p.Utility(loss))
	return lhs >= rhs
}

// UtilityGate rejects signals whose risk/reward does not clear the
// power-utility asymmetry bar (spec §4.6 step 3).
func UtilityGate(params UtilityParams) Gate {
	return func(ctx context.Context, p PortfolioContext, signal domain.Signal, sizing Sizing) *domain.ValidationErrorCode {
		pWin := signal.PWin.InlineFloat()
		if !params.Accepts(pWin, sizing.GainFraction, sizing.LossFraction) {
			return code(domain.ErrUtilityGateFailed)
		}
		return nil
	}
}

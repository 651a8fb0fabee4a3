package signals

import "github.com/quantedge/tradepipe/internal/domain"

// Confluence is the aggregated cross-timeframe trigger result.
type Confluence struct {
	Type      domain.ConfluenceType
	Score     domain.Decimal
	Direction domain.Direction
	HTF       *Zone
	ITF       *Zone
	LTF       *Zone
}

// Evaluate classifies SINGLE/DOUBLE/TRIPLE confluence from the three
// zone sets and computes the weighted score (spec §4.4: HTF=0.5,
// ITF=0.3, LTF=0.2 by default).
func Evaluate(direction domain.Direction, htf, itf, ltf ZoneSet, cfg MtfConfig) (Confluence, bool) {
	htfZone, htfHit := htf.TriggeredZone(direction)
	itfZone, itfHit := itf.TriggeredZone(direction)
	ltfZone, ltfHit := ltf.TriggeredZone(direction)

	count := 0
	score := 0.0
	var result Confluence
	result.Direction = direction

	if htfHit {
		count++
		score += cfg.WeightHTF
		z := htfZone
		result.HTF = &z
	}
	if itfHit {
		count++
		score += cfg.WeightITF
		z := itfZone
		result.ITF = &z
	}
	if ltfHit {
		count++
		score += cfg.WeightLTF
		z := ltfZone
		result.LTF = &z
	}

	if count == 0 {
		return Confluence{}, false
	}

	switch count {
	case 1:
		result.Type = domain.ConfluenceSingle
	case 2:
		result.Type = domain.ConfluenceDouble
	case 3:
		result.Type = domain.ConfluenceTriple
	}
	result.Score = domain.NewFromFloat(score).RoundScore()
	return result, true
}

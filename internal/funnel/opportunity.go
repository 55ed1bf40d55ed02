package funnel

import "time"

// Opportunity is a candidate symbol discovered by a broad-scan source
// and, once it survives the strategic filter and deep dive, carries
// the analysis the Strategy Evaluator needs.
type Opportunity struct {
	Symbol          string
	Source          string // "movers" | "most_active" | "news" | "unusual_volume" | "sector_rotation"
	DiscoveredAt    time.Time
	Price           float64
	ChangePct       float64
	Volume          int64
	AvgVolume20     int64
	VolumeRatio     float64
	MarketCapBucket string
	Sector          string
	Halted          bool

	Score float64

	// Deep-dive analysis, populated only after stage 3.
	RSI14        float64
	MACD         float64
	MACDSignal   float64
	SpreadPct    float64
	ATR14        float64
	Sigma20      float64
	LatestBid    float64
	LatestAsk    float64
}

// Validate enforces the Opportunity invariants of §3.
func (o Opportunity) Validate() error {
	if o.Price <= 0 {
		return errInvalid("price must be > 0")
	}
	if o.AvgVolume20 > 0 {
		o.VolumeRatio = float64(o.Volume) / float64(o.AvgVolume20)
	}
	if o.VolumeRatio < 0 {
		return errInvalid("volume_ratio must be >= 0")
	}
	return nil
}

type fErr string

func (e fErr) Error() string { return string(e) }

func errInvalid(msg string) error { return fErr(msg) }

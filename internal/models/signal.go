package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignalType is the closed set of signals the engine can emit. Anything
// outside this set is rejected at emit time.
type SignalType string

const (
	SignalVolumeSpike    SignalType = "volume_spike"
	SignalPriceMovement  SignalType = "price_movement"
	SignalNewMarket      SignalType = "new_market"
	SignalActivitySurge  SignalType = "activity_surge"
	SignalMicrostructure SignalType = "microstructure"
	SignalCoordinated    SignalType = "coordinated_cross_market"
	SignalFrontRunning   SignalType = "front_running"
	SignalAnomaly        SignalType = "anomaly"
)

// Severity grades how alarming a signal's evidence is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Metadata is the typed evidence payload attached to a signal. Each signal
// type has exactly one payload variant.
type Metadata interface {
	Kind() SignalType
}

type VolumeSpikeMetadata struct {
	CurrentVolume   float64  `json:"current_volume"`
	BaselineVolume  float64  `json:"baseline_volume"`
	SpikeMultiplier float64  `json:"spike_multiplier"`
	Severity        Severity `json:"severity"`
}

func (VolumeSpikeMetadata) Kind() SignalType { return SignalVolumeSpike }

type PriceMovementMetadata struct {
	Outcome      string   `json:"outcome"`
	OutcomeIndex int      `json:"outcome_index"`
	ChangePct    float64  `json:"change_pct"`
	FromPrice    float64  `json:"from_price"`
	ToPrice      float64  `json:"to_price"`
	WindowMin    int      `json:"window_min"`
	Severity     Severity `json:"severity"`
}

func (PriceMovementMetadata) Kind() SignalType { return SignalPriceMovement }

type NewMarketMetadata struct {
	Volume        float64  `json:"volume"`
	ActivityScore float64  `json:"activity_score"`
	Severity      Severity `json:"severity"`
}

func (NewMarketMetadata) Kind() SignalType { return SignalNewMarket }

type ActivitySurgeMetadata struct {
	ActivityScore float64  `json:"activity_score"`
	Threshold     float64  `json:"threshold"`
	Severity      Severity `json:"severity"`
}

func (ActivitySurgeMetadata) Kind() SignalType { return SignalActivitySurge }

type MicrostructureMetadata struct {
	DepthZ          float64  `json:"depth_z"`
	SpreadZ         float64  `json:"spread_z"`
	ImbalanceZ      float64  `json:"imbalance_z"`
	MicroPriceDrift float64  `json:"micro_price_drift"`
	SpreadBps       float64  `json:"spread_bps"`
	LiquidityVacuum bool     `json:"liquidity_vacuum"`
	Severity        Severity `json:"severity"`
}

func (MicrostructureMetadata) Kind() SignalType { return SignalMicrostructure }

type CoordinatedMetadata struct {
	ClusterID        string   `json:"cluster_id"`
	Members          []string `json:"members"`
	AvgChangePct     float64  `json:"avg_change_pct"`
	CorrelationScore float64  `json:"correlation_score"`
	Severity         Severity `json:"severity"`
}

func (CoordinatedMetadata) Kind() SignalType { return SignalCoordinated }

type FrontRunningMetadata struct {
	Score             float64  `json:"score"`
	LeakProbability   float64  `json:"leak_probability"`
	TimeToNewsMin     float64  `json:"time_to_news_min"`
	MicroPriceDrift   float64  `json:"micro_price_drift"`
	DepthChange       float64  `json:"depth_change"`
	SpreadBps         float64  `json:"spread_bps"`
	CorrelatedMarkets int      `json:"correlated_markets"`
	OffHours          bool     `json:"off_hours"`
	Severity          Severity `json:"severity"`
}

func (FrontRunningMetadata) Kind() SignalType { return SignalFrontRunning }

type AnomalyMetadata struct {
	Consensus    float64  `json:"consensus"`
	Univariate   float64  `json:"univariate"`
	Mahalanobis  float64  `json:"mahalanobis"`
	Isolation    float64  `json:"isolation"`
	Features     []string `json:"features"`
	Explanation  string   `json:"explanation"`
	Remediations []string `json:"remediations"`
	Severity     Severity `json:"severity"`
}

func (AnomalyMetadata) Kind() SignalType { return SignalAnomaly }

// Signal is one detected event for one market. Market is the immutable
// per-tick copy the signal was produced from; components downstream must not
// mutate it.
type Signal struct {
	MarketID   string
	Market     *Market
	Type       SignalType
	Confidence float64
	At         time.Time
	Metadata   Metadata
}

var knownSignalTypes = map[SignalType]struct{}{
	SignalVolumeSpike:    {},
	SignalPriceMovement:  {},
	SignalNewMarket:      {},
	SignalActivitySurge:  {},
	SignalMicrostructure: {},
	SignalCoordinated:    {},
	SignalFrontRunning:   {},
	SignalAnomaly:        {},
}

// NewSignal validates the type/payload pairing at emit time.
func NewSignal(marketID string, market *Market, md Metadata, confidence float64, at time.Time) (Signal, error) {
	if md == nil {
		return Signal{}, fmt.Errorf("signal metadata is nil")
	}
	st := md.Kind()
	if _, ok := knownSignalTypes[st]; !ok {
		return Signal{}, fmt.Errorf("unknown signal type %q", st)
	}
	if marketID == "" {
		return Signal{}, fmt.Errorf("signal missing market id")
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Signal{
		MarketID:   marketID,
		Market:     market,
		Type:       st,
		Confidence: confidence,
		At:         at,
		Metadata:   md,
	}, nil
}

// Severity extracts the metadata severity; low when absent.
func (s Signal) Severity() Severity {
	switch md := s.Metadata.(type) {
	case VolumeSpikeMetadata:
		return md.Severity
	case PriceMovementMetadata:
		return md.Severity
	case NewMarketMetadata:
		return md.Severity
	case ActivitySurgeMetadata:
		return md.Severity
	case MicrostructureMetadata:
		return md.Severity
	case CoordinatedMetadata:
		return md.Severity
	case FrontRunningMetadata:
		return md.Severity
	case AnomalyMetadata:
		return md.Severity
	default:
		return SeverityLow
	}
}

// MarshalMetadata renders the payload for persistence.
func (s Signal) MarshalMetadata() ([]byte, error) {
	if s.Metadata == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(s.Metadata)
}

// Package bot wires every component into the scan-and-deliver pipeline: a
// single scan loop over the market catalog, a stream consumer for live order
// books, and one delivery worker per alert priority.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"sentinel/internal/alert"
	"sentinel/internal/anomaly"
	"sentinel/internal/category"
	"sentinel/internal/cluster"
	"sentinel/internal/config"
	"sentinel/internal/detector"
	"sentinel/internal/frontrun"
	"sentinel/internal/metrics"
	"sentinel/internal/microstructure"
	"sentinel/internal/models"
	"sentinel/internal/notify"
	"sentinel/internal/opportunity"
	"sentinel/internal/repository"
	"sentinel/internal/stats"
)

// Orchestrator owns the engine lifecycle. Construct with the struct literal,
// call Initialize once, then Run until the context ends. Stop is idempotent.
type Orchestrator struct {
	Logger  *zap.Logger
	Configs *config.Manager
	Metrics *metrics.Collector

	Catalog Catalog
	Stream  OrderBookStream
	Repo    repository.Repository

	Kernel      *stats.Kernel
	Anomaly     *anomaly.Detector
	Micro       *microstructure.Analyzer
	Detector    *detector.Detector
	Clusterer   *cluster.Clusterer
	FrontRun    *frontrun.Scorer
	Categorizer *category.Categorizer
	Opportunity *opportunity.Scorer
	Alerts      *alert.Manager
	Builder     *notify.Builder
	Dispatcher  *notify.Dispatcher

	queue *DeliveryQueue

	mu          sync.Mutex
	history     map[string][]models.Snapshot
	markets     map[string]*models.Market // last tick's copies, keyed by id
	assetFor    map[string]string         // assetID -> marketID
	frames      map[string]int            // per-market stream frame counter
	subID       string
	stopOnce    sync.Once
	cancelRun   context.CancelFunc
	cancelDrain context.CancelFunc
	wg          sync.WaitGroup
	deliveryWG  sync.WaitGroup
}

// Initialize validates the wiring and registers the hot-config subscription.
// A missing required port is fatal.
func (o *Orchestrator) Initialize() error {
	switch {
	case o.Configs == nil:
		return fmt.Errorf("config manager not wired")
	case o.Catalog == nil:
		return fmt.Errorf("market catalog port not wired")
	case o.Metrics == nil:
		return fmt.Errorf("metrics collector not wired")
	case o.Alerts == nil || o.Builder == nil || o.Dispatcher == nil:
		return fmt.Errorf("alert pipeline not wired")
	case o.Detector == nil || o.Opportunity == nil || o.Categorizer == nil:
		return fmt.Errorf("detection pipeline not wired")
	}
	if err := config.Validate(o.Configs.Get()); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	cfg := o.Configs.Get()
	o.queue = NewDeliveryQueue(cfg.Scan.QueueSize)
	o.history = map[string][]models.Snapshot{}
	o.markets = map[string]*models.Market{}
	o.assetFor = map[string]string{}
	o.frames = map[string]int{}

	o.subID = "orchestrator"
	o.Configs.OnConfigChange(o.subID, o.applyConfig)
	return nil
}

// applyConfig rebuilds only the affected component tables; running state
// (histories, counters, cooldowns) is preserved.
func (o *Orchestrator) applyConfig(cfg config.Config) {
	o.Detector.Reconfigure(cfg.Detection)
	if o.Anomaly != nil {
		o.Anomaly.Reconfigure(cfg.Anomaly)
	}
	o.Categorizer.Reconfigure(cfg.Categories)
	o.Opportunity.Reconfigure(cfg.Opportunity)
	o.Alerts.Reconfigure(cfg.Alerts)
	o.Metrics.SetThresholds(cfg.Metrics.Thresholds)
	if o.Logger != nil {
		o.Logger.Info("configuration applied",
			zap.Float64("volume_spike_multiplier", cfg.Detection.VolumeSpikeMultiplier),
			zap.Duration("scan_interval", cfg.Scan.Interval),
		)
	}
}

// Run starts the workers and blocks until ctx is done, then drains. Delivery
// workers live on a separate drain context so in-flight and queued alerts can
// still go out between run cancellation and the grace deadline.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancelRun = cancel
	o.cancelDrain = cancelDrain
	o.mu.Unlock()

	cfg := o.Configs.Get()

	for _, p := range lanePriorities {
		p := p
		o.deliveryWG.Add(1)
		go func() {
			defer o.deliveryWG.Done()
			o.deliveryWorker(runCtx, drainCtx, p)
		}()
	}

	if o.Stream != nil && cfg.Stream.Enabled {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.Stream.Run(runCtx); err != nil && runCtx.Err() == nil {
				o.Logger.Error("order-book stream stopped", zap.Error(err))
			}
		}()
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.consumeStream(runCtx)
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.Metrics.RunCollector(runCtx, cfg.Metrics.CollectInterval)
	}()

	o.scanLoop(runCtx)

	o.Stop()
	o.wg.Wait()
	o.deliveryWG.Wait()
	return ctx.Err()
}

// Stop cancels the scan and stream workers, lets the delivery workers finish
// the queued alerts up to the grace deadline, then cuts them off and discards
// whatever is left.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		cancel := o.cancelRun
		cancelDrain := o.cancelDrain
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if o.Configs != nil && o.subID != "" {
			o.Configs.OffConfigChange(o.subID)
		}
		if o.queue != nil {
			grace := o.Configs.Get().Scan.StopGrace
			if grace <= 0 {
				grace = 5 * time.Second
			}
			drained := make(chan struct{})
			go func() {
				o.deliveryWG.Wait()
				close(drained)
			}()
			select {
			case <-drained:
			case <-time.After(grace):
			}
		}
		if cancelDrain != nil {
			cancelDrain()
		}
		if o.queue != nil {
			if dropped := o.queue.Drain(); dropped > 0 && o.Logger != nil {
				o.Logger.Warn("dropped undelivered alerts at shutdown", zap.Int("count", dropped))
			}
		}
	})
}

// scanLoop ticks serially; a tick running long delays the next, ticks never
// overlap.
func (o *Orchestrator) scanLoop(ctx context.Context) {
	interval := o.Configs.Get().Scan.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		start := time.Now()
		if err := o.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			o.Metrics.Inc(metrics.CounterScanErrors, nil)
			o.Metrics.RecordError()
			o.Logger.Error("scan tick failed", zap.Error(err))
		}
		o.Metrics.Observe(metrics.HistogramScanDuration, time.Since(start).Seconds(), nil)
		o.Metrics.CheckThresholds()

		interval = o.Configs.Get().Scan.Interval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		timer.Reset(interval)
	}
}

// ScanOnce runs one full catalog pass: fetch, classify, score, detect,
// persist and enqueue.
func (o *Orchestrator) ScanOnce(ctx context.Context) error {
	cfg := o.Configs.Get()
	now := time.Now().UTC()

	fetched, err := o.Catalog.GetMarketsWithMinVolume(ctx, cfg.Catalog.MinVolumeFloor, cfg.Catalog.MaxMarkets)
	if err != nil {
		return fmt.Errorf("fetch markets: %w", err)
	}

	for _, m := range fetched {
		o.Categorizer.Categorize(m)
	}
	tracked := o.Categorizer.FilterMarketsByVolume(fetched)
	for _, m := range tracked {
		o.Opportunity.Score(m, now)
	}
	o.Metrics.SetGauge(metrics.GaugeMarketsTracked, float64(len(tracked)), nil)

	snapshots := o.updateHistories(tracked, now, cfg.Scan.SnapshotHistory)

	var signals []models.Signal
	for _, m := range tracked {
		signals = append(signals, o.Detector.Detect(m, o.historyFor(m.ID), now)...)
	}

	o.Clusterer.Assign(tracked)
	byID := make(map[string]*models.Market, len(tracked))
	for _, m := range tracked {
		byID[m.ID] = m
	}
	signals = append(signals, o.Clusterer.DetectAll(movementMap(snapshots), byID, now)...)

	o.mu.Lock()
	o.markets = byID
	o.mu.Unlock()

	for i := range signals {
		o.dispatchSignal(ctx, signals[i], now)
	}

	o.retargetStream(tracked, cfg.Stream.MaxAssets)
	o.persistPricePoints(ctx, snapshots)
	o.Metrics.SetGauge(metrics.GaugeQueueDepth, float64(o.queue.Depth()), nil)
	return nil
}

// dispatchSignal persists, evaluates and enqueues one signal. Failures on the
// persistence port are logged and counted, never fatal to the tick.
func (o *Orchestrator) dispatchSignal(ctx context.Context, sig models.Signal, now time.Time) {
	o.Metrics.Inc(metrics.CounterSignalsGenerated, map[string]string{"type": string(sig.Type)})
	o.persistSignal(ctx, sig)

	market := sig.Market
	if market == nil {
		o.mu.Lock()
		market = o.markets[sig.MarketID]
		o.mu.Unlock()
	}

	d := o.Alerts.Evaluate(sig, market, now)
	if !d.ShouldAlert {
		switch {
		case d.CooldownRemaining > 0:
			o.Metrics.Inc(metrics.CounterAlertsCooldown, nil)
		case d.Reason != "" && d.Reason != "disabled":
			o.Metrics.Inc(metrics.CounterAlertsFiltered, nil)
		}
		return
	}
	if err := o.queue.Push(ctx, Item{Signal: sig, Market: market, Decision: d}); err != nil && o.Logger != nil {
		o.Logger.Warn("enqueue cancelled", zap.String("market", sig.MarketID), zap.Error(err))
	}
}

func (o *Orchestrator) persistSignal(ctx context.Context, sig models.Signal) {
	if o.Repo == nil {
		return
	}
	md, err := sig.MarshalMetadata()
	if err != nil {
		o.Metrics.Inc(metrics.CounterInternalRecovered, nil)
		return
	}
	expires := sig.At.Add(7 * 24 * time.Hour)
	row := &models.SignalRow{
		MarketID:   sig.MarketID,
		SignalType: string(sig.Type),
		Confidence: sig.Confidence,
		Severity:   string(sig.Severity()),
		Metadata:   datatypes.JSON(md),
		ExpiresAt:  &expires,
	}
	if err := o.Repo.SaveSignal(ctx, row); err != nil {
		o.Metrics.RecordError()
		o.Logger.Warn("signal persist failed", zap.String("market", sig.MarketID), zap.Error(err))
	}
}

// deliveryWorker serializes webhook delivery for one priority lane and always
// records the outcome. Deliveries run on the drain context, which survives run
// cancellation: when the run context ends the worker keeps emptying its lane
// until it is dry or Stop cancels the drain at the grace deadline.
func (o *Orchestrator) deliveryWorker(ctx, drainCtx context.Context, p alert.Priority) {
	lane := o.queue.Lane(p)
	for {
		select {
		case <-ctx.Done():
			o.drainLane(drainCtx, lane, p)
			return
		case item, ok := <-lane:
			if !ok {
				return
			}
			o.deliver(drainCtx, item, p)
		}
	}
}

func (o *Orchestrator) drainLane(ctx context.Context, lane <-chan Item, p alert.Priority) {
	for ctx.Err() == nil {
		select {
		case item, ok := <-lane:
			if !ok {
				return
			}
			o.deliver(ctx, item, p)
		default:
			return
		}
	}
}

func (o *Orchestrator) deliver(ctx context.Context, item Item, p alert.Priority) {
	msg := o.Builder.Build(item.Signal, item.Market, item.Decision)
	err := o.Dispatcher.Send(ctx, msg)
	sent := err == nil
	if err != nil && ctx.Err() == nil {
		o.Metrics.RecordError()
		o.Logger.Warn("alert delivery failed",
			zap.String("market", item.Signal.MarketID),
			zap.String("priority", string(p)),
			zap.Error(err),
		)
	}
	now := time.Now().UTC()
	o.Alerts.RecordAlert(item.Signal, item.Decision.Priority, item.Decision.AdjustedScore, sent, now)
	o.persistAlertRecord(ctx, item, sent)
}

func (o *Orchestrator) persistAlertRecord(ctx context.Context, item Item, sent bool) {
	if o.Repo == nil {
		return
	}
	row := &models.AlertRecordRow{
		AlertID:          uuid.NewString(),
		MarketID:         item.Signal.MarketID,
		SignalType:       string(item.Signal.Type),
		Priority:         string(item.Decision.Priority),
		OpportunityScore: item.Decision.AdjustedScore,
		NotificationSent: sent,
	}
	if err := o.Repo.SaveAlertRecord(ctx, row); err != nil {
		o.Metrics.RecordError()
		o.Logger.Warn("alert record persist failed", zap.Error(err))
	}
}

// consumeStream feeds live frames through the microstructure, anomaly and
// front-running pipeline. A malformed frame is counted and skipped.
func (o *Orchestrator) consumeStream(ctx context.Context) {
	events := o.Stream.Events()
	archiveEvery := o.Configs.Get().Stream.ArchiveEvery
	for {
		select {
		case <-ctx.Done():
			return
		case ob, ok := <-events:
			if !ok {
				return
			}
			o.onOrderBook(ctx, ob, archiveEvery)
		}
	}
}

func (o *Orchestrator) onOrderBook(ctx context.Context, ob *models.OrderBook, archiveEvery int) {
	if ob == nil {
		return
	}
	ob.Normalize()
	if ob.MarketID == "" {
		o.mu.Lock()
		ob.MarketID = o.assetFor[ob.AssetID]
		o.mu.Unlock()
	}
	if err := ob.Validate(); err != nil {
		o.Metrics.Inc(metrics.CounterDataShapeErrors, nil)
		return
	}

	m := o.Micro.OnOrderBook(ob)

	o.mu.Lock()
	market := o.markets[ob.MarketID]
	o.frames[ob.MarketID]++
	frame := o.frames[ob.MarketID]
	o.mu.Unlock()

	now := m.At
	if sig := o.Micro.MaybeSignal(m, market); sig != nil {
		o.dispatchSignal(ctx, *sig, now)
	}

	correlated := len(o.Clusterer.CorrelatedMarkets(ob.MarketID))
	if sig := o.FrontRun.Evaluate(m, market, correlated); sig != nil {
		o.dispatchSignal(ctx, *sig, now)
	}

	if res := o.observeAnomaly(ob, m, market); res != nil {
		o.Metrics.Inc(metrics.CounterAnomalies, nil)
		sig, err := models.NewSignal(ob.MarketID, market, models.AnomalyMetadata{
			Consensus:    res.Consensus,
			Univariate:   res.Univariate,
			Mahalanobis:  res.Mahalanobis,
			Isolation:    res.Isolation,
			Features:     res.AnomalousFeatures,
			Explanation:  res.Explanation,
			Remediations: res.Remediations,
			Severity:     res.Severity,
		}, res.Consensus, now)
		if err == nil {
			o.dispatchSignal(ctx, sig, now)
		}
	}

	if archiveEvery > 0 && frame%archiveEvery == 0 {
		o.archiveOrderBook(ctx, ob)
	}
}

// observeAnomaly builds the feature vector and returns the result only when
// anomalous.
func (o *Orchestrator) observeAnomaly(ob *models.OrderBook, m microstructure.Metrics, market *models.Market) *anomaly.Result {
	if o.Anomaly == nil {
		return nil
	}
	volume := 0.0
	if market != nil {
		volume = market.Volume24h
	}
	vol := 0.0
	if o.Kernel != nil {
		prices := o.Kernel.Samples(ob.MarketID, stats.MetricMicroPrice)
		vol = o.Kernel.ComputeVolatility(ob.MarketID, prices, nil, nil, nil).EWMA
	}
	res := o.Anomaly.Observe(ob.MarketID, anomaly.FeatureVector{
		Volume:     volume,
		Depth:      m.Depth,
		Spread:     ob.Spread,
		Imbalance:  m.Imbalance,
		MicroPrice: m.MicroPrice,
		Volatility: vol,
		At:         m.At,
	})
	if !res.IsAnomalous {
		return nil
	}
	return &res
}

func (o *Orchestrator) archiveOrderBook(ctx context.Context, ob *models.OrderBook) {
	if o.Repo == nil {
		return
	}
	bids, err1 := marshalLevels(ob.Bids)
	asks, err2 := marshalLevels(ob.Asks)
	if err1 != nil || err2 != nil {
		o.Metrics.Inc(metrics.CounterInternalRecovered, nil)
		return
	}
	row := &models.OrderBookSnapshotRow{
		MarketID: ob.MarketID,
		AssetID:  ob.AssetID,
		Bids:     bids,
		Asks:     asks,
		BestBid:  ob.BestBid,
		BestAsk:  ob.BestAsk,
		At:       ob.At,
	}
	if err := o.Repo.SaveOrderBookSnapshot(ctx, row); err != nil {
		o.Metrics.RecordError()
		o.Logger.Warn("order book archive failed", zap.Error(err))
	}
}

// updateHistories appends one snapshot per tracked market, computing price
// changes against the prior snapshot, and drops markets that left the set.
func (o *Orchestrator) updateHistories(tracked []*models.Market, now time.Time, limit int) []models.Snapshot {
	if limit <= 0 {
		limit = 20
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	current := make(map[string]struct{}, len(tracked))
	snapshots := make([]models.Snapshot, 0, len(tracked))
	for _, m := range tracked {
		current[m.ID] = struct{}{}
		snap := models.Snapshot{
			MarketID:      m.ID,
			At:            now,
			Volume24h:     m.Volume24h,
			Prices:        append([]float64(nil), m.OutcomePrices...),
			ActivityScore: m.ActivityScore,
		}
		if prev := lastSnapshot(o.history[m.ID]); prev != nil {
			snap.PriceChange = priceChanges(prev.Prices, snap.Prices)
			if prev.Volume24h > 0 {
				snap.VolumeChangePct = (snap.Volume24h - prev.Volume24h) / prev.Volume24h * 100
			}
		}
		h := append(o.history[m.ID], snap)
		if len(h) > limit {
			h = h[len(h)-limit:]
		}
		o.history[m.ID] = h
		snapshots = append(snapshots, snap)
	}
	for id := range o.history {
		if _, ok := current[id]; !ok {
			delete(o.history, id)
			delete(o.frames, id)
			o.Detector.Forget(id)
		}
	}
	return snapshots
}

func (o *Orchestrator) historyFor(marketID string) []models.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Snapshot(nil), o.history[marketID]...)
}

// retargetStream points the depth feed at the ACTIVE tier's token ids.
func (o *Orchestrator) retargetStream(tracked []*models.Market, maxAssets int) {
	if o.Stream == nil {
		return
	}
	if maxAssets <= 0 {
		maxAssets = 200
	}
	// Highest opportunity first so the asset budget favors the best markets.
	active := make([]*models.Market, 0, len(tracked))
	for _, m := range tracked {
		if m.Tier == models.TierActive {
			active = append(active, m)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].OpportunityScore > active[j].OpportunityScore })

	assets := make([]string, 0, maxAssets)
	assetFor := map[string]string{}
	for _, m := range active {
		for _, tok := range m.TokenIDs {
			if len(assets) >= maxAssets {
				break
			}
			assets = append(assets, tok)
			assetFor[tok] = m.ID
		}
	}
	o.mu.Lock()
	o.assetFor = assetFor
	o.mu.Unlock()
	o.Stream.SetAssets(assets)
	o.Metrics.SetGauge(metrics.GaugeStreamedAssets, float64(len(assets)), nil)
}

func (o *Orchestrator) persistPricePoints(ctx context.Context, snapshots []models.Snapshot) {
	if o.Repo == nil || len(snapshots) == 0 {
		return
	}
	var rows []models.PricePointRow
	for _, s := range snapshots {
		for i, p := range s.Prices {
			rows = append(rows, models.PricePointRow{
				MarketID:  s.MarketID,
				Outcome:   i,
				Price:     p,
				Volume24h: decimalFrom(s.Volume24h),
				At:        s.At,
			})
		}
	}
	if err := o.Repo.SavePricePoints(ctx, rows); err != nil {
		o.Metrics.RecordError()
		o.Logger.Warn("price point persist failed", zap.Error(err))
	}
}

// Health aggregates component health for the status endpoint.
type Health struct {
	CatalogHealthy bool           `json:"catalog_healthy"`
	StreamHealthy  bool           `json:"stream_healthy"`
	StoreHealthy   bool           `json:"store_healthy"`
	MarketsTracked int            `json:"markets_tracked"`
	QueueDepth     int            `json:"queue_depth"`
	Clusters       map[string]int `json:"clusters"`
}

func (o *Orchestrator) Health(ctx context.Context) Health {
	h := Health{
		CatalogHealthy: o.Catalog != nil && o.Catalog.HealthCheck(ctx) == nil,
		StreamHealthy:  o.Stream == nil || o.Stream.Healthy(),
		StoreHealthy:   o.Repo == nil || o.Repo.HealthCheck(ctx) == nil,
	}
	if o.queue != nil {
		h.QueueDepth = o.queue.Depth()
	}
	o.mu.Lock()
	h.MarketsTracked = len(o.markets)
	o.mu.Unlock()
	if o.Clusterer != nil {
		h.Clusters = o.Clusterer.Describe()
	}
	return h
}

// movementMap extracts the strongest signed outcome change per market for the
// coordinated-movement detector.
func movementMap(snapshots []models.Snapshot) map[string]float64 {
	out := make(map[string]float64, len(snapshots))
	for _, s := range snapshots {
		best := 0.0
		for _, d := range s.PriceChange {
			if abs(d) > abs(best) {
				best = d
			}
		}
		if best != 0 {
			out[s.MarketID] = best
		}
	}
	return out
}

func lastSnapshot(h []models.Snapshot) *models.Snapshot {
	if len(h) == 0 {
		return nil
	}
	return &h[len(h)-1]
}

func priceChanges(prev, cur []float64) map[int]float64 {
	if len(prev) == 0 || len(cur) == 0 {
		return nil
	}
	out := map[int]float64{}
	n := len(prev)
	if len(cur) < n {
		n = len(cur)
	}
	for i := 0; i < n; i++ {
		if prev[i] > 0 {
			out[i] = (cur[i] - prev[i]) / prev[i] * 100
		}
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func marshalLevels(levels []models.Level) (datatypes.JSON, error) {
	b, err := json.Marshal(levels)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func decimalFrom(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

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
	"sentinel/internal/stats"
)

type stubCatalog struct {
	mu      sync.Mutex
	markets []*models.Market
	err     error
}

func (s *stubCatalog) set(markets []*models.Market) {
	s.mu.Lock()
	s.markets = markets
	s.mu.Unlock()
}

func (s *stubCatalog) GetMarketsWithMinVolume(context.Context, float64, int) ([]*models.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	// Fresh copies per tick, like the real adapter.
	out := make([]*models.Market, len(s.markets))
	for i, m := range s.markets {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func (s *stubCatalog) GetMarketByID(_ context.Context, id string) (*models.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.markets {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubCatalog) HealthCheck(context.Context) error { return nil }

type stubRepo struct {
	mu      sync.Mutex
	signals []models.SignalRow
	alerts  []models.AlertRecordRow
}

func (r *stubRepo) SaveSignal(_ context.Context, row *models.SignalRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, *row)
	return nil
}

func (r *stubRepo) ListSignals(context.Context, string, int) ([]models.SignalRow, error) {
	return nil, nil
}
func (r *stubRepo) DeleteExpiredSignals(context.Context, time.Time) (int64, error) { return 0, nil }
func (r *stubRepo) SaveAlertRecord(_ context.Context, row *models.AlertRecordRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, *row)
	return nil
}
func (r *stubRepo) ListAlertRecords(context.Context, string, int) ([]models.AlertRecordRow, error) {
	return nil, nil
}
func (r *stubRepo) SavePricePoints(context.Context, []models.PricePointRow) error { return nil }
func (r *stubRepo) GetPriceHistory(context.Context, string, int) ([]models.PricePointRow, error) {
	return nil, nil
}
func (r *stubRepo) SaveOrderBookSnapshot(context.Context, *models.OrderBookSnapshotRow) error {
	return nil
}
func (r *stubRepo) SaveBacktestResults(context.Context, *models.BacktestResultRow) error { return nil }
func (r *stubRepo) GetBacktestResults(context.Context, string, int) ([]models.BacktestResultRow, error) {
	return nil, nil
}
func (r *stubRepo) HealthCheck(context.Context) error { return nil }

func (r *stubRepo) signalsOfType(st models.SignalType) []models.SignalRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SignalRow
	for _, s := range r.signals {
		if s.SignalType == string(st) {
			out = append(out, s)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, catalog *stubCatalog, repo *stubRepo) *Orchestrator {
	t.Helper()
	return newTestOrchestratorWebhook(t, catalog, repo, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func newTestOrchestratorWebhook(t *testing.T, catalog *stubCatalog, repo *stubRepo, webhook http.HandlerFunc) *Orchestrator {
	t.Helper()
	mgr, err := config.NewManager(config.Default())
	if err != nil {
		t.Fatalf("config manager: %v", err)
	}
	cfg := mgr.Get()
	logger := zap.NewNop()
	collector := metrics.NewCollector(logger, cfg.Metrics.Thresholds)
	kernel := stats.NewKernel()
	categorizer := category.New(logger, cfg.Categories)

	srv := httptest.NewServer(webhook)
	t.Cleanup(srv.Close)
	webhookCfg := cfg.Webhook
	webhookCfg.URL = srv.URL

	o := &Orchestrator{
		Logger:      logger,
		Configs:     mgr,
		Metrics:     collector,
		Catalog:     catalog,
		Repo:        repo,
		Kernel:      kernel,
		Anomaly:     anomaly.NewDetector(kernel, logger, cfg.Anomaly),
		Micro:       microstructure.NewAnalyzer(kernel, logger, cfg.Microstructure),
		Detector:    detector.New(kernel, logger, cfg.Detection),
		Clusterer:   cluster.New(logger, cfg.Cluster, nil),
		FrontRun:    frontrun.New(kernel, logger, cfg.FrontRun),
		Categorizer: categorizer,
		Opportunity: opportunity.New(logger, categorizer, cfg.Opportunity),
		Alerts:      alert.NewManager(logger, collector, cfg.Alerts),
		Builder:     &notify.Builder{Health: kernel},
		Dispatcher:  notify.NewDispatcher(logger, collector, webhookCfg),
	}
	if err := o.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return o
}

func electionMarket(volume24h float64) *models.Market {
	return &models.Market{
		ID:            "m1",
		Slug:          "presidential-election",
		Question:      "Who will win the presidential election?",
		Outcomes:      []string{"A", "B"},
		OutcomePrices: []float64{0.55, 0.45},
		Volume:        125000,
		Volume24h:     volume24h,
		Liquidity:     20000,
		Active:        true,
		EndDate:       time.Now().UTC().Add(14 * 24 * time.Hour),
		CreatedAt:     time.Now().UTC().Add(-10 * 24 * time.Hour),
	}
}

func TestInitializeRequiresPorts(t *testing.T) {
	o := &Orchestrator{}
	if err := o.Initialize(); err == nil {
		t.Fatalf("missing ports should be fatal")
	}
}

func TestVolumeSpikeEndToEnd(t *testing.T) {
	catalog := &stubCatalog{}
	repo := &stubRepo{}
	o := newTestOrchestrator(t, catalog, repo)
	ctx := context.Background()

	// Seed ten quiet ticks of steady 10k volume.
	catalog.set([]*models.Market{electionMarket(10000)})
	for i := 0; i < 10; i++ {
		if err := o.ScanOnce(ctx); err != nil {
			t.Fatalf("seed tick %d: %v", i, err)
		}
	}
	// The 5x spike tick.
	catalog.set([]*models.Market{electionMarket(50000)})
	if err := o.ScanOnce(ctx); err != nil {
		t.Fatalf("spike tick: %v", err)
	}

	spikes := repo.signalsOfType(models.SignalVolumeSpike)
	if len(spikes) != 1 {
		t.Fatalf("expected exactly one volume_spike, got %d", len(spikes))
	}
	var md models.VolumeSpikeMetadata
	if err := json.Unmarshal(spikes[0].Metadata, &md); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if md.CurrentVolume != 50000 {
		t.Fatalf("currentVolume=%v want 50000", md.CurrentVolume)
	}
	if md.SpikeMultiplier < 4.9 || md.SpikeMultiplier > 5.1 {
		t.Fatalf("multiplier=%v want ~5.0", md.SpikeMultiplier)
	}
	if spikes[0].Confidence <= 0.5 {
		t.Fatalf("confidence=%v want > 0.5", spikes[0].Confidence)
	}

	// The approved signal is waiting on a delivery lane.
	if o.queue.Depth() == 0 {
		t.Fatalf("approved signal should be enqueued for delivery")
	}
}

func TestScanIdempotentOnUnchangedInput(t *testing.T) {
	catalog := &stubCatalog{}
	repo := &stubRepo{}
	o := newTestOrchestrator(t, catalog, repo)
	ctx := context.Background()

	catalog.set([]*models.Market{electionMarket(10000)})
	if err := o.ScanOnce(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	first := len(repo.signals)
	// Second pass on the same input inside the dedup window adds nothing.
	if err := o.ScanOnce(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(repo.signals) != first {
		t.Fatalf("unchanged input emitted new signals: %d -> %d", first, len(repo.signals))
	}
}

func TestDeliveryWorkerRecordsOutcome(t *testing.T) {
	catalog := &stubCatalog{}
	repo := &stubRepo{}
	o := newTestOrchestrator(t, catalog, repo)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go o.deliveryWorker(ctx, context.Background(), alert.PriorityHigh)

	sig, _ := models.NewSignal("m1", nil, models.VolumeSpikeMetadata{
		CurrentVolume: 50000, BaselineVolume: 10000, SpikeMultiplier: 5, Severity: models.SeverityHigh,
	}, 0.8, time.Now().UTC())
	item := Item{
		Signal:   sig,
		Market:   electionMarket(50000),
		Decision: alert.Decision{ShouldAlert: true, Priority: alert.PriorityHigh, AdjustedScore: 70},
	}
	if err := o.queue.Push(ctx, item); err != nil {
		t.Fatalf("push: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		repo.mu.Lock()
		n := len(repo.alerts)
		repo.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.alerts) != 1 {
		t.Fatalf("delivery outcome not recorded")
	}
	if !repo.alerts[0].NotificationSent {
		t.Fatalf("2xx webhook should record sent=true: %+v", repo.alerts[0])
	}
	if o.Alerts.HourlyCount(alert.PriorityHigh, time.Now().UTC()) != 1 {
		t.Fatalf("hourly counter should advance on a sent alert")
	}
}

func TestHotConfigRebuild(t *testing.T) {
	catalog := &stubCatalog{}
	o := newTestOrchestrator(t, catalog, &stubRepo{})

	next := o.Configs.Get()
	next.Detection.VolumeSpikeMultiplier = 4.5
	if err := o.Configs.Update(next); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := o.Detector.Config.VolumeSpikeMultiplier; got != 4.5 {
		t.Fatalf("detector threshold after hot config=%v want 4.5", got)
	}
	next = o.Configs.Get()
	next.Anomaly.ConsensusThreshold = 0.8
	if err := o.Configs.Update(next); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := o.Anomaly.Threshold; got != 0.8 {
		t.Fatalf("anomaly threshold after hot config=%v want 0.8", got)
	}

	// An invalid update is rejected and nothing changes.
	bad := o.Configs.Get()
	bad.Detection.VolumeSpikeMultiplier = 0.5
	if err := o.Configs.Update(bad); err == nil {
		t.Fatalf("multiplier <= 1 must be rejected")
	}
	if got := o.Detector.Config.VolumeSpikeMultiplier; got != 4.5 {
		t.Fatalf("rejected update must not apply, got %v", got)
	}
}

func TestStopDrainsQueuedAlerts(t *testing.T) {
	var hits atomic.Int32
	catalog := &stubCatalog{}
	repo := &stubRepo{}
	o := newTestOrchestratorWebhook(t, catalog, repo, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()

	// Queue five HIGH alerts against a slow webhook, then request shutdown
	// before they can all go out.
	for i := 0; i < 5; i++ {
		sig, _ := models.NewSignal(fmt.Sprintf("m%d", i), nil, models.VolumeSpikeMetadata{
			CurrentVolume: 50000, BaselineVolume: 10000, SpikeMultiplier: 5, Severity: models.SeverityHigh,
		}, 0.8, time.Now().UTC())
		item := Item{
			Signal:   sig,
			Market:   electionMarket(50000),
			Decision: alert.Decision{ShouldAlert: true, Priority: alert.PriorityHigh, AdjustedScore: 70},
		}
		if err := o.queue.Push(context.Background(), item); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not return after stop")
	}
	if got := hits.Load(); got != 5 {
		t.Fatalf("delivered %d/5 queued alerts before shutdown completed", got)
	}
	if n := o.Alerts.HourlyCount(alert.PriorityHigh, time.Now().UTC()); n != 5 {
		t.Fatalf("hourly count=%d want 5 after drained deliveries", n)
	}
}

func TestScanForgetsDepartedMarkets(t *testing.T) {
	catalog := &stubCatalog{}
	repo := &stubRepo{}
	o := newTestOrchestrator(t, catalog, repo)
	ctx := context.Background()
	now := time.Now().UTC()

	m := electionMarket(10000)
	hist := []models.Snapshot{
		{MarketID: m.ID, At: now.Add(-time.Minute), Volume24h: 10000, Prices: []float64{0.55, 0.45}},
		{MarketID: m.ID, At: now, Volume24h: 50000, Prices: []float64{0.55, 0.45}},
	}
	if sigs := o.Detector.Detect(m, hist, now); len(sigs) != 1 {
		t.Fatalf("spike history should emit once, got %d", len(sigs))
	}
	// Inside the dedup window the same spike stays suppressed.
	if sigs := o.Detector.Detect(m, hist, now.Add(time.Minute)); len(sigs) != 0 {
		t.Fatalf("repeat inside window emitted %d signals", len(sigs))
	}

	// A tick where the market left the catalog drops its dedup state.
	catalog.set([]*models.Market{m})
	if err := o.ScanOnce(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	catalog.set(nil)
	if err := o.ScanOnce(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if sigs := o.Detector.Detect(m, hist, now.Add(2*time.Minute)); len(sigs) != 1 {
		t.Fatalf("departed market should emit fresh, got %d", len(sigs))
	}
}

func TestStopIdempotent(t *testing.T) {
	catalog := &stubCatalog{}
	o := newTestOrchestrator(t, catalog, &stubRepo{})
	o.Stop()
	o.Stop()
}

func TestHealthAggregation(t *testing.T) {
	catalog := &stubCatalog{}
	o := newTestOrchestrator(t, catalog, &stubRepo{})
	catalog.set([]*models.Market{electionMarket(10000)})
	if err := o.ScanOnce(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h := o.Health(context.Background())
	if !h.CatalogHealthy || !h.StoreHealthy || !h.StreamHealthy {
		t.Fatalf("health=%+v", h)
	}
	if h.MarketsTracked != 1 {
		t.Fatalf("tracked=%d want 1", h.MarketsTracked)
	}
}

// Package clob streams live order-book frames from the CLOB market websocket.
// The adapter owns connection lifecycle and retargeting; consumers only see a
// bounded channel of decoded frames.
package clob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"sentinel/internal/config"
	"sentinel/internal/metrics"
	"sentinel/internal/models"
)

const DefaultMarketWSSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

const (
	backoffMin        = time.Second
	backoffMax        = 30 * time.Second
	heartbeatInterval = 20 * time.Second
	pingTimeout       = 5 * time.Second
)

type subscribeRequest struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids,omitempty"`
}

type subscriptionUpdate struct {
	AssetsIDs []string `json:"assets_ids"`
	Operation string   `json:"operation"`
}

type envelope struct {
	EventType string     `json:"event_type"`
	AssetID   string     `json:"asset_id"`
	Market    string     `json:"market"`
	Timestamp string     `json:"timestamp"`
	Bids      []rawLevel `json:"bids"`
	Asks      []rawLevel `json:"asks"`
	// Older book frames use buys/sells instead of bids/asks.
	Buys  []rawLevel `json:"buys"`
	Sells []rawLevel `json:"sells"`
}

type rawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Stream maintains one websocket connection, resubscribing across reconnects
// and applying SetAssets retargets on a refresh tick. Each asset gets its own
// bounded lane fanned into one outbound channel, so a hot market's burst can
// fill only its own lane; a full lane drops the newest frame and counts it.
type Stream struct {
	logger  *zap.Logger
	metrics *metrics.Collector
	cfg     config.StreamConfig

	out     chan *models.OrderBook
	healthy atomic.Bool

	mu      sync.Mutex
	desired []string
	lastTS  map[string]string
	lanes   map[string]chan *models.OrderBook
	done    chan struct{}
	laneWG  sync.WaitGroup
}

func NewStream(logger *zap.Logger, collector *metrics.Collector, cfg config.StreamConfig) *Stream {
	if cfg.URL == "" {
		cfg.URL = DefaultMarketWSSURL
	}
	if cfg.ChannelDepth <= 0 {
		cfg.ChannelDepth = 1000
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	return &Stream{
		logger:  logger,
		metrics: collector,
		cfg:     cfg,
		out:     make(chan *models.OrderBook),
		lastTS:  map[string]string{},
		lanes:   map[string]chan *models.OrderBook{},
	}
}

// SetAssets replaces the wanted asset set. The delta is pushed to the venue on
// the next refresh tick, or at (re)connect, whichever comes first.
func (s *Stream) SetAssets(assetIDs []string) {
	s.mu.Lock()
	s.desired = append([]string(nil), assetIDs...)
	s.mu.Unlock()
}

func (s *Stream) Events() <-chan *models.OrderBook { return s.out }

func (s *Stream) Healthy() bool { return s.healthy.Load() }

// Run blocks until ctx is done, reconnecting with jittered backoff.
func (s *Stream) Run(ctx context.Context) error {
	s.mu.Lock()
	s.done = make(chan struct{})
	for _, lane := range s.lanes {
		s.laneWG.Add(1)
		go s.forward(lane, s.done)
	}
	s.mu.Unlock()
	defer s.shutdownLanes()
	backoff := backoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		assets := s.snapshot()
		if len(assets) == 0 {
			// Nothing to watch yet; poll for a retarget.
			if err := sleepWithJitter(ctx, backoffMin); err != nil {
				return err
			}
			continue
		}
		err := s.runOnce(ctx, assets)
		s.healthy.Store(false)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		if s.logger != nil {
			s.logger.Warn("book stream disconnected", zap.Error(err))
		}
		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff)
	}
}

func (s *Stream) runOnce(ctx context.Context, assets []string) error {
	conn, _, err := websocket.Dial(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	// Book snapshots for deep markets exceed the 32KB default.
	conn.SetReadLimit(2 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "reconnect")

	if err := s.subscribe(ctx, conn, assets); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.healthy.Store(true)
	if s.logger != nil {
		s.logger.Info("book stream subscribed", zap.Int("assets", len(assets)))
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	bgErr := make(chan error, 2)
	go s.heartbeat(connCtx, conn, bgErr)
	go s.refresh(connCtx, conn, assets, bgErr)

	for {
		select {
		case err := <-bgErr:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		default:
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handleMessage(data)
	}
}

func (s *Stream) subscribe(ctx context.Context, conn *websocket.Conn, assets []string) error {
	payload, err := json.Marshal(subscribeRequest{Type: "market", AssetsIDs: assets})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (s *Stream) heartbeat(ctx context.Context, conn *websocket.Conn, out chan<- error) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			out <- ctx.Err()
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				out <- fmt.Errorf("ping: %w", err)
				return
			}
		}
	}
}

// refresh diffs the desired asset set against the live subscription.
func (s *Stream) refresh(ctx context.Context, conn *websocket.Conn, assets []string, out chan<- error) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	current := setFromSlice(assets)
	for {
		select {
		case <-ctx.Done():
			out <- ctx.Err()
			return
		case <-ticker.C:
			next := setFromSlice(s.snapshot())
			added, removed := diffSets(current, next)
			if len(added) > 0 {
				if err := s.updateSubscription(ctx, conn, added, "subscribe"); err != nil {
					out <- err
					return
				}
			}
			if len(removed) > 0 {
				if err := s.updateSubscription(ctx, conn, removed, "unsubscribe"); err != nil {
					out <- err
					return
				}
				s.dropLanes(removed)
			}
			current = next
		}
	}
}

func (s *Stream) updateSubscription(ctx context.Context, conn *websocket.Conn, assets []string, op string) error {
	payload, err := json.Marshal(subscriptionUpdate{AssetsIDs: assets, Operation: op})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// handleMessage decodes one wire message, which may carry a single event or
// an array of events, and emits every decodable book frame.
func (s *Stream) handleMessage(data []byte) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "ping" || trimmed == "pong" {
		return
	}
	var envs []envelope
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &envs); err != nil {
			return
		}
	} else {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		envs = []envelope{env}
	}
	for _, env := range envs {
		if !strings.EqualFold(env.EventType, "book") {
			continue
		}
		ob, ok := s.decodeBook(env)
		if !ok {
			continue
		}
		s.emit(ob)
	}
}

func (s *Stream) decodeBook(env envelope) (*models.OrderBook, bool) {
	if env.AssetID == "" {
		return nil, false
	}
	// The venue occasionally re-sends the same snapshot; identical timestamps
	// per asset carry no new information.
	s.mu.Lock()
	if env.Timestamp != "" && s.lastTS[env.AssetID] == env.Timestamp {
		s.mu.Unlock()
		return nil, false
	}
	s.lastTS[env.AssetID] = env.Timestamp
	s.mu.Unlock()

	bids := env.Bids
	if len(bids) == 0 {
		bids = env.Buys
	}
	asks := env.Asks
	if len(asks) == 0 {
		asks = env.Sells
	}
	ob := &models.OrderBook{
		MarketID: env.Market,
		AssetID:  env.AssetID,
		At:       parseMillis(env.Timestamp),
		Bids:     decodeLevels(bids),
		Asks:     decodeLevels(asks),
	}
	if len(ob.Bids) == 0 && len(ob.Asks) == 0 {
		return nil, false
	}
	return ob, true
}

// emit routes the frame onto its asset's lane, creating the lane on first
// sight. A full lane drops the newest frame for that asset only; a stale book
// frame is worthless once a newer one exists anyway.
func (s *Stream) emit(ob *models.OrderBook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lane, ok := s.lanes[ob.AssetID]
	if !ok {
		lane = make(chan *models.OrderBook, s.cfg.ChannelDepth)
		s.lanes[ob.AssetID] = lane
		if s.done != nil {
			s.laneWG.Add(1)
			go s.forward(lane, s.done)
		}
	}
	select {
	case lane <- ob:
	default:
		if s.metrics != nil {
			s.metrics.Inc(metrics.CounterQueueDropped, nil)
		}
	}
}

// forward is the single consumer of one asset's lane, preserving that asset's
// frame order into the shared outbound channel.
func (s *Stream) forward(lane <-chan *models.OrderBook, done <-chan struct{}) {
	defer s.laneWG.Done()
	for {
		select {
		case ob, ok := <-lane:
			if !ok {
				return
			}
			select {
			case s.out <- ob:
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Stream) shutdownLanes() {
	s.mu.Lock()
	done := s.done
	s.done = nil
	lanes := s.lanes
	s.lanes = map[string]chan *models.OrderBook{}
	s.mu.Unlock()
	close(done)
	for _, lane := range lanes {
		close(lane)
	}
	s.laneWG.Wait()
	close(s.out)
}

// dropLanes discards the lanes of assets that were unsubscribed.
func (s *Stream) dropLanes(assets []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assets {
		if lane, ok := s.lanes[a]; ok {
			delete(s.lanes, a)
			close(lane)
		}
		delete(s.lastTS, a)
	}
}

func (s *Stream) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.desired...)
}

func decodeLevels(raw []rawLevel) []models.Level {
	out := make([]models.Level, 0, len(raw))
	for _, l := range raw {
		price, err1 := decimal.NewFromString(l.Price)
		size, err2 := decimal.NewFromString(l.Size)
		if err1 != nil || err2 != nil {
			continue
		}
		p, _ := price.Float64()
		sz, _ := size.Float64()
		out = append(out, models.Level{Price: p, Size: sz})
	}
	return out
}

func parseMillis(ts string) time.Time {
	if ts == "" {
		return time.Now().UTC()
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func sleepWithJitter(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return nil
	}
	jitter := time.Duration(rand.Int63n(int64(base / 2)))
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func setFromSlice(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = struct{}{}
	}
	return out
}

func diffSets(current, next map[string]struct{}) ([]string, []string) {
	added := make([]string, 0)
	removed := make([]string, 0)
	for key := range next {
		if _, ok := current[key]; !ok {
			added = append(added, key)
		}
	}
	for key := range current {
		if _, ok := next[key]; !ok {
			removed = append(removed, key)
		}
	}
	return added, removed
}

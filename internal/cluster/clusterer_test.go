package cluster

import (
	"reflect"
	"testing"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/models"
)

func newTestClusterer() *Clusterer {
	return New(nil, config.Default().Cluster, nil)
}

func trumpMarkets() []*models.Market {
	return []*models.Market{
		{ID: "m1", Question: "Will Trump win the 2028 election?"},
		{ID: "m2", Question: "Will Trump pardon himself?"},
		{ID: "m3", Question: "Trump approval rating above 50%?"},
		{ID: "m4", Question: "Will Donald Trump attend the debate?"},
		{ID: "m5", Question: "Will it rain in London tomorrow?"},
	}
}

func TestAssignMembership(t *testing.T) {
	c := newTestClusterer()
	c.Assign(trumpMarkets())

	members := c.Members("trump")
	want := []string{"m1", "m2", "m3", "m4"}
	if !reflect.DeepEqual(members, want) {
		t.Fatalf("trump members=%v want %v", members, want)
	}
	if got := c.Members("fed"); len(got) != 0 {
		t.Fatalf("fed should be empty: %v", got)
	}
}

func TestScoreNeedsMoreThanOneHit(t *testing.T) {
	c := newTestClusterer()
	// Keyword appears in description only: one substring hit, score 1, not a member.
	m := &models.Market{ID: "m1", Question: "Will the bill pass?", Description: "Analysts cite trump factor"}
	c.Assign([]*models.Market{m})
	if got := c.Members("trump"); len(got) != 0 {
		t.Fatalf("description-only mention should not join: %v", got)
	}
	// Word-boundary hit in the question scores 1+2=3.
	m2 := &models.Market{ID: "m2", Question: "Will Trump run again?"}
	c.Assign([]*models.Market{m2})
	if got := c.Members("trump"); len(got) != 1 {
		t.Fatalf("question mention should join: %v", got)
	}
}

func TestMultiClusterMembership(t *testing.T) {
	c := newTestClusterer()
	m := &models.Market{ID: "m1", Question: "Will Trump win the election?"}
	c.Assign([]*models.Market{m})
	clusters := c.ClustersOf("m1")
	if len(clusters) < 2 {
		t.Fatalf("market should join both trump and us-election: %v", clusters)
	}
}

func TestCorrelatedMarkets(t *testing.T) {
	c := newTestClusterer()
	c.Assign(trumpMarkets())
	got := c.CorrelatedMarkets("m1")
	for _, id := range got {
		if id == "m1" {
			t.Fatalf("correlated set must exclude self")
		}
	}
	if len(got) != 3 {
		t.Fatalf("correlated=%v want the 3 other trump markets", got)
	}
}

func TestCoordinatedMovement(t *testing.T) {
	c := newTestClusterer()
	c.Assign(trumpMarkets())

	changes := map[string]float64{
		"m1": 3.0,
		"m2": 4.0,
		"m3": 3.5,
		"m4": -0.5,
	}
	mv := c.DetectMovement("trump", changes)
	if mv == nil {
		t.Fatalf("expected a movement report")
	}
	if !reflect.DeepEqual(mv.Members, []string{"m1", "m2", "m3"}) {
		t.Fatalf("members=%v want [m1 m2 m3]", mv.Members)
	}
	if mv.AvgChangePct < 3.49 || mv.AvgChangePct > 3.51 {
		t.Fatalf("avg=%v want ~3.5", mv.AvgChangePct)
	}
	if mv.CorrelationScore != 0.75 {
		t.Fatalf("correlation=%v want 0.75", mv.CorrelationScore)
	}
}

func TestMovementNeedsSharedSign(t *testing.T) {
	c := newTestClusterer()
	c.Assign(trumpMarkets())

	// Two big movers in opposite directions: no coordination.
	changes := map[string]float64{"m1": 5.0, "m2": -5.0}
	if mv := c.DetectMovement("trump", changes); mv != nil {
		t.Fatalf("opposite signs should not report: %+v", mv)
	}
	// One mover alone is not coordination either.
	if mv := c.DetectMovement("trump", map[string]float64{"m1": 8.0}); mv != nil {
		t.Fatalf("single mover should not report: %+v", mv)
	}
}

func TestDetectAllEmitsSignal(t *testing.T) {
	c := newTestClusterer()
	markets := trumpMarkets()
	c.Assign(markets)
	byID := map[string]*models.Market{}
	for _, m := range markets {
		byID[m.ID] = m
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	changes := map[string]float64{"m1": 3.0, "m2": 4.0, "m3": 3.5, "m4": -0.5}
	signals := c.DetectAll(changes, byID, now)
	if len(signals) != 1 {
		t.Fatalf("expected one coordinated signal, got %+v", signals)
	}
	sig := signals[0]
	if sig.Type != models.SignalCoordinated {
		t.Fatalf("type=%v", sig.Type)
	}
	if sig.MarketID != "m2" {
		t.Fatalf("signal should attach to the strongest mover, got %v", sig.MarketID)
	}
	md := sig.Metadata.(models.CoordinatedMetadata)
	if md.ClusterID != "trump" || md.CorrelationScore != 0.75 {
		t.Fatalf("metadata=%+v", md)
	}
}

package models

import (
	"fmt"
	"sort"
	"time"
)

// Level is a single order-book price level. Prices are probabilities in
// [0,1]; Volume is price*size in notional terms.
type Level struct {
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
	Volume float64 `json:"volume"`
}

// OrderBook is one depth frame for a market. Bids sorted descending, asks
// ascending; BestAsk >= BestBid. Spread is absolute (ask-bid), never
// normalized by mid: a 2.7 cent spread costs the same whether the market
// trades at 5% or 95%.
type OrderBook struct {
	MarketID string
	AssetID  string
	At       time.Time

	Bids []Level
	Asks []Level

	BestBid  float64
	BestAsk  float64
	Spread   float64
	MidPrice float64
}

// Normalize sorts the sides, fills level volumes and recomputes the derived
// best/spread/mid fields.
func (ob *OrderBook) Normalize() {
	sort.Slice(ob.Bids, func(i, j int) bool { return ob.Bids[i].Price > ob.Bids[j].Price })
	sort.Slice(ob.Asks, func(i, j int) bool { return ob.Asks[i].Price < ob.Asks[j].Price })
	for i := range ob.Bids {
		ob.Bids[i].Volume = ob.Bids[i].Price * ob.Bids[i].Size
	}
	for i := range ob.Asks {
		ob.Asks[i].Volume = ob.Asks[i].Price * ob.Asks[i].Size
	}
	if len(ob.Bids) > 0 {
		ob.BestBid = ob.Bids[0].Price
	}
	if len(ob.Asks) > 0 {
		ob.BestAsk = ob.Asks[0].Price
	}
	if ob.BestBid > 0 && ob.BestAsk > 0 {
		ob.Spread = ob.BestAsk - ob.BestBid
		ob.MidPrice = (ob.BestAsk + ob.BestBid) / 2
	}
}

// Validate rejects malformed frames. Callers treat a validation failure as a
// data-shape error: skip the frame and count it, never abort the consumer.
func (ob *OrderBook) Validate() error {
	if ob.MarketID == "" && ob.AssetID == "" {
		return fmt.Errorf("order book missing market identity")
	}
	if len(ob.Bids) == 0 && len(ob.Asks) == 0 {
		return fmt.Errorf("order book has no levels")
	}
	for _, l := range append(append([]Level{}, ob.Bids...), ob.Asks...) {
		if l.Price < 0 || l.Price > 1 {
			return fmt.Errorf("price %.4f outside [0,1]", l.Price)
		}
		if l.Size < 0 {
			return fmt.Errorf("negative size %.4f", l.Size)
		}
	}
	if ob.BestBid > 0 && ob.BestAsk > 0 && ob.BestAsk < ob.BestBid {
		return fmt.Errorf("crossed book: ask %.4f < bid %.4f", ob.BestAsk, ob.BestBid)
	}
	return nil
}

// BidVolume sums notional volume over the top depth levels (0 = all).
func (ob *OrderBook) BidVolume(depth int) float64 {
	return sumVolume(ob.Bids, depth)
}

// AskVolume sums notional volume over the top depth levels (0 = all).
func (ob *OrderBook) AskVolume(depth int) float64 {
	return sumVolume(ob.Asks, depth)
}

// Imbalance is (bidVolume-askVolume)/(bidVolume+askVolume) over the given
// depth; 0 when the book is empty.
func (ob *OrderBook) Imbalance(depth int) float64 {
	bid := ob.BidVolume(depth)
	ask := ob.AskVolume(depth)
	total := bid + ask
	if total == 0 {
		return 0
	}
	return (bid - ask) / total
}

func sumVolume(levels []Level, depth int) float64 {
	if depth <= 0 || depth > len(levels) {
		depth = len(levels)
	}
	var total float64
	for _, l := range levels[:depth] {
		total += l.Volume
	}
	return total
}

// SpreadBps converts the absolute spread to basis points.
func (ob *OrderBook) SpreadBps() float64 {
	return ToBasisPoints(ob.Spread)
}

// ToBasisPoints converts an absolute probability spread to basis points.
func ToBasisPoints(spread float64) float64 { return spread * 10000 }

// FromBasisPoints is the inverse of ToBasisPoints.
func FromBasisPoints(bps float64) float64 { return bps / 10000 }

// ToPercentage converts a [0,1] probability to percent.
func ToPercentage(p float64) float64 { return p * 100 }

// FromPercentage is the inverse of ToPercentage.
func FromPercentage(pct float64) float64 { return pct / 100 }

// ValidateSpread rejects spreads outside the representable [0,1] range.
func ValidateSpread(spread float64) error {
	if spread < 0 {
		return fmt.Errorf("spread %.6f is negative", spread)
	}
	if spread > 1 {
		return fmt.Errorf("spread %.6f exceeds 1.0", spread)
	}
	return nil
}

// TradeTick is a single venue trade print.
type TradeTick struct {
	At       time.Time
	MarketID string
	Price    float64
	Volume   float64
	Side     string // "buy" or "sell"
	Size     float64
}

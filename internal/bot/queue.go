package bot

import (
	"context"

	"sentinel/internal/alert"
	"sentinel/internal/models"
)

// Item is one approved signal waiting for delivery.
type Item struct {
	Signal   models.Signal
	Market   *models.Market
	Decision alert.Decision
}

// DeliveryQueue holds one bounded lane per priority. A dedicated worker
// drains each lane, so CRITICAL delivery never queues behind LOW. Push blocks
// when a lane is full, backpressuring the scan loop.
type DeliveryQueue struct {
	lanes map[alert.Priority]chan Item
}

var lanePriorities = []alert.Priority{
	alert.PriorityCritical,
	alert.PriorityHigh,
	alert.PriorityMedium,
	alert.PriorityLow,
}

func NewDeliveryQueue(laneSize int) *DeliveryQueue {
	if laneSize <= 0 {
		laneSize = 64
	}
	lanes := make(map[alert.Priority]chan Item, len(lanePriorities))
	for _, p := range lanePriorities {
		lanes[p] = make(chan Item, laneSize)
	}
	return &DeliveryQueue{lanes: lanes}
}

// Push enqueues onto the item's priority lane, blocking while it is full.
func (q *DeliveryQueue) Push(ctx context.Context, item Item) error {
	lane, ok := q.lanes[item.Decision.Priority]
	if !ok {
		lane = q.lanes[alert.PriorityLow]
	}
	select {
	case lane <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lane exposes the receive side for a delivery worker.
func (q *DeliveryQueue) Lane(p alert.Priority) <-chan Item {
	return q.lanes[p]
}

// Depth is the total queued item count across lanes.
func (q *DeliveryQueue) Depth() int {
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

// Drain empties all lanes without delivering, returning the dropped count.
// Used on shutdown after the grace deadline.
func (q *DeliveryQueue) Drain() int {
	n := 0
	for _, lane := range q.lanes {
		for {
			select {
			case <-lane:
				n++
				continue
			default:
			}
			break
		}
	}
	return n
}

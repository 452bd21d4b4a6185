// Package processors contains the stateful event-to-event transforms:
// position-change detection, trader scoring, signal aggregation and whale
// alerting. Each processor owns its state maps exclusively; they are touched
// only from the bus worker that delivers its events.
package processors

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/bus"
	"github.com/whalewatch/whalewatch/internal/models"
)

// sizeTolerance ignores float noise when comparing position sizes.
const sizeTolerance = 1e-12

// PositionDetector turns consecutive trader_positions snapshots into
// position_change events for the target symbol.
type PositionDetector struct {
	symbol string
	bus    *bus.Bus

	mu   sync.Mutex
	prev map[string]map[string]models.Position // trader -> coin -> position

	sub *bus.Subscription
}

// NewPositionDetector creates a detector for one target symbol.
func NewPositionDetector(b *bus.Bus, symbol string) *PositionDetector {
	return &PositionDetector{symbol: symbol, bus: b, prev: make(map[string]map[string]models.Position)}
}

// Attach subscribes the detector to trader_positions events.
func (d *PositionDetector) Attach() {
	d.sub = d.bus.Subscribe(string(models.EventTraderPositions), 1, d.handle)
}

// Detach removes the bus subscription.
func (d *PositionDetector) Detach() {
	if d.sub != nil {
		d.sub.Unsubscribe()
	}
}

func (d *PositionDetector) handle(_ context.Context, event *models.StandardEvent) error {
	snapshot, ok := event.Payload.(models.TraderPositionsSnapshot)
	if !ok {
		return nil
	}
	start := time.Now()
	for _, change := range d.Detect(&snapshot) {
		out := event.Derive(models.EventPositionChange, "position_detector", change)
		out.MarkProcessed(start)
		if err := d.bus.Publish(out); err != nil {
			log.Warn().Err(err).Str("trader", change.TraderAddress).Msg("failed to publish position change")
		}
	}
	return nil
}

// Detect diffs a snapshot against the previously seen state for the trader
// and returns the changes in the target symbol. The snapshot becomes the new
// previous state.
func (d *PositionDetector) Detect(snapshot *models.TraderPositionsSnapshot) []models.PositionChange {
	curr := make(map[string]models.Position, len(snapshot.Positions))
	for _, p := range snapshot.Positions {
		curr[p.Coin] = p
	}

	d.mu.Lock()
	prev := d.prev[snapshot.TraderAddress]
	d.prev[snapshot.TraderAddress] = curr
	d.mu.Unlock()

	coins := make(map[string]bool, len(prev)+len(curr))
	for coin := range prev {
		coins[coin] = true
	}
	for coin := range curr {
		coins[coin] = true
	}

	var changes []models.PositionChange
	for coin := range coins {
		if coin != d.symbol {
			continue
		}
		prevSize := prev[coin].Size
		currSize := curr[coin].Size
		if math.Abs(currSize-prevSize) < sizeTolerance {
			continue
		}
		changes = append(changes, models.PositionChange{
			TraderAddress: snapshot.TraderAddress,
			Coin:          coin,
			PrevSize:      prevSize,
			CurrSize:      currSize,
			Delta:         currSize - prevSize,
			Direction:     directionOf(currSize),
			Action:        classifyAction(prevSize, currSize),
			AccountValue:  snapshot.AccountValue,
			Time:          snapshot.Time,
		})
	}
	return changes
}

// Forget clears previous state for a trader that left the tracked set.
func (d *PositionDetector) Forget(trader string) {
	d.mu.Lock()
	delete(d.prev, trader)
	d.mu.Unlock()
}

func directionOf(size float64) models.PositionDirection {
	switch {
	case size > sizeTolerance:
		return models.DirectionLong
	case size < -sizeTolerance:
		return models.DirectionShort
	default:
		return models.DirectionFlat
	}
}

func classifyAction(prev, curr float64) models.PositionAction {
	switch {
	case math.Abs(prev) < sizeTolerance:
		return models.ActionOpen
	case math.Abs(curr) < sizeTolerance:
		return models.ActionClose
	case sameSign(prev, curr) && math.Abs(curr) > math.Abs(prev):
		return models.ActionIncrease
	case sameSign(prev, curr) && math.Abs(curr) < math.Abs(prev):
		return models.ActionDecrease
	default:
		return models.ActionModify
	}
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

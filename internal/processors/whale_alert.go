package processors

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/bus"
	"github.com/whalewatch/whalewatch/internal/config"
	"github.com/whalewatch/whalewatch/internal/models"
)

// Account-value tier boundaries.
const (
	tierMegaValue  = 10_000_000
	tierLargeValue = 1_000_000
	tierMidValue   = 100_000
)

// WhaleAlertProcessor turns position changes by tier-qualifying traders into
// whale alerts. Alerts carry a TTL; expired ones are pruned on every insert
// and on each pass through Active, so the slice stays bounded even when
// nothing reads it.
type WhaleAlertProcessor struct {
	cfg    config.WhaleConfig
	symbol string
	bus    *bus.Bus

	mu     sync.Mutex
	recent map[string]time.Time // dedup key -> last alert time
	alerts []models.WhaleAlert

	sub *bus.Subscription
}

// NewWhaleAlertProcessor creates a whale alert processor.
func NewWhaleAlertProcessor(b *bus.Bus, cfg config.WhaleConfig, symbol string) *WhaleAlertProcessor {
	return &WhaleAlertProcessor{
		cfg:    cfg,
		symbol: symbol,
		bus:    b,
		recent: make(map[string]time.Time),
	}
}

// Attach subscribes the processor to position_change events.
func (p *WhaleAlertProcessor) Attach() {
	p.sub = p.bus.Subscribe(string(models.EventPositionChange), 2, p.handle)
}

// Detach removes the bus subscription.
func (p *WhaleAlertProcessor) Detach() {
	if p.sub != nil {
		p.sub.Unsubscribe()
	}
}

// Active returns the alerts whose TTL has not yet elapsed, newest first.
func (p *WhaleAlertProcessor) Active(now time.Time) []models.WhaleAlert {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.pruneLocked(now)
	out := make([]models.WhaleAlert, len(kept))
	copy(out, kept)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (p *WhaleAlertProcessor) handle(_ context.Context, event *models.StandardEvent) error {
	change, ok := event.Payload.(models.PositionChange)
	if !ok {
		return nil
	}
	start := time.Now()
	alert := p.Evaluate(&change, start.UTC())
	if alert == nil {
		return nil
	}
	out := event.Derive(models.EventWhaleAlert, "whale_alert_processor", *alert)
	out.Priority = priorityRank(alert.Priority)
	out.MarkProcessed(start)
	if err := p.bus.Publish(out); err != nil {
		log.Warn().Err(err).Str("title", alert.Title).Msg("failed to publish whale alert")
	}
	return nil
}

// Evaluate classifies the change and returns an alert, or nil when the
// trader is below tier, the coin is off-target, or the change is a duplicate
// inside the dedup window.
func (p *WhaleAlertProcessor) Evaluate(change *models.PositionChange, now time.Time) *models.WhaleAlert {
	if change.Coin != p.symbol {
		return nil
	}
	tier, ok := tierFor(change.AccountValue)
	if !ok {
		return nil
	}

	key := dedupKey(change)
	p.mu.Lock()
	if last, seen := p.recent[key]; seen && now.Sub(last) < p.cfg.DedupWindow {
		p.mu.Unlock()
		return nil
	}
	p.recent[key] = now
	for k, t := range p.recent {
		if now.Sub(t) >= p.cfg.DedupWindow {
			delete(p.recent, k)
		}
	}
	p.mu.Unlock()

	changePct := percentChange(change.PrevSize, change.CurrSize)
	alert := &models.WhaleAlert{
		Priority:    priorityFor(tier, changePct),
		Title:       alertTitle(tier, change),
		Description: alertDescription(change, changePct),
		DetectedAt:  now,
		ExpiresAt:   now.Add(p.cfg.AlertTTL),
		Changes: []models.WhaleChange{{
			Address:      change.TraderAddress,
			Tier:         tier,
			Coin:         change.Coin,
			PrevSize:     change.PrevSize,
			CurrSize:     change.CurrSize,
			ChangePct:    changePct,
			AccountValue: change.AccountValue,
		}},
		SignalImpact: signalImpact(tier, change.Delta),
	}

	p.mu.Lock()
	p.alerts = append(p.pruneLocked(now), *alert)
	p.mu.Unlock()
	return alert
}

// pruneLocked drops expired alerts in place. Callers hold p.mu.
func (p *WhaleAlertProcessor) pruneLocked(now time.Time) []models.WhaleAlert {
	kept := p.alerts[:0]
	for _, a := range p.alerts {
		if a.Active(now) {
			kept = append(kept, a)
		}
	}
	p.alerts = kept
	return kept
}

func tierFor(accountValue float64) (models.WhaleTier, bool) {
	switch {
	case accountValue >= tierMegaValue:
		return models.TierMega, true
	case accountValue >= tierLargeValue:
		return models.TierLarge, true
	case accountValue >= tierMidValue:
		return models.TierMid, true
	default:
		return "", false
	}
}

// priorityFor maps tier onto alert priority. Mega traders escalate to
// CRITICAL when the position moved by half or more.
func priorityFor(tier models.WhaleTier, changePct float64) models.AlertPriority {
	switch tier {
	case models.TierMega:
		if math.Abs(changePct) >= 50 {
			return models.AlertCritical
		}
		return models.AlertHigh
	case models.TierLarge:
		return models.AlertMedium
	default:
		return models.AlertLow
	}
}

// priorityRank maps alert priority onto event priority (1 = highest).
func priorityRank(p models.AlertPriority) int {
	switch p {
	case models.AlertCritical:
		return 1
	case models.AlertHigh:
		return 2
	case models.AlertMedium:
		return 3
	default:
		return 4
	}
}

// dedupKey buckets the absolute size change by order of magnitude so that
// near-identical repeats collapse while genuinely different moves pass.
func dedupKey(change *models.PositionChange) string {
	return fmt.Sprintf("%s|%s|%s|%d", change.TraderAddress, change.Coin, change.Action, sizeBucket(change.Delta))
}

func sizeBucket(delta float64) int {
	abs := math.Abs(delta)
	if abs < 1e-9 {
		return 0
	}
	return int(math.Floor(math.Log10(abs)))
}

func percentChange(prev, curr float64) float64 {
	if math.Abs(prev) < sizeTolerance {
		return 100
	}
	return (curr - prev) / math.Abs(prev) * 100
}

// signalImpact is a coarse signed magnitude for downstream consumers that
// want to weigh alerts without reparsing the change.
func signalImpact(tier models.WhaleTier, delta float64) float64 {
	weight := 0.3
	switch tier {
	case models.TierMega:
		weight = 1.0
	case models.TierLarge:
		weight = 0.6
	}
	if delta < 0 {
		return -weight
	}
	return weight
}

func alertTitle(tier models.WhaleTier, change *models.PositionChange) string {
	return fmt.Sprintf("%s whale %s %s", tier, change.Action, change.Coin)
}

func alertDescription(change *models.PositionChange, changePct float64) string {
	return fmt.Sprintf("%s moved %s position from %.4f to %.4f (%.1f%%)",
		change.TraderAddress, change.Coin, change.PrevSize, change.CurrSize, changePct)
}

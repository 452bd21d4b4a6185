package processors

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/bus"
	"github.com/whalewatch/whalewatch/internal/config"
	"github.com/whalewatch/whalewatch/internal/models"
)

// Leaderboard window names as delivered by the exchange.
const (
	WindowDay     = "day"
	WindowWeek    = "week"
	WindowMonth   = "month"
	WindowAllTime = "allTime"
)

// ScoringProcessor consumes leaderboard events and emits scored_traders. The
// most recent scored set is kept for synchronous readers (the leaderboard job
// polls Latest after publishing).
type ScoringProcessor struct {
	cfg config.ScoringConfig
	bus *bus.Bus

	mu         sync.RWMutex
	latest     *models.ScoredTraders
	generation uint64

	sub *bus.Subscription
}

// NewScoringProcessor creates a scoring processor.
func NewScoringProcessor(b *bus.Bus, cfg config.ScoringConfig) *ScoringProcessor {
	return &ScoringProcessor{cfg: cfg, bus: b}
}

// Attach subscribes the processor to leaderboard events.
func (p *ScoringProcessor) Attach() {
	p.sub = p.bus.Subscribe(string(models.EventLeaderboard), 1, p.handle)
}

// Detach removes the bus subscription.
func (p *ScoringProcessor) Detach() {
	if p.sub != nil {
		p.sub.Unsubscribe()
	}
}

// Latest returns the most recent scored set and its generation counter. The
// generation increments on every scoring pass so callers can tell a fresh
// result from a stale one.
func (p *ScoringProcessor) Latest() (*models.ScoredTraders, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.generation
}

func (p *ScoringProcessor) handle(_ context.Context, event *models.StandardEvent) error {
	board, ok := event.Payload.(models.Leaderboard)
	if !ok {
		return nil
	}
	start := time.Now()
	scored := p.Score(&board)

	p.mu.Lock()
	p.latest = scored
	p.generation++
	p.mu.Unlock()

	out := event.Derive(models.EventScoredTraders, "scoring_processor", *scored)
	out.MarkProcessed(start)
	if err := p.bus.Publish(out); err != nil {
		log.Warn().Err(err).Int("traders", len(scored.Traders)).Msg("failed to publish scored traders")
	}
	return nil
}

// Score computes the weighted score for every leaderboard entry, filters by
// the configured thresholds and returns the capped set sorted by score
// descending.
func (p *ScoringProcessor) Score(board *models.Leaderboard) *models.ScoredTraders {
	out := &models.ScoredTraders{ScoredAt: time.Now().UTC()}
	for _, entry := range board.Entries {
		score := ScoreEntry(&entry)
		if score < p.cfg.MinScore || entry.AccountValue < p.cfg.MinAccountValue {
			continue
		}
		out.Traders = append(out.Traders, models.ScoredTrader{
			Address:      entry.Address,
			Score:        score,
			Tags:         TagEntry(&entry, score),
			AccountValue: entry.AccountValue,
			Windows:      entry.Windows,
		})
	}
	sort.SliceStable(out.Traders, func(i, j int) bool {
		return out.Traders[i].Score > out.Traders[j].Score
	})
	if p.cfg.MaxTrackedCount > 0 && len(out.Traders) > p.cfg.MaxTrackedCount {
		out.Traders = out.Traders[:p.cfg.MaxTrackedCount]
	}
	return out
}

// ScoreEntry computes the weighted score for one leaderboard entry.
//
// The components, each clamped independently:
//
//	all-time ROI  min(roi*30, 30)
//	month ROI     min(roi*50, 25)
//	week ROI      max(min(roi*100, 20), -10)
//	account tier  15 / 12 / 8 / 4 at 10M / 5M / 1M / 100k
//	volume tier   10 / 7 / 4 / 2 at 100M / 50M / 10M / 1M monthly
//	consistency   +5 when day, week and month ROI are all positive
func ScoreEntry(entry *models.LeaderboardEntry) float64 {
	score := math.Min(entry.Windows[WindowAllTime].Roi*30, 30)
	score += math.Min(entry.Windows[WindowMonth].Roi*50, 25)
	score += math.Max(math.Min(entry.Windows[WindowWeek].Roi*100, 20), -10)
	score += accountTierPoints(entry.AccountValue)
	score += volumeTierPoints(entry.Windows[WindowMonth].Volume)
	if consistent(entry) {
		score += 5
	}
	return score
}

// TagEntry derives the descriptive tags for a scored trader.
func TagEntry(entry *models.LeaderboardEntry, score float64) []string {
	var tags []string
	if entry.AccountValue >= 10_000_000 {
		tags = append(tags, "whale")
	} else if entry.AccountValue >= 1_000_000 {
		tags = append(tags, "large")
	}
	if score >= 90 {
		tags = append(tags, "elite")
	} else if score >= 80 {
		tags = append(tags, "top_performer")
	}
	if consistent(entry) {
		tags = append(tags, "consistent")
	}
	if entry.Windows[WindowAllTime].Roi > 1.0 {
		tags = append(tags, "high_performer")
	}
	monthVolume := entry.Windows[WindowMonth].Volume
	if monthVolume >= 100_000_000 {
		tags = append(tags, "high_volume")
	} else if monthVolume >= 10_000_000 {
		tags = append(tags, "medium_volume")
	}
	return tags
}

func consistent(entry *models.LeaderboardEntry) bool {
	return entry.Windows[WindowDay].Roi > 0 &&
		entry.Windows[WindowWeek].Roi > 0 &&
		entry.Windows[WindowMonth].Roi > 0
}

func accountTierPoints(value float64) float64 {
	switch {
	case value >= 10_000_000:
		return 15
	case value >= 5_000_000:
		return 12
	case value >= 1_000_000:
		return 8
	case value >= 100_000:
		return 4
	default:
		return 0
	}
}

func volumeTierPoints(volume float64) float64 {
	switch {
	case volume >= 100_000_000:
		return 10
	case volume >= 50_000_000:
		return 7
	case volume >= 10_000_000:
		return 4
	case volume >= 1_000_000:
		return 2
	default:
		return 0
	}
}

package processors

import (
	"container/list"
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/bus"
	"github.com/whalewatch/whalewatch/internal/cache"
	"github.com/whalewatch/whalewatch/internal/config"
	"github.com/whalewatch/whalewatch/internal/models"
)

// PriceSource supplies the last known mid for a symbol. A zero time means no
// price has been seen yet.
type PriceSource interface {
	Mid(symbol string) (price float64, ts time.Time)
}

// SignalMirror stores each emitted signal under the well-known cache key so
// external readers see the latest one without touching the repository.
type SignalMirror interface {
	SetJSON(key string, value any, ttl time.Duration) error
}

// positionState is one trader's cached exposure in the target symbol.
type positionState struct {
	trader  string
	size    float64
	seen    time.Time
	element *list.Element
}

// SignalProcessor aggregates score-weighted trader exposure into directional
// signals. Position state is bounded by an LRU cap and a TTL so traders that
// stop reporting age out instead of skewing the bias forever.
type SignalProcessor struct {
	cfg    config.SignalConfig
	symbol string
	bus    *bus.Bus
	prices PriceSource
	mirror SignalMirror

	mu        sync.Mutex
	positions map[string]*positionState
	order     *list.List // front = most recently updated
	scores    map[string]float64

	lastNetBias float64
	lastRec     models.Recommendation
	emitted     bool

	posSub   *bus.Subscription
	scoreSub *bus.Subscription
}

// NewSignalProcessor creates a signal processor. prices may be nil, in which
// case price_at_signal is left zero; mirror may be nil to skip the cache
// write.
func NewSignalProcessor(b *bus.Bus, cfg config.SignalConfig, symbol string, prices PriceSource, mirror SignalMirror) *SignalProcessor {
	return &SignalProcessor{
		cfg:       cfg,
		symbol:    symbol,
		bus:       b,
		prices:    prices,
		mirror:    mirror,
		positions: make(map[string]*positionState),
		order:     list.New(),
		scores:    make(map[string]float64),
	}
}

// Attach subscribes the processor to trader_positions and scored_traders.
func (p *SignalProcessor) Attach() {
	p.posSub = p.bus.Subscribe(string(models.EventTraderPositions), 2, p.handlePositions)
	p.scoreSub = p.bus.Subscribe(string(models.EventScoredTraders), 2, p.handleScores)
}

// Detach removes both bus subscriptions.
func (p *SignalProcessor) Detach() {
	if p.posSub != nil {
		p.posSub.Unsubscribe()
	}
	if p.scoreSub != nil {
		p.scoreSub.Unsubscribe()
	}
}

func (p *SignalProcessor) handleScores(_ context.Context, event *models.StandardEvent) error {
	scored, ok := event.Payload.(models.ScoredTraders)
	if !ok {
		return nil
	}
	p.mu.Lock()
	p.scores = make(map[string]float64, len(scored.Traders))
	for _, t := range scored.Traders {
		p.scores[t.Address] = t.Score
	}
	p.mu.Unlock()
	return nil
}

func (p *SignalProcessor) handlePositions(_ context.Context, event *models.StandardEvent) error {
	snapshot, ok := event.Payload.(models.TraderPositionsSnapshot)
	if !ok {
		return nil
	}
	start := time.Now()
	signal := p.Update(&snapshot, start.UTC())
	if signal == nil {
		return nil
	}
	out := event.Derive(models.EventSignal, "signal_processor", *signal)
	out.MarkProcessed(start)
	if err := p.bus.Publish(out); err != nil {
		log.Warn().Err(err).Str("recommendation", string(signal.Recommendation)).Msg("failed to publish signal")
	}
	if p.mirror != nil {
		if err := p.mirror.SetJSON(cache.SignalKey(), *signal, cache.SignalTTL); err != nil {
			log.Warn().Err(err).Msg("failed to cache latest signal")
		}
	}
	return nil
}

// Update records the trader's current exposure and recomputes the aggregate.
// It returns a signal only when the emission policy fires: the recommendation
// changed, or net bias moved by at least the configured delta.
func (p *SignalProcessor) Update(snapshot *models.TraderPositionsSnapshot, now time.Time) *models.AggregatedSignal {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.touch(snapshot.TraderAddress, positionSize(snapshot, p.symbol), now)
	p.expire(now)

	signal := p.computeLocked(now)
	if !p.shouldEmitLocked(signal) {
		return nil
	}
	p.lastNetBias = signal.NetBias
	p.lastRec = signal.Recommendation
	p.emitted = true
	return signal
}

func positionSize(snapshot *models.TraderPositionsSnapshot, symbol string) float64 {
	if pos, ok := snapshot.PositionFor(symbol); ok {
		return pos.Size
	}
	return 0
}

// touch upserts the trader's state and maintains LRU order, evicting the
// least recently updated entry past the cap.
func (p *SignalProcessor) touch(trader string, size float64, now time.Time) {
	if st, ok := p.positions[trader]; ok {
		st.size = size
		st.seen = now
		p.order.MoveToFront(st.element)
		return
	}
	st := &positionState{trader: trader, size: size, seen: now}
	st.element = p.order.PushFront(st)
	p.positions[trader] = st

	if p.cfg.MaxTrackedStates > 0 && len(p.positions) > p.cfg.MaxTrackedStates {
		oldest := p.order.Back()
		if oldest != nil {
			evicted := oldest.Value.(*positionState)
			p.order.Remove(oldest)
			delete(p.positions, evicted.trader)
		}
	}
}

// expire drops entries older than the TTL, walking from the LRU tail.
func (p *SignalProcessor) expire(now time.Time) {
	if p.cfg.PositionTTL <= 0 {
		return
	}
	cutoff := now.Add(-p.cfg.PositionTTL)
	for e := p.order.Back(); e != nil; {
		st := e.Value.(*positionState)
		if !st.seen.Before(cutoff) {
			break
		}
		prev := e.Prev()
		p.order.Remove(e)
		delete(p.positions, st.trader)
		e = prev
	}
}

func (p *SignalProcessor) computeLocked(now time.Time) *models.AggregatedSignal {
	signal := &models.AggregatedSignal{
		Symbol:         p.symbol,
		Recommendation: models.RecommendationNeutral,
		Time:           now,
	}

	var longScore, shortScore, totalWeight float64
	for trader, st := range p.positions {
		weight := p.scores[trader] / 100
		if weight <= 0 {
			continue
		}
		totalWeight += weight
		switch {
		case st.size > 0:
			longScore += weight
			signal.TradersLong++
		case st.size < 0:
			shortScore += weight
			signal.TradersShort++
		default:
			signal.TradersFlat++
		}
		signal.NetExposure += st.size
	}

	if totalWeight > 0 {
		signal.LongBias = longScore / totalWeight
		signal.ShortBias = shortScore / totalWeight
	}
	signal.NetBias = signal.LongBias - signal.ShortBias

	switch {
	case signal.NetBias > p.cfg.BuyThreshold:
		signal.Recommendation = models.RecommendationBuy
	case signal.NetBias < -p.cfg.BuyThreshold:
		signal.Recommendation = models.RecommendationSell
	}
	signal.Confidence = math.Min(math.Abs(signal.NetBias)*2, 1.0)

	if p.prices != nil {
		price, ts := p.prices.Mid(p.symbol)
		if !ts.IsZero() && now.Sub(ts) <= p.cfg.PriceMaxAge {
			signal.PriceAtSignal = price
		}
	}
	return signal
}

func (p *SignalProcessor) shouldEmitLocked(signal *models.AggregatedSignal) bool {
	if !p.emitted {
		return signal.Recommendation != models.RecommendationNeutral ||
			math.Abs(signal.NetBias) >= p.cfg.EmitBiasDelta
	}
	if signal.Recommendation != p.lastRec {
		return true
	}
	return math.Abs(signal.NetBias-p.lastNetBias) >= p.cfg.EmitBiasDelta
}

package processors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whalewatch/whalewatch/internal/config"
	"github.com/whalewatch/whalewatch/internal/models"
)

func entryWith(addr string, account float64, day, week, month, allTime, monthVolume float64) models.LeaderboardEntry {
	return models.LeaderboardEntry{
		Address:      addr,
		AccountValue: account,
		Windows: map[string]models.WindowPerformance{
			WindowDay:     {Roi: day},
			WindowWeek:    {Roi: week},
			WindowMonth:   {Roi: month, Volume: monthVolume},
			WindowAllTime: {Roi: allTime},
		},
	}
}

func TestScoreEntryWeightedComponents(t *testing.T) {
	// 30 (all-time capped) + 20 (month) + 10 (week) + 8 (account 2M)
	// + 4 (volume 20M) + 5 (consistency) = 77
	entry := entryWith("0xaaa", 2_000_000, 0.01, 0.1, 0.4, 2.0, 20_000_000)
	assert.InDelta(t, 77.0, ScoreEntry(&entry), 1e-9)
}

func TestScoreEntryClamps(t *testing.T) {
	// All-time and month hit their caps, a bad week bottoms out at -10.
	entry := entryWith("0xaaa", 50_000, 0, -0.5, 3.0, 10.0, 0)
	// 30 + 25 - 10 + 0 + 0 + 0 = 45
	assert.InDelta(t, 45.0, ScoreEntry(&entry), 1e-9)
}

func TestScoreEntryTiers(t *testing.T) {
	account := []struct {
		value float64
		want  float64
	}{
		{10_000_000, 15}, {5_000_000, 12}, {1_000_000, 8}, {100_000, 4}, {99_999, 0},
	}
	for _, tc := range account {
		entry := entryWith("0xaaa", tc.value, 0, 0, 0, 0, 0)
		assert.InDelta(t, tc.want, ScoreEntry(&entry), 1e-9, "account %v", tc.value)
	}

	volume := []struct {
		value float64
		want  float64
	}{
		{100_000_000, 10}, {50_000_000, 7}, {10_000_000, 4}, {1_000_000, 2}, {999_999, 0},
	}
	for _, tc := range volume {
		entry := entryWith("0xaaa", 0, 0, 0, 0, 0, tc.value)
		assert.InDelta(t, tc.want, ScoreEntry(&entry), 1e-9, "volume %v", tc.value)
	}
}

func TestTagEntry(t *testing.T) {
	entry := entryWith("0xaaa", 12_000_000, 0.01, 0.1, 0.4, 2.0, 150_000_000)
	tags := TagEntry(&entry, 95)
	assert.Equal(t, []string{"whale", "elite", "consistent", "high_performer", "high_volume"}, tags)

	entry = entryWith("0xbbb", 2_000_000, -0.01, 0.1, 0.4, 0.5, 20_000_000)
	tags = TagEntry(&entry, 82)
	assert.Equal(t, []string{"large", "top_performer", "medium_volume"}, tags)

	// elite and top_performer are mutually exclusive
	entry = entryWith("0xccc", 500_000, 0, 0, 0, 0, 0)
	assert.Empty(t, TagEntry(&entry, 60))
}

func TestScoreFiltersSortsAndCaps(t *testing.T) {
	p := NewScoringProcessor(nil, config.ScoringConfig{
		MinScore:        50,
		MinAccountValue: 10_000,
		MaxTrackedCount: 2,
	})

	board := &models.Leaderboard{Entries: []models.LeaderboardEntry{
		entryWith("0xlow", 2_000_000, 0, 0, 0, 0.1, 0),               // score ~11, filtered
		entryWith("0xsmall", 5_000, 0.1, 0.2, 0.5, 3.0, 50_000_000),  // high score, tiny account, filtered
		entryWith("0xmid", 1_000_000, 0.01, 0.1, 0.3, 1.5, 5_000_000), // kept
		entryWith("0xbig", 12_000_000, 0.02, 0.15, 0.4, 3.0, 120_000_000), // kept, highest
		entryWith("0xalso", 200_000, 0.01, 0.12, 0.35, 2.0, 15_000_000),   // kept but capped out
	}}

	scored := p.Score(board)
	require.Len(t, scored.Traders, 2)
	assert.Equal(t, "0xbig", scored.Traders[0].Address)
	assert.Greater(t, scored.Traders[0].Score, scored.Traders[1].Score)
	for _, tr := range scored.Traders {
		assert.GreaterOrEqual(t, tr.Score, 50.0)
		assert.GreaterOrEqual(t, tr.AccountValue, 10_000.0)
	}
}

func TestScoreEmptyBoard(t *testing.T) {
	p := NewScoringProcessor(nil, config.ScoringConfig{MinScore: 50, MinAccountValue: 10_000, MaxTrackedCount: 500})
	scored := p.Score(&models.Leaderboard{})
	assert.Empty(t, scored.Traders)
	assert.False(t, scored.ScoredAt.IsZero())
}

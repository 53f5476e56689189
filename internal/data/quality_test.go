package data

import (
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidateCleanSeries(t *testing.T) {
	bars := Synthetic(SyntheticConfig{Start: t0, Timeframe: types.Timeframe1h, Bars: 200, Seed: 5})
	report := NewQualityValidator(zap.NewNop()).Validate("BTC", bars)

	assert.Empty(t, report.Issues)
	assert.Equal(t, 100, report.QualityScore)
	assert.True(t, report.IsUsable)
	assert.Equal(t, []string{"Data quality is acceptable for backtesting"}, report.Recommendations)
	assert.Equal(t, bars[199].Timestamp, report.EndDate)
}

func TestValidateFlagsProblems(t *testing.T) {
	bars := Synthetic(SyntheticConfig{Start: t0, Timeframe: types.Timeframe1h, Bars: 20, Seed: 5})
	bars[3].Close = 0
	bars[6].High = bars[6].Low - 1
	bars[9].Timestamp = bars[8].Timestamp
	bars[15].Volume = 0
	// push the tail out by a day
	for i := 17; i < len(bars); i++ {
		bars[i].Timestamp = bars[i].Timestamp.Add(24 * time.Hour)
	}

	report := NewQualityValidator(zap.NewNop()).Validate("BTC", bars)
	assert.Equal(t, 1, report.Count(IssueNonPositivePrice))
	assert.Equal(t, 1, report.Count(IssueOHLC))
	assert.Equal(t, 1, report.Count(IssueDuplicate))
	assert.Equal(t, 1, report.Count(IssueZeroVolume))
	assert.Equal(t, 1, report.Count(IssueGap))
	assert.False(t, report.IsUsable)
	assert.Contains(t, report.Recommendations, "Sort and de-duplicate bars before backtesting")
}

func TestValidateEmpty(t *testing.T) {
	report := NewQualityValidator(zap.NewNop()).Validate("BTC", nil)
	assert.False(t, report.IsUsable)
	assert.Equal(t, 1, report.Count(IssueNoData))
}

func TestClean(t *testing.T) {
	bars := []types.OHLCV{
		{Timestamp: t0.Add(2 * time.Hour), Open: 10, High: 10.5, Low: 9, Close: 11, Volume: 1},
		{Timestamp: t0, Open: 10, High: 11, Low: 9, Close: 10, Volume: 1},
		{Timestamp: t0, Open: 99, High: 99, Low: 99, Close: 99, Volume: 1},
		{Timestamp: t0.Add(time.Hour), Open: 10, High: 11, Low: 0, Close: 10, Volume: 1},
	}
	cleaned := NewQualityValidator(zap.NewNop()).Clean(bars)

	require.Len(t, cleaned, 2)
	assert.Equal(t, t0, cleaned[0].Timestamp)
	assert.Equal(t, 10.0, cleaned[0].Close)
	assert.Equal(t, 11.0, cleaned[1].High)
	assert.Equal(t, t0.Add(2*time.Hour), bars[0].Timestamp, "input untouched")
}

package data

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
)

// Issue kinds reported by the validator.
const (
	IssueNoData           = "NO_DATA"
	IssueGap              = "GAP_DETECTED"
	IssueNonPositivePrice = "NON_POSITIVE_PRICE"
	IssueExtremeMove      = "EXTREME_MOVE"
	IssueGapMove          = "GAP_MOVE"
	IssueZeroVolume       = "ZERO_VOLUME"
	IssueVolumeSpike      = "VOLUME_SPIKE"
	IssueOHLC             = "OHLC_INCONSISTENT"
	IssueDuplicate        = "DUPLICATE_TIMESTAMP"
	IssueOutOfOrder       = "OUT_OF_ORDER"
)

// Severities, most severe first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// QualityValidator checks historical bars before they are backtested.
type QualityValidator struct {
	logger *zap.Logger

	MaxIntradayMove   float64 // (high-low)/low above this is an extreme move
	MaxGapMove        float64 // |open-prevClose|/prevClose above this is a gap
	MaxVolumeMultiple float64 // volume above this multiple of the median is a spike
	GapFactor         float64 // interval above this multiple of the median is a gap
}

// DataIssue represents a data quality problem
type DataIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Message   string    `json:"message"`
	BarIndex  int       `json:"barIndex"`
}

// QualityReport summarizes data quality assessment
type QualityReport struct {
	Symbol          string      `json:"symbol"`
	TotalBars       int         `json:"totalBars"`
	Issues          []DataIssue `json:"issues"`
	QualityScore    int         `json:"qualityScore"`
	IsUsable        bool        `json:"isUsable"`
	StartDate       time.Time   `json:"startDate"`
	EndDate         time.Time   `json:"endDate"`
	Recommendations []string    `json:"recommendations"`
}

// Count returns the number of issues of the given kinds.
func (r *QualityReport) Count(kinds ...string) int {
	n := 0
	for _, issue := range r.Issues {
		for _, k := range kinds {
			if issue.Type == k {
				n++
				break
			}
		}
	}
	return n
}

// NewQualityValidator creates a validator with crypto defaults.
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		logger:            logger.Named("quality"),
		MaxIntradayMove:   0.30,
		MaxGapMove:        0.20,
		MaxVolumeMultiple: 20,
		GapFactor:         3,
	}
}

// Validate runs every check over bars.
func (v *QualityValidator) Validate(symbol string, bars []types.OHLCV) *QualityReport {
	if len(bars) == 0 {
		return &QualityReport{
			Symbol:          symbol,
			Issues:          []DataIssue{{Type: IssueNoData, Severity: SeverityCritical, Symbol: symbol, Message: "no data"}},
			Recommendations: []string{"Load data for this symbol before backtesting"},
		}
	}

	var issues []DataIssue
	issues = append(issues, v.checkGaps(symbol, bars)...)
	issues = append(issues, v.checkPrices(symbol, bars)...)
	issues = append(issues, v.checkVolume(symbol, bars)...)
	issues = append(issues, v.checkOrder(symbol, bars)...)

	score := qualityScore(len(bars), issues)
	report := &QualityReport{
		Symbol:       symbol,
		TotalBars:    len(bars),
		Issues:       issues,
		QualityScore: score,
		IsUsable:     score >= 70 && !hasSeverity(issues, SeverityCritical),
		StartDate:    bars[0].Timestamp,
		EndDate:      bars[len(bars)-1].Timestamp,
	}
	report.Recommendations = recommendations(report)

	v.logger.Debug("Data quality checked",
		zap.String("symbol", symbol),
		zap.Int("bars", len(bars)),
		zap.Int("issues", len(issues)),
		zap.Int("score", score),
	)
	return report
}

// checkGaps flags intervals much longer than the median interval.
func (v *QualityValidator) checkGaps(symbol string, bars []types.OHLCV) []DataIssue {
	if len(bars) < 3 {
		return nil
	}
	intervals := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		intervals = append(intervals, float64(bars[i].Timestamp.Sub(bars[i-1].Timestamp)))
	}
	median, err := stats.Median(intervals)
	if err != nil || median <= 0 {
		return nil
	}

	var issues []DataIssue
	for i, d := range intervals {
		if d <= median*v.GapFactor {
			continue
		}
		severity := SeverityHigh
		if d > median*v.GapFactor*10 {
			severity = SeverityCritical
		}
		issues = append(issues, DataIssue{
			Type:      IssueGap,
			Severity:  severity,
			Timestamp: bars[i].Timestamp,
			Symbol:    symbol,
			Message:   fmt.Sprintf("gap of %s (expected ~%s)", time.Duration(d), time.Duration(median)),
			BarIndex:  i,
		})
	}
	return issues
}

func (v *QualityValidator) checkPrices(symbol string, bars []types.OHLCV) []DataIssue {
	var issues []DataIssue
	add := func(i int, kind, severity, msg string) {
		issues = append(issues, DataIssue{
			Type: kind, Severity: severity, Timestamp: bars[i].Timestamp,
			Symbol: symbol, Message: msg, BarIndex: i,
		})
	}

	for i, b := range bars {
		if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
			add(i, IssueNonPositivePrice, SeverityCritical, "non-positive price")
			continue
		}
		if b.High < math.Max(b.Open, b.Close) || b.Low > math.Min(b.Open, b.Close) || b.High < b.Low {
			add(i, IssueOHLC, SeverityCritical,
				fmt.Sprintf("inconsistent bar O:%g H:%g L:%g C:%g", b.Open, b.High, b.Low, b.Close))
		}
		if move := (b.High - b.Low) / b.Low; move > v.MaxIntradayMove {
			add(i, IssueExtremeMove, SeverityHigh, fmt.Sprintf("intraday range %.2f%%", move*100))
		}
		if i > 0 && bars[i-1].Close > 0 {
			prev := bars[i-1].Close
			if move := math.Abs(b.Open-prev) / prev; move > v.MaxGapMove {
				add(i, IssueGapMove, SeverityMedium, fmt.Sprintf("open gapped %.2f%% from previous close", move*100))
			}
		}
	}
	return issues
}

func (v *QualityValidator) checkVolume(symbol string, bars []types.OHLCV) []DataIssue {
	volumes := make([]float64, 0, len(bars))
	for _, b := range bars {
		if b.Volume > 0 {
			volumes = append(volumes, b.Volume)
		}
	}
	median, _ := stats.Median(volumes)

	var issues []DataIssue
	for i, b := range bars {
		switch {
		case b.Volume <= 0:
			issues = append(issues, DataIssue{
				Type: IssueZeroVolume, Severity: SeverityLow, Timestamp: b.Timestamp,
				Symbol: symbol, Message: "zero volume", BarIndex: i,
			})
		case median > 0 && b.Volume > median*v.MaxVolumeMultiple:
			issues = append(issues, DataIssue{
				Type: IssueVolumeSpike, Severity: SeverityLow, Timestamp: b.Timestamp,
				Symbol: symbol, Message: fmt.Sprintf("volume %.1fx median", b.Volume/median), BarIndex: i,
			})
		}
	}
	return issues
}

func (v *QualityValidator) checkOrder(symbol string, bars []types.OHLCV) []DataIssue {
	var issues []DataIssue
	seen := make(map[int64]int, len(bars))
	for i, b := range bars {
		key := b.Timestamp.UnixNano()
		if first, ok := seen[key]; ok {
			issues = append(issues, DataIssue{
				Type: IssueDuplicate, Severity: SeverityHigh, Timestamp: b.Timestamp,
				Symbol: symbol, Message: fmt.Sprintf("duplicate of bar %d", first), BarIndex: i,
			})
			continue
		}
		seen[key] = i
		if i > 0 && b.Timestamp.Before(bars[i-1].Timestamp) {
			issues = append(issues, DataIssue{
				Type: IssueOutOfOrder, Severity: SeverityCritical, Timestamp: b.Timestamp,
				Symbol: symbol, Message: "out of chronological order", BarIndex: i,
			})
		}
	}
	return issues
}

// qualityScore weights issues by severity, normalised per hundred bars.
func qualityScore(totalBars int, issues []DataIssue) int {
	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			penalty += 10
		case SeverityHigh:
			penalty += 5
		case SeverityMedium:
			penalty += 2
		case SeverityLow:
			penalty += 0.5
		}
	}
	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	return int(math.Max(0, 100-math.Min(normalized, 100)))
}

func hasSeverity(issues []DataIssue, severity string) bool {
	for _, issue := range issues {
		if issue.Severity == severity {
			return true
		}
	}
	return false
}

func recommendations(r *QualityReport) []string {
	var recs []string
	if r.Count(IssueGap) > 0 {
		recs = append(recs, "Fill data gaps or exclude affected periods")
	}
	if r.Count(IssueOHLC, IssueNonPositivePrice) > 0 {
		recs = append(recs, "Verify data source integrity; run Clean to drop invalid bars")
	}
	if r.Count(IssueExtremeMove) > r.TotalBars/100 {
		recs = append(recs, "Many extreme moves; consider filtering outliers")
	}
	if r.Count(IssueZeroVolume) > r.TotalBars/10 {
		recs = append(recs, "High share of zero-volume bars; consider a more liquid market or longer timeframe")
	}
	if r.Count(IssueDuplicate, IssueOutOfOrder) > 0 {
		recs = append(recs, "Sort and de-duplicate bars before backtesting")
	}
	if len(recs) == 0 {
		recs = append(recs, "Data quality is acceptable for backtesting")
	}
	return recs
}

// Clean sorts bars, drops duplicates and non-positive prices, and widens
// high/low to enclose open and close. The input is not modified.
func (v *QualityValidator) Clean(bars []types.OHLCV) []types.OHLCV {
	sorted := append([]types.OHLCV(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	cleaned := make([]types.OHLCV, 0, len(sorted))
	for _, b := range sorted {
		if n := len(cleaned); n > 0 && b.Timestamp.Equal(cleaned[n-1].Timestamp) {
			continue
		}
		if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
			continue
		}
		b.High = math.Max(b.High, math.Max(b.Open, b.Close))
		b.Low = math.Min(b.Low, math.Min(b.Open, b.Close))
		cleaned = append(cleaned, b)
	}

	v.logger.Info("Data cleaning complete",
		zap.Int("originalBars", len(bars)),
		zap.Int("cleanedBars", len(cleaned)),
	)
	return cleaned
}

package backtester

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"gonum.org/v1/gonum/stat"
)

// ViabilityThresholds defines the minimum requirements for a viable strategy
type ViabilityThresholds struct {
	// Core metrics
	MinSharpeRatio  float64 `json:"minSharpeRatio"`
	MaxDrawdown     float64 `json:"maxDrawdown"`
	MinProfitFactor float64 `json:"minProfitFactor"`
	MinWinRate      float64 `json:"minWinRate"`
	MinTrades       int     `json:"minTrades"`

	// Risk metrics
	MaxVaR95        float64 `json:"maxVar95"` // per-period historical VaR
	MinSortinoRatio float64 `json:"minSortinoRatio"`
	MinCalmarRatio  float64 `json:"minCalmarRatio"`

	// Consistency metrics
	MinExpectancy     float64 `json:"minExpectancy"`
	MinRecoveryFactor float64 `json:"minRecoveryFactor"`

	// Walk-forward requirements
	MinWFConsistency float64 `json:"minWfConsistency"` // share of profitable OOS windows
	MinWFDegradation float64 `json:"minWfDegradation"` // mean OOS/IS return ratio
}

// DefaultViabilityThresholds returns conservative default thresholds
func DefaultViabilityThresholds() *ViabilityThresholds {
	return &ViabilityThresholds{
		MinSharpeRatio:    0.5,
		MaxDrawdown:       0.20,
		MinProfitFactor:   1.5,
		MinWinRate:        0.40,
		MinTrades:         30,
		MaxVaR95:          0.05,
		MinSortinoRatio:   0.8,
		MinCalmarRatio:    0.5,
		MinExpectancy:     0,
		MinRecoveryFactor: 1.0,
		MinWFConsistency:  0.60,
		MinWFDegradation:  0.5,
	}
}

// AggressiveViabilityThresholds for higher risk tolerance
func AggressiveViabilityThresholds() *ViabilityThresholds {
	return &ViabilityThresholds{
		MinSharpeRatio:    0.3,
		MaxDrawdown:       0.30,
		MinProfitFactor:   1.2,
		MinWinRate:        0.35,
		MinTrades:         20,
		MaxVaR95:          0.08,
		MinSortinoRatio:   0.5,
		MinCalmarRatio:    0.3,
		MinExpectancy:     0,
		MinRecoveryFactor: 0.5,
		MinWFConsistency:  0.50,
		MinWFDegradation:  0.3,
	}
}

// ViabilityIssue represents a specific problem with the strategy
type ViabilityIssue struct {
	Metric      string  `json:"metric"`
	Actual      float64 `json:"actual"`
	Required    float64 `json:"required"`
	Severity    string  `json:"severity"` // "critical", "warning", "info"
	Description string  `json:"description"`
	Suggestion  string  `json:"suggestion"`
}

// ViabilityReport contains the full viability assessment
type ViabilityReport struct {
	IsViable  bool             `json:"is_viable"`
	Score     int              `json:"score"` // 0-100 overall viability score
	Grade     string           `json:"grade"` // A, B, C, D, F
	Issues    []ViabilityIssue `json:"issues"`
	Strengths []string         `json:"strengths"`
	Summary   string           `json:"summary"`
	VaR95     float64          `json:"var95"`

	ReturnScore      int `json:"return_score"`
	RiskScore        int `json:"risk_score"`
	ConsistencyScore int `json:"consistency_score"`
	RobustnessScore  int `json:"robustness_score"`

	GeneratedAt time.Time `json:"generated_at"`
}

// ViabilityChecker assesses strategy viability
type ViabilityChecker struct {
	thresholds *ViabilityThresholds
}

// NewViabilityChecker creates a new viability checker
func NewViabilityChecker(thresholds *ViabilityThresholds) *ViabilityChecker {
	if thresholds == nil {
		thresholds = DefaultViabilityThresholds()
	}
	return &ViabilityChecker{thresholds: thresholds}
}

// Check grades a backtest result. wf may be nil.
func (vc *ViabilityChecker) Check(result *types.BacktestResult, wf *types.WalkForwardResult) *ViabilityReport {
	report := &ViabilityReport{
		Issues:      make([]ViabilityIssue, 0),
		Strengths:   make([]string, 0),
		GeneratedAt: time.Now(),
		VaR95:       HistoricalVaR(PeriodReturns(result.InitialBalance, result.EquityCurve), 0.95),
	}
	t := vc.thresholds

	vc.below(report, "Sharpe Ratio", result.SharpeRatio, t.MinSharpeRatio, 0,
		"Risk-adjusted return is below threshold",
		"Consider reducing trade frequency or improving entry signals")
	if result.SharpeRatio > 1.5 {
		report.Strengths = append(report.Strengths, "Excellent risk-adjusted returns (Sharpe > 1.5)")
	}

	if result.MaxDrawdown > t.MaxDrawdown {
		severity := "warning"
		if result.MaxDrawdown > 0.30 {
			severity = "critical"
		}
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:      "Max Drawdown",
			Actual:      result.MaxDrawdown,
			Required:    t.MaxDrawdown,
			Severity:    severity,
			Description: "Maximum drawdown exceeds acceptable level",
			Suggestion:  "Consider tighter stop losses or smaller position sizes",
		})
	} else if result.MaxDrawdown < 0.10 {
		report.Strengths = append(report.Strengths, "Low drawdown risk (< 10%)")
	}

	// a zero profit factor means no losing trades
	if result.LosingTrades > 0 {
		vc.below(report, "Profit Factor", result.ProfitFactor, t.MinProfitFactor, 1.0,
			"Profit factor is below threshold",
			"Focus on improving win size or reducing loss size")
		if result.ProfitFactor > 2.0 {
			report.Strengths = append(report.Strengths, "Strong profit factor (> 2.0)")
		}
	}

	vc.below(report, "Win Rate", result.WinRate, t.MinWinRate, 0.30,
		"Win rate is below threshold",
		"Consider stricter entry criteria or better market filtering")
	if result.WinRate > 0.60 {
		report.Strengths = append(report.Strengths, "High win rate (> 60%)")
	}

	if result.TotalTrades < t.MinTrades {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:      "Trade Count",
			Actual:      float64(result.TotalTrades),
			Required:    float64(t.MinTrades),
			Severity:    "warning",
			Description: "Insufficient trades for statistical significance",
			Suggestion:  "Extend backtest period or reduce filter strictness",
		})
	}

	if report.VaR95 > t.MaxVaR95 {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:      "VaR 95%",
			Actual:      report.VaR95,
			Required:    t.MaxVaR95,
			Severity:    "warning",
			Description: "Per-period Value at Risk exceeds acceptable level",
			Suggestion:  "Reduce position sizes or use tighter stops",
		})
	}

	if result.SortinoRatio < t.MinSortinoRatio {
		vc.info(report, "Sortino Ratio", result.SortinoRatio, t.MinSortinoRatio,
			"Downside risk-adjusted return could be better", "Focus on reducing losing trade sizes")
	}
	if result.CalmarRatio < t.MinCalmarRatio {
		vc.info(report, "Calmar Ratio", result.CalmarRatio, t.MinCalmarRatio,
			"Return relative to drawdown could be better", "Improve returns or reduce maximum drawdown")
	}

	if result.TotalTrades > 0 && result.Expectancy <= t.MinExpectancy {
		severity := "warning"
		if result.Expectancy < 0 {
			severity = "critical"
		}
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:      "Expectancy",
			Actual:      result.Expectancy,
			Required:    t.MinExpectancy,
			Severity:    severity,
			Description: "Expected value per trade is too low or negative",
			Suggestion:  "Strategy needs fundamental improvement",
		})
	}

	if result.MaxDrawdown > 0 {
		if recovery := result.TotalReturn / result.MaxDrawdown; recovery < t.MinRecoveryFactor {
			vc.info(report, "Recovery Factor", recovery, t.MinRecoveryFactor,
				"Returns don't justify the drawdown risk", "Consider if the risk is worth the potential reward")
		}
	}

	if wf != nil {
		vc.checkWalkForward(wf, report)
	}

	report.ReturnScore = returnScore(result)
	report.RiskScore = riskScore(result, report.VaR95)
	report.ConsistencyScore = consistencyScore(result)
	report.RobustnessScore = robustnessScore(wf)

	report.Score = (report.ReturnScore*30 + report.RiskScore*30 +
		report.ConsistencyScore*20 + report.RobustnessScore*20) / 100
	report.Grade = scoreToGrade(report.Score)
	report.IsViable = !hasCriticalIssues(report.Issues) && report.Score >= 60
	report.Summary = summary(report)
	return report
}

// below records an issue when actual is under required; under critical it is critical.
func (vc *ViabilityChecker) below(report *ViabilityReport, metric string, actual, required, critical float64, desc, suggestion string) {
	if actual >= required {
		return
	}
	severity := "warning"
	if actual < critical {
		severity = "critical"
	}
	report.Issues = append(report.Issues, ViabilityIssue{
		Metric: metric, Actual: actual, Required: required,
		Severity: severity, Description: desc, Suggestion: suggestion,
	})
}

func (vc *ViabilityChecker) info(report *ViabilityReport, metric string, actual, required float64, desc, suggestion string) {
	report.Issues = append(report.Issues, ViabilityIssue{
		Metric: metric, Actual: actual, Required: required,
		Severity: "info", Description: desc, Suggestion: suggestion,
	})
}

func (vc *ViabilityChecker) checkWalkForward(wf *types.WalkForwardResult, report *ViabilityReport) {
	if len(wf.Windows) == 0 {
		return
	}
	consistency := profitableShare(wf)
	if consistency < vc.thresholds.MinWFConsistency {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:      "Walk-Forward Consistency",
			Actual:      consistency,
			Required:    vc.thresholds.MinWFConsistency,
			Severity:    "warning",
			Description: "Strategy is inconsistent across different time periods",
			Suggestion:  "Strategy may be overfit to specific market conditions",
		})
	} else {
		report.Strengths = append(report.Strengths, "Consistent out-of-sample performance")
	}

	if wf.DefinedDegradation > 0 && wf.AvgDegradation < vc.thresholds.MinWFDegradation {
		report.Issues = append(report.Issues, ViabilityIssue{
			Metric:      "Walk-Forward Degradation",
			Actual:      wf.AvgDegradation,
			Required:    vc.thresholds.MinWFDegradation,
			Severity:    "warning",
			Description: "Out-of-sample returns fall well short of in-sample returns",
			Suggestion:  "Strategy may perform worse in live trading than backtest suggests",
		})
	}
}

// HistoricalVaR returns the loss not exceeded with the given confidence,
// as a positive fraction, using the empirical return distribution.
func HistoricalVaR(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	q := stat.Quantile(1-confidence, stat.Empirical, sorted, nil)
	return math.Max(0, -q)
}

func profitableShare(wf *types.WalkForwardResult) float64 {
	if wf == nil || len(wf.Windows) == 0 {
		return 0
	}
	profitable := 0
	for _, w := range wf.Windows {
		if w.OOSReturn > 0 {
			profitable++
		}
	}
	return float64(profitable) / float64(len(wf.Windows))
}

func returnScore(r *types.BacktestResult) int {
	score := 50
	if r.SharpeRatio > 0 {
		score += int(math.Min(30, r.SharpeRatio*20))
	} else {
		score -= 20
	}
	if r.SortinoRatio > 0 {
		score += int(math.Min(20, r.SortinoRatio*10))
	}
	return clamp(score, 0, 100)
}

func riskScore(r *types.BacktestResult, var95 float64) int {
	score := 100
	score -= int(r.MaxDrawdown * 200)
	score -= int(var95 * 300)
	return clamp(score, 0, 100)
}

func consistencyScore(r *types.BacktestResult) int {
	score := int(r.WinRate * 60)
	if r.ProfitFactor > 1 {
		score += int(math.Min(40, (r.ProfitFactor-1)*20))
	}
	switch {
	case r.TotalTrades >= 100:
		score += 20
	case r.TotalTrades >= 50:
		score += 15
	case r.TotalTrades >= 30:
		score += 10
	}
	return clamp(score, 0, 100)
}

func robustnessScore(wf *types.WalkForwardResult) int {
	if wf == nil || len(wf.Windows) == 0 {
		return 50 // neutral without walk-forward data
	}
	return int(profitableShare(wf) * 100)
}

func scoreToGrade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func hasCriticalIssues(issues []ViabilityIssue) bool {
	for _, issue := range issues {
		if issue.Severity == "critical" {
			return true
		}
	}
	return false
}

func summary(report *ViabilityReport) string {
	if !report.IsViable {
		critical := 0
		for _, issue := range report.Issues {
			if issue.Severity == "critical" {
				critical++
			}
		}
		if critical > 0 {
			return fmt.Sprintf("Strategy is NOT viable for trading. Found %d critical issues that must be addressed.", critical)
		}
		return "Strategy does not meet minimum viability requirements. Consider fundamental changes."
	}

	switch report.Grade {
	case "A":
		return "Excellent strategy with strong risk-adjusted returns and consistency. Ready for paper trading."
	case "B":
		return "Good strategy with acceptable metrics. Consider paper trading before live deployment."
	case "C":
		return "Adequate strategy but monitor closely. Address warnings before scaling up."
	default:
		return "Marginally viable strategy. Significant improvements recommended before trading."
	}
}

func clamp(value, minVal, maxVal int) int {
	if value < minVal {
		return minVal
	}
	if value > maxVal {
		return maxVal
	}
	return value
}

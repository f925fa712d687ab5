// Package budget implements spec.md §4.9: per-job cost/time budget
// enforcement, status snapshots, projections, and CSV export. Adapted
// from the teacher's internal/context/budget.go BudgetTracker, retargeted
// from token-context budgets to cost(USD)/time(minutes) budgets, keeping
// the threshold-ratio-drives-status-color shape.
package budget

import (
	"errors"
	"fmt"

	"github.com/jobctl/jobctl/internal/manifest"
)

// DefaultWarningPercentage matches spec.md §4.9's default.
const DefaultWarningPercentage = 75.0

// ErrThresholdExceeded is returned by CheckGate when a job has crossed
// 100% of either budget, per spec.md §4.2.1 step 2.
var ErrThresholdExceeded = errors.New("budget threshold exceeded")

// StatusColor is the discrete budget-health indicator of spec.md §4.9.
type StatusColor string

const (
	Green  StatusColor = "green"
	Yellow StatusColor = "yellow"
	Red    StatusColor = "red"
)

// CheckGate fails fast, before any executor invocation, if cumulative cost
// or time has crossed 100% of its threshold. A threshold of zero disables
// that gate (spec.md §8 boundary behavior).
func CheckGate(m *manifest.Manifest) error {
	if m.CostThreshold > 0 && m.Metrics.CumulativeCost >= m.CostThreshold {
		return fmt.Errorf("%w: cumulative cost %.2f >= threshold %.2f", ErrThresholdExceeded, m.Metrics.CumulativeCost, m.CostThreshold)
	}
	if m.TimeThresholdMinutes > 0 {
		elapsedMinutes := m.Metrics.CumulativeTimeSeconds / 60
		if elapsedMinutes >= m.TimeThresholdMinutes {
			return fmt.Errorf("%w: cumulative time %.1fm >= threshold %.1fm", ErrThresholdExceeded, elapsedMinutes, m.TimeThresholdMinutes)
		}
	}
	return nil
}

// Snapshot is the detailed status spec.md §4.9 returns on demand.
type Snapshot struct {
	CumulativeCost        float64
	CumulativeTimeSeconds float64
	TotalTokensInput      int64
	TotalTokensOutput     int64
	CacheHits             int
	StepCount             int
	RemainingCost         float64
	RemainingTimeMinutes  float64
	CostPercent           float64
	TimePercent           float64
	Status                StatusColor
}

func warningPercentage(m *manifest.Manifest) float64 {
	if m.WarningPercentage > 0 {
		return m.WarningPercentage
	}
	return DefaultWarningPercentage
}

func percentOf(value, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	return (value / threshold) * 100
}

func statusForPercent(pct, warnPct float64) StatusColor {
	switch {
	case pct >= 100:
		return Red
	case pct >= warnPct:
		return Yellow
	default:
		return Green
	}
}

// worseOf returns the more severe of two statuses (Red > Yellow > Green).
func worseOf(a, b StatusColor) StatusColor {
	rank := map[StatusColor]int{Green: 0, Yellow: 1, Red: 2}
	if rank[a] >= rank[b] {
		return a
	}
	return b
}

// BuildSnapshot computes the current budget snapshot for m.
func BuildSnapshot(m *manifest.Manifest) Snapshot {
	warnPct := warningPercentage(m)
	costPct := percentOf(m.Metrics.CumulativeCost, m.CostThreshold)
	timeMinutes := m.Metrics.CumulativeTimeSeconds / 60
	timePct := percentOf(timeMinutes, m.TimeThresholdMinutes)

	s := Snapshot{
		CumulativeCost:        m.Metrics.CumulativeCost,
		CumulativeTimeSeconds: m.Metrics.CumulativeTimeSeconds,
		StepCount:             m.Metrics.StepCount,
		CostPercent:           costPct,
		TimePercent:           timePct,
	}
	if m.CostThreshold > 0 {
		s.RemainingCost = m.CostThreshold - m.Metrics.CumulativeCost
	}
	if m.TimeThresholdMinutes > 0 {
		s.RemainingTimeMinutes = m.TimeThresholdMinutes - timeMinutes
	}
	for _, h := range m.History {
		s.TotalTokensInput += h.Metrics.TokenInput
		s.TotalTokensOutput += h.Metrics.TokenOutput
		if h.Metrics.CacheHit {
			s.CacheHits++
		}
	}

	costStatus := Green
	if m.CostThreshold > 0 {
		costStatus = statusForPercent(costPct, warnPct)
	}
	timeStatus := Green
	if m.TimeThresholdMinutes > 0 {
		timeStatus = statusForPercent(timePct, warnPct)
	}
	s.Status = worseOf(costStatus, timeStatus)
	return s
}

// Projection projects the total cost/time for N remaining phases using the
// mean of observed per-step values in history, per spec.md §4.9.
type Projection struct {
	ProjectedCost        float64
	ProjectedTimeMinutes float64
	Status               StatusColor
	Recommendations      []string
}

// Project extrapolates remainingPhases steps forward from the mean
// per-step cost/time observed so far.
func Project(m *manifest.Manifest, remainingPhases int) Projection {
	var meanCost, meanTimeSeconds float64
	n := 0
	for _, h := range m.History {
		if h.Event != "" {
			continue // lifecycle markers carry no executor cost
		}
		meanCost += h.Metrics.CostUSD
		meanTimeSeconds += h.Metrics.DurationSeconds
		n++
	}
	if n > 0 {
		meanCost /= float64(n)
		meanTimeSeconds /= float64(n)
	}

	projectedCost := m.Metrics.CumulativeCost + meanCost*float64(remainingPhases)
	projectedTimeMinutes := (m.Metrics.CumulativeTimeSeconds + meanTimeSeconds*float64(remainingPhases)) / 60

	warnPct := warningPercentage(m)
	costStatus := Green
	if m.CostThreshold > 0 {
		costStatus = statusForPercent(percentOf(projectedCost, m.CostThreshold), warnPct)
	}
	timeStatus := Green
	if m.TimeThresholdMinutes > 0 {
		timeStatus = statusForPercent(percentOf(projectedTimeMinutes, m.TimeThresholdMinutes), warnPct)
	}
	status := worseOf(costStatus, timeStatus)

	p := Projection{ProjectedCost: projectedCost, ProjectedTimeMinutes: projectedTimeMinutes, Status: status}
	if status == Red {
		p.Recommendations = append(p.Recommendations, "raise the budget threshold or reduce remaining phases before continuing")
	} else if status == Yellow {
		p.Recommendations = append(p.Recommendations, "monitor closely; projected usage is approaching the threshold")
	}
	return p
}

package mission

import (
	"context"
	"time"
)

// Regression is a degradation report from any subsystem.
type Regression struct {
	Components []string  `json:"components"`
	Metrics    []string  `json:"metrics"`
	DetectedAt time.Time `json:"detected_at"`
	ReportedBy string    `json:"reported_by,omitempty"`
}

// Attribution is the outcome of correlating a regression against recent
// missions.
type Attribution struct {
	MissionID        string  `json:"mission_id"`
	UpdateID         string  `json:"update_id"`
	CorrelationScore float64 `json:"correlation_score"`
	Attributed       bool    `json:"attributed"`
}

// Correlation weights and the attribution threshold.
const (
	componentWeight      = 0.5
	metricWeight         = 0.3
	temporalWeight       = 0.2
	attributionThreshold = 0.5

	// temporalHorizon is the age past which proximity contributes nothing.
	temporalHorizon = 24 * time.Hour
)

// ReportRegression correlates a regression against recent missions and,
// when the best match scores at or above the attribution threshold,
// signals rollback for that mission's update. Lookback bounds how far
// back missions are considered; zero means the temporal horizon.
func (l *Loop) ReportRegression(ctx context.Context, reg Regression, lookback time.Duration) *Attribution {
	if lookback <= 0 {
		lookback = temporalHorizon
	}
	if reg.DetectedAt.IsZero() {
		reg.DetectedAt = l.now().UTC()
	}

	l.mu.Lock()
	var best *Mission
	bestScore := 0.0
	for i := len(l.order) - 1; i >= 0; i-- {
		m := l.missions[l.order[i]]
		age := reg.DetectedAt.Sub(m.WindowStart)
		if age < 0 || age > lookback {
			continue
		}
		score := correlate(reg, m)
		if score > bestScore {
			bestScore = score
			best = m
		}
	}
	l.mu.Unlock()

	if best == nil {
		return &Attribution{}
	}
	out := &Attribution{
		MissionID:        best.ID,
		UpdateID:         best.UpdateID,
		CorrelationScore: bestScore,
		Attributed:       bestScore >= attributionThreshold,
	}
	if !out.Attributed {
		return out
	}

	l.logger.Warn("regression attributed to mission",
		"mission_id", best.ID, "score", bestScore, "reported_by", reg.ReportedBy)

	l.mu.Lock()
	alreadyClosed := best.Closed()
	l.mu.Unlock()
	if alreadyClosed {
		// Verdict is final; still signal rollback for the update.
		select {
		case l.verdicts <- RollbackSignal{
			MissionID: best.ID,
			UpdateID:  best.UpdateID,
			Reason:    "regression attributed",
			Score:     bestScore,
		}:
		default:
			l.logger.Error("rollback signal dropped, verdict channel full", "mission_id", best.ID)
		}
		return out
	}

	// Open mission: record the regression as a critical anomaly, which
	// forces an immediate unstable verdict and the rollback signal.
	metric := "regression"
	if len(reg.Metrics) > 0 {
		metric = reg.Metrics[0]
	}
	l.apply(ctx, best, HealthCheck{SampledAt: reg.DetectedAt, Total: 1, Failed: 1}, []Anomaly{{
		Metric:      metric,
		Severity:    SeverityCritical,
		Description: "regression reported by " + reg.ReportedBy,
		ObservedAt:  reg.DetectedAt,
	}})
	return out
}

// correlate scores a regression against one mission: component overlap
// up to 0.5, metric overlap up to 0.3, temporal proximity up to 0.2.
func correlate(reg Regression, m *Mission) float64 {
	score := overlapFraction(reg.Components, m.ComponentTarget) * componentWeight
	score += overlapFraction(reg.Metrics, m.ExpectedMetrics) * metricWeight

	age := reg.DetectedAt.Sub(m.WindowStart)
	if age >= 0 && age < temporalHorizon {
		score += (1 - float64(age)/float64(temporalHorizon)) * temporalWeight
	}
	return score
}

func overlapFraction(reported, missionSet []string) float64 {
	if len(reported) == 0 || len(missionSet) == 0 {
		return 0
	}
	set := make(map[string]bool, len(missionSet))
	for _, s := range missionSet {
		set[s] = true
	}
	matched := 0
	for _, s := range reported {
		if set[s] {
			matched++
		}
	}
	return float64(matched) / float64(len(reported))
}

package anomaly

import (
	"sort"
	"time"

	"argus/metrics"
)

// Scoring defaults for entity timelines.
const (
	// DefaultThreshold marks an entity anomalous when its peak score
	// reaches it.
	DefaultThreshold = 8.0
	// DefaultBucketInterval is the timeline resolution.
	DefaultBucketInterval = time.Hour
)

// Sample is one event occurrence attributed to an entity.
type Sample struct {
	Time   time.Time
	Failed bool
}

// TimeBucket aggregates an entity's activity over one interval.
type TimeBucket struct {
	Start   time.Time `json:"start"`
	Count   int       `json:"count"`
	Failed  int       `json:"failed"`
	Success int       `json:"success"`
}

// BuildBuckets folds samples into a contiguous bucket series covering
// min to max sample time. Gaps stay in as zero-count buckets: an entity
// going quiet is signal, not missing data.
func BuildBuckets(samples []Sample, interval time.Duration) []TimeBucket {
	if len(samples) == 0 {
		return nil
	}
	if interval <= 0 {
		interval = DefaultBucketInterval
	}

	min, max := samples[0].Time, samples[0].Time
	for _, s := range samples[1:] {
		if s.Time.Before(min) {
			min = s.Time
		}
		if s.Time.After(max) {
			max = s.Time
		}
	}

	start := min.Truncate(interval)
	n := int(max.Sub(start)/interval) + 1
	buckets := make([]TimeBucket, n)
	for i := range buckets {
		buckets[i].Start = start.Add(time.Duration(i) * interval)
	}

	for _, s := range samples {
		i := int(s.Time.Sub(start) / interval)
		buckets[i].Count++
		if s.Failed {
			buckets[i].Failed++
		} else {
			buckets[i].Success++
		}
	}
	return buckets
}

// EntityActivity is one entity's scored timeline.
type EntityActivity struct {
	Name          string       `json:"name"`
	TotalEvents   int          `json:"totalEvents"`
	FailedEvents  int          `json:"failedEvents"`
	SuccessEvents int          `json:"successEvents"`
	Buckets       []TimeBucket `json:"buckets"`
	Scores        []float64    `json:"anomalyScores"`
	PeakAnomaly   float64      `json:"peakAnomaly"`
}

// Anomalous reports whether the entity's peak score reaches the
// threshold.
func (e *EntityActivity) Anomalous(threshold float64) bool {
	return e.PeakAnomaly >= threshold
}

// ScoreEntity runs a ChangeFinder over an entity's bucketed counts.
// A non-empty baseline series pre-trains the model, so the entity is
// judged against it instead of a cold start.
func ScoreEntity(name string, buckets []TimeBucket, baseline []float64, config *ChangeFinderConfig) *EntityActivity {
	cf := NewChangeFinder(config)
	if len(baseline) > 0 {
		cf.Train(baseline)
	}

	activity := &EntityActivity{Name: name, Buckets: buckets}
	series := make([]float64, len(buckets))
	for i, b := range buckets {
		series[i] = float64(b.Count)
		activity.TotalEvents += b.Count
		activity.FailedEvents += b.Failed
		activity.SuccessEvents += b.Success
	}

	activity.Scores = cf.Score(series)
	for _, s := range activity.Scores {
		if s > activity.PeakAnomaly {
			activity.PeakAnomaly = s
		}
	}

	metrics.SeriesScored.Inc()
	return activity
}

// Rank orders entities by peak score descending, ties broken by total
// event count descending.
func Rank(entities []*EntityActivity) {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].PeakAnomaly != entities[j].PeakAnomaly {
			return entities[i].PeakAnomaly > entities[j].PeakAnomaly
		}
		return entities[i].TotalEvents > entities[j].TotalEvents
	})
}

// FlagAnomalous returns the entities at or over the threshold,
// preserving order.
func FlagAnomalous(entities []*EntityActivity, threshold float64) []*EntityActivity {
	var flagged []*EntityActivity
	for _, e := range entities {
		if e.Anomalous(threshold) {
			metrics.EntitiesFlagged.Inc()
			flagged = append(flagged, e)
		}
	}
	return flagged
}

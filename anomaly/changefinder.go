package anomaly

import "math"

// Model defaults; every knob is overridable through ChangeFinderConfig.
const (
	DefaultDiscountRate = 0.05
	DefaultOrder        = 1
	DefaultSmooth       = 5
)

// ChangeFinderConfig holds configuration for a ChangeFinder pipeline.
type ChangeFinderConfig struct {
	DiscountRate float64 // SDAR discount rate (default: 0.05)
	Order        int     // AR order of both stages (default: 1)
	Smooth       int     // stage-1 smoothing width (default: 5)
}

// DefaultChangeFinderConfig returns the stock two-stage settings.
func DefaultChangeFinderConfig() *ChangeFinderConfig {
	return &ChangeFinderConfig{
		DiscountRate: DefaultDiscountRate,
		Order:        DefaultOrder,
		Smooth:       DefaultSmooth,
	}
}

// trail is a fixed-width trailing window over a series.
type trail struct {
	width  int
	values []float64
}

func newTrail(width int) *trail {
	return &trail{width: width}
}

func (t *trail) push(v float64) {
	t.values = append(t.values, v)
	if len(t.values) > t.width {
		t.values = t.values[1:]
	}
}

func (t *trail) full() bool { return len(t.values) >= t.width }

func (t *trail) mean() float64 {
	if len(t.values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range t.values {
		sum += v
	}
	return sum / float64(len(t.values))
}

// ChangeFinder detects change points in a sequential series with two
// chained SDAR stages: the first scores each raw sample as an outlier,
// the second scores the smoothed outlier series, separating sustained
// shifts from lone spikes. Scores are zero until both stages have
// filled their windows.
type ChangeFinder struct {
	outlier *SDAR
	change  *SDAR

	rawWindow    *trail // previous raw samples, the stage-1 AR window
	outlierTrail *trail // trailing outlier scores, width smooth
	smoothWindow *trail // previous smoothed values, the stage-2 AR window
	changeTrail  *trail // trailing change scores, width round(smooth/2)
}

// NewChangeFinder creates a pipeline. A nil or zero-valued config uses
// the defaults.
func NewChangeFinder(config *ChangeFinderConfig) *ChangeFinder {
	if config == nil {
		config = &ChangeFinderConfig{}
	}
	r := config.DiscountRate
	if r <= 0 || r >= 1 {
		r = DefaultDiscountRate
	}
	order := config.Order
	if order < 1 {
		order = DefaultOrder
	}
	smooth := config.Smooth
	if smooth < 2 {
		smooth = DefaultSmooth
	}
	finalSmooth := int(math.Round(float64(smooth) / 2))
	if finalSmooth < 1 {
		finalSmooth = 1
	}

	return &ChangeFinder{
		outlier:      NewSDAR(r, order),
		change:       NewSDAR(r, order),
		rawWindow:    newTrail(order),
		outlierTrail: newTrail(smooth),
		smoothWindow: newTrail(order),
		changeTrail:  newTrail(finalSmooth),
	}
}

// Update consumes the next sample and returns its change-point score,
// zero while either stage is still warming up.
func (cf *ChangeFinder) Update(x float64) float64 {
	if cf.rawWindow.full() {
		cf.outlierTrail.push(cf.outlier.Update(x, cf.rawWindow.values))
	}
	cf.rawWindow.push(x)

	if !cf.outlierTrail.full() {
		return 0
	}
	smoothed := cf.outlierTrail.mean()

	if cf.smoothWindow.full() {
		cf.changeTrail.push(cf.change.Update(smoothed, cf.smoothWindow.values))
	}
	cf.smoothWindow.push(smoothed)

	if !cf.changeTrail.full() {
		return 0
	}
	return cf.changeTrail.mean()
}

// Train feeds a baseline series through both stages and discards the
// scores. A subsequent target series is then judged against the
// baseline's learned state instead of a cold start.
func (cf *ChangeFinder) Train(series []float64) {
	for _, v := range series {
		cf.Update(v)
	}
}

// Score runs the whole series through the pipeline, returning one score
// per sample.
func (cf *ChangeFinder) Score(series []float64) []float64 {
	scores := make([]float64, len(series))
	for i, v := range series {
		scores[i] = cf.Update(v)
	}
	return scores
}

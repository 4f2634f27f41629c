// Package stats computes report and dashboard figures from snapshots.
package stats

import (
	"math"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/nodewatch/config"
)

// Aggregate maintains running statistics for one series of values.
// Percentiles come from a DDSketch. It is not safe for concurrent use.
type Aggregate struct {
	count   int64
	sum     float64
	min     float64
	max     float64
	firstTs time.Time
	lastTs  time.Time

	// nil if the sketch could not be created
	sketch *ddsketch.DDSketch
}

// Summary is the result of an Aggregate.
type Summary struct {
	Count int64     `json:"count" yaml:"count"`
	Mean  float64   `json:"mean" yaml:"mean"`
	Min   float64   `json:"min" yaml:"min"`
	Max   float64   `json:"max" yaml:"max"`
	P50   float64   `json:"p50" yaml:"p50"`
	P90   float64   `json:"p90" yaml:"p90"`
	P99   float64   `json:"p99" yaml:"p99"`
	First time.Time `json:"first" yaml:"first"`
	Last  time.Time `json:"last" yaml:"last"`
}

// NewAggregate creates an aggregate whose percentiles have the given
// relative accuracy. A non-positive accuracy uses the default.
func NewAggregate(accuracy float64) *Aggregate {
	if accuracy <= 0 || accuracy >= 1 {
		accuracy = config.DefaultSketchAccuracy
	}

	agg := &Aggregate{
		min: math.MaxFloat64,
		max: -math.MaxFloat64,
	}

	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err == nil {
		agg.sketch = sketch
	}

	return agg
}

// Add adds a value observed at ts.
func (a *Aggregate) Add(value float64, ts time.Time) {
	a.count++
	a.sum += value

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}

	if a.firstTs.IsZero() || ts.Before(a.firstTs) {
		a.firstTs = ts
	}
	if ts.After(a.lastTs) {
		a.lastTs = ts
	}

	if a.sketch != nil {
		a.sketch.Add(value)
	}
}

// Merge combines other into a.
func (a *Aggregate) Merge(other *Aggregate) {
	if other == nil || other.count == 0 {
		return
	}

	a.count += other.count
	a.sum += other.sum

	if other.min < a.min {
		a.min = other.min
	}
	if other.max > a.max {
		a.max = other.max
	}

	if a.firstTs.IsZero() || (!other.firstTs.IsZero() && other.firstTs.Before(a.firstTs)) {
		a.firstTs = other.firstTs
	}
	if other.lastTs.After(a.lastTs) {
		a.lastTs = other.lastTs
	}

	if a.sketch != nil && other.sketch != nil {
		a.sketch.MergeWith(other.sketch)
	}
}

// Count returns the number of values added.
func (a *Aggregate) Count() int64 {
	return a.count
}

// Result returns the summary. An empty aggregate yields a zero Summary.
func (a *Aggregate) Result() Summary {
	if a.count == 0 {
		return Summary{}
	}

	s := Summary{
		Count: a.count,
		Mean:  a.sum / float64(a.count),
		Min:   a.min,
		Max:   a.max,
		First: a.firstTs,
		Last:  a.lastTs,
	}

	if a.sketch != nil {
		s.P50, _ = a.sketch.GetValueAtQuantile(0.50)
		s.P90, _ = a.sketch.GetValueAtQuantile(0.90)
		s.P99, _ = a.sketch.GetValueAtQuantile(0.99)
	}

	return s
}

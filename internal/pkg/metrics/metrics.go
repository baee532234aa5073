// Package metrics defines the counters and timers the sync core records,
// backed by opencensus stats.
package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

var msToUsRatio = float64(time.Millisecond / time.Microsecond)

// Int64Counter is a monotonically increasing counter.
type Int64Counter struct {
	measure *stats.Int64Measure
	view    *view.View
}

// NewInt64Counter creates and registers a counter with the given name and
// description.
func NewInt64Counter(name, desc string) *Int64Counter {
	measure := stats.Int64(name, desc, stats.UnitDimensionless)
	v := &view.View{
		Name:        name,
		Measure:     measure,
		Description: desc,
		Aggregation: view.Count(),
	}
	if err := view.Register(v); err != nil {
		// a panic here indicates a duplicate metric name
		panic(err)
	}
	return &Int64Counter{measure: measure, view: v}
}

// Inc increments the counter by `value`.
func (c *Int64Counter) Inc(ctx context.Context, value int64) {
	stats.Record(ctx, c.measure.M(value))
}

// Float64Timer measures the duration of an operation in milliseconds.
type Float64Timer struct {
	measure *stats.Float64Measure
	view    *view.View
}

// NewTimerMs creates and registers a millisecond-resolution timer.
func NewTimerMs(name, desc string) *Float64Timer {
	measure := stats.Float64(name, desc, stats.UnitMilliseconds)
	v := &view.View{
		Name:        name,
		Measure:     measure,
		Description: desc,
		Aggregation: view.Distribution(25, 50, 100, 200, 400, 800, 1600, 3200, 6400, 12800, 25600, 51200),
	}
	if err := view.Register(v); err != nil {
		panic(err)
	}
	return &Float64Timer{measure: measure, view: v}
}

// Start begins timing, returning a stopwatch whose Stop records the elapsed
// time.
func (t *Float64Timer) Start(ctx context.Context) *Stopwatch {
	return &Stopwatch{
		takeMeasurement: func(d time.Duration) {
			stats.Record(ctx, t.measure.M(float64(d/time.Microsecond)/msToUsRatio))
		},
		start: time.Now(),
	}
}

// Stopwatch records an elapsed duration when stopped.
type Stopwatch struct {
	takeMeasurement func(d time.Duration)
	start           time.Time
}

// Stop rounds out the timing and records it.
func (sw *Stopwatch) Stop(ctx context.Context) time.Duration {
	d := time.Since(sw.start)
	sw.takeMeasurement(d)
	return d
}

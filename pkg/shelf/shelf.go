// Package shelf implements the in-memory aggregator that folds parsed
// statsd metrics into per-name accumulators between flushes.
package shelf

import (
	"math"
	"sort"
	"time"

	"github.com/vela-metrics/statsdaemon/pkg/metric"
)

// Record is one line of a flush: a metric name, its aggregated value, and
// the flush epoch it belongs to.
type Record struct {
	Name      string
	Value     float64
	Timestamp float64 // unix seconds
}

// Shelf accumulates statsd metrics between flushes. It has no internal
// locking: the queue processor is its single owner and calls Add and
// SnapshotAndClear from one goroutine only.
type Shelf struct {
	counters map[string]float64
	gauges   map[string]float64
	sets     map[string]map[string]struct{}
	timers   map[string][]float64
}

// New returns an empty Shelf.
func New() *Shelf {
	s := &Shelf{}
	s.reset()
	return s
}

func (s *Shelf) reset() {
	s.counters = make(map[string]float64)
	s.gauges = make(map[string]float64)
	s.sets = make(map[string]map[string]struct{})
	s.timers = make(map[string][]float64)
}

// Clear resets every accumulator to empty.
func (s *Shelf) Clear() {
	s.reset()
}

// Add folds a single parsed metric into the shelf.
func (s *Shelf) Add(m metric.Metric) {
	switch m.Type {
	case metric.Counter:
		s.addCounter(m)
	case metric.Gauge:
		s.gauges[m.Name] = m.Value
	case metric.GaugeDelta:
		s.gauges[m.Name] += m.Value
	case metric.Set:
		members, ok := s.sets[m.Name]
		if !ok {
			members = make(map[string]struct{})
			s.sets[m.Name] = members
		}
		members[m.StringValue] = struct{}{}
	case metric.Timer:
		s.addTimer(m)
	}
}

func (s *Shelf) addCounter(m metric.Metric) {
	rate := m.SampleRate
	if rate <= 0 {
		rate = 1
	}
	s.counters[m.Name] += m.Value / rate
}

// addTimer appends the sampled value weighted by 1/sample_rate, rounded to
// the nearest integer repeat count with a floor of 1 so a single sampled
// timer observation is never lost entirely.
func (s *Shelf) addTimer(m metric.Metric) {
	rate := m.SampleRate
	if rate <= 0 {
		rate = 1
	}
	repeats := int(math.Round(1 / rate))
	if repeats < 1 {
		repeats = 1
	}
	values := s.timers[m.Name]
	for i := 0; i < repeats; i++ {
		values = append(values, m.Value)
	}
	s.timers[m.Name] = values
}

// SnapshotAndClear atomically produces the flush records for the current
// state and resets the shelf. interval is the flush interval, used to
// compute the per-second counter ".rate" records.
func (s *Shelf) SnapshotAndClear(now time.Time, interval time.Duration) []Record {
	ts := float64(now.Unix())
	intervalSeconds := interval.Seconds()

	counters := s.counters
	gauges := s.gauges
	sets := s.sets
	timers := s.timers
	s.reset()

	records := make([]Record, 0, len(counters)*2+len(gauges)+len(sets)+len(timers)*5)

	for _, name := range sortedKeys(counters) {
		sum := counters[name]
		records = append(records, Record{Name: name, Value: sum, Timestamp: ts})
		var perSecond float64
		if intervalSeconds > 0 {
			perSecond = sum / intervalSeconds
		}
		records = append(records, Record{Name: name + ".rate", Value: perSecond, Timestamp: ts})
	}

	for _, name := range sortedKeys(gauges) {
		records = append(records, Record{Name: name, Value: gauges[name], Timestamp: ts})
	}

	for _, name := range sortedSetKeys(sets) {
		records = append(records, Record{Name: name, Value: float64(len(sets[name])), Timestamp: ts})
	}

	for _, name := range sortedTimerKeys(timers) {
		xs := timers[name]
		if len(xs) == 0 {
			continue
		}
		records = append(records, timerRecords(name, xs, ts)...)
	}

	return records
}

func timerRecords(name string, xs []float64, ts float64) []Record {
	lower, upper, sum := xs[0], xs[0], 0.0
	for _, x := range xs {
		if x < lower {
			lower = x
		}
		if x > upper {
			upper = x
		}
		sum += x
	}
	mean := sum / float64(len(xs))
	return []Record{
		{Name: name + ".count", Value: float64(len(xs)), Timestamp: ts},
		{Name: name + ".lower", Value: lower, Timestamp: ts},
		{Name: name + ".upper", Value: upper, Timestamp: ts},
		{Name: name + ".mean", Value: mean, Timestamp: ts},
		{Name: name + ".sum", Value: sum, Timestamp: ts},
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSetKeys(m map[string]map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedTimerKeys(m map[string][]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

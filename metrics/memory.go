package metrics

import (
	"sort"
	"strings"
	"sync"
)

// MemSink collects emissions in memory. Used by tests to assert on
// exact counter values.
type MemSink struct {
	mu         sync.Mutex
	counters   map[string]float64
	histograms map[string][]float64
	gauges     map[string]float64
}

func NewMemSink() *MemSink {
	return &MemSink{
		counters:   make(map[string]float64),
		histograms: make(map[string][]float64),
		gauges:     make(map[string]float64),
	}
}

// key flattens name+tags into a deterministic map key.
func key(name string, tags Tags) string {
	if len(tags) == 0 {
		return name
	}
	parts := make([]string, 0, len(tags))
	for k, v := range tags {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return name + "|" + strings.Join(parts, ",")
}

func (m *MemSink) Increment(name string, tags Tags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key(name, tags)]++
}

func (m *MemSink) Histogram(name string, value float64, tags Tags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(name, tags)
	m.histograms[k] = append(m.histograms[k], value)
}

func (m *MemSink) Gauge(name string, value float64, tags Tags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[key(name, tags)] = value
}

// CounterTotal sums every counter series with the given name,
// regardless of tags.
func (m *MemSink) CounterTotal(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for k, v := range m.counters {
		if k == name || strings.HasPrefix(k, name+"|") {
			total += v
		}
	}
	return total
}

// CounterMatching sums every series of name whose tags include all the
// given pairs. Lets tests assert on one tag without spelling out the
// recorder's constant tags.
func (m *MemSink) CounterMatching(name string, tags Tags) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for k, v := range m.counters {
		seriesName, rest, _ := strings.Cut(k, "|")
		if seriesName != name {
			continue
		}
		series := make(map[string]string)
		for _, pair := range strings.Split(rest, ",") {
			if tk, tv, ok := strings.Cut(pair, "="); ok {
				series[tk] = tv
			}
		}
		match := true
		for tk, tv := range tags {
			if series[tk] != tv {
				match = false
				break
			}
		}
		if match {
			total += v
		}
	}
	return total
}

// SampleCount counts histogram observations across all series with the
// given name.
func (m *MemSink) SampleCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for k, samples := range m.histograms {
		if k == name || strings.HasPrefix(k, name+"|") {
			n += len(samples)
		}
	}
	return n
}

// GaugeValue returns the last value set on the matching series.
func (m *MemSink) GaugeValue(name string, tags Tags) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[key(name, tags)]
}

package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var stopwatchBuckets = prometheus.ExponentialBuckets(0.0001, 4, 10)

type collectorKey struct {
	policy Policy
	name   string
	labels string
}

type collectors struct {
	mu       sync.Mutex
	registry *prometheus.Registry
	vecs     map[collectorKey]prometheus.Collector
	// metrics that could not be registered, e.g. a name reused with another label set
	rejected prometheus.Counter
}

var _collectors = newCollectors()

func newCollectors() *collectors {
	c := &collectors{
		registry: prometheus.NewRegistry(),
		vecs:     make(map[collectorKey]prometheus.Collector),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metrics_register_rejected_total",
			Help: "metrics dropped because their collector could not be registered",
		}),
	}
	c.registry.MustRegister(c.rejected)
	return c
}

// Registry returns the registry all metrics are reported to.
func Registry() *prometheus.Registry {
	return _collectors.registry
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(_collectors.registry, promhttp.HandlerOpts{})
}

func metricName(group, name string) string {
	full := name
	if group != "" {
		full = group + "_" + name
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, full)
}

func labelNames(dim Dimension) []string {
	names := make([]string, 0, len(dim))
	for k := range dim {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// get returns the collector for policy/name/labels, creating and registering it on first use.
func (c *collectors) get(policy Policy, name string, labels []string) prometheus.Collector {
	key := collectorKey{policy: policy, name: name, labels: strings.Join(labels, ",")}

	c.mu.Lock()
	defer c.mu.Unlock()
	if vec, ok := c.vecs[key]; ok {
		return vec
	}

	var vec prometheus.Collector
	switch policy {
	case PolicySum:
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labels)
	case PolicySet:
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labels)
	case PolicyStopwatch:
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name, Buckets: stopwatchBuckets}, labels)
	default:
		return nil
	}
	if err := c.registry.Register(vec); err != nil {
		c.rejected.Inc()
		return nil
	}
	c.vecs[key] = vec
	return vec
}

func labelValues(names []string, dim Dimension) []string {
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = dim[n]
	}
	return values
}

// IncrCounterWithGroup adds v to the counter group_name.
func IncrCounterWithGroup(group, name string, v Value) {
	IncrCounterWithDimGroup(group, name, v, nil)
}

// IncrCounterWithDimGroup adds v to the counter group_name labelled by dim.
func IncrCounterWithDimGroup(group, name string, v Value, dim Dimension) {
	if v < 0 {
		return
	}
	names := labelNames(dim)
	if vec, ok := _collectors.get(PolicySum, metricName(group, name), names).(*prometheus.CounterVec); ok {
		vec.WithLabelValues(labelValues(names, dim)...).Add(float64(v))
	}
}

// UpdateGaugeWithGroup sets the gauge group_name to v.
func UpdateGaugeWithGroup(group, name string, v Value) {
	UpdateGaugeWithDimGroup(group, name, v, nil)
}

// UpdateGaugeWithDimGroup sets the gauge group_name labelled by dim to v.
func UpdateGaugeWithDimGroup(group, name string, v Value, dim Dimension) {
	names := labelNames(dim)
	if vec, ok := _collectors.get(PolicySet, metricName(group, name), names).(*prometheus.GaugeVec); ok {
		vec.WithLabelValues(labelValues(names, dim)...).Set(float64(v))
	}
}

// RecordStopwatchWithGroup observes the time elapsed since start.
func RecordStopwatchWithGroup(group, name string, start time.Time) {
	RecordStopwatchWithDimGroup(group, name, start, nil)
}

// RecordStopwatchWithDimGroup observes the time elapsed since start, labelled by dim.
func RecordStopwatchWithDimGroup(group, name string, start time.Time, dim Dimension) {
	names := labelNames(dim)
	if vec, ok := _collectors.get(PolicyStopwatch, metricName(group, name), names).(*prometheus.HistogramVec); ok {
		vec.WithLabelValues(labelValues(names, dim)...).Observe(time.Since(start).Seconds())
	}
}

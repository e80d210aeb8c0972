package metrics

// Policy selects the collector a metric is reported through.
type Policy int

const (
	PolicyNone      Policy = iota
	PolicySet              // gauge, last value wins
	PolicySum              // counter
	PolicyStopwatch        // histogram of elapsed seconds
)

func (p Policy) String() string {
	switch p {
	case PolicySet:
		return "gauge"
	case PolicySum:
		return "counter"
	case PolicyStopwatch:
		return "stopwatch"
	default:
		return "none"
	}
}

// Value represents a metric value as a float64.
type Value float64

// Dimension adds labels to a metric, e.g. {"reason": "queue_full"}.
type Dimension map[string]string

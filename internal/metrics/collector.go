package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the Prometheus series for the monitoring session. It
// registers itself as a single prometheus.Collector.
type Collector struct {
	FramesProcessed   prometheus.Counter
	FramesDuplicate   prometheus.Counter
	DetectionsDropped prometheus.Counter
	Violations        *prometheus.CounterVec
	Events            *prometheus.CounterVec
	IngestFrames      *prometheus.CounterVec
	ActiveTracks      prometheus.Gauge
	PersonsPresent    prometheus.Gauge
	FrameLatency      prometheus.Histogram
}

func NewCollector(registry prometheus.Registerer, namespace string) (*Collector, error) {
	c := &Collector{
		FramesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Frames run through the tracker and rule engines",
		}),
		FramesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_duplicate_total",
			Help:      "Frames discarded as duplicates before tracking",
		}),
		DetectionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_dropped_total",
			Help:      "Malformed or filtered detections discarded before matching",
		}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Exam violations raised, by type",
		}, []string{"type"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Session events logged, by type",
		}, []string{"type"}),
		IngestFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_frames_total",
			Help:      "Frames seen by ingest sources, by source and outcome",
		}, []string{"source", "outcome"}),
		ActiveTracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tracks",
			Help:      "Tracks matched in the most recent frame",
		}),
		PersonsPresent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persons_present",
			Help:      "Active person tracks in the most recent frame",
		}),
		FrameLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_processing_seconds",
			Help:      "Time spent processing one frame",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
	}
	if registry != nil {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register session metrics: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) ObserveFrame(took time.Duration, activeTracks, persons, dropped int) {
	c.FramesProcessed.Inc()
	c.FrameLatency.Observe(took.Seconds())
	c.ActiveTracks.Set(float64(activeTracks))
	c.PersonsPresent.Set(float64(persons))
	if dropped > 0 {
		c.DetectionsDropped.Add(float64(dropped))
	}
}

func (c *Collector) ObserveDuplicate() {
	c.FramesDuplicate.Inc()
}

func (c *Collector) ObserveViolation(typ string) {
	c.Violations.WithLabelValues(typ).Inc()
}

func (c *Collector) ObserveEvent(typ string) {
	c.Events.WithLabelValues(typ).Inc()
}

// ObserveIngest satisfies ingest.Observer.
func (c *Collector) ObserveIngest(source, outcome string) {
	c.IngestFrames.WithLabelValues(source, outcome).Inc()
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.FramesProcessed.Describe(ch)
	c.FramesDuplicate.Describe(ch)
	c.DetectionsDropped.Describe(ch)
	c.Violations.Describe(ch)
	c.Events.Describe(ch)
	c.IngestFrames.Describe(ch)
	c.ActiveTracks.Describe(ch)
	c.PersonsPresent.Describe(ch)
	c.FrameLatency.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.FramesProcessed.Collect(ch)
	c.FramesDuplicate.Collect(ch)
	c.DetectionsDropped.Collect(ch)
	c.Violations.Collect(ch)
	c.Events.Collect(ch)
	c.IngestFrames.Collect(ch)
	c.ActiveTracks.Collect(ch)
	c.PersonsPresent.Collect(ch)
	c.FrameLatency.Collect(ch)
}

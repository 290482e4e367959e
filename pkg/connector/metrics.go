package connector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the pipeline counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PagesFetched       prometheus.Counter
	PageRetries        prometheus.Counter
	RoomsSynced        *prometheus.CounterVec
	MessagesClassified *prometheus.CounterVec
	MediaFetches       *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
}

// NewMetrics creates the counters on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PagesFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "rexit_pages_fetched_total",
			Help: "Total room message pages fetched",
		}),
		PageRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "rexit_page_retries_total",
			Help: "Total retried page requests",
		}),
		RoomsSynced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rexit_rooms_synced_total",
			Help: "Total rooms synchronized",
		}, []string{"outcome"}), // "complete" or "incomplete"
		MessagesClassified: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rexit_messages_classified_total",
			Help: "Total timeline events classified",
		}, []string{"kind"}), // "text", "media" or "skip"
		MediaFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rexit_media_fetches_total",
			Help: "Total media fetch outcomes",
		}, []string{"outcome"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rexit_cache_lookups_total",
			Help: "Total lookup cache requests",
		}, []string{"cache", "result"}),
	}
}

// Media fetch outcomes.
const (
	mediaDownloaded  = "downloaded"
	mediaCached      = "cached"
	mediaDeduped     = "deduplicated"
	mediaUnsupported = "unsupported"
	mediaFailed      = "failed"
)

func (m *Metrics) pageFetched() {
	if m != nil {
		m.PagesFetched.Inc()
	}
}

func (m *Metrics) pageRetried(n int) {
	if m != nil && n > 0 {
		m.PageRetries.Add(float64(n))
	}
}

func (m *Metrics) roomSynced(incomplete bool) {
	if m == nil {
		return
	}
	if incomplete {
		m.RoomsSynced.WithLabelValues("incomplete").Inc()
	} else {
		m.RoomsSynced.WithLabelValues("complete").Inc()
	}
}

func (m *Metrics) classified(kind string) {
	if m != nil {
		m.MessagesClassified.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) mediaFetch(outcome string) {
	if m != nil {
		m.MediaFetches.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) cacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}

package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"hybridcast/internal/core/domain"
)

// PrometheusCollector exposes the engine's delivery metrics. It subscribes
// to nothing itself; the host feeds it from the stats callbacks and the
// event bus.
type PrometheusCollector struct {
	peersConnected  prometheus.Gauge
	bytesDownloaded prometheus.Counter
	bytesUploaded   prometheus.Counter
	bandwidthSaved  prometheus.Counter
	recoveredErrors prometheus.Counter
	fatalErrors     prometheus.Counter
	cacheBytes      prometheus.Gauge
	cacheEntries    prometheus.Gauge
	networkSpeed    prometheus.Gauge
	bufferSeconds   prometheus.Gauge

	segmentDownloadDuration prometheus.Histogram
	peerLatency             prometheus.Histogram

	deliveryMode *prometheus.GaugeVec
	qualityLevel *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		peersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hybridcast_peers_connected",
			Help: "Number of currently connected mesh peers",
		}),

		bytesDownloaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hybridcast_cdn_bytes_total",
			Help: "Total bytes downloaded from the CDN",
		}),

		bytesUploaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hybridcast_peer_bytes_uploaded_total",
			Help: "Total bytes uploaded to mesh peers",
		}),

		bandwidthSaved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hybridcast_peer_bytes_downloaded_total",
			Help: "Total bytes received from mesh peers instead of the CDN",
		}),

		recoveredErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hybridcast_recovered_errors_total",
			Help: "Stream errors absorbed by the recovery state machine",
		}),

		fatalErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hybridcast_fatal_errors_total",
			Help: "Playback sessions aborted after exhausting retries",
		}),

		cacheBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hybridcast_cache_bytes",
			Help: "Current size of the segment cache in bytes",
		}),

		cacheEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hybridcast_cache_entries",
			Help: "Number of entries in the segment cache",
		}),

		networkSpeed: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hybridcast_network_speed_mbps",
			Help: "Estimated network throughput in Mbps",
		}),

		bufferSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hybridcast_buffer_seconds",
			Help: "Seconds of media buffered ahead of the playhead",
		}),

		segmentDownloadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hybridcast_segment_download_duration_seconds",
			Help:    "Duration of segment downloads",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),

		peerLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hybridcast_peer_latency_seconds",
			Help:    "Measured ping round-trip latency to mesh peers",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		deliveryMode: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hybridcast_delivery_mode",
			Help: "Active delivery mode (1 for the current mode, 0 otherwise)",
		}, []string{"mode"}),

		qualityLevel: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hybridcast_quality_level",
			Help: "Current quality level index per content",
		}, []string{"content_id"}),
	}
}

// RecordStreamStats applies one streaming snapshot.
func (p *PrometheusCollector) RecordStreamStats(contentID string, stats domain.StreamStats) {
	p.networkSpeed.Set(stats.NetworkSpeedMbps)
	p.bufferSeconds.Set(stats.BufferSeconds)
	p.qualityLevel.WithLabelValues(contentID).Set(float64(stats.CurrentLevel))
}

// RecordP2PStats applies one mesh snapshot.
func (p *PrometheusCollector) RecordP2PStats(stats domain.P2PStats) {
	p.peersConnected.Set(float64(stats.PeersConnected))
	p.setMode(stats.Mode)
}

func (p *PrometheusCollector) setMode(mode domain.DeliveryMode) {
	for _, m := range []domain.DeliveryMode{domain.ModeCDN, domain.ModeHybrid, domain.ModeP2P} {
		value := 0.0
		if m == mode {
			value = 1
		}
		p.deliveryMode.WithLabelValues(string(m)).Set(value)
	}
}

// RecordCacheInfo applies one cache summary.
func (p *PrometheusCollector) RecordCacheInfo(info domain.CacheInfo) {
	p.cacheBytes.Set(float64(info.TotalBytes))
	p.cacheEntries.Set(float64(info.SegmentCount))
}

func (p *PrometheusCollector) RecordCDNDownload(bytes int64, duration time.Duration) {
	p.bytesDownloaded.Add(float64(bytes))
	p.segmentDownloadDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordPeerDownload(bytes int64) {
	p.bandwidthSaved.Add(float64(bytes))
}

func (p *PrometheusCollector) RecordPeerUpload(bytes int64) {
	p.bytesUploaded.Add(float64(bytes))
}

func (p *PrometheusCollector) RecordPeerLatency(latency time.Duration) {
	p.peerLatency.Observe(latency.Seconds())
}

func (p *PrometheusCollector) RecordRecoveredError() {
	p.recoveredErrors.Inc()
}

func (p *PrometheusCollector) RecordFatalError() {
	p.fatalErrors.Inc()
}

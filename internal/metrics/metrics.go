// Package metrics provides Prometheus metrics for the podgallery client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Relay connection metrics
	connectionUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "podgallery_relay_connected",
			Help: "1 while the relay connection is open",
		},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "podgallery_relay_reconnects_total",
			Help: "Total relay connections established after the first",
		},
	)

	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podgallery_messages_total",
			Help: "Total protocol messages by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	unknownMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "podgallery_unknown_messages_total",
			Help: "Inbound messages that could not be dispatched",
		},
	)

	// Gallery metrics
	knownPods = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "podgallery_gallery_known_pods",
			Help: "Number of pods the gallery currently knows",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "podgallery_gallery_cache_entries",
			Help: "Number of cached pictures across all galleries",
		},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podgallery_gallery_cache_lookups_total",
			Help: "Picture cache lookups during repaint",
		},
		[]string{"result"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podgallery_gallery_deliveries_total",
			Help: "Delivered pictures by outcome",
		},
		[]string{"result"},
	)

	cacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podgallery_gallery_cache_invalidations_total",
			Help: "Picture cache resets by cause",
		},
		[]string{"cause"},
	)

	// Pod metrics
	sharedFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "podgallery_pod_shared_files",
			Help: "Number of files the pod shares",
		},
	)

	imageRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podgallery_pod_image_requests_total",
			Help: "Image requests answered by the pod, by outcome",
		},
		[]string{"result"},
	)

	rejectedFilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "podgallery_pod_rejected_files_total",
			Help: "Files refused because they are not images",
		},
	)

	// Thumbnail metrics
	thumbnailDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "podgallery_thumbnail_duration_seconds",
			Help:    "Time to turn a file into a transmittable preview",
			Buckets: prometheus.DefBuckets,
		},
	)

	thumbnailSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "podgallery_thumbnail_resize_steps",
			Help:    "Resize attempts needed to fit under the size ceiling",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 6},
		},
	)

	thumbnailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podgallery_thumbnails_total",
			Help: "Thumbnail jobs by outcome",
		},
		[]string{"result"},
	)

	// S3 share source metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podgallery_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podgallery_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetConnected records the relay connection state.
func SetConnected(up bool) {
	if up {
		connectionUp.Set(1)
	} else {
		connectionUp.Set(0)
	}
}

// RecordReconnect counts a connection that replaced a lost one.
func RecordReconnect() {
	reconnectsTotal.Inc()
}

// RecordMessage counts a protocol message; direction is "in" or "out".
func RecordMessage(direction, kind string) {
	messagesTotal.WithLabelValues(direction, kind).Inc()
}

// RecordUnknownMessage counts an inbound message nobody could handle.
func RecordUnknownMessage() {
	unknownMessagesTotal.Inc()
}

func SetKnownPods(n int) {
	knownPods.Set(float64(n))
}

func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// RecordCacheLookup records a repaint lookup: "hit", "pending" or "miss".
func RecordCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordDelivery records a DeliverImage outcome: "stored" or "stale".
func RecordDelivery(result string) {
	deliveriesTotal.WithLabelValues(result).Inc()
}

// RecordCacheInvalidation records why a picture cache was dropped.
func RecordCacheInvalidation(cause string) {
	cacheInvalidationsTotal.WithLabelValues(cause).Inc()
}

func SetSharedFiles(n int) {
	sharedFiles.Set(float64(n))
}

// RecordImageRequest records how the pod answered a request:
// "delivered", "queued", "missing", "expired" or "failed".
func RecordImageRequest(result string) {
	imageRequestsTotal.WithLabelValues(result).Inc()
}

func RecordRejectedFile() {
	rejectedFilesTotal.Inc()
}

// RecordThumbnail records a finished thumbnail job.
func RecordThumbnail(duration time.Duration, steps int, success bool) {
	thumbnailDuration.Observe(duration.Seconds())
	result := "success"
	if !success {
		result = "error"
	} else {
		thumbnailSteps.Observe(float64(steps))
	}
	thumbnailsTotal.WithLabelValues(result).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

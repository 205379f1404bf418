package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry       *prometheus.Registry
	registryOnce   sync.Once
	metricsEnabled = true

	// SIP metrics
	SIPRequestsTotal   *prometheus.CounterVec
	SIPResponsesTotal  *prometheus.CounterVec
	SIPRetransmissions *prometheus.CounterVec
	SIPMalformedTotal  prometheus.Counter
	TransactionsActive prometheus.Gauge
	DialogsActive      prometheus.Gauge
	DialogDuration     *prometheus.HistogramVec
	CallSetupTime      prometheus.Histogram

	// RTP relay metrics
	RTPPacketsForwarded prometheus.Counter
	RTPBytesForwarded   prometheus.Counter
	RTPDroppedPackets   *prometheus.CounterVec
	RelayContextsActive prometheus.Gauge
	TranscodeTime       *prometheus.HistogramVec

	// DTMF metrics
	DigitEventsTotal *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SIPRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "softswitch_sip_requests_total",
				Help: "Total number of SIP requests by method and direction",
			},
			[]string{"method", "direction"},
		)

		SIPResponsesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "softswitch_sip_responses_total",
				Help: "Total number of SIP responses by status class",
			},
			[]string{"status_class", "direction"},
		)

		SIPRetransmissions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "softswitch_sip_retransmissions_total",
				Help: "Request retransmissions on unreliable transport",
			},
			[]string{"method"},
		)

		SIPMalformedTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "softswitch_sip_malformed_total",
				Help: "Messages rejected at the codec boundary",
			},
		)

		TransactionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "softswitch_transactions_active",
				Help: "Number of transactions not yet terminated",
			},
		)

		DialogsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "softswitch_dialogs_active",
				Help: "Number of dialogs not yet terminated",
			},
		)

		DialogDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "softswitch_dialog_duration_seconds",
				Help:    "Dialog lifetime from creation to termination",
				Buckets: prometheus.ExponentialBuckets(1, 2, 15),
			},
			[]string{"reason"},
		)

		CallSetupTime = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "softswitch_call_setup_seconds",
				Help:    "Time from Offering to Confirmed",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		)

		RTPPacketsForwarded = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "softswitch_rtp_packets_forwarded_total",
				Help: "RTP packets relayed between legs",
			},
		)

		RTPBytesForwarded = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "softswitch_rtp_bytes_forwarded_total",
				Help: "RTP payload bytes relayed between legs",
			},
		)

		// Labeled by reason only; per-call labels would grow without bound
		RTPDroppedPackets = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "softswitch_rtp_dropped_packets_total",
				Help: "RTP packets dropped, by reason",
			},
			[]string{"reason"},
		)

		RelayContextsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "softswitch_relay_contexts_active",
				Help: "Relay contexts currently forwarding media",
			},
		)

		TranscodeTime = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "softswitch_transcode_seconds",
				Help:    "Per-packet transcoding time",
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12),
			},
			[]string{"from", "to"},
		)

		DigitEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "softswitch_digit_events_total",
				Help: "DTMF digit events by source",
			},
			[]string{"source"},
		)

		registry.MustRegister(
			SIPRequestsTotal,
			SIPResponsesTotal,
			SIPRetransmissions,
			SIPMalformedTotal,
			TransactionsActive,
			DialogsActive,
			DialogDuration,
			CallSetupTime,
			RTPPacketsForwarded,
			RTPBytesForwarded,
			RTPDroppedPackets,
			RelayContextsActive,
			TranscodeTime,
			DigitEventsTotal,
		)

		logger.Debug("Prometheus metrics registered")
	})
}

// IsMetricsEnabled reports whether metric recording is active
func IsMetricsEnabled() bool {
	return metricsEnabled && registry != nil
}

// SetEnabled toggles metric recording
func SetEnabled(enabled bool) {
	metricsEnabled = enabled
}

// RecordDroppedPacket increments the drop counter for a reason
func RecordDroppedPacket(reason string) {
	if !IsMetricsEnabled() {
		return
	}
	RTPDroppedPackets.WithLabelValues(reason).Inc()
}

// RecordForwardedPacket counts one relayed packet and its payload size
func RecordForwardedPacket(bytes int) {
	if !IsMetricsEnabled() {
		return
	}
	RTPPacketsForwarded.Inc()
	RTPBytesForwarded.Add(float64(bytes))
}

// RecordRequest counts one SIP request by method and direction
func RecordRequest(method, direction string) {
	if !IsMetricsEnabled() {
		return
	}
	SIPRequestsTotal.WithLabelValues(method, direction).Inc()
}

// RecordResponse counts one SIP response by status class and direction
func RecordResponse(statusCode int, direction string) {
	if !IsMetricsEnabled() {
		return
	}
	class := fmt.Sprintf("%dxx", statusCode/100)
	SIPResponsesTotal.WithLabelValues(class, direction).Inc()
}

// RecordRetransmission counts one request retransmission
func RecordRetransmission(method string) {
	if !IsMetricsEnabled() {
		return
	}
	SIPRetransmissions.WithLabelValues(method).Inc()
}

// RecordMalformed counts one message rejected by the codec
func RecordMalformed() {
	if !IsMetricsEnabled() {
		return
	}
	SIPMalformedTotal.Inc()
}

// AdjustTransactions moves the active-transaction gauge by delta
func AdjustTransactions(delta int) {
	if !IsMetricsEnabled() {
		return
	}
	TransactionsActive.Add(float64(delta))
}

// AdjustDialogs moves the active-dialog gauge by delta
func AdjustDialogs(delta int) {
	if !IsMetricsEnabled() {
		return
	}
	DialogsActive.Add(float64(delta))
}

// ObserveDialogDuration records a completed dialog's lifetime
func ObserveDialogDuration(reason string, d time.Duration) {
	if !IsMetricsEnabled() {
		return
	}
	DialogDuration.WithLabelValues(reason).Observe(d.Seconds())
}

// ObserveCallSetup records the Offering-to-Confirmed latency
func ObserveCallSetup(d time.Duration) {
	if !IsMetricsEnabled() {
		return
	}
	CallSetupTime.Observe(d.Seconds())
}

// AdjustRelayContexts moves the active-relay gauge by delta
func AdjustRelayContexts(delta int) {
	if !IsMetricsEnabled() {
		return
	}
	RelayContextsActive.Add(float64(delta))
}

// RecordDigit counts one DTMF digit by source
func RecordDigit(source string) {
	if !IsMetricsEnabled() {
		return
	}
	DigitEventsTotal.WithLabelValues(source).Inc()
}

// ObserveTranscode records per-packet transcoding latency
func ObserveTranscode(from, to string, d time.Duration) {
	if !IsMetricsEnabled() {
		return
	}
	TranscodeTime.WithLabelValues(from, to).Observe(d.Seconds())
}

// Serve exposes the registry over HTTP on the given port
func Serve(logger *logrus.Logger, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		logger.WithField("port", port).Info("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()

	return srv
}

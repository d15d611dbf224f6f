// Package metrics holds the Prometheus metrics for one command run.
//
// The CLI exits after each command, so nothing is scraped. Metrics are
// flushed once at exit to a node_exporter textfile, a Pushgateway, or both.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/heroku/docker-heroku-ruby-builder/internal/version"
	"github.com/heroku/docker-heroku-ruby-builder/internal/xerrors"
)

type RunMetrics struct {
	reg *prometheus.Registry
	// go/process collectors live apart so the textfile does not collide
	// with node_exporter's own
	runtime *prometheus.Registry

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	txTotal  *prometheus.CounterVec
	txDur    *prometheus.HistogramVec
	lockWait prometheus.Histogram
	records  prometheus.Gauge

	verifyTotal     *prometheus.CounterVec
	verifyDur       prometheus.Histogram
	downloadedBytes prometheus.Counter

	throttledHosts prometheus.Counter
	throttleWaits  prometheus.Histogram

	runSuccess  prometheus.Gauge
	runLastTs   prometheus.Gauge
	runDuration prometheus.Gauge
}

func New() *RunMetrics {
	rt := prometheus.NewRegistry()
	rt.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &RunMetrics{
		runtime: rt,
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		txTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manifest_transactions_total",
			Help: "Manifest read-modify-write transactions by outcome",
		}, []string{"outcome"}),
		txDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "manifest_transaction_duration_seconds",
			Help:    "Manifest transaction latency including lock wait, by outcome",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"outcome"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "manifest_lock_wait_seconds",
			Help:    "Time spent waiting for the manifest lock",
			Buckets: []float64{0.0005, 0.001, 0.01, 0.1, 1, 5, 30, 120},
		}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "manifest_records",
			Help: "Number of artifact records in the manifest after the last transaction",
		}),
		verifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verify_artifacts_total",
			Help: "Verified artifacts by outcome",
		}, []string{"outcome"}),
		verifyDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "verify_artifact_duration_seconds",
			Help:    "Time to download and hash one artifact",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		downloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verify_downloaded_bytes_total",
			Help: "Bytes downloaded while verifying artifacts",
		}),
		throttledHosts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetch_throttled_hosts_total",
			Help: "Hosts whose download rate limit was reached at least once",
		}),
		throttleWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetch_throttle_wait_seconds",
			Help:    "Time downloads waited on the per-host rate limiter",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		// unlabelled: the Pushgateway grouping key carries the command, and
		// push rejects metrics that repeat a grouping label
		runSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inventory_last_run_success",
			Help: "Whether the last run succeeded (1) or failed (0)",
		}),
		runLastTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inventory_last_run_timestamp_seconds",
			Help: "Unix timestamp of when the last run finished",
		}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inventory_last_run_duration_seconds",
			Help: "Wall time of the last run",
		}),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		m.buildInfo,
		m.profilingActive,
		m.txTotal,
		m.txDur,
		m.lockWait,
		m.records,
		m.verifyTotal,
		m.verifyDur,
		m.downloadedBytes,
		m.throttledHosts,
		m.throttleWaits,
		m.runSuccess,
		m.runLastTs,
		m.runDuration,
	)
	m.reg = reg
	return m
}

// Gatherer returns run metrics followed by the Go and process collectors.
func (m *RunMetrics) Gatherer() prometheus.Gatherer {
	return prometheus.Gatherers{m.reg, m.runtime}
}

// set once at startup.
func (m *RunMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *RunMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// manifest.Metrics

func (m *RunMetrics) ObserveTransaction(outcome string, seconds float64) {
	m.txTotal.WithLabelValues(outcome).Inc()
	m.txDur.WithLabelValues(outcome).Observe(seconds)
}

func (m *RunMetrics) ObserveLockWait(seconds float64) {
	m.lockWait.Observe(seconds)
}

func (m *RunMetrics) SetManifestRecords(n int) {
	m.records.Set(float64(n))
}

// verify.Metrics

func (m *RunMetrics) ObserveVerify(outcome string, seconds float64, bytes int64) {
	m.verifyTotal.WithLabelValues(outcome).Inc()
	m.verifyDur.Observe(seconds)
	if bytes > 0 {
		m.downloadedBytes.Add(float64(bytes))
	}
}

// ratelimit hooks

func (m *RunMetrics) IncThrottledHost(string) {
	m.throttledHosts.Inc()
}

func (m *RunMetrics) ObserveThrottleWait(_ string, waited time.Duration) {
	m.throttleWaits.Observe(waited.Seconds())
}

// ObserveRun records the result of the finished command. One process runs
// one command; Push groups by it, textfile users pick a path per command.
func (m *RunMetrics) ObserveRun(err error, elapsed time.Duration, finished time.Time) {
	ok := 1.0
	if err != nil {
		ok = 0
	}
	m.runSuccess.Set(ok)
	m.runLastTs.Set(float64(finished.Unix()))
	m.runDuration.Set(elapsed.Seconds())
}

// WriteTextfile writes run metrics for the node_exporter textfile collector.
// The file is replaced atomically.
func (m *RunMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return xerrors.Wrapf(err, "write metrics textfile %s", path)
	}
	return nil
}

// Push replaces this job's metric group on a Pushgateway, grouped by command.
// client defaults to an otelhttp-instrumented client.
func (m *RunMetrics) Push(ctx context.Context, url, job, command string, client *http.Client) error {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	p := push.New(url, job).
		Gatherer(m.Gatherer()).
		Client(client)
	if command != "" {
		p = p.Grouping("command", command)
	}
	if err := p.PushContext(ctx); err != nil {
		return xerrors.Wrapf(err, "push metrics to %s", url)
	}
	return nil
}

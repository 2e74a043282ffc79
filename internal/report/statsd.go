// Package report publishes run results: a human summary and, optionally,
// statsd metrics.
package report

import (
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"

	multiread "github.com/ehrlich-b/go-multiread"
	"github.com/ehrlich-b/go-multiread/internal/logging"
)

// Metric keys, relative to the exporter namespace
const (
	KeyReadLatency = "read_latency"
	KeyReads       = "reads"
	KeyReadErrors  = "read_errors"
	KeyShortReads  = "short_reads"
	KeyBytes       = "bytes"
	KeyInFlight    = "in_flight"
	KeyThroughput  = "throughput_bytes"
	KeyIOPS        = "iops"
	KeyElapsed     = "elapsed"
	KeyLatency     = "latency"
	KeyRuns        = "runs"
)

// Tag keys
const (
	TagEngine     = "engine"
	TagChunkSize  = "chunk_size"
	TagPercentile = "latency_percentile"
	TagOutcome    = "outcome"
)

// TagAsString formats a statsd tag
func TagAsString(key, value string) string {
	return key + ":" + value
}

// Client is the subset of the statsd client the exporter uses
type Client interface {
	Timing(name string, value time.Duration, tags []string, rate float64) error
	Count(name string, value int64, tags []string, rate float64) error
	Gauge(name string, value float64, tags []string, rate float64) error
	Flush() error
	Close() error
}

var _ Client = (*statsd.Client)(nil)

// StatsdExporter streams per-read observations and exports the final result
type StatsdExporter struct {
	client Client
	tags   []string

	// SampleRate applies to per-read timings; run totals are always sent
	SampleRate float64

	logger *logging.Logger
}

// NewStatsd connects to a statsd agent at addr. prefix becomes the metric
// namespace.
func NewStatsd(addr, prefix string, tags []string, logger *logging.Logger) (*StatsdExporter, error) {
	opts := []statsd.Option{statsd.WithTags(tags)}
	if prefix != "" {
		opts = append(opts, statsd.WithNamespace(prefix+"."))
	}
	client, err := statsd.New(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("report: statsd %s: %w", addr, err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger.Info("statsd exporter initialized", "addr", addr, "namespace", prefix, "tags", tags)
	return NewStatsdWithClient(client, nil, logger), nil
}

// NewStatsdWithClient wraps an existing client. tags are added to every
// metric on top of the client's own.
func NewStatsdWithClient(client Client, tags []string, logger *logging.Logger) *StatsdExporter {
	if logger == nil {
		logger = logging.Default()
	}
	return &StatsdExporter{client: client, tags: tags, SampleRate: 0.1, logger: logger}
}

// ObserveRead sends a sampled read latency and counts failures
func (e *StatsdExporter) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	if err := e.client.Timing(KeyReadLatency, time.Duration(latencyNs), e.tags, e.SampleRate); err != nil {
		e.logger.Debug("statsd timing failed", "error", err)
	}
	if !success {
		if err := e.client.Count(KeyReadErrors, 1, e.tags, 1); err != nil {
			e.logger.Debug("statsd count failed", "error", err)
		}
	}
}

// ObserveInFlight sends the in-flight gauge
func (e *StatsdExporter) ObserveInFlight(n uint32) {
	if err := e.client.Gauge(KeyInFlight, float64(n), e.tags, e.SampleRate); err != nil {
		e.logger.Debug("statsd gauge failed", "error", err)
	}
}

// Export sends the totals of a finished run. res may be nil when the run
// failed before any read was issued.
func (e *StatsdExporter) Export(res *multiread.Result, runErr error) error {
	outcome := "ok"
	if runErr != nil {
		outcome = "fail"
	}
	if err := e.client.Count(KeyRuns, 1, e.with(TagAsString(TagOutcome, outcome)), 1); err != nil {
		return fmt.Errorf("report: export: %w", err)
	}
	if res == nil {
		return e.client.Flush()
	}

	tags := e.with(
		TagAsString(TagEngine, string(res.Engine)),
		TagAsString(TagChunkSize, fmt.Sprint(res.ChunkSize)),
	)
	snap := res.Metrics

	var errs []error
	send := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	send(e.client.Count(KeyReads, int64(res.Reaped), tags, 1))
	send(e.client.Count(KeyBytes, int64(res.Bytes), tags, 1))
	send(e.client.Count(KeyShortReads, int64(res.ShortReads), tags, 1))
	send(e.client.Gauge(KeyThroughput, res.Throughput(), tags, 1))
	send(e.client.Gauge(KeyIOPS, snap.IOPS, tags, 1))
	send(e.client.Timing(KeyElapsed, res.Elapsed, tags, 1))
	for _, p := range []struct {
		name string
		ns   uint64
	}{
		{"p50", snap.LatencyP50Ns},
		{"p99", snap.LatencyP99Ns},
		{"p999", snap.LatencyP999Ns},
	} {
		send(e.client.Timing(KeyLatency, time.Duration(p.ns), append(tags[:len(tags):len(tags)], TagAsString(TagPercentile, p.name)), 1))
	}
	send(e.client.Flush())

	if len(errs) > 0 {
		return fmt.Errorf("report: export: %d statsd errors, first: %w", len(errs), errs[0])
	}
	return nil
}

// Close flushes and closes the client
func (e *StatsdExporter) Close() error {
	return e.client.Close()
}

func (e *StatsdExporter) with(extra ...string) []string {
	out := make([]string, 0, len(e.tags)+len(extra))
	out = append(out, e.tags...)
	return append(out, extra...)
}

var _ multiread.Observer = (*StatsdExporter)(nil)

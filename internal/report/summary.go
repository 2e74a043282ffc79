package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	multiread "github.com/ehrlich-b/go-multiread"
	"github.com/ehrlich-b/go-multiread/internal/config"
	"github.com/ehrlich-b/go-multiread/internal/logging"
)

// WriteSummary prints a human-readable result table
func WriteSummary(w io.Writer, res *multiread.Result) error {
	snap := res.Metrics
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	status := "OK"
	if !res.OK() {
		status = "FAILED"
	}

	fmt.Fprintf(tw, "File:\t%s (%s)\n", res.Path, config.FormatSize(res.Size))
	fmt.Fprintf(tw, "Engine:\t%s\n", res.Engine)
	fmt.Fprintf(tw, "Chunks:\t%d x %s, depth %d\n", res.Chunks, config.FormatSize(res.ChunkSize), res.Depth)
	fmt.Fprintf(tw, "Completions:\t%d/%d reaped, %d failed, %d short\n", res.Reaped, res.Submitted, res.Failures, res.ShortReads)
	fmt.Fprintf(tw, "Read:\t%s in %v\n", config.FormatSize(res.Bytes), res.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(tw, "Throughput:\t%s/s, %.0f IOPS\n", config.FormatSize(uint64(res.Throughput())), snap.IOPS)
	fmt.Fprintf(tw, "Latency:\tavg %v, p50 %v, p99 %v, p99.9 %v, max %v\n",
		time.Duration(snap.AvgLatencyNs), time.Duration(snap.LatencyP50Ns),
		time.Duration(snap.LatencyP99Ns), time.Duration(snap.LatencyP999Ns),
		time.Duration(snap.MaxLatencyNs))
	fmt.Fprintf(tw, "In flight:\tmax %d, avg %.1f\n", res.MaxInFlight, snap.AvgInFlight)
	if res.HasDigest {
		fmt.Fprintf(tw, "Digest:\txxh64:%016x\n", res.Digest)
	}
	fmt.Fprintf(tw, "Status:\t%s\n", status)
	return tw.Flush()
}

// LogSummary logs the result as one structured line
func LogSummary(logger *logging.Logger, res *multiread.Result) {
	kv := []any{
		"engine", res.Engine,
		"chunks", res.Chunks,
		"chunk_size", res.ChunkSize,
		"depth", res.Depth,
		"reaped", res.Reaped,
		"bytes", res.Bytes,
		"failures", res.Failures,
		"short_reads", res.ShortReads,
		"elapsed", res.Elapsed,
		"throughput_bps", res.Throughput(),
		"p50_ns", res.Metrics.LatencyP50Ns,
		"p99_ns", res.Metrics.LatencyP99Ns,
	}
	if res.HasDigest {
		kv = append(kv, "digest", fmt.Sprintf("%016x", res.Digest))
	}
	if res.OK() {
		logger.Info("run summary", kv...)
	} else {
		logger.Warn("run summary", kv...)
	}
}

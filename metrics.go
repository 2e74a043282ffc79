package multiread

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks per-read statistics of a run. Latency is measured from
// enqueue to reap.
type Metrics struct {
	ReadOps    atomic.Uint64 // Completions reaped
	ReadBytes  atomic.Uint64 // Bytes of successful reads
	ReadErrors atomic.Uint64 // Failed or rejected short reads

	// In-flight statistics, sampled after every flush
	InFlightTotal atomic.Uint64
	InFlightCount atomic.Uint64
	MaxInFlight   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	MaxLatencyNs   atomic.Uint64

	// Each bucket[i] contains the count of reads with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records one reaped completion
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordInFlight records the number of reads held by the kernel
func (m *Metrics) RecordInFlight(n uint32) {
	m.InFlightTotal.Add(uint64(n))
	m.InFlightCount.Add(1)
	storeMax32(&m.MaxInFlight, n)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	storeMax64(&m.MaxLatencyNs, latencyNs)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

func storeMax32(v *atomic.Uint32, n uint32) {
	for {
		current := v.Load()
		if n <= current || v.CompareAndSwap(current, n) {
			return
		}
	}
}

func storeMax64(v *atomic.Uint64, n uint64) {
	for {
		current := v.Load()
		if n <= current || v.CompareAndSwap(current, n) {
			return
		}
	}
}

// Start resets the clock, for callers that reuse a Metrics across runs
func (m *Metrics) Start() {
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Stop marks the end of the run
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates
type MetricsSnapshot struct {
	ReadOps    uint64
	ReadBytes  uint64
	ReadErrors uint64

	AvgInFlight float64
	MaxInFlight uint32

	AvgLatencyNs uint64
	MaxLatencyNs uint64
	ElapsedNs    uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	IOPS      float64 // Reads per second
	Bandwidth float64 // Bytes per second
	ErrorRate float64 // Percentage of failed reads
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:      m.ReadOps.Load(),
		ReadBytes:    m.ReadBytes.Load(),
		ReadErrors:   m.ReadErrors.Load(),
		MaxInFlight:  m.MaxInFlight.Load(),
		MaxLatencyNs: m.MaxLatencyNs.Load(),
	}

	if count := m.InFlightCount.Load(); count > 0 {
		snap.AvgInFlight = float64(m.InFlightTotal.Load()) / float64(count)
	}
	if snap.ReadOps > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / snap.ReadOps
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.ElapsedNs = uint64(stopTime - startTime)
	} else {
		snap.ElapsedNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.ElapsedNs > 0 {
		seconds := float64(snap.ElapsedNs) / 1e9
		snap.IOPS = float64(snap.ReadOps) / seconds
		snap.Bandwidth = float64(snap.ReadBytes) / seconds
	}
	if snap.ReadOps > 0 {
		snap.ErrorRate = float64(snap.ReadErrors) / float64(snap.ReadOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if snap.ReadOps > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(snap.ReadOps, 0.50)
		snap.LatencyP99Ns = m.calculatePercentile(snap.ReadOps, 0.99)
		snap.LatencyP999Ns = m.calculatePercentile(snap.ReadOps, 0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(total uint64, percentile float64) uint64 {
	targetCount := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// Latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all counters
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.ReadBytes.Store(0)
	m.ReadErrors.Store(0)
	m.InFlightTotal.Store(0)
	m.InFlightCount.Store(0)
	m.MaxInFlight.Store(0)
	m.TotalLatencyNs.Store(0)
	m.MaxLatencyNs.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.Start()
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveRead is called once per reaped completion
	ObserveRead(bytes uint64, latencyNs uint64, success bool)

	// ObserveInFlight is called after every flush with the number of reads
	// held by the kernel
	ObserveInFlight(n uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool) {}
func (NoOpObserver) ObserveInFlight(uint32)           {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveInFlight(n uint32) {
	o.metrics.RecordInFlight(n)
}

// multiObserver fans every observation out to several observers
type multiObserver []Observer

func (m multiObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveRead(bytes, latencyNs, success)
	}
}

func (m multiObserver) ObserveInFlight(n uint32) {
	for _, o := range m {
		o.ObserveInFlight(n)
	}
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
var _ Observer = multiObserver(nil)

/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package slmetrics exposes a session's health as Prometheus metrics. It is
// a domain-stack addition: the core driver never touches it directly,
// callers wire a Recorder in through slclient.Config if they want it.
package slmetrics

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/eclesh/welford"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/process"
)

// Recorder is the metrics surface a session reports into. Implementations
// must be safe for concurrent use, though a session only ever calls it from
// its own driving goroutine.
type Recorder interface {
	IncPacket(format byte)
	IncReconnect()
	IncKeepalive()
	IncFramingError()
	ObserveBufferLevel(bytes int)
	ObservePacketGap(d time.Duration)
}

// Prom is a Recorder backed by a dedicated prometheus.Registry, in the
// style of the teacher's PrometheusExporter: one registry per component,
// served over its own listener rather than sharing a process-wide default.
type Prom struct {
	registry *prometheus.Registry

	packetsByFormat  *prometheus.CounterVec
	reconnects       prometheus.Counter
	keepalives       prometheus.Counter
	framingErrors    prometheus.Counter
	bufferHighWater  prometheus.Gauge
	packetGapSeconds prometheus.Histogram

	gapStats *welford.Stats
	proc     *process.Process
}

// NewProm builds a Prom Recorder and registers its collectors.
func NewProm() *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		packetsByFormat: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seedlink_packets_total",
			Help: "Packets received, by payload format (miniSEED 2, miniSEED 3, etc).",
		}, []string{"format"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seedlink_reconnects_total",
			Help: "Number of times the session reconnected to the server.",
		}),
		keepalives: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seedlink_keepalives_total",
			Help: "Number of INFO keepalive probes sent while idle.",
		}),
		framingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seedlink_framing_errors_total",
			Help: "Number of fatal framing errors encountered.",
		}),
		bufferHighWater: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seedlink_recv_buffer_high_water_bytes",
			Help: "High-water mark of the 16 KiB receive buffer.",
		}),
		packetGapSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seedlink_packet_gap_seconds",
			Help:    "Time between successive delivered packets.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		gapStats: welford.New(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		p.proc = proc
	}
	p.registry.MustRegister(
		p.packetsByFormat,
		p.reconnects,
		p.keepalives,
		p.framingErrors,
		p.bufferHighWater,
		p.packetGapSeconds,
	)
	return p
}

// IncPacket counts one received packet of the given payload format.
func (p *Prom) IncPacket(format byte) {
	p.packetsByFormat.WithLabelValues(string(format)).Inc()
}

// IncReconnect counts one reconnect.
func (p *Prom) IncReconnect() { p.reconnects.Inc() }

// IncKeepalive counts one keepalive probe.
func (p *Prom) IncKeepalive() { p.keepalives.Inc() }

// IncFramingError counts one fatal framing error.
func (p *Prom) IncFramingError() { p.framingErrors.Inc() }

// ObserveBufferLevel sets the high-water gauge to bytes without comparing
// it to the previous value; the session calls it only on a new high.
func (p *Prom) ObserveBufferLevel(bytes int) {
	p.bufferHighWater.Set(float64(bytes))
}

// ObservePacketGap records the interval between two delivered packets, both
// into the histogram and into a running mean/variance used for the
// /healthz-style summary below.
func (p *Prom) ObservePacketGap(d time.Duration) {
	p.packetGapSeconds.Observe(d.Seconds())
	p.gapStats.Add(d.Seconds())
}

// GapSummary reports the running mean and standard deviation of the packet
// gap observed so far, computed in constant memory via welford's online
// algorithm rather than by retaining every sample.
func (p *Prom) GapSummary() (mean, stddev float64) {
	return p.gapStats.Mean(), p.gapStats.Stddev()
}

// ProcessRSS reports the process's resident set size in bytes, or 0 if
// process stats are unavailable on this platform.
func (p *Prom) ProcessRSS() int64 {
	if p.proc == nil {
		return 0
	}
	info, err := p.proc.MemoryInfo()
	if err != nil {
		return 0
	}
	return int64(info.RSS)
}

// Goroutines reports the current goroutine count, a cheap liveness signal
// for a long-running collection driver.
func (p *Prom) Goroutines() int {
	return runtime.NumGoroutine()
}

// ListenAndServe serves the registry's /metrics endpoint, blocking until the
// listener fails. Mirrors the teacher's PrometheusExporter.Start shape, but
// returns the error instead of log.Fatal-ing so the caller decides.
func (p *Prom) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	return http.ListenAndServe(addr, mux)
}

var _ Recorder = (*Prom)(nil)

// Noop is a Recorder that discards everything, the default when no metrics
// backend is configured.
type Noop struct{}

func (Noop) IncPacket(byte)                 {}
func (Noop) IncReconnect()                  {}
func (Noop) IncKeepalive()                  {}
func (Noop) IncFramingError()               {}
func (Noop) ObserveBufferLevel(int)         {}
func (Noop) ObservePacketGap(time.Duration) {}

var _ Recorder = Noop{}

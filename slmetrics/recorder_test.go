package slmetrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPromRecorderCounters(t *testing.T) {
	p := NewProm()
	p.IncPacket('2')
	p.IncPacket('2')
	p.IncPacket('3')
	p.IncReconnect()
	p.IncKeepalive()
	p.IncFramingError()
	p.ObserveBufferLevel(4096)
	p.ObservePacketGap(250 * time.Millisecond)
	p.ObservePacketGap(750 * time.Millisecond)

	mean, stddev := p.GapSummary()
	require.InDelta(t, 0.5, mean, 1e-9)
	require.Greater(t, stddev, 0.0)
}

func TestNoopRecorderSatisfiesInterface(t *testing.T) {
	var r Recorder = Noop{}
	r.IncPacket('2')
	r.IncReconnect()
	r.IncKeepalive()
	r.IncFramingError()
	r.ObserveBufferLevel(1)
	r.ObservePacketGap(time.Second)
}

func TestProcessStatsDoNotPanicWithoutProcess(t *testing.T) {
	p := &Prom{}
	require.Equal(t, int64(0), p.ProcessRSS())
}

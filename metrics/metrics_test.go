package metrics

import (
	"net"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpByDefault(t *testing.T) {
	assert.IsType(t, &statsd.NoOpClient{}, statsDClient)
	assert.NotPanics(t, func() {
		Timing("classify.latency", time.Millisecond, "backend:local")
		Incr("classify.requests")
		Gauge("pool.in_use", 2)
	})
}

func TestInitWithoutAddrKeepsNoOp(t *testing.T) {
	require.NoError(t, Init(Config{}))
	assert.IsType(t, &statsd.NoOpClient{}, statsDClient)
}

func TestInitWithAgent(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	prev, prevRate := statsDClient, samplingRate
	t.Cleanup(func() {
		statsDClient.Close()
		statsDClient, samplingRate = prev, prevRate
	})

	require.NoError(t, Init(Config{Addr: conn.LocalAddr().String(), SamplingRate: 0.5, Tags: []string{"env:test"}}))
	assert.IsType(t, &statsd.Client{}, statsDClient)
	assert.Equal(t, 0.5, samplingRate)

	assert.NotPanics(t, func() {
		Incr("model.update", "outcome:success")
		Timing("classify.latency", 3*time.Millisecond)
	})
}

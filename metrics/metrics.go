// Package metrics publishes StatsD metrics. Until Init is called every call
// is a no-op.
package metrics

import (
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rs/zerolog/log"
)

const namespace = "adcog."

var (
	// It is safe to use one Client from multiple goroutines simultaneously
	statsDClient statsd.ClientInterface = &statsd.NoOpClient{}

	samplingRate = 1.0
)

type Config struct {
	Addr         string
	SamplingRate float64
	Tags         []string
}

// Init points the package at a StatsD agent. An empty address keeps the
// no-op client.
func Init(cfg Config) error {
	if cfg.SamplingRate > 0 {
		samplingRate = cfg.SamplingRate
	}
	if cfg.Addr == "" {
		log.Info().Msg("metrics address not set, statsd disabled")
		return nil
	}

	client, err := statsd.New(cfg.Addr,
		statsd.WithNamespace(namespace),
		statsd.WithTags(cfg.Tags),
	)
	if err != nil {
		return fmt.Errorf("statsd client: %w", err)
	}
	statsDClient = client
	log.Info().Str("addr", cfg.Addr).Strs("tags", cfg.Tags).Float64("sampling_rate", samplingRate).Msg("metrics client initialized")
	return nil
}

func Close() error {
	return statsDClient.Close()
}

func Timing(name string, value time.Duration, tags ...string) {
	if err := statsDClient.Timing(name, value, tags, samplingRate); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("statsd timing failed")
	}
}

func Count(name string, value int64, tags ...string) {
	if err := statsDClient.Count(name, value, tags, samplingRate); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("statsd count failed")
	}
}

func Incr(name string, tags ...string) {
	Count(name, 1, tags...)
}

func Gauge(name string, value float64, tags ...string) {
	if err := statsDClient.Gauge(name, value, tags, samplingRate); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("statsd gauge failed")
	}
}

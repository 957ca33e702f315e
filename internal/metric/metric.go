package metric

import (
	"strconv"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rs/zerolog/log"
)

const (
	ApiRequestCount           = "api_request_count"
	ApiRequestLatency         = "api_request_latency"
	InferenceLatency          = "inference_latency"
	InferenceCount            = "inference_count"
	ExternalApiRequestCount   = "external_api_request_count"
	ExternalApiRequestLatency = "external_api_request_latency"

	TagEnv            = "env"
	TagService        = "service"
	TagPath           = "path"
	TagMethod         = "method"
	TagHttpStatusCode = "http_status_code"
	TagLabel          = "label"
	TagBackend        = "backend"
	TagOutcome        = "outcome"
)

// Client sends statsd metrics. It is safe to use from multiple goroutines.
type Client struct {
	statsd       statsd.ClientInterface
	samplingRate float64
}

// New creates a client that ships metrics to address. An empty address gives a
// client that drops everything.
func New(address, appName, env string, samplingRate float64) *Client {
	if samplingRate <= 0 || samplingRate > 1 {
		samplingRate = 1
	}
	if address == "" {
		return &Client{statsd: &statsd.NoOpClient{}, samplingRate: samplingRate}
	}
	c, err := statsd.New(address, statsd.WithTags([]string{
		TagAsString(TagEnv, env),
		TagAsString(TagService, appName),
	}))
	if err != nil {
		log.Warn().Err(err).Str("address", address).Msg("StatsD client initialization failed, metrics disabled")
		return &Client{statsd: &statsd.NoOpClient{}, samplingRate: samplingRate}
	}
	log.Info().Msgf("Metrics client initialized with address - %s and sampling rate - %f", address, samplingRate)
	return &Client{statsd: c, samplingRate: samplingRate}
}

// Noop returns a client that drops everything.
func Noop() *Client {
	return &Client{statsd: &statsd.NoOpClient{}, samplingRate: 1}
}

// TimingWithStart can be deferred at the top of a function to time it.
func (c *Client) TimingWithStart(name string, start time.Time, tags []string) {
	c.Timing(name, time.Since(start), tags)
}

func (c *Client) Timing(name string, value time.Duration, tags []string) {
	if err := c.statsd.Timing(name, value, tags, c.samplingRate); err != nil {
		log.Warn().Err(err).Msg("Error occurred while doing statsd timing")
	}
}

func (c *Client) Incr(name string, tags []string) {
	if err := c.statsd.Count(name, 1, tags, c.samplingRate); err != nil {
		log.Warn().Err(err).Msg("Error occurred while doing statsd count")
	}
}

func (c *Client) Close() error {
	return c.statsd.Close()
}

func TagAsString(key, value string) string {
	return key + ":" + value
}

// HTTPTags builds the tag set used for both served and outbound HTTP calls.
func HTTPTags(path, method string, statusCode int) []string {
	return []string{
		TagAsString(TagPath, path),
		TagAsString(TagMethod, method),
		TagAsString(TagHttpStatusCode, strconv.Itoa(statusCode)),
	}
}

// Package influx writes proxy attempt and wallet outcome metrics to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/lightmine/pkg/errors"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client and checks its health
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "influx_health", "failed to check InfluxDB health")
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return errors.New(errors.ErrorTypeStorage, "influx_health", "InfluxDB health check failed: "+msg)
	}
	return nil
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Errors exposes asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// AttemptPoint describes one proxied API request.
type AttemptPoint struct {
	Method     string
	Path       string
	Proxy      string
	Number     int
	StatusCode int
	Duration   time.Duration
	Success    bool
	Time       time.Time
}

// OutcomePoint describes one wallet's pass through a cycle.
type OutcomePoint struct {
	Wallet    string
	State     string
	AbortedAt string
	Cycle     int64
	Duration  time.Duration
	Activated bool
	Time      time.Time
}

func attemptPoint(a AttemptPoint) *write.Point {
	tags := map[string]string{
		"method":  a.Method,
		"path":    a.Path,
		"proxy":   a.Proxy,
		"success": strconv.FormatBool(a.Success),
	}
	fields := map[string]any{
		"attempt":     a.Number,
		"status_code": a.StatusCode,
		"duration_ms": a.Duration.Milliseconds(),
		"count":       1,
	}
	return write.NewPoint("proxy_attempts", tags, fields, a.Time)
}

func outcomePoint(o OutcomePoint) *write.Point {
	tags := map[string]string{
		"wallet": o.Wallet,
		"state":  o.State,
	}
	if o.AbortedAt != "" {
		tags["aborted_at"] = o.AbortedAt
	}
	fields := map[string]any{
		"cycle":       o.Cycle,
		"duration_ms": o.Duration.Milliseconds(),
		"activated":   o.Activated,
		"count":       1,
	}
	return write.NewPoint("wallet_outcomes", tags, fields, o.Time)
}

// WriteAttempt queues a proxy attempt point
func (c *Client) WriteAttempt(a AttemptPoint) {
	c.writeAPI.WritePoint(attemptPoint(a))
}

// WriteOutcome queues a wallet outcome point
func (c *Client) WriteOutcome(o OutcomePoint) {
	c.writeAPI.WritePoint(outcomePoint(o))
}

// GetOutcomeCounts sums outcomes per state over the trailing window
func (c *Client) GetOutcomeCounts(ctx context.Context, window time.Duration) (map[string]int64, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "wallet_outcomes")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["state"])
		|> sum()
	`, c.bucket, window.String())

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "influx_query", "failed to query outcome counts")
	}
	defer func() { _ = result.Close() }()

	counts := make(map[string]int64)
	for result.Next() {
		record := result.Record()
		state, _ := record.ValueByKey("state").(string)
		if n, ok := record.Value().(int64); ok {
			counts[state] = n
		}
	}

	if result.Err() != nil {
		return nil, errors.Wrap(result.Err(), errors.ErrorTypeStorage, "influx_query", "error reading query result")
	}

	return counts, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

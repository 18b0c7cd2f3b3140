package fieldsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"github.com/rs/zerolog"
)

// TelemetryConfig configures the cycle metrics push.
type TelemetryConfig struct {
	// Enabled turns the push on.
	Enabled bool

	// Endpoint is a Prometheus remote-write URL.
	Endpoint string

	// Job labels every pushed series. Default: fieldsync.
	Job string

	// Timeout bounds each push. Default: 10s.
	Timeout time.Duration
}

// DefaultTelemetryConfig returns the telemetry defaults.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Job:     "fieldsync",
		Timeout: 10 * time.Second,
	}
}

// TelemetryPusher ships per-cycle gauges to a Prometheus remote-write
// endpoint, labelled with the job and the device identity. Pushes are
// best effort: a failed push is logged and the next cycle tries again
// with its own numbers, so fleet dashboards can miss a point but the
// replication loop never waits on them.
type TelemetryPusher struct {
	config   TelemetryConfig
	instance string
	client   *http.Client
	log      zerolog.Logger
}

// NewTelemetryPusher creates a pusher reporting as the given instance,
// usually the device identifier.
func NewTelemetryPusher(config TelemetryConfig, instance string, log zerolog.Logger) *TelemetryPusher {
	if config.Job == "" {
		config.Job = DefaultTelemetryConfig().Job
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTelemetryConfig().Timeout
	}
	return &TelemetryPusher{
		config:   config,
		instance: instance,
		client:   &http.Client{Timeout: config.Timeout},
		log:      log.With().Str("component", "telemetry").Logger(),
	}
}

// Run consumes a cycle event feed until the channel closes, pushing each
// event. Intended to run as a goroutine beside the scheduler.
func (p *TelemetryPusher) Run(events <-chan CycleEvent) {
	for ev := range events {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
		if err := p.PushCycle(ctx, ev); err != nil {
			p.log.Warn().Err(err).Msg("telemetry push failed")
		}
		cancel()
	}
}

// PushCycle encodes one cycle outcome as remote-write samples and posts
// them snappy-compressed to the endpoint.
func (p *TelemetryPusher) PushCycle(ctx context.Context, ev CycleEvent) error {
	samples := cycleSamples(ev)
	ts := ev.At.UnixMilli()

	req := &prompb.WriteRequest{
		Timeseries: make([]prompb.TimeSeries, 0, len(samples)),
	}
	for _, s := range samples {
		req.Timeseries = append(req.Timeseries, prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: s.name},
				{Name: "job", Value: p.config.Job},
				{Name: "instance", Value: p.instance},
			},
			Samples: []prompb.Sample{{Value: s.value, Timestamp: ts}},
		})
	}

	raw, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode telemetry: %w", err)
	}
	compressed := snappy.Encode(nil, raw)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint, bytes.NewReader(compressed))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("telemetry push failed: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telemetry push failed: status %d", resp.StatusCode)
	}
	return nil
}

type cycleSample struct {
	name  string
	value float64
}

// cycleSamples flattens a cycle event into gauges. Every value describes
// the one cycle that just finished; rates and totals are the server's job.
func cycleSamples(ev CycleEvent) []cycleSample {
	var success float64
	if ev.Error == "" && ev.Report != nil && ev.Report.RecordsUploaded > 0 {
		success = 1
	}

	samples := []cycleSample{
		{"fieldsync_cycle_success", success},
		{"fieldsync_backoff_wait_seconds", ev.NextWait.Seconds()},
	}
	if ev.Report != nil {
		r := ev.Report
		samples = append(samples,
			cycleSample{"fieldsync_cycle_duration_seconds", r.Duration.Seconds()},
			cycleSample{"fieldsync_cycle_experiments", float64(r.Experiments)},
			cycleSample{"fieldsync_cycle_experiments_pending", float64(r.Pending)},
			cycleSample{"fieldsync_cycle_experiments_synced", float64(r.Synced)},
			cycleSample{"fieldsync_cycle_experiments_failed", float64(r.Failed)},
			cycleSample{"fieldsync_cycle_records_uploaded", float64(r.RecordsUploaded)},
			cycleSample{"fieldsync_cycle_records_rejected", float64(r.RecordsRejected)},
			cycleSample{"fieldsync_cycle_batches_flushed", float64(r.BatchesFlushed)},
			cycleSample{"fieldsync_cycle_label_updates", float64(r.LabelUpdates)},
			cycleSample{"fieldsync_cycle_archive_failures", float64(r.ArchiveFailures)},
		)
	}
	return samples
}

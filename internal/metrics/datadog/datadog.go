// Package datadog implements a Datadog backend for the internal/metrics
// package.
//
// Counters are buffered in-memory, submitted on a periodic ticker, and
// flushed one final time on Close. Migration runs can span minutes to
// hours, so a single exit-time submission would collapse the run into one
// spike; the ticker keeps a usable time series while a run is in flight.
//
// Concurrency model:
//   - engine and task goroutines call IncCounter at any time
//   - Flush snapshots and resets the buffer under a mutex, then submits
//     out-of-lock
//   - the flush loop calls Flush periodically; Close stops the loop
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"mongopg/internal/metrics"
)

// Options controls backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to
	// "mongopg".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod"}).
	Tags []string

	// FlushEvery controls submission cadence. Defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets them; tests use
	// them to avoid real clocks, tickers, and network submission.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal slice of the Datadog SDK the backend
// needs. The SDK exposes a concrete *datadogV2.MetricsApi; depending on
// this interface instead lets tests stub submission without HTTP.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu       sync.Mutex
	counters map[counterKey]float64
}

// counterKey identifies one buffered series: metric name plus its rendered
// label tags.
type counterKey struct {
	name string
	tags string
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// New constructs a Datadog backend using the official client.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "mongopg".
//   - Environment tag selection uses ENV then DD_ENV, otherwise
//     env:unknown.
//
// Errors occur during Flush, not construction; API credentials are read
// from the environment by the SDK.
func New(parent context.Context, opts Options) *Backend {
	job := opts.JobName
	if job == "" {
		job = "mongopg"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}
	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		counters:   make(map[counterKey]float64),
	}
	go b.loop()
	return b
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	key := counterKey{name: name, tags: renderTags(labels)}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[key] += delta
}

// Flush submits buffered counters and resets the buffer.
//
// The buffer is reset even if submission fails, so a Datadog outage never
// blocks or backs up the migration itself.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if len(snap) == 0 {
		return nil
	}

	series := b.buildSeries(snap, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// Close stops the background flush loop and performs one final Flush.
// Close must be called at most once.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

func (b *Backend) snapshotAndReset() map[counterKey]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.counters
	b.counters = make(map[counterKey]float64)
	return s
}

// buildSeries is pure (no locks, clocks, or network) so tag and type
// rendering can be unit tested directly. Series are emitted in sorted
// order.
func (b *Backend) buildSeries(snap map[counterKey]float64, nowUnix int64) []datadogV2.MetricSeries {
	keys := make([]counterKey, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].tags < keys[j].tags
	})

	series := make([]datadogV2.MetricSeries, 0, len(keys))
	for _, k := range keys {
		tags := append([]string(nil), b.baseTags...)
		if k.tags != "" {
			tags = append(tags, strings.Split(k.tags, ",")...)
		}
		series = append(series, datadogV2.MetricSeries{
			Metric: k.name,
			Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
			Points: []datadogV2.MetricPoint{
				{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(snap[k])},
			},
			Tags: tags,
		})
	}
	return series
}

// renderTags flattens labels into a stable "k:v,k:v" string so equal label
// sets always buffer into the same series.
func renderTags(labels metrics.Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+labels[k])
	}
	return strings.Join(parts, ",")
}

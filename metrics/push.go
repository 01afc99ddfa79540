package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second
)

// PushConfig configures a PushRegistry.
type PushConfig struct {
	// URL is the base URL of the remote write endpoint (e.g., "http://localhost:8428").
	URL string
	// Prefix is prepended, followed by an underscore, to every fully qualified metric name.
	Prefix string
	// Job is the job label for all metrics.
	Job string
	// Instance is the instance label for all metrics.
	Instance string
	// Timeout is the HTTP client timeout. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// PushRegistry implements Registry for push-based collection. Updates only touch
// an in-memory buffer; Flush sends the latest value of every series in a single
// remote write request, so recording a metric never blocks on the network.
type PushRegistry struct {
	cfg        PushConfig
	url        string
	httpClient *http.Client
	now        func() time.Time

	mu     sync.Mutex
	series map[string]*series
}

var _ Registry = (*PushRegistry)(nil)

type series struct {
	name   string
	labels map[string]string
	value  float64
	dirty  bool
}

// NewPushRegistry creates a new PushRegistry that pushes metrics to the given URL.
func NewPushRegistry(cfg PushConfig) *PushRegistry {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &PushRegistry{
		cfg:        cfg,
		url:        strings.TrimRight(cfg.URL, "/") + "/api/v1/write",
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
		series:     make(map[string]*series),
	}
}

func (r *PushRegistry) NewGauge(opts prometheus.GaugeOpts) (Gauge, error) {
	return &pushGauge{reg: r, name: fqName(opts.Namespace, opts.Subsystem, opts.Name)}, nil
}

func (r *PushRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error) {
	return &pushGaugeVec{reg: r, name: fqName(opts.Namespace, opts.Subsystem, opts.Name), labels: labels}, nil
}

func (r *PushRegistry) NewCounter(opts prometheus.CounterOpts) (Counter, error) {
	return &pushCounter{reg: r, name: fqName(opts.Namespace, opts.Subsystem, opts.Name)}, nil
}

func (r *PushRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error) {
	return &pushCounterVec{reg: r, name: fqName(opts.Namespace, opts.Subsystem, opts.Name), labels: labels}, nil
}

func fqName(namespace, subsystem, name string) string {
	return prometheus.BuildFQName(namespace, subsystem, name)
}

// update applies fn to the buffered value of a series.
func (r *PushRegistry) update(name string, labels map[string]string, fn func(float64) float64) {
	key := seriesKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.series[key]
	if !ok {
		s = &series{name: name, labels: labels}
		r.series[key] = s
	}
	s.value = fn(s.value)
	s.dirty = true
}

// Flush pushes every series updated since the last successful flush. Counters
// are pushed as their running totals.
func (r *PushRegistry) Flush(ctx context.Context) error {
	r.mu.Lock()
	pending := make([]*series, 0, len(r.series))
	timeseries := make([]prompb.TimeSeries, 0, len(r.series))
	ts := r.now().UnixMilli()
	for _, s := range r.series {
		if !s.dirty {
			continue
		}
		pending = append(pending, s)
		timeseries = append(timeseries, r.toTimeSeries(s, ts))
	}
	r.mu.Unlock()

	if len(timeseries) == 0 {
		return nil
	}
	if err := r.write(ctx, timeseries); err != nil {
		return err
	}

	r.mu.Lock()
	for _, s := range pending {
		s.dirty = false
	}
	r.mu.Unlock()
	return nil
}

// Run flushes on every tick until ctx is done, then performs a final flush with
// a fresh timeout. Flush errors are passed to onError when it is non-nil.
func (r *PushRegistry) Run(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	report := func(err error) {
		if err != nil && onError != nil {
			onError(err)
		}
	}

	for {
		select {
		case <-ticker.C:
			report(r.Flush(ctx))
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
			report(r.Flush(final))
			cancel()
			return
		}
	}
}

func (r *PushRegistry) write(ctx context.Context, timeseries []prompb.TimeSeries) error {
	data, err := proto.Marshal(&prompb.WriteRequest{Timeseries: timeseries})
	if err != nil {
		return fmt.Errorf("marshaling write request: %w", err)
	}

	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// toTimeSeries converts a buffered series to the remote write format.
func (r *PushRegistry) toTimeSeries(s *series, timestamp int64) prompb.TimeSeries {
	labels := make([]prompb.Label, 0, len(s.labels)+3)

	name := s.name
	if r.cfg.Prefix != "" {
		name = r.cfg.Prefix + "_" + name
	}
	labels = append(labels, prompb.Label{Name: "__name__", Value: name})

	if r.cfg.Job != "" {
		labels = append(labels, prompb.Label{Name: "job", Value: r.cfg.Job})
	}
	if r.cfg.Instance != "" {
		labels = append(labels, prompb.Label{Name: "instance", Value: r.cfg.Instance})
	}
	for _, k := range sortedKeys(s.labels) {
		labels = append(labels, prompb.Label{Name: k, Value: s.labels[k]})
	}

	return prompb.TimeSeries{
		Labels:  labels,
		Samples: []prompb.Sample{{Value: s.value, Timestamp: timestamp}},
	}
}

type pushGauge struct {
	reg    *PushRegistry
	name   string
	labels map[string]string
}

func (g *pushGauge) Set(v float64) {
	g.reg.update(g.name, g.labels, func(float64) float64 { return v })
}

func (g *pushGauge) Add(v float64) {
	g.reg.update(g.name, g.labels, func(old float64) float64 { return old + v })
}

type pushGaugeVec struct {
	reg    *PushRegistry
	name   string
	labels []string
}

func (g *pushGaugeVec) With(labels prometheus.Labels) Gauge {
	return &pushGauge{reg: g.reg, name: g.name, labels: labels}
}

type pushCounter struct {
	reg    *PushRegistry
	name   string
	labels map[string]string
}

func (c *pushCounter) Inc() {
	c.Add(1)
}

func (c *pushCounter) Add(v float64) {
	if v < 0 {
		panic("counter cannot decrease in value")
	}
	c.reg.update(c.name, c.labels, func(old float64) float64 { return old + v })
}

type pushCounterVec struct {
	reg    *PushRegistry
	name   string
	labels []string
}

func (c *pushCounterVec) With(labels prometheus.Labels) Counter {
	return &pushCounter{reg: c.reg, name: c.name, labels: labels}
}

// seriesKey identifies a series by name and sorted label pairs.
func seriesKey(name string, labels map[string]string) string {
	var b strings.Builder
	b.WriteString(name)
	for _, k := range sortedKeys(labels) {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

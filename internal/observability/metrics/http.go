package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// latencyBuckets 单位为秒。
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// labelSet 是按 family 声明顺序排列的标签值，用 \xff 拼接后作为 map 键。
type labelSet string

func labelsOf(values ...string) labelSet {
	return labelSet(strings.Join(values, "\xff"))
}

func (l labelSet) values() []string {
	return strings.Split(string(l), "\xff")
}

type counterFamily struct {
	name, help string
	labels     []string
	series     map[labelSet]uint64
}

func newCounterFamily(name, help string, labels ...string) *counterFamily {
	return &counterFamily{name: name, help: help, labels: labels, series: make(map[labelSet]uint64)}
}

func (f *counterFamily) inc(values ...string) {
	f.series[labelsOf(values...)]++
}

func (f *counterFamily) writeTo(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", f.name, f.help, f.name)
	for _, key := range sortedKeys(f.series) {
		fmt.Fprintf(w, "%s{%s} %d\n", f.name, formatLabels(f.labels, key.values()), f.series[key])
	}
}

type bucketCounts struct {
	counts []uint64
	sum    float64
	total  uint64
}

type histogramFamily struct {
	name, help string
	labels     []string
	bounds     []float64
	series     map[labelSet]*bucketCounts
}

func newHistogramFamily(name, help string, bounds []float64, labels ...string) *histogramFamily {
	return &histogramFamily{name: name, help: help, labels: labels, bounds: bounds, series: make(map[labelSet]*bucketCounts)}
}

func (f *histogramFamily) observe(value float64, values ...string) {
	key := labelsOf(values...)
	b := f.series[key]
	if b == nil {
		b = &bucketCounts{counts: make([]uint64, len(f.bounds))}
		f.series[key] = b
	}
	b.total++
	b.sum += value
	// 桶是累积的；超出最后一个边界的值只体现在 +Inf。
	for i, bound := range f.bounds {
		if value <= bound {
			b.counts[i]++
		}
	}
}

func (f *histogramFamily) writeTo(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", f.name, f.help, f.name)
	for _, key := range sortedKeys(f.series) {
		b := f.series[key]
		values := key.values()
		names := slices.Concat(f.labels, []string{"le"})
		for i, bound := range f.bounds {
			fmt.Fprintf(w, "%s_bucket{%s} %d\n", f.name,
				formatLabels(names, slices.Concat(values, []string{formatFloat(bound)})), b.counts[i])
		}
		fmt.Fprintf(w, "%s_bucket{%s} %d\n", f.name, formatLabels(names, slices.Concat(values, []string{"+Inf"})), b.total)
		fmt.Fprintf(w, "%s_sum{%s} %s\n", f.name, formatLabels(f.labels, values), formatFloat(b.sum))
		fmt.Fprintf(w, "%s_count{%s} %d\n", f.name, formatLabels(f.labels, values), b.total)
	}
}

type collector struct {
	mu       sync.Mutex
	requests *counterFamily
	failures *counterFamily
	latency  *histogramFamily
	runs     *counterFamily
}

var httpCollector = newCollector()

func newCollector() *collector {
	return &collector{
		requests: newCounterFamily("trase_http_requests_total",
			"Total number of HTTP requests processed.", "handler", "method", "code"),
		failures: newCounterFamily("trase_http_request_errors_total",
			"Total number of HTTP requests that resulted in a server error.", "handler", "method"),
		latency: newHistogramFamily("trase_http_request_duration_seconds",
			"HTTP request duration in seconds.", latencyBuckets, "handler", "method"),
		runs: newCounterFamily("trase_task_runs_total",
			"Task run lifecycle outcomes.", "outcome"),
	}
}

// ObserveHTTPRequest records one served request. handler is the route
// pattern, never the raw path, so ids do not explode the series count.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.observe(handler, method, status, duration)
}

// ObserveRunStarted counts a newly created task run.
func ObserveRunStarted() { httpCollector.observeRun("started") }

// ObserveRunReplayed counts a start answered from an idempotency key.
func ObserveRunReplayed() { httpCollector.observeRun("replayed") }

// ObserveRunTransition counts an accepted move into a terminal status.
func ObserveRunTransition(status string) { httpCollector.observeRun(strings.ToLower(status)) }

func (c *collector) observeRun(outcome string) {
	c.mu.Lock()
	c.runs.inc(outcome)
	c.mu.Unlock()
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests.inc(handler, method, strconv.Itoa(status))
	if status >= http.StatusInternalServerError {
		c.failures.inc(handler, method)
	}
	c.latency.observe(duration.Seconds(), handler, method)
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)
	c.requests.writeTo(&b)
	c.failures.writeTo(&b)
	c.latency.writeTo(&b)
	c.runs.writeTo(&b)
	return b.String()
}

// Handler exposes the collected series in the Prometheus text format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = io.WriteString(w, httpCollector.render())
	})
}

func sortedKeys[V any](m map[labelSet]V) []labelSet {
	keys := make([]labelSet, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func formatLabels(names, values []string) string {
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + `="` + escape(values[i]) + `"`
	}
	return strings.Join(parts, ",")
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer serves /metrics on addr until ctx is cancelled, then shuts the
// listener down and returns nil.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

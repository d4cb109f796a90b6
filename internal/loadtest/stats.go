package loadtest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates results from many clients. It is goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	msgLatencies     []time.Duration
	errors           int
	connections      int
	startTime        time.Time
}

// NewCollector creates a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddMsgLatency records the time from sending a message to seeing it
// broadcast back.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.msgLatencies = append(c.msgLatencies, d)
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Percentiles summarizes a latency sample.
type Percentiles struct {
	N                        int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes the percentiles of durations. The slice is sorted in
// place. An empty sample yields the zero value.
func Summarize(durations []time.Duration) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
	}
}

func (p Percentiles) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}

// Report writes the summary of everything collected so far to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	if len(c.connectLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		fmt.Fprintf(w, "  %s\n", Summarize(c.connectLatencies))
	}
	if len(c.msgLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Broadcast Latency ---")
		fmt.Fprintf(w, "  %s\n", Summarize(c.msgLatencies))
	}
	fmt.Fprintln(w)
}

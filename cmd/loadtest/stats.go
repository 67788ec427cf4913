package main

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// collector aggregates measurements from every simulated participant.
type collector struct {
	mu        sync.Mutex
	joinRTT   []time.Duration
	matchWait []time.Duration
	codes     map[string]int
	errors    int
	startTime time.Time
}

func newCollector(start time.Time) *collector {
	return &collector{codes: make(map[string]int), startTime: start}
}

func (c *collector) addJoin(d time.Duration, code string) {
	c.mu.Lock()
	c.joinRTT = append(c.joinRTT, d)
	c.codes[code]++
	c.mu.Unlock()
}

func (c *collector) addMatch(d time.Duration) {
	c.mu.Lock()
	c.matchWait = append(c.matchWait, d)
	c.mu.Unlock()
}

func (c *collector) addError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *collector) matched() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.matchWait)
}

// percentiles summarises a latency sample.
type percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func summarize(durations []time.Duration) percentiles {
	n := len(durations)
	if n == 0 {
		return percentiles{}
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}
	return percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}

func (p percentiles) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}

// report writes the summary to w.
func (c *collector) report(w io.Writer, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:  %s\n", now.Sub(c.startTime).Round(time.Millisecond))
	fmt.Fprintf(w, "Joins:     %d\n", len(c.joinRTT))
	fmt.Fprintf(w, "Matched:   %d\n", len(c.matchWait))
	fmt.Fprintf(w, "Errors:    %d\n", c.errors)

	codes := make([]string, 0, len(c.codes))
	for code := range c.codes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Fprintf(w, "  %-20s %d\n", code, c.codes[code])
	}

	if len(c.joinRTT) > 0 {
		fmt.Fprintln(w, "\n--- Join round trip ---")
		fmt.Fprintln(w, "  "+summarize(c.joinRTT).String())
	}
	if len(c.matchWait) > 0 {
		fmt.Fprintln(w, "\n--- Join to matched ---")
		fmt.Fprintln(w, "  "+summarize(c.matchWait).String())
	}
}

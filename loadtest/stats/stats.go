// Package stats aggregates client-side measurements from many load test
// connections and prints them next to server metrics scraped from /metrics.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Stage names where a client-side failure happened.
type Stage string

const (
	StageDial    Stage = "dial"    // TCP + WebSocket handshake
	StageReady   Stage = "ready"   // credential accepted, ping answered
	StageSend    Stage = "send"    // writing a chat payload
	StageHistory Stage = "history" // HTTP history verification
)

// Collector is safe for concurrent use by every client goroutine.
type Collector struct {
	mu sync.Mutex

	connectLatencies []time.Duration
	readyLatencies   []time.Duration
	deliveryLatency  []time.Duration
	pingLatency      []time.Duration

	connections int
	errors      map[Stage]int
	closeCodes  map[int]int

	startTime time.Time
	scraper   *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		errors:     make(map[Stage]int),
		closeCodes: make(map[int]int),
		startTime:  time.Now(),
	}
}

// SetScraper attaches a metrics scraper whose report is appended to Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records an authenticated connection: connect is the handshake
// time, ready the time until the session answered its first ping.
func (c *Collector) AddConnect(connect, ready time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, connect)
	c.readyLatencies = append(c.readyLatencies, ready)
	c.connections++
	c.mu.Unlock()
}

// AddDelivery records the time from send to receipt of one chat message.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveryLatency = append(c.deliveryLatency, d)
	c.mu.Unlock()
}

// AddPing records one ping/pong round trip on an established session.
func (c *Collector) AddPing(d time.Duration) {
	c.mu.Lock()
	c.pingLatency = append(c.pingLatency, d)
	c.mu.Unlock()
}

// AddError counts a failure at the given stage.
func (c *Collector) AddError(stage Stage) {
	c.mu.Lock()
	c.errors[stage]++
	c.mu.Unlock()
}

// AddClose counts a connection the server closed with code. Zero means the
// socket dropped without a close frame.
func (c *Collector) AddClose(code int) {
	c.mu.Lock()
	c.closeCodes[code]++
	c.mu.Unlock()
}

// ConnectionCount returns the number of authenticated connections recorded.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of failures across all stages.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.errors {
		n += v
	}
	return n
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)
	errs := 0
	for _, v := range c.errors {
		errs += v
	}

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", errs)
	if attempts := c.connections + c.errors[StageDial] + c.errors[StageReady]; attempts > 0 {
		failed := c.errors[StageDial] + c.errors[StageReady]
		fmt.Printf("Connect failure rate: %.2f%%\n", float64(failed)/float64(attempts)*100)
	}

	if errs > 0 {
		fmt.Println("\n--- Errors by Stage ---")
		for _, stage := range []Stage{StageDial, StageReady, StageSend, StageHistory} {
			if n := c.errors[stage]; n > 0 {
				fmt.Printf("  %-8s %d\n", stage, n)
			}
		}
	}

	if len(c.closeCodes) > 0 {
		fmt.Println("\n--- Server Close Codes ---")
		codes := make([]int, 0, len(c.closeCodes))
		for code := range c.closeCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Printf("  %-5d %-28s %d\n", code, closeReason(code), c.closeCodes[code])
		}
	}

	for _, section := range []struct {
		title   string
		samples []time.Duration
	}{
		{"Connect Latency", c.connectLatencies},
		{"Ready Latency (auth + first pong)", c.readyLatencies},
		{"Delivery Latency", c.deliveryLatency},
		{"Ping RTT", c.pingLatency},
	} {
		if len(section.samples) == 0 {
			continue
		}
		fmt.Printf("\n--- %s ---\n", section.title)
		printDistribution(summarize(section.samples))
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

func closeReason(code int) string {
	switch code {
	case 0:
		return "dropped"
	case 1000:
		return "normal closure"
	case 1001:
		return "server going away"
	case 1008:
		return "policy violation (auth)"
	case 1009:
		return "frame too large"
	case 4000:
		return "superseded by newer connection"
	default:
		return "other"
	}
}

// distribution is a latency summary.
type distribution struct {
	n                       int
	avg, p50, p95, p99, max time.Duration
}

// summarize sorts samples in place and computes the distribution.
func summarize(samples []time.Duration) distribution {
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	n := len(samples)
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return samples[int(math.Ceil(float64(n)*q))-1]
	}
	return distribution{
		n:   n,
		avg: sum / time.Duration(n),
		p50: samples[n/2],
		p95: rank(0.95),
		p99: rank(0.99),
		max: samples[n-1],
	}
}

func printDistribution(d distribution) {
	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		d.avg.Round(time.Microsecond),
		d.p50.Round(time.Microsecond),
		d.p95.Round(time.Microsecond),
		d.p99.Round(time.Microsecond),
		d.max.Round(time.Microsecond),
		d.n,
	)
}

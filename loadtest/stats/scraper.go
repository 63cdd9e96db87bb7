package stats

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// series identifies one exposition line: metric name plus its label set in
// exposition order, e.g. chat_deliveries_total{mode="unicast",result="offline"}.
type series struct {
	name   string
	labels string
}

// snapshot holds every chat_* series value at one scrape.
type snapshot struct {
	at     time.Time
	values map[series]float64
}

// sum adds every series of metric name whose labels contain all of match.
func (s snapshot) sum(name string, match ...string) float64 {
	var total float64
	for k, v := range s.values {
		if k.name != name {
			continue
		}
		ok := true
		for _, m := range match {
			if !strings.Contains(k.labels, m) {
				ok = false
				break
			}
		}
		if ok {
			total += v
		}
	}
	return total
}

// Scraper polls the server's /metrics endpoint during a run so the report can
// show what the chat node saw next to the client-side numbers.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx
// ends or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for its final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// The server may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (snapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot{}, fmt.Errorf("metrics: status %d", resp.StatusCode)
	}

	snap := snapshot{at: time.Now(), values: make(map[series]float64)}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "chat_") {
			continue
		}
		key, value, ok := parseSample(line)
		if !ok {
			continue
		}
		snap.values[key] = value
	}
	return snap, scanner.Err()
}

// parseSample splits an exposition line such as
//
//	chat_messages_total{outcome="persisted"} 12
//
// into its series and value.
func parseSample(line string) (series, float64, bool) {
	var key series
	rest := line
	if i := strings.IndexByte(line, '{'); i != -1 {
		j := strings.IndexByte(line[i:], '}')
		if j == -1 {
			return series{}, 0, false
		}
		key.name = line[:i]
		key.labels = line[i+1 : i+j]
		rest = line[i+j+1:]
	} else {
		name, after, ok := strings.Cut(line, " ")
		if !ok {
			return series{}, 0, false
		}
		key.name, rest = name, after
	}

	fields := strings.Fields(rest)
	if key.name == "" || len(fields) == 0 {
		return series{}, 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return series{}, 0, false
	}
	return key, v, true
}

// Report prints gauge peaks and counter deltas between the first and last
// snapshot.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s\n", "Gauge", "Initial", "Final", "Peak")
	for _, g := range []struct{ label, name string }{
		{"Connections", "chat_connections_total"},
		{"Online Users", "chat_online_users"},
	} {
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f\n", g.label,
			first.sum(g.name), last.sum(g.name), peak(snaps, g.name))
	}

	fmt.Println()
	fmt.Printf("  %-34s %10s\n", "Counter (delta)", "Count")
	for _, c := range []struct {
		label string
		name  string
		match []string
	}{
		{"auth ok", "chat_auth_total", []string{`result="ok"`}},
		{"auth rejected", "chat_auth_total", []string{`result="rejected"`}},
		{"auth timeout", "chat_auth_total", []string{`result="timeout"`}},
		{"messages persisted", "chat_messages_total", []string{`outcome="persisted"`}},
		{"messages malformed", "chat_messages_total", []string{`outcome="malformed"`}},
		{"messages rate limited", "chat_messages_total", []string{`outcome="rate_limited"`}},
		{"messages store error", "chat_messages_total", []string{`outcome="store_error"`}},
		{"unicast delivered", "chat_deliveries_total", []string{`mode="unicast"`, `result="delivered"`}},
		{"unicast offline", "chat_deliveries_total", []string{`mode="unicast"`, `result="offline"`}},
		{"unicast failed", "chat_deliveries_total", []string{`mode="unicast"`, `result="failed"`}},
		{"broadcast delivered", "chat_deliveries_total", []string{`mode="broadcast"`, `result="delivered"`}},
		{"broadcast failed", "chat_deliveries_total", []string{`mode="broadcast"`, `result="failed"`}},
		{"displaced connections", "chat_displaced_connections_total", nil},
	} {
		if d := last.sum(c.name, c.match...) - first.sum(c.name, c.match...); d != 0 {
			fmt.Printf("  %-34s %10.0f\n", c.label, d)
		}
	}

	fmt.Println()
	ops := storeOps(last)
	if len(ops) == 0 {
		fmt.Println("  Store latency: no observations")
	}
	for _, op := range ops {
		match := `op="` + op + `"`
		sum := last.sum("chat_store_latency_seconds_sum", match) - first.sum("chat_store_latency_seconds_sum", match)
		count := last.sum("chat_store_latency_seconds_count", match) - first.sum("chat_store_latency_seconds_count", match)
		if count > 0 {
			fmt.Printf("  store %-12s avg: %.4fs  (%.0f calls)\n", op, sum/count, count)
		}
	}
}

// storeOps lists the op labels present on the store latency histogram.
func storeOps(s snapshot) []string {
	seen := make(map[string]bool)
	for k := range s.values {
		if k.name != "chat_store_latency_seconds_count" {
			continue
		}
		if _, after, ok := strings.Cut(k.labels, `op="`); ok {
			if op, _, ok := strings.Cut(after, `"`); ok {
				seen[op] = true
			}
		}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// peak returns the largest value of metric name across snapshots.
func peak(snaps []snapshot, name string) float64 {
	var top float64
	for i, s := range snaps {
		if v := s.sum(name); i == 0 || v > top {
			top = v
		}
	}
	return top
}

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/messenger/loadtest/client"
	"github.com/whisper/messenger/loadtest/stats"
)

// pool holds the authenticated clients of a saturate run.
type pool struct {
	mu      sync.Mutex
	clients []*client.Client
	closed  map[*client.Client]bool // drops already recorded
}

func (p *pool) add(c *client.Client) {
	p.mu.Lock()
	p.clients = append(p.clients, c)
	p.mu.Unlock()
}

// sweep records newly dropped clients in collector and returns how many are
// still open.
func (p *pool) sweep(collector *stats.Collector) (alive, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		select {
		case <-c.Done():
			if !p.closed[c] {
				p.closed[c] = true
				collector.AddClose(c.GetMetrics().CloseCode)
			}
		default:
			alive++
		}
	}
	return alive, len(p.clients)
}

// sample returns up to n open clients chosen at random.
func (p *pool) sample(n int) []*client.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	open := make([]*client.Client, 0, len(p.clients))
	for _, c := range p.clients {
		if !p.closed[c] {
			open = append(open, c)
		}
	}
	rand.Shuffle(len(open), func(i, j int) { open[i], open[j] = open[j], open[i] })
	if len(open) > n {
		open = open[:n]
	}
	return open
}

// runSaturate opens one authenticated session per user id, ramping up over
// the configured duration, then holds them while sampling ping round trips
// and recording how the server closes any that drop. The test finds how many
// live sessions a single chat node sustains and whether heartbeat eviction
// or displacement kicks in under load.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/chat/ws", "WebSocket server URL")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "JWT signing secret shared with the server")
	firstUser := fs.Int64("first-user", 1, "User id of the first connection; ids are consecutive and must exist")
	connections := fs.Int("connections", 1000, "Number of sessions to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all sessions are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	pingSample := fs.Int("ping-sample", 20, "Sessions pinged on every hold tick")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d sessions to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	p := &pool{closed: make(map[*client.Client]bool)}

	// -----------------------------------------------------------------------
	// Ramp-up
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Ramp-up phase ---")

	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last, lastAt := 0, time.Now()
		for {
			select {
			case now := <-ticker.C:
				n := collector.ConnectionCount()
				rate := float64(n-last) / now.Sub(lastAt).Seconds()
				fmt.Printf("  [ramp] sessions: %d/%d  errors: %d  rate: %.1f/s\n",
					n, *connections, collector.ErrorCount(), rate)
				last, lastAt = n, now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)
	interrupted := false

	for launched := 0; launched < *connections && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
		case <-rampTicker.C:
			userID := *firstUser + int64(launched)
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()

				c, err := dial(connCtx, *url, *secret, userID)
				if err != nil {
					collector.AddError(stats.StageDial)
					return
				}
				if err := c.WaitReady(connCtx); err != nil {
					collector.AddError(stats.StageReady)
					if code := c.GetMetrics().CloseCode; code != 0 {
						collector.AddClose(code)
					}
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency, m.ReadyLatency)
				p.add(c)
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d sessions in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Hold
	// -----------------------------------------------------------------------
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		_, initial := p.sweep(collector)
		fmt.Printf("Holding %d sessions for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				samplePings(ctx, p.sample(*pingSample), collector)
				alive, total := p.sweep(collector)
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, total, total-alive)
			}
		}

		holdTimer.Stop()
		statusTicker.Stop()
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	alive, total := p.sweep(collector)
	fmt.Printf("\n--- Cleanup ---\nClosing %d sessions (%d dropped during the run)...\n", alive, total-alive)
	p.mu.Lock()
	cleanup(p.clients)
	p.mu.Unlock()

	scraper.Stop()
	collector.Report()
}

// samplePings pings every client concurrently and records the round trips.
func samplePings(ctx context.Context, clients []*client.Client, collector *stats.Collector) {
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if rtt, err := c.Ping(pingCtx); err == nil {
				collector.AddPing(rtt)
			}
		}()
	}
	wg.Wait()
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/messenger/loadtest/client"
	"github.com/whisper/messenger/loadtest/stats"
)

// latencyPrefix marks load test payloads; the send time follows it so the
// receiver can measure end-to-end latency.
const latencyPrefix = "lt:"

// pairResult tracks the outcome of a single chat pair.
type pairResult struct {
	msgSent      atomic.Int64
	msgRecv      atomic.Int64
	historyCount int
	verified     bool
}

// runChat implements the chat load test. Users are connected, paired up and
// each pair exchanges direct messages for the chat duration. Afterwards a
// sample of pairs is checked through the history endpoint to confirm the
// messages were persisted.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/chat/ws", "WebSocket server URL")
	apiBase := fs.String("api", "http://localhost:8080", "HTTP API base URL for history verification")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "JWT signing secret shared with the server")
	firstUser := fs.Int64("first-user", 1, "User id of the first client; ids are consecutive and must exist")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	verify := fs.Int("verify", 10, "Number of pairs whose history is checked afterwards")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *chatDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1: Connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	// Slots are indexed by user offset so pairs stay (2i, 2i+1).
	slots := make([]*client.Client, totalClients)

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	interrupted := false

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	for launched := 0; launched < totalClients && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
		case <-rampTicker.C:
			slot := launched
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := dial(connCtx, *url, *secret, *firstUser+int64(slot))
				if err != nil {
					collector.AddError(stats.StageDial)
					return
				}
				if err := c.WaitReady(connCtx); err != nil {
					collector.AddError(stats.StageReady)
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency, m.ReadyLatency)
				slots[slot] = c
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()

	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), totalClients,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted — skipping chat phase.")
		cleanup(slots)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: Exchange direct messages
	// -----------------------------------------------------------------------
	results := make([]*pairResult, *pairs)
	var activePairs []int
	for i := 0; i < *pairs; i++ {
		results[i] = &pairResult{}
		if slots[2*i] != nil && slots[2*i+1] != nil {
			activePairs = append(activePairs, i)
		}
	}
	if len(activePairs) == 0 {
		fmt.Println("No pairs could be formed — not enough connections.")
		cleanup(slots)
		scraper.Stop()
		collector.Report()
		return
	}

	fmt.Printf("\n--- Phase 2: %d pairs chatting for %s ---\n", len(activePairs), *chatDuration)

	msgPayload := strings.Repeat("abcdefgh", (*msgSize/8)+1)
	msgPayload = msgPayload[:*msgSize]

	var totalSent, totalRecv atomic.Int64
	chatCtx, chatCancel := context.WithTimeout(ctx, *chatDuration)
	defer chatCancel()

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] sent: %d  recv: %d  errors: %d\n",
					totalSent.Load(), totalRecv.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	chatStart := time.Now()
	var chatWg sync.WaitGroup
	for _, i := range activePairs {
		a, b := slots[2*i], slots[2*i+1]
		res := results[i]

		for _, c := range []*client.Client{a, b} {
			c.On(client.KindMessage, func(raw json.RawMessage) {
				var msg client.Delivered
				if err := json.Unmarshal(raw, &msg); err != nil {
					return
				}
				if sent, ok := sentAt(msg.Content); ok {
					collector.AddDelivery(time.Since(sent))
				}
				res.msgRecv.Add(1)
				totalRecv.Add(1)
			})
		}

		chatWg.Add(2)
		go sendLoop(chatCtx, &chatWg, a, b.UserID(), *msgInterval, msgPayload, collector, res, &totalSent)
		go sendLoop(chatCtx, &chatWg, b, a.UserID(), *msgInterval, msgPayload, collector, res, &totalSent)
	}

	chatWg.Wait()
	// Let in-flight deliveries land before counting.
	time.Sleep(500 * time.Millisecond)
	close(progressStop)
	progressWg.Wait()
	chatElapsed := time.Since(chatStart)

	// -----------------------------------------------------------------------
	// Phase 3: Verify persistence through the history endpoint
	// -----------------------------------------------------------------------
	verifyCount := *verify
	if verifyCount > len(activePairs) {
		verifyCount = len(activePairs)
	}
	if verifyCount > 0 {
		fmt.Printf("\n--- Phase 3: Verifying history for %d pairs ---\n", verifyCount)
		httpClient := &http.Client{Timeout: 10 * time.Second}
		for _, i := range activePairs[:verifyCount] {
			a, b := slots[2*i], slots[2*i+1]
			n, err := historyCount(ctx, httpClient, *apiBase, *secret, a.UserID(), b.UserID())
			if err != nil {
				fmt.Printf("  pair %d: history check failed: %v\n", i, err)
				collector.AddError(stats.StageHistory)
				continue
			}
			res := results[i]
			res.historyCount = n
			// History pages cap at 100 rows.
			want := int(res.msgSent.Load())
			if want > 100 {
				want = 100
			}
			res.verified = n >= want
		}
	}

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var sent, recv int64
	verified := 0
	for _, i := range activePairs {
		sent += results[i].msgSent.Load()
		recv += results[i].msgRecv.Load()
		if results[i].verified {
			verified++
		}
	}

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Active pairs:      %d / %d\n", len(activePairs), *pairs)
	fmt.Printf("Total msg sent:    %d\n", sent)
	fmt.Printf("Total msg recv:    %d\n", recv)
	if sent > 0 {
		fmt.Printf("Delivery ratio:    %.2f%%\n", float64(recv)/float64(sent)*100)
	}
	fmt.Printf("Chat duration:     %s\n", chatElapsed.Round(time.Millisecond))
	if chatElapsed.Seconds() > 0 && sent > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s\n", float64(sent)/chatElapsed.Seconds())
	}
	if verifyCount > 0 {
		fmt.Printf("History verified:  %d / %d\n", verified, verifyCount)
	}

	cleanup(slots)
	scraper.Stop()
	collector.Report()
}

// sendLoop sends a direct message from c to recipient every interval until
// ctx ends.
func sendLoop(ctx context.Context, wg *sync.WaitGroup, c *client.Client, recipient int64,
	interval time.Duration, payload string, collector *stats.Collector, res *pairResult, total *atomic.Int64,
) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			content := latencyPrefix + strconv.FormatInt(now.UnixNano(), 10) + ":" + payload
			if err := c.SendTo(&recipient, content); err != nil {
				collector.AddError(stats.StageSend)
				return
			}
			res.msgSent.Add(1)
			total.Add(1)
		}
	}
}

// sentAt extracts the send time embedded by sendLoop.
func sentAt(content string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(content, latencyPrefix)
	if !ok {
		return time.Time{}, false
	}
	stamp, _, ok := strings.Cut(rest, ":")
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// historyCount fetches the newest history page between user and partner.
func historyCount(ctx context.Context, hc *http.Client, apiBase, secret string, user, partner int64) (int, error) {
	token, err := client.Token(secret, user, time.Minute)
	if err != nil {
		return 0, err
	}

	url := fmt.Sprintf("%s/chat/history/%d?limit=100", strings.TrimRight(apiBase, "/"), partner)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return 0, err
	}
	return len(items), nil
}

// cleanup closes every open client.
func cleanup(clients []*client.Client) {
	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
}

// Package main implements a standalone end-to-end check of a running chat
// server: health, handshake authentication, direct and broadcast delivery,
// offline persistence with read receipts, and credential rejection.
//
// Usage:
//
//	go run ./cmd/e2etest/ -secret $JWT_SECRET [-url ws://localhost:8080/chat/ws] [-api http://localhost:8080] [-users 1,2,3]
//
// The three user ids must exist on the server. Exit code 0 if all required
// scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/messenger/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
)

// scenarioResult holds the outcome of a single scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	if r.kind == resultPass {
		return "PASS"
	}
	return "FAIL"
}

func pass(name, detail string) scenarioResult { return scenarioResult{name, resultPass, detail} }
func fail(name, detail string) scenarioResult { return scenarioResult{name, resultFail, detail} }

// env carries the target and the test identities.
type env struct {
	wsURL   string
	apiBase string
	secret  string
	a, b, c int64
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/chat/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT signing secret shared with the server")
	users := flag.String("users", "1,2,3", "Three existing user ids: A,B,C")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	ids, err := parseUsers(*users)
	if err != nil || *secret == "" {
		fmt.Fprintln(os.Stderr, "Usage: e2etest -secret <jwt-secret> [-users 1,2,3] [-url ...] [-api ...]")
		os.Exit(1)
	}
	e := env{wsURL: *wsURL, apiBase: strings.TrimRight(*apiBase, "/"), secret: *secret, a: ids[0], b: ids[1], c: ids[2]}

	fmt.Println("=== Chat E2E Check ===")
	fmt.Printf("Server: %s  users: A=%d B=%d C=%d\n\n", e.wsURL, e.a, e.b, e.c)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results := []scenarioResult{
		healthCheck(ctx, e),
		connectAndPing(ctx, e),
		directDelivery(ctx, e),
		offlineThenHistory(ctx, e),
		broadcastDelivery(ctx, e),
		rejectedCredential(ctx, e),
	}

	failed := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" — %s", r.detail)
		}
		fmt.Println()
		if r.kind == resultFail {
			failed++
		}
	}

	fmt.Printf("\n%d/%d scenarios passed\n", len(results)-failed, len(results))
	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func healthCheck(ctx context.Context, e env) scenarioResult {
	const name = "health endpoint"
	body, status, err := httpGet(ctx, e.apiBase+"/health", "")
	if err != nil {
		return fail(name, err.Error())
	}
	if status != http.StatusOK {
		return fail(name, fmt.Sprintf("status %d", status))
	}
	var h struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &h); err != nil || h.Status != "healthy" {
		return fail(name, fmt.Sprintf("unexpected body %s", body))
	}
	return pass(name, "")
}

func connectAndPing(ctx context.Context, e env) scenarioResult {
	const name = "handshake + ping"
	start := time.Now()
	c, err := connect(ctx, e, e.a)
	if err != nil {
		return fail(name, err.Error())
	}
	defer c.Close()
	ready := time.Since(start)

	rtt, err := c.Ping(ctx)
	if err != nil {
		return fail(name, err.Error())
	}
	return pass(name, fmt.Sprintf("ready in %s, ping %s",
		ready.Round(time.Millisecond), rtt.Round(time.Microsecond)))
}

func directDelivery(ctx context.Context, e env) scenarioResult {
	const name = "direct delivery to online recipient"
	a, err := connect(ctx, e, e.a)
	if err != nil {
		return fail(name, err.Error())
	}
	defer a.Close()
	b, err := connect(ctx, e, e.b)
	if err != nil {
		return fail(name, err.Error())
	}
	defer b.Close()

	got := watch(b)
	content := "e2e-direct-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := a.SendTo(&e.b, content); err != nil {
		return fail(name, err.Error())
	}

	msg, err := await(ctx, got, content)
	if err != nil {
		return fail(name, err.Error())
	}
	if msg.SenderID != e.a || msg.RecipientID == nil || *msg.RecipientID != e.b {
		return fail(name, fmt.Sprintf("unexpected payload %+v", msg))
	}
	return pass(name, "")
}

func offlineThenHistory(ctx context.Context, e env) scenarioResult {
	const name = "offline recipient persisted, history marks read"
	a, err := connect(ctx, e, e.a)
	if err != nil {
		return fail(name, err.Error())
	}
	defer a.Close()

	content := "e2e-offline-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := a.SendTo(&e.c, content); err != nil {
		return fail(name, err.Error())
	}
	// The pong comes back only after the message has been persisted.
	if _, err := a.Ping(ctx); err != nil {
		return fail(name, err.Error())
	}

	body, status, err := httpGet(ctx, fmt.Sprintf("%s/chat/history/%d?limit=10", e.apiBase, e.a), token(e, e.c))
	if err != nil || status != http.StatusOK {
		return fail(name, fmt.Sprintf("history: status %d err %v", status, err))
	}
	var items []struct {
		SenderID int64  `json:"sender_id"`
		Content  string `json:"content"`
		IsRead   bool   `json:"is_read"`
	}
	if err := json.Unmarshal(body, &items); err != nil {
		return fail(name, err.Error())
	}
	found := false
	for _, it := range items {
		if it.Content == content {
			found = true
			if !it.IsRead {
				return fail(name, "message not reported read")
			}
		}
	}
	if !found {
		return fail(name, "message missing from history")
	}

	body, _, err = httpGet(ctx, e.apiBase+"/chat/conversations", token(e, e.c))
	if err != nil {
		return fail(name, err.Error())
	}
	var convs []struct {
		UserID      int64 `json:"user_id"`
		UnreadCount int   `json:"unread_count"`
	}
	if err := json.Unmarshal(body, &convs); err != nil {
		return fail(name, err.Error())
	}
	for _, cv := range convs {
		if cv.UserID == e.a && cv.UnreadCount != 0 {
			return fail(name, fmt.Sprintf("unread_count %d after reading history", cv.UnreadCount))
		}
	}
	return pass(name, "")
}

func broadcastDelivery(ctx context.Context, e env) scenarioResult {
	const name = "broadcast reaches every online user"
	a, err := connect(ctx, e, e.a)
	if err != nil {
		return fail(name, err.Error())
	}
	defer a.Close()
	b, err := connect(ctx, e, e.b)
	if err != nil {
		return fail(name, err.Error())
	}
	defer b.Close()
	c, err := connect(ctx, e, e.c)
	if err != nil {
		return fail(name, err.Error())
	}
	defer c.Close()

	gotB, gotC := watch(b), watch(c)
	content := "e2e-broadcast-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := a.SendTo(nil, content); err != nil {
		return fail(name, err.Error())
	}

	for label, ch := range map[string]<-chan client.Delivered{"B": gotB, "C": gotC} {
		msg, err := await(ctx, ch, content)
		if err != nil {
			return fail(name, label+": "+err.Error())
		}
		if msg.RecipientID != nil {
			return fail(name, fmt.Sprintf("%s: broadcast carried recipient %d", label, *msg.RecipientID))
		}
	}
	return pass(name, "")
}

func rejectedCredential(ctx context.Context, e env) scenarioResult {
	const name = "invalid credential closed with 1008"
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c, err := client.New(dialCtx, e.wsURL, e.a, "not-a-token")
	if err != nil {
		return fail(name, err.Error())
	}
	defer c.Close()

	select {
	case <-c.Done():
	case <-dialCtx.Done():
		return fail(name, "connection stayed open")
	}
	if code := c.GetMetrics().CloseCode; code != 1008 {
		return fail(name, fmt.Sprintf("close code %d", code))
	}
	return pass(name, "")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func token(e env, userID int64) string {
	t, _ := client.Token(e.secret, userID, 5*time.Minute)
	return t
}

func connect(ctx context.Context, e env, userID int64) (*client.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c, err := client.New(dialCtx, e.wsURL, userID, token(e, userID))
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", userID, err)
	}
	if err := c.WaitReady(dialCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("user %d: %w", userID, err)
	}
	return c, nil
}

// watch forwards delivered messages received by c.
func watch(c *client.Client) <-chan client.Delivered {
	ch := make(chan client.Delivered, 16)
	c.On(client.KindMessage, func(raw json.RawMessage) {
		var msg client.Delivered
		if json.Unmarshal(raw, &msg) == nil {
			select {
			case ch <- msg:
			default:
			}
		}
	})
	return ch
}

// await returns the first delivered message with the given content.
func await(ctx context.Context, ch <-chan client.Delivered, content string) (client.Delivered, error) {
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-ch:
			if msg.Content == content {
				return msg, nil
			}
		case <-waitCtx.Done():
			return client.Delivered{}, fmt.Errorf("message not delivered")
		}
	}
}

func httpGet(ctx context.Context, url, bearer string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return body, resp.StatusCode, err
}

func parseUsers(raw string) ([3]int64, error) {
	var ids [3]int64
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return ids, fmt.Errorf("need exactly three user ids")
	}
	for i, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			return ids, fmt.Errorf("invalid user id %q", p)
		}
		ids[i] = id
	}
	return ids, nil
}

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "REST base url")
	wsURL     = flag.String("ws", "ws://localhost:8080/ws", "websocket url")
	pairCount = flag.Int("pairs", 50, "number of user pairs")
	msgCount  = flag.Int("messages", 20, "messages per user")
	withAuth  = flag.Bool("auth", false, "register, login and send the token on the handshake")
)

type authResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

type peer struct {
	id    string
	token string
}

func main() {
	flag.Parse()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	log.Info("starting load test", "users", *pairCount*2, "messages_per_user", *msgCount)

	var st stats
	var wg sync.WaitGroup
	start := time.Now()

	// User 0a talks to 0b, 1a to 1b, ...
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(log, pairID, &st)
		}(i)
	}
	wg.Wait()

	log.Info("load test complete",
		"elapsed", time.Since(start),
		"sent", st.sent.Load(),
		"received", st.received.Load(),
		"failed", st.failed.Load(),
	)
}

func runPair(log *slog.Logger, pairID int, st *stats) {
	a, okA := newPeer(log, fmt.Sprintf("u_%d_a", pairID))
	b, okB := newPeer(log, fmt.Sprintf("u_%d_b", pairID))
	if !okA || !okB {
		st.failed.Add(1)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go chat(log, &wg, a, b, st)
	go chat(log, &wg, b, a, st)
	wg.Wait()
}

func newPeer(log *slog.Logger, username string) (peer, bool) {
	if !*withAuth {
		return peer{id: username}, true
	}
	creds := map[string]string{"username": username, "password": "password123"}

	// Might already exist from an earlier run
	if resp, err := postJSON("/register", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", creds)
	if err != nil {
		log.Error("login failed", "username", username, "error", err)
		return peer{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Error("login rejected", "username", username, "status", resp.StatusCode)
		return peer{}, false
	}

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return peer{}, false
	}
	return peer{id: data.ID, token: data.Token}, true
}

func chat(log *slog.Logger, wg *sync.WaitGroup, self, other peer, st *stats) {
	defer wg.Done()

	q := url.Values{"userId": {self.id}}
	if self.token != "" {
		q.Set("token", self.token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(*wsURL+"?"+q.Encode(), nil)
	if err != nil {
		log.Error("websocket connect failed", "user_id", self.id, "error", err)
		st.failed.Add(1)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			st.received.Add(1)
		}
	}()

	for i := 0; i < *msgCount; i++ {
		err := conn.WriteJSON(map[string]any{
			"event": "send_message",
			"data": map[string]any{
				"message":    map[string]any{"senderId": self.id, "text": fmt.Sprintf("load test msg %d from %s", i, self.id)},
				"receiverId": other.id,
			},
		})
		if err != nil {
			log.Error("send failed", "user_id", self.id, "error", err)
			st.failed.Add(1)
			break
		}
		st.sent.Add(1)
		// Spread writes a little so localhost is not the bottleneck.
		time.Sleep(10 * time.Millisecond)
	}
	<-done
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewBuffer(body))
}

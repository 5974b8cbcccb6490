package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-chat-realtime/internal/auth"
	"go-chat-realtime/internal/db"
)

var (
	wsURL     = flag.String("url", "ws://localhost:8080/ws", "websocket endpoint (put a balancer in front to spread instances)")
	userCount = flag.Int("pairs", 250, "number of user pairs")
	msgCount  = flag.Int("messages", 20, "messages per user")
	drainWait = flag.Duration("drain", 5*time.Second, "how long to keep reading after the last send")
)

var (
	sent     atomic.Int64
	received atomic.Int64
	failures atomic.Int64
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func main() {
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN is not set")
	}

	database, err := db.NewDatabase(context.Background(), dsn)
	if err != nil {
		log.Fatalf("connect to DB: %v", err)
	}
	defer database.Close()
	if err := database.AutoMigrate(context.Background()); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	tokens := auth.NewService(secret, time.Hour)

	log.Printf("STARTING STRESS TEST: %d users, %d messages each", *userCount*2, *msgCount)
	start := time.Now()
	var wg sync.WaitGroup

	// Pairs: user 0a talks to user 0b, 1a to 1b...
	for i := 0; i < *userCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(database, tokens, pairID)
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)
	log.Printf("LOAD TEST COMPLETE in %s: sent=%d received=%d failures=%d",
		elapsed.Round(time.Millisecond), sent.Load(), received.Load(), failures.Load())
	if want := sent.Load() * 2; want > 0 {
		log.Printf("fan-out delivery: %.1f%% of %d expected frames", 100*float64(received.Load())/float64(want), want)
	}
}

func runPair(database *db.Database, tokens *auth.Service, pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	roomID := uuid.NewString()

	if err := createConversation(database, roomID, userA, userB); err != nil {
		log.Printf("create chat failed [%d]: %v", pairID, err)
		failures.Add(1)
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, tokens, roomID, userA)
	go spamChat(&wsWg, tokens, roomID, userB)
	wsWg.Wait()
}

func createConversation(database *db.Database, roomID string, users ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := database.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "INSERT INTO conversations (id, type) VALUES ($1, 'private')", roomID); err != nil {
		return err
	}
	for _, u := range users {
		if _, err := tx.ExecContext(ctx, "INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2)", roomID, u); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func spamChat(wg *sync.WaitGroup, tokens *auth.Service, roomID, user string) {
	defer wg.Done()

	token, err := tokens.Issue(auth.Identity{UserID: user, Username: user})
	if err != nil {
		log.Printf("token [%s]: %v", user, err)
		failures.Add(1)
		return
	}

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", *wsURL, token), nil)
	if err != nil {
		log.Printf("WS connect fail [%s]: %v", user, err)
		failures.Add(1)
		return
	}
	defer conn.Close()

	joined := make(chan struct{})
	done := make(chan struct{})
	go readLoop(conn, user, joined, done)

	if err := conn.WriteJSON(map[string]any{"event": "join_room", "data": map[string]string{"roomId": roomID}}); err != nil {
		failures.Add(1)
		return
	}
	select {
	case <-joined:
	case <-time.After(5 * time.Second):
		log.Printf("join timeout [%s]", user)
		failures.Add(1)
		return
	}

	for i := 0; i < *msgCount; i++ {
		msg := map[string]any{
			"event": "send_message",
			"data": map[string]string{
				"roomId":  roomID,
				"content": fmt.Sprintf("LoadTest Msg %d from %s", i, user),
			},
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("send fail [%s]: %v", user, err)
			failures.Add(1)
			break
		}
		sent.Add(1)
		// Stay under the default rate limit of 60 actions a minute.
		time.Sleep(time.Second)
	}

	time.Sleep(*drainWait)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	<-done
}

// readLoop counts new_message frames until the socket closes.
func readLoop(conn *websocket.Conn, user string, joined, done chan struct{}) {
	defer close(done)
	var once sync.Once
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range bytes.Split(msg, []byte{'\n'}) {
			var f frame
			if err := json.Unmarshal(line, &f); err != nil {
				continue
			}
			switch f.Event {
			case "room_joined":
				once.Do(func() { close(joined) })
			case "new_message":
				received.Add(1)
			case "error":
				log.Printf("server error [%s]: %s", user, f.Data)
			}
		}
	}
}

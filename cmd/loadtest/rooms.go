package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/roomchat/chat-server/internal/loadtest"
)

// runRooms joins users round-robin into rooms, has each user send messages at
// a fixed interval and records how long each message takes to come back
// through the room broadcast.
func runRooms(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	users := fs.Int("users", 200, "Number of simulated users")
	rooms := fs.Int("rooms", 10, "Number of rooms to spread users over")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	duration := fs.Duration("duration", 30*time.Second, "How long users chat")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 64, "Size of each message body in bytes")
	fs.Parse(args)

	if *rooms <= 0 {
		*rooms = 1
	}
	fmt.Printf("Rooms test: %d users in %d rooms at %s (ramp=%s, duration=%s, interval=%s)\n",
		*users, *rooms, *url, *rampUp, *duration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	clients := connectAll(ctx, *url, *users, *rampUp, collector)
	defer closeAll(clients)

	fmt.Printf("\n--- Joining %d users ---\n", len(clients))
	for i, c := range clients {
		roomID := "room-" + strconv.Itoa(i%*rooms)
		watchEcho(c, collector)
		if err := c.Join(roomID, "user-"+strconv.Itoa(i)); err != nil {
			collector.AddError()
		}
	}

	fmt.Printf("--- Chatting for %s ---\n", *duration)
	chatCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	padding := filler(*msgSize)
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(c *loadtest.Client, roomID string) {
			defer wg.Done()
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()
			for {
				select {
				case <-chatCtx.Done():
					return
				case <-c.Done():
					collector.AddError()
					return
				case now := <-ticker.C:
					text := strconv.FormatInt(now.UnixNano(), 10) + " " + padding
					if err := c.Say(roomID, text); err != nil {
						collector.AddError()
						return
					}
				}
			}
		}(c, "room-"+strconv.Itoa(i%*rooms))
	}
	wg.Wait()

	var sent, received int
	for _, c := range clients {
		s, r := c.Counts()
		sent += s
		received += r
	}
	fmt.Printf("Frames sent: %d  received: %d\n", sent, received)
	collector.Report(os.Stdout)
}

// watchEcho records the broadcast latency of every room message the client
// sees. Load messages carry their send time as the first word.
func watchEcho(c *loadtest.Client, collector *loadtest.Collector) {
	c.On("chat:error", func(json.RawMessage) { collector.AddError() })
	c.On("chat:message", func(data json.RawMessage) {
		var msg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		stamp, _, _ := strings.Cut(msg.Text, " ")
		sentAt, err := strconv.ParseInt(stamp, 10, 64)
		if err != nil {
			return
		}
		collector.AddMsgLatency(time.Since(time.Unix(0, sentAt)))
	})
}

// filler returns n bytes of text that passes the server's flood checks.
func filler(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alphabet[i%len(alphabet)])
	}
	return b.String()
}

package main

import (
	"context"
	"log"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/roomchat/chat-server/internal/messaging"
	"github.com/roomchat/chat-server/internal/moderation"
)

func main() {
	log.Println("Starting room moderation service...")

	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file loaded: %v", err)
	}

	// Redis is optional here; without it flags carry no strike count.
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("[moderator] redis unavailable at %s, strike counting disabled: %v", redisAddr, err)
		rdb.Close()
		rdb = nil
	}
	cancel()

	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "roomchat-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	r := &reviewer{
		filter:  moderation.NewFilter(),
		strikes: rdb,
		publish: natsClient.Publish,
	}
	if err := natsClient.SubscribeRooms(r.handle); err != nil {
		log.Fatalf("failed to subscribe to room feed: %v", err)
	}

	log.Printf("Room moderation service running")
	log.Printf("  redis_addr: %s", redisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		10*time.Second,
		map[string]gfshutdown.Operation{
			"moderator": func(ctx context.Context) error {
				natsClient.Close()
				if rdb != nil {
					return rdb.Close()
				}
				return nil
			},
		},
	)
	os.Exit(<-wait)
}

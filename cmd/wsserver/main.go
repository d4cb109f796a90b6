package main

import (
	"context"
	"log"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/roomchat/chat-server/internal/config"
	"github.com/roomchat/chat-server/internal/metrics"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()

	log.Printf("Room chat server starting")
	log.Printf("  listen_addr:      %s", cfg.Server.ListenAddr)
	log.Printf("  worker_pool:      %d", cfg.Server.WorkerPoolSize)
	log.Printf("  max_connections:  %d", cfg.Server.MaxConnections)
	log.Printf("  read_timeout:     %s", cfg.Server.ReadTimeout)
	log.Printf("  write_timeout:    %s", cfg.Server.WriteTimeout)
	log.Printf("  heartbeat:        %s (+%s)", cfg.Server.Heartbeat.Interval, cfg.Server.Heartbeat.Timeout)
	log.Printf("  allowed_origins:  %v", cfg.Server.AllowedOrigins)
	log.Printf("  registry:         %s", cfg.Registry.Backend)
	log.Printf("  redis_addr:       %s", cfg.Redis.Addr)
	log.Printf("  nats_url:         %s", cfg.NATS.URL)
	log.Printf("  history_limit:    %d", cfg.Chat.HistoryLimit)
	log.Printf("  moderation:       %t", cfg.Moderation.Enabled)
	log.Printf("  rate_limit:       %t", cfg.RateLimit)
	log.Printf("  server_name:      %s", cfg.ServerName)

	a, err := newApp(cfg)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	metrics.RegisterRoomGauges(a.store)

	go func() {
		if err := a.server.Start(); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"wsserver": func(ctx context.Context) error {
				log.Println("Graceful shutdown initiated...")
				return a.shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("Room chat server exited with code: %d", exitCode)
	os.Exit(exitCode)
}

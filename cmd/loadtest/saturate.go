package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/roomchat/chat-server/internal/loadtest"
)

// runSaturate opens connections at a steady rate and holds them until the
// hold duration ends or the process is interrupted.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	conns := fs.Int("conns", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "How long to hold connections open")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s)\n", *conns, *url, *rampUp, *hold)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	clients := connectAll(ctx, *url, *conns, *rampUp, collector)

	fmt.Printf("\nHolding %d connections for %s...\n", len(clients), *hold)
	select {
	case <-time.After(*hold):
	case <-ctx.Done():
		fmt.Println("\nInterrupted.")
	}

	closeAll(clients)
	collector.Report(os.Stdout)
}

// connectAll dials n clients spread evenly over rampUp and waits for each
// session frame.
func connectAll(ctx context.Context, url string, n int, rampUp time.Duration, collector *loadtest.Collector) []*loadtest.Client {
	interval := rampUp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*loadtest.Client, 0, n)
		wg      sync.WaitGroup
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return clients
		case <-ticker.C:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := loadtest.Dial(dialCtx, url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForSession(dialCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.ConnectLatency())

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()

		if (i+1)%500 == 0 {
			fmt.Printf("  [connect] launched: %d/%d  connected: %d  errors: %d\n",
				i+1, n, collector.ConnectionCount(), collector.ErrorCount())
		}
	}
	wg.Wait()
	return clients
}

func closeAll(clients []*loadtest.Client) {
	for _, c := range clients {
		c.Close()
	}
}

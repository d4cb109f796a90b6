package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace period after a missed interval (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and evicts those that have gone
// stale (no frame read within Interval + Timeout). Eviction goes through
// RemoveConnection, so the user's room hears that they disconnected. The
// goroutine exits when the server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		log.Printf("ws: heartbeat disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

// checkConnections evicts connections idle past the deadline and pings the
// rest. Browsers answer the ping frame with a pong automatically, which the
// read path counts as activity.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	for _, c := range server.Connections().All() {
		if isStale(c, config, now) {
			log.Printf("ws: heartbeat timeout session=%s last_activity=%s ago",
				c.ID, now.Sub(c.LastActive()).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed session=%s: %v", c.ID, err)
			server.RemoveConnection(c)
		}
	}
}

func isStale(c *Connection, config HeartbeatConfig, now time.Time) bool {
	return now.Sub(c.LastActive()) > config.Interval+config.Timeout
}

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roomchat/chat-server/internal/chat"
	"github.com/roomchat/chat-server/internal/config"
	"github.com/roomchat/chat-server/internal/messaging"
	"github.com/roomchat/chat-server/internal/moderation"
	"github.com/roomchat/chat-server/internal/presence"
	"github.com/roomchat/chat-server/internal/protocol"
	"github.com/roomchat/chat-server/internal/ratelimit"
	"github.com/roomchat/chat-server/internal/session"
	"github.com/roomchat/chat-server/internal/ws"
)

// Client-facing messages for moderation rejections.
const (
	messageBlocked  = "Message blocked by moderation"
	usernameBlocked = "Username not allowed"
)

const disconnectTimeout = 3 * time.Second

// app holds the wired server and everything that must be closed with it.
type app struct {
	server *ws.Server
	store  *chat.Store
	groups *ws.Groups
	coord  *presence.Coordinator
	filter *moderation.Filter // nil when moderation is off

	redis    *redis.Client        // nil unless a Redis feature is enabled
	sessions *session.Store       // nil with the memory registry
	nats     *messaging.NATSClient // nil when the feed is disabled
}

// newApp connects the optional backends and wires the coordinator to the
// transport. Only the Redis registry is fatal when unreachable; rate
// limiting and the NATS feed are skipped with a warning instead.
func newApp(cfg *config.Config) (*app, error) {
	a := &app{
		store:  chat.NewStore(cfg.Chat.HistoryLimit),
		groups: ws.NewGroups(),
	}

	var registry presence.Registry = presence.NewMemoryRegistry()
	if cfg.Registry.Backend == config.BackendRedis || cfg.RateLimit {
		sessions, err := session.NewStore(cfg.Redis.Addr, cfg.ServerName)
		switch {
		case err == nil:
			a.redis = sessions.Client()
			if cfg.Registry.Backend == config.BackendRedis {
				a.sessions = sessions
				registry = sessions
			}
		case cfg.Registry.Backend == config.BackendRedis:
			return nil, fmt.Errorf("redis registry: %w", err)
		default:
			log.Printf("[app] redis unavailable at %s, rate limiting disabled: %v", cfg.Redis.Addr, err)
		}
	}

	dispatcher := ws.NewMessageDispatcher(nil)
	a.server = ws.NewServer(cfg.Server, dispatcher.Dispatch)
	dispatcher.SetSender(a.server)

	hub := ws.NewHub(a.server, a.groups)
	a.coord = presence.NewCoordinator(a.store, registry, hub)

	if cfg.NATS.URL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Name = cfg.ServerName
		client, err := messaging.NewNATSClient(natsCfg)
		if err != nil {
			log.Printf("[app] nats unavailable at %s, room feed disabled: %v", cfg.NATS.URL, err)
		} else {
			a.nats = client
			a.coord.SetFeed(messaging.NewRoomFeed(client))
		}
	}

	if cfg.Moderation.Enabled {
		if len(cfg.Moderation.Terms) > 0 {
			a.filter = moderation.NewFilterWithTerms(cfg.Moderation.Terms)
		} else {
			a.filter = moderation.NewFilter()
		}
	}

	a.register(dispatcher)

	if a.redis != nil && cfg.RateLimit {
		limiter := ratelimit.NewLimiter(a.redis)
		dispatcher.Limit(limiter, protocol.EventJoin, ratelimit.RuleJoin)
		dispatcher.Limit(limiter, protocol.EventLeave, ratelimit.RuleJoin)
		dispatcher.Limit(limiter, protocol.EventMessage, ratelimit.RuleMessage)
		dispatcher.Limit(limiter, protocol.EventTyping, ratelimit.RuleTyping)
		a.server.SetConnectLimiter(limiter, ratelimit.RuleConnect)
	}

	if a.sessions != nil {
		a.server.SetOnConnect(func(ctx context.Context, connID string) {
			if err := a.sessions.Create(ctx, connID); err != nil {
				log.Printf("[app] create session=%s: %v", connID, err)
			}
		})
	}
	a.server.SetOnDisconnect(a.disconnect)
	a.server.SetRoomStats(a.store)

	return a, nil
}

// register binds the client events to the coordinator.
func (a *app) register(d *ws.MessageDispatcher) {
	d.Register(protocol.EventJoin, func(ctx context.Context, conn *ws.Connection, msg interface{}) error {
		m := msg.(protocol.JoinMsg)
		if a.filter != nil {
			if res := a.filter.CheckUsername(m.Username); res.Blocked {
				log.Printf("[moderation] username blocked session=%s term=%q", conn.ID, res.Term)
				return &ws.ClientError{Event: protocol.EventJoin, Message: usernameBlocked, Outcome: ws.OutcomeBlocked}
			}
		}
		return a.coord.Join(ctx, conn.ID, m.RoomID, m.Username)
	})

	d.Register(protocol.EventLeave, func(ctx context.Context, conn *ws.Connection, msg interface{}) error {
		m := msg.(protocol.LeaveMsg)
		return a.coord.Leave(ctx, conn.ID, m.RoomID)
	})

	d.Register(protocol.EventMessage, func(ctx context.Context, conn *ws.Connection, msg interface{}) error {
		m := msg.(protocol.ChatMsg)
		if a.filter != nil {
			if res := a.filter.Check(m.Text); res.Blocked {
				log.Printf("[moderation] message blocked session=%s room=%s reason=%s term=%q",
					conn.ID, m.RoomID, res.Reason, res.Term)
				return &ws.ClientError{Event: protocol.EventMessage, Message: messageBlocked, Outcome: ws.OutcomeBlocked}
			}
		}
		return a.coord.SendMessage(ctx, conn.ID, m.RoomID, m.Text)
	})

	d.Register(protocol.EventTyping, func(ctx context.Context, conn *ws.Connection, msg interface{}) error {
		m := msg.(protocol.TypingMsg)
		return a.coord.SetTyping(ctx, conn.ID, m.RoomID, *m.IsTyping)
	})

	if a.sessions != nil {
		d.Register(protocol.EventPing, func(ctx context.Context, conn *ws.Connection, _ interface{}) error {
			return a.sessions.RefreshTTL(ctx, conn.ID)
		})
	}
}

func (a *app) disconnect(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	if err := a.coord.Disconnect(ctx, connID); err != nil {
		log.Printf("[app] disconnect session=%s: %v", connID, err)
	}
	a.groups.RemoveConn(connID)
}

// shutdown drains the WebSocket server, announcing every disconnect, and
// then closes the backends.
func (a *app) shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	if a.nats != nil {
		a.nats.Close()
	}
	if a.redis != nil {
		if cerr := a.redis.Close(); cerr != nil {
			log.Printf("[app] redis close: %v", cerr)
		}
	}
	return err
}

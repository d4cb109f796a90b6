package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roomchat/chat-server/internal/chat"
	"github.com/roomchat/chat-server/internal/messaging"
	"github.com/roomchat/chat-server/internal/moderation"
)

// strikeWindow is how long flags against one user in one room are counted.
const strikeWindow = 24 * time.Hour

// reviewer screens user messages from the room feed after delivery.
type reviewer struct {
	filter  *moderation.Filter
	strikes *redis.Client // nil disables strike counting
	publish func(subject string, data []byte) error
}

// review returns the flag for ev, if any. System notices are never flagged.
func (r *reviewer) review(ev messaging.RoomEvent) (moderation.Flag, bool) {
	if ev.Kind != chat.KindUser {
		return moderation.Flag{}, false
	}
	var msg chat.UserMessage
	if err := json.Unmarshal(ev.Message, &msg); err != nil {
		log.Printf("[moderator] bad message in room=%s: %v", ev.RoomID, err)
		return moderation.Flag{}, false
	}

	res := r.filter.Check(msg.Text)
	if !res.Blocked {
		return moderation.Flag{}, false
	}
	return moderation.Flag{
		RoomID:    ev.RoomID,
		Username:  msg.Username,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
		Server:    ev.Server,
		Reason:    res.Reason,
		Term:      res.Term,
	}, true
}

// handle is the SubscribeRooms callback.
func (r *reviewer) handle(ev messaging.RoomEvent) {
	flag, ok := r.review(ev)
	if !ok {
		return
	}

	strikes := int64(0)
	if r.strikes != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		n, err := r.strike(ctx, flag)
		cancel()
		if err != nil {
			log.Printf("[moderator] strike count room=%s: %v", flag.RoomID, err)
		}
		strikes = n
	}

	log.Printf("[moderator] FLAGGED room=%s username=%q reason=%s term=%q strikes=%d",
		flag.RoomID, flag.Username, flag.Reason, flag.Term, strikes)

	data, err := json.Marshal(flag)
	if err != nil {
		log.Printf("[moderator] failed to marshal flag: %v", err)
		return
	}
	if err := r.publish(messaging.SubjectFlagged, data); err != nil {
		log.Printf("[moderator] failed to publish flag: %v", err)
	}
}

// strike counts the flag against the user within strikeWindow.
func (r *reviewer) strike(ctx context.Context, flag moderation.Flag) (int64, error) {
	key := fmt.Sprintf("moderation:strikes:%s:%s", flag.RoomID, flag.Username)

	var incr *redis.IntCmd
	_, err := r.strikes.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, strikeWindow)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

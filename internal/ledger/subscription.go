package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/models"
)

// Subscription streams invitation events until Close or context cancellation.
type Subscription struct {
	C <-chan models.InvitationEvent

	ps   *redis.PubSub
	once sync.Once
}

// SubscribeIncoming streams new invitations, and status changes of existing
// ones, addressed to callee.
func (l *Ledger) SubscribeIncoming(ctx context.Context, callee string) (*Subscription, error) {
	return l.subscribe(ctx, IncomingChannel(callee))
}

// SubscribeInvitation streams status changes of invitation id.
func (l *Ledger) SubscribeInvitation(ctx context.Context, id string) (*Subscription, error) {
	return l.subscribe(ctx, InvitationChannel(id))
}

func (l *Ledger) subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ps := l.rdb.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so nothing published after we
	// return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan models.InvitationEvent, 16)
	sub := &Subscription{C: out, ps: ps}

	go func() {
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var ev models.InvitationEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn().Err(err).Str("module", "ledger").Str("channel", channel).Msg("bad event payload")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					sub.Close()
					return
				}
			}
		}
	}()

	log.Debug().Str("module", "ledger").Str("channel", channel).Msg("subscribed")
	return sub, nil
}

// Close ends the subscription; C is closed shortly after.
func (s *Subscription) Close() {
	s.once.Do(func() {
		_ = s.ps.Close()
	})
}

// Package presence pushes the set of registered identities to every
// registered connection. Each push is a full snapshot, never a delta.
package presence

import (
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/registry"
)

type Broadcaster struct {
	reg *registry.Registry
}

// New attaches a broadcaster to reg; from then on every register and
// unregister publishes the new online set.
func New(reg *registry.Registry) *Broadcaster {
	b := &Broadcaster{reg: reg}
	reg.OnChange(b.publish)
	return b
}

// publish runs under the registry lock, so the snapshot cannot be torn and
// consecutive publishes are delivered in mutation order.
func (b *Broadcaster) publish(snap registry.Snapshot) {
	msg := onlineUsers(snap.Identities)
	for _, c := range snap.Conns {
		if err := c.Send(msg); err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("conn", c.ID()).Msg("presence push dropped")
		}
	}
	log.Debug().Str("module", "presence").Int("online", len(snap.Identities)).Msg("published")
}

// SendCurrent answers get-online-users for a single connection without
// waiting for the next change.
func (b *Broadcaster) SendCurrent(conn registry.Conn) error {
	snap := b.reg.Snapshot()
	return conn.Send(onlineUsers(snap.Identities))
}

func onlineUsers(ids []string) models.SignalMessage {
	users := ids
	if users == nil {
		users = []string{}
	}
	return models.SignalMessage{Type: models.TypeOnlineUsers, Users: users}
}

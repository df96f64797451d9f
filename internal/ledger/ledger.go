// Package ledger keeps durable call invitations in Redis. It is the fallback
// negotiation path for callees that may not hold a live signaling connection.
//
// Records are never deleted here. Every status change is a single Lua
// compare-and-set from "calling", so concurrent accept/reject/cancel/expire on
// one id have exactly one winner.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/models"
)

const (
	roomTokenLength = 8
	tokenChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O, 1/I
)

// transitionScript moves KEYS[1] from ARGV[1] to ARGV[2] and publishes ARGV[3]
// on ARGV[4] and ARGV[5]. Returns -1 if missing, 0 if the status did not
// match, 1 on success.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return -1
end
if cur ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
redis.call('PUBLISH', ARGV[4], ARGV[3])
redis.call('PUBLISH', ARGV[5], ARGV[3])
return 1
`)

type Ledger struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func New(rdb redis.UniversalClient) *Ledger {
	return &Ledger{rdb: rdb, now: time.Now}
}

func recordKey(id string) string          { return "invitation:" + id }
func calleeIndexKey(callee string) string { return "invitations:to:" + callee }

// InvitationChannel carries status changes of one invitation.
func InvitationChannel(id string) string { return "invitations:events:" + id }

// IncomingChannel carries new invitations and status changes addressed to callee.
func IncomingChannel(callee string) string { return "invitations:incoming:" + callee }

// Create stores inv with status "calling" and notifies the callee's
// subscribers. ID, RoomToken and CreatedAt are filled in when empty.
func (l *Ledger) Create(ctx context.Context, inv models.Invitation) (models.Invitation, error) {
	if inv.CallerIdentity == "" || inv.CalleeIdentity == "" || !inv.CallKind.Valid() {
		return models.Invitation{}, ErrInvalidInvitation
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.RoomToken == "" {
		inv.RoomToken = NewRoomToken()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = l.now().UTC()
	}
	inv.Status = models.StatusCalling

	data, err := json.Marshal(inv)
	if err != nil {
		return models.Invitation{}, fmt.Errorf("marshal invitation: %w", err)
	}
	event, err := json.Marshal(models.InvitationEvent{ID: inv.ID, Status: inv.Status, Invitation: &inv})
	if err != nil {
		return models.Invitation{}, fmt.Errorf("marshal invitation event: %w", err)
	}

	_, err = l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, recordKey(inv.ID), "data", data, "status", string(inv.Status))
		p.ZAdd(ctx, calleeIndexKey(inv.CalleeIdentity), redis.Z{
			Score:  float64(inv.CreatedAt.UnixMilli()),
			Member: inv.ID,
		})
		p.Publish(ctx, IncomingChannel(inv.CalleeIdentity), event)
		return nil
	})
	if err != nil {
		return models.Invitation{}, fmt.Errorf("store invitation: %w", err)
	}

	log.Info().Str("module", "ledger").Str("id", inv.ID).Str("caller", inv.CallerIdentity).
		Str("callee", inv.CalleeIdentity).Str("kind", string(inv.CallKind)).Msg("invitation created")
	return inv, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (models.Invitation, error) {
	vals, err := l.rdb.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return models.Invitation{}, fmt.Errorf("load invitation %s: %w", id, err)
	}
	if len(vals) == 0 {
		return models.Invitation{}, ErrNotFound
	}
	var inv models.Invitation
	if err := json.Unmarshal([]byte(vals["data"]), &inv); err != nil {
		return models.Invitation{}, fmt.Errorf("decode invitation %s: %w", id, err)
	}
	inv.Status = models.InvitationStatus(vals["status"])
	return inv, nil
}

// Pending lists invitations addressed to callee that are still "calling",
// oldest first. Subscribers use it to catch up on anything published before
// they subscribed.
func (l *Ledger) Pending(ctx context.Context, callee string) ([]models.Invitation, error) {
	ids, err := l.rdb.ZRange(ctx, calleeIndexKey(callee), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list invitations for %s: %w", callee, err)
	}
	out := make([]models.Invitation, 0, len(ids))
	for _, id := range ids {
		inv, err := l.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if inv.Status == models.StatusCalling {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (l *Ledger) Accept(ctx context.Context, id string) error {
	return l.transition(ctx, id, models.StatusAccepted)
}

func (l *Ledger) Reject(ctx context.Context, id string) error {
	return l.transition(ctx, id, models.StatusRejected)
}

func (l *Ledger) Cancel(ctx context.Context, id string) error {
	return l.transition(ctx, id, models.StatusCancelled)
}

func (l *Ledger) Expire(ctx context.Context, id string) error {
	return l.transition(ctx, id, models.StatusExpired)
}

func (l *Ledger) transition(ctx context.Context, id string, to models.InvitationStatus) error {
	inv, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	event, err := json.Marshal(models.InvitationEvent{ID: id, Status: to})
	if err != nil {
		return fmt.Errorf("marshal invitation event: %w", err)
	}

	res, err := transitionScript.Run(ctx, l.rdb,
		[]string{recordKey(id)},
		string(models.StatusCalling), string(to), event,
		InvitationChannel(id), IncomingChannel(inv.CalleeIdentity),
	).Int()
	if err != nil {
		return fmt.Errorf("transition invitation %s to %s: %w", id, to, err)
	}

	switch res {
	case -1:
		return ErrNotFound
	case 0:
		log.Info().Str("module", "ledger").Str("id", id).Str("to", string(to)).Msg("transition lost race")
		return ErrAlreadyResolved
	}
	log.Info().Str("module", "ledger").Str("id", id).Str("status", string(to)).Msg("invitation resolved")
	return nil
}

// Watch expires id after d unless it has been resolved by then. The returned
// func stops the watchdog.
func (l *Ledger) Watch(id string, d time.Duration) (stop func() bool) {
	t := time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := l.Expire(ctx, id)
		if err != nil && !errors.Is(err, ErrAlreadyResolved) {
			log.Error().Err(err).Str("module", "ledger").Str("id", id).Msg("watchdog expire failed")
		}
	})
	return t.Stop
}

// NewRoomToken returns a short token naming the media room the two peers
// join once the invitation is accepted.
func NewRoomToken() string {
	code := make([]byte, roomTokenLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(tokenChars))))
		code[i] = tokenChars[n.Int64()]
	}
	return string(code)
}

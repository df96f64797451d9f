package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/ledger"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
)

const sseHeartbeat = 25 * time.Second

// Invitations exposes the invitation ledger over REST and server-sent events.
type Invitations struct {
	ledger      *ledger.Ledger
	ringTimeout time.Duration
	heartbeat   time.Duration

	mu      sync.Mutex
	watches map[string]watch
}

type watch struct {
	stop     func() bool
	deadline time.Time
}

func NewInvitations(l *ledger.Ledger, ringTimeout time.Duration) *Invitations {
	return &Invitations{
		ledger:      l,
		ringTimeout: ringTimeout,
		heartbeat:   sseHeartbeat,
		watches:     make(map[string]watch),
	}
}

// Create records a new invitation from the authenticated user and arms the
// expiry watchdog.
func (h *Invitations) Create(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateInvitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.CalleeIdentity == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot call yourself"})
		return
	}

	inv, err := h.ledger.Create(c.Request.Context(), models.Invitation{
		ChatID:         req.ChatID,
		CallerIdentity: userID,
		CallerName:     req.CallerName,
		CallerPhoto:    req.CallerPhoto,
		CalleeIdentity: req.CalleeIdentity,
		CallKind:       req.CallKind,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "handlers").Str("caller", userID).Msg("create invitation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create invitation"})
		return
	}

	h.arm(inv.ID)

	c.JSON(http.StatusCreated, models.CreateInvitationResponse{
		ID:        inv.ID,
		RoomToken: inv.RoomToken,
	})
}

func (h *Invitations) Get(c *gin.Context) {
	inv, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h *Invitations) Accept(c *gin.Context) {
	h.resolve(c, "accept", isCallee, h.ledger.Accept)
}

func (h *Invitations) Reject(c *gin.Context) {
	h.resolve(c, "reject", isCallee, h.ledger.Reject)
}

func (h *Invitations) Cancel(c *gin.Context) {
	h.resolve(c, "cancel", isCaller, h.ledger.Cancel)
}

func isCallee(inv models.Invitation, user string) bool { return inv.CalleeIdentity == user }
func isCaller(inv models.Invitation, user string) bool { return inv.CallerIdentity == user }

func (h *Invitations) resolve(c *gin.Context, action string, allowed func(models.Invitation, string) bool, apply func(context.Context, string) error) {
	ctx := c.Request.Context()
	id := c.Param("id")
	userID := c.GetString(middleware.UserIDKey)

	inv, err := h.ledger.Get(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !allowed(inv, userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not allowed to " + action + " this invitation"})
		return
	}

	if err := apply(ctx, id); err != nil {
		log.Info().Err(err).Str("module", "handlers").Str("id", id).Str("action", action).Str("user", userID).
			Msg("invitation transition refused")
		h.fail(c, err)
		return
	}
	h.disarm(id)

	updated, err := h.ledger.Get(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Invitations) arm(id string) {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	// Drop watchdogs that have already fired.
	for other, w := range h.watches {
		if now.After(w.deadline) {
			delete(h.watches, other)
		}
	}
	h.watches[id] = watch{
		stop:     h.ledger.Watch(id, h.ringTimeout),
		deadline: now.Add(h.ringTimeout),
	}
}

func (h *Invitations) disarm(id string) {
	h.mu.Lock()
	w, ok := h.watches[id]
	delete(h.watches, id)
	h.mu.Unlock()
	if ok {
		w.stop()
	}
}

// StreamIncoming pushes invitations addressed to the authenticated user,
// starting with any that are still ringing.
func (h *Invitations) StreamIncoming(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString(middleware.UserIDKey)

	sub, err := h.ledger.SubscribeIncoming(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer sub.Close()

	pending, err := h.ledger.Pending(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}

	log.Debug().Str("module", "handlers").Str("user", userID).Int("pending", len(pending)).Msg("incoming stream opened")
	for i := range pending {
		c.SSEvent("invitation", models.InvitationEvent{ID: pending[i].ID, Status: pending[i].Status, Invitation: &pending[i]})
	}
	c.Writer.Flush()
	h.stream(c, sub, false)
}

// StreamInvitation pushes status changes of one invitation. The stream ends
// after the first terminal status.
func (h *Invitations) StreamInvitation(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	sub, err := h.ledger.SubscribeInvitation(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer sub.Close()

	// Subscribed first, so a transition racing this read is still delivered.
	inv, err := h.ledger.Get(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.SSEvent("status", models.InvitationEvent{ID: inv.ID, Status: inv.Status})
	if inv.Status.Terminal() {
		return
	}
	c.Writer.Flush()
	h.stream(c, sub, true)
}

func (h *Invitations) stream(c *gin.Context, sub *ledger.Subscription, untilTerminal bool) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	name := "invitation"
	if untilTerminal {
		name = "status"
	}
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(name, ev)
			return !(untilTerminal && ev.Status.Terminal())
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *Invitations) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Invitation not found"})
	case errors.Is(err, ledger.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": ledger.ErrAlreadyResolved.Error()})
	case errors.Is(err, ledger.ErrInvalidInvitation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("module", "handlers").Str("path", c.FullPath()).Msg("ledger error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

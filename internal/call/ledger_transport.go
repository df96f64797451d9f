package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/ledger"
	"github.com/mossy-p/call-signaling/internal/models"
)

var (
	// ErrSignalUnsupported indicates a signal frame was sent over the ledger
	// path. Media negotiation there happens in the room named by the
	// invitation's room token.
	ErrSignalUnsupported = errors.New("signal frames are not carried by the invitation ledger")

	// ErrNoInvitation indicates no live invitation links this peer and the
	// target.
	ErrNoInvitation = errors.New("no invitation for this peer")
)

// InvitationDetails is attached to EventIncoming on the ledger path.
type InvitationDetails struct {
	InvitationID string `json:"invitationId"`
	ChatID       string `json:"chatId"`
	RoomToken    string `json:"roomToken"`
	CallerName   string `json:"callerName,omitempty"`
	CallerPhoto  string `json:"callerPhoto,omitempty"`
}

type LedgerOptions struct {
	CallerName  string
	CallerPhoto string
	// ChatID names the conversation an invitation belongs to. Defaults to
	// DirectChatID.
	ChatID func(self, peer string) string
}

// DirectChatID is the chat id shared by two identities regardless of who calls.
func DirectChatID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return "direct:" + strings.Join(ids, ":")
}

// LedgerTransport is the durable path: call-request, accept, reject and
// cancel become invitation records, and the ledger's subscriptions stand in
// for live delivery.
//
// An accepted invitation is final. Ending a connected call sends nothing, and
// the peer's machine stays Connected until the application ends it; teardown
// belongs to the media room named by the invitation's room token.
type LedgerTransport struct {
	ledger *ledger.Ledger
	self   string
	opts   LedgerOptions

	ctx    context.Context
	cancel context.CancelFunc

	inbound chan models.SignalMessage
	wg      sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	outgoing map[string]string // callee -> invitation id
	incoming map[string]string // caller -> invitation id
	seen     map[string]bool
}

// NewLedgerTransport subscribes to invitations addressed to self and replays
// any that are still ringing.
func NewLedgerTransport(ctx context.Context, l *ledger.Ledger, self string, opts LedgerOptions) (*LedgerTransport, error) {
	if opts.ChatID == nil {
		opts.ChatID = DirectChatID
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &LedgerTransport{
		ledger:   l,
		self:     self,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		inbound:  make(chan models.SignalMessage, 64),
		outgoing: make(map[string]string),
		incoming: make(map[string]string),
		seen:     make(map[string]bool),
	}

	sub, err := l.SubscribeIncoming(ctx, self)
	if err != nil {
		cancel()
		return nil, err
	}
	// Subscribe before listing so nothing created in between is lost.
	pending, err := l.Pending(ctx, self)
	if err != nil {
		sub.Close()
		cancel()
		return nil, err
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer sub.Close()
		for i := range pending {
			t.onIncoming(models.InvitationEvent{ID: pending[i].ID, Status: pending[i].Status, Invitation: &pending[i]})
		}
		for ev := range sub.C {
			t.onIncoming(ev)
		}
	}()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.wg.Wait()
		close(t.inbound)
	}()

	log.Info().Str("module", "call").Str("identity", self).Int("pending", len(pending)).Msg("ledger transport ready")
	return t, nil
}

func (t *LedgerTransport) Inbound() <-chan models.SignalMessage { return t.inbound }

// Close stops every subscription; Inbound is closed once they have drained.
func (t *LedgerTransport) Close() { t.cancel() }

func (t *LedgerTransport) Send(ctx context.Context, msg models.SignalMessage) error {
	switch msg.Type {
	case models.TypeCallRequest:
		return t.request(ctx, msg.To, models.CallKind(msg.Kind))
	case models.TypeCallAccept:
		id, ok := t.incomingID(msg.To)
		if !ok {
			return ErrNoInvitation
		}
		return t.ledger.Accept(ctx, id)
	case models.TypeCallReject:
		id, ok := t.takeIncoming(msg.To)
		if !ok {
			return ErrNoInvitation
		}
		return ignoreResolved(t.ledger.Reject(ctx, id))
	case models.TypeCallEnd:
		return t.end(ctx, msg)
	case models.TypeSignal:
		return ErrSignalUnsupported
	default:
		return fmt.Errorf("ledger transport cannot send %s", msg.Type)
	}
}

func (t *LedgerTransport) request(ctx context.Context, callee string, kind models.CallKind) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.wg.Add(1)
	t.mu.Unlock()

	id := uuid.NewString()
	// Subscribe first: the callee may answer before Create returns.
	sub, err := t.ledger.SubscribeInvitation(t.ctx, id)
	if err != nil {
		t.wg.Done()
		return err
	}

	_, err = t.ledger.Create(ctx, models.Invitation{
		ID:             id,
		ChatID:         t.opts.ChatID(t.self, callee),
		CallerIdentity: t.self,
		CallerName:     t.opts.CallerName,
		CallerPhoto:    t.opts.CallerPhoto,
		CalleeIdentity: callee,
		CallKind:       kind,
	})
	if err != nil {
		sub.Close()
		t.wg.Done()
		return err
	}

	t.mu.Lock()
	t.outgoing[callee] = id
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer sub.Close()
		for ev := range sub.C {
			if t.onOutgoing(callee, ev) {
				return
			}
		}
	}()
	return nil
}

func (t *LedgerTransport) end(ctx context.Context, msg models.SignalMessage) error {
	t.mu.Lock()
	outID, isOut := t.outgoing[msg.To]
	delete(t.outgoing, msg.To)
	t.mu.Unlock()

	if isOut {
		if msg.Reason == models.ReasonUnanswered {
			return ignoreResolved(t.ledger.Expire(ctx, outID))
		}
		return ignoreResolved(t.ledger.Cancel(ctx, outID))
	}
	if inID, ok := t.takeIncoming(msg.To); ok {
		return ignoreResolved(t.ledger.Reject(ctx, inID))
	}
	// Already accepted: the record cannot change any more, and teardown
	// happens in the media room.
	log.Debug().Str("module", "call").Str("peer", msg.To).Msg("call-end after accept not recorded")
	return nil
}

// onOutgoing translates status changes of our own invitation. It reports
// whether the invitation is finished.
func (t *LedgerTransport) onOutgoing(callee string, ev models.InvitationEvent) bool {
	switch ev.Status {
	case models.StatusAccepted:
		t.deliver(models.SignalMessage{Type: models.TypeCallAccept, From: callee, To: t.self})
	case models.StatusRejected:
		t.deliver(models.SignalMessage{Type: models.TypeCallReject, From: callee, To: t.self})
	case models.StatusExpired:
		t.deliver(models.SignalMessage{Type: models.TypeCallEnd, From: callee, To: t.self, Reason: models.ReasonUnanswered})
	}
	if !ev.Status.Terminal() {
		return false
	}
	t.mu.Lock()
	if t.outgoing[callee] == ev.ID {
		delete(t.outgoing, callee)
	}
	t.mu.Unlock()
	return true
}

func (t *LedgerTransport) onIncoming(ev models.InvitationEvent) {
	if ev.Status == models.StatusCalling && ev.Invitation != nil {
		inv := ev.Invitation
		t.mu.Lock()
		dup := t.seen[inv.ID]
		t.seen[inv.ID] = true
		if !dup {
			t.incoming[inv.CallerIdentity] = inv.ID
		}
		t.mu.Unlock()
		if dup {
			return
		}
		details, _ := json.Marshal(InvitationDetails{
			InvitationID: inv.ID,
			ChatID:       inv.ChatID,
			RoomToken:    inv.RoomToken,
			CallerName:   inv.CallerName,
			CallerPhoto:  inv.CallerPhoto,
		})
		t.deliver(models.SignalMessage{
			Type: models.TypeCallRequest,
			From: inv.CallerIdentity,
			To:   t.self,
			Kind: string(inv.CallKind),
			Data: details,
		})
		return
	}

	if !ev.Status.Terminal() {
		return
	}
	caller, ok := t.callerOf(ev.ID)
	if !ok {
		return
	}
	t.takeIncoming(caller)
	switch ev.Status {
	case models.StatusCancelled:
		t.deliver(models.SignalMessage{Type: models.TypeCallEnd, From: caller, To: t.self})
	case models.StatusExpired:
		t.deliver(models.SignalMessage{Type: models.TypeCallEnd, From: caller, To: t.self, Reason: models.ReasonUnanswered})
	}
}

func (t *LedgerTransport) deliver(msg models.SignalMessage) {
	select {
	case t.inbound <- msg:
	case <-t.ctx.Done():
	}
}

func (t *LedgerTransport) incomingID(caller string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.incoming[caller]
	return id, ok
}

func (t *LedgerTransport) takeIncoming(caller string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.incoming[caller]
	delete(t.incoming, caller)
	return id, ok
}

func (t *LedgerTransport) callerOf(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for caller, invID := range t.incoming {
		if invID == id {
			return caller, true
		}
	}
	return "", false
}

func ignoreResolved(err error) error {
	if errors.Is(err, ledger.ErrAlreadyResolved) {
		return nil
	}
	return err
}

package call

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/call-signaling/internal/ledger"
	"github.com/mossy-p/call-signaling/internal/models"
)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return ledger.New(rdb)
}

func startLedgerPeer(t *testing.T, l *ledger.Ledger, identity string, ring time.Duration) (*Machine, *LedgerTransport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	tr, err := NewLedgerTransport(ctx, l, identity, LedgerOptions{CallerName: identity + " (display)"})
	require.NoError(t, err)

	m := NewMachine(tr, Config{RingTimeout: ring})
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return m, tr
}

func incomingDetails(t *testing.T, ev Event) InvitationDetails {
	t.Helper()
	require.Equal(t, EventIncoming, ev.Type)
	var d InvitationDetails
	require.NoError(t, json.Unmarshal(ev.Details, &d))
	return d
}

func TestLedgerCallAccepted(t *testing.T) {
	l := newLedger(t)
	alice, _ := startLedgerPeer(t, l, "alice", time.Minute)
	bob, _ := startLedgerPeer(t, l, "bob", time.Minute)
	ctx := context.Background()

	require.NoError(t, alice.InitiateCall(ctx, "bob", models.CallVideo))

	ev := nextEvent(t, bob)
	d := incomingDetails(t, ev)
	assert.Equal(t, "alice", ev.Peer)
	assert.Equal(t, models.CallVideo, ev.CallKind)
	assert.Equal(t, DirectChatID("alice", "bob"), d.ChatID)
	assert.Equal(t, "alice (display)", d.CallerName)
	assert.Len(t, d.RoomToken, 8)

	require.NoError(t, bob.AcceptCall(ctx))
	assert.Equal(t, EventConnected, nextEvent(t, bob).Type)

	ev = nextEvent(t, alice)
	assert.Equal(t, EventConnected, ev.Type)
	assert.Equal(t, "bob", ev.Peer)

	inv, err := l.Get(ctx, d.InvitationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, inv.Status)

	assert.ErrorIs(t, alice.SendSignal(ctx, models.SignalOffer, json.RawMessage(`{}`)), ErrSignalUnsupported)
}

func TestLedgerHangUpAfterAcceptIsLocal(t *testing.T) {
	l := newLedger(t)
	alice, _ := startLedgerPeer(t, l, "alice", time.Minute)
	bob, _ := startLedgerPeer(t, l, "bob", time.Minute)
	ctx := context.Background()

	require.NoError(t, alice.InitiateCall(ctx, "bob", models.CallAudio))
	d := incomingDetails(t, nextEvent(t, bob))
	require.NoError(t, bob.AcceptCall(ctx))
	assert.Equal(t, EventConnected, nextEvent(t, bob).Type)
	assert.Equal(t, EventConnected, nextEvent(t, alice).Type)

	require.NoError(t, alice.EndCall(ctx))
	ev := nextEvent(t, alice)
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, OutcomeEnded, ev.Outcome)

	// Nothing reaches bob: the accepted record is final.
	select {
	case ev := <-bob.Events():
		t.Fatalf("unexpected event for callee: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, StateConnected, bob.State())

	inv, err := l.Get(ctx, d.InvitationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, inv.Status)
}

func TestLedgerCallRejected(t *testing.T) {
	l := newLedger(t)
	alice, _ := startLedgerPeer(t, l, "alice", time.Minute)
	bob, _ := startLedgerPeer(t, l, "bob", time.Minute)
	ctx := context.Background()

	require.NoError(t, alice.InitiateCall(ctx, "bob", models.CallAudio))
	d := incomingDetails(t, nextEvent(t, bob))

	require.NoError(t, bob.RejectCall(ctx))
	assert.Equal(t, OutcomeDeclined, nextEvent(t, bob).Outcome)

	ev := nextEvent(t, alice)
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, OutcomeDeclined, ev.Outcome)

	inv, err := l.Get(ctx, d.InvitationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, inv.Status)
}

func TestLedgerCallCancelledByCaller(t *testing.T) {
	l := newLedger(t)
	alice, _ := startLedgerPeer(t, l, "alice", time.Minute)
	bob, _ := startLedgerPeer(t, l, "bob", time.Minute)
	ctx := context.Background()

	require.NoError(t, alice.InitiateCall(ctx, "bob", models.CallAudio))
	d := incomingDetails(t, nextEvent(t, bob))

	require.NoError(t, alice.EndCall(ctx))
	assert.Equal(t, OutcomeCancelled, nextEvent(t, alice).Outcome)

	ev := nextEvent(t, bob)
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, OutcomeCancelled, ev.Outcome)

	inv, err := l.Get(ctx, d.InvitationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, inv.Status)

	// The callee lost the race; accepting now is refused.
	assert.ErrorIs(t, l.Accept(ctx, d.InvitationID), ledger.ErrAlreadyResolved)
}

func TestLedgerUnansweredCallExpires(t *testing.T) {
	l := newLedger(t)
	alice, _ := startLedgerPeer(t, l, "alice", 100*time.Millisecond)
	bob, _ := startLedgerPeer(t, l, "bob", time.Minute)
	ctx := context.Background()

	require.NoError(t, alice.InitiateCall(ctx, "bob", models.CallVideo))
	d := incomingDetails(t, nextEvent(t, bob))

	assert.Equal(t, OutcomeUnanswered, nextEvent(t, alice).Outcome)
	assert.Equal(t, OutcomeMissed, nextEvent(t, bob).Outcome)

	inv, err := l.Get(ctx, d.InvitationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, inv.Status)
}

func TestLedgerReplaysPendingInvitations(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	inv, err := l.Create(ctx, models.Invitation{
		ChatID:         "chat-9",
		CallerIdentity: "carol",
		CalleeIdentity: "bob",
		CallKind:       models.CallAudio,
	})
	require.NoError(t, err)

	bob, _ := startLedgerPeer(t, l, "bob", time.Minute)
	ev := nextEvent(t, bob)
	d := incomingDetails(t, ev)
	assert.Equal(t, "carol", ev.Peer)
	assert.Equal(t, inv.ID, d.InvitationID)
	assert.Equal(t, inv.RoomToken, d.RoomToken)

	require.NoError(t, bob.AcceptCall(ctx))
	got, err := l.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
}

func TestLedgerSecondCallerGetsBusy(t *testing.T) {
	l := newLedger(t)
	alice, _ := startLedgerPeer(t, l, "alice", time.Minute)
	carol, _ := startLedgerPeer(t, l, "carol", time.Minute)
	bob, _ := startLedgerPeer(t, l, "bob", time.Minute)
	ctx := context.Background()

	require.NoError(t, alice.InitiateCall(ctx, "bob", models.CallAudio))
	nextEvent(t, bob)

	require.NoError(t, carol.InitiateCall(ctx, "bob", models.CallAudio))
	ev := nextEvent(t, carol)
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, OutcomeDeclined, ev.Outcome)
	assert.Equal(t, StateIncoming, bob.State())
	assert.Equal(t, "alice", bob.Status().Peer)
}

func TestLedgerTransportClose(t *testing.T) {
	l := newLedger(t)
	tr, err := NewLedgerTransport(context.Background(), l, "bob", LedgerOptions{})
	require.NoError(t, err)

	tr.Close()
	select {
	case _, ok := <-tr.Inbound():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound not closed")
	}
	assert.ErrorIs(t, tr.Send(context.Background(), models.SignalMessage{Type: models.TypeCallRequest, To: "x", Kind: "audio"}), ErrTransportClosed)
}

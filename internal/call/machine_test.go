package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/call-signaling/internal/models"
)

type fakeTransport struct {
	in chan models.SignalMessage

	mu   sync.Mutex
	sent []models.SignalMessage
	err  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan models.SignalMessage, 16)}
}

func (f *fakeTransport) Send(_ context.Context, msg models.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Inbound() <-chan models.SignalMessage { return f.in }

func (f *fakeTransport) failWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTransport) messages() []models.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.SignalMessage(nil), f.sent...)
}

func (f *fakeTransport) last(t *testing.T) models.SignalMessage {
	t.Helper()
	msgs := f.messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func startMachine(t *testing.T, tr *fakeTransport, ring time.Duration) *Machine {
	t.Helper()
	m := NewMachine(tr, Config{RingTimeout: ring})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return m
}

func nextEvent(t *testing.T, m *Machine) Event {
	t.Helper()
	select {
	case ev, ok := <-m.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestOutgoingCallAcceptedThenEnded(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.InitiateCall(ctx, "bob", models.CallVideo))
	assert.Equal(t, Status{State: StateOutgoing, Peer: "bob", CallKind: models.CallVideo}, m.Status())
	assert.Equal(t, models.SignalMessage{Type: models.TypeCallRequest, To: "bob", Kind: "video"}, tr.last(t))

	tr.in <- models.SignalMessage{Type: models.TypeCallAccept, From: "bob"}
	ev := nextEvent(t, m)
	assert.Equal(t, EventConnected, ev.Type)
	assert.Equal(t, "bob", ev.Peer)
	assert.Equal(t, StateConnected, m.State())

	require.NoError(t, m.EndCall(ctx))
	assert.Equal(t, models.SignalMessage{Type: models.TypeCallEnd, To: "bob"}, tr.last(t))
	ev = nextEvent(t, m)
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, OutcomeEnded, ev.Outcome)
	assert.Equal(t, Status{State: StateIdle}, m.Status())
}

func TestOutgoingCallRejected(t *testing.T) {
	tests := []struct {
		name    string
		reason  string
		outcome Outcome
	}{
		{"declined", "", OutcomeDeclined},
		{"busy", models.ReasonBusy, OutcomeBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			m := startMachine(t, tr, time.Minute)
			require.NoError(t, m.InitiateCall(context.Background(), "bob", models.CallAudio))

			tr.in <- models.SignalMessage{Type: models.TypeCallReject, From: "bob", Reason: tt.reason}
			ev := nextEvent(t, m)
			assert.Equal(t, EventTerminated, ev.Type)
			assert.Equal(t, tt.outcome, ev.Outcome)
			assert.Equal(t, "bob", ev.Peer)
			assert.Equal(t, StateIdle, m.State())
		})
	}
}

func TestAcceptFromWrongPeerIsIgnored(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)
	require.NoError(t, m.InitiateCall(context.Background(), "bob", models.CallAudio))

	tr.in <- models.SignalMessage{Type: models.TypeCallAccept, From: "mallory"}
	tr.in <- models.SignalMessage{Type: models.TypeCallReject, From: "bob"}

	ev := nextEvent(t, m)
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, OutcomeDeclined, ev.Outcome)
}

func TestIncomingCallAcceptedThenEndedByPeer(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)

	tr.in <- models.SignalMessage{Type: models.TypeCallRequest, From: "alice", Kind: "audio", Data: json.RawMessage(`{"x":1}`)}
	ev := nextEvent(t, m)
	assert.Equal(t, EventIncoming, ev.Type)
	assert.Equal(t, "alice", ev.Peer)
	assert.Equal(t, models.CallAudio, ev.CallKind)
	assert.JSONEq(t, `{"x":1}`, string(ev.Details))
	assert.Equal(t, StateIncoming, m.State())

	require.NoError(t, m.AcceptCall(context.Background()))
	assert.Equal(t, models.SignalMessage{Type: models.TypeCallAccept, To: "alice"}, tr.last(t))
	ev = nextEvent(t, m)
	assert.Equal(t, EventConnected, ev.Type)

	tr.in <- models.SignalMessage{Type: models.TypeCallEnd, From: "alice"}
	ev = nextEvent(t, m)
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, OutcomeEnded, ev.Outcome)
	assert.Equal(t, StateIdle, m.State())
}

func TestIncomingCallRejected(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)

	tr.in <- models.SignalMessage{Type: models.TypeCallRequest, From: "alice", Kind: "video"}
	nextEvent(t, m)

	require.NoError(t, m.RejectCall(context.Background()))
	assert.Equal(t, models.SignalMessage{Type: models.TypeCallReject, To: "alice"}, tr.last(t))
	ev := nextEvent(t, m)
	assert.Equal(t, OutcomeDeclined, ev.Outcome)
	assert.Equal(t, StateIdle, m.State())
}

func TestIncomingCallCancelledByCaller(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)

	tr.in <- models.SignalMessage{Type: models.TypeCallRequest, From: "alice", Kind: "video"}
	nextEvent(t, m)
	tr.in <- models.SignalMessage{Type: models.TypeCallEnd, From: "alice"}

	ev := nextEvent(t, m)
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, OutcomeCancelled, ev.Outcome)
}

func TestCallerCancelsWhileRinging(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.InitiateCall(ctx, "bob", models.CallVideo))
	require.NoError(t, m.EndCall(ctx))

	assert.Equal(t, models.TypeCallEnd, tr.last(t).Type)
	ev := nextEvent(t, m)
	assert.Equal(t, OutcomeCancelled, ev.Outcome)
	assert.Equal(t, StateIdle, m.State())
}

func TestInboundNoiseWhileIdleIsIgnored(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)

	tr.in <- models.SignalMessage{Type: models.TypeCallEnd, From: "carol"}
	tr.in <- models.SignalMessage{Type: models.TypeSignal, From: "carol", Kind: "offer", Data: json.RawMessage(`{}`)}
	tr.in <- models.SignalMessage{Type: models.TypeCallAccept, From: "carol"}
	tr.in <- models.SignalMessage{Type: models.TypeCallError, Reason: models.ReasonTargetNotRegistered}
	tr.in <- models.SignalMessage{Type: models.TypeCallRequest, From: "dave", Kind: "audio"}

	// The first event is the call-request; nothing before it produced one.
	ev := nextEvent(t, m)
	assert.Equal(t, EventIncoming, ev.Type)
	assert.Equal(t, "dave", ev.Peer)
	assert.Empty(t, tr.messages())
}

func TestSignalsFlowOnlyFromPeer(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.InitiateCall(ctx, "bob", models.CallVideo))
	tr.in <- models.SignalMessage{Type: models.TypeCallAccept, From: "bob"}
	nextEvent(t, m)

	tr.in <- models.SignalMessage{Type: models.TypeSignal, From: "mallory", Kind: "offer", Data: json.RawMessage(`"bad"`)}
	tr.in <- models.SignalMessage{Type: models.TypeSignal, From: "bob", Kind: "answer", Data: json.RawMessage(`"good"`)}

	ev := nextEvent(t, m)
	assert.Equal(t, EventSignal, ev.Type)
	assert.Equal(t, models.SignalAnswer, ev.SignalKind)
	assert.JSONEq(t, `"good"`, string(ev.Data))

	require.NoError(t, m.SendSignal(ctx, models.SignalICECandidate, json.RawMessage(`{"candidate":"c"}`)))
	sent := tr.last(t)
	assert.Equal(t, models.TypeSignal, sent.Type)
	assert.Equal(t, "bob", sent.To)
	assert.Equal(t, "ice-candidate", sent.Kind)
}

func TestOfflineTarget(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)

	require.NoError(t, m.InitiateCall(context.Background(), "zed", models.CallVideo))
	// Routing is asynchronous: the attempt is Outgoing until the relay answers.
	assert.Equal(t, StateOutgoing, m.State())
	tr.in <- models.CallError(models.ReasonTargetNotRegistered, "zed")

	ev := nextEvent(t, m)
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, OutcomeOffline, ev.Outcome)
	assert.Equal(t, "zed", ev.Peer)
	assert.Equal(t, StateIdle, m.State())
}

func TestOfflineTargetReportsOnce(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, 50*time.Millisecond)

	require.NoError(t, m.InitiateCall(context.Background(), "zed", models.CallAudio))
	tr.in <- models.CallError(models.ReasonTargetNotRegistered, "zed")
	assert.Equal(t, OutcomeOffline, nextEvent(t, m).Outcome)

	// The ring timer was stopped with the attempt.
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event after offline: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	require.Len(t, tr.messages(), 1)
	assert.Equal(t, models.TypeCallRequest, tr.messages()[0].Type)
}

func TestRateLimitedRequestFailsTheAttempt(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)

	require.NoError(t, m.InitiateCall(context.Background(), "bob", models.CallVideo))
	tr.in <- models.CallError(models.ReasonRateLimited, "bob")

	ev := nextEvent(t, m)
	assert.Equal(t, OutcomeError, ev.Outcome)
	assert.Equal(t, models.ReasonRateLimited, ev.Reason)
}

func TestRingTimeoutOnCaller(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, 50*time.Millisecond)

	require.NoError(t, m.InitiateCall(context.Background(), "bob", models.CallVideo))

	ev := nextEvent(t, m)
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, OutcomeUnanswered, ev.Outcome)
	assert.Equal(t, models.SignalMessage{Type: models.TypeCallEnd, To: "bob", Reason: models.ReasonUnanswered}, tr.last(t))
	assert.Equal(t, StateIdle, m.State())
}

func TestRingTimeoutOnCallee(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, 50*time.Millisecond)

	tr.in <- models.SignalMessage{Type: models.TypeCallRequest, From: "alice", Kind: "audio"}
	nextEvent(t, m)

	ev := nextEvent(t, m)
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, OutcomeMissed, ev.Outcome)
	assert.Empty(t, tr.messages())
}

func TestCallerUnansweredEndMarksCalleeMissed(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)

	tr.in <- models.SignalMessage{Type: models.TypeCallRequest, From: "alice", Kind: "audio"}
	nextEvent(t, m)
	tr.in <- models.SignalMessage{Type: models.TypeCallEnd, From: "alice", Reason: models.ReasonUnanswered}

	ev := nextEvent(t, m)
	assert.Equal(t, OutcomeMissed, ev.Outcome)
}

func TestConnectedCallHasNoRingTimeout(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, 50*time.Millisecond)

	require.NoError(t, m.InitiateCall(context.Background(), "bob", models.CallVideo))
	tr.in <- models.SignalMessage{Type: models.TypeCallAccept, From: "bob"}
	nextEvent(t, m)

	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, StateConnected, m.State())
}

func TestBusyAutoReject(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)

	tr.in <- models.SignalMessage{Type: models.TypeCallRequest, From: "alice", Kind: "audio"}
	nextEvent(t, m)
	tr.in <- models.SignalMessage{Type: models.TypeCallRequest, From: "carol", Kind: "video"}

	require.Eventually(t, func() bool { return len(tr.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.SignalMessage{Type: models.TypeCallReject, To: "carol", Reason: models.ReasonBusy}, tr.last(t))
	assert.Equal(t, Status{State: StateIncoming, Peer: "alice", CallKind: models.CallAudio}, m.Status())
}

func TestCrossedCallRequestsEndBusyOnBothSides(t *testing.T) {
	aliceTr, bobTr := newFakeTransport(), newFakeTransport()
	alice := startMachine(t, aliceTr, time.Minute)
	bob := startMachine(t, bobTr, time.Minute)
	ctx := context.Background()

	require.NoError(t, alice.InitiateCall(ctx, "bob", models.CallVideo))
	require.NoError(t, bob.InitiateCall(ctx, "alice", models.CallVideo))

	// Each request reaches the other side while it is still dialling.
	aliceTr.in <- models.SignalMessage{Type: models.TypeCallRequest, From: "bob", Kind: "video"}
	bobTr.in <- models.SignalMessage{Type: models.TypeCallRequest, From: "alice", Kind: "video"}

	require.Eventually(t, func() bool {
		return len(aliceTr.messages()) == 2 && len(bobTr.messages()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.SignalMessage{Type: models.TypeCallReject, To: "bob", Reason: models.ReasonBusy}, aliceTr.last(t))
	assert.Equal(t, models.SignalMessage{Type: models.TypeCallReject, To: "alice", Reason: models.ReasonBusy}, bobTr.last(t))

	aliceTr.in <- models.SignalMessage{Type: models.TypeCallReject, From: "bob", Reason: models.ReasonBusy}
	bobTr.in <- models.SignalMessage{Type: models.TypeCallReject, From: "alice", Reason: models.ReasonBusy}

	for _, m := range []*Machine{alice, bob} {
		ev := nextEvent(t, m)
		assert.Equal(t, EventTerminated, ev.Type)
		assert.Equal(t, OutcomeBusy, ev.Outcome)
		assert.Equal(t, StateIdle, m.State())
	}
}

func TestRepeatedRequestFromCallerIsIgnored(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)

	req := models.SignalMessage{Type: models.TypeCallRequest, From: "alice", Kind: "audio"}
	tr.in <- req
	assert.Equal(t, EventIncoming, nextEvent(t, m).Type)
	tr.in <- req

	require.NoError(t, m.AcceptCall(context.Background()))
	assert.Equal(t, EventConnected, nextEvent(t, m).Type)
	tr.in <- req

	// Only the accept went out; neither duplicate drew a busy reject.
	assert.Never(t, func() bool { return len(tr.messages()) > 1 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, models.TypeCallAccept, tr.last(t).Type)
	assert.Equal(t, StateConnected, m.State())
}

func TestPreconditions(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)
	ctx := context.Background()

	assert.ErrorIs(t, m.AcceptCall(ctx), ErrInvalidState)
	assert.ErrorIs(t, m.RejectCall(ctx), ErrInvalidState)
	assert.ErrorIs(t, m.EndCall(ctx), ErrInvalidState)
	assert.ErrorIs(t, m.SendSignal(ctx, models.SignalOffer, nil), ErrInvalidState)
	assert.ErrorIs(t, m.InitiateCall(ctx, "bob", "hologram"), ErrInvalidCallKind)
	assert.ErrorIs(t, m.SendSignal(ctx, "smoke", nil), ErrInvalidSignalKind)

	require.NoError(t, m.InitiateCall(ctx, "bob", models.CallVideo))
	assert.ErrorIs(t, m.InitiateCall(ctx, "carol", models.CallVideo), ErrNotIdle)
	assert.ErrorIs(t, m.AcceptCall(ctx), ErrInvalidState)
	assert.Equal(t, "bob", m.Status().Peer)
	assert.Len(t, tr.messages(), 1)
}

func TestSendFailures(t *testing.T) {
	boom := errors.New("boom")

	t.Run("initiate stays idle", func(t *testing.T) {
		tr := newFakeTransport()
		tr.failWith(boom)
		m := startMachine(t, tr, time.Minute)

		assert.ErrorIs(t, m.InitiateCall(context.Background(), "bob", models.CallVideo), boom)
		assert.Equal(t, StateIdle, m.State())
	})

	t.Run("accept terminates with error", func(t *testing.T) {
		tr := newFakeTransport()
		m := startMachine(t, tr, time.Minute)
		tr.in <- models.SignalMessage{Type: models.TypeCallRequest, From: "alice", Kind: "audio"}
		nextEvent(t, m)

		tr.failWith(boom)
		assert.ErrorIs(t, m.AcceptCall(context.Background()), boom)
		ev := nextEvent(t, m)
		assert.Equal(t, OutcomeError, ev.Outcome)
		assert.Equal(t, StateIdle, m.State())
	})
}

func TestTransportClosedEndsRun(t *testing.T) {
	tr := newFakeTransport()
	m := NewMachine(tr, Config{RingTimeout: time.Minute})
	errc := make(chan error, 1)
	go func() { errc <- m.Run(context.Background()) }()

	require.NoError(t, m.InitiateCall(context.Background(), "bob", models.CallVideo))
	close(tr.in)

	ev := nextEvent(t, m)
	assert.Equal(t, EventTerminated, ev.Type)
	assert.Equal(t, OutcomeError, ev.Outcome)
	assert.ErrorIs(t, <-errc, ErrTransportClosed)

	_, ok := <-m.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, m.EndCall(context.Background()), ErrStopped)
}

func TestWebRTCHelpers(t *testing.T) {
	tr := newFakeTransport()
	m := startMachine(t, tr, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.InitiateCall(ctx, "bob", models.CallVideo))
	tr.in <- models.SignalMessage{Type: models.TypeCallAccept, From: "bob"}
	nextEvent(t, m)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	assert.ErrorIs(t, m.SendAnswer(ctx, offer), ErrInvalidSignalKind)
	require.NoError(t, m.SendOffer(ctx, offer))
	sent := tr.last(t)
	assert.Equal(t, "offer", sent.Kind)

	// Echo the frame back as if the peer had sent it.
	sent.From, sent.To = "bob", ""
	tr.in <- sent
	ev := nextEvent(t, m)
	sd, err := ev.SessionDescription()
	require.NoError(t, err)
	assert.Equal(t, offer, sd)
	_, err = ev.ICECandidate()
	assert.ErrorIs(t, err, ErrInvalidSignalKind)

	mid := "0"
	require.NoError(t, m.SendICECandidate(ctx, webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid}))
	sent = tr.last(t)
	sent.From, sent.To = "bob", ""
	tr.in <- sent
	c, err := nextEvent(t, m).ICECandidate()
	require.NoError(t, err)
	assert.Equal(t, "candidate:1", c.Candidate)
	require.NotNil(t, c.SDPMid)
	assert.Equal(t, "0", *c.SDPMid)
}

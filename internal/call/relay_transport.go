package call

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/models"
)

const relayWriteWait = 10 * time.Second

// ErrRegistrationRefused indicates the server answered register with a
// call-error instead of an acknowledgement.
var ErrRegistrationRefused = errors.New("registration refused")

// RelayTransport is the direct path: a websocket to the signaling server,
// registered under one identity.
type RelayTransport struct {
	conn     *websocket.Conn
	identity string

	writeMu sync.Mutex

	inbound chan models.SignalMessage
	online  chan []string
	ready   chan error
	done    chan struct{}

	closeOnce sync.Once
}

// DialRelay connects to the signaling websocket at url, registers identity
// and waits for the server's acknowledgement.
func DialRelay(ctx context.Context, url, identity string, header http.Header) (*RelayTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	t := &RelayTransport{
		conn:     conn,
		identity: identity,
		inbound:  make(chan models.SignalMessage, 64),
		online:   make(chan []string, 1),
		ready:    make(chan error, 1),
		done:     make(chan struct{}),
	}
	go t.readLoop()

	if err := t.write(models.SignalMessage{Type: models.TypeRegister, UserID: identity}); err != nil {
		t.Close()
		return nil, fmt.Errorf("register: %w", err)
	}

	select {
	case err := <-t.ready:
		if err != nil {
			t.Close()
			return nil, err
		}
	case <-t.done:
		return nil, fmt.Errorf("register: %w", ErrTransportClosed)
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	}

	log.Info().Str("module", "call").Str("identity", identity).Str("url", url).Msg("relay transport registered")
	return t, nil
}

func (t *RelayTransport) Identity() string { return t.identity }

func (t *RelayTransport) Inbound() <-chan models.SignalMessage { return t.inbound }

// OnlineUsers yields the most recent presence snapshot; older undelivered
// snapshots are replaced.
func (t *RelayTransport) OnlineUsers() <-chan []string { return t.online }

func (t *RelayTransport) RequestOnlineUsers(ctx context.Context) error {
	return t.Send(ctx, models.SignalMessage{Type: models.TypeGetOnlineUsers})
}

func (t *RelayTransport) Send(ctx context.Context, msg models.SignalMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	return t.write(msg)
}

func (t *RelayTransport) write(msg models.SignalMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(relayWriteWait)); err != nil {
		return err
	}
	return t.conn.WriteJSON(msg)
}

// Done is closed once the connection is gone.
func (t *RelayTransport) Done() <-chan struct{} { return t.done }

func (t *RelayTransport) Close() {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
}

func (t *RelayTransport) readLoop() {
	defer func() {
		close(t.inbound)
		close(t.done)
		_ = t.conn.Close()
	}()

	registered := false
	for {
		var msg models.SignalMessage
		if err := t.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "call").Str("identity", t.identity).Msg("relay read error")
			}
			if !registered {
				t.ready <- fmt.Errorf("register: %w", err)
			}
			return
		}

		switch msg.Type {
		case models.TypeRegistered:
			if !registered {
				registered = true
				t.ready <- nil
			}
		case models.TypeOnlineUsers:
			t.publishOnline(msg.Users)
		case models.TypeCallError:
			if !registered && msg.Reason != models.ReasonTargetNotRegistered {
				registered = true // no further ready signal
				t.ready <- fmt.Errorf("%w: %s", ErrRegistrationRefused, msg.Reason)
				continue
			}
			if msg.Reason == models.ReasonReplaced {
				log.Warn().Str("module", "call").Str("identity", t.identity).Msg("connection replaced by a newer registration")
				continue
			}
			t.inbound <- msg
		default:
			t.inbound <- msg
		}
	}
}

func (t *RelayTransport) publishOnline(users []string) {
	if users == nil {
		users = []string{}
	}
	select {
	case <-t.online:
	default:
	}
	t.online <- users
}

// Command callctl is a headless call peer. It registers an identity, prints
// presence and call events, and can place or answer calls over either the
// signaling websocket or the invitation ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/ledger"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/redis"
)

type options struct {
	url         string
	user        string
	name        string
	token       string
	target      string
	kind        string
	autoAccept  bool
	hangupAfter time.Duration
	ringTimeout time.Duration
	useLedger   bool
	redis       config.RedisConfig
	verbose     bool
}

func main() {
	var o options
	pflag.StringVar(&o.url, "url", "ws://localhost:8080/ws/signal", "signaling websocket URL")
	pflag.StringVarP(&o.user, "user", "u", "", "identity to register as (required)")
	pflag.StringVar(&o.name, "name", "", "display name shown on ledger invitations")
	pflag.StringVar(&o.token, "token", "", "JWT from /api/auth/login, when the server requires auth")
	pflag.StringVarP(&o.target, "call", "c", "", "identity to call once registered")
	pflag.StringVarP(&o.kind, "kind", "k", "audio", "call kind: audio or video")
	pflag.BoolVarP(&o.autoAccept, "auto-accept", "a", false, "accept incoming calls automatically")
	pflag.DurationVar(&o.hangupAfter, "hangup-after", 0, "end a connected call after this long (0 keeps it up)")
	pflag.DurationVar(&o.ringTimeout, "ring-timeout", call.DefaultRingTimeout, "how long a call may ring")
	pflag.BoolVar(&o.useLedger, "ledger", false, "negotiate through the Redis invitation ledger instead of the websocket")
	pflag.StringVar(&o.redis.Host, "redis-host", "localhost", "Redis host for --ledger")
	pflag.StringVar(&o.redis.Port, "redis-port", "6379", "Redis port for --ledger")
	pflag.StringVar(&o.redis.Password, "redis-password", "", "Redis password for --ledger")
	pflag.IntVar(&o.redis.DB, "redis-db", 0, "Redis database for --ledger")
	pflag.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	pflag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if o.verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if o.user == "" {
		fmt.Fprintln(os.Stderr, "callctl: --user is required")
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("callctl failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	transport, closeTransport, err := dial(ctx, o)
	if err != nil {
		return err
	}
	defer closeTransport()

	m := call.NewMachine(transport, call.Config{RingTimeout: o.ringTimeout})
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	fmt.Printf("registered as %s\n", o.user)
	if o.target != "" {
		if err := m.InitiateCall(ctx, o.target, models.CallKind(o.kind)); err != nil {
			return fmt.Errorf("call %s: %w", o.target, err)
		}
		fmt.Printf("calling %s (%s)...\n", o.target, o.kind)
	}

	for ev := range m.Events() {
		printEvent(ev)
		switch ev.Type {
		case call.EventIncoming:
			if o.autoAccept {
				go func() {
					if err := m.AcceptCall(ctx); err != nil {
						log.Warn().Err(err).Msg("accept failed")
					}
				}()
			}
		case call.EventConnected:
			if o.hangupAfter > 0 {
				time.AfterFunc(o.hangupAfter, func() {
					if err := m.EndCall(ctx); err != nil {
						log.Warn().Err(err).Msg("hang up failed")
					}
				})
			}
		case call.EventTerminated:
			// A one-shot caller is done once its call is over.
			if o.target != "" {
				cancel()
			}
		}
	}
	return <-runErr
}

func dial(ctx context.Context, o options) (call.Transport, func(), error) {
	if o.useLedger {
		rdb, err := redis.Connect(ctx, o.redis)
		if err != nil {
			return nil, nil, err
		}
		t, err := call.NewLedgerTransport(ctx, ledger.New(rdb), o.user, call.LedgerOptions{CallerName: o.name})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return t, func() {
			t.Close()
			_ = rdb.Close()
		}, nil
	}

	header := http.Header{}
	if o.token != "" {
		header.Set("Authorization", "Bearer "+o.token)
	}
	t, err := call.DialRelay(ctx, o.url, o.user, header)
	if err != nil {
		return nil, nil, err
	}
	go func() {
		for {
			select {
			case users := <-t.OnlineUsers():
				fmt.Printf("online: %s\n", strings.Join(users, ", "))
			case <-t.Done():
				return
			}
		}
	}()
	return t, t.Close, nil
}

func printEvent(ev call.Event) {
	switch ev.Type {
	case call.EventIncoming:
		fmt.Printf("incoming %s call from %s\n", ev.CallKind, ev.Peer)
		if len(ev.Details) > 0 {
			fmt.Printf("  details: %s\n", ev.Details)
		}
	case call.EventConnected:
		fmt.Printf("connected with %s\n", ev.Peer)
	case call.EventSignal:
		fmt.Printf("signal %s from %s (%d bytes)\n", ev.SignalKind, ev.Peer, len(ev.Data))
	case call.EventTerminated:
		if ev.Reason != "" {
			fmt.Printf("call with %s ended: %s (%s)\n", ev.Peer, ev.Outcome, ev.Reason)
		} else {
			fmt.Printf("call with %s ended: %s\n", ev.Peer, ev.Outcome)
		}
	}
}

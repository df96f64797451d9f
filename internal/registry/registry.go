// Package registry maps user identities to their single live signaling
// connection.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/internal/models"
)

var ErrStopped = errors.New("registry is not running")

// Conn is a live transport connection. Send must not block; a slow peer is
// the transport's problem, not the registry's.
type Conn interface {
	ID() string
	Send(msg models.SignalMessage) error
	Close()
}

// Snapshot is a consistent view of the registry taken under its lock.
type Snapshot struct {
	Identities []string
	Conns      []Conn
}

// ChangeFunc observes every registry mutation. It runs while the registry
// lock is held, so it must not block and must not call back into the registry.
type ChangeFunc func(Snapshot)

type Registry struct {
	mu       sync.RWMutex
	running  bool
	byUser   map[string]Conn
	byConn   map[string]string
	onChange ChangeFunc
}

func New() *Registry {
	return &Registry{
		byUser: make(map[string]Conn),
		byConn: make(map[string]string),
	}
}

// OnChange installs the mutation observer. Only one observer is kept.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
	log.Info().Str("module", "registry").Msg("started")
}

// Stop refuses further registrations, closes every registered connection and
// empties both maps.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	conns := make([]Conn, 0, len(r.byUser))
	for _, c := range r.byUser {
		conns = append(conns, c)
	}
	r.byUser = make(map[string]Conn)
	r.byConn = make(map[string]string)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	log.Info().Str("module", "registry").Int("closed", len(conns)).Msg("stopped")
}

// Register binds identity to conn. A different connection already bound to
// identity is evicted and returned so the caller can close it. Registering
// the same pair again is a no-op.
func (r *Registry) Register(identity string, conn Conn) (evicted Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil, ErrStopped
	}

	if cur, ok := r.byUser[identity]; ok {
		if cur.ID() == conn.ID() {
			return nil, nil
		}
		delete(r.byConn, cur.ID())
		evicted = cur
	}

	// The connection may be switching identities.
	if prev, ok := r.byConn[conn.ID()]; ok && prev != identity {
		delete(r.byUser, prev)
	}

	r.byUser[identity] = conn
	r.byConn[conn.ID()] = identity

	l := log.Info().Str("module", "registry").Str("user", identity).Str("conn", conn.ID())
	if evicted != nil {
		l = l.Str("evicted", evicted.ID())
	}
	l.Int("online", len(r.byUser)).Msg("registered")

	r.notifyLocked()
	return evicted, nil
}

// Unregister removes whatever identity conn is bound to. Unknown connections
// are ignored.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byConn[conn.ID()]
	if !ok {
		return
	}
	delete(r.byConn, conn.ID())
	if cur, ok := r.byUser[identity]; ok && cur.ID() == conn.ID() {
		delete(r.byUser, identity)
	}

	log.Info().Str("module", "registry").Str("user", identity).Str("conn", conn.ID()).
		Int("online", len(r.byUser)).Msg("unregistered")

	r.notifyLocked()
}

func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[identity]
	return c, ok
}

// IdentityOf returns the identity a connection is registered under.
func (r *Registry) IdentityOf(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[conn.ID()]
	return id, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() Snapshot {
	snap := Snapshot{
		Identities: make([]string, 0, len(r.byUser)),
		Conns:      make([]Conn, 0, len(r.byUser)),
	}
	for id := range r.byUser {
		snap.Identities = append(snap.Identities, id)
	}
	sort.Strings(snap.Identities)
	for _, id := range snap.Identities {
		snap.Conns = append(snap.Conns, r.byUser[id])
	}
	return snap
}

func (r *Registry) notifyLocked() {
	if r.onChange != nil {
		r.onChange(r.snapshotLocked())
	}
}

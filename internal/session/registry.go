package session

import (
	"errors"
	"sync"
	"time"

	"github.com/SharathcAcharya/FileShare/internal/clock"
)

// maxMembers is the hard pairing cap. Signaling brokers exactly two
// peers; a third join is always refused.
const maxMembers = 2

// Registry failure modes. The signaling layer maps these onto wire
// error codes.
var (
	ErrRegistryFull     = errors.New("session registry is full")
	ErrAlreadyInSession = errors.New("connection already belongs to a session")
	ErrSessionNotFound  = errors.New("session not found or expired")
	ErrInvalidToken     = errors.New("token mismatch")
	ErrSessionFull      = errors.New("session already has two members")
	ErrDuplicateClient  = errors.New("clientId already in use in this session")
	ErrNotInSession     = errors.New("connection is not in a session")
	ErrWrongSession     = errors.New("sessionId does not match the bound session")
	ErrForgedFrom       = errors.New("from does not match the bound clientId")
	ErrPeerNotFound     = errors.New("peer not found in session")
)

// Registry holds every live session and the reverse index from
// connection handles to memberships. H is the signaling layer's
// connection type; the registry only stores and returns handles, it
// never touches them, so no I/O ever happens under its lock.
type Registry[H comparable] struct {
	clk         clock.Clock
	ttl         time.Duration
	maxSessions int

	mu       sync.Mutex
	sessions map[string]*record[H]
	conns    map[H]membership

	createdTotal uint64
	expiredTotal uint64
}

type record[H comparable] struct {
	id        string
	token     string
	createdAt time.Time
	expiresAt time.Time
	members   map[string]*member[H]
}

type member[H comparable] struct {
	clientID    string
	displayName string
	conn        H
	joinedAt    time.Time
}

// membership is the reverse-index value: which session and which
// member identity a connection is bound to.
type membership struct {
	sessionID string
	clientID  string
}

// NewRegistry returns an empty registry. Sessions live for ttl from
// creation regardless of activity; maxSessions caps live sessions,
// with zero meaning unlimited.
func NewRegistry[H comparable](clk clock.Clock, ttl time.Duration, maxSessions int) *Registry[H] {
	return &Registry[H]{
		clk:         clk,
		ttl:         ttl,
		maxSessions: maxSessions,
		sessions:    make(map[string]*record[H]),
		conns:       make(map[H]membership),
	}
}

// Created reports a minted session back to the creator. Token is
// emitted here once and never leaves the registry again.
type Created struct {
	SessionID string
	Token     string
	ExpiresAt time.Time
}

// Create mints a session with conn's owner as creator and sole member.
func (r *Registry[H]) Create(conn H, clientID, displayName string) (Created, error) {
	token, err := NewToken()
	if err != nil {
		return Created{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bound := r.conns[conn]; bound {
		return Created{}, ErrAlreadyInSession
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return Created{}, ErrRegistryFull
	}

	id := NewSessionID()
	for r.sessions[id] != nil {
		id = NewSessionID()
	}

	now := r.clk.Now()
	rec := &record[H]{
		id:        id,
		token:     token,
		createdAt: now,
		expiresAt: now.Add(r.ttl),
		members:   make(map[string]*member[H], maxMembers),
	}
	rec.members[clientID] = &member[H]{
		clientID:    clientID,
		displayName: displayName,
		conn:        conn,
		joinedAt:    now,
	}
	r.sessions[id] = rec
	r.conns[conn] = membership{sessionID: id, clientID: clientID}
	r.createdTotal++

	return Created{SessionID: id, Token: token, ExpiresAt: rec.expiresAt}, nil
}

// Joined reports a successful join: the member already present, whose
// handle the caller notifies with peer_joined.
type Joined[H comparable] struct {
	PeerClientID    string
	PeerDisplayName string
	Peer            H
}

// Join adds conn's owner to the session after checking the token in
// constant time. Unknown and expired sessions are indistinguishable
// from the caller's side; both report ErrSessionNotFound.
func (r *Registry[H]) Join(conn H, sessionID, token, clientID, displayName string) (Joined[H], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bound := r.conns[conn]; bound {
		return Joined[H]{}, ErrAlreadyInSession
	}

	rec, ok := r.sessions[sessionID]
	if !ok || rec.expired(r.clk.Now()) {
		return Joined[H]{}, ErrSessionNotFound
	}
	if !TokenEqual(rec.token, token) {
		return Joined[H]{}, ErrInvalidToken
	}
	if len(rec.members) >= maxMembers {
		return Joined[H]{}, ErrSessionFull
	}
	if _, taken := rec.members[clientID]; taken {
		return Joined[H]{}, ErrDuplicateClient
	}

	var peer *member[H]
	for _, m := range rec.members {
		peer = m
	}

	rec.members[clientID] = &member[H]{
		clientID:    clientID,
		displayName: displayName,
		conn:        conn,
		joinedAt:    r.clk.Now(),
	}
	r.conns[conn] = membership{sessionID: sessionID, clientID: clientID}

	return Joined[H]{
		PeerClientID:    peer.clientID,
		PeerDisplayName: peer.displayName,
		Peer:            peer.conn,
	}, nil
}

// Departure reports a member removal. When PeerPresent is true the
// session survives with Peer as its only member; otherwise the session
// record is gone and its token is dead.
type Departure[H comparable] struct {
	SessionID    string
	ClientID     string
	Peer         H
	PeerClientID string
	PeerPresent  bool
}

// Leave removes conn's membership, deleting the session if it was the
// last member. When a peer remains, onPeer (if non-nil) runs with its
// handle inside the critical section, before any new join can pair
// with the survivor; it must not call back into the registry. Safe to
// call for unbound connections; the second of two racing removals
// reports ok false and nothing else happens.
func (r *Registry[H]) Leave(conn H, onPeer func(H)) (Departure[H], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mb, bound := r.conns[conn]
	if !bound {
		return Departure[H]{}, false
	}

	dep := Departure[H]{SessionID: mb.sessionID, ClientID: mb.clientID}
	delete(r.conns, conn)

	rec := r.sessions[mb.sessionID]
	if rec == nil {
		return dep, true
	}
	delete(rec.members, mb.clientID)

	if len(rec.members) == 0 {
		delete(r.sessions, mb.sessionID)
		return dep, true
	}
	for _, m := range rec.members {
		dep.Peer = m.conn
		dep.PeerClientID = m.clientID
		dep.PeerPresent = true
	}
	if onPeer != nil {
		onPeer(dep.Peer)
	}
	return dep, true
}

// Closure reports an explicit session teardown.
type Closure[H comparable] struct {
	SessionID    string
	ClientID     string
	Peer         H
	PeerClientID string
	PeerPresent  bool
}

// Close tears down conn's session entirely, unbinding both members.
// sessionID must name the session conn is actually bound to.
func (r *Registry[H]) Close(conn H, sessionID string) (Closure[H], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mb, bound := r.conns[conn]
	if !bound {
		return Closure[H]{}, ErrNotInSession
	}
	if mb.sessionID != sessionID {
		return Closure[H]{}, ErrWrongSession
	}

	cl := Closure[H]{SessionID: mb.sessionID, ClientID: mb.clientID}
	rec := r.sessions[mb.sessionID]
	if rec != nil {
		for id, m := range rec.members {
			delete(r.conns, m.conn)
			if id != mb.clientID {
				cl.Peer = m.conn
				cl.PeerClientID = m.clientID
				cl.PeerPresent = true
			}
		}
		delete(r.sessions, mb.sessionID)
	} else {
		delete(r.conns, conn)
	}
	return cl, nil
}

// RelayTarget authorizes one relay frame and resolves its destination
// handle. Every check runs under the registry lock so a peer departing
// mid-relay cannot produce a stale handle.
func (r *Registry[H]) RelayTarget(conn H, sessionID, from, to string) (H, error) {
	var zero H

	r.mu.Lock()
	defer r.mu.Unlock()

	mb, bound := r.conns[conn]
	if !bound {
		return zero, ErrNotInSession
	}
	if mb.sessionID != sessionID {
		return zero, ErrWrongSession
	}
	if mb.clientID != from {
		return zero, ErrForgedFrom
	}

	rec := r.sessions[sessionID]
	if rec == nil || rec.expired(r.clk.Now()) {
		return zero, ErrSessionNotFound
	}
	peer, ok := rec.members[to]
	if !ok || peer.clientID == mb.clientID {
		return zero, ErrPeerNotFound
	}
	return peer.conn, nil
}

// Sweep removes every expired session and returns the member handles
// that were bound to them. The caller closes those transports outside
// the lock.
func (r *Registry[H]) Sweep() (closed []H, removed int) {
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, rec := range r.sessions {
		if !rec.expired(now) {
			continue
		}
		for _, m := range rec.members {
			delete(r.conns, m.conn)
			closed = append(closed, m.conn)
		}
		delete(r.sessions, id)
		removed++
	}
	r.expiredTotal += uint64(removed)
	return closed, removed
}

// Counts returns the live session and bound connection counts.
func (r *Registry[H]) Counts() (sessions, bound int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.conns)
}

// Totals returns cumulative created and expired session counts.
func (r *Registry[H]) Totals() (created, expired uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createdTotal, r.expiredTotal
}

func (rec *record[H]) expired(now time.Time) bool {
	return !now.Before(rec.expiresAt)
}

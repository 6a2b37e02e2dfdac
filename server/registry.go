package main

import (
	"sort"
	"sync"
)

// Registry owns every live session and the connection-to-room index. A single
// instance is created in main and shared by all connection handlers; sessions
// guard their own state, so the registry lock only covers the tables here.
type Registry struct {
	mu       sync.Mutex
	rooms    []*Session // creation order
	byID     map[int]*Session
	byConn   map[string]*Session
	nextID   int
	recycled []int // freed ids, sorted ascending
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[int]*Session),
		byConn: make(map[string]*Session),
	}
}

// CreateSession opens a new room unless the most recently created room is
// still empty, which keeps idle rooms from piling up. Freed ids are reused
// lowest-first; fresh ids mint only when none are free.
func (r *Registry) CreateSession() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.rooms); n > 0 && r.rooms[n-1].IsEmpty() {
		return -1, false
	}

	var id int
	if len(r.recycled) > 0 {
		id = r.recycled[0]
		r.recycled = r.recycled[1:]
	} else {
		id = r.nextID
		r.nextID++
	}

	s := newSession(id)
	r.rooms = append(r.rooms, s)
	r.byID[id] = s
	return id, true
}

func (r *Registry) ByID(id int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// ByConn returns the session the connection currently occupies.
func (r *Registry) ByConn(conn string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[conn]
	return s, ok
}

// Bind records conn as an occupant of s.
func (r *Registry) Bind(conn string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[conn] = s
}

// Unbind drops the conn's room mapping, if any.
func (r *Registry) Unbind(conn string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConn, conn)
}

// Summaries lists every live room in creation order.
func (r *Registry) Summaries() []Summary {
	r.mu.Lock()
	rooms := make([]*Session, len(r.rooms))
	copy(rooms, r.rooms)
	r.mu.Unlock()

	out := make([]Summary, 0, len(rooms))
	for _, s := range rooms {
		out = append(out, s.Summary())
	}
	return out
}

// Terminate removes the session, recycles its id, and unbinds every occupant.
// Calling it again for an already-removed session is a no-op; the identity
// check also keeps a stale caller from tearing down a room that reuses the id.
func (r *Registry) Terminate(s *Session) {
	conns := s.Conns()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byID[s.ID()]; !ok || cur != s {
		return
	}
	delete(r.byID, s.ID())
	for i, room := range r.rooms {
		if room == s {
			r.rooms = append(r.rooms[:i], r.rooms[i+1:]...)
			break
		}
	}
	r.recycled = append(r.recycled, s.ID())
	sort.Ints(r.recycled)

	for _, c := range conns {
		if r.byConn[c] == s {
			delete(r.byConn, c)
		}
	}
}

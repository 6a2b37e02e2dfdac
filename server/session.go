package main

import (
	"encoding/json"
	"sync"
)

// TurnState is the session-wide phase of the current turn.
type TurnState int

const (
	ReadyToDiscard TurnState = iota // turn holder must discard
	ClaimWindow                     // any seat may claim the discard
	MeldRevealed                    // a claimed meld is on the table
	AwaitingDraw                    // turn holder must draw
	Finished                        // round over, terminal until restart
)

// Reason is the single declared intent accompanying a state-mutating call.
type Reason int

const (
	reasonNone Reason = iota
	reasonConcealedKong
	reasonWin
	reasonChi
	reasonKong
)

// transitions maps (state, reason) to the next state. Cells absent from the
// table are illegal and leave the session untouched.
var transitions = map[TurnState]map[Reason]TurnState{
	ReadyToDiscard: {
		reasonNone:          ClaimWindow,
		reasonConcealedKong: MeldRevealed,
		reasonWin:           Finished,
	},
	ClaimWindow: {
		reasonNone: ReadyToDiscard,
		reasonWin:  Finished,
		reasonChi:  MeldRevealed,
		reasonKong: AwaitingDraw,
	},
	MeldRevealed: {
		reasonNone: ReadyToDiscard,
		reasonKong: AwaitingDraw,
	},
	AwaitingDraw: {
		reasonNone: ReadyToDiscard,
	},
	Finished: {
		reasonNone:          Finished,
		reasonConcealedKong: Finished,
		reasonWin:           Finished,
		reasonChi:           Finished,
		reasonKong:          Finished,
	},
}

// HandSubmission is the opaque per-seat payload collected at round end. The
// server stores it without judging meld legality or scoring.
type HandSubmission struct {
	Tiles  []int           `json:"tiles"`
	Combos json.RawMessage `json:"combos"`
}

// Summary is the lobby wire shape for one room.
type Summary struct {
	ID        int `json:"id"`
	Occupancy int `json:"occupancy"`
}

// Session is one game room: seat table, deck, turn pointer and turn state.
// Turn operations take the guard with TryLock and fail fast when it is held,
// so exactly one of several simultaneous claims wins. Seat management, the
// deal and hand submission block instead.
type Session struct {
	mu sync.Mutex

	id      int
	free    [4]bool        // free[i] is true while seat i is unoccupied
	conns   map[string]int // connection id -> seat
	players int
	started bool

	deck  []int
	turn  int
	state TurnState
	hands [4]*HandSubmission
}

func newSession(id int) *Session {
	s := &Session{
		id:    id,
		conns: make(map[string]int, 4),
		state: ReadyToDiscard,
	}
	for i := range s.free {
		s.free[i] = true
	}
	return s
}

func (s *Session) ID() int { return s.id }

// Join binds conn to the lowest free seat. Returns -1 when the room is full
// or the game has already started.
func (s *Session) Join(conn string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.players >= 4 || s.started {
		return -1
	}
	for seat, f := range s.free {
		if f {
			s.free[seat] = false
			s.conns[conn] = seat
			s.players++
			return seat
		}
	}
	return -1
}

// Leave frees the seat bound to conn; no-op for connections not seated here.
func (s *Session) Leave(conn string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seat, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		s.free[seat] = true
		s.players--
	}
}

// CanStart reports whether the room is full and not yet started. The first
// caller to observe true also flips the started flag, so exactly one of
// several racing callers may begin dealing.
func (s *Session) CanStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := s.players == 4 && !s.started
	if ok {
		s.started = true
	}
	return ok
}

// Start deals a fresh round: a new permutation of the wall, 13 tiles per seat
// in seat order, and one extra tile to a random starting seat, which also
// takes the first turn. Hand submissions are cleared.
func (s *Session) Start() (hands [4][]int, starting int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deck = newDeck()
	for seat := 0; seat < 4; seat++ {
		hands[seat] = append([]int(nil), s.deck[:handSize]...)
		s.deck = s.deck[handSize:]
	}
	starting = randSeat(4)
	hands[starting] = append(hands[starting], s.deck[0])
	s.deck = s.deck[1:]

	s.turn = starting
	s.state = ReadyToDiscard
	s.hands = [4]*HandSubmission{}
	return hands, starting
}

// Restart begins a fresh round in an already-started room.
func (s *Session) Restart() ([4][]int, int) {
	return s.Start()
}

// advanceLocked applies the transition table when the current state is one of
// allowed. Reports whether the transition happened. Caller holds the guard.
func (s *Session) advanceLocked(allowed []TurnState, reason Reason) bool {
	legal := false
	for _, st := range allowed {
		if st == s.state {
			legal = true
			break
		}
	}
	if !legal {
		return false
	}
	next, ok := transitions[s.state][reason]
	if !ok {
		return false
	}
	s.state = next
	return true
}

// Draw pops the front tile of the wall for the seat holding the turn. Returns
// the tile id and true on acceptance; the tile is noTile when the wall is
// exhausted, but the state still advances. The turn pointer is unchanged.
func (s *Session) Draw(seat int) (int, bool) {
	if !s.mu.TryLock() {
		return noTile, false
	}
	defer s.mu.Unlock()

	if s.turn != seat || !s.advanceLocked([]TurnState{AwaitingDraw, ClaimWindow}, reasonNone) {
		return noTile, false
	}
	if len(s.deck) == 0 {
		return noTile, true
	}
	t := s.deck[0]
	s.deck = s.deck[1:]
	return t, true
}

// Drop ends the turn holder's discard window and passes the turn left.
func (s *Session) Drop() bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()

	if !s.advanceLocked([]TurnState{ReadyToDiscard}, reasonNone) {
		return false
	}
	s.turn = (s.turn + 1) % 4
	return true
}

// DeclareConcealedKong reveals a concealed kong from the turn holder's hand.
func (s *Session) DeclareConcealedKong(seat int) bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()

	return s.turn == seat && s.advanceLocked([]TurnState{ReadyToDiscard}, reasonConcealedKong)
}

// DeclareChi claims the discard for a run. The turn pointer stays with the
// discarder; it moves only through a later ClaimCombo reveal.
func (s *Session) DeclareChi(seat int) bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()

	return s.turn == seat && s.advanceLocked([]TurnState{ClaimWindow}, reasonChi)
}

// ClaimCombo claims the discard for a pung or kong and moves the turn to the
// claimant, whoever held it before.
func (s *Session) ClaimCombo(seat int, isKong bool) bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()

	reason := reasonNone
	if isKong {
		reason = reasonKong
	}
	if !s.advanceLocked([]TurnState{ClaimWindow, MeldRevealed}, reason) {
		return false
	}
	s.turn = seat
	return true
}

// DeclareWin ends the round: the turn holder may win off their own draw, and
// any seat may win off the discard during the claim window.
func (s *Session) DeclareWin(seat int) bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()

	ok := (s.turn == seat && s.advanceLocked([]TurnState{ReadyToDiscard}, reasonWin)) ||
		s.advanceLocked([]TurnState{ClaimWindow}, reasonWin)
	if !ok {
		return false
	}
	s.turn = seat
	return true
}

// SubmitHand records the seat's end-of-round hand. The full collection is
// returned once every occupied seat has submitted, nil until then.
func (s *Session) SubmitHand(seat int, hand *HandSubmission) []*HandSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seat < 0 || seat > 3 {
		return nil
	}
	s.hands[seat] = hand

	submitted := 0
	for _, h := range s.hands {
		if h != nil {
			submitted++
		}
	}
	if submitted < s.players {
		return nil
	}
	out := make([]*HandSubmission, 4)
	copy(out, s.hands[:])
	return out
}

func (s *Session) Occupancy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.players
}

func (s *Session) IsEmpty() bool { return s.Occupancy() == 0 }

func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{ID: s.id, Occupancy: s.players}
}

// Conns returns the connection ids currently seated in the room.
func (s *Session) Conns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// SeatOf returns the seat bound to conn, or -1.
func (s *Session) SeatOf(conn string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seat, ok := s.conns[conn]; ok {
		return seat
	}
	return -1
}

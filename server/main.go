package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startAckTimeout bounds the join-acknowledgment handshake; a room whose
// occupants do not all ack in time is torn down.
const startAckTimeout = 5 * time.Second

type InMsg struct {
	T     string          `json:"t"`
	ReqID string          `json:"reqId,omitempty"`
	P     json.RawMessage `json:"p,omitempty"`
}
type OutMsg struct {
	T     string      `json:"t"`
	ReqID string      `json:"reqId,omitempty"`
	P     interface{} `json:"p,omitempty"`
}
type ErrPayload struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type joinPayload struct {
	RoomID int `json:"roomId"`
}
type drawPayload struct {
	Seat int `json:"seat"`
}
type dropPayload struct {
	TileID int `json:"tileId"`
}
type comboPayload struct {
	Key       string `json:"key"`
	Seat      int    `json:"seat"`
	AddedTile int    `json:"addedTile"`
	IsKong    bool   `json:"isKong"`
}
type seatPayload struct {
	Seat int `json:"seat"`
}
type winPayload struct {
	Seat   int             `json:"seat"`
	Combos json.RawMessage `json:"combos"`
}
type handPayload struct {
	Seat   int             `json:"seat"`
	Tiles  []int           `json:"tiles"`
	Combos json.RawMessage `json:"combos"`
}
type startPayload struct {
	Hands        [4][]int `json:"hands"`
	StartingSeat int      `json:"startingSeat"`
}

type Conn struct {
	ws   *websocket.Conn
	send chan []byte
	id   string
}

// startGate holds the deal back until every seat has acknowledged its join,
// so the start broadcast can never overtake the final join result.
type startGate struct {
	sess  *Session
	acks  map[string]bool
	timer *time.Timer
}

// Server wires the registry to the websocket transport: it resolves each
// inbound event to a session, invokes the matching operation, and fans the
// result out to the affected connections.
type Server struct {
	reg        *Registry
	ackTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*Conn
	gates map[int]*startGate
}

func NewServer(reg *Registry) *Server {
	return &Server{
		reg:        reg,
		ackTimeout: startAckTimeout,
		conns:      make(map[string]*Conn),
		gates:      make(map[int]*startGate),
	}
}

func (s *Server) register(c *Conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// broadcastAll sends to every live connection.
func (s *Server) broadcastAll(out OutMsg) {
	b, _ := json.Marshal(out)
	s.mu.RLock()
	for _, c := range s.conns {
		select {
		case c.send <- b:
		default:
		}
	}
	s.mu.RUnlock()
}

// broadcastRoom sends to every occupant of sess.
func (s *Server) broadcastRoom(sess *Session, out OutMsg) {
	b, _ := json.Marshal(out)
	ids := sess.Conns()
	s.mu.RLock()
	for _, id := range ids {
		if c, ok := s.conns[id]; ok {
			select {
			case c.send <- b:
			default:
			}
		}
	}
	s.mu.RUnlock()
}

func (s *Server) broadcastLobby() {
	s.broadcastAll(OutMsg{T: "sessionList", P: s.reg.Summaries()})
}

/* =========================
   Start handshake
   ========================= */

// openGate arms the join-ack gate for a freshly filled room.
func (s *Server) openGate(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gates[sess.ID()]; ok {
		return
	}
	g := &startGate{sess: sess, acks: make(map[string]bool, 4)}
	g.timer = time.AfterFunc(s.ackTimeout, func() { s.gateTimeout(sess) })
	s.gates[sess.ID()] = g
}

// closeGate cancels a pending gate, e.g. when a seat empties before start.
func (s *Server) closeGate(sess *Session) {
	s.mu.Lock()
	g := s.gates[sess.ID()]
	if g != nil && g.sess == sess {
		delete(s.gates, sess.ID())
	} else {
		g = nil
	}
	s.mu.Unlock()
	if g != nil {
		g.timer.Stop()
	}
}

// gateTimeout is a hard failure: the room is terminated rather than started
// with clients that never confirmed their join.
func (s *Server) gateTimeout(sess *Session) {
	s.mu.Lock()
	g := s.gates[sess.ID()]
	if g == nil || g.sess != sess {
		s.mu.Unlock()
		return
	}
	delete(s.gates, sess.ID())
	s.mu.Unlock()

	log.Printf("room %d: start handshake timed out, terminating", sess.ID())
	s.terminateRoom(sess)
}

// ackJoin marks the caller's acknowledgment; the fourth ack deals and
// announces the round.
func (s *Server) ackJoin(c *Conn, sess *Session) {
	s.mu.Lock()
	g := s.gates[sess.ID()]
	if g == nil || g.sess != sess {
		s.mu.Unlock()
		return
	}
	g.acks[c.id] = true
	ready := len(g.acks) == 4
	if ready {
		delete(s.gates, sess.ID())
		g.timer.Stop()
	}
	s.mu.Unlock()

	if !ready || !sess.CanStart() {
		return
	}
	hands, starting := sess.Start()
	s.broadcastRoom(sess, OutMsg{T: "start", P: startPayload{Hands: hands, StartingSeat: starting}})
}

// terminateRoom tears the room down and notifies every remaining occupant.
func (s *Server) terminateRoom(sess *Session) {
	conns := sess.Conns()
	s.reg.Terminate(sess)
	s.closeGate(sess)

	b, _ := json.Marshal(OutMsg{T: "terminated"})
	s.mu.RLock()
	for _, id := range conns {
		if c, ok := s.conns[id]; ok {
			select {
			case c.send <- b:
			default:
			}
		}
	}
	s.mu.RUnlock()
	s.broadcastLobby()
}

/* =========================
   Dispatch
   ========================= */

func (s *Server) dispatch(c *Conn, in InMsg) {
	switch in.T {
	case "ping":
		send(c, OutMsg{T: "pong", ReqID: in.ReqID})

	case "createSession":
		id, created := s.reg.CreateSession()
		if !created {
			send(c, OutMsg{T: "noCreate", ReqID: in.ReqID})
			send(c, OutMsg{T: "sessionList", P: s.reg.Summaries()})
			return
		}
		send(c, OutMsg{T: "created", ReqID: in.ReqID, P: map[string]int{"id": id}})
		s.broadcastLobby()

	case "joinSession":
		var p joinPayload
		_ = json.Unmarshal(in.P, &p)
		seat := -1
		sess, ok := s.reg.ByID(p.RoomID)
		if ok {
			seat = sess.Join(c.id)
		}
		if seat >= 0 {
			s.reg.Bind(c.id, sess)
		}
		send(c, OutMsg{T: "joinResult", ReqID: in.ReqID, P: map[string]int{"seat": seat}})
		s.broadcastLobby()
		if seat >= 0 && sess.Occupancy() == 4 && !sess.Started() {
			s.openGate(sess)
		}

	case "ackJoin":
		if sess, ok := s.reg.ByConn(c.id); ok {
			s.ackJoin(c, sess)
		}

	case "listSessions":
		send(c, OutMsg{T: "sessionList", P: s.reg.Summaries()})

	case "drop":
		var p dropPayload
		_ = json.Unmarshal(in.P, &p)
		if sess, ok := s.reg.ByConn(c.id); ok && sess.Drop() {
			s.broadcastRoom(sess, OutMsg{T: "dropResult", P: map[string]int{"tileId": p.TileID}})
		}

	case "draw":
		var p drawPayload
		_ = json.Unmarshal(in.P, &p)
		if sess, ok := s.reg.ByConn(c.id); ok {
			if tile, accepted := sess.Draw(p.Seat); accepted {
				s.broadcastRoom(sess, OutMsg{T: "drawResult", P: map[string]int{"tileId": tile}})
			}
		}

	case "claimCombo":
		var p comboPayload
		_ = json.Unmarshal(in.P, &p)
		if sess, ok := s.reg.ByConn(c.id); ok && sess.ClaimCombo(p.Seat, p.IsKong) {
			s.broadcastRoom(sess, OutMsg{T: "comboResult", P: map[string]interface{}{
				"key": p.Key, "seat": p.Seat, "addedTile": p.AddedTile,
			}})
		}

	case "declareChi":
		var p seatPayload
		_ = json.Unmarshal(in.P, &p)
		if sess, ok := s.reg.ByConn(c.id); ok && sess.DeclareChi(p.Seat) {
			s.broadcastRoom(sess, OutMsg{T: "chiResult"})
		}

	case "declareConcealedKong":
		var p seatPayload
		_ = json.Unmarshal(in.P, &p)
		if sess, ok := s.reg.ByConn(c.id); ok && sess.DeclareConcealedKong(p.Seat) {
			s.broadcastRoom(sess, OutMsg{T: "hiddenKongResult"})
		}

	case "declareWin":
		var p winPayload
		_ = json.Unmarshal(in.P, &p)
		if sess, ok := s.reg.ByConn(c.id); ok && sess.DeclareWin(p.Seat) {
			s.broadcastRoom(sess, OutMsg{T: "winResult", P: map[string]interface{}{
				"seat": p.Seat, "combos": p.Combos,
			}})
		}

	case "submitHand":
		var p handPayload
		_ = json.Unmarshal(in.P, &p)
		if sess, ok := s.reg.ByConn(c.id); ok {
			hand := &HandSubmission{Tiles: p.Tiles, Combos: p.Combos}
			if all := sess.SubmitHand(p.Seat, hand); all != nil {
				s.broadcastRoom(sess, OutMsg{T: "handsCollected", P: all})
			}
		}

	case "resetSeat":
		if sess, ok := s.reg.ByConn(c.id); ok && !sess.Started() {
			sess.Leave(c.id)
			s.reg.Unbind(c.id)
			s.closeGate(sess)
			s.broadcastLobby()
		}
		send(c, OutMsg{T: "resetResult", ReqID: in.ReqID})

	case "restartRound":
		if sess, ok := s.reg.ByConn(c.id); ok && sess.Started() {
			hands, starting := sess.Restart()
			s.broadcastRoom(sess, OutMsg{T: "start", P: startPayload{Hands: hands, StartingSeat: starting}})
		}

	default:
		sendErr(c, in.ReqID, "UNKNOWN_TYPE", "unknown message type: "+in.T)
	}
}

// disconnect applies the lifecycle rules: pre-start the seat is simply freed,
// mid-game the whole room is torn down.
func (s *Server) disconnect(c *Conn) {
	s.unregister(c)
	sess, ok := s.reg.ByConn(c.id)
	if !ok {
		return
	}
	if sess.Started() {
		log.Printf("room %d: occupant disconnected mid-game, terminating", sess.ID())
		s.terminateRoom(sess)
		return
	}
	sess.Leave(c.id)
	s.reg.Unbind(c.id)
	s.closeGate(sess)
	s.broadcastLobby()
}

/* =========================
   HTTP + WS
   ========================= */

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("WS upgrade error:", err)
		return
	}
	c := &Conn{ws: ws, send: make(chan []byte, 64), id: uuid.NewString()}
	s.register(c)
	go writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *Conn) {
	defer func() {
		s.disconnect(c)
		_ = c.ws.Close()
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(120 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var in InMsg
		if err := json.Unmarshal(data, &in); err != nil {
			sendErr(c, "", "BAD_JSON", "invalid json")
			continue
		}
		s.dispatch(c, in)
	}
}

func writePump(c *Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func send(c *Conn, out OutMsg) {
	b, _ := json.Marshal(out)
	select {
	case c.send <- b:
	default:
	}
}

func sendErr(c *Conn, reqID, code, msg string) {
	send(c, OutMsg{T: "ERROR", ReqID: reqID, P: ErrPayload{Code: code, Msg: msg}})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "9876"
	}

	srv := NewServer(NewRegistry())

	http.HandleFunc("/health", healthHandler)
	http.HandleFunc("/ws", srv.wsHandler)

	log.Println("API listening on :" + port)
	log.Fatal(http.ListenAndServe(":"+port, nil))
}

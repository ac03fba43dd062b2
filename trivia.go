// Triviabox Trivia Game
//
// One participant hosts a session on a shared screen; everyone else joins
// from their own device by scanning a QR code and answers via buttons.
// The session's state machine is host-authoritative: all mutation happens
// inside a single per-session event loop, and after every mutation the
// full state snapshot is broadcast to every live connection.
//
// Features:
// - WebSockets per session ID: /trivia/:sessionid and /trivia/:sessionid/ws
// - Exactly one host connection per session (first role=host claim wins)
// - Players join with a client-generated ID; rejoin with the same ID is a no-op
// - First answer wins per round; later submissions for the round are ignored
// - Correct answers award 100 points plus the remaining countdown as a bonus
// - Optional per-question countdown with reveal-then-advance automation
// - Auto-advance and manual advance are mutually exclusive (pending timer
//   is cancelled before any competing advance runs)
// - Challenge rounds: host invites a subset of the roster, only players who
//   accept count towards the all-answered check
// - Question batches come from a text-generation service, with a built-in
//   fallback batch on any failure
// - Disconnects remove only the live connection; roster entries survive
// - Sessions auto-reaped after configurable idle timeout, and torn down
//   when the host connection closes
// - Random 6-char session IDs via crypto/rand, with collision check
// - In-browser QR code for the player join URL, backed by go-qrcode

package main

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

type client struct {
	conn     *websocket.Conn
	send     chan any
	remoteID string
	isHost   bool
}

type clientEnvelope struct {
	client *client
	msg    ClientMessage
}

// session owns the canonical game state for one session ID. Every field
// below the channels is owned exclusively by the run goroutine; external
// callers interact only through the channels.
type session struct {
	id    string
	cfg   *Config
	clock clockwork.Clock
	gen   *QuestionGenerator

	register   chan *client
	unregister chan *client
	messages   chan clientEnvelope
	batches    chan []Question
	closed     chan struct{}
	closeOnce  sync.Once
	onClose    func()

	conns    map[*client]bool
	hostConn *client

	state     GameState
	players   []Player
	questions []Question
	current   int
	usedTexts []string

	timeLeft     int
	revealing    bool
	advanceTimer clockwork.Timer

	mu         sync.RWMutex
	lastActive time.Time
}

func newSession(cfg *Config, id string, clock clockwork.Clock, gen *QuestionGenerator) *session {
	return &session{
		id:         id,
		cfg:        cfg,
		clock:      clock,
		gen:        gen,
		register:   make(chan *client),
		unregister: make(chan *client),
		messages:   make(chan clientEnvelope),
		batches:    make(chan []Question),
		closed:     make(chan struct{}),
		conns:      make(map[*client]bool),
		state:      StateIdle,
		current:    -1,
		lastActive: clock.Now(),
	}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActive = s.clock.Now()
	s.mu.Unlock()
}

func (s *session) idle(cutoff time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive.Before(cutoff)
}

// close requests teardown; safe to call from any goroutine, repeatedly.
func (s *session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// fetchBatch asks the generator for a new batch and delivers it into the
// run loop. Generation failures degrade to the fallback batch inside
// fetchQuestions, so the session always ends up with questions.
func (s *session) fetchBatch(used []string) {
	batch := fetchQuestions(s.cfg, s.gen, used)
	select {
	case s.batches <- batch:
	case <-s.closed:
	}
}

// run is the session's event loop. Handlers run to completion before the
// next event is processed, so state mutations are atomic relative to each
// other; every handler that mutates protocol state is followed by exactly
// one broadcast.
func (s *session) run() {
	ticker := s.clock.NewTicker(time.Second)

	defer func() {
		ticker.Stop()
		s.cancelPendingAdvance()
		s.close()
		for c := range s.conns {
			close(c.send)
			_ = c.conn.Close()
			delete(s.conns, c)
		}
		if s.onClose != nil {
			s.onClose()
		}
	}()

	for {
		var advanceCh <-chan time.Time
		if s.advanceTimer != nil {
			advanceCh = s.advanceTimer.Chan()
		}

		select {
		case c := <-s.register:
			s.touch()
			if s.handleRegister(c) {
				s.broadcastState()
			}

		case c := <-s.unregister:
			s.touch()
			hostLeft := s.handleUnregister(c)
			if hostLeft {
				logf(s.cfg, "TRIVIA: Host left session %s, tearing down", s.id)
				return
			}

		case env := <-s.messages:
			s.touch()
			if s.handleMessage(env.client, env.msg) {
				s.broadcastState()
			}

		case batch := <-s.batches:
			s.touch()
			s.adoptBatch(batch)
			s.broadcastState()

		case <-ticker.Chan():
			if s.handleTick() {
				s.broadcastState()
			}

		case <-advanceCh:
			s.advanceTimer = nil
			s.advanceRound()
			s.broadcastState()

		case <-s.closed:
			return
		}
	}
}

// handleRegister adds a connection and unicasts a catch-up snapshot.
// A second host claim is refused outright.
func (s *session) handleRegister(c *client) bool {
	if c.isHost {
		if s.hostConn != nil {
			logf(s.cfg, "TRIVIA: Refused second host connection to %s", s.id)
			close(c.send)
			return false
		}
		s.hostConn = c
	}

	s.conns[c] = true

	changed := false
	if c.isHost && s.state == StateIdle {
		s.state = StateJoining
		changed = true
	}

	s.sendTo(c, s.snapshot())
	return changed
}

// handleUnregister removes only the live connection; the roster entry, if
// any, survives for the session's lifetime. Reports whether the host left.
func (s *session) handleUnregister(c *client) bool {
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		close(c.send)
	}
	if c == s.hostConn {
		s.hostConn = nil
		return true
	}
	return false
}

func (s *session) handleMessage(c *client, msg ClientMessage) bool {
	switch msg.Type {
	case msgJoin:
		return s.handleJoin(msg.Player)
	case msgAnswer:
		return s.handleAnswer(msg.PlayerID, msg.Answer)
	case msgChallengeAccepted:
		return s.handleChallengeAccepted(msg.PlayerID)
	case msgStartGame, msgNextQuestion, msgShowLeaderboard, msgBackToQuestion, msgInvite, msgRegenerateQuestions:
		if c != nil && !c.isHost {
			return false
		}
		return s.handleHostCommand(msg)
	}
	return false
}

// handleJoin appends a roster entry unless the player ID is already known
// (idempotent rejoin). Names are length-bounded; scores always start at 0.
func (s *session) handleJoin(p *Player) bool {
	if p == nil || p.ID == "" || p.Name == "" {
		return false
	}
	for i := range s.players {
		if s.players[i].ID == p.ID {
			return false
		}
	}

	name := p.Name
	if runes := []rune(name); len(runes) > maxNameLength {
		name = string(runes[:maxNameLength])
	}

	s.players = append(s.players, Player{ID: p.ID, Name: name, Score: 0})
	logf(s.cfg, "TRIVIA: Player %q joined %s", name, s.id)
	return true
}

const maxNameLength = 24

// handleAnswer validates and scores a submission. Rejections (wrong phase,
// expired timer, repeat submission, unknown player) are silent no-ops.
func (s *session) handleAnswer(playerID, answer string) bool {
	if s.state != StateQuestion || s.revealing {
		return false
	}
	if s.current < 0 || s.current >= len(s.questions) {
		return false
	}
	if s.timed() && s.timeLeft <= 0 {
		return false
	}

	var p *Player
	for i := range s.players {
		if s.players[i].ID == playerID {
			p = &s.players[i]
			break
		}
	}
	if p == nil || p.LastAnswer != nil {
		return false
	}

	bonus := 0
	if s.timed() {
		bonus = s.timeLeft
	}
	correct, award := scoreAnswer(s.questions[s.current], answer, bonus)

	p.LastAnswer = strPtr(answer)
	p.IsCorrect = boolPtr(correct)
	p.Score += award

	logf(s.cfg, "TRIVIA: %q answered %q in %s round %d (correct=%t, +%d)",
		p.Name, answer, s.id, s.current, correct, award)

	s.maybeReveal()
	return true
}

func (s *session) handleChallengeAccepted(playerID string) bool {
	if s.state != StateChallengeInvite {
		return false
	}
	for i := range s.players {
		p := &s.players[i]
		if p.ID == playerID && p.Invited != nil && *p.Invited {
			if p.Accepted != nil && *p.Accepted {
				return false
			}
			p.Accepted = boolPtr(true)
			return true
		}
	}
	return false
}

func (s *session) handleHostCommand(msg ClientMessage) bool {
	switch msg.Type {
	case msgStartGame:
		if s.state != StateJoining && s.state != StateChallengeInvite {
			return false
		}
		if len(s.players) == 0 || len(s.questions) == 0 {
			return false
		}
		s.advanceRound()
		return true

	case msgNextQuestion:
		if s.state != StateQuestion && s.state != StateLeaderboard && s.state != StateChallengeInvite {
			return false
		}
		s.advanceRound()
		return true

	case msgShowLeaderboard:
		if s.state != StateQuestion {
			return false
		}
		s.cancelPendingAdvance()
		s.revealing = false
		s.state = StateLeaderboard
		return true

	case msgBackToQuestion:
		if s.state != StateLeaderboard || s.current < 0 || s.current >= len(s.questions) {
			return false
		}
		s.state = StateQuestion
		if s.timed() && s.timeLeft <= 0 {
			s.reveal()
		} else {
			s.maybeReveal()
		}
		return true

	case msgInvite:
		if s.state != StateJoining && s.state != StateLeaderboard {
			return false
		}
		if len(msg.PlayerIDs) == 0 {
			return false
		}
		invited := make(map[string]bool, len(msg.PlayerIDs))
		for _, id := range msg.PlayerIDs {
			invited[id] = true
		}
		for i := range s.players {
			p := &s.players[i]
			p.Accepted = nil
			if invited[p.ID] {
				p.Invited = boolPtr(true)
			} else {
				p.Invited = nil
			}
		}
		s.state = StateChallengeInvite
		return true

	case msgRegenerateQuestions:
		used := make([]string, 0, len(s.usedTexts)+len(s.questions))
		used = append(used, s.usedTexts...)
		for _, q := range s.questions {
			used = append(used, q.Text)
		}
		s.usedTexts = used
		go s.fetchBatch(used)
		return false
	}
	return false
}

// adoptBatch swaps in a wholly new immutable batch and resets the round
// index to the not-started sentinel.
func (s *session) adoptBatch(batch []Question) {
	s.cancelPendingAdvance()
	s.questions = batch
	s.current = -1
	s.revealing = false
	s.timeLeft = 0
	s.clearRoundFields()
	if s.state != StateIdle {
		s.state = StateJoining
	}
}

func (s *session) clearRoundFields() {
	s.clearAnswers()
	s.clearChallenge()
}

func (s *session) clearAnswers() {
	for i := range s.players {
		s.players[i].LastAnswer = nil
		s.players[i].IsCorrect = nil
	}
}

func (s *session) clearChallenge() {
	for i := range s.players {
		s.players[i].Invited = nil
		s.players[i].Accepted = nil
	}
}

func (s *session) timed() bool {
	return s.cfg.questionTimer > 0
}

func (s *session) timerSeconds() int {
	return int(s.cfg.questionTimer / time.Second)
}

// handleTick decrements the countdown by one whole unit while a timed
// question is live, revealing when it reaches zero.
func (s *session) handleTick() bool {
	if s.state != StateQuestion || s.revealing || !s.timed() {
		return false
	}
	if s.timeLeft > 0 {
		s.timeLeft--
	}
	if s.timeLeft == 0 {
		s.reveal()
	}
	return true
}

// activePlayers returns the players whose answers gate round completion:
// the accepted subset when a challenge invite is in effect, otherwise the
// whole roster.
func (s *session) activePlayers() []*Player {
	invited := false
	for i := range s.players {
		if s.players[i].Invited != nil && *s.players[i].Invited {
			invited = true
			break
		}
	}

	active := make([]*Player, 0, len(s.players))
	for i := range s.players {
		p := &s.players[i]
		if invited {
			if p.Accepted != nil && *p.Accepted {
				active = append(active, p)
			}
			continue
		}
		active = append(active, p)
	}
	return active
}

// maybeReveal flips into the reveal phase once every active player has a
// recorded answer. Checked after every roster or timer change.
func (s *session) maybeReveal() {
	if s.state != StateQuestion || s.revealing {
		return
	}
	active := s.activePlayers()
	if len(active) == 0 {
		return
	}
	for _, p := range active {
		if p.LastAnswer == nil {
			return
		}
	}
	s.reveal()
}

func (s *session) reveal() {
	if s.revealing {
		return
	}
	s.revealing = true
	s.scheduleAdvance()
}

// scheduleAdvance arms the deferred auto-advance. At most one timer is
// pending at any moment; competing triggers go through
// cancelPendingAdvance first, so the round can never double-advance.
func (s *session) scheduleAdvance() {
	if s.advanceTimer != nil {
		return
	}
	s.advanceTimer = s.clock.NewTimer(s.cfg.revealDelay)
}

func (s *session) cancelPendingAdvance() {
	if s.advanceTimer == nil {
		return
	}
	if !s.advanceTimer.Stop() {
		select {
		case <-s.advanceTimer.Chan():
		default:
		}
	}
	s.advanceTimer = nil
}

// advanceRound clears every player's answers and moves to the next
// question, or finishes the game when the batch is exhausted. Challenge
// flags from a fresh invite carry into the question they gate and are
// cleared on the advance after that.
func (s *session) advanceRound() {
	s.cancelPendingAdvance()

	fromInvite := s.state == StateChallengeInvite

	if s.current+1 < len(s.questions) {
		s.clearAnswers()
		if !fromInvite {
			s.clearChallenge()
		}
		s.current++
		s.state = StateQuestion
		s.revealing = false
		if s.timed() {
			s.timeLeft = s.timerSeconds()
		}
		return
	}

	s.state = StateFinished
	s.revealing = false
}

// snapshot serializes the complete canonical state. Per-round pointer
// fields are replaced, never mutated in place, so sharing them with the
// writer goroutines is safe.
func (s *session) snapshot() SyncStateMessage {
	players := make([]Player, len(s.players))
	copy(players, s.players)

	questions := make([]Question, len(s.questions))
	copy(questions, s.questions)

	msg := SyncStateMessage{
		Type:                 msgSyncState,
		GameState:            s.state,
		CurrentQuestionIndex: s.current,
		Players:              players,
		Questions:            questions,
		SessionID:            s.id,
		IsRevealing:          s.revealing,
	}
	if s.timed() {
		msg.TimerDuration = s.timerSeconds()
		if s.state == StateQuestion {
			msg.TimeLeft = intPtr(s.timeLeft)
		}
	}
	return msg
}

// sendTo queues a message for one connection; a full or closed connection
// is dropped rather than blocked on.
func (s *session) sendTo(c *client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(s.conns, c)
		close(c.send)
		if c == s.hostConn {
			s.hostConn = nil
		}
	}
}

func (s *session) broadcastState() {
	snap := s.snapshot()
	for c := range s.conns {
		s.sendTo(c, snap)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SessionManager holds the live sessions keyed by session ID, so each
// /trivia/:sessionid is its own isolated game.
type SessionManager struct {
	mu          sync.Mutex
	sessions    map[string]*session
	cfg         *Config
	clock       clockwork.Clock
	gen         *QuestionGenerator
	idleTimeout time.Duration
}

func newSessionManager(cfg *Config, clock clockwork.Clock) *SessionManager {
	sm := &SessionManager{
		sessions:    make(map[string]*session),
		cfg:         cfg,
		clock:       clock,
		gen:         newQuestionGenerator(cfg),
		idleTimeout: cfg.sessionTimeout,
	}
	if sm.idleTimeout > 0 {
		go sm.reaperLoop()
	}
	return sm
}

// getSession returns the session registered under the given ID, creating
// it on first access. Creation kicks off the initial question fetch; the
// game never blocks on the generator.
func (sm *SessionManager) getSession(id string) *session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if s, ok := sm.sessions[id]; ok {
		return s
	}

	s := newSession(sm.cfg, id, sm.clock, sm.gen)
	s.onClose = func() { sm.remove(id) }
	sm.sessions[id] = s

	go s.run()
	go s.fetchBatch(nil)

	return s
}

func (sm *SessionManager) remove(id string) {
	sm.mu.Lock()
	delete(sm.sessions, id)
	sm.mu.Unlock()
}

// newSessionID generates a crypto-random, human-typeable session ID and
// ensures it doesn't collide with a live session.
func (sm *SessionManager) newSessionID() string {
	const letters = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	for {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 6)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		sm.mu.Lock()
		_, exists := sm.sessions[id]
		sm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically tears down sessions idle longer than idleTimeout.
func (sm *SessionManager) reaperLoop() {
	ticker := sm.clock.NewTicker(sm.idleTimeout / 2)
	for range ticker.Chan() {
		cutoff := sm.clock.Now().Add(-sm.idleTimeout)

		sm.mu.Lock()
		for id, s := range sm.sessions {
			if s.idle(cutoff) {
				delete(sm.sessions, id)
				s.close()
			}
		}
		sm.mu.Unlock()
	}
}

func newRemoteID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	return hex.EncodeToString(buf)
}

// WebSocket handler that picks the session based on :sessionid. The query
// parameter role=host claims the host seat; anything else is a player.
func serveWSForManager(cfg *Config, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sessionID := ps.ByName("sessionid")
		if sessionID == "" {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}

		isHost := r.URL.Query().Get("role") == "host"
		s := sm.getSession(sessionID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		c := &client{
			conn:     conn,
			send:     make(chan any, 8),
			remoteID: newRemoteID(),
			isHost:   isHost,
		}

		select {
		case s.register <- c:
		case <-s.closed:
			_ = conn.Close()
			return
		}

		go c.writePump()
		c.readPump(s)
	}
}

func (c *client) readPump(s *session) {
	defer func() {
		select {
		case s.unregister <- c:
		case <-s.closed:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case msgJoin, msgAnswer, msgChallengeAccepted,
			msgStartGame, msgNextQuestion, msgShowLeaderboard,
			msgBackToQuestion, msgInvite, msgRegenerateQuestions:
			select {
			case s.messages <- clientEnvelope{client: c, msg: msg}:
			case <-s.closed:
				return
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// playerJoinURL builds the URL encoded into the QR code: the session page
// with the role and session query parameters players arrive with.
func playerJoinURL(r *http.Request, sessionID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	path := strings.TrimSuffix(r.URL.Path, "/qr")

	return scheme + "://" + r.Host + path + "?role=player&session=" + sessionID
}

// QR handler: generates a PNG QR code for the player join URL.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessionID := ps.ByName("sessionid")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(playerJoinURL(r, sessionID), qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// redirectNewSession handles GET /trivia by generating a new random
// session ID and redirecting to /trivia/:sessionid.
func redirectNewSession(cfg *Config, path string, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		sessionID := sm.newSessionID()
		logf(cfg, "TRIVIA: Created session %s/%s", path, sessionID)
		http.Redirect(w, r, path+"/"+sessionID, http.StatusTemporaryRedirect)
	}
}

func serveSessionPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sessionID := ps.ByName("sessionid")

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		page := newPage("triviabox: "+sessionID,
			"Session "+sessionID+`. Scan <a href="`+r.URL.Path+`/qr">the QR code</a> to join as a player.`)
		_, _ = w.Write([]byte(page))
	}
}

// registerTriviaGame sets up routes so that:
//   - $path              → redirects to new random session (6-char ID)
//   - $path/:sessionid    → session page
//   - $path/:sessionid/ws → WebSocket for that session
//   - $path/:sessionid/qr → PNG QR code for the player join URL
func registerTriviaGame(cfg *Config, path string, mux *httprouter.Router, clock clockwork.Clock) *SessionManager {
	sm := newSessionManager(cfg, clock)

	mux.GET(cfg.prefix+path, redirectNewSession(cfg, cfg.prefix+path, sm))
	mux.GET(cfg.prefix+path+"/:sessionid", serveSessionPage(cfg))
	mux.GET(cfg.prefix+path+"/:sessionid/ws", serveWSForManager(cfg, sm))
	mux.GET(cfg.prefix+path+"/:sessionid/qr", qrHandler)

	return sm
}

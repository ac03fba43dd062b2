package main

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ShadowStatus tracks the player's connectivity to the host. There is no
// automatic reconnect: once ERROR, the shadow is done.
type ShadowStatus string

const (
	ShadowIdle       ShadowStatus = "IDLE"
	ShadowConnecting ShadowStatus = "CONNECTING"
	ShadowConnected  ShadowStatus = "CONNECTED"
	ShadowError      ShadowStatus = "ERROR"
)

// Shadow is the player-side replica of the host's game state. It mirrors
// every broadcast snapshot wholesale and submits intents it does not apply
// itself, except as an optimistic local echo that the next snapshot
// overwrites.
type Shadow struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	open   bool
	status ShadowStatus

	self        *Player
	snap        SyncStateMessage
	haveSnap    bool
	lastIndex   int
	optionOrder []string

	onSnapshot func(SyncStateMessage)
	onStatus   func(ShadowStatus)
}

func NewShadow() *Shadow {
	return &Shadow{
		status:      ShadowIdle,
		lastIndex:   -1,
		optionOrder: shuffled(Subjects),
	}
}

// SetHandlers registers observation callbacks. Must be called before
// Connect; callbacks are invoked from the read loop goroutine.
func (sh *Shadow) SetHandlers(onSnapshot func(SyncStateMessage), onStatus func(ShadowStatus)) {
	sh.onSnapshot = onSnapshot
	sh.onStatus = onStatus
}

// Connect dials the host's rendezvous channel for the given session.
// serverURL is the http(s) base URL of the relay.
func (sh *Shadow) Connect(serverURL, sessionID string) error {
	sh.setStatus(ShadowConnecting)

	u, err := url.Parse(serverURL)
	if err != nil {
		sh.setStatus(ShadowError)
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/trivia/" + sessionID + "/ws"
	u.RawQuery = "role=player"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		sh.setStatus(ShadowError)
		return err
	}

	sh.mu.Lock()
	sh.conn = conn
	sh.open = true
	sh.mu.Unlock()

	sh.setStatus(ShadowConnected)
	go sh.readLoop()
	return nil
}

func (sh *Shadow) readLoop() {
	for {
		var snap SyncStateMessage
		if err := sh.conn.ReadJSON(&snap); err != nil {
			sh.mu.Lock()
			sh.open = false
			sh.mu.Unlock()
			sh.setStatus(ShadowError)
			return
		}
		if snap.Type != msgSyncState {
			continue
		}
		sh.applySnapshot(snap)
	}
}

// applySnapshot replaces the local mirror wholesale and re-derives the
// per-player view: score and per-round flags come from the host's roster
// entry matching self, while the locally chosen name is kept. A round
// change reshuffles the cosmetic option ordering.
func (sh *Shadow) applySnapshot(snap SyncStateMessage) {
	sh.mu.Lock()

	sh.snap = snap
	sh.haveSnap = true

	if sh.self != nil {
		for i := range snap.Players {
			p := snap.Players[i]
			if p.ID != sh.self.ID {
				continue
			}
			name := sh.self.Name
			sh.self = &Player{
				ID:         p.ID,
				Name:       name,
				Score:      p.Score,
				LastAnswer: p.LastAnswer,
				IsCorrect:  p.IsCorrect,
				Invited:    p.Invited,
				Accepted:   p.Accepted,
			}
			break
		}
	}

	if snap.CurrentQuestionIndex != sh.lastIndex {
		sh.lastIndex = snap.CurrentQuestionIndex
		sh.optionOrder = shuffled(Subjects)
	}

	callback := sh.onSnapshot
	sh.mu.Unlock()

	if callback != nil {
		callback(snap)
	}
}

// Join adopts a locally-generated player record as self and sends the
// JOIN intent. The host's roster copy is authoritative from then on.
func (sh *Shadow) Join(name string) error {
	if name == "" {
		return errors.New("name must not be empty")
	}
	if runes := []rune(name); len(runes) > maxNameLength {
		name = string(runes[:maxNameLength])
	}

	self := &Player{ID: uuid.NewString(), Name: name, Score: 0}

	sh.mu.Lock()
	sh.self = self
	sh.mu.Unlock()

	return sh.send(ClientMessage{Type: msgJoin, Player: self})
}

// SubmitAnswer applies the same guards the host does, marks the local
// echo, and sends the ANSWER intent. Rejections are silent no-ops, same
// as on the host side.
func (sh *Shadow) SubmitAnswer(answer string) error {
	sh.mu.Lock()

	if sh.self == nil || !sh.haveSnap {
		sh.mu.Unlock()
		return nil
	}
	if sh.snap.GameState != StateQuestion || sh.snap.IsRevealing {
		sh.mu.Unlock()
		return nil
	}
	if sh.snap.TimerDuration > 0 && sh.snap.TimeLeft != nil && *sh.snap.TimeLeft <= 0 {
		sh.mu.Unlock()
		return nil
	}
	if sh.self.LastAnswer != nil {
		sh.mu.Unlock()
		return nil
	}

	sh.self.LastAnswer = strPtr(answer)
	playerID := sh.self.ID
	sh.mu.Unlock()

	return sh.send(ClientMessage{Type: msgAnswer, PlayerID: playerID, Answer: answer})
}

// AcceptChallenge marks the local acceptance echo and notifies the host.
func (sh *Shadow) AcceptChallenge() error {
	sh.mu.Lock()

	if sh.self == nil || sh.snap.GameState != StateChallengeInvite {
		sh.mu.Unlock()
		return nil
	}
	if sh.self.Invited == nil || !*sh.self.Invited {
		sh.mu.Unlock()
		return nil
	}

	sh.self.Accepted = boolPtr(true)
	playerID := sh.self.ID
	sh.mu.Unlock()

	return sh.send(ClientMessage{Type: msgChallengeAccepted, PlayerID: playerID})
}

// send is a no-op once the connection is closed.
func (sh *Shadow) send(msg ClientMessage) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if !sh.open || sh.conn == nil {
		return nil
	}
	return sh.conn.WriteJSON(msg)
}

func (sh *Shadow) setStatus(status ShadowStatus) {
	sh.mu.Lock()
	sh.status = status
	callback := sh.onStatus
	sh.mu.Unlock()

	if callback != nil {
		callback(status)
	}
}

func (sh *Shadow) Status() ShadowStatus {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.status
}

// Self returns a copy of the local self record, if joined.
func (sh *Shadow) Self() (Player, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.self == nil {
		return Player{}, false
	}
	return *sh.self, true
}

// Snapshot returns a copy of the last mirrored snapshot.
func (sh *Shadow) Snapshot() (SyncStateMessage, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.snap, sh.haveSnap
}

// Options returns the current cosmetic ordering of the answer subjects.
func (sh *Shadow) Options() []string {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]string, len(sh.optionOrder))
	copy(out, sh.optionOrder)
	return out
}

func (sh *Shadow) Close() {
	sh.mu.Lock()
	conn := sh.conn
	sh.open = false
	sh.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// runPlayer is the `play` subcommand: a terminal Player Shadow. It prints
// every question with its shuffled options and submits the chosen answer.
func runPlayer(cfg *Config) error {
	if cfg.playerSession == "" {
		return errors.New("--session is required")
	}
	if cfg.playerName == "" {
		return errors.New("--name is required")
	}

	shadow := NewShadow()

	snapshots := make(chan SyncStateMessage, 8)
	statuses := make(chan ShadowStatus, 4)
	shadow.SetHandlers(
		func(snap SyncStateMessage) {
			select {
			case snapshots <- snap:
			default:
			}
		},
		func(status ShadowStatus) {
			select {
			case statuses <- status:
			default:
			}
		},
	)

	if err := shadow.Connect(cfg.playerServer, cfg.playerSession); err != nil {
		return fmt.Errorf("unable to reach session %s: %w", cfg.playerSession, err)
	}
	defer shadow.Close()

	if err := shadow.Join(cfg.playerName); err != nil {
		return err
	}
	fmt.Printf("Joined session %s as %q\n", cfg.playerSession, cfg.playerName)

	answers := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			answers <- strings.TrimSpace(scanner.Text())
		}
		close(answers)
	}()

	lastState := GameState("")
	lastIndex := -2

	for {
		select {
		case status := <-statuses:
			if status == ShadowError {
				return errors.New("connection to host lost")
			}

		case snap := <-snapshots:
			if snap.GameState == lastState && snap.CurrentQuestionIndex == lastIndex {
				continue
			}
			lastState = snap.GameState
			lastIndex = snap.CurrentQuestionIndex
			printSnapshot(shadow, snap)
			if snap.GameState == StateFinished {
				return nil
			}

		case line, ok := <-answers:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			answer := line
			options := shadow.Options()
			if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(options) {
				answer = options[n-1]
			}
			if err := shadow.SubmitAnswer(answer); err != nil {
				return err
			}
			fmt.Printf("Answer sent: %s\n", answer)
		}
	}
}

func printSnapshot(shadow *Shadow, snap SyncStateMessage) {
	switch snap.GameState {
	case StateJoining:
		fmt.Println("Waiting for the host to start the game...")

	case StateChallengeInvite:
		if self, ok := shadow.Self(); ok && self.Invited != nil && *self.Invited {
			fmt.Println("You have been invited to a challenge round! Accepting...")
			_ = shadow.AcceptChallenge()
		} else {
			fmt.Println("A challenge round is being set up...")
		}

	case StateQuestion:
		if snap.CurrentQuestionIndex >= 0 && snap.CurrentQuestionIndex < len(snap.Questions) {
			q := snap.Questions[snap.CurrentQuestionIndex]
			fmt.Printf("\nRound %d: %s\n", snap.CurrentQuestionIndex+1, q.Text)
			for i, option := range shadow.Options() {
				fmt.Printf("  %d) %s\n", i+1, option)
			}
			fmt.Print("> ")
		}

	case StateLeaderboard, StateFinished:
		title := "Leaderboard"
		if snap.GameState == StateFinished {
			title = "Final standings"
		}
		ranked := make([]Player, len(snap.Players))
		copy(ranked, snap.Players)
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
		fmt.Printf("\n%s:\n", title)
		for _, p := range ranked {
			fmt.Printf("  %-24s %d\n", p.Name, p.Score)
		}
	}
}

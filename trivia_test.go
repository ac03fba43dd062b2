package main

import (
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func testSessionConfig() *Config {
	return &Config{
		verbose:        false,
		questionTimer:  20 * time.Second,
		revealDelay:    5 * time.Second,
		questionCount:  10,
		sessionTimeout: time.Hour,
	}
}

// newTestSession builds a session without starting its run loop, so tests
// can drive the handlers directly on a single goroutine.
func newTestSession(cfg *Config) *session {
	clock := clockwork.NewFakeClock()
	s := newSession(cfg, "TEST01", clock, newQuestionGenerator(cfg))
	s.adoptBatch(fallbackQuestions())
	s.state = StateJoining
	return s
}

func join(t *testing.T, s *session, id, name string) {
	t.Helper()
	if !s.handleJoin(&Player{ID: id, Name: name}) {
		t.Fatalf("join %q was rejected", name)
	}
}

func findPlayer(t *testing.T, s *session, id string) *Player {
	t.Helper()
	for i := range s.players {
		if s.players[i].ID == id {
			return &s.players[i]
		}
	}
	t.Fatalf("player %q not on the roster", id)
	return nil
}

func TestJoinIsIdempotent(t *testing.T) {
	s := newTestSession(testSessionConfig())

	join(t, s, "p1", "Alice")
	if s.handleJoin(&Player{ID: "p1", Name: "Alice Again", Score: 500}) {
		t.Fatal("rejoin with a known ID should be a no-op")
	}
	if len(s.players) != 1 {
		t.Fatalf("roster has %d entries, want 1", len(s.players))
	}
	if p := findPlayer(t, s, "p1"); p.Name != "Alice" || p.Score != 0 {
		t.Errorf("rejoin altered the roster entry: %+v", p)
	}
}

func TestJoinBoundsNameLength(t *testing.T) {
	s := newTestSession(testSessionConfig())

	join(t, s, "p1", strings.Repeat("a", maxNameLength+10))
	if p := findPlayer(t, s, "p1"); len([]rune(p.Name)) != maxNameLength {
		t.Errorf("name not bounded: %d runes", len([]rune(p.Name)))
	}
}

func TestJoinRejectsEmpty(t *testing.T) {
	s := newTestSession(testSessionConfig())

	if s.handleJoin(nil) || s.handleJoin(&Player{ID: "", Name: "x"}) || s.handleJoin(&Player{ID: "x", Name: ""}) {
		t.Fatal("invalid join accepted")
	}
}

func TestAnswerAwardsBaseAndBonus(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	s.advanceRound()

	s.timeLeft = 13
	correct := s.questions[s.current].CorrectAnswer
	if !s.handleAnswer("p1", correct) {
		t.Fatal("valid answer rejected")
	}

	p := findPlayer(t, s, "p1")
	if p.Score != baseAward+13 {
		t.Errorf("score = %d, want %d", p.Score, baseAward+13)
	}
	if p.IsCorrect == nil || !*p.IsCorrect {
		t.Error("IsCorrect not set")
	}
}

func TestAnswerFirstSubmissionWins(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	join(t, s, "p2", "Bob")
	s.advanceRound()

	wrong := "Daesung"
	if s.questions[s.current].CorrectAnswer == wrong {
		wrong = "Taeyang"
	}
	if !s.handleAnswer("p1", wrong) {
		t.Fatal("first answer rejected")
	}
	if s.handleAnswer("p1", s.questions[s.current].CorrectAnswer) {
		t.Fatal("second answer for the same round accepted")
	}
	if p := findPlayer(t, s, "p1"); p.Score != 0 {
		t.Errorf("second answer changed the score: %d", p.Score)
	}
}

func TestAnswerRejectedOutsideQuestionPhase(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")

	if s.handleAnswer("p1", "Taeyang") {
		t.Fatal("answer accepted while still in the lobby")
	}

	s.advanceRound()
	s.revealing = true
	if s.handleAnswer("p1", "Taeyang") {
		t.Fatal("answer accepted during reveal")
	}
}

func TestAnswerRejectedAfterTimerExpiry(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	s.advanceRound()

	s.timeLeft = 0
	if s.handleAnswer("p1", s.questions[s.current].CorrectAnswer) {
		t.Fatal("answer accepted after the countdown expired")
	}
}

func TestAnswerFromUnknownPlayer(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	s.advanceRound()

	if s.handleAnswer("ghost", "Taeyang") {
		t.Fatal("answer from an unknown player accepted")
	}
}

func TestAllAnsweredTriggersReveal(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	join(t, s, "p2", "Bob")
	s.advanceRound()

	s.handleAnswer("p1", "Taeyang")
	if s.revealing {
		t.Fatal("revealed before all players answered")
	}
	s.handleAnswer("p2", "Daesung")
	if !s.revealing {
		t.Fatal("not revealing after all players answered")
	}
	if s.advanceTimer == nil {
		t.Fatal("reveal did not arm the auto-advance timer")
	}
}

func TestTickCountsDownAndReveals(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	s.advanceRound()

	if s.timeLeft != s.timerSeconds() {
		t.Fatalf("timeLeft = %d, want %d", s.timeLeft, s.timerSeconds())
	}

	s.timeLeft = 1
	if !s.handleTick() {
		t.Fatal("tick during a timed question reported no change")
	}
	if s.timeLeft != 0 || !s.revealing {
		t.Errorf("after final tick: timeLeft=%d revealing=%t", s.timeLeft, s.revealing)
	}
}

func TestTickIgnoredWhenUntimed(t *testing.T) {
	cfg := testSessionConfig()
	cfg.questionTimer = 0
	s := newTestSession(cfg)
	join(t, s, "p1", "Alice")
	s.advanceRound()

	if s.handleTick() {
		t.Fatal("tick changed state in an untimed session")
	}
}

func TestAutoAdvanceIsExclusive(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	s.advanceRound()

	s.reveal()
	first := s.advanceTimer
	if first == nil {
		t.Fatal("reveal did not arm the timer")
	}

	s.scheduleAdvance()
	if s.advanceTimer != first {
		t.Fatal("second schedule replaced the pending timer")
	}

	s.advanceRound()
	if s.advanceTimer != nil {
		t.Fatal("manual advance left the auto-advance timer pending")
	}
	if s.current != 1 || s.state != StateQuestion || s.revealing {
		t.Errorf("advance state: current=%d state=%s revealing=%t", s.current, s.state, s.revealing)
	}
}

func TestAdvanceClearsRoundFields(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	s.advanceRound()
	s.handleAnswer("p1", "Taeyang")

	s.advanceRound()
	p := findPlayer(t, s, "p1")
	if p.LastAnswer != nil || p.IsCorrect != nil {
		t.Errorf("per-round fields not cleared: %+v", p)
	}
	if s.timeLeft != s.timerSeconds() {
		t.Errorf("countdown not reset: %d", s.timeLeft)
	}
}

func TestGameFinishesAfterLastQuestion(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")

	for range s.questions {
		s.advanceRound()
	}
	s.advanceRound()
	if s.state != StateFinished {
		t.Fatalf("state = %s, want %s", s.state, StateFinished)
	}
}

func TestShowLeaderboardCancelsPendingAdvance(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	s.advanceRound()
	s.handleAnswer("p1", "Taeyang")

	if s.advanceTimer == nil {
		t.Fatal("expected a pending auto-advance")
	}
	if !s.handleHostCommand(ClientMessage{Type: msgShowLeaderboard}) {
		t.Fatal("SHOW_LEADERBOARD rejected")
	}
	if s.state != StateLeaderboard || s.advanceTimer != nil {
		t.Errorf("state=%s pending=%t", s.state, s.advanceTimer != nil)
	}
}

func TestBackToQuestionReevaluatesReveal(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	s.advanceRound()
	s.handleAnswer("p1", "Taeyang")
	s.handleHostCommand(ClientMessage{Type: msgShowLeaderboard})

	if !s.handleHostCommand(ClientMessage{Type: msgBackToQuestion}) {
		t.Fatal("BACK_TO_QUESTION rejected")
	}
	if s.state != StateQuestion || !s.revealing {
		t.Errorf("state=%s revealing=%t, want revealing question", s.state, s.revealing)
	}
}

func TestStartGameRequiresPlayersAndQuestions(t *testing.T) {
	s := newTestSession(testSessionConfig())

	if s.handleHostCommand(ClientMessage{Type: msgStartGame}) {
		t.Fatal("START_GAME accepted with no players")
	}

	join(t, s, "p1", "Alice")
	if !s.handleHostCommand(ClientMessage{Type: msgStartGame}) {
		t.Fatal("START_GAME rejected")
	}
	if s.state != StateQuestion || s.current != 0 {
		t.Errorf("state=%s current=%d", s.state, s.current)
	}
}

func TestHostCommandsRejectedFromPlayers(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")

	player := &client{send: make(chan any, 1)}
	if s.handleMessage(player, ClientMessage{Type: msgStartGame}) {
		t.Fatal("player connection drove a host command")
	}

	host := &client{send: make(chan any, 1), isHost: true}
	if !s.handleMessage(host, ClientMessage{Type: msgStartGame}) {
		t.Fatal("host connection could not start the game")
	}
}

func TestChallengeInviteAndAcceptance(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	join(t, s, "p2", "Bob")
	join(t, s, "p3", "Carol")

	if !s.handleHostCommand(ClientMessage{Type: msgInvite, PlayerIDs: []string{"p1", "p2"}}) {
		t.Fatal("INVITE rejected")
	}
	if s.state != StateChallengeInvite {
		t.Fatalf("state = %s", s.state)
	}

	if s.handleChallengeAccepted("p3") {
		t.Fatal("uninvited player accepted the challenge")
	}
	if !s.handleChallengeAccepted("p1") {
		t.Fatal("invited player could not accept")
	}
	if s.handleChallengeAccepted("p1") {
		t.Fatal("repeat acceptance reported a change")
	}
}

func TestChallengeGatesRoundCompletion(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	join(t, s, "p2", "Bob")

	s.handleHostCommand(ClientMessage{Type: msgInvite, PlayerIDs: []string{"p1"}})
	s.handleChallengeAccepted("p1")
	s.handleHostCommand(ClientMessage{Type: msgStartGame})

	s.handleAnswer("p2", "Taeyang")
	if s.revealing {
		t.Fatal("non-participant answer completed the round")
	}
	s.handleAnswer("p1", "Daesung")
	if !s.revealing {
		t.Fatal("round not complete after the only participant answered")
	}
}

func TestInviteResetsPreviousAcceptance(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	join(t, s, "p2", "Bob")

	s.handleHostCommand(ClientMessage{Type: msgInvite, PlayerIDs: []string{"p1"}})
	s.handleChallengeAccepted("p1")
	s.handleHostCommand(ClientMessage{Type: msgStartGame})
	s.advanceRound()

	p := findPlayer(t, s, "p1")
	if p.Invited != nil || p.Accepted != nil {
		t.Errorf("challenge flags survived the round: %+v", p)
	}
}

func TestAdoptBatchResetsRound(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	s.advanceRound()
	s.handleAnswer("p1", "Taeyang")

	replacement := []Question{{ID: 1, Text: "New?", CorrectAnswer: "Daesung"}}
	s.adoptBatch(replacement)

	if s.current != -1 || s.state != StateJoining || s.revealing {
		t.Errorf("batch adoption state: current=%d state=%s revealing=%t", s.current, s.state, s.revealing)
	}
	if p := findPlayer(t, s, "p1"); p.LastAnswer != nil {
		t.Error("per-round fields survived batch adoption")
	}
	if len(s.questions) != 1 {
		t.Errorf("questions = %d, want 1", len(s.questions))
	}
}

func TestRegenerateAccumulatesUsedTexts(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")

	s.handleHostCommand(ClientMessage{Type: msgRegenerateQuestions})
	if len(s.usedTexts) != len(builtinBatch) {
		t.Fatalf("usedTexts = %d, want %d", len(s.usedTexts), len(builtinBatch))
	}

	// drain the goroutine's delivery so it doesn't leak into other tests
	s.close()
}

func TestSnapshotCopiesState(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")
	s.advanceRound()

	snap := s.snapshot()
	if snap.Type != msgSyncState || snap.SessionID != "TEST01" {
		t.Errorf("snapshot header: %+v", snap)
	}
	if snap.TimerDuration != s.timerSeconds() || snap.TimeLeft == nil {
		t.Error("timed snapshot missing countdown fields")
	}

	snap.Players[0].Score = 999
	if s.players[0].Score == 999 {
		t.Fatal("snapshot shares the roster slice")
	}
}

func TestSnapshotOmitsCountdownWhenUntimed(t *testing.T) {
	cfg := testSessionConfig()
	cfg.questionTimer = 0
	s := newTestSession(cfg)
	join(t, s, "p1", "Alice")
	s.advanceRound()

	snap := s.snapshot()
	if snap.TimerDuration != 0 || snap.TimeLeft != nil {
		t.Errorf("untimed snapshot carries countdown fields: %+v", snap)
	}
}

func TestUnregisterKeepsRosterEntry(t *testing.T) {
	s := newTestSession(testSessionConfig())
	join(t, s, "p1", "Alice")

	c := &client{send: make(chan any, 1)}
	s.conns[c] = true
	if hostLeft := s.handleUnregister(c); hostLeft {
		t.Fatal("player disconnect reported as host departure")
	}
	if len(s.players) != 1 {
		t.Fatal("disconnect pruned the roster")
	}
}

func TestSecondHostRefused(t *testing.T) {
	s := newTestSession(testSessionConfig())

	first := &client{send: make(chan any, 1), isHost: true}
	s.handleRegister(first)
	if s.hostConn != first {
		t.Fatal("first host claim not honored")
	}

	second := &client{send: make(chan any, 1), isHost: true}
	s.handleRegister(second)
	if s.hostConn != first {
		t.Fatal("second host claim displaced the first")
	}
	if _, ok := s.conns[second]; ok {
		t.Fatal("refused host connection was registered anyway")
	}
}

func TestNewSessionIDFormat(t *testing.T) {
	sm := &SessionManager{sessions: make(map[string]*session)}

	id := sm.newSessionID()
	if len(id) != 6 {
		t.Fatalf("session ID %q has length %d, want 6", id, len(id))
	}
	for _, r := range id {
		if strings.ContainsRune("IO01", r) {
			t.Errorf("session ID %q contains an ambiguous character", id)
		}
		if r >= 'a' && r <= 'z' {
			t.Errorf("session ID %q is not upper-case", id)
		}
	}
}

func TestSessionIdleCutoff(t *testing.T) {
	cfg := testSessionConfig()
	clock := clockwork.NewFakeClock()
	s := newSession(cfg, "TEST01", clock, newQuestionGenerator(cfg))

	if s.idle(clock.Now().Add(-time.Minute)) {
		t.Fatal("fresh session reported idle")
	}
	if !s.idle(clock.Now().Add(time.Minute)) {
		t.Fatal("stale session not reported idle")
	}
}

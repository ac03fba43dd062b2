package main

import (
	"crypto/rand"
	"strings"
	"unicode"
)

// GameState is the host-driven state machine, broadcast verbatim to players.
type GameState string

const (
	StateIdle            GameState = "IDLE"
	StateJoining         GameState = "JOINING"
	StateChallengeInvite GameState = "CHALLENGE_INVITE"
	StateQuestion        GameState = "QUESTION"
	StateLeaderboard     GameState = "LEADERBOARD"
	StateFinished        GameState = "FINISHED"
)

// Player is one roster entry. The ID is chosen client-side at join time and
// treated as opaque by the host. LastAnswer, IsCorrect, Invited and Accepted
// are per-round fields, cleared whenever the round advances.
type Player struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Score      int     `json:"score"`
	LastAnswer *string `json:"lastAnswer,omitempty"`
	IsCorrect  *bool   `json:"isCorrect,omitempty"`
	Invited    *bool   `json:"invited,omitempty"`
	Accepted   *bool   `json:"accepted,omitempty"`
}

// Question is one trivia item. The answer domain is the fixed subject list,
// so no explicit option set is carried per question.
type Question struct {
	ID            int    `json:"id"`
	Text          string `json:"text"`
	CorrectAnswer string `json:"correctAnswer"`
	FunFact       string `json:"funFact,omitempty"`
}

// Messages coming from clients (players and the host screen)
type ClientMessage struct {
	Type      string   `json:"type"`                // "JOIN", "ANSWER", "CHALLENGE_ACCEPTED", host commands
	Player    *Player  `json:"player,omitempty"`    // JOIN
	PlayerID  string   `json:"playerId,omitempty"`  // ANSWER / CHALLENGE_ACCEPTED
	Answer    string   `json:"answer,omitempty"`    // ANSWER
	PlayerIDs []string `json:"playerIds,omitempty"` // INVITE
}

// Player intents
const (
	msgJoin              = "JOIN"
	msgAnswer            = "ANSWER"
	msgChallengeAccepted = "CHALLENGE_ACCEPTED"
)

// Host-only commands, accepted solely from the session's host connection
const (
	msgStartGame           = "START_GAME"
	msgNextQuestion        = "NEXT_QUESTION"
	msgShowLeaderboard     = "SHOW_LEADERBOARD"
	msgBackToQuestion      = "BACK_TO_QUESTION"
	msgInvite              = "INVITE"
	msgRegenerateQuestions = "REGENERATE_QUESTIONS"
)

// SyncStateMessage carries the full game snapshot from host to players.
// Every broadcast is self-consistent; partial updates are never sent.
type SyncStateMessage struct {
	Type                 string     `json:"type"` // "SYNC_STATE"
	GameState            GameState  `json:"gameState"`
	CurrentQuestionIndex int        `json:"currentQuestionIndex"`
	Players              []Player   `json:"players"`
	Questions            []Question `json:"questions"`
	SessionID            string     `json:"sessionId"`
	TimerDuration        int        `json:"timerDuration,omitempty"` // whole seconds, 0 = untimed
	TimeLeft             *int       `json:"timeLeft,omitempty"`
	IsRevealing          bool       `json:"isRevealing"`
}

const msgSyncState = "SYNC_STATE"

// normalizeAnswer folds an answer for comparison: lower-cased, with
// everything except letters and digits stripped. "g-dragon", "G Dragon"
// and "GDragon!!" all normalize to "gdragon".
func normalizeAnswer(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

const baseAward = 100

// scoreAnswer compares a submitted answer against the question and returns
// the correctness flag plus the points to award. timeLeft is the remaining
// countdown at submission time; untimed sessions pass 0, so a correct
// answer is always worth at least the base award.
func scoreAnswer(q Question, answer string, timeLeft int) (bool, int) {
	if normalizeAnswer(answer) != normalizeAnswer(q.CorrectAnswer) {
		return false, 0
	}
	award := baseAward
	if timeLeft > 0 {
		award += timeLeft
	}
	return true, award
}

// shuffled returns a copy of the given strings in random order, used for the
// cosmetic per-player option ordering. Fisher-Yates using crypto/rand.
func shuffled(items []string) []string {
	out := make([]string, len(items))
	copy(out, items)

	for i := len(out) - 1; i > 0; i-- {
		var b [1]byte
		if _, err := rand.Read(b[:]); err != nil {
			continue
		}
		j := int(b[0]) % (i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }
func intPtr(v int) *int       { return &v }

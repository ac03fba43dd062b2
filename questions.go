package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Subjects is the fixed answer domain: every question's correct answer must
// be one of these four stage names.
var Subjects = []string{"G-Dragon", "T.O.P", "Taeyang", "Daesung"}

func validSubject(name string) bool {
	for _, s := range Subjects {
		if normalizeAnswer(s) == normalizeAnswer(name) {
			return true
		}
	}
	return false
}

// QuestionGenerator fetches a batch of trivia questions from an
// OpenAI-compatible chat completions endpoint. It is safe to call
// repeatedly; callers are expected to fall back to the built-in batch
// whenever it fails.
type QuestionGenerator struct {
	httpClient *http.Client
	apiURL     string
	apiKey     string
	model      string
	count      int
}

func newQuestionGenerator(cfg *Config) *QuestionGenerator {
	return &QuestionGenerator{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiURL:     strings.TrimSuffix(cfg.generatorURL, "/"),
		apiKey:     cfg.generatorKey,
		model:      cfg.generatorModel,
		count:      cfg.questionCount,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const generatorSystemPrompt = `You are a BIGBANG super-fan (V.I.P) writing trivia for a party quiz about the 4 members: G-Dragon, T.O.P, Taeyang, and Daesung. You must respond with ONLY a valid JSON array (no markdown, no code fences, no explanations) of objects with the fields: id (int), text (string), correctAnswer (string), funFact (string).

Rules:
- Every correctAnswer MUST be exactly one of: "G-Dragon", "T.O.P", "Taeyang", "Daesung"
- Do NOT include any questions or answers related to Seungri
- Focus on funny stories, variety show moments, music records, fashion choices, and gossip
- Provide a short funFact for the host to read aloud
- Return ONLY the JSON array, nothing else`

func (g *QuestionGenerator) buildPrompt(used []string, difficulty string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Generate exactly %d fun and challenging trivia questions.", g.count)
	if difficulty != "" {
		fmt.Fprintf(&b, " Target difficulty: %s.", difficulty)
	}
	if len(used) > 0 {
		b.WriteString(" Do not repeat any of these already-used questions:\n")
		for _, text := range used {
			b.WriteString("- " + text + "\n")
		}
	}
	return b.String()
}

// Generate requests a fresh batch. Any failure mode (missing credential,
// transport error, non-200, malformed JSON, answers outside the subject
// domain) is returned as an error so the caller can substitute the
// fallback batch.
func (g *QuestionGenerator) Generate(used []string, difficulty string) ([]Question, error) {
	if g.apiKey == "" {
		return nil, errors.New("no generator credential configured")
	}

	body, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: generatorSystemPrompt},
			{Role: "user", Content: g.buildPrompt(used, difficulty)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, g.apiURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generator request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generator returned status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, fmt.Errorf("failed to parse generator response: %w", err)
	}
	if chat.Error != nil {
		return nil, fmt.Errorf("generator error: %s", chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return nil, errors.New("empty generator response")
	}

	var batch []Question
	if err := json.Unmarshal([]byte(stripCodeFences(chat.Choices[0].Message.Content)), &batch); err != nil {
		return nil, fmt.Errorf("generator returned invalid JSON: %w", err)
	}
	if len(batch) == 0 {
		return nil, errors.New("generator returned an empty batch")
	}

	for i := range batch {
		if batch[i].Text == "" || !validSubject(batch[i].CorrectAnswer) {
			return nil, fmt.Errorf("generator returned invalid question at index %d", i)
		}
		batch[i].ID = i + 1
	}

	return batch, nil
}

func stripCodeFences(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

// fetchQuestions is the call sites' entry point: it never fails, degrading
// to the built-in batch so game start is never blocked on the collaborator.
func fetchQuestions(cfg *Config, gen *QuestionGenerator, used []string) []Question {
	batch, err := gen.Generate(used, cfg.difficulty)
	if err != nil {
		logf(cfg, "TRIVIA: Question generation failed (%v), using fallback batch", err)
		return fallbackQuestions()
	}
	logf(cfg, "TRIVIA: Generated a batch of %d questions", len(batch))
	return batch
}

// fallbackQuestions returns a fresh copy of the built-in batch so callers
// can never mutate the canonical set.
func fallbackQuestions() []Question {
	out := make([]Question, len(builtinBatch))
	copy(out, builtinBatch)
	return out
}

var builtinBatch = []Question{
	{ID: 1, Text: "Which member is known for having a massive collection of high-end furniture and once joked his house is like a museum?", CorrectAnswer: "T.O.P", FunFact: "T.O.P's art and chair collection is world-renowned!"},
	{ID: 2, Text: "Who was famously called the 'Smiling Angel' but is also known for his powerful rock-vocals and trot singing?", CorrectAnswer: "Daesung", FunFact: "Daesung's Japanese solo career as D-Lite is incredibly successful!"},
	{ID: 3, Text: "Which member released the hit solo 'Eyes, Nose, Lips' which was inspired by his now-wife Min Hyo-rin?", CorrectAnswer: "Taeyang", FunFact: "Taeyang was the first member to get married."},
	{ID: 4, Text: "Who is the legendary leader of the group, known as the 'King of K-Pop' and a global fashion icon?", CorrectAnswer: "G-Dragon", FunFact: "GD became a trainee at YG when he was only 12 years old."},
	{ID: 5, Text: "On 'Family Outing', which member was known for his hilarious chemistry with Yoo Jae-suk as the 'Dumb and Dumber' duo?", CorrectAnswer: "Daesung", FunFact: "Daesung was a variety show king in the late 2000s!"},
	{ID: 6, Text: "Which member has a pet dog named 'Gaho' that became almost as famous as he was during the 'Heartbreaker' era?", CorrectAnswer: "G-Dragon", FunFact: "Gaho is a Shar Pei and has appeared in many music videos."},
	{ID: 7, Text: "Who is known for his deep bass voice and for being the 'Visual' who loves pink but acts very charismatic on stage?", CorrectAnswer: "T.O.P", FunFact: "T.O.P was an underground rapper named Tempo before BIGBANG."},
	{ID: 8, Text: "Which member is widely considered the best dancer in the group and is famous for his soulful R&B vocals?", CorrectAnswer: "Taeyang", FunFact: "Taeyang's name means 'Sun' because he wanted to be a bright light for the world."},
	{ID: 9, Text: "Who famously wrote and produced the mega-hit 'Lies' which was originally intended to be his solo song?", CorrectAnswer: "G-Dragon", FunFact: "GD has over 170 songs registered under his name for royalties."},
	{ID: 10, Text: "Which member is known to be the most 'modest' and once said he prefers to stay at home rather than go out to clubs?", CorrectAnswer: "Daesung", FunFact: "Daesung is known for his polite and humble personality."},
}

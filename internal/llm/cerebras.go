package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/radebe49/objection-dojo/internal/game"
)

// systemPrompt sets up "The Skeptic CTO" persona and forces the strict
// JSON reply shape the orchestrator depends on.
const systemPrompt = `You are "The Skeptic CTO" - a busy, skeptical technology executive evaluating a sales pitch.

Your personality:
- Time-conscious and impatient with fluff
- Technically savvy - you see through buzzwords
- Respectful but direct
- You've heard every pitch before

Your job:
- Listen to the salesperson's pitch
- Respond with realistic objections OR agreement
- If genuinely convinced, you may agree to a meeting

ALWAYS respond with valid JSON in this exact format:
{
  "text": "Your spoken response here",
  "sentiment": "positive" | "negative" | "neutral",
  "deal_closed": true | false
}

Rules for sentiment:
- "positive": The pitch addressed your concerns well, you're warming up
- "negative": The pitch was weak, vague, or didn't answer your question
- "neutral": The pitch was okay but didn't move the needle

Rules for deal_closed:
- Set to true ONLY if you're genuinely convinced and ready to schedule a meeting
- This should be rare - you're a tough sell`

// maxParseRetries is how many times a malformed JSON reply is re-asked
// before giving up.
const maxParseRetries = 2

// Message is one prior conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PersonaReply is the validated structured reply from the persona.
type PersonaReply struct {
	Text       string
	Sentiment  game.Sentiment
	DealClosed bool
}

type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
}

type chatCompletionsRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
	Message      Message `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type personaReplyJSON struct {
	Text       string `json:"text"`
	Sentiment  string `json:"sentiment"`
	DealClosed bool   `json:"deal_closed"`
}

func NewCerebrasClient(apiKey, model string) *CerebrasClient {
	return &CerebrasClient{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		APIKey:     apiKey,
		Model:      model,
	}
}

// Respond asks the persona for its next turn. history is the prior
// conversation in order; userText is the latest pitch. Malformed JSON
// replies are retried up to maxParseRetries times.
func (c *CerebrasClient) Respond(ctx context.Context, history []Message, userText string) (PersonaReply, error) {
	if c.APIKey == "" {
		return PersonaReply{}, fmt.Errorf("cerebras: api key missing")
	}

	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: userText})

	var lastErr error
	for attempt := 0; attempt <= maxParseRetries; attempt++ {
		content, err := c.complete(ctx, messages)
		if err != nil {
			return PersonaReply{}, err
		}
		reply, err := parsePersonaReply(content)
		if err == nil {
			return reply, nil
		}
		lastErr = err
	}
	return PersonaReply{}, fmt.Errorf("cerebras: no valid JSON reply after %d attempts: %w", maxParseRetries+1, lastErr)
}

// Generate answers a bare prompt without persona history. Kept for ad-hoc
// use; the orchestrator goes through Respond.
func (c *CerebrasClient) Generate(ctx context.Context, prompt string) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("cerebras: api key missing")
	}
	content, err := c.complete(ctx, []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func (c *CerebrasClient) complete(ctx context.Context, messages []Message) (string, error) {
	endpoint := "https://api.cerebras.ai/v1/chat/completions"

	reqBody, _ := json.Marshal(chatCompletionsRequest{
		Model:       c.Model,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   500,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("cerebras error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("cerebras: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("cerebras: empty choices")
	}
	return cr.Choices[0].Message.Content, nil
}

// parsePersonaReply validates the model's JSON, tolerating a reply wrapped
// in markdown code fences.
func parsePersonaReply(content string) (PersonaReply, error) {
	content = stripCodeFences(strings.TrimSpace(content))

	var raw personaReplyJSON
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return PersonaReply{}, fmt.Errorf("cerebras: invalid JSON reply: %w", err)
	}
	if strings.TrimSpace(raw.Text) == "" {
		return PersonaReply{}, fmt.Errorf("cerebras: reply text empty")
	}
	sentiment, err := game.ParseSentiment(raw.Sentiment)
	if err != nil {
		return PersonaReply{}, err
	}
	return PersonaReply{
		Text:       strings.TrimSpace(raw.Text),
		Sentiment:  sentiment,
		DealClosed: raw.DealClosed,
	}, nil
}

// stripCodeFences removes a surrounding ``` block if the model wrapped its
// JSON in one.
func stripCodeFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	var kept []string
	inBlock := false
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "```") && !inBlock:
			inBlock = true
		case strings.HasPrefix(line, "```") && inBlock:
			return strings.Join(kept, "\n")
		case inBlock:
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

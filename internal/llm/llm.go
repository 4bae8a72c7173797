package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/chatsync/internal/models"
)

// maxTranscript caps the characters of conversation sent for a suggestion.
// The opening of a conversation names its topic, so the head is kept.
const maxTranscript = 8000

// TitleSuggestion holds the LLM-generated naming for a session.
type TitleSuggestion struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Client wraps the Anthropic API for session titling.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// transcript renders the text of a conversation, oldest first, one labelled
// block per message. Messages without text are skipped.
func transcript(msgs []models.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text())
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(string(m.Info.Role))
		sb.WriteString(": ")
		sb.WriteString(text)
		if sb.Len() >= maxTranscript {
			break
		}
	}
	out := sb.String()
	if len(out) > maxTranscript {
		out = out[:maxTranscript]
	}
	return out
}

// buildTitlePrompt constructs the system and user prompts for title suggestion.
func buildTitlePrompt(msgs []models.Message, current string) (system string, user string) {
	system = `You name conversations between a developer and a coding assistant. Return ONLY a JSON object with these fields:
- "title": a short title (at most 8 words) naming the task being worked on
- "summary": one sentence describing what the conversation accomplished so far

Rules:
- Prefer concrete nouns from the conversation (file names, features, errors) over generic words
- Do not start the title with "Conversation", "Chat" or "Session"
- No trailing punctuation in the title
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	if current != "" {
		sb.WriteString("Current title: ")
		sb.WriteString(current)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Conversation:\n\n")
	sb.WriteString(transcript(msgs))
	user = sb.String()
	return
}

// stripFence removes a surrounding markdown code fence, if present.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

func parseSuggestion(text string) (*TitleSuggestion, error) {
	text = stripFence(text)
	var s TitleSuggestion
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	s.Title = strings.TrimRight(strings.TrimSpace(s.Title), ".!")
	if s.Title == "" {
		return nil, fmt.Errorf("LLM response has no title")
	}
	return &s, nil
}

// SuggestTitle sends a session's conversation to the LLM and returns a title
// for it. current is the session's present title and may be empty.
func (c *Client) SuggestTitle(ctx context.Context, msgs []models.Message, current string) (*TitleSuggestion, error) {
	systemPrompt, userPrompt := buildTitlePrompt(msgs, current)
	if strings.HasSuffix(userPrompt, "Conversation:\n\n") {
		return nil, fmt.Errorf("session has no text to title")
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 256,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	return parseSuggestion(text)
}

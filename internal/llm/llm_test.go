package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/chatsync/internal/models"
)

func textMessage(role models.Role, text string) models.Message {
	return models.Message{
		Info:  models.MessageInfo{ID: "msg_" + text, Role: role},
		Parts: []models.Part{{ID: "prt_" + text, Type: models.PartTypeText, Text: text}},
	}
}

func TestBuildTitlePrompt(t *testing.T) {
	msgs := []models.Message{
		textMessage(models.RoleUser, "Fix the flaky login test"),
		textMessage(models.RoleAssistant, "The test races on the session cookie."),
	}

	t.Run("with current title", func(t *testing.T) {
		system, user := buildTitlePrompt(msgs, "New session")

		assert.Contains(t, system, "JSON object")
		assert.Contains(t, system, `"title"`)
		assert.Contains(t, system, `"summary"`)

		assert.Contains(t, user, "Current title: New session")
		assert.Contains(t, user, "user: Fix the flaky login test")
		assert.Contains(t, user, "assistant: The test races on the session cookie.")
	})

	t.Run("without current title", func(t *testing.T) {
		_, user := buildTitlePrompt(msgs, "")
		assert.NotContains(t, user, "Current title")
		assert.True(t, strings.HasPrefix(user, "Conversation:"))
	})
}

func TestTranscript(t *testing.T) {
	t.Run("skips messages without text", func(t *testing.T) {
		tool := models.Message{
			Info:  models.MessageInfo{ID: "msg_tool", Role: models.RoleAssistant},
			Parts: []models.Part{{ID: "prt_tool", Type: models.PartTypeTool, Tool: "bash"}},
		}
		out := transcript([]models.Message{textMessage(models.RoleUser, "hi"), tool})
		assert.Equal(t, "user: hi", out)
	})

	t.Run("caps length keeping the head", func(t *testing.T) {
		long := strings.Repeat("x", maxTranscript)
		out := transcript([]models.Message{
			textMessage(models.RoleUser, "first"),
			textMessage(models.RoleAssistant, long),
			textMessage(models.RoleUser, "never reached"),
		})
		assert.Len(t, out, maxTranscript)
		assert.True(t, strings.HasPrefix(out, "user: first"))
		assert.NotContains(t, out, "never reached")
	})
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"title":"x"}`, stripFence("```json\n{\"title\":\"x\"}\n```"))
	assert.Equal(t, `{"title":"x"}`, stripFence(`  {"title":"x"}  `))
}

func TestParseSuggestion(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		s, err := parseSuggestion("```\n{\"title\":\"Fix login test race.\",\"summary\":\"Found the race.\"}\n```")
		require.NoError(t, err)
		assert.Equal(t, "Fix login test race", s.Title)
		assert.Equal(t, "Found the race.", s.Summary)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := parseSuggestion("Sure! Here is a title")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse LLM response")
	})

	t.Run("empty title", func(t *testing.T) {
		_, err := parseSuggestion(`{"title":"  ","summary":"x"}`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no title")
	})
}

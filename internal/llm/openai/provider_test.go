package openai

import (
	"testing"

	"github.com/quarrylabs/quarry/internal/domain/models"
	"github.com/quarrylabs/quarry/internal/ports"
)

func TestBuildParams(t *testing.T) {
	temp := 0.3
	turns := []models.ChatTurn{
		{Role: models.MessageRoleSystem, Content: "Be terse."},
		{Role: models.MessageRoleUser, Content: "Hi"},
		{Role: models.MessageRoleAssistant, Content: "Hello."},
		{Role: models.MessageRoleUser, Content: "Bye"},
	}

	params, err := buildParams("gpt-4o", turns, ports.ChatParams{Temperature: &temp, MaxTokens: 128, StopSequences: []string{"END"}})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if string(params.Model) != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %s", params.Model)
	}
	if len(params.Messages) != 4 {
		t.Errorf("expected 4 messages, got %d", len(params.Messages))
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.3 {
		t.Errorf("expected temperature 0.3, got %+v", params.Temperature)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 128 {
		t.Errorf("expected max tokens 128, got %+v", params.MaxCompletionTokens)
	}
}

func TestBuildParamsRejectsUnknownRole(t *testing.T) {
	_, err := buildParams("gpt-4o", []models.ChatTurn{{Role: "tool", Content: "x"}}, ports.ChatParams{})
	if err == nil {
		t.Fatal("expected error for unsupported role")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		id        string
		window    int
		reasoning bool
		tools     bool
	}{
		{"gpt-4o", 128_000, false, true},
		{"gpt-4", 8_192, false, true},
		{"gpt-3.5-turbo", 16_385, false, true},
		{"o1-mini", 128_000, true, false},
		{"o3", 200_000, true, true},
	}
	for _, tt := range tests {
		d := describe(tt.id)
		if d.ContextWindow != tt.window {
			t.Errorf("%s: expected window %d, got %d", tt.id, tt.window, d.ContextWindow)
		}
		if d.Reasoning != tt.reasoning {
			t.Errorf("%s: expected reasoning=%v", tt.id, tt.reasoning)
		}
		if d.Tools != tt.tools {
			t.Errorf("%s: expected tools=%v", tt.id, tt.tools)
		}
		if !d.Streaming {
			t.Errorf("%s: expected streaming", tt.id)
		}
	}
}

func TestIsChatModel(t *testing.T) {
	for _, id := range []string{"gpt-4o", "gpt-4o-mini", "o1-preview", "chatgpt-4o-latest"} {
		if !isChatModel(id) {
			t.Errorf("expected %s to be a chat model", id)
		}
	}
	for _, id := range []string{"text-embedding-3-small", "whisper-1", "dall-e-3", "tts-1"} {
		if isChatModel(id) {
			t.Errorf("expected %s to be filtered out", id)
		}
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New("", "", 0); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

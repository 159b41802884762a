package translate

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rakunlabs/arenabridge/internal/config"
	"github.com/rakunlabs/arenabridge/internal/openaiwire"
)

func msg(role, content string) openaiwire.Message {
	raw, _ := json.Marshal(content)
	return openaiwire.Message{Role: role, Content: raw}
}

func baseConfig() *config.Config {
	return &config.Config{
		IDUpdaterLastMode:     config.ModeDirectChat,
		IDUpdaterBattleTarget: config.TargetA,
	}
}

func TestTavernModeMergesSystemMessages(t *testing.T) {
	cfg := baseConfig()
	cfg.TavernModeEnabled = true

	in := Input{
		Config: cfg,
		Request: openaiwire.ChatCompletionRequest{
			Messages: []openaiwire.Message{
				msg("system", "S1"),
				msg("user", "U"),
				msg("system", "S2"),
			},
		},
	}

	out, err := Translate(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	if len(out.MessageTemplates) != 2 {
		t.Fatalf("len(templates) = %d, want 2", len(out.MessageTemplates))
	}
	if out.MessageTemplates[0].Role != "system" || out.MessageTemplates[0].Content != "S1\n\nS2" {
		t.Errorf("merged system message = %+v", out.MessageTemplates[0])
	}
	if len(out.MessageTemplates[0].Attachments) != 0 {
		t.Error("expected merged system message to have no attachments")
	}
	if out.MessageTemplates[1].Role != "user" {
		t.Errorf("second message role = %q, want user", out.MessageTemplates[1].Role)
	}
}

func TestImageAttachmentBypassSplitsLastUserMessage(t *testing.T) {
	cfg := baseConfig()
	cfg.ImageAttachmentBypassEnabled = true

	content, _ := json.Marshal([]openaiwire.ContentPart{
		{Type: "text", Text: "draw variant"},
		{Type: "image_url", ImageURL: &openaiwire.ImageURL{URL: "https://example.com/a.png"}},
	})

	in := Input{
		Config:    cfg,
		ModelType: config.ModelTypeImage,
		Request: openaiwire.ChatCompletionRequest{
			Messages: []openaiwire.Message{
				{Role: "user", Content: content},
			},
		},
	}

	out, err := Translate(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	if len(out.MessageTemplates) != 2 {
		t.Fatalf("len(templates) = %d, want 2", len(out.MessageTemplates))
	}
	first, second := out.MessageTemplates[0], out.MessageTemplates[1]
	if first.Content != " " || len(first.Attachments) != 1 {
		t.Errorf("first split message = %+v", first)
	}
	if second.Content != "draw variant" || len(second.Attachments) != 0 {
		t.Errorf("second split message = %+v", second)
	}
}

func TestBypassDisabledAppendsNothing(t *testing.T) {
	cfg := baseConfig()
	cfg.BypassEnabled = false

	in := Input{
		Config: cfg,
		Request: openaiwire.ChatCompletionRequest{
			Messages: []openaiwire.Message{msg("user", "hi")},
		},
	}

	out, err := Translate(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(out.MessageTemplates) != 1 {
		t.Fatalf("len(templates) = %d, want 1 (no injected message)", len(out.MessageTemplates))
	}
}

func TestBypassEnabledAppendsConfiguredPreset(t *testing.T) {
	cfg := baseConfig()
	cfg.BypassEnabled = true
	cfg.BypassInjection = config.BypassInjection{
		ActivePreset: "default",
		Presets: map[string]config.BypassPreset{
			"default": {Role: "user", Content: "continue", ParticipantPosition: "a"},
		},
	}

	in := Input{
		Config:    cfg,
		ModelType: config.ModelTypeText,
		Request: openaiwire.ChatCompletionRequest{
			Messages: []openaiwire.Message{msg("user", "hi")},
		},
	}

	out, err := Translate(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(out.MessageTemplates) != 2 {
		t.Fatalf("len(templates) = %d, want 2", len(out.MessageTemplates))
	}
	last := out.MessageTemplates[len(out.MessageTemplates)-1]
	if last.Content != "continue" || last.Role != "user" {
		t.Errorf("injected message = %+v", last)
	}
}

func TestBypassDefaultsOffForImageAndSearch(t *testing.T) {
	cfg := baseConfig()
	cfg.BypassEnabled = true // global on, but image/search default off without explicit override

	for _, mt := range []config.ModelType{config.ModelTypeImage, config.ModelTypeSearch} {
		if effectiveBypass(cfg, mt) {
			t.Errorf("modelType %q: expected bypass to default off", mt)
		}
	}
	if !effectiveBypass(cfg, config.ModelTypeText) {
		t.Error("modelType text: expected bypass to follow global flag")
	}
}

func TestParticipantPositionDirectChat(t *testing.T) {
	msgs := []workMessage{{Role: "system"}, {Role: "user"}, {Role: "assistant"}}
	applyParticipantPosition(msgs, config.ModeDirectChat, "")

	if msgs[0].ParticipantPosition != "b" {
		t.Errorf("system position = %q, want b", msgs[0].ParticipantPosition)
	}
	if msgs[1].ParticipantPosition != "a" || msgs[2].ParticipantPosition != "a" {
		t.Errorf("non-system positions = %q, %q, want a, a", msgs[1].ParticipantPosition, msgs[2].ParticipantPosition)
	}
}

func TestParticipantPositionBattle(t *testing.T) {
	msgs := []workMessage{{Role: "system"}, {Role: "user"}}
	applyParticipantPosition(msgs, config.ModeBattle, config.TargetB)

	if msgs[0].ParticipantPosition != "b" || msgs[1].ParticipantPosition != "b" {
		t.Errorf("battle positions = %q, %q, want b, b", msgs[0].ParticipantPosition, msgs[1].ParticipantPosition)
	}
}

func TestAssistantMarkdownImageExtraction(t *testing.T) {
	text, atts := extractMarkdownImages("here you go ![result](https://example.com/out.png) enjoy")
	if text != "here you go  enjoy" && text != "here you go enjoy" {
		t.Errorf("stripped text = %q", text)
	}
	if len(atts) != 1 || atts[0].URL != "https://example.com/out.png" {
		t.Errorf("attachments = %+v", atts)
	}
}

type fakeUploader struct {
	calls int
	url   string
}

func (f *fakeUploader) Upload(_ context.Context, _ string, _ []byte, _ string) (string, error) {
	f.calls++
	return f.url, nil
}

func TestFileBedUploadReplacesInlineBase64(t *testing.T) {
	cfg := baseConfig()
	cfg.FileBedEnabled = true

	content, _ := json.Marshal([]openaiwire.ContentPart{
		{Type: "image_url", ImageURL: &openaiwire.ImageURL{URL: "data:image/png;base64,aGVsbG8="}},
	})

	in := Input{
		Config: cfg,
		Request: openaiwire.ChatCompletionRequest{
			Messages: []openaiwire.Message{{Role: "user", Content: content}},
		},
	}

	up := &fakeUploader{url: "https://filebed.example.com/abc.png"}
	out, err := Translate(context.Background(), in, up)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	if up.calls != 1 {
		t.Fatalf("upload calls = %d, want 1", up.calls)
	}
	att := out.MessageTemplates[0].Attachments[0]
	if att.URL != up.url {
		t.Errorf("attachment URL = %q, want %q", att.URL, up.url)
	}
}

package translate

import (
	"github.com/rakunlabs/arenabridge/internal/config"
)

// effectiveBypass resolves whether bypass injection applies to modelType,
// per the precedence rule: global off always wins; an explicit per-type
// setting wins next; otherwise image/search default off and text follows
// the global flag.
func effectiveBypass(cfg *config.Config, modelType config.ModelType) bool {
	if !cfg.BypassEnabled {
		return false
	}

	var override *bool
	switch modelType {
	case config.ModelTypeText:
		override = cfg.BypassSettings.Text
	case config.ModelTypeImage:
		override = cfg.BypassSettings.Image
	case config.ModelTypeSearch:
		override = cfg.BypassSettings.Search
	}

	if override != nil {
		return *override
	}

	if modelType == config.ModelTypeImage || modelType == config.ModelTypeSearch {
		return false
	}
	return true
}

// applyBypassInjection appends the configured trailing message when bypass
// is active for modelType; it is a no-op otherwise.
func applyBypassInjection(msgs []workMessage, cfg *config.Config, modelType config.ModelType) []workMessage {
	if !effectiveBypass(cfg, modelType) {
		return msgs
	}

	preset, ok := cfg.BypassInjection.Presets[cfg.BypassInjection.ActivePreset]
	if !ok {
		if cfg.BypassInjection.Custom != nil {
			preset = *cfg.BypassInjection.Custom
		} else {
			preset = config.BypassPreset{Role: "user", Content: " ", ParticipantPosition: "a"}
		}
	}

	injected := workMessage{
		Role:                preset.Role,
		Text:                preset.Content,
		ParticipantPosition: preset.ParticipantPosition,
	}

	return append(msgs, injected)
}

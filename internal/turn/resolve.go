package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gmkit/internal/config"
	"gmkit/internal/logging"
)

type resolution struct {
	immediateText string
	followups     []string
	writes        []StateWriteSpec
	delayedEvents []map[string]any
	needsFollowup bool
	recurseReason string
}

const (
	maxPromptSectionChars = 4000
	maxPromptSnippets     = 3
)

const translateSystem = "You are a translation post-processor for a tabletop RPG GM. " +
	"Translate the GM response into the target language only. " +
	"Keep it concise and preserve game meaning."

// resolve produces this step's narration. The LLM is used when budget
// remains; an exhausted budget yields a deterministic holding line, while a
// provider failure surfaces to the caller.
func (c *Controller) resolve(ctx context.Context, tc TurnContext, s *config.Config, stateView map[string]any, hits []Hit, n *counters) (resolution, error) {
	if n.llmCalls >= c.budget.MaxLLMCallsPerTurn {
		return resolution{immediateText: llmExhaustedText}, nil
	}

	c.events.Event(tc, "llm_call", map[string]any{"phase": "resolve"})

	memory := ""
	if s.Prompts.IncludeMemory && s.Prompts.MemoryTurns > 0 {
		memory = formatMemory(stateView, s.Prompts.MemoryTurns)
	}
	if memory == "" {
		memory = "(empty)"
	}

	snippets := formatSnippets(hits, maxPromptSnippets)
	if snippets == "" {
		snippets = "(none)"
	}

	stateJSON := "{}"
	if b, err := json.Marshal(stateView); err == nil {
		stateJSON = string(b)
	}

	user := renderTemplate(s.Prompts.ResolveUserTemplate, map[string]string{
		"transcript": tc.TranscriptText,
		"state_json": stateJSON,
		"snippets":   capChars(snippets, maxPromptSectionChars),
		"memory":     capChars(memory, maxPromptSectionChars),
	})

	detectedLang := strings.TrimSpace(tc.Locale)
	targetLang := detectedLang
	if targetLang == "" {
		targetLang = "en-US"
	}
	var languagePolicy string
	if strings.ToLower(strings.TrimSpace(s.Prompts.ResponseLanguageMode)) == "locale" {
		forced := strings.TrimSpace(s.Voice.Locale)
		if forced == "" {
			forced = detectedLang
		}
		if forced == "" {
			forced = "en-US"
		}
		targetLang = forced
		languagePolicy = "Reply ONLY in locale/language " + forced + ". " +
			"Do not switch languages even if the player speaks another language."
	} else if detectedLang != "" {
		languagePolicy = "Reply ONLY in the player's language (" + detectedLang + "). " +
			"Never translate to English unless the player spoke English. " +
			"If the player switches language, switch to that language."
	} else {
		languagePolicy = "Reply ONLY in the same language as the player's latest utterance. " +
			"If mixed, use the dominant language and avoid translating to English by default."
	}

	kbPolicy := ""
	if snippets != "(none)" {
		kbPolicy = "Use the provided knowledge snippets as the source of truth for rules/lore. " +
			"When applying a rule, cite the snippet header briefly (for example: [doc_id p12])."
	}

	lang := detectedLang
	if lang == "" {
		lang = "unknown"
	}
	user = "Detected player language tag: " + lang + "\n\n" + user

	systemPrompt := s.Prompts.ResolveSystem + "\n\nLanguage policy: " + languagePolicy
	if kbPolicy != "" {
		systemPrompt += "\n\nKnowledge policy: " + kbPolicy
	}

	out, err := c.llm.Complete(ctx, systemPrompt, user, 0.2)
	n.llmCalls++
	if err != nil {
		c.events.Error(tc, "resolve_failed", map[string]any{"error": err.Error()})
		return resolution{}, fmt.Errorf("failed to resolve narration: %w", err)
	}
	immediate := strings.TrimSpace(out)

	// Safety net: when the target is non-English but the draft reads as
	// English, spend one more call translating so players hear the GM in
	// their language.
	targetBase := langBase(targetLang)
	if targetBase != "" && targetBase != "en" && looksEnglishish(immediate) {
		if n.llmCalls < c.budget.MaxLLMCallsPerTurn {
			c.events.Event(tc, "llm_call", map[string]any{
				"phase":       "resolve_translate",
				"target_lang": targetLang,
			})
			transUser := "Target language tag: " + targetLang + "\n\n" +
				"Player original utterance:\n" + tc.TranscriptText + "\n\n" +
				"GM draft response:\n" + immediate + "\n\n" +
				"Return only the translated GM response."
			translated, err := c.llm.Complete(ctx, translateSystem, transUser, 0.0)
			n.llmCalls++
			if err != nil {
				logging.ResolveDebug("Translation post-pass failed: %v", err)
			} else if tr := strings.TrimSpace(translated); tr != "" {
				immediate = tr
			}
		}
	}

	return resolution{immediateText: immediate}, nil
}

func capChars(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

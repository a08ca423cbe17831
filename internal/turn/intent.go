package turn

import (
	"context"
	"fmt"
	"strings"

	"gmkit/internal/config"
)

type intent struct {
	kind       string
	reads      []StateReadSpec
	retrievals []RetrievalSpec
}

var questionStarters = []string{"what", "why", "how", "who", "where", "when", "can ", "do ", "does "}

var (
	rulesKeywords    = []string{"rule", "how does", "can i", "allowed", "attack", "spell", "damage"}
	gmAdviceKeywords = []string{"how to run", "gm", "game master", "session", "pacing", "improv"}
	charKeywords     = []string{"npc", "character", "who is", "who's", "who are"}
	locKeywords      = []string{"location", "where is", "where's", "town", "city", "village", "dungeon"}
	questKeywords    = []string{"quest", "mission", "objective", "hook", "reward"}
	factionKeywords  = []string{"faction", "guild", "clan", "cult", "order"}
	itemKeywords     = []string{"item", "weapon", "armor", "potion", "artifact"}
	monsterKeywords  = []string{"monster", "creature", "beast", "dragon", "undead"}
	storyKeywords    = []string{"story", "plot", "scene", "chapter"}

	actionVerbs = []string{"i ", "we ", "attack", "go", "take", "use"}
)

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// interpretIntent decides which state reads and knowledge retrievals the turn
// needs. Deterministic keyword routing does the work; an LLM classification
// is spent only on short, ambiguous utterances.
func (c *Controller) interpretIntent(ctx context.Context, tc TurnContext, s *config.Config, n *counters) (intent, error) {
	text := strings.ToLower(strings.TrimSpace(tc.TranscriptText))

	reads := []StateReadSpec{{Kind: "campaign_snapshot", Params: map[string]any{}}}
	if s.Prompts.IncludeMemory && s.Prompts.MemoryTurns > 0 {
		reads = append(reads, StateReadSpec{
			Kind:   "interaction_log",
			Params: map[string]any{"limit": s.Prompts.MemoryTurns},
		})
	}

	var retrievals []RetrievalSpec
	if s.Knowledge.Enabled {
		// Query knowledge once per turn whenever it is enabled, so the GM
		// stays grounded in the rulebook/lore index even for short action
		// utterances.
		isQuestion := strings.Contains(text, "?")
		if !isQuestion {
			for _, w := range questionStarters {
				if strings.HasPrefix(text, w) {
					isQuestion = true
					break
				}
			}
		}

		filters := map[string]any{}
		if len(s.Knowledge.ActiveDocIDs) > 0 {
			filters["doc_id"] = append([]string{}, s.Knowledge.ActiveDocIDs...)
		}
		switch {
		case containsAny(text, gmAdviceKeywords):
			filters["doc_kind"] = ChunkGMAdvice
		case containsAny(text, rulesKeywords):
			filters["type"] = ChunkRules
		default:
			// Route to likely chunk types when possible; otherwise search broadly.
			var types []string
			if containsAny(text, charKeywords) {
				types = append(types, ChunkCharacters)
			}
			if containsAny(text, locKeywords) {
				types = append(types, ChunkLocations)
			}
			if containsAny(text, questKeywords) {
				types = append(types, ChunkQuests)
			}
			if containsAny(text, factionKeywords) {
				types = append(types, ChunkFactions)
			}
			if containsAny(text, itemKeywords) {
				types = append(types, ChunkItems)
			}
			if containsAny(text, monsterKeywords) {
				types = append(types, ChunkMonsters)
			}
			if containsAny(text, storyKeywords) {
				types = append(types, ChunkStory)
			}
			if len(types) == 0 {
				if isQuestion {
					types = []string{ChunkLore, ChunkStory, ChunkCharacters, ChunkLocations, ChunkQuests}
				} else {
					types = []string{ChunkRules, ChunkLore, ChunkStory, ChunkExamples, ChunkTables}
				}
			}
			filters["type"] = types
		}

		topK := s.Knowledge.TopK
		if topK <= 0 {
			topK = 5
		}
		retrievals = append(retrievals, RetrievalSpec{
			Query:   tc.TranscriptText,
			TopK:    topK,
			Filters: filters,
		})
	}

	// Short, ambiguous utterances get one bounded LLM classification.
	var kind string
	if len(text) < 12 && n.llmCalls < c.budget.MaxLLMCallsPerTurn {
		c.events.Event(tc, "llm_call", map[string]any{"phase": "intent_classify"})
		out, err := c.llm.Complete(ctx, s.Prompts.IntentClassifySystem, tc.TranscriptText, 0.0)
		n.llmCalls++
		if err != nil {
			c.events.Error(tc, "intent_classify_failed", map[string]any{"error": err.Error()})
			return intent{}, fmt.Errorf("failed to classify intent: %w", err)
		}
		kind = firstLine(out, 64)
	} else {
		kind = heuristicKind(text)
	}

	return intent{kind: kind, reads: reads, retrievals: retrievals}, nil
}

func heuristicKind(text string) string {
	if containsAny(text, actionVerbs) {
		return "action"
	}
	return "question"
}

func firstLine(s string, max int) string {
	line := strings.TrimSpace(s)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if len(line) > max {
		line = line[:max]
	}
	return line
}

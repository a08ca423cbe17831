// Package turn implements the turn-resolution controller: the recursive,
// budget-bounded algorithm that converts one player utterance into a committed
// state change plus a narration plan.
//
// The controller is the only component allowed to call the LLM provider.
// Everything it needs from the outside world arrives through the collaborator
// interfaces declared in this package, so audio transport, storage engines and
// vector backends stay swappable.
package turn

// ChunkType values recognized in knowledge metadata routing.
const (
	ChunkRules      = "rules"
	ChunkLore       = "lore"
	ChunkExamples   = "examples"
	ChunkTables     = "tables"
	ChunkCharacters = "characters"
	ChunkLocations  = "locations"
	ChunkQuests     = "quests"
	ChunkFactions   = "factions"
	ChunkItems      = "items"
	ChunkMonsters   = "monsters"
	ChunkGMAdvice   = "gm_advice"
	ChunkStory      = "story"
	ChunkUnknown    = "unknown"
)

// Budget is the immutable per-turn cost ceiling. One Budget is constructed per
// controller instance and shared across all turns; per-turn counters live on
// the stack of a single HandleTurn call.
type Budget struct {
	MaxDepth                   int
	MaxLLMCallsPerTurn         int
	MaxRetrievalQueriesPerTurn int
	MaxStateReadsPerTurn       int
	MaxStateWritesPerTurn      int
}

// DefaultBudget returns the process-wide default ceilings.
func DefaultBudget() Budget {
	return Budget{
		MaxDepth:                   2,
		MaxLLMCallsPerTurn:         3,
		MaxRetrievalQueriesPerTurn: 2,
		MaxStateReadsPerTurn:       20,
		MaxStateWritesPerTurn:      20,
	}
}

// TurnContext is the immutable identity of one utterance. The interaction
// layer creates it; the controller only reads it.
type TurnContext struct {
	CampaignID     string
	SessionID      string
	TurnID         string
	PlayerID       string
	TranscriptText string
	Locale         string
}

// RetrievalSpec describes one knowledge-store query. Filter values are either
// a string (equality) or a []string (membership); filter semantics are owned
// by the knowledge collaborator.
type RetrievalSpec struct {
	Query   string
	TopK    int
	Filters map[string]any
}

// StateReadSpec names a read operation against the state collaborator.
type StateReadSpec struct {
	Kind   string
	Params map[string]any
}

// StateWriteSpec names a write operation against the state collaborator.
type StateWriteSpec struct {
	Kind   string
	Params map[string]any
}

// NarrationPlan is the output contract of one resolved turn.
type NarrationPlan struct {
	// ImmediateText must be producible fast so TTS can start streaming.
	ImmediateText string
	// Followups are additional chunks, produced after the immediate text.
	Followups []string
	// Writes are committed as a single transaction before the plan is returned.
	Writes []StateWriteSpec
	// DelayedEvents are payloads scheduled for later asynchronous effect.
	DelayedEvents []map[string]any
	// Debug carries optional diagnostics surfaced to the client/UI.
	Debug map[string]any
}

// Hit is one retrieved passage of rulebook/lore text.
type Hit struct {
	Text  string
	Score float64
	Meta  map[string]any
}

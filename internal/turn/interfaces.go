package turn

import "context"

// LLMProvider is the single operation the controller needs from a completion
// backend. Failures propagate to the caller of HandleTurn.
type LLMProvider interface {
	Complete(ctx context.Context, system, user string, temperature float64) (string, error)
}

// StateStore is the persistent campaign state collaborator. The controller
// never issues storage operations directly; StateReadSpec/StateWriteSpec are
// its only vocabulary.
type StateStore interface {
	// EnsureCampaign creates the campaign row if absent. Idempotent.
	EnsureCampaign(ctx context.Context, tc TurnContext, name string) error
	// EnsurePlayerProfile creates/updates the player profile row. Best-effort
	// from the controller's perspective.
	EnsurePlayerProfile(ctx context.Context, tc TurnContext, displayName, voiceProfile string) error
	// Read executes the given read specs and returns a kind-keyed view.
	Read(ctx context.Context, tc TurnContext, reads []StateReadSpec) (map[string]any, error)
	// ApplyWrites commits all writes atomically.
	ApplyWrites(ctx context.Context, tc TurnContext, writes []StateWriteSpec) error
	// ScheduleDelayedEvent persists a payload for later asynchronous firing.
	ScheduleDelayedEvent(ctx context.Context, tc TurnContext, event map[string]any) error
}

// KnowledgeStore retrieves rulebook/lore passages. Disabled knowledge is
// represented by a store that always returns an empty list.
type KnowledgeStore interface {
	Search(ctx context.Context, tc TurnContext, spec RetrievalSpec) ([]Hit, error)
}

// EventLogger is the write-only audit channel. Calls are fire-and-forget from
// the controller's perspective and must never block the turn path.
type EventLogger interface {
	TurnStarted(tc TurnContext)
	TurnFinished(tc TurnContext, latencyMS int)
	AppendNarration(tc TurnContext, plan NarrationPlan)
	Event(tc TurnContext, kind string, payload map[string]any)
	Error(tc TurnContext, kind string, payload map[string]any)
}

// NullKnowledgeStore is the disabled-knowledge collaborator.
type NullKnowledgeStore struct{}

// Search always returns no hits.
func (NullKnowledgeStore) Search(ctx context.Context, tc TurnContext, spec RetrievalSpec) ([]Hit, error) {
	return nil, nil
}

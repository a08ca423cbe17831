package knowledge

import (
	"context"

	"gmkit/internal/turn"
)

// RoutedStore splits retrieval across two collections: one for game material
// (rules, lore, tables) and one for GM guidance. Queries tagged gm_advice go
// to the guidance collection, everything else to the game collection.
type RoutedStore struct {
	Game     turn.KnowledgeStore
	Guidance turn.KnowledgeStore
}

// Search routes the spec by its doc_kind filter.
func (r *RoutedStore) Search(ctx context.Context, tc turn.TurnContext, spec turn.RetrievalSpec) ([]turn.Hit, error) {
	if r.Guidance != nil && wantsGuidance(spec.Filters) {
		return r.Guidance.Search(ctx, tc, spec)
	}
	return r.Game.Search(ctx, tc, spec)
}

func wantsGuidance(filters map[string]any) bool {
	switch v := filters["doc_kind"].(type) {
	case string:
		return v == "gm_advice"
	case []string:
		return containsString(v, "gm_advice")
	case []any:
		for _, item := range v {
			if asString(item) == "gm_advice" {
				return true
			}
		}
	}
	return false
}

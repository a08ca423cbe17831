package turn

import (
	"context"
	"sync"
	"time"

	"gmkit/internal/config"
	"gmkit/internal/logging"
)

// Narration used when recursion exhausts the depth budget.
const depthExceededText = "I pause—something about this situation is unclear. Let’s simplify and continue."

// Narration used when the LLM budget is already spent before resolution.
const llmExhaustedText = "Understood. Describe exactly what you do, and I’ll resolve the consequences."

// Controller resolves turns. Voice transport (or any client) can only call
// HandleTurn; LLM calls happen only inside the controller, bounded by the
// budget.
type Controller struct {
	llm       LLMProvider
	state     StateStore
	knowledge KnowledgeStore
	events    EventLogger
	budget    Budget
	settings  func() *config.Config

	// resolveFn is the resolution strategy, replaceable in tests.
	resolveFn func(ctx context.Context, tc TurnContext, s *config.Config, stateView map[string]any, hits []Hit, n *counters) (resolution, error)

	bg sync.WaitGroup
}

// New builds a controller. settings provides a fresh config snapshot per
// turn; nil means defaults. A nil knowledge store disables retrieval.
func New(llm LLMProvider, state StateStore, knowledge KnowledgeStore, events EventLogger, settings func() *config.Config, budget Budget) *Controller {
	if knowledge == nil {
		knowledge = NullKnowledgeStore{}
	}
	if settings == nil {
		def := config.DefaultConfig()
		settings = func() *config.Config { return def }
	}
	c := &Controller{
		llm:       llm,
		state:     state,
		knowledge: knowledge,
		events:    events,
		budget:    budget,
		settings:  settings,
	}
	c.resolveFn = c.resolve
	return c
}

// Wait blocks until all background post-turn work has drained. Used at
// shutdown and in tests.
func (c *Controller) Wait() {
	c.bg.Wait()
}

// HandleTurn resolves one utterance end to end. State writes are committed
// before the plan is returned, so narration never runs ahead of reality.
func (c *Controller) HandleTurn(ctx context.Context, tc TurnContext) (NarrationPlan, error) {
	started := time.Now()
	c.events.TurnStarted(tc)
	logging.Turn("Turn %s started (campaign=%s player=%s)", tc.TurnID, tc.CampaignID, tc.PlayerID)

	// One settings snapshot for the whole turn: a config edit mid-turn never
	// changes behavior between recursion levels.
	s := c.settings()

	// The campaign row must exist before any FK-backed writes.
	if err := c.state.EnsureCampaign(ctx, tc, ""); err != nil {
		return NarrationPlan{}, err
	}

	// Keep the player registry in sync with configured profiles. Best-effort:
	// a failure here must not block gameplay.
	c.syncPlayerProfile(ctx, tc, s)

	plan, err := c.step(ctx, tc, s, 0, new(counters))
	if err != nil {
		return NarrationPlan{}, err
	}

	// Always append an interaction log entry; the DB is the continuity spine.
	plan.Writes = append(plan.Writes, StateWriteSpec{
		Kind: "append_log",
		Params: map[string]any{
			"entry": map[string]any{
				"kind":        "turn",
				"campaign_id": tc.CampaignID,
				"session_id":  tc.SessionID,
				"turn_id":     tc.TurnID,
				"player_id":   tc.PlayerID,
				"locale":      tc.Locale,
				"player_text": tc.TranscriptText,
				"gm_text":     plan.ImmediateText,
				"followups":   plan.Followups,
			},
		},
	})

	if len(plan.Writes) > c.budget.MaxStateWritesPerTurn {
		c.events.Event(tc, "write_budget_exceeded", map[string]any{"writes": len(plan.Writes)})
	}

	// Commit before narration so reality is consistent with what is said.
	if err := c.state.ApplyWrites(ctx, tc, plan.Writes); err != nil {
		c.events.Error(tc, "apply_writes_failed", map[string]any{"error": err.Error()})
		return NarrationPlan{}, err
	}

	// Fire-and-forget background tasks, never blocking narration.
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.backgroundPostTurn(tc, plan)
	}()

	latency := int(time.Since(started).Milliseconds())
	c.events.TurnFinished(tc, latency)
	logging.Turn("Turn %s finished in %dms", tc.TurnID, latency)
	return plan, nil
}

func (c *Controller) syncPlayerProfile(ctx context.Context, tc TurnContext, s *config.Config) {
	displayName := tc.PlayerID
	voiceProfile := ""
	for _, p := range s.Voice.PlayerProfiles {
		if p.PlayerID != tc.PlayerID {
			continue
		}
		if p.DisplayName != "" {
			displayName = p.DisplayName
		}
		voiceProfile = p.VoiceProfile
		break
	}
	if err := c.state.EnsurePlayerProfile(ctx, tc, displayName, voiceProfile); err != nil {
		logging.TurnDebug("Player profile sync failed: %v", err)
	}
}

func (c *Controller) backgroundPostTurn(tc TurnContext, plan NarrationPlan) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryBackground).Error("Post-turn panic: %v", r)
		}
	}()

	c.events.AppendNarration(tc, plan)
	ctx := context.Background()
	for _, ev := range plan.DelayedEvents {
		if err := c.state.ScheduleDelayedEvent(ctx, tc, ev); err != nil {
			c.events.Error(tc, "background_post_turn_failed", map[string]any{"error": err.Error()})
		}
	}
}

// counters tracks per-turn budget consumption across recursion levels.
type counters struct {
	llmCalls   int
	retrievals int
	stateReads int
}

// step is one recursion level: interpret intent, read state, retrieve
// knowledge, resolve, and recurse when the resolution asks for it.
func (c *Controller) step(ctx context.Context, tc TurnContext, s *config.Config, depth int, n *counters) (NarrationPlan, error) {
	intent, err := c.interpretIntent(ctx, tc, s, n)
	if err != nil {
		return NarrationPlan{}, err
	}
	logging.IntentDebug("Turn %s classified as %q at depth %d", tc.TurnID, intent.kind, depth)

	n.stateReads += len(intent.reads)
	if n.stateReads > c.budget.MaxStateReadsPerTurn {
		c.events.Event(tc, "read_budget_exceeded", map[string]any{"reads": n.stateReads})
	}
	stateView, err := c.state.Read(ctx, tc, intent.reads)
	if err != nil {
		c.events.Error(tc, "state_read_failed", map[string]any{"error": err.Error()})
		stateView = map[string]any{}
	}

	var hits []Hit
	retrievals := intent.retrievals
	if len(retrievals) > 0 && c.budget.MaxRetrievalQueriesPerTurn > 0 {
		remaining := c.budget.MaxRetrievalQueriesPerTurn - n.retrievals
		if remaining < 0 {
			remaining = 0
		}
		if len(retrievals) > remaining {
			retrievals = retrievals[:remaining]
		}
		for _, spec := range retrievals {
			n.retrievals++
			found, err := c.knowledge.Search(ctx, tc, spec)
			if err != nil {
				c.events.Error(tc, "knowledge_search_failed", map[string]any{"error": err.Error()})
				continue
			}
			hits = append(hits, found...)
		}
	}

	res, err := c.resolveFn(ctx, tc, s, stateView, hits, n)
	if err != nil {
		return NarrationPlan{}, err
	}

	debug := map[string]any{
		"depth":                  depth,
		"knowledge_enabled":      s.Knowledge.Enabled,
		"retrieval_queries":      len(intent.retrievals),
		"knowledge_hits":         len(hits),
		"knowledge_sources":      knowledgeSources(hits, 5),
		"response_language_mode": s.Prompts.ResponseLanguageMode,
		"response_language_tag":  tc.Locale,
	}

	if res.needsFollowup {
		if depth < c.budget.MaxDepth {
			c.events.Event(tc, "recurse", map[string]any{"depth": depth + 1, "reason": res.recurseReason})
			follow, err := c.step(ctx, tc, s, depth+1, n)
			if err != nil {
				return NarrationPlan{}, err
			}

			// Merge: this level's narration stays immediate, the recursive
			// plan's narration becomes followups.
			followups := append(append([]string{}, res.followups...), follow.ImmediateText)
			followups = append(followups, follow.Followups...)
			debug["followup"] = follow.Debug
			return NarrationPlan{
				ImmediateText: res.immediateText,
				Followups:     followups,
				Writes:        append(append([]StateWriteSpec{}, res.writes...), follow.Writes...),
				DelayedEvents: append(append([]map[string]any{}, res.delayedEvents...), follow.DelayedEvents...),
				Debug:         debug,
			}, nil
		}

		// Unresolved effects with no depth left: degrade to a pause rather
		// than dropping the follow-up silently. The level's writes and
		// delayed events still ship.
		c.events.Error(tc, "max_depth_exceeded", map[string]any{"depth": depth})
		debug["reason"] = "max_depth_exceeded"
		return NarrationPlan{
			ImmediateText: depthExceededText,
			Followups:     res.followups,
			Writes:        res.writes,
			DelayedEvents: res.delayedEvents,
			Debug:         debug,
		}, nil
	}

	return NarrationPlan{
		ImmediateText: res.immediateText,
		Followups:     res.followups,
		Writes:        res.writes,
		DelayedEvents: res.delayedEvents,
		Debug:         debug,
	}, nil
}

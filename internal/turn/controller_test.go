package turn

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gmkit/internal/config"
)

type fixture struct {
	llm       *mockLLM
	state     *mockState
	knowledge *mockKnowledge
	events    *mockEvents
	cfg       *config.Config
	c         *Controller
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	f := &fixture{
		llm:       &mockLLM{},
		state:     &mockState{},
		knowledge: &mockKnowledge{},
		events:    &mockEvents{},
		cfg:       config.DefaultConfig(),
	}
	f.cfg.Knowledge.Enabled = true
	if mutate != nil {
		mutate(f.cfg)
	}
	f.c = New(f.llm, f.state, f.knowledge, f.events, func() *config.Config { return f.cfg }, DefaultBudget())
	return f
}

func actionTurn() TurnContext {
	return TurnContext{
		CampaignID:     "camp-1",
		SessionID:      "sess-1",
		TurnID:         "turn-1",
		PlayerID:       "alice",
		TranscriptText: "I attack the goblin with my sword",
	}
}

func TestHandleTurnAppendsExactlyOneLogEntry(t *testing.T) {
	f := newFixture(t, nil)
	tc := actionTurn()

	plan, err := f.c.HandleTurn(context.Background(), tc)
	require.NoError(t, err)
	f.c.Wait()

	var logs []StateWriteSpec
	for _, w := range f.state.committedWrites() {
		if w.Kind == "append_log" {
			logs = append(logs, w)
		}
	}
	require.Len(t, logs, 1)

	entry := logs[0].Params["entry"].(map[string]any)
	assert.Equal(t, "turn", entry["kind"])
	assert.Equal(t, "turn-1", entry["turn_id"])
	assert.Equal(t, "camp-1", entry["campaign_id"])
	assert.Equal(t, tc.TranscriptText, entry["player_text"])
	assert.Equal(t, plan.ImmediateText, entry["gm_text"])

	// Writes were committed before the plan came back.
	assert.NotEmpty(t, f.state.committed)
	assert.Equal(t, 1, f.events.started)
	assert.Equal(t, 1, f.events.finished)
}

func TestHandleTurnEnsuresCampaignFirst(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()
	assert.Equal(t, []string{"camp-1"}, f.state.ensuredCampaigns)
}

func TestHandleTurnEnsureCampaignFailureAborts(t *testing.T) {
	f := newFixture(t, nil)
	f.state.ensureCampaignFunc = func(ctx context.Context, tc TurnContext, name string) error {
		return errors.New("disk full")
	}
	_, err := f.c.HandleTurn(context.Background(), actionTurn())
	assert.Error(t, err)
	assert.Empty(t, f.state.committed)
}

func TestHandleTurnProfileSyncIsBestEffort(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Voice.PlayerProfiles = []config.PlayerProfile{
			{PlayerID: "alice", DisplayName: "Alice the Bold", VoiceProfile: "low and steady"},
		}
	})
	f.state.ensureProfileFunc = func(ctx context.Context, tc TurnContext, displayName, voiceProfile string) error {
		return errors.New("players table locked")
	}

	_, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()
	assert.Equal(t, []string{"Alice the Bold"}, f.state.profileSyncs)
}

func TestHandleTurnApplyWritesFailurePropagates(t *testing.T) {
	f := newFixture(t, nil)
	f.state.applyWritesFunc = func(ctx context.Context, tc TurnContext, writes []StateWriteSpec) error {
		return errors.New("commit failed")
	}
	_, err := f.c.HandleTurn(context.Background(), actionTurn())
	assert.Error(t, err)
}

func TestActionUtteranceSkipsIntentClassifier(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()

	// One resolve call, no classification: the utterance is long enough for
	// the heuristic path.
	assert.Equal(t, []string{"resolve"}, f.events.llmPhases())
	assert.Equal(t, 1, f.llm.callCount())
}

func TestShortUtteranceUsesClassifier(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.completeFunc = func(ctx context.Context, system, user string, temperature float64) (string, error) {
		if system == f.cfg.Prompts.IntentClassifySystem {
			return "action\nextra detail ignored", nil
		}
		return "You head north into the mist.", nil
	}

	tc := actionTurn()
	tc.TranscriptText = "go north"
	_, err := f.c.HandleTurn(context.Background(), tc)
	require.NoError(t, err)
	f.c.Wait()

	assert.Equal(t, []string{"intent_classify", "resolve"}, f.events.llmPhases())
	assert.Equal(t, 2, f.llm.callCount())
}

func TestExactlyOneRetrievalPerTurn(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()

	require.Len(t, f.knowledge.specs, 1)
	spec := f.knowledge.specs[0]
	assert.Equal(t, "I attack the goblin with my sword", spec.Query)
	assert.Equal(t, 5, spec.TopK)
	// "attack" routes to the rules index.
	assert.Equal(t, ChunkRules, spec.Filters["type"])
}

func TestGMAdviceRoutesToGuidance(t *testing.T) {
	f := newFixture(t, nil)

	tc := actionTurn()
	tc.TranscriptText = "any advice on pacing for this session"
	_, err := f.c.HandleTurn(context.Background(), tc)
	require.NoError(t, err)
	f.c.Wait()

	require.Len(t, f.knowledge.specs, 1)
	assert.Equal(t, ChunkGMAdvice, f.knowledge.specs[0].Filters["doc_kind"])
}

func TestQuestionRoutesToBroadLoreTypes(t *testing.T) {
	f := newFixture(t, nil)

	tc := actionTurn()
	tc.TranscriptText = "what happened in the old chapel last night"
	_, err := f.c.HandleTurn(context.Background(), tc)
	require.NoError(t, err)
	f.c.Wait()

	require.Len(t, f.knowledge.specs, 1)
	types := f.knowledge.specs[0].Filters["type"].([]string)
	assert.Equal(t, []string{ChunkLore, ChunkStory, ChunkCharacters, ChunkLocations, ChunkQuests}, types)
}

func TestActiveDocIDsRestrictRetrieval(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Knowledge.ActiveDocIDs = []string{"doc-a", "doc-b"}
	})

	_, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()

	require.Len(t, f.knowledge.specs, 1)
	assert.Equal(t, []string{"doc-a", "doc-b"}, f.knowledge.specs[0].Filters["doc_id"])
}

func TestKnowledgeDisabledSkipsRetrieval(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Knowledge.Enabled = false
	})

	_, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()

	assert.Empty(t, f.knowledge.specs)
	// Resolve prompt carries no knowledge policy and a "(none)" snippet block.
	require.Equal(t, 1, f.llm.callCount())
	assert.NotContains(t, f.llm.calls[0].system, "Knowledge policy")
	assert.Contains(t, f.llm.calls[0].user, "(none)")
}

func TestSnippetsFeedResolvePrompt(t *testing.T) {
	f := newFixture(t, nil)
	f.knowledge.searchFunc = func(ctx context.Context, tc TurnContext, spec RetrievalSpec) ([]Hit, error) {
		return []Hit{{
			Text:  "Attack rolls add your proficiency bonus.",
			Score: 0.92,
			Meta:  map[string]any{"doc_id": "srd", "page": "12", "type": "rules"},
		}}, nil
	}

	plan, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()

	require.Equal(t, 1, f.llm.callCount())
	assert.Contains(t, f.llm.calls[0].system, "Knowledge policy")
	assert.Contains(t, f.llm.calls[0].user, "[srd p12 rules]")
	assert.Contains(t, f.llm.calls[0].user, "Attack rolls add your proficiency bonus.")
	assert.Equal(t, []string{"srd p12 rules"}, plan.Debug["knowledge_sources"])
	assert.Equal(t, 1, plan.Debug["knowledge_hits"])
}

func TestKnowledgeSearchFailureDoesNotAbortTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.knowledge.searchFunc = func(ctx context.Context, tc TurnContext, spec RetrievalSpec) ([]Hit, error) {
		return nil, errors.New("index offline")
	}

	plan, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()
	assert.NotEmpty(t, plan.ImmediateText)
	assert.NotEmpty(t, f.events.byKind("error:knowledge_search_failed"))
}

func TestLLMBudgetExhaustedFallsBackDeterministically(t *testing.T) {
	f := newFixture(t, nil)
	f.c.budget.MaxLLMCallsPerTurn = 0

	plan, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()

	assert.Equal(t, llmExhaustedText, plan.ImmediateText)
	assert.Equal(t, 0, f.llm.callCount())
}

func TestResolveFailurePropagates(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.completeFunc = func(ctx context.Context, system, user string, temperature float64) (string, error) {
		return "", errors.New("provider 500")
	}

	_, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider 500")
	// No narration means no writes: the failed turn leaves no log entry.
	assert.Empty(t, f.state.committed)
	assert.NotEmpty(t, f.events.byKind("error:resolve_failed"))
}

func TestIntentClassifyFailurePropagates(t *testing.T) {
	f := newFixture(t, nil)
	f.llm.completeFunc = func(ctx context.Context, system, user string, temperature float64) (string, error) {
		return "", errors.New("provider timeout")
	}

	tc := actionTurn()
	tc.TranscriptText = "go north"
	_, err := f.c.HandleTurn(context.Background(), tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider timeout")
	assert.NotEmpty(t, f.events.byKind("error:intent_classify_failed"))
}

func TestDepthExceededReturnsPauseNarration(t *testing.T) {
	f := newFixture(t, nil)
	f.c.budget.MaxDepth = 0
	f.c.resolveFn = func(ctx context.Context, tc TurnContext, s *config.Config, stateView map[string]any, hits []Hit, n *counters) (resolution, error) {
		return resolution{
			immediateText: "A trap springs somewhere below.",
			needsFollowup: true,
			recurseReason: "trap_effects_unresolved",
		}, nil
	}

	plan, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()

	assert.Equal(t, depthExceededText, plan.ImmediateText)
	assert.Equal(t, "max_depth_exceeded", plan.Debug["reason"])
	assert.Equal(t, 0, plan.Debug["depth"])
	assert.NotEmpty(t, f.events.byKind("error:max_depth_exceeded"))
	assert.Empty(t, f.events.byKind("recurse"))

	// The degraded turn still leaves its log entry.
	var logs []StateWriteSpec
	for _, w := range f.state.committedWrites() {
		if w.Kind == "append_log" {
			logs = append(logs, w)
		}
	}
	require.Len(t, logs, 1)
	entry := logs[0].Params["entry"].(map[string]any)
	assert.Equal(t, depthExceededText, entry["gm_text"])
}

func TestRecursionMergesFollowupPlan(t *testing.T) {
	f := newFixture(t, nil)

	calls := 0
	f.c.resolveFn = func(ctx context.Context, tc TurnContext, s *config.Config, stateView map[string]any, hits []Hit, n *counters) (resolution, error) {
		calls++
		if calls == 1 {
			return resolution{
				immediateText: "The bridge gives way beneath you.",
				followups:     []string{"Loose planks clatter into the gorge."},
				writes:        []StateWriteSpec{{Kind: "update_character", Params: map[string]any{"id": "ch-1", "hp": 7}}},
				delayedEvents: []map[string]any{{"kind": "patrol_arrives", "delay_seconds": 60}},
				needsFollowup: true,
				recurseReason: "falling_damage_unresolved",
			}, nil
		}
		return resolution{
			immediateText: "You land hard on the ledge below.",
			writes:        []StateWriteSpec{{Kind: "append_timeline", Params: map[string]any{}}},
		}, nil
	}

	plan, err := f.c.step(context.Background(), actionTurn(), f.cfg, 0, new(counters))
	require.NoError(t, err)

	assert.Equal(t, "The bridge gives way beneath you.", plan.ImmediateText)
	assert.Equal(t, []string{
		"Loose planks clatter into the gorge.",
		"You land hard on the ledge below.",
	}, plan.Followups)
	require.Len(t, plan.Writes, 2)
	require.Len(t, plan.DelayedEvents, 1)
	assert.NotNil(t, plan.Debug["followup"])
	assert.NotEmpty(t, f.events.byKind("recurse"))
	assert.Equal(t, 2, calls)
}

func TestRecursionStopsAtMaxDepth(t *testing.T) {
	f := newFixture(t, nil)

	f.c.resolveFn = func(ctx context.Context, tc TurnContext, s *config.Config, stateView map[string]any, hits []Hit, n *counters) (resolution, error) {
		return resolution{
			immediateText: "It keeps unraveling.",
			needsFollowup: true,
			recurseReason: "always",
		}, nil
	}

	plan, err := f.c.step(context.Background(), actionTurn(), f.cfg, 0, new(counters))
	require.NoError(t, err)

	// Depth 0 and 1 resolve and recurse; depth 2 hits the ceiling with
	// effects still unresolved, so the chain ends in the pause narration.
	assert.Equal(t, "It keeps unraveling.", plan.ImmediateText)
	require.Len(t, plan.Followups, f.c.budget.MaxDepth)
	assert.Equal(t, depthExceededText, plan.Followups[len(plan.Followups)-1])
	assert.Len(t, f.events.byKind("recurse"), f.c.budget.MaxDepth)
	assert.NotEmpty(t, f.events.byKind("error:max_depth_exceeded"))

	// The degraded level is visible in the nested debug chain.
	inner := plan.Debug["followup"].(map[string]any)["followup"].(map[string]any)
	assert.Equal(t, "max_depth_exceeded", inner["reason"])
	assert.Equal(t, f.c.budget.MaxDepth, inner["depth"])
}

func TestRetrievalBudgetCapsRecursiveQueries(t *testing.T) {
	f := newFixture(t, nil)
	f.c.resolveFn = func(ctx context.Context, tc TurnContext, s *config.Config, stateView map[string]any, hits []Hit, n *counters) (resolution, error) {
		return resolution{immediateText: "More.", needsFollowup: true, recurseReason: "chain"}, nil
	}

	_, err := f.c.step(context.Background(), actionTurn(), f.cfg, 0, new(counters))
	require.NoError(t, err)

	// Three levels each want one query; the ceiling allows two.
	assert.Len(t, f.knowledge.specs, f.c.budget.MaxRetrievalQueriesPerTurn)
}

func TestDelayedEventsScheduledInBackground(t *testing.T) {
	f := newFixture(t, nil)
	f.c.resolveFn = func(ctx context.Context, tc TurnContext, s *config.Config, stateView map[string]any, hits []Hit, n *counters) (resolution, error) {
		return resolution{
			immediateText: "Thunder rolls in the distance.",
			delayedEvents: []map[string]any{{"kind": "storm_breaks", "delay_seconds": 300}},
		}, nil
	}

	plan, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()

	require.Len(t, f.state.scheduled, 1)
	assert.Equal(t, "storm_breaks", f.state.scheduled[0]["kind"])
	require.Len(t, f.events.plans, 1)
	assert.Equal(t, plan.ImmediateText, f.events.plans[0].ImmediateText)
}

func TestMemoryReadRequestedWhenEnabled(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()

	require.Len(t, f.state.reads, 1)
	reads := f.state.reads[0]
	require.Len(t, reads, 2)
	assert.Equal(t, "campaign_snapshot", reads[0].Kind)
	assert.Equal(t, "interaction_log", reads[1].Kind)
	assert.Equal(t, f.cfg.Prompts.MemoryTurns, reads[1].Params["limit"])
}

func TestMemoryReadSkippedWhenDisabled(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Prompts.IncludeMemory = false
	})

	_, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()

	require.Len(t, f.state.reads, 1)
	require.Len(t, f.state.reads[0], 1)
	assert.Equal(t, "campaign_snapshot", f.state.reads[0][0].Kind)
}

func TestPlayerLanguagePolicyFollowsLocale(t *testing.T) {
	f := newFixture(t, nil)

	tc := actionTurn()
	tc.TranscriptText = "J'attaque le gobelin avec mon épée"
	tc.Locale = "fr-FR"
	f.llm.completeFunc = func(ctx context.Context, system, user string, temperature float64) (string, error) {
		return "Le gobelin esquive et grogne.", nil
	}

	plan, err := f.c.HandleTurn(context.Background(), tc)
	require.NoError(t, err)
	f.c.Wait()

	require.Equal(t, 1, f.llm.callCount())
	assert.Contains(t, f.llm.calls[0].system, "Reply ONLY in the player's language (fr-FR).")
	assert.Contains(t, f.llm.calls[0].user, "Detected player language tag: fr-FR")
	assert.Equal(t, "Le gobelin esquive et grogne.", plan.ImmediateText)
	assert.Equal(t, "fr-FR", plan.Debug["response_language_tag"])
}

func TestLocaleModeForcesConfiguredLanguage(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Prompts.ResponseLanguageMode = "locale"
		c.Voice.Locale = "fr-FR"
	})

	tc := actionTurn()
	tc.Locale = "de-DE"
	f.llm.completeFunc = func(ctx context.Context, system, user string, temperature float64) (string, error) {
		return "Le pont s'effondre.", nil
	}

	_, err := f.c.HandleTurn(context.Background(), tc)
	require.NoError(t, err)
	f.c.Wait()

	require.Equal(t, 1, f.llm.callCount())
	assert.Contains(t, f.llm.calls[0].system, "Reply ONLY in locale/language fr-FR.")
}

func TestEnglishDraftTranslatedForNonEnglishTarget(t *testing.T) {
	f := newFixture(t, nil)

	tc := actionTurn()
	tc.Locale = "fr-FR"
	f.llm.completeFunc = func(ctx context.Context, system, user string, temperature float64) (string, error) {
		if strings.Contains(system, "translation post-processor") {
			return "Le gobelin pare votre coup.", nil
		}
		// English-ish draft despite the French target.
		return "You swing and the goblin parries your blow with its rusty blade.", nil
	}

	plan, err := f.c.HandleTurn(context.Background(), tc)
	require.NoError(t, err)
	f.c.Wait()

	assert.Equal(t, []string{"resolve", "resolve_translate"}, f.events.llmPhases())
	assert.Equal(t, "Le gobelin pare votre coup.", plan.ImmediateText)
}

func TestTranslationSkippedWhenBudgetSpent(t *testing.T) {
	f := newFixture(t, nil)
	f.c.budget.MaxLLMCallsPerTurn = 1

	tc := actionTurn()
	tc.Locale = "fr-FR"
	f.llm.completeFunc = func(ctx context.Context, system, user string, temperature float64) (string, error) {
		return "You swing and the goblin parries your blow with its rusty blade.", nil
	}

	plan, err := f.c.HandleTurn(context.Background(), tc)
	require.NoError(t, err)
	f.c.Wait()

	// The English draft ships untranslated rather than exceeding the budget.
	assert.Equal(t, []string{"resolve"}, f.events.llmPhases())
	assert.Contains(t, plan.ImmediateText, "goblin parries")
}

func TestSettingsSnapshotTakenOncePerTurn(t *testing.T) {
	f := newFixture(t, nil)

	snapshots := 0
	f.c.settings = func() *config.Config {
		snapshots++
		return f.cfg
	}
	f.c.resolveFn = func(ctx context.Context, tc TurnContext, s *config.Config, stateView map[string]any, hits []Hit, n *counters) (resolution, error) {
		assert.Same(t, f.cfg, s)
		return resolution{immediateText: "Onward.", needsFollowup: true, recurseReason: "chain"}, nil
	}

	_, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()

	// Every recursion level saw the same snapshot; a config edit mid-turn
	// cannot change behavior between levels.
	assert.Equal(t, 1, snapshots)
}

func TestDebugPayloadShape(t *testing.T) {
	f := newFixture(t, nil)

	plan, err := f.c.HandleTurn(context.Background(), actionTurn())
	require.NoError(t, err)
	f.c.Wait()

	want := map[string]any{
		"depth":                  0,
		"knowledge_enabled":      true,
		"retrieval_queries":      1,
		"knowledge_hits":         0,
		"knowledge_sources":      []string{},
		"response_language_mode": "player",
		"response_language_tag":  "",
	}
	if diff := cmp.Diff(want, plan.Debug); diff != "" {
		t.Errorf("debug payload mismatch (-want +got):\n%s", diff)
	}
}

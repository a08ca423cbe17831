package turn

import (
	"context"
	"sync"
)

type llmCall struct {
	system      string
	user        string
	temperature float64
}

type mockLLM struct {
	mu           sync.Mutex
	calls        []llmCall
	completeFunc func(ctx context.Context, system, user string, temperature float64) (string, error)
}

func (m *mockLLM) Complete(ctx context.Context, system, user string, temperature float64) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, llmCall{system, user, temperature})
	m.mu.Unlock()
	if m.completeFunc != nil {
		return m.completeFunc(ctx, system, user, temperature)
	}
	return "The cellar door creaks open.", nil
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockState struct {
	mu sync.Mutex

	ensureCampaignFunc func(ctx context.Context, tc TurnContext, name string) error
	ensureProfileFunc  func(ctx context.Context, tc TurnContext, displayName, voiceProfile string) error
	readFunc           func(ctx context.Context, tc TurnContext, reads []StateReadSpec) (map[string]any, error)
	applyWritesFunc    func(ctx context.Context, tc TurnContext, writes []StateWriteSpec) error
	scheduleFunc       func(ctx context.Context, tc TurnContext, event map[string]any) error

	ensuredCampaigns []string
	profileSyncs     []string
	reads            [][]StateReadSpec
	committed        [][]StateWriteSpec
	scheduled        []map[string]any
}

func (m *mockState) EnsureCampaign(ctx context.Context, tc TurnContext, name string) error {
	m.mu.Lock()
	m.ensuredCampaigns = append(m.ensuredCampaigns, tc.CampaignID)
	m.mu.Unlock()
	if m.ensureCampaignFunc != nil {
		return m.ensureCampaignFunc(ctx, tc, name)
	}
	return nil
}

func (m *mockState) EnsurePlayerProfile(ctx context.Context, tc TurnContext, displayName, voiceProfile string) error {
	m.mu.Lock()
	m.profileSyncs = append(m.profileSyncs, displayName)
	m.mu.Unlock()
	if m.ensureProfileFunc != nil {
		return m.ensureProfileFunc(ctx, tc, displayName, voiceProfile)
	}
	return nil
}

func (m *mockState) Read(ctx context.Context, tc TurnContext, reads []StateReadSpec) (map[string]any, error) {
	m.mu.Lock()
	m.reads = append(m.reads, reads)
	m.mu.Unlock()
	if m.readFunc != nil {
		return m.readFunc(ctx, tc, reads)
	}
	return map[string]any{}, nil
}

func (m *mockState) ApplyWrites(ctx context.Context, tc TurnContext, writes []StateWriteSpec) error {
	m.mu.Lock()
	m.committed = append(m.committed, writes)
	m.mu.Unlock()
	if m.applyWritesFunc != nil {
		return m.applyWritesFunc(ctx, tc, writes)
	}
	return nil
}

func (m *mockState) ScheduleDelayedEvent(ctx context.Context, tc TurnContext, event map[string]any) error {
	m.mu.Lock()
	m.scheduled = append(m.scheduled, event)
	m.mu.Unlock()
	if m.scheduleFunc != nil {
		return m.scheduleFunc(ctx, tc, event)
	}
	return nil
}

func (m *mockState) committedWrites() []StateWriteSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StateWriteSpec
	for _, batch := range m.committed {
		out = append(out, batch...)
	}
	return out
}

type mockKnowledge struct {
	mu         sync.Mutex
	specs      []RetrievalSpec
	searchFunc func(ctx context.Context, tc TurnContext, spec RetrievalSpec) ([]Hit, error)
}

func (m *mockKnowledge) Search(ctx context.Context, tc TurnContext, spec RetrievalSpec) ([]Hit, error) {
	m.mu.Lock()
	m.specs = append(m.specs, spec)
	m.mu.Unlock()
	if m.searchFunc != nil {
		return m.searchFunc(ctx, tc, spec)
	}
	return nil, nil
}

type loggedEvent struct {
	kind    string
	payload map[string]any
}

type mockEvents struct {
	mu       sync.Mutex
	events   []loggedEvent
	started  int
	finished int
	plans    []NarrationPlan
}

func (m *mockEvents) TurnStarted(tc TurnContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *mockEvents) TurnFinished(tc TurnContext, latencyMS int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished++
}

func (m *mockEvents) AppendNarration(tc TurnContext, plan NarrationPlan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans = append(m.plans, plan)
}

func (m *mockEvents) Event(tc TurnContext, kind string, payload map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, loggedEvent{kind, payload})
}

func (m *mockEvents) Error(tc TurnContext, kind string, payload map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, loggedEvent{"error:" + kind, payload})
}

func (m *mockEvents) byKind(kind string) []loggedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []loggedEvent
	for _, e := range m.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockEvents) llmPhases() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.kind == "llm_call" {
			phase, _ := e.payload["phase"].(string)
			out = append(out, phase)
		}
	}
	return out
}

package main

import (
	"context"
	"fmt"

	"gmkit/internal/config"
	"gmkit/internal/embedding"
	"gmkit/internal/events"
	"gmkit/internal/knowledge"
	"gmkit/internal/llm"
	"gmkit/internal/logging"
	"gmkit/internal/state"
	"gmkit/internal/turn"
)

// app wires configuration, storage, retrieval and the turn controller.
type app struct {
	cfg      *config.Config
	watcher  *config.Watcher
	store    *state.Store
	game     *knowledge.SQLiteStore
	guidance *knowledge.SQLiteStore
	events   *events.Log
	ctrl     *turn.Controller
}

// newApp builds the full runtime. The LLM provider is only constructed when
// withLLM is set, so inspection commands work without an API key.
func newApp(cfgPath string, withLLM bool) (*app, error) {
	watcher, err := config.NewWatcher(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := watcher.Snapshot()

	if err := logging.Initialize(cfg.DataDir, logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	a := &app{cfg: cfg, watcher: watcher}
	if err := watcher.Start(context.Background()); err != nil {
		logging.Get(logging.CategoryBoot).Warn("config watch unavailable: %v", err)
	}

	a.store, err = state.New(cfg.StateDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	a.events = events.NewLog(cfg.EventLogPath())

	var knowledgeStore turn.KnowledgeStore = turn.NullKnowledgeStore{}
	if cfg.Knowledge.Enabled {
		knowledgeStore, err = a.openKnowledge()
		if err != nil {
			return nil, err
		}
	}

	var provider turn.LLMProvider
	if withLLM {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		provider, err = llm.NewProvider(llm.Config{
			Provider: cfg.LLM.Provider,
			APIKey:   cfg.LLM.APIKey,
			Model:    cfg.LLM.Model,
			BaseURL:  cfg.LLM.BaseURL,
			Timeout:  cfg.GetLLMTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create LLM provider: %w", err)
		}
	}

	a.ctrl = turn.New(provider, a.store, knowledgeStore, a.events,
		watcher.Snapshot, turn.DefaultBudget())
	return a, nil
}

func (a *app) openKnowledge() (turn.KnowledgeStore, error) {
	var engine embedding.Engine
	if a.cfg.Knowledge.Embedding.Provider != "" {
		var err error
		engine, err = embedding.NewEngine(embedding.Config{
			Provider:       a.cfg.Knowledge.Embedding.Provider,
			OllamaEndpoint: a.cfg.Knowledge.Embedding.OllamaEndpoint,
			OllamaModel:    a.cfg.Knowledge.Embedding.OllamaModel,
			GenAIAPIKey:    a.cfg.Knowledge.Embedding.GenAIAPIKey,
			GenAIModel:     a.cfg.Knowledge.Embedding.GenAIModel,
		})
		if err != nil {
			logging.Knowledge("Embedding engine unavailable, keyword search only: %v", err)
			engine = nil
		}
	}

	opts := knowledge.Options{
		Collection:   a.cfg.Knowledge.GameCollection,
		Engine:       engine,
		TopK:         a.cfg.Knowledge.TopK,
		ActiveDocIDs: a.cfg.Knowledge.ActiveDocIDs,
	}
	game, err := knowledge.Open(a.cfg.Knowledge.DatabasePath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge store: %w", err)
	}
	a.game = game

	if !a.cfg.Knowledge.SplitCollections {
		return game, nil
	}

	opts.Collection = a.cfg.Knowledge.GuidanceCollection
	guidance, err := knowledge.Open(a.cfg.Knowledge.DatabasePath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open guidance collection: %w", err)
	}
	a.guidance = guidance
	return &knowledge.RoutedStore{Game: game, Guidance: guidance}, nil
}

// Close waits for in-flight background work and releases resources.
func (a *app) Close() {
	if a.ctrl != nil {
		a.ctrl.Wait()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.game != nil {
		a.game.Close()
	}
	if a.guidance != nil {
		a.guidance.Close()
	}
	logging.CloseAll()
}

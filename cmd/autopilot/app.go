package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"autopilot/internal/agent"
	"autopilot/internal/broadcast"
	"autopilot/internal/config"
	"autopilot/internal/embedding"
	"autopilot/internal/knowledge"
	"autopilot/internal/knowledge/builtin"
	"autopilot/internal/orchestrator"
	"autopilot/internal/resolver"
	"autopilot/internal/semantic"
	"autopilot/internal/store"

	"go.uber.org/zap"
)

// app is the wired process: store, knowledge tiers, optional semantic
// index, resolver and orchestrator.
type app struct {
	cfg       *config.Config
	store     *store.SQLiteStore
	knowledge *knowledge.Store
	loaders   []*knowledge.DirLoader
	index     *semantic.Index
	resolver  *resolver.Resolver
	orch      *orchestrator.Orchestrator

	watcher *knowledge.Watcher
	wg      sync.WaitGroup
}

// tierLoaders returns one loader per configured tier.
func tierLoaders(c *config.Config) []*knowledge.DirLoader {
	var loaders []*knowledge.DirLoader
	dirs := []struct {
		tier knowledge.Tier
		dir  string
	}{
		{knowledge.TierLocal, c.Knowledge.LocalDir},
		{knowledge.TierProject, c.Knowledge.ProjectDir},
		{knowledge.TierOrg, c.Knowledge.OrgDir},
	}
	for _, d := range dirs {
		if d.dir != "" {
			loaders = append(loaders, knowledge.NewDirLoader(d.tier, d.dir))
		}
	}
	if !c.Knowledge.DisableBuiltIn {
		loaders = append(loaders, builtin.Loader())
	}
	return loaders
}

// loadKnowledge fills a store from every tier. A tier that fails to load
// is logged and left empty.
func loadKnowledge(ctx context.Context, c *config.Config) (*knowledge.Store, []*knowledge.DirLoader) {
	ks := knowledge.NewStore()
	loaders := tierLoaders(c)
	generic := make([]knowledge.Loader, len(loaders))
	for i, l := range loaders {
		generic[i] = l
	}
	if err := knowledge.LoadAll(ctx, ks, generic...); err != nil {
		logger.Warn("Knowledge tier failed to load", zap.Error(err))
	}
	return ks, loaders
}

// openIndex opens the semantic index, or returns nil when no embedding
// provider is configured.
func openIndex(ctx context.Context, c *config.Config) (*semantic.Index, error) {
	engine, err := embedding.NewEngine(ctx, embedding.Config{
		Provider:       c.Embedding.Provider,
		OllamaEndpoint: c.Embedding.OllamaEndpoint,
		OllamaModel:    c.Embedding.OllamaModel,
		GenAIAPIKey:    c.Embedding.GenAIAPIKey,
		GenAIModel:     c.Embedding.GenAIModel,
	})
	if errors.Is(err, embedding.ErrDisabled) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return semantic.Open(c.Embedding.IndexPath, engine, c.Embedding.BatchSize)
}

func newResolver(c *config.Config, ks *knowledge.Store, idx *semantic.Index) *resolver.Resolver {
	rcfg := resolver.Config{
		BudgetChars:        c.Knowledge.BudgetChars,
		MaxSemanticResults: c.Knowledge.MaxSemanticResults,
		SearchTimeout:      c.GetSearchTimeout(),
	}
	if idx == nil {
		return resolver.New(ks, nil, rcfg)
	}
	return resolver.New(ks, idx, rcfg)
}

// newApp wires every component. ag overrides the configured command agent.
func newApp(ctx context.Context, c *config.Config, ag agent.Agent) (*app, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	st, err := store.Open(c.Store.DatabasePath, store.Options{BusyTimeout: c.GetBusyTimeout()})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	a := &app{cfg: c, store: st}
	a.knowledge, a.loaders = loadKnowledge(ctx, c)

	a.index, err = openIndex(ctx, c)
	if err != nil {
		logger.Warn("Semantic index unavailable, continuing without it", zap.Error(err))
	}
	a.resolver = newResolver(c, a.knowledge, a.index)

	if ag == nil {
		ag, err = agent.NewCommandAgent(agent.CommandConfig{
			Command:        c.Agent.Command,
			Args:           c.Agent.Args,
			WorkDir:        c.Agent.WorkDir,
			FeaturesFile:   c.Agent.FeaturesFile,
			FatalExitCodes: c.Agent.FatalExitCodes,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	bus := broadcast.New(c.Orchestrator.SubscriberBuffer)
	a.orch = orchestrator.New(st, a.resolver, ag, bus, orchestrator.ConfigFrom(c))
	return a, nil
}

// watchKnowledge reloads the Local and Project tiers on change and keeps
// the semantic index in step.
func (a *app) watchKnowledge(ctx context.Context) error {
	if !a.cfg.Knowledge.Watch {
		return nil
	}
	w, err := knowledge.NewWatcher(a.knowledge, a.cfg.GetWatchDebounce(), a.loaders...)
	if err != nil {
		return err
	}
	if a.index != nil {
		w.OnReload(func(tier knowledge.Tier, _ []knowledge.Snippet) {
			a.reindex(ctx, "reload of "+tier.String())
		})
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// reindexAsync embeds the loaded snippets in the background.
func (a *app) reindexAsync(ctx context.Context) {
	if a.index == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reindex(ctx, "startup")
	}()
}

func (a *app) reindex(ctx context.Context, reason string) {
	stats, err := semantic.IndexSnippets(ctx, a.index, a.knowledge)
	if err != nil {
		logger.Warn("Semantic indexing failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	logger.Info("Semantic index updated",
		zap.String("reason", reason),
		zap.Int("documents", stats.Documents),
		zap.Int("embedded", stats.Embedded),
		zap.Int("pruned", stats.Pruned))
}

// close shuts the orchestrator down and releases storage. Sessions still
// running are parked as paused.
func (a *app) close(ctx context.Context) error {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	err := a.orch.Shutdown(ctx)
	a.orch.Broadcaster().Close()
	a.wg.Wait()
	if a.index != nil {
		if cerr := a.index.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

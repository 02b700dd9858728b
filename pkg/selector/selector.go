// Package selector implements EngineSelector: composing the engine
// registry, auth cache, preset resolver, and rate-limit manager to pick one
// engine id for a workflow step.
package selector

import (
	"context"

	"codemachine/pkg/agenterrors"
	"codemachine/pkg/authcache"
	"codemachine/pkg/engine"
	"codemachine/pkg/logx"
	"codemachine/pkg/preset"
	"codemachine/pkg/ratelimitmgr"
)

// Step is the minimal per-step input the selector needs.
type Step struct {
	AgentID string
	Engine  string // explicit engine override from the step descriptor, optional
}

// Context carries the caller's resolution inputs plus the fallback policy.
type Context struct {
	Selection       *preset.SelectionContext
	ConfigFile      *preset.ConfigFile
	FallbackAllowed *bool // nil = unset; caller → configFile → default true
}

func (c *Context) fallbackAllowed() bool {
	if c == nil {
		return true
	}
	if c.FallbackAllowed != nil {
		return *c.FallbackAllowed
	}
	if c.ConfigFile != nil {
		// ConfigFile carries no explicit field for this in our trimmed
		// model; absence falls through to the default.
		return true
	}
	return true
}

// DecisionEvent is emitted for UI display through the workflow event
// emitter hook.
type DecisionEvent struct {
	AgentID string
	Engine  string
	Reason  string
}

// EventEmitter receives selection decisions; nil is a valid no-op emitter.
type EventEmitter func(DecisionEvent)

// Selector composes the registry, auth cache, preset resolver, and rate
// limit manager to pick one engine for a step.
type Selector struct {
	registry *engine.Registry
	authes   *authcache.Cache
	resolver *preset.Resolver
	rateMgr  *ratelimitmgr.Manager
	emit     EventEmitter
	log      *logx.Logger
}

// New returns a Selector over the given collaborators. emit may be nil.
func New(registry *engine.Registry, authes *authcache.Cache, resolver *preset.Resolver, rateMgr *ratelimitmgr.Manager, emit EventEmitter) *Selector {
	if emit == nil {
		emit = func(DecisionEvent) {}
	}
	return &Selector{registry: registry, authes: authes, resolver: resolver, rateMgr: rateMgr, emit: emit, log: logx.NewLogger("selector")}
}

func (s *Selector) probe(id string) (bool, error) {
	return s.authes.IsAuthenticated(id, func(engineID string) (bool, error) {
		m, err := s.registry.GetAsync(engineID)
		if err != nil {
			return false, err
		}
		return m.Auth().IsAuthenticated(context.Background())
	})
}

// SelectEngine runs the four-step selection algorithm and returns the
// chosen engine id.
func (s *Selector) SelectEngine(step Step, ctx *Context) (string, error) {
	var sel *preset.SelectionContext
	var cfg *preset.ConfigFile
	if ctx != nil {
		sel, cfg = ctx.Selection, ctx.ConfigFile
	}

	// 1. Resolve preset/override engine; try it.
	if resolved := s.resolver.ResolveEngine(step.AgentID, sel, cfg); resolved != "" {
		if ok, _ := s.probe(resolved); ok {
			s.emit(DecisionEvent{AgentID: step.AgentID, Engine: resolved, Reason: "preset/override resolved and authenticated"})
			return resolved, nil
		}
		s.log.Info("preset not authenticated: %s", resolved)
	}

	fallbackAllowed := ctx.fallbackAllowed()

	// 3. If step.engine is explicit, try it.
	if step.Engine != "" {
		if ok, _ := s.probe(step.Engine); ok {
			s.emit(DecisionEvent{AgentID: step.AgentID, Engine: step.Engine, Reason: "explicit step engine authenticated"})
			return step.Engine, nil
		}
		if !fallbackAllowed {
			return "", agenterrors.New(agenterrors.KindEngineAuthRequired, "not-authenticated").WithEngine(step.Engine)
		}
		if id, err := s.scanFirstAuthenticated(); err == nil {
			s.emit(DecisionEvent{AgentID: step.AgentID, Engine: id, Reason: "fell back after explicit engine unauthenticated"})
			return id, nil
		}
	}

	// 4. step.engine empty: scan all, else registry default.
	if step.Engine == "" {
		if id, err := s.scanFirstAuthenticated(); err == nil {
			s.emit(DecisionEvent{AgentID: step.AgentID, Engine: id, Reason: "scanned registry order, first authenticated"})
			return id, nil
		}
		def, err := s.registry.GetDefaultAsync()
		if err != nil {
			return "", err
		}
		id := def.Metadata().ID
		s.log.Warn("no authenticated engine found, falling back to registry default %s", id)
		s.emit(DecisionEvent{AgentID: step.AgentID, Engine: id, Reason: "no authenticated engine, using registry default"})
		return id, nil
	}

	return "", agenterrors.New(agenterrors.KindEngineAuthRequired, "no engine available").WithEngine(step.Engine)
}

// scanFirstAuthenticated probes every known engine, in registry order,
// concurrently, and returns the first authenticated id.
func (s *Selector) scanFirstAuthenticated() (string, error) {
	ids := s.registry.GetAllIds()
	metas := s.registry.GetAllMetadata()
	order := make([]string, 0, len(metas))
	for _, m := range metas {
		order = append(order, m.ID)
	}
	if len(order) == 0 {
		order = ids
	}

	type result struct {
		id string
		ok bool
	}
	results := make(chan result, len(order))
	for _, id := range order {
		id := id
		go func() {
			ok, _ := s.probe(id)
			results <- result{id: id, ok: ok}
		}()
	}

	okSet := make(map[string]bool, len(order))
	for range order {
		r := <-results
		if r.ok {
			okSet[r.id] = true
		}
	}
	for _, id := range order {
		if okSet[id] {
			return id, nil
		}
	}
	return "", agenterrors.New(agenterrors.KindEngineAuthRequired, "no authenticated engine in registry")
}

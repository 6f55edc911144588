// Package resolver maps requested model identifiers, including named presets,
// onto concrete upstream model handles. Upstream naming is inconsistent (raw
// ids, family names, vendor-qualified names), so resolution walks an ordered
// cascade of selectors and caches the winner under every alias that led to it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"lmbridge/internal/upstream"
)

// ErrNoModelAvailable indicates every selector in the cascade came up empty.
var ErrNoModelAvailable = errors.New("no model available")

// Resolved pairs an upstream model handle with the send options its preset
// (if any) applies.
type Resolved struct {
	Model   upstream.Model
	Options map[string]any
}

// Resolver resolves and caches model handles. The alias cache is shared by
// concurrent requests without external locking: writes are idempotent, so a
// duplicated probe on a cold id is tolerated.
type Resolver struct {
	provider     upstream.Provider
	defaultModel string
	log          *slog.Logger

	cache  sync.Map // alias (lowercased) -> upstream.Model
	probed sync.Map // canonical id -> struct{}
}

// New constructs a resolver over the given provider. defaultModel is the
// configured fallback used when a request names no model.
func New(provider upstream.Provider, defaultModel string, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{provider: provider, defaultModel: defaultModel, log: log}
}

// Resolve maps a requested model id (possibly empty, possibly a preset name)
// to a usable model handle. Preset candidates are attempted in order; the
// configured default and finally a wildcard selector back the cascade. A
// cache hit on any known alias short-circuits without re-verification.
func (r *Resolver) Resolve(ctx context.Context, requestedID string) (*Resolved, error) {
	requestedID = strings.TrimSpace(requestedID)

	var candidates []string
	var preset Preset
	var hasPreset bool
	if requestedID != "" {
		if preset, hasPreset = LookupPreset(requestedID); hasPreset {
			candidates = append(candidates, preset.BaseModelIDs...)
		} else {
			candidates = append(candidates, requestedID)
		}
	}

	lookupIDs := dedupe(append(append([]string{requestedID}, candidates...), r.defaultModel))
	for _, id := range lookupIDs {
		if model, ok := r.cached(id); ok {
			return r.resolved(model, preset, hasPreset), nil
		}
	}

	model, err := r.trySelectors(ctx, candidates)
	if err != nil {
		return nil, err
	}

	if err := r.probe(ctx, model); err != nil {
		return nil, fmt.Errorf("connectivity probe for %s: %w", model.Info().ID, err)
	}

	aliases := []string{requestedID, model.Info().ID, model.Info().Family}
	if hasPreset {
		aliases = append(aliases, preset.ID)
		aliases = append(aliases, preset.BaseModelIDs...)
	}
	for _, alias := range dedupe(aliases) {
		r.cache.Store(strings.ToLower(alias), model)
	}

	r.log.Info("model resolved",
		"requested", requestedID,
		"model", model.Info().ID,
		"family", model.Info().Family,
	)
	return r.resolved(model, preset, hasPreset), nil
}

func (r *Resolver) resolved(model upstream.Model, preset Preset, hasPreset bool) *Resolved {
	res := &Resolved{Model: model}
	if hasPreset {
		res.Options = preset.Options()
	}
	return res
}

func (r *Resolver) cached(id string) (upstream.Model, bool) {
	if id == "" {
		return nil, false
	}
	if v, ok := r.cache.Load(strings.ToLower(id)); ok {
		return v.(upstream.Model), true
	}
	return nil, false
}

// trySelectors walks the cascade: an exact-id then a family selector per
// candidate, the same pair for the default model, and a wildcard as last
// resort. Individual selector failures are logged and swallowed; only
// exhaustion is a hard failure.
func (r *Resolver) trySelectors(ctx context.Context, candidates []string) (upstream.Model, error) {
	type attempt struct {
		sel    upstream.Selector
		prefer string
	}

	var attempts []attempt
	for _, id := range candidates {
		attempts = append(attempts,
			attempt{sel: upstream.Selector{ID: id}, prefer: id},
			attempt{sel: upstream.Selector{Family: id}, prefer: id},
		)
	}
	if r.defaultModel != "" && !containsFold(candidates, r.defaultModel) {
		attempts = append(attempts,
			attempt{sel: upstream.Selector{ID: r.defaultModel}, prefer: r.defaultModel},
			attempt{sel: upstream.Selector{Family: r.defaultModel}, prefer: r.defaultModel},
		)
	}
	attempts = append(attempts, attempt{sel: upstream.Selector{}})

	var lastErr error
	for _, a := range attempts {
		found, err := r.provider.SelectModels(ctx, a.sel)
		if err != nil {
			r.log.Warn("model selector failed", "selector", a.sel, "error", err)
			lastErr = err
			continue
		}
		if len(found) == 0 {
			continue
		}
		return pick(found, a.prefer, r.defaultModel), nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoModelAvailable, lastErr)
	}
	return nil, ErrNoModelAvailable
}

// pick chooses within a non-empty selector result: exact id/family match to
// the originating candidate first, then the configured default, then the
// first returned.
func pick(found []upstream.Model, prefer, defaultModel string) upstream.Model {
	if prefer != "" {
		for _, m := range found {
			if strings.EqualFold(m.Info().ID, prefer) || strings.EqualFold(m.Info().Family, prefer) {
				return m
			}
		}
	}
	if defaultModel != "" {
		for _, m := range found {
			if strings.EqualFold(m.Info().ID, defaultModel) || strings.EqualFold(m.Info().Family, defaultModel) {
				return m
			}
		}
	}
	return found[0]
}

// probe sends a trivial one-message request to a previously-unseen model and
// requires a non-empty handle back. A failed probe aborts resolution; it is
// not retried against other selectors.
func (r *Resolver) probe(ctx context.Context, model upstream.Model) error {
	canonical := strings.ToLower(model.Info().ID)
	if _, seen := r.probed.Load(canonical); seen {
		return nil
	}

	resp, err := model.Send(ctx, []upstream.Message{{Role: upstream.RoleUser, Content: "ping"}}, upstream.SendOptions{})
	if err != nil {
		return err
	}
	if resp == nil || resp.Text == nil {
		return upstream.ErrRequestFailed
	}

	r.probed.Store(canonical, struct{}{})
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		key := strings.ToLower(id)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, id)
	}
	return out
}

func containsFold(ids []string, target string) bool {
	for _, id := range ids {
		if strings.EqualFold(id, target) {
			return true
		}
	}
	return false
}

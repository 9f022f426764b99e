package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/opencode-ai/chatbridge/internal/config"
	"github.com/opencode-ai/chatbridge/internal/storage"
	"github.com/opencode-ai/chatbridge/internal/upstream"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

const (
	providerCacheSize = 32
	providerCacheTTL  = time.Minute
)

// Choice is the model and agent a turn runs with.
type Choice struct {
	Model        types.ModelRef
	Agent        string
	Variant      string
	Source       string
	ContextLimit int
}

// ResolveInput names the scopes a turn resolves its model from.
type ResolveInput struct {
	Overrides types.Overrides
	SessionID string
	ChannelID string
}

type providerEntry struct {
	list     *types.ProviderList
	storedAt time.Time
}

// ModelResolver picks a turn's model from the most specific preference that
// names an offered model.
type ModelResolver struct {
	store *storage.Store
	live  *config.Live

	cache *lru.Cache[string, providerEntry]
	group singleflight.Group
}

// NewModelResolver creates a resolver. store and live may be nil.
func NewModelResolver(store *storage.Store, live *config.Live) *ModelResolver {
	cache, _ := lru.New[string, providerEntry](providerCacheSize)
	return &ModelResolver{store: store, live: live, cache: cache}
}

// Providers returns the provider listing of a directory, cached briefly.
func (r *ModelResolver) Providers(ctx context.Context, c upstream.Client) (*types.ProviderList, error) {
	key := c.Directory()
	if e, ok := r.cache.Get(key); ok {
		if time.Since(e.storedAt) < providerCacheTTL {
			return e.list, nil
		}
		r.cache.Remove(key)
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		list, err := c.Providers(ctx)
		if err != nil {
			return nil, err
		}
		r.cache.Add(key, providerEntry{list: list, storedAt: time.Now()})
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.ProviderList), nil
}

// Invalidate drops the cached listing of a directory.
func (r *ModelResolver) Invalidate(directory string) {
	r.cache.Remove(directory)
}

type candidate struct {
	source string
	model  string
}

// Resolve applies, in order: explicit override, session preference, the
// agent's default preference, channel preference, global preference and
// configuration, then the first connected provider's default.
func (r *ModelResolver) Resolve(ctx context.Context, c upstream.Client, in ResolveInput) (Choice, error) {
	list, err := r.Providers(ctx, c)
	if err != nil {
		return Choice{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	session := r.prefs(ctx, storage.ScopeSession, in.SessionID)
	channel := r.prefs(ctx, storage.ScopeChannel, in.ChannelID)
	global := r.prefs(ctx, storage.ScopeGlobal, "")
	var cfg config.Config
	if r.live != nil {
		cfg = *r.live.Get()
	}

	choice := Choice{
		Agent:   first(in.Overrides.Agent, session.Agent, channel.Agent, global.Agent, cfg.Agent),
		Variant: first(in.Overrides.Variant, session.Variant, channel.Variant, global.Variant, cfg.Variant),
	}
	agent := r.prefs(ctx, storage.ScopeAgent, choice.Agent)

	if o := in.Overrides.Model; o != "" {
		ref, ok := match(list, o)
		if !ok {
			return Choice{}, unknownModel(list, o)
		}
		choice.Model, choice.Source = ref, "override"
		choice.ContextLimit = contextLimit(list, ref)
		return choice, nil
	}

	for _, cand := range []candidate{
		{"session", session.Model},
		{"agent", agent.Model},
		{"channel", channel.Model},
		{"global", global.Model},
		{"config", cfg.Model},
	} {
		if cand.model == "" {
			continue
		}
		ref, ok := match(list, cand.model)
		if !ok {
			log.Warn().Str("source", cand.source).Str("model", cand.model).Msg("preferred model not offered, skipping")
			continue
		}
		choice.Model, choice.Source = ref, cand.source
		choice.ContextLimit = contextLimit(list, ref)
		return choice, nil
	}

	ref, ok := list.FirstDefault()
	if !ok {
		return Choice{}, ErrNoModelAvailable
	}
	choice.Model, choice.Source = ref, "provider-default"
	choice.ContextLimit = contextLimit(list, ref)
	return choice, nil
}

func (r *ModelResolver) prefs(ctx context.Context, scope storage.Scope, key string) storage.Preferences {
	if r.store == nil || (key == "" && scope != storage.ScopeGlobal) {
		return storage.Preferences{}
	}
	p, err := r.store.Preferences(ctx, scope, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Str("scope", string(scope)).Str("key", key).Msg("reading preferences failed")
	}
	return p
}

// match finds name among the offered models. A bare model id matches the
// first provider offering it.
func match(list *types.ProviderList, name string) (types.ModelRef, bool) {
	ref := types.ParseModelRef(name)
	for _, p := range list.Providers {
		if ref.ProviderID != "" && p.ID != ref.ProviderID {
			continue
		}
		if _, ok := p.Models[ref.ModelID]; ok {
			return types.ModelRef{ProviderID: p.ID, ModelID: ref.ModelID}, true
		}
	}
	return types.ModelRef{}, false
}

func contextLimit(list *types.ProviderList, ref types.ModelRef) int {
	if m, ok := list.Find(ref); ok {
		return m.Limit.Context
	}
	return 0
}

// unknownModel builds an ErrUnknownModel error with the closest offered name.
func unknownModel(list *types.ProviderList, name string) error {
	if s := Suggest(list.Names(), name); s != "" {
		return fmt.Errorf("%w %q, did you mean %q?", ErrUnknownModel, name, s)
	}
	return fmt.Errorf("%w %q", ErrUnknownModel, name)
}

// Suggest returns the candidate closest to name, or "" when none is close.
func Suggest(candidates []string, name string) string {
	best, bestDist := "", -1
	lower := strings.ToLower(name)
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(lower, strings.ToLower(c))
		if bare := c[strings.IndexByte(c, '/')+1:]; bare != c {
			if db := levenshtein.ComputeDistance(lower, strings.ToLower(bare)); db < d {
				d = db
			}
		}
		if bestDist < 0 || d < bestDist || (d == bestDist && c < best) {
			best, bestDist = c, d
		}
	}
	if bestDist < 0 || bestDist > max(3, len(name)/3) {
		return ""
	}
	return best
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

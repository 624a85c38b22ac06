package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harrier-ai/harrier/internal/cascade"
	"github.com/harrier-ai/harrier/internal/config"
	"github.com/harrier-ai/harrier/internal/feedback"
	"github.com/harrier-ai/harrier/internal/guard"
	"github.com/harrier-ai/harrier/internal/policy"
	"github.com/harrier-ai/harrier/internal/provider"
	"github.com/harrier-ai/harrier/internal/queue"
	"github.com/harrier-ai/harrier/internal/router"
)

// core bundles the wired components shared by serve, work, route, and stats.
type core struct {
	cfg     *config.Config
	tasks   *queue.Store
	cache   *router.Cache
	gstore  *guard.Store
	metrics *guard.Recorder
	guard   *guard.Guard
	loop    *feedback.Loop
	casc    *cascade.Cascade
	router  *router.Router
	engine  *policy.Engine
	avail   provider.Availability
}

// buildCore wires every component from config. Callers must Close.
func buildCore(ctx context.Context, cfg *config.Config) (*core, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	tasks, err := queue.NewStore(cfg.TasksDBPath())
	if err != nil {
		return nil, err
	}
	cache, err := router.NewCache(cfg.CacheDBPath(), cfg.CacheTTL)
	if err != nil {
		tasks.Close()
		return nil, err
	}
	gstore, err := guard.NewStore(cfg.GuardDBPath())
	if err != nil {
		tasks.Close()
		cache.Close()
		return nil, err
	}
	loop, err := feedback.New(cfg.FeedbackDBPath())
	if err != nil {
		tasks.Close()
		cache.Close()
		gstore.Close()
		return nil, err
	}

	metrics := guard.NewRecorder(guard.DefaultPeriod)
	g := guard.New(gstore, metrics, cfg.DedupeTTL)

	casc, err := buildCascade(cfg, loop)
	if err != nil {
		tasks.Close()
		cache.Close()
		gstore.Close()
		loop.Close()
		return nil, err
	}

	providers, avail := buildProviders(ctx, cfg)
	rt := router.New(providers, cache, cfg.MaxHops, router.WithOrdering(loop))

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		tasks.Close()
		cache.Close()
		gstore.Close()
		loop.Close()
		return nil, err
	}
	engine, err := policy.NewEngine(ctx, pol)
	if err != nil {
		tasks.Close()
		cache.Close()
		gstore.Close()
		loop.Close()
		return nil, err
	}

	return &core{
		cfg:     cfg,
		tasks:   tasks,
		cache:   cache,
		gstore:  gstore,
		metrics: metrics,
		guard:   g,
		loop:    loop,
		casc:    casc,
		router:  rt,
		engine:  engine,
		avail:   avail,
	}, nil
}

func (c *core) Close() {
	c.tasks.Close()
	c.cache.Close()
	c.gstore.Close()
	c.loop.Close()
}

// buildCascade loads the routing tables: built-in operators and domains,
// plus the capability registry when one is configured.
func buildCascade(cfg *config.Config, loop *feedback.Loop) (*cascade.Cascade, error) {
	var index *cascade.KeywordIndex
	if cfg.RegistryPath != "" {
		caps, err := cascade.LoadCapabilities(cfg.RegistryPath)
		if err != nil {
			return nil, fmt.Errorf("loading capability registry: %w", err)
		}
		index = cascade.BuildIndex(caps)
		log.Info().Str("path", cfg.RegistryPath).Int("capabilities", len(caps)).Msg("registry_loaded")
	}

	return cascade.New(nil, index, nil, cascade.WithAdjustments(loop)), nil
}

// buildProviders resolves provider availability once, from config and
// environment, and returns the constructed set. Ollama is probed with a
// single bounded request; remote providers resolve by key presence.
func buildProviders(ctx context.Context, cfg *config.Config) ([]provider.Provider, provider.Availability) {
	var providers []provider.Provider
	var avail provider.Availability

	if probeOllama(ctx, cfg.OllamaBaseURL) {
		avail.Ollama = true
		providers = append(providers, provider.NewOllamaProvider(cfg.OllamaBaseURL, ""))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		avail.OpenAI = true
		providers = append(providers, provider.NewOpenAIProvider(key, ""))
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		avail.Anthropic = true
		providers = append(providers, provider.NewAnthropicProvider(key, ""))
	}

	log.Info().
		Bool("ollama", avail.Ollama).
		Bool("openai", avail.OpenAI).
		Bool("anthropic", avail.Anthropic).
		Msg("providers_resolved")

	if !avail.Any() {
		log.Warn().Msg("no_providers_available")
	}
	return providers, avail
}

// probeOllama checks the local Ollama endpoint once at startup.
func probeOllama(ctx context.Context, baseURL string) bool {
	if baseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

package executor

import (
	"github.com/ignatij/scoutflow/internal/config"
	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/service"
	"github.com/pkg/errors"
)

// NewRegistry binds every step type to its executor. Each provider gets its
// own throttled client; fetch only reaches public addresses. llm may be nil.
func NewRegistry(cfg config.Config, llm Completer, logger service.Logger) (*service.ExecutorRegistry, error) {
	registry := service.NewExecutorRegistry()
	timeout := cfg.StepTimeout

	search, err := NewWebSearch(NewClient(cfg.SearchProvider, cfg.RateLimitRPS, timeout), cfg.SearchProvider, cfg.SearchAPIKey, cfg.SearchBaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "configure web search")
	}
	if cfg.SearchAPIKey == "" && search.Provider != ProviderSearXNG {
		logger.Warnf("SEARCH_API_KEY is not set; %s search steps will fail", search.Provider)
	}
	if cfg.PexelsAPIKey == "" {
		logger.Warnf("PEXELS_API_KEY is not set; image search steps will fail")
	}
	if cfg.OpenAIAPIKey == "" {
		logger.Infof("OPENAI_API_KEY is not set; summaries are extractive and image generation is disabled")
	}

	executors := map[models.StepType]service.StepExecutor{
		models.SearchStepType:        search,
		models.ImageSearchStepType:   NewImageSearch(NewClient("pexels", cfg.RateLimitRPS, timeout), cfg.PexelsAPIKey),
		models.RepoSearchStepType:    NewRepoSearch(NewClient("github", cfg.RateLimitRPS, timeout), cfg.GitHubToken),
		models.FetchStepType:         NewFetch(NewPublicClient("fetch", cfg.RateLimitRPS, timeout)),
		models.SummarizeStepType:     NewSummarize(llm),
		models.GenerateImageStepType: NewGenerateImage(NewClient("openai", cfg.RateLimitRPS, timeout), cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ImageModel),
	}
	for stepType, executor := range executors {
		if err := registry.Register(stepType, executor); err != nil {
			return nil, err
		}
	}
	logger.Infof("Registered executors for step types %v", registry.Types())
	return registry, nil
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

type Config struct {
	Port  int
	Store string // "postgres" or "memory"
	DBURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Workers        int
	QueueSize      int
	StepTimeout    time.Duration
	StepRetries    int
	RecoverOnStart bool

	// APITokens maps bearer tokens to user ids.
	APITokens map[string]string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	ImageModel    string

	SearchProvider string
	SearchAPIKey   string
	SearchBaseURL  string
	PexelsAPIKey   string
	GitHubToken    string
	RateLimitRPS   float64

	LogLevel string
}

// Load reads an optional .env file and then the environment. Values already
// set in the environment win over the file.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from any environment source.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := Config{
		Store:          strings.ToLower(get("STORE", "postgres")),
		RedisAddr:      get("REDIS_ADDR", ""),
		RedisPassword:  get("REDIS_PASSWORD", ""),
		OpenAIAPIKey:   get("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  get("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:    get("OPENAI_MODEL", "gpt-4o-mini"),
		ImageModel:     get("OPENAI_IMAGE_MODEL", "dall-e-3"),
		SearchProvider: strings.ToLower(get("SEARCH_PROVIDER", "brave")),
		SearchAPIKey:   get("SEARCH_API_KEY", ""),
		SearchBaseURL:  get("SEARCH_BASE_URL", ""),
		PexelsAPIKey:   get("PEXELS_API_KEY", ""),
		GitHubToken:    get("GITHUB_TOKEN", ""),
		LogLevel:       get("LOG_LEVEL", "INFO"),
	}

	var err error
	if cfg.Port, err = cast.ToIntE(get("PORT", "8080")); err != nil {
		return cfg, errors.Wrap(err, "invalid PORT")
	}
	if cfg.RedisDB, err = cast.ToIntE(get("REDIS_DB", "0")); err != nil {
		return cfg, errors.Wrap(err, "invalid REDIS_DB")
	}
	if cfg.Workers, err = cast.ToIntE(get("WORKERS", "0")); err != nil {
		return cfg, errors.Wrap(err, "invalid WORKERS")
	}
	if cfg.QueueSize, err = cast.ToIntE(get("QUEUE_SIZE", "256")); err != nil {
		return cfg, errors.Wrap(err, "invalid QUEUE_SIZE")
	}
	if cfg.StepTimeout, err = cast.ToDurationE(get("STEP_TIMEOUT", "60s")); err != nil {
		return cfg, errors.Wrap(err, "invalid STEP_TIMEOUT")
	}
	if cfg.StepRetries, err = cast.ToIntE(get("STEP_RETRIES", "0")); err != nil {
		return cfg, errors.Wrap(err, "invalid STEP_RETRIES")
	}
	if cfg.RecoverOnStart, err = cast.ToBoolE(get("RECOVER_ON_START", "true")); err != nil {
		return cfg, errors.Wrap(err, "invalid RECOVER_ON_START")
	}
	if cfg.RateLimitRPS, err = cast.ToFloat64E(get("RATE_LIMIT_RPS", "2")); err != nil {
		return cfg, errors.Wrap(err, "invalid RATE_LIMIT_RPS")
	}
	if cfg.APITokens, err = ParseTokens(get("API_TOKENS", "")); err != nil {
		return cfg, err
	}

	cfg.DBURL = get("DATABASE_URL", "")
	if cfg.DBURL == "" {
		cfg.DBURL = dbURLFromParts(get)
	}

	if cfg.Store != "postgres" && cfg.Store != "memory" {
		return cfg, errors.Errorf("invalid STORE %q; must be 'postgres' or 'memory'", cfg.Store)
	}
	if cfg.StepTimeout <= 0 {
		return cfg, errors.New("STEP_TIMEOUT must be positive")
	}
	if cfg.StepRetries < 0 {
		return cfg, errors.New("STEP_RETRIES must not be negative")
	}
	return cfg, nil
}

func dbURLFromParts(get func(key, def string) string) string {
	user, password, host, port, name := get("DB_USERNAME", ""), get("DB_PASSWORD", ""), get("DB_HOST", ""), get("DB_PORT", "5432"), get("DB_NAME", "")
	if user == "" || host == "" || name == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
}

// ParseTokens parses "token=user,token2=user2".
func ParseTokens(raw string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, "=")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, errors.Errorf("invalid API_TOKENS entry %q; expected token=user", pair)
		}
		tokens[token] = user
	}
	return tokens, nil
}

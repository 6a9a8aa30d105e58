package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"papertrail/internal/domain"
)

const (
	defaultTimezone   = "UTC"
	configPathEnv     = "PAPERTRAIL_CONFIG"
	databasePathEnv   = "PAPERTRAIL_DB_PATH"
	databaseDSNEnv    = "PAPERTRAIL_DB_DSN"
	logLevelEnv       = "PAPERTRAIL_LOG_LEVEL"
	embedAPIKeyEnv    = "PAPERTRAIL_EMBED_API_KEY"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"

	weightTolerance = 1e-9
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging        LoggingConfig        `yaml:"logging"`
	Database       DatabaseConfig       `yaml:"database"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	API            APIConfig            `yaml:"api"`
	Feed           FeedConfig           `yaml:"feed"`
	Topics         []TopicConfig        `yaml:"topics" validate:"dive"`
	Analysis       AnalysisConfig       `yaml:"analysis"`
	Social         SocialConfig         `yaml:"social"`
	Scoring        ScoringConfig        `yaml:"scoring"`
	Clustering     ClusteringConfig     `yaml:"clustering"`
	Embedding      EmbeddingConfig      `yaml:"embedding"`
	Recommendation RecommendationConfig `yaml:"recommendation"`
	Pipeline       PipelineConfig       `yaml:"pipeline"`
	Notifications  NotificationConfig   `yaml:"notifications"`
	Users          []UserConfig         `yaml:"users" validate:"dive"`
}

// LoggingConfig selects the slog level.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

// DatabaseConfig locates the store and its process lock.
// Path is the SQLite file and also anchors the default lock file for Postgres.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	Path     string `yaml:"path" validate:"required"`
	DSN      string `yaml:"dsn"`
	LockPath string `yaml:"lockPath"`
}

// Source returns the connection source for the configured driver.
func (d DatabaseConfig) Source() string {
	if d.Driver == "postgres" {
		return d.DSN
	}
	return d.Path
}

// ResolvedLockPath defaults the lock file next to the database.
func (d DatabaseConfig) ResolvedLockPath() string {
	if d.LockPath != "" {
		return d.LockPath
	}
	return d.Path + ".lock"
}

// SchedulerConfig defines when full runs execute.
type SchedulerConfig struct {
	CronExpression string         `yaml:"cronExpression" validate:"required"`
	Timezone       string         `yaml:"timezone"`
	Period         time.Duration  `yaml:"period" validate:"gt=0"`
	location       *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// APIConfig configures the HTTP trigger surface.
type APIConfig struct {
	Address string `yaml:"address" validate:"required"`
}

// FeedConfig controls paper discovery.
type FeedConfig struct {
	Source      string        `yaml:"source" validate:"oneof=arxiv arxiv_listing"`
	BaseURL     string        `yaml:"baseUrl" validate:"required,url"`
	PageSize    int           `yaml:"pageSize" validate:"gt=0"`
	MaxPages    int           `yaml:"maxPages" validate:"gt=0"`
	Lookback    time.Duration `yaml:"lookback" validate:"gt=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxAttempts int           `yaml:"maxAttempts" validate:"gte=1"`
	Concurrency int           `yaml:"concurrency" validate:"gte=1"`
}

// TopicConfig is a named query with keywords and arXiv categories.
type TopicConfig struct {
	Name       string   `yaml:"name" validate:"required"`
	Keywords   []string `yaml:"keywords"`
	Categories []string `yaml:"categories"`
}

// AnalysisConfig ranks language-model providers.
type AnalysisConfig struct {
	Providers   []ProviderConfig `yaml:"providers" validate:"dive"`
	Timeout     time.Duration    `yaml:"timeout" validate:"gt=0"`
	Concurrency int              `yaml:"concurrency" validate:"gte=1"`
	ScoreScale  float64          `yaml:"scoreScale" validate:"gt=0"`
	Breaker     BreakerConfig    `yaml:"breaker"`
}

// ProviderConfig defines how to contact one language-model provider.
type ProviderConfig struct {
	Name     string `yaml:"name" validate:"required"`
	Kind     string `yaml:"kind" validate:"omitempty,oneof=openai anthropic"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"apiKey"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutiveFailures" validate:"gte=1"`
	OpenTimeout         time.Duration `yaml:"openTimeout" validate:"gt=0"`
}

// SocialConfig lists platforms and buzz normalization settings.
type SocialConfig struct {
	Platforms      []PlatformConfig `yaml:"platforms" validate:"dive"`
	Saturation     float64          `yaml:"saturation" validate:"gt=0"`
	BaselineWindow time.Duration    `yaml:"baselineWindow" validate:"gt=0"`
	Timeout        time.Duration    `yaml:"timeout" validate:"gt=0"`
	Concurrency    int              `yaml:"concurrency" validate:"gte=1"`
}

// PlatformConfig configures one social platform.
type PlatformConfig struct {
	Name            string  `yaml:"name" validate:"required,oneof=reddit hackernews huggingface"`
	Disabled        bool    `yaml:"disabled"`
	BaseURL         string  `yaml:"baseUrl" validate:"omitempty,url"`
	Weight          float64 `yaml:"weight" validate:"gt=0"`
	DefaultBaseline float64 `yaml:"defaultBaseline" validate:"gt=0"`
	RatePerSecond   float64 `yaml:"ratePerSecond" validate:"gt=0"`
	Burst           int     `yaml:"burst" validate:"gte=1"`
}

// ScoringConfig holds the hot score weights and decay.
type ScoringConfig struct {
	RelevanceWeight float64       `yaml:"relevanceWeight" validate:"gte=0,lte=1"`
	NoveltyWeight   float64       `yaml:"noveltyWeight" validate:"gte=0,lte=1"`
	BuzzWeight      float64       `yaml:"buzzWeight" validate:"gte=0,lte=1"`
	HalfLifeDays    float64       `yaml:"halfLifeDays" validate:"gt=0"`
	Window          time.Duration `yaml:"window" validate:"gt=0"` // publication window a run scores and clusters
}

// ClusteringConfig controls k-means and continuity matching.
type ClusteringConfig struct {
	TargetClusters  int     `yaml:"targetClusters" validate:"gte=1"`
	MaxIterations   int     `yaml:"maxIterations" validate:"gte=1"`
	MatchThreshold  float64 `yaml:"matchThreshold" validate:"gte=0,lte=1"`
	GrowthThreshold float64 `yaml:"growthThreshold" validate:"gte=0"`
}

// EmbeddingConfig points at the optional embedding service.
type EmbeddingConfig struct {
	Endpoint   string        `yaml:"endpoint" validate:"omitempty,url"`
	APIKey     string        `yaml:"apiKey"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions" validate:"gte=8"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
}

// RecommendationConfig shapes per-user lists.
type RecommendationConfig struct {
	ListSize          int           `yaml:"listSize" validate:"gte=1"`
	Cooldown          time.Duration `yaml:"cooldown" validate:"gte=0"`
	TopicalFloor      float64       `yaml:"topicalFloor" validate:"gte=0,lte=1"`
	TopicWeight       float64       `yaml:"topicWeight" validate:"gte=0"`
	HotWeight         float64       `yaml:"hotWeight" validate:"gte=0"`
	TrendingThreshold float64       `yaml:"trendingThreshold" validate:"gte=0,lte=1"`
	NoveltyThreshold  float64       `yaml:"noveltyThreshold" validate:"gte=0,lte=1"`
	WeeklyDay         string        `yaml:"weeklyDay" validate:"oneof=sunday monday tuesday wednesday thursday friday saturday"`
	Concurrency       int           `yaml:"concurrency" validate:"gte=1"`
	PreferenceBoost   float64       `yaml:"preferenceBoost" validate:"gte=0,lte=1"`
	TrendingMinHot    float64       `yaml:"trendingMinHot" validate:"gte=0,lte=1"`
	TrendingSize      int           `yaml:"trendingSize" validate:"gte=1"`
	SimilarSize       int           `yaml:"similarSize" validate:"gte=1"`
}

// Weekday parses WeeklyDay.
func (r RecommendationConfig) Weekday() time.Weekday {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), r.WeeklyDay) {
			return d
		}
	}
	return time.Monday
}

// PipelineConfig holds per-stage failure budgets as failed/total fractions.
type PipelineConfig struct {
	CollectingBudget   float64 `yaml:"collectingBudget" validate:"gte=0,lte=1"`
	EnrichingBudget    float64 `yaml:"enrichingBudget" validate:"gte=0,lte=1"`
	RecommendingBudget float64 `yaml:"recommendingBudget" validate:"gte=0,lte=1"`
}

// NotificationConfig encapsulates outbound channels.
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// UserConfig seeds the user directory of a standalone deployment.
type UserConfig struct {
	ID                  string   `yaml:"id" validate:"required"`
	Name                string   `yaml:"name"`
	Interests           []string `yaml:"interests"`
	Frequency           string   `yaml:"frequency" validate:"omitempty,oneof=daily weekly"`
	Contact             string   `yaml:"contact"`
	Disabled            bool     `yaml:"disabled"`
	MinNovelty          float64  `yaml:"minNovelty" validate:"gte=0,lte=1"`
	MinHot              float64  `yaml:"minHot" validate:"gte=0,lte=1"`
	PreferredCategories []string `yaml:"preferredCategories"`
	ExcludedCategories  []string `yaml:"excludedCategories"`
}

// User converts the seed entry into the domain view.
func (u UserConfig) User() domain.User {
	freq := domain.Frequency(u.Frequency)
	if freq == "" {
		freq = domain.FrequencyDaily
	}
	return domain.User{
		ID:        u.ID,
		Name:      u.Name,
		Interests: u.Interests,
		Frequency: freq,
		Active:    !u.Disabled,
		Contact:   u.Contact,
		Preferences: domain.Preferences{
			MinNovelty:          u.MinNovelty,
			MinHot:              u.MinHot,
			PreferredCategories: u.PreferredCategories,
			ExcludedCategories:  u.ExcludedCategories,
		},
	}
}

var validate = validator.New()

// Load reads the YAML file named by PAPERTRAIL_CONFIG (if set) over defaults,
// applies environment overrides and validates.
func Load() (Config, error) {
	return LoadFile(os.Getenv(configPathEnv))
}

// LoadFile is Load with an explicit path; an empty path uses defaults only.
func LoadFile(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, &domain.ConfigurationError{Reason: fmt.Sprintf("read %s: %v", path, err)}
		}
		if cfg, err = Parse(raw); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.bindTimezone(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes raw YAML over the defaults without validating.
func Parse(raw []byte) (Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, &domain.ConfigurationError{Reason: fmt.Sprintf("parse yaml: %v", err)}
	}
	cfg.fillProviderDefaults()
	cfg.fillPlatformDefaults()
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	cfg := defaultConfig()
	_ = cfg.bindTimezone()
	return cfg
}

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &domain.ConfigurationError{Field: fe.Namespace(), Reason: fmt.Sprintf("failed %q (value %v)", fe.Tag(), fe.Value())}
		}
		return &domain.ConfigurationError{Reason: err.Error()}
	}

	sum := c.Scoring.RelevanceWeight + c.Scoring.NoveltyWeight + c.Scoring.BuzzWeight
	if math.Abs(sum-1) > weightTolerance {
		return &domain.ConfigurationError{Field: "scoring", Reason: fmt.Sprintf("weights sum to %g, want 1", sum)}
	}
	if c.Recommendation.TopicWeight+c.Recommendation.HotWeight <= 0 {
		return &domain.ConfigurationError{Field: "recommendation", Reason: "topic and hot weights are both zero"}
	}
	if len(c.Topics) == 0 {
		return &domain.ConfigurationError{Field: "topics", Reason: "at least one topic is required"}
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return &domain.ConfigurationError{Field: "database.dsn", Reason: "required for the postgres driver"}
	}

	seen := map[string]bool{}
	for _, p := range c.Analysis.Providers {
		key := strings.ToLower(p.Name)
		if seen[key] {
			return &domain.ConfigurationError{Field: "analysis.providers", Reason: "duplicate provider " + p.Name}
		}
		seen[key] = true
	}
	return nil
}

// Topic finds a configured topic by case-insensitive name.
func (c Config) Topic(name string) (TopicConfig, bool) {
	for _, t := range c.Topics {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return TopicConfig{}, false
}

// TopicNames lists configured topics in configuration order.
func (c Config) TopicNames() []string {
	names := make([]string, 0, len(c.Topics))
	for _, t := range c.Topics {
		names = append(names, t.Name)
	}
	return names
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databasePathEnv); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}

	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}

	if v := os.Getenv(embedAPIKeyEnv); v != "" {
		c.Embedding.APIKey = v
	}

	for i := range c.Analysis.Providers {
		if v := os.Getenv(providerKeyEnv(c.Analysis.Providers[i].Name)); v != "" {
			c.Analysis.Providers[i].APIKey = v
		}
	}
}

// providerKeyEnv maps a provider name to its API key variable, e.g. DEEPSEEK_API_KEY.
func providerKeyEnv(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
}

func (c *Config) bindTimezone() error {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return &domain.ConfigurationError{Field: "scheduler.timezone", Reason: err.Error()}
	}
	c.Scheduler.location = loc
	return nil
}

var providerDefaults = map[string]ProviderConfig{
	"deepseek":  {Kind: "openai", Endpoint: "https://api.deepseek.com/v1/chat/completions", Model: "deepseek-chat"},
	"kimi":      {Kind: "openai", Endpoint: "https://api.moonshot.cn/v1/chat/completions", Model: "moonshot-v1-8k"},
	"seed":      {Kind: "openai", Endpoint: "https://api.seed.tencent.com/v1/chat/completions", Model: "seed-v1"},
	"glm":       {Kind: "openai", Endpoint: "https://open.bigmodel.cn/api/paas/v4/chat/completions", Model: "glm-4"},
	"openai":    {Kind: "openai", Endpoint: "https://api.openai.com/v1/chat/completions", Model: "gpt-4o-mini"},
	"anthropic": {Kind: "anthropic", Model: "claude-3-5-haiku-latest"},
}

func (c *Config) fillProviderDefaults() {
	for i, p := range c.Analysis.Providers {
		def, ok := providerDefaults[strings.ToLower(p.Name)]
		if !ok {
			if p.Kind == "" {
				c.Analysis.Providers[i].Kind = "openai"
			}
			continue
		}
		if p.Kind == "" {
			c.Analysis.Providers[i].Kind = def.Kind
		}
		if p.Endpoint == "" {
			c.Analysis.Providers[i].Endpoint = def.Endpoint
		}
		if p.Model == "" {
			c.Analysis.Providers[i].Model = def.Model
		}
	}
}

var platformDefaults = map[string]PlatformConfig{
	"reddit":      {BaseURL: "https://www.reddit.com", Weight: 0.4, DefaultBaseline: 20, RatePerSecond: 1, Burst: 2},
	"hackernews":  {BaseURL: "https://hn.algolia.com", Weight: 0.3, DefaultBaseline: 30, RatePerSecond: 2, Burst: 4},
	"huggingface": {BaseURL: "https://huggingface.co", Weight: 0.3, DefaultBaseline: 10, RatePerSecond: 2, Burst: 4},
}

func (c *Config) fillPlatformDefaults() {
	for i, p := range c.Social.Platforms {
		def, ok := platformDefaults[p.Name]
		if !ok {
			continue
		}
		if p.BaseURL == "" {
			c.Social.Platforms[i].BaseURL = def.BaseURL
		}
		if p.Weight == 0 {
			c.Social.Platforms[i].Weight = def.Weight
		}
		if p.DefaultBaseline == 0 {
			c.Social.Platforms[i].DefaultBaseline = def.DefaultBaseline
		}
		if p.RatePerSecond == 0 {
			c.Social.Platforms[i].RatePerSecond = def.RatePerSecond
		}
		if p.Burst == 0 {
			c.Social.Platforms[i].Burst = def.Burst
		}
	}
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	cfg := Config{
		Logging:   LoggingConfig{Level: "info"},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "papertrail.db"},
		Scheduler: SchedulerConfig{CronExpression: "0 6 * * *", Timezone: defaultTimezone, Period: 24 * time.Hour, location: tz},
		API:       APIConfig{Address: ":8080"},
		Feed: FeedConfig{
			Source:      "arxiv",
			BaseURL:     "https://export.arxiv.org",
			PageSize:    100,
			MaxPages:    5,
			Lookback:    24 * time.Hour,
			Timeout:     20 * time.Second,
			MaxAttempts: 3,
			Concurrency: 2,
		},
		Topics: []TopicConfig{
			{Name: "LLM", Keywords: []string{"large language model", "LLM"}, Categories: []string{"cs.CL", "cs.AI", "cs.LG"}},
		},
		Analysis: AnalysisConfig{
			Providers: []ProviderConfig{
				{Name: "deepseek"},
				{Name: "kimi"},
				{Name: "seed"},
				{Name: "glm"},
			},
			Timeout:     30 * time.Second,
			Concurrency: 4,
			ScoreScale:  1,
			Breaker:     BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: time.Minute},
		},
		Social: SocialConfig{
			Platforms: []PlatformConfig{
				{Name: "reddit"},
				{Name: "hackernews"},
				{Name: "huggingface"},
			},
			Saturation:     10,
			BaselineWindow: 14 * 24 * time.Hour,
			Timeout:        10 * time.Second,
			Concurrency:    4,
		},
		Scoring: ScoringConfig{RelevanceWeight: 0.5, NoveltyWeight: 0.3, BuzzWeight: 0.2, HalfLifeDays: 7, Window: 7 * 24 * time.Hour},
		Clustering: ClusteringConfig{
			TargetClusters:  8,
			MaxIterations:   50,
			MatchThreshold:  0.8,
			GrowthThreshold: 0.2,
		},
		Embedding: EmbeddingConfig{Dimensions: 256, Timeout: 15 * time.Second},
		Recommendation: RecommendationConfig{
			ListSize:          10,
			Cooldown:          7 * 24 * time.Hour,
			TopicalFloor:      0.1,
			TopicWeight:       0.7,
			HotWeight:         0.3,
			TrendingThreshold: 0.5,
			NoveltyThreshold:  0.7,
			WeeklyDay:         "monday",
			Concurrency:       4,
			PreferenceBoost:   0.1,
			TrendingMinHot:    0.2,
			TrendingSize:      10,
			SimilarSize:       5,
		},
		Pipeline: PipelineConfig{CollectingBudget: 0.5, EnrichingBudget: 1, RecommendingBudget: 0.5},
		Notifications: NotificationConfig{
			Telegram: TelegramConfig{Endpoint: "https://api.telegram.org"},
		},
	}
	cfg.fillProviderDefaults()
	cfg.fillPlatformDefaults()
	return cfg
}

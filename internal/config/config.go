package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone   = "UTC"
	defaultThreshold  = 0.2
	configPathEnv     = "FORUM_SCANNER_CONFIG"
	databaseDriverEnv = "DATABASE_DRIVER"
	databaseDSNEnv    = "DATABASE_DSN"
	sessionIDEnv      = "FORUM_SESSION_ID"
	cookieEnv         = "FORUM_COOKIE"
	categoryIDEnv     = "FORUM_CATEGORY_ID"
	logLevelEnv       = "LOG_LEVEL"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"
)

// Supported storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds high-level settings required across the application.
type Config struct {
	Forum         ForumConfig        `yaml:"forum"`
	Pipeline      PipelineConfig     `yaml:"pipeline"`
	Resolver      ResolverConfig     `yaml:"resolver"`
	Tree          TreeConfig         `yaml:"tree"`
	Database      DatabaseConfig     `yaml:"database"`
	Logging       LoggingConfig      `yaml:"logging"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Notifications NotificationConfig `yaml:"notifications"`
}

// ForumConfig describes the remote forum API.
type ForumConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	CategoryID     int64         `yaml:"categoryId"`
	UserID         int64         `yaml:"userId"`
	SessionID      string        `yaml:"sessionId"`
	Cookie         string        `yaml:"cookie"`
	UserAgent      string        `yaml:"userAgent"`
	PageSize       int           `yaml:"pageSize"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// PipelineConfig tunes the fetch pipeline.
type PipelineConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queueSize"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	RetryBackoff   time.Duration `yaml:"retryBackoff"`
	DelayMin       time.Duration `yaml:"delayMin"`
	DelayMax       time.Duration `yaml:"delayMax"`
	StalePageLimit int           `yaml:"stalePageLimit"`
}

// ResolverConfig holds the reference-resolution heuristics.
type ResolverConfig struct {
	Threshold      *float64 `yaml:"threshold"`
	SubstringFirst *bool    `yaml:"substringFirst"`
}

// SimilarityThreshold returns the configured minimum score; unset means
// the calibrated default of 0.2. Zero accepts any token overlap.
func (r ResolverConfig) SimilarityThreshold() float64 {
	if r.Threshold == nil {
		return defaultThreshold
	}
	return *r.Threshold
}

// UseSubstring reports whether exact substring evidence is tried first.
func (r ResolverConfig) UseSubstring() bool {
	return r.SubstringFirst == nil || *r.SubstringFirst
}

// TreeConfig tunes the reply-graph rebuild pass.
type TreeConfig struct {
	Workers int `yaml:"workers"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LoggingConfig sets the slog level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SchedulerConfig defines when the crawler should run.
type SchedulerConfig struct {
	CronExpression string         `yaml:"cronExpression"`
	Timezone       string         `yaml:"timezone"`
	BuildTrees     *bool          `yaml:"buildTrees"`
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

// WithTrees reports whether scheduled runs rebuild reply trees afterwards.
func (s SchedulerConfig) WithTrees() bool {
	return s.BuildTrees == nil || *s.BuildTrees
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// Load reads .env and YAML configuration (if present) and applies environment overrides.
// An explicit path wins over FORUM_SCANNER_CONFIG.
func Load(path string) Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: cannot load .env: %v", err)
	}

	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			fileCfg, err := Parse(raw)
			if err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	return cfg
}

// Parse decodes a YAML document without applying defaults.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Forum.Endpoint) == "" {
		errs = append(errs, errors.New("forum.endpoint is required"))
	}
	if c.Forum.PageSize < 1 {
		errs = append(errs, errors.New("forum.pageSize must be positive"))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, errors.New("pipeline.workers must be at least 1"))
	}
	if c.Pipeline.MaxAttempts < 1 {
		errs = append(errs, errors.New("pipeline.maxAttempts must be at least 1"))
	}
	if c.Pipeline.QueueSize < 0 {
		errs = append(errs, errors.New("pipeline.queueSize must not be negative"))
	}
	if c.Pipeline.DelayMax < c.Pipeline.DelayMin {
		errs = append(errs, errors.New("pipeline.delayMax must not be below delayMin"))
	}
	if c.Pipeline.StalePageLimit < 1 {
		errs = append(errs, errors.New("pipeline.stalePageLimit must be at least 1"))
	}
	if th := c.Resolver.SimilarityThreshold(); th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("resolver.threshold %v outside [0,1]", th))
	}
	if c.Tree.Workers < 1 {
		errs = append(errs, errors.New("tree.workers must be at least 1"))
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}

	return errors.Join(errs...)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDriverEnv); v != "" {
		c.Database.Driver = v
	}

	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(sessionIDEnv); v != "" {
		c.Forum.SessionID = v
	}

	if v := os.Getenv(cookieEnv); v != "" {
		c.Forum.Cookie = v
	}

	if v := os.Getenv(categoryIDEnv); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Forum.CategoryID = id
		} else {
			log.Printf("config: ignoring %s=%q: %v", categoryIDEnv, v, err)
		}
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
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func mergeConfig(base, override Config) Config {
	if override.Forum.Endpoint != "" {
		base.Forum.Endpoint = override.Forum.Endpoint
	}
	if override.Forum.CategoryID != 0 {
		base.Forum.CategoryID = override.Forum.CategoryID
	}
	if override.Forum.UserID != 0 {
		base.Forum.UserID = override.Forum.UserID
	}
	if override.Forum.SessionID != "" {
		base.Forum.SessionID = override.Forum.SessionID
	}
	if override.Forum.Cookie != "" {
		base.Forum.Cookie = override.Forum.Cookie
	}
	if override.Forum.UserAgent != "" {
		base.Forum.UserAgent = override.Forum.UserAgent
	}
	if override.Forum.PageSize != 0 {
		base.Forum.PageSize = override.Forum.PageSize
	}
	if override.Forum.RequestTimeout != 0 {
		base.Forum.RequestTimeout = override.Forum.RequestTimeout
	}

	if override.Pipeline.Workers != 0 {
		base.Pipeline.Workers = override.Pipeline.Workers
	}
	if override.Pipeline.QueueSize != 0 {
		base.Pipeline.QueueSize = override.Pipeline.QueueSize
	}
	if override.Pipeline.MaxAttempts != 0 {
		base.Pipeline.MaxAttempts = override.Pipeline.MaxAttempts
	}
	if override.Pipeline.RetryBackoff != 0 {
		base.Pipeline.RetryBackoff = override.Pipeline.RetryBackoff
	}
	if override.Pipeline.DelayMin != 0 {
		base.Pipeline.DelayMin = override.Pipeline.DelayMin
	}
	if override.Pipeline.DelayMax != 0 {
		base.Pipeline.DelayMax = override.Pipeline.DelayMax
	}
	if override.Pipeline.StalePageLimit != 0 {
		base.Pipeline.StalePageLimit = override.Pipeline.StalePageLimit
	}

	if override.Resolver.Threshold != nil {
		base.Resolver.Threshold = override.Resolver.Threshold
	}
	if override.Resolver.SubstringFirst != nil {
		base.Resolver.SubstringFirst = override.Resolver.SubstringFirst
	}

	if override.Tree.Workers != 0 {
		base.Tree.Workers = override.Tree.Workers
	}

	if override.Database.Driver != "" {
		base.Database.Driver = override.Database.Driver
	}
	if override.Database.DSN != "" {
		base.Database.DSN = override.Database.DSN
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	if override.Scheduler.CronExpression != "" {
		base.Scheduler.CronExpression = override.Scheduler.CronExpression
	}
	if override.Scheduler.Timezone != "" {
		base.Scheduler.Timezone = override.Scheduler.Timezone
	}
	if override.Scheduler.BuildTrees != nil {
		base.Scheduler.BuildTrees = override.Scheduler.BuildTrees
	}

	if override.Notifications.Telegram.BotToken != "" {
		base.Notifications.Telegram.BotToken = override.Notifications.Telegram.BotToken
	}
	if override.Notifications.Telegram.ChatID != "" {
		base.Notifications.Telegram.ChatID = override.Notifications.Telegram.ChatID
	}

	return base
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Forum: ForumConfig{
			Endpoint:       "https://artofproblemsolving.com/m/community/ajax.php",
			CategoryID:     463183,
			UserID:         1,
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			PageSize:       20,
			RequestTimeout: 20 * time.Second,
		},
		Pipeline: PipelineConfig{
			Workers:        5,
			QueueSize:      64,
			MaxAttempts:    5,
			RetryBackoff:   10 * time.Second,
			DelayMin:       time.Second,
			DelayMax:       2 * time.Second,
			StalePageLimit: 2,
		},
		Resolver:  ResolverConfig{},
		Tree:      TreeConfig{Workers: 4},
		Database:  DatabaseConfig{Driver: DriverSQLite, DSN: "data/forum.db"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Scheduler: SchedulerConfig{CronExpression: "0 3 * * *", Timezone: defaultTimezone, location: tz},
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

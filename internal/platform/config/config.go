package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrAPIKeyNotSet は生成用のAPIキーが設定されていない場合のエラー
var ErrAPIKeyNotSet = errors.New("LLM_API_KEY (or OPENAI_API_KEY) is not set")

// 埋め込みプロバイダの種類
const (
	EmbedderOpenAI      = "openai"
	EmbedderSiliconFlow = "siliconflow"
	EmbedderHash        = "hash"
)

// ベクトルストアの種類
const (
	VectorStoreMemory   = "memory"
	VectorStorePgvector = "pgvector"
)

// ページキャッシュの種類
const (
	PageCacheNone  = "none"
	PageCacheRedis = "redis"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	LLM       LLMConfig
	Search    SearchConfig
	Crawl     CrawlConfig
	Embedding EmbeddingConfig
	Retrieval RetrievalConfig
	Prompt    PromptConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Server    ServerConfig
	Log       LogConfig

	VectorStore  string
	PageCache    string
	PageCacheTTL time.Duration
}

// LLMConfig は生成モデルの設定
type LLMConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
}

// SearchConfig は検索エンジン(SearXNG)の設定
type SearchConfig struct {
	URL         string
	ResultCount int
	Language    string
	SafeSearch  int
	Timeout     time.Duration
}

// CrawlConfig はページ取得の設定
type CrawlConfig struct {
	Timeout     time.Duration
	Concurrency int
	MaxBytes    int64
}

// EmbeddingConfig はEmbeddingの設定
type EmbeddingConfig struct {
	Provider    string // "openai", "siliconflow" or "hash"
	APIKey      string
	BaseURL     string
	Model       string
	Dimension   int
	Concurrency int
}

// RetrievalConfig は分割と検索の設定
type RetrievalConfig struct {
	SplitLines int
	TopK       int
}

// PromptConfig はプロンプトの設定
type PromptConfig struct {
	TemplateFile string
	MaxTokens    int
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig はRedis接続設定
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ServerConfig はHTTPサーバー設定
type ServerConfig struct {
	Host string
	Port int
}

// Addr は待ち受けアドレスを返します
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig はログ設定
type LogConfig struct {
	Level  string
	Format string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	llmKey := getEnv("LLM_API_KEY", getEnv("OPENAI_API_KEY", ""))

	cfg := &Config{
		LLM: LLMConfig{
			APIKey:       llmKey,
			BaseURL:      getEnv("LLM_BASE_URL", ""),
			Model:        getEnv("LLM_MODEL", "gpt-4o-mini"),
			SystemPrompt: getEnv("LLM_SYSTEM_PROMPT", ""),
			Temperature:  getEnvAsFloat("LLM_TEMPERATURE", 0.7),
			MaxTokens:    getEnvAsInt("LLM_MAX_TOKENS", 0),
			Timeout:      getEnvAsDuration("LLM_TIMEOUT", 120*time.Second),
		},
		Search: SearchConfig{
			URL:         getEnv("SEARXNG_URL", "http://127.0.0.1:8080/"),
			ResultCount: getEnvAsInt("SEARCH_RESULT_COUNT", 5),
			Language:    getEnv("SEARCH_LANGUAGE", "zh-CN"),
			SafeSearch:  getEnvAsInt("SEARCH_SAFESEARCH", 1),
			Timeout:     getEnvAsDuration("SEARCH_TIMEOUT", 30*time.Second),
		},
		Crawl: CrawlConfig{
			Timeout:     getEnvAsDuration("CRAWL_TIMEOUT", 60*time.Second),
			Concurrency: getEnvAsInt("CRAWL_CONCURRENCY", 0),
			MaxBytes:    int64(getEnvAsInt("CRAWL_MAX_BYTES", 10<<20)),
		},
		Embedding: EmbeddingConfig{
			Provider:    strings.ToLower(getEnv("EMBEDDER", EmbedderOpenAI)),
			APIKey:      getEnv("EMBEDDING_API_KEY", llmKey),
			BaseURL:     getEnv("EMBEDDING_BASE_URL", ""),
			Model:       getEnv("EMBEDDING_MODEL", ""),
			Dimension:   getEnvAsInt("EMBEDDING_DIMENSION", 0),
			Concurrency: getEnvAsInt("EMBEDDING_CONCURRENCY", 0),
		},
		Retrieval: RetrievalConfig{
			SplitLines: getEnvAsInt("SPLIT_LINES", 10),
			TopK:       getEnvAsInt("RETRIEVER_TOP_K", 10),
		},
		Prompt: PromptConfig{
			TemplateFile: getEnv("PROMPT_TEMPLATE_FILE", ""),
			MaxTokens:    getEnvAsInt("PROMPT_MAX_TOKENS", 0),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "webrag"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "webrag"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8001),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		VectorStore:  strings.ToLower(getEnv("VECTOR_STORE", VectorStoreMemory)),
		PageCache:    strings.ToLower(getEnv("PAGE_CACHE", PageCacheNone)),
		PageCacheTTL: getEnvAsDuration("PAGE_CACHE_TTL", time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を確認します
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return ErrAPIKeyNotSet
	}

	switch c.Embedding.Provider {
	case EmbedderOpenAI, EmbedderSiliconFlow, EmbedderHash:
	default:
		return fmt.Errorf("unknown EMBEDDER %q", c.Embedding.Provider)
	}
	switch c.VectorStore {
	case VectorStoreMemory, VectorStorePgvector:
	default:
		return fmt.Errorf("unknown VECTOR_STORE %q", c.VectorStore)
	}
	switch c.PageCache {
	case PageCacheNone, PageCacheRedis:
	default:
		return fmt.Errorf("unknown PAGE_CACHE %q", c.PageCache)
	}

	if c.Retrieval.SplitLines <= 0 {
		return fmt.Errorf("SPLIT_LINES must be positive: %d", c.Retrieval.SplitLines)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("RETRIEVER_TOP_K must be positive: %d", c.Retrieval.TopK)
	}
	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を時間として取得します
// "30s" のような表記のほか、単位なしの数値は秒として扱います
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

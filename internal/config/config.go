// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// JobStore の種類
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// JobRunner の種類
const (
	RunnerLocal = "local"
	RunnerAsynq = "asynq"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // 管理画面ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）
	MaxPages    int   // 単一ファイルの最大ページ数
	MaxFiles    int   // 1回のアップロードで受け付けるファイル数の上限

	// ジョブ設定
	JobExpireMinutes            int    // 単一フェーズのジョブの有効期限（分）
	InteractiveJobExpireMinutes int    // 確認操作を挟むジョブの有効期限（分）
	StorageRoot                 string // ジョブディレクトリのルート
	JobStore                    string // memory / sqlite / redis
	DBPath                      string // SQLiteのファイルパス
	JobRunner                   string // local / asynq
	WorkerConcurrency           int    // 同時に実行する変換処理の上限
	JobResultBaseURL            string // ダウンロードURLのベース（空の場合は相対パス）

	// キュー設定
	QueueRedisURL string // Asynq と RedisStore が使う Redis 接続URL

	// 掃除設定
	CleanupIntervalMinutes int // 期限切れジョブを掃除する間隔（分）
	OrphanGraceMinutes     int // レコードのないディレクトリを削除するまでの猶予（分）。負の値で無効

	// レート制限
	RateLimitRPS   float64 // ジョブ作成APIのクライアントごとの毎秒リクエスト数。0 以下で無効
	RateLimitBurst int

	// PDF処理設定
	GhostscriptPath string // Ghostscript実行ファイルのパス

	// ログ設定
	LogLevel  string // debug / info / warn / error
	LogFormat string // text / json
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB
		MaxPages:    getEnvAsInt("MAX_PAGES", 200),
		MaxFiles:    getEnvAsInt("MAX_FILES", 10),

		JobExpireMinutes:            getEnvAsInt("JOB_EXPIRE_MINUTES", 30),
		InteractiveJobExpireMinutes: getEnvAsInt("INTERACTIVE_JOB_EXPIRE_MINUTES", 5),
		StorageRoot:                 getEnv("STORAGE_ROOT", filepath.Join("storage", "jobs")),
		JobStore:                    strings.ToLower(getEnv("JOB_STORE", StoreMemory)),
		DBPath:                      getEnv("DB_PATH", filepath.Join("storage", "forge.db")),
		JobRunner:                   strings.ToLower(getEnv("JOB_RUNNER", RunnerLocal)),
		WorkerConcurrency:           getEnvAsInt("WORKER_CONCURRENCY", 4),
		JobResultBaseURL:            getEnv("JOB_RESULT_BASE_URL", ""),

		QueueRedisURL: getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),

		CleanupIntervalMinutes: getEnvAsInt("CLEANUP_INTERVAL_MINUTES", 60),
		OrphanGraceMinutes:     getEnvAsInt("ORPHAN_GRACE_MINUTES", 60),

		RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 2),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 10),

		GhostscriptPath: getEnv("GHOSTSCRIPT_PATH", "gs"),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.JobStore {
	case StoreMemory, StoreRedis:
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required when JOB_STORE=sqlite")
		}
	default:
		return fmt.Errorf("JOB_STORE must be one of memory, sqlite, redis: %q", c.JobStore)
	}

	switch c.JobRunner {
	case RunnerLocal, RunnerAsynq:
	default:
		return fmt.Errorf("JOB_RUNNER must be one of local, asynq: %q", c.JobRunner)
	}
	if (c.JobRunner == RunnerAsynq || c.JobStore == StoreRedis) && c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required for JOB_STORE=%s JOB_RUNNER=%s", c.JobStore, c.JobRunner)
	}
	if c.JobRunner == RunnerAsynq && c.JobStore == StoreMemory {
		// ワーカーとAPIでジョブ台帳を共有できない
		return fmt.Errorf("JOB_RUNNER=asynq requires JOB_STORE=sqlite or redis")
	}

	if c.MaxFileSize <= 0 || c.MaxPages <= 0 || c.MaxFiles <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE, MAX_PAGES and MAX_FILES must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive: %d", c.WorkerConcurrency)
	}
	if c.JobExpireMinutes <= 0 || c.InteractiveJobExpireMinutes <= 0 {
		return fmt.Errorf("job expire minutes must be positive")
	}
	if c.CleanupIntervalMinutes <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL_MINUTES must be positive: %d", c.CleanupIntervalMinutes)
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("STORAGE_ROOT is required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error: %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json: %q", c.LogFormat)
	}

	// ローカル開発では認証設定は任意
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.GhostscriptPath == "" {
			return fmt.Errorf("GHOSTSCRIPT_PATH is required in release mode")
		}
	}

	return nil
}

// JobTTL は単一フェーズのジョブの有効期限です。
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.JobExpireMinutes) * time.Minute
}

// InteractiveJobTTL は確認操作を挟むジョブの有効期限です。
func (c *Config) InteractiveJobTTL() time.Duration {
	return time.Duration(c.InteractiveJobExpireMinutes) * time.Minute
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

func (c *Config) OrphanGrace() time.Duration {
	return time.Duration(c.OrphanGraceMinutes) * time.Minute
}

// AllowedOrigins は CORS 許可オリジンを分割して返します。
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
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

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

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

// Package main は file-forge の管理用 CLI です。
//
// API サーバーと同じジョブ台帳（SQLite または Redis）と成果物ストレージを直接開き、
// 期限切れジョブの掃除や状態の確認を行います。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yourusername/file-forge/internal/cleanup"
	"github.com/yourusername/file-forge/internal/config"
	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/storage"
)

// errMemoryStore はプロセス外から参照できないストアを指定された場合のエラーです。
var errMemoryStore = errors.New("memory store is local to the API process; use --store sqlite or --store redis")

// boundFlags は viper に結び付けるグローバルフラグです。環境変数は FORGE_ + 大文字（例: FORGE_DB_PATH）。
var boundFlags = []string{"store", "db-path", "redis-url", "storage-root", "json"}

type cli struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	root := &cobra.Command{
		Use:   "forgectl",
		Short: "Inspect and maintain the file-forge job registry",
		Long: `forgectl opens the same job store (SQLite or Redis) and storage root as the
API server. It can run an expiration sweep, list and inspect jobs, and report
storage usage.

Settings come from flags, FORGE_* environment variables, an optional
forgectl.yaml, and finally the API server's own environment (.env.local).`,
		SilenceUsage:      true,
		PersistentPreRunE: c.initConfig,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default: ./forgectl.yaml)")
	pf.String("store", "", "job store: sqlite or redis (default: JOB_STORE)")
	pf.String("db-path", "", "SQLite database path (default: DB_PATH)")
	pf.String("redis-url", "", "Redis URL for the redis store (default: QUEUE_REDIS_URL)")
	pf.String("storage-root", "", "job storage root (default: STORAGE_ROOT)")
	pf.Bool("json", false, "output as JSON")
	for _, name := range boundFlags {
		_ = c.v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(c.sweepCmd(), c.jobsCmd(), c.statsCmd())
	return root
}

func (c *cli) initConfig(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	if cfgFile != "" {
		c.v.SetConfigFile(cfgFile)
	} else {
		c.v.SetConfigName("forgectl")
		c.v.SetConfigType("yaml")
		c.v.AddConfigPath(".")
	}

	c.v.SetEnvPrefix("FORGE")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
		return nil
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Using config file:", c.v.ConfigFileUsed())
	return nil
}

// settings は CLI が使う接続設定です。
type settings struct {
	Store       string
	DBPath      string
	RedisURL    string
	StorageRoot string
	OrphanGrace time.Duration
	JSON        bool
}

// settings はサーバーの設定を既定値とし、フラグ・環境変数・設定ファイルで上書きします。
func (c *cli) settings() settings {
	s := settings{
		Store:       config.StoreSQLite,
		DBPath:      filepath.Join("storage", "forge.db"),
		StorageRoot: filepath.Join("storage", "jobs"),
		OrphanGrace: cleanup.DefaultOrphanGrace,
	}
	if cfg, err := config.Load(); err == nil {
		s.Store = cfg.JobStore
		s.DBPath = cfg.DBPath
		s.RedisURL = cfg.QueueRedisURL
		s.StorageRoot = cfg.StorageRoot
		s.OrphanGrace = cfg.OrphanGrace()
	}

	if v := c.v.GetString("store"); v != "" {
		s.Store = strings.ToLower(v)
	}
	if v := c.v.GetString("db-path"); v != "" {
		s.DBPath = v
	}
	if v := c.v.GetString("redis-url"); v != "" {
		s.RedisURL = v
	}
	if v := c.v.GetString("storage-root"); v != "" {
		s.StorageRoot = v
	}
	s.JSON = c.v.GetBool("json")
	return s
}

// open はジョブ台帳と成果物ストレージを開きます。呼び出し側が Store を閉じます。
func (c *cli) open(ctx context.Context) (jobs.Store, *storage.Local, settings, error) {
	s := c.settings()
	if s.Store == config.StoreMemory {
		return nil, nil, s, errMemoryStore
	}
	store, err := jobs.OpenStore(ctx, jobs.StoreConfig{Kind: s.Store, DBPath: s.DBPath, RedisURL: s.RedisURL})
	if err != nil {
		return nil, nil, s, err
	}
	st, err := storage.NewLocal(s.StorageRoot)
	if err != nil {
		_ = store.Close()
		return nil, nil, s, fmt.Errorf("failed to open storage root: %w", err)
	}
	return store, st, s, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

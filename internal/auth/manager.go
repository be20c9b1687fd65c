// Package auth は管理 API 用のログインセッションと CSRF 対策を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/file-forge/internal/config"
)

const (
	SessionCookieName    = "ff_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	CSRFHeader = "X-CSRF-Token"
)

const (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextUserKey は、ハンドラー間でログイン済みユーザー名を共有するためのキーです。
const ContextUserKey = "auth.user"

// Manager は管理者ログインの検証とログイン試行回数の管理を行います。
type Manager struct {
	username     string
	passwordHash string
	secretSet    bool
	now          func() time.Time
	logger       *slog.Logger
	throttle     *loginThrottle
}

// Option は Manager の設定を変更します。
type Option func(*Manager)

// WithClock は時刻の取得元を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger はログ出力先を設定します。
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		username:     cfg.AppUsername,
		passwordHash: cfg.AppPasswordHash,
		secretSet:    cfg.SessionSecret != "",
		now:          time.Now,
		logger:       slog.Default(),
		throttle:     newLoginThrottle(loginWindow, lockDuration, maxLoginAttempts),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) ensureCredentials() error {
	if m.username == "" {
		return errors.New("APP_USERNAME が設定されていません")
	}
	if m.passwordHash == "" {
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	}
	if !m.secretSet {
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

func (m *Manager) verify(username, password string) bool {
	if username != m.username {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.passwordHash), []byte(password)) == nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

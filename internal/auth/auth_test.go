package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/file-forge/internal/config"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRouter(t *testing.T) (*gin.Engine, *testClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	cfg := &config.Config{AppUsername: "admin", AppPasswordHash: string(hash), SessionSecret: "test-secret"}
	clock := &testClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(cfg, WithClock(clock.Now))

	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte(cfg.SessionSecret))))
	router.POST("/login", m.Login)
	admin := router.Group("/admin", m.RequireLogin(), m.VerifyCSRF())
	admin.GET("/session", m.Session)
	admin.POST("/action", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString(ContextUserKey)})
	})
	return router, clock
}

func login(t *testing.T, router *gin.Engine, password string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"username":"admin","password":"` + password + `"}`
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func withCookies(req *http.Request, rec *httptest.ResponseRecorder) *http.Request {
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func TestLoginIssuesSessionAndCSRFToken(t *testing.T) {
	router, _ := newTestRouter(t)

	loginRec := login(t, router, "s3cret")
	if loginRec.Code != http.StatusNoContent {
		t.Fatalf("unexpected login status: %d body=%s", loginRec.Code, loginRec.Body.String())
	}
	token := loginRec.Header().Get(CSRFHeader)
	if token == "" {
		t.Fatalf("expected CSRF token header")
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, withCookies(httptest.NewRequest(http.MethodGet, "/admin/session", nil), loginRec))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected session status: %d", rec.Code)
	}
	if got := rec.Header().Get(CSRFHeader); got != token {
		t.Fatalf("session returned token %q, want %q", got, token)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withCookies(httptest.NewRequest(http.MethodPost, "/admin/action", nil), loginRec))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without CSRF header, got %d", rec.Code)
	}

	req := withCookies(httptest.NewRequest(http.MethodPost, "/admin/action", nil), loginRec)
	req.Header.Set(CSRFHeader, token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected action status: %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"user":"admin"`) {
		t.Fatalf("user was not propagated: %s", rec.Body.String())
	}
}

func TestRequireLoginRejectsAnonymous(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/session", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	router, clock := newTestRouter(t)

	for i := 0; i < maxLoginAttempts; i++ {
		rec := login(t, router, "wrong")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}

	rec := login(t, router, "s3cret")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 while locked, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	clock.Advance(lockDuration)
	rec = login(t, router, "s3cret")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected login after lock expiry, got %d", rec.Code)
	}
}

func TestIdleSessionExpires(t *testing.T) {
	router, clock := newTestRouter(t)

	loginRec := login(t, router, "s3cret")
	if loginRec.Code != http.StatusNoContent {
		t.Fatalf("unexpected login status: %d", loginRec.Code)
	}

	clock.Advance(idleTimeout + time.Minute)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, withCookies(httptest.NewRequest(http.MethodGet, "/admin/session", nil), loginRec))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after idle timeout, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "SESSION_IDLE_TIMEOUT") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestLoginThrottleForgetsOldFailures(t *testing.T) {
	th := newLoginThrottle(time.Minute, time.Minute, 3)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	th.fail("a", t0)
	th.fail("a", t0.Add(10*time.Second))
	// 最初の失敗は window の外に出ている
	remaining, locked := th.fail("a", t0.Add(65*time.Second))
	if locked || remaining != 1 {
		t.Fatalf("expected 1 remaining without lock, got %d (locked=%v)", remaining, locked)
	}

	if _, locked := th.fail("a", t0.Add(66*time.Second)); !locked {
		t.Fatalf("expected lock on third failure within the window")
	}
	if got := th.retryAfter("a", t0.Add(96*time.Second)); got != 30*time.Second {
		t.Fatalf("expected 30s retry-after, got %s", got)
	}
	if got := th.retryAfter("b", t0.Add(96*time.Second)); got != 0 {
		t.Fatalf("other peers must not be locked, got %s", got)
	}

	th.reset("a")
	if got := th.retryAfter("a", t0.Add(96*time.Second)); got != 0 {
		t.Fatalf("reset must clear the lock, got %s", got)
	}
}

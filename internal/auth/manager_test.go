package auth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func newAuthRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	manager := NewManager(NewStore(rdb))

	router := gin.New()
	store := cookie.NewStore([]byte("test-session-secret"))
	router.Use(sessions.Sessions(SessionCookieName, store))

	router.POST("/api/auth/register", manager.Register)
	router.POST("/api/auth/login", manager.Login)
	router.POST("/api/protected", manager.RequireLogin(), manager.VerifyCSRF(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(ContextUserIDKey)})
	})
	return router
}

func postJSON(router *gin.Engine, path, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRegisterAndLogin(t *testing.T) {
	router := newAuthRouter(t)

	rec := postJSON(router, "/api/auth/register", `{"username":"alice","password":"correct horse"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(router, "/api/auth/login", `{"username":"alice","password":"correct horse"}`, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	token := rec.Header().Get("X-CSRF-Token")
	if token == "" {
		t.Fatal("login response missing CSRF token header")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("login response set no session cookie")
	}

	rec = postJSON(router, "/api/protected", `{}`, func(req *http.Request) {
		for _, c := range cookies {
			req.AddCookie(c)
		}
		req.Header.Set("X-CSRF-Token", token)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("protected status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterShortPassword(t *testing.T) {
	router := newAuthRouter(t)

	rec := postJSON(router, "/api/auth/register", `{"username":"alice","password":"short"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("register status = %d, want 400", rec.Code)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	router := newAuthRouter(t)

	if rec := postJSON(router, "/api/auth/register", `{"username":"alice","password":"correct horse"}`, nil); rec.Code != http.StatusCreated {
		t.Fatalf("first register status = %d", rec.Code)
	}
	rec := postJSON(router, "/api/auth/register", `{"username":"alice","password":"another pass"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409", rec.Code)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	router := newAuthRouter(t)

	postJSON(router, "/api/auth/register", `{"username":"alice","password":"correct horse"}`, nil)

	rec := postJSON(router, "/api/auth/login", `{"username":"alice","password":"wrong"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("login status = %d, want 401", rec.Code)
	}
}

func TestLoginLockedAfterRepeatedFailures(t *testing.T) {
	router := newAuthRouter(t)

	postJSON(router, "/api/auth/register", `{"username":"alice","password":"correct horse"}`, nil)

	for i := 0; i < maxLoginAttempts; i++ {
		rec := postJSON(router, "/api/auth/login", `{"username":"alice","password":"wrong"}`, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i+1, rec.Code)
		}
	}

	rec := postJSON(router, "/api/auth/login", `{"username":"alice","password":"correct horse"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("locked login status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("locked response missing Retry-After header")
	}
}

func TestProtectedWithoutSession(t *testing.T) {
	router := newAuthRouter(t)

	rec := postJSON(router, "/api/protected", `{}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestProtectedWithoutCSRFToken(t *testing.T) {
	router := newAuthRouter(t)

	postJSON(router, "/api/auth/register", `{"username":"alice","password":"correct horse"}`, nil)
	login := postJSON(router, "/api/auth/login", `{"username":"alice","password":"correct horse"}`, nil)
	cookies := login.Result().Cookies()

	rec := postJSON(router, "/api/protected", `{}`, func(req *http.Request) {
		for _, c := range cookies {
			req.AddCookie(c)
		}
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

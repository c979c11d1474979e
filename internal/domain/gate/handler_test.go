package gate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mhlink/kpi/internal/platform/auth"
)

type testGate struct {
	h        *Handler
	store    *PasswordStore
	sessions *auth.SessionManager
	e        *echo.Echo
}

func newTestGate(t *testing.T) *testGate {
	t.Helper()
	store := newTestStore(t)
	sessions := auth.NewSessionManager([]byte("gate-test-signing-key"),
		auth.WithBinding(store.Fingerprint),
		auth.WithRevocations(auth.NewRevocationList()))
	svc := NewService(store, sessions, zerolog.Nop())
	return &testGate{h: NewHandler(svc, sessions), store: store, sessions: sessions, e: echo.New()}
}

func (g *testGate) post(t *testing.T, fn echo.HandlerFunc, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	if err := fn(g.e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func (g *testGate) verify(t *testing.T, password string) VerifyResult {
	t.Helper()
	rec := g.post(t, g.h.VerifyPassword, `{"password":"`+password+`"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res VerifyResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	return res
}

func TestHandler_CheckSetup(t *testing.T) {
	g := newTestGate(t)
	check := func() bool {
		rec := httptest.NewRecorder()
		g.h.CheckSetup(g.e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec))
		var resp map[string]bool
		json.Unmarshal(rec.Body.Bytes(), &resp)
		return resp["isConfigured"]
	}

	if check() {
		t.Error("expected isConfigured false before setup")
	}
	g.store.Set("password1")
	if !check() {
		t.Error("expected isConfigured true after setup")
	}
}

func TestHandler_BootstrapVerify(t *testing.T) {
	g := newTestGate(t)

	res := g.verify(t, "admin123")
	if !res.Valid || !res.Bootstrap || res.Token == "" || res.ExpiresAt == nil {
		t.Fatalf("expected bootstrap session, got %+v", res)
	}
	if _, err := g.sessions.Parse(res.Token); err != nil {
		t.Errorf("expected issued token to parse, got %v", err)
	}

	if res := g.verify(t, "wrong"); res.Valid || res.Token != "" {
		t.Errorf("expected invalid result without token, got %+v", res)
	}
}

func TestHandler_SetupPassword_FirstTime(t *testing.T) {
	g := newTestGate(t)

	rec := g.post(t, g.h.SetupPassword, `{"password":"abc"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for short password, got %d", rec.Code)
	}

	rec = g.post(t, g.h.SetupPassword, `{"password":"abcdef"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["success"] != true {
		t.Errorf("unexpected response %v", resp)
	}

	if res := g.verify(t, "abcdef"); !res.Valid || res.Bootstrap {
		t.Errorf("expected new password to verify outside bootstrap, got %+v", res)
	}
	if res := g.verify(t, "admin123"); res.Valid {
		t.Error("expected bootstrap password to stop working")
	}
}

func TestHandler_SetupPassword_ChangeRequiresSession(t *testing.T) {
	g := newTestGate(t)
	g.store.Set("original")

	rec := g.post(t, g.h.SetupPassword, `{"password":"hijacked"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rec.Code)
	}
	rec = g.post(t, g.h.SetupPassword, `{"password":"hijacked"}`, "not-a-token")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a bad session, got %d", rec.Code)
	}

	session := g.verify(t, "original").Token
	rec = g.post(t, g.h.SetupPassword, `{"password":"replacement"}`, session)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with session, got %d: %s", rec.Code, rec.Body.String())
	}

	if _, err := g.sessions.Parse(session); err == nil {
		t.Error("expected the old session to be invalid after the password change")
	}
	if res := g.verify(t, "replacement"); !res.Valid {
		t.Error("expected the new password to verify")
	}
}

func TestHandler_Logout(t *testing.T) {
	g := newTestGate(t)
	token := g.verify(t, "admin123").Token

	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	c := g.e.NewContext(req, rec)
	if err := auth.SessionMiddleware(g.sessions)(g.h.Logout)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if _, err := g.sessions.Parse(token); err == nil {
		t.Error("expected session to be revoked")
	}
}

func TestHandler_SetupPassword_ConcurrentFirstTime(t *testing.T) {
	g := newTestGate(t)

	passwords := []string{"alpha-1", "bravo-2", "charlie-3", "delta-4", "echo-55", "foxtrot-6"}
	codes := make([]int, len(passwords))
	var wg sync.WaitGroup
	for i, pw := range passwords {
		wg.Add(1)
		go func(i int, pw string) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"password":"`+pw+`"}`))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			g.h.SetupPassword(g.e.NewContext(req, rec))
			codes[i] = rec.Code
		}(i, pw)
	}
	wg.Wait()

	winner := ""
	for i, code := range codes {
		switch code {
		case http.StatusOK:
			if winner != "" {
				t.Fatalf("expected one setup to succeed, both %s and %s did", winner, passwords[i])
			}
			winner = passwords[i]
		case http.StatusUnauthorized:
		default:
			t.Errorf("unexpected status %d for %s", code, passwords[i])
		}
	}
	if winner == "" {
		t.Fatal("expected one setup to succeed")
	}
	if res := g.verify(t, winner); !res.Valid {
		t.Errorf("expected the winning password %s to verify", winner)
	}
}

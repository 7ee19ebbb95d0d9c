package challenge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/warden/modbot/internal/token"
)

type fakeCaptcha struct {
	pass bool
	err  error
}

func (f *fakeCaptcha) Verify(ctx context.Context, response, remoteIP string) (bool, error) {
	return f.pass, f.err
}

type fakeGranter struct {
	granted []string
	err     error
}

func (f *fakeGranter) GrantRole(ctx context.Context, memberID, roleID, reason string) error {
	if f.err != nil {
		return f.err
	}
	f.granted = append(f.granted, memberID+":"+roleID)
	return nil
}

type fakePub struct {
	published [][]byte
}

func (f *fakePub) PublishVerifyGranted(data []byte) error {
	f.published = append(f.published, data)
	return nil
}

type fakeReplays struct {
	recorded []string
}

func (f *fakeReplays) RecordReplay(ctx context.Context, memberID string) (int, error) {
	f.recorded = append(f.recorded, memberID)
	return len(f.recorded), nil
}

type testEnv struct {
	server  *Server
	tokens  *token.Service
	captcha *fakeCaptcha
	granter *fakeGranter
	pub     *fakePub
	replays *fakeReplays
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tokens := token.NewService([]byte(strings.Repeat("k", 32)), 10*time.Minute, token.NewMemoryStore())
	captcha := &fakeCaptcha{pass: true}
	granter := &fakeGranter{}
	pub := &fakePub{}
	replays := &fakeReplays{}
	srv := NewServer(tokens, captcha, granter, pub, replays, nil, "site-key", "verified-role")
	return &testEnv{server: srv, tokens: tokens, captcha: captcha, granter: granter, pub: pub, replays: replays}
}

func (e *testEnv) submit(t *testing.T, tok string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"h-captcha-response": {"widget-response"}}
	req := httptest.NewRequest(http.MethodPost, "/verify/"+tok, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandlePage_ServesForm(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/verify/some-token", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "site-key") {
		t.Error("page should embed the captcha site key")
	}
	if !strings.Contains(body, "/verify/some-token") {
		t.Error("form should post back to the token URL")
	}
}

func TestHandleSubmit_Success(t *testing.T) {
	env := newTestEnv(t)
	tok, _, err := env.tokens.Issue(context.Background(), "member-1")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	rec := env.submit(t, tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if len(env.granter.granted) != 1 || env.granter.granted[0] != "member-1:verified-role" {
		t.Errorf("role not granted: %v", env.granter.granted)
	}
	if len(env.pub.published) != 1 {
		t.Errorf("grant not published: %d", len(env.pub.published))
	}
}

func TestHandleSubmit_CaptchaFailKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	env.captcha.pass = false
	tok, _, err := env.tokens.Issue(context.Background(), "member-2")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	rec := env.submit(t, tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (re-rendered form)", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "try again") {
		t.Error("failed challenge should re-render the form with an error")
	}
	if len(env.granter.granted) != 0 {
		t.Error("role must not be granted on a failed challenge")
	}

	// The session survives a failed challenge; a retry succeeds.
	env.captcha.pass = true
	rec = env.submit(t, tok)
	if rec.Code != http.StatusOK || len(env.granter.granted) != 1 {
		t.Errorf("retry after failed challenge should succeed, status=%d granted=%v",
			rec.Code, env.granter.granted)
	}
}

func TestHandleSubmit_ReplayRecorded(t *testing.T) {
	env := newTestEnv(t)
	tok, _, err := env.tokens.Issue(context.Background(), "member-3")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	env.submit(t, tok)
	rec := env.submit(t, tok)

	if rec.Code != http.StatusConflict {
		t.Errorf("replay status = %d, want 409", rec.Code)
	}
	if len(env.granter.granted) != 1 {
		t.Errorf("role granted %d times, want 1", len(env.granter.granted))
	}
	if len(env.replays.recorded) != 1 || env.replays.recorded[0] != "member-3" {
		t.Errorf("replay not recorded: %v", env.replays.recorded)
	}
}

func TestHandleSubmit_SupersededLink(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	old, _, err := env.tokens.Issue(ctx, "member-4")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if _, _, err := env.tokens.Issue(ctx, "member-4"); err != nil {
		t.Fatalf("re-Issue() error: %v", err)
	}

	rec := env.submit(t, old)
	if rec.Code != http.StatusConflict {
		t.Errorf("superseded status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "newer verification link") {
		t.Error("superseded page should tell the member to use the newest link")
	}
}

func TestHandleSubmit_GarbageToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.submit(t, "not-a-real-token")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid token status = %d, want 400", rec.Code)
	}
	if len(env.granter.granted) != 0 {
		t.Error("role must not be granted for an invalid token")
	}
}

func TestHandleSubmit_CaptchaBackendDownFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	env.captcha.err = context.DeadlineExceeded
	env.captcha.pass = false
	tok, _, err := env.tokens.Issue(context.Background(), "member-5")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	rec := env.submit(t, tok)
	if len(env.granter.granted) != 0 {
		t.Error("captcha backend outage must not grant the role")
	}
	// The session must remain live for a retry once the backend is back.
	env.captcha.err = nil
	env.captcha.pass = true
	rec = env.submit(t, tok)
	if rec.Code != http.StatusOK || len(env.granter.granted) != 1 {
		t.Errorf("retry after outage should succeed, status=%d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

// Package challenge serves the public verification flow: a member follows
// their personal link, solves the hCaptcha, and on success gets the
// verified role. The challenge outcome is handed to the token service
// unchanged; the token service decides whether the session is still
// consumable.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warden/modbot/internal/metrics"
	"github.com/warden/modbot/internal/protocol"
	"github.com/warden/modbot/internal/ratelimit"
	"github.com/warden/modbot/internal/token"
)

// RoleGranter grants the verified role on the platform.
type RoleGranter interface {
	GrantRole(ctx context.Context, memberID, roleID, reason string) error
}

// GrantPublisher announces successful verifications to the moderator.
type GrantPublisher interface {
	PublishVerifyGranted(data []byte) error
}

// ReplayRecorder tracks replayed tokens as abuse signals.
type ReplayRecorder interface {
	RecordReplay(ctx context.Context, memberID string) (int, error)
}

// Limiter throttles page loads and submissions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server is the verification web frontend.
type Server struct {
	tokens         *token.Service
	captcha        CaptchaVerifier
	platform       RoleGranter
	pub            GrantPublisher
	replays        ReplayRecorder
	limiter        Limiter
	siteKey        string
	verifiedRoleID string
}

// NewServer wires the verification frontend together.
func NewServer(tokens *token.Service, captcha CaptchaVerifier, platform RoleGranter,
	pub GrantPublisher, replays ReplayRecorder, limiter Limiter,
	siteKey, verifiedRoleID string) *Server {
	return &Server{
		tokens:         tokens,
		captcha:        captcha,
		platform:       platform,
		pub:            pub,
		replays:        replays,
		limiter:        limiter,
		siteKey:        siteKey,
		verifiedRoleID: verifiedRoleID,
	}
}

// Router builds the chi router for the verification frontend.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/verify/{token}", s.handlePage)
	r.Post("/verify/{token}", s.handleSubmit)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handlePage serves the challenge form. The token is not validated here;
// an expired link still renders the form and fails on submit, keeping
// token-state probing behind the captcha.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, ratelimit.RuleChallenge) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	s.render(w, http.StatusOK, pageTmpl, pageData{
		SiteKey: s.siteKey,
		Token:   chi.URLParam(r, "token"),
	})
}

// handleSubmit runs the challenge and token checks and grants the role.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, ratelimit.RuleSubmitIP) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	tokenStr := chi.URLParam(r, "token")
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	passed, err := s.captcha.Verify(r.Context(), r.PostFormValue("h-captcha-response"), clientIP(r))
	if err != nil {
		// Fail closed but tell the member to retry; their session is not
		// consumed by a captcha backend outage.
		log.Printf("[challenge] captcha verify: %v", err)
		passed = false
	}

	memberID, err := s.tokens.Validate(r.Context(), tokenStr, passed)
	if err == nil {
		s.grant(r.Context(), w, memberID)
		return
	}

	switch {
	case errors.Is(err, token.ErrChallengeFailed):
		metrics.VerificationsTotal.WithLabelValues("challenge_failed").Inc()
		s.render(w, http.StatusOK, pageTmpl, pageData{
			SiteKey: s.siteKey,
			Token:   tokenStr,
			Error:   "Challenge not passed. Please try again.",
		})
	case errors.Is(err, token.ErrExpired):
		metrics.VerificationsTotal.WithLabelValues("expired").Inc()
		s.render(w, http.StatusGone, resultTmpl, resultData{
			Title:   "Link expired",
			Message: "This verification link has expired. Use the verify command in the server to request a new one.",
		})
	case errors.Is(err, token.ErrReplayed):
		metrics.VerificationsTotal.WithLabelValues("replayed").Inc()
		if memberID != "" && s.replays != nil {
			if _, rerr := s.replays.RecordReplay(r.Context(), memberID); rerr != nil {
				log.Printf("[challenge] record replay member=%s: %v", memberID, rerr)
			}
		}
		s.render(w, http.StatusConflict, resultTmpl, resultData{
			Title:   "Already used",
			Message: "This verification link was already used. If that was not you, contact the moderators.",
		})
	case errors.Is(err, token.ErrSuperseded):
		metrics.VerificationsTotal.WithLabelValues("superseded").Inc()
		s.render(w, http.StatusConflict, resultTmpl, resultData{
			Title:   "Link replaced",
			Message: "A newer verification link was issued for your account. Use the most recent one.",
		})
	default:
		metrics.VerificationsTotal.WithLabelValues("invalid").Inc()
		s.render(w, http.StatusBadRequest, resultTmpl, resultData{
			Title:   "Invalid link",
			Message: "This verification link is not valid.",
		})
	}
}

// grant performs the post-validation side effects: role grant on the
// platform, then the announcement to the moderator. The session is
// already consumed; a failed grant is retried by the member via staff,
// not by re-validating the token.
func (s *Server) grant(ctx context.Context, w http.ResponseWriter, memberID string) {
	if err := s.platform.GrantRole(ctx, memberID, s.verifiedRoleID, "passed verification"); err != nil {
		log.Printf("[challenge] grant role member=%s: %v", memberID, err)
		s.render(w, http.StatusBadGateway, resultTmpl, resultData{
			Title:   "Almost there",
			Message: "Your verification succeeded but the role grant failed. Contact the moderators to finish.",
		})
		return
	}

	metrics.VerificationsTotal.WithLabelValues("verified").Inc()
	data, err := protocol.Encode(protocol.TypeVerifyGranted, protocol.VerifyGrantedEvent{
		MemberID: memberID,
		Ts:       time.Now().Unix(),
	})
	if err == nil {
		if err := s.pub.PublishVerifyGranted(data); err != nil {
			log.Printf("[challenge] publish grant member=%s: %v", memberID, err)
		}
	}

	log.Printf("[challenge] verified member=%s", memberID)
	s.render(w, http.StatusOK, resultTmpl, resultData{
		Title:   "Verified",
		Message: "You are verified. Head back to the server, your access is unlocked.",
	})
}

func (s *Server) allow(r *http.Request, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ok, _ := s.limiter.Allow(r.Context(), clientIP(r), rule)
	return ok
}

func (s *Server) render(w http.ResponseWriter, status int, tmpl *template.Template, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		log.Printf("[challenge] render: %v", err)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type pageData struct {
	SiteKey string
	Token   string
	Error   string
}

type resultData struct {
	Title   string
	Message string
}

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Member verification</title>
<script src="https://js.hcaptcha.com/1/api.js" async defer></script>
<style>
body { font-family: sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; }
.error { color: #b00020; }
button { padding: .5rem 1.5rem; font-size: 1rem; }
</style>
</head>
<body>
<h1>Verify your account</h1>
<p>Complete the challenge below to unlock the server.</p>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="POST" action="/verify/{{.Token}}">
  <div class="h-captcha" data-sitekey="{{.SiteKey}}"></div>
  <button type="submit">Verify</button>
</form>
</body>
</html>
`))

var resultTmpl = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body>
</html>
`))

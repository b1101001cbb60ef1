package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/analytics"
	"github.com/nanjiek/pixiu-gateway/internal/antibot"
	"github.com/nanjiek/pixiu-gateway/internal/config"
	"github.com/nanjiek/pixiu-gateway/internal/identity"
	"github.com/nanjiek/pixiu-gateway/internal/limiter"
	"github.com/nanjiek/pixiu-gateway/internal/repo"
	"github.com/nanjiek/pixiu-gateway/internal/rule"
	"github.com/nanjiek/pixiu-gateway/internal/rules"
	"github.com/nanjiek/pixiu-gateway/internal/sysconfig"
	"github.com/nanjiek/pixiu-gateway/internal/types"
)

type fixture struct {
	handler   *Handler
	ruleCache *rules.Cache
	validator *antibot.Validator
	analytics *analytics.Service
	store     *repo.MemoryStore
	upstream  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repo.NewMemory(nil)
	cfgSvc := sysconfig.NewService(store, nil)
	if err := cfgSvc.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("upstream ok"))
	}))
	t.Cleanup(upstream.Close)

	ruleCache := rules.NewCache(store, nil)
	queues := limiter.NewQueueAccountant(nil)
	engine := limiter.NewEngine(store, identity.NewResolver(nil), queues, nil)
	validator := antibot.NewValidator(cfgSvc, nil)
	svc := analytics.NewService(store, cfgSvc, ruleCache, nil)

	gw := config.GatewayCfg{
		MaxBodyBytes:   1024,
		DefaultTarget:  upstream.URL,
		AdminPathGuard: config.DefaultAdminPathGuard,
	}
	h := NewHandler(gw, ruleCache, engine, validator, svc, nil)

	return &fixture{
		handler:   h,
		ruleCache: ruleCache,
		validator: validator,
		analytics: svc,
		store:     store,
		upstream:  upstream,
	}
}

func (f *fixture) addRule(t *testing.T, r rule.Rule) {
	t.Helper()
	if _, err := f.ruleCache.Upsert(context.Background(), r); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// validWriteHeaders makes a write request pass the anti-bot validator.
func (f *fixture) validWriteHeaders(t *testing.T, req *http.Request) {
	t.Helper()
	issued := f.validator.Issue(context.Background())
	req.Header.Set(antibot.HeaderFormToken, issued.Token)
	req.Header.Set(antibot.HeaderFormLoadTime, strconv.FormatInt(time.Now().UnixMilli()-5000, 10))
}

func TestPortGuardRejectsAdminPaths(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/poormansRateLimit/api/admin/rules", nil)
	if rec := f.do(req); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUnenforcedRequestProxies(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
	rec := f.do(req)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Upstream") != "hit" {
		t.Fatalf("expected proxied 200, got %d", rec.Code)
	}
}

func TestTokenBucketBlocksOverflow(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, rule.Rule{
		ID: "tb", PathPattern: "/api/**", Active: true,
		AllowedRequests: 3, WindowSeconds: 15,
	})

	for i := 1; i <= 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
		req.RemoteAddr = "10.1.1.1:1000"
		if rec := f.do(req); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	for i := 4; i <= 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
		req.RemoteAddr = "10.1.1.1:1000"
		rec := f.do(req)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: expected 429, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-Upstream") != "" {
			t.Fatal("blocked request must not reach the upstream")
		}
	}
}

func TestLeakyBucketDelayHeaders(t *testing.T) {
	f := newFixture(t)
	f.handler.sleep = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	f.addRule(t, rule.Rule{
		ID: "lb", PathPattern: "/api/**", Active: true,
		AllowedRequests: 1, WindowSeconds: 5,
		QueueEnabled: true, MaxQueueSize: 1, DelayPerRequestMs: 1000,
	})

	first := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
	first.RemoteAddr = "10.1.1.1:1000"
	rec := f.do(first)
	if rec.Code != http.StatusOK || rec.Header().Get(HeaderQueued) != "" {
		t.Fatalf("first: code=%d queued=%q", rec.Code, rec.Header().Get(HeaderQueued))
	}

	second := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
	second.RemoteAddr = "10.1.1.1:1000"
	rec = f.do(second)
	if rec.Code != http.StatusOK {
		t.Fatalf("second: expected delayed 200, got %d", rec.Code)
	}
	if rec.Header().Get(HeaderQueued) != "true" || rec.Header().Get(HeaderDelayMs) != "1000" {
		t.Fatalf("second: headers queued=%q delay=%q",
			rec.Header().Get(HeaderQueued), rec.Header().Get(HeaderDelayMs))
	}

	third := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
	third.RemoteAddr = "10.1.1.1:1000"
	rec = f.do(third)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get(HeaderQueued) != "true" {
		t.Fatalf("third: expected queue-full 429 with queued header, got %d %q",
			rec.Code, rec.Header().Get(HeaderQueued))
	}
}

func TestHoneypotRejection(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader("{}"))
	req.Header.Set(antibot.HeaderHoneypot, "bot@spam.com")

	rec := f.do(req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec.Header().Get(HeaderRejectionReason) != antibot.ReasonHoneypot {
		t.Fatalf("reason = %q", rec.Header().Get(HeaderRejectionReason))
	}
	if rec.Header().Get("X-Upstream") != "" {
		t.Fatal("rejected request must not reach the upstream")
	}
}

func TestValidWritePassesAntibotAndProxies(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader(`{"k":"v"}`))
	f.validWriteHeaders(t, req)

	rec := f.do(req)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Upstream") != "hit" {
		t.Fatalf("expected proxied 200, got %d", rec.Code)
	}
}

func TestDuplicateIdempotencyKey(t *testing.T) {
	f := newFixture(t)

	first := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader("{}"))
	f.validWriteHeaders(t, first)
	first.Header.Set(antibot.HeaderIdempotencyKey, "k-1")
	if rec := f.do(first); rec.Code != http.StatusOK {
		t.Fatalf("first: got %d", rec.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader("{}"))
	f.validWriteHeaders(t, second)
	second.Header.Set(antibot.HeaderIdempotencyKey, "k-1")
	rec := f.do(second)
	if rec.Code != http.StatusConflict || rec.Header().Get(HeaderDuplicate) != "true" {
		t.Fatalf("second: code=%d duplicate=%q", rec.Code, rec.Header().Get(HeaderDuplicate))
	}
}

func TestBodyOverCapRejectedWith413(t *testing.T) {
	f := newFixture(t)
	big := strings.Repeat("x", 2048)
	req := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader(big))

	if rec := f.do(req); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestBodyIdentifierSeesSameBytesAsUpstream(t *testing.T) {
	f := newFixture(t)
	var upstreamBody string
	f.upstream.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		upstreamBody = string(b)
		w.WriteHeader(http.StatusOK)
	})

	f.addRule(t, rule.Rule{
		ID: "body", PathPattern: "/api/**", Active: true,
		AllowedRequests: 1, WindowSeconds: 60,
		BodyLimitEnabled: true, BodyFieldPath: "api_key", BodyContentType: rule.BodyTypeJSON,
	})

	payload := `{"api_key":"k-1"}`
	mk := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		f.validWriteHeaders(t, req)
		return req
	}

	if rec := f.do(mk()); rec.Code != http.StatusOK {
		t.Fatalf("first: got %d", rec.Code)
	}
	if upstreamBody != payload {
		t.Fatalf("upstream saw %q", upstreamBody)
	}

	// Same api_key exhausts the counter regardless of IP.
	req := mk()
	req.RemoteAddr = "203.0.113.9:999"
	if rec := f.do(req); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected body-keyed block, got %d", rec.Code)
	}
}

func TestFormTokenEndpoint(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tokens/form", nil)
	rec := f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}

	var issued antibot.IssuedToken
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatal(err)
	}
	if issued.Token == "" || issued.HoneypotField != "_hp_email" || issued.ExpiresIn != 600 {
		t.Fatalf("unexpected issuance: %+v", issued)
	}
}

func TestChallengeEndpointSetsCookie(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tokens/challenge?return=/protected", nil)
	rec := f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == antibot.ChallengeCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" {
		t.Fatal("expected challenge cookie")
	}

	// The cookie token is accepted as a form token on the next write.
	post := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader("{}"))
	post.Header.Set(antibot.HeaderFormLoadTime, strconv.FormatInt(time.Now().UnixMilli()-5000, 10))
	post.AddCookie(cookie)
	if rec := f.do(post); rec.Code != http.StatusOK {
		t.Fatalf("cookie-token POST: got %d", rec.Code)
	}
}

func TestDecisionsAreLogged(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, rule.Rule{
		ID: "tb", PathPattern: "/api/**", Active: true,
		AllowedRequests: 1, WindowSeconds: 60,
	})

	allowedReq := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
	allowedReq.RemoteAddr = "10.1.1.1:1000"
	f.do(allowedReq)

	blockedReq := httptest.NewRequest(http.MethodGet, "/api/hello", nil)
	blockedReq.RemoteAddr = "10.1.1.1:1000"
	f.do(blockedReq)

	entries, err := f.analytics.RecentTraffic(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Decision != types.OutcomeBlocked || entries[0].StatusCode != http.StatusTooManyRequests {
		t.Fatalf("head entry: %+v", entries[0])
	}
	if entries[1].Decision != types.OutcomeAllowed || entries[1].Identifier != "10.1.1.1" {
		t.Fatalf("tail entry: %+v", entries[1])
	}
	if len(entries[0].RuleIDs) != 1 || entries[0].RuleIDs[0] != "tb" {
		t.Fatalf("rule ids: %+v", entries[0].RuleIDs)
	}
}

func TestRuleTargetOverridesDefault(t *testing.T) {
	f := newFixture(t)
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "other")
		w.WriteHeader(http.StatusOK)
	}))
	defer other.Close()

	f.addRule(t, rule.Rule{
		ID: "routed", PathPattern: "/svc/**", Active: true,
		AllowedRequests: 100, WindowSeconds: 60, TargetURI: other.URL,
	})

	req := httptest.NewRequest(http.MethodGet, "/svc/thing", nil)
	rec := f.do(req)
	if rec.Header().Get("X-Upstream") != "other" {
		t.Fatalf("expected rule target, got %q", rec.Header().Get("X-Upstream"))
	}
}

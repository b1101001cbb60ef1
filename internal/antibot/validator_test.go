package antibot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/repo"
	"github.com/nanjiek/pixiu-gateway/internal/sysconfig"
)

func newTestValidator(t *testing.T) (*Validator, *sysconfig.Service, *time.Time) {
	t.Helper()
	store := repo.NewMemory(nil)
	cfg := sysconfig.NewService(store, nil)
	if err := cfg.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	v := NewValidator(cfg, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	v.now = func() time.Time { return *clock }
	return v, cfg, clock
}

// validPost builds a POST with a freshly issued token and an old-enough
// load time.
func validPost(v *Validator, clock *time.Time) *http.Request {
	issued := v.Issue(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader("{}"))
	req.Header.Set(HeaderFormToken, issued.Token)
	req.Header.Set(HeaderFormLoadTime, strconv.FormatInt(clock.UnixMilli()-5000, 10))
	return req
}

func TestValidSubmissionPassesAndConsumesToken(t *testing.T) {
	v, _, clock := newTestValidator(t)
	ctx := context.Background()

	req := validPost(v, clock)
	if res := v.Validate(ctx, req, "10.0.0.1"); !res.OK {
		t.Fatalf("expected pass, got %+v", res)
	}

	// Same token again: reused.
	res := v.Validate(ctx, req, "10.0.0.1")
	if res.OK || res.Status != http.StatusForbidden || res.Reason != ReasonReusedToken {
		t.Fatalf("expected reused-token 403, got %+v", res)
	}
}

func TestHoneypotRejectsBeforeEverythingElse(t *testing.T) {
	v, _, clock := newTestValidator(t)

	req := validPost(v, clock)
	req.Header.Set(HeaderHoneypot, "bot@spam.com")
	// Also submit too fast: honeypot must win.
	req.Header.Set(HeaderFormLoadTime, strconv.FormatInt(clock.UnixMilli(), 10))

	res := v.Validate(context.Background(), req, "10.0.0.1")
	if res.OK || res.Reason != ReasonHoneypot || res.Status != http.StatusForbidden {
		t.Fatalf("expected honeypot rejection, got %+v", res)
	}
}

func TestTooFastSubmission(t *testing.T) {
	v, _, clock := newTestValidator(t)

	req := validPost(v, clock)
	req.Header.Set(HeaderFormLoadTime, strconv.FormatInt(clock.UnixMilli(), 10))

	res := v.Validate(context.Background(), req, "10.0.0.1")
	if res.OK || res.Reason != ReasonTooFast {
		t.Fatalf("expected too-fast rejection, got %+v", res)
	}
}

func TestMissingAndUnknownTokens(t *testing.T) {
	v, _, clock := newTestValidator(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodPost, "/api/submit", nil)
	if res := v.Validate(ctx, req, "10.0.0.1"); res.OK || res.Reason != ReasonInvalidToken {
		t.Fatalf("missing token: got %+v", res)
	}

	req = validPost(v, clock)
	req.Header.Set(HeaderFormToken, "never-issued")
	if res := v.Validate(ctx, req, "10.0.0.1"); res.OK || res.Reason != ReasonInvalidToken {
		t.Fatalf("unknown token: got %+v", res)
	}
}

func TestTokenFromChallengeCookie(t *testing.T) {
	v, _, clock := newTestValidator(t)
	ctx := context.Background()

	issued := v.Issue(ctx)
	req := httptest.NewRequest(http.MethodPost, "/api/submit", nil)
	req.Header.Set(HeaderFormLoadTime, strconv.FormatInt(clock.UnixMilli()-5000, 10))
	req.AddCookie(&http.Cookie{Name: ChallengeCookie, Value: issued.Token})

	if res := v.Validate(ctx, req, "10.0.0.1"); !res.OK {
		t.Fatalf("cookie token should pass, got %+v", res)
	}
}

func TestIdempotencyDuplicate(t *testing.T) {
	v, _, clock := newTestValidator(t)
	ctx := context.Background()

	first := validPost(v, clock)
	first.Header.Set(HeaderIdempotencyKey, "order-42")
	if res := v.Validate(ctx, first, "10.0.0.1"); !res.OK {
		t.Fatalf("first submission should pass, got %+v", res)
	}

	second := validPost(v, clock)
	second.Header.Set(HeaderIdempotencyKey, "order-42")
	res := v.Validate(ctx, second, "10.0.0.1")
	if res.OK || res.Status != http.StatusConflict || !res.Duplicate {
		t.Fatalf("expected duplicate 409, got %+v", res)
	}
}

func TestReadMethodsSkipped(t *testing.T) {
	v, _, _ := newTestValidator(t)
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	if res := v.Validate(context.Background(), req, "10.0.0.1"); !res.OK {
		t.Fatalf("GET should skip anti-bot, got %+v", res)
	}
}

func TestDisabledFlagSkipsChecks(t *testing.T) {
	v, cfg, _ := newTestValidator(t)
	ctx := context.Background()
	if err := cfg.Set(ctx, sysconfig.KeyAntibotEnabled, "false"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/submit", nil)
	req.Header.Set(HeaderHoneypot, "filled")
	if res := v.Validate(ctx, req, "10.0.0.1"); !res.OK {
		t.Fatalf("disabled validator should pass everything, got %+v", res)
	}
}

func TestMalformedLoadTimeIsSkippedNotRejected(t *testing.T) {
	v, _, clock := newTestValidator(t)

	req := validPost(v, clock)
	req.Header.Set(HeaderFormLoadTime, "yesterday")
	if res := v.Validate(context.Background(), req, "10.0.0.1"); !res.OK {
		t.Fatalf("malformed load time should be skipped, got %+v", res)
	}
}

func TestRenderChallengeVariants(t *testing.T) {
	v, cfg, _ := newTestValidator(t)
	ctx := context.Background()

	ch, err := v.RenderChallenge(ctx, "/protected")
	if err != nil {
		t.Fatal(err)
	}
	if ch.Token == "" || !strings.Contains(string(ch.Body), "refresh") {
		t.Fatalf("metarefresh challenge malformed: %+v", ch)
	}
	if ch.CookieMaxAge != tokenTTLSecs {
		t.Fatalf("expected cookie max-age %d, got %d", tokenTTLSecs, ch.CookieMaxAge)
	}

	if err := cfg.Set(ctx, sysconfig.KeyAntibotChallengeType, ChallengeJavascript); err != nil {
		t.Fatal(err)
	}
	ch, err = v.RenderChallenge(ctx, "/protected")
	if err != nil {
		t.Fatal(err)
	}
	if ch.ContentType != "application/json" || !strings.Contains(string(ch.Body), ch.Token) {
		t.Fatalf("javascript challenge malformed: %+v", ch)
	}

	if err := cfg.Set(ctx, sysconfig.KeyAntibotChallengeType, ChallengePreact); err != nil {
		t.Fatal(err)
	}
	ch, err = v.RenderChallenge(ctx, "/protected")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(ch.Body), "preact") {
		t.Fatalf("preact challenge malformed")
	}
}

func TestIssuedTokenShape(t *testing.T) {
	v, _, clock := newTestValidator(t)
	issued := v.Issue(context.Background())
	if issued.Token == "" {
		t.Fatal("empty token")
	}
	if issued.LoadTime != clock.UnixMilli() {
		t.Fatalf("loadTime = %d", issued.LoadTime)
	}
	if issued.HoneypotField != "_hp_email" || issued.ExpiresIn != 600 {
		t.Fatalf("unexpected issuance: %+v", issued)
	}
}

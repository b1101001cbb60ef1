// Package gateway implements the public data plane: a fixed filter chain of
// port guard, rate limiting, anti-bot screening and upstream proxying.
package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/analytics"
	"github.com/nanjiek/pixiu-gateway/internal/antibot"
	"github.com/nanjiek/pixiu-gateway/internal/config"
	"github.com/nanjiek/pixiu-gateway/internal/identity"
	"github.com/nanjiek/pixiu-gateway/internal/limiter"
	"github.com/nanjiek/pixiu-gateway/internal/rule"
	"github.com/nanjiek/pixiu-gateway/internal/rules"
	"github.com/nanjiek/pixiu-gateway/internal/types"
)

// Response headers added by the data plane.
const (
	HeaderQueued          = "X-RateLimit-Queued"
	HeaderDelayMs         = "X-RateLimit-Delay-Ms"
	HeaderRejectionReason = "X-Rejection-Reason"
	HeaderDuplicate       = "X-Duplicate-Request"
)

// Token issuance endpoints served directly on the public port.
const (
	pathTokenForm      = "/api/tokens/form"
	pathTokenChallenge = "/api/tokens/challenge"
)

// Handler is the public-port entry point.
type Handler struct {
	cfg       config.GatewayCfg
	rules     *rules.Cache
	engine    *limiter.Engine
	validator *antibot.Validator
	analytics *analytics.Service
	logger    *slog.Logger

	proxyMu sync.Mutex
	proxies map[string]*httputil.ReverseProxy

	// sleep is the queue-delay suspension, select-able against the request
	// context; swapped out in tests.
	sleep func(d time.Duration) <-chan time.Time
}

func NewHandler(cfg config.GatewayCfg, ruleCache *rules.Cache, engine *limiter.Engine, validator *antibot.Validator, svc *analytics.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:       cfg,
		rules:     ruleCache,
		engine:    engine,
		validator: validator,
		analytics: svc,
		logger:    logger,
		proxies:   make(map[string]*httputil.ReverseProxy),
		sleep: func(d time.Duration) <-chan time.Time {
			return time.After(d)
		},
	}
}

// ServeHTTP runs the filter chain in fixed order. Each stage either
// terminates the request or passes it on; every rate-limit, anti-bot and
// forwarding decision is recorded once. Port-guard 404s, token endpoint
// responses and oversized-body 413s end the request before any rule is
// evaluated and are not recorded.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. Port guard: the admin plane never answers on the public port.
	if strings.HasPrefix(r.URL.Path, h.cfg.AdminPathGuard) {
		h.logger.Debug("rejecting admin path on public port", "path", r.URL.Path)
		http.NotFound(w, r)
		return
	}

	// Token issuance bypasses the proxy.
	switch r.URL.Path {
	case pathTokenForm:
		h.serveFormToken(w, r)
		return
	case pathTokenChallenge:
		h.serveChallenge(w, r)
		return
	}

	clientIP := identity.ClientIP(r)

	// Body capture: write bodies are buffered once so the body-field
	// identifier source and the upstream observe the same bytes.
	var body []byte
	if antibot.IsWriteMethod(r.Method) && r.Body != nil {
		var err error
		body, err = h.captureBody(w, r)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
	}

	// 2. Rate limit.
	matched := h.rules.Match(rules.RequestCtx{Path: r.URL.Path, Method: r.Method, Host: requestHost(r)})
	dec, eval := h.engine.Evaluate(r.Context(), r, matched, clientIP, body)

	if !dec.Allowed {
		if dec.Queued {
			w.Header().Set(HeaderQueued, "true")
		}
		h.record(r, clientIP, eval, types.OutcomeBlocked, http.StatusTooManyRequests, 0)
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	if dec.Queued && dec.DelayMs > 0 {
		select {
		case <-h.sleep(time.Duration(dec.DelayMs) * time.Millisecond):
		case <-r.Context().Done():
			// Abandoned mid-delay: the queue slot stays accounted (no
			// rollback), and the admission it paid for is still recorded.
			h.logger.Debug("client abandoned queued request", "path", r.URL.Path)
			h.record(r, clientIP, eval, types.OutcomeQueued, http.StatusOK, dec.DelayMs)
			return
		}
		w.Header().Set(HeaderQueued, "true")
		w.Header().Set(HeaderDelayMs, strconv.FormatInt(dec.DelayMs, 10))
	}

	// 3. Anti-bot, write methods only.
	if antibot.IsWriteMethod(r.Method) {
		if res := h.validator.Validate(r.Context(), r, clientIP); !res.OK {
			if res.Duplicate {
				w.Header().Set(HeaderDuplicate, "true")
			} else {
				w.Header().Set(HeaderRejectionReason, res.Reason)
			}
			h.record(r, clientIP, eval, types.OutcomeRejected, res.Status, 0)
			w.WriteHeader(res.Status)
			return
		}
	}

	outcome := types.OutcomeAllowed
	if dec.Queued {
		outcome = types.OutcomeQueued
	}
	h.record(r, clientIP, eval, outcome, http.StatusOK, dec.DelayMs)

	// 4. Proxy to the matched upstream.
	h.proxy(w, r, matched, body)
}

// captureBody buffers the request body up to the configured cap and makes
// it replayable for the proxy stage.
func (h *Handler) captureBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limited := http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("request body over cap", "path", r.URL.Path, "limit", h.cfg.MaxBodyBytes)
		}
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	return body, nil
}

// proxy forwards to the first matched rule naming a target, preferring
// specific rules over the global one, then the configured default.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, matched []rule.Rule, body []byte) {
	target := h.cfg.DefaultTarget
	for _, m := range matched {
		if strings.TrimSpace(m.TargetURI) != "" {
			target = m.TargetURI
			break
		}
	}
	if target == "" {
		h.logger.Warn("no upstream for request", "path", r.URL.Path)
		http.Error(w, "no upstream configured", http.StatusBadGateway)
		return
	}

	rp, err := h.proxyFor(target)
	if err != nil {
		h.logger.Error("invalid upstream target", "target", target, "err", err)
		http.Error(w, "invalid upstream", http.StatusBadGateway)
		return
	}

	if body != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
	}
	rp.ServeHTTP(w, r)
}

func (h *Handler) proxyFor(target string) (*httputil.ReverseProxy, error) {
	h.proxyMu.Lock()
	defer h.proxyMu.Unlock()
	if rp, ok := h.proxies[target]; ok {
		return rp, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	rp := httputil.NewSingleHostReverseProxy(u)
	logger := h.logger
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("upstream request failed", "target", target, "err", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	h.proxies[target] = rp
	return rp, nil
}

func (h *Handler) serveFormToken(w http.ResponseWriter, r *http.Request) {
	issued := h.validator.Issue(r.Context())
	writeJSON(w, http.StatusOK, issued)
}

func (h *Handler) serveChallenge(w http.ResponseWriter, r *http.Request) {
	returnPath := r.URL.Query().Get("return")
	if returnPath == "" {
		returnPath = "/"
	}
	ch, err := h.validator.RenderChallenge(r.Context(), returnPath)
	if err != nil {
		h.logger.Error("challenge rendering failed", "err", err)
		http.Error(w, "challenge unavailable", http.StatusInternalServerError)
		return
	}
	if ch.CookieMaxAge > 0 {
		http.SetCookie(w, &http.Cookie{
			Name:     antibot.ChallengeCookie,
			Value:    ch.Token,
			Path:     "/",
			MaxAge:   ch.CookieMaxAge,
			SameSite: http.SameSiteLaxMode,
		})
	}
	w.Header().Set("Content-Type", ch.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ch.Body)
}

func (h *Handler) record(r *http.Request, clientIP string, eval limiter.Evaluation, outcome types.Outcome, status int, delayMs int64) {
	h.analytics.Record(r.Context(), analytics.LogEntry{
		Method:     r.Method,
		Path:       r.URL.Path,
		Host:       requestHost(r),
		ClientIP:   clientIP,
		Identifier: eval.Identifier,
		Decision:   outcome,
		StatusCode: status,
		DelayMs:    delayMs,
		RuleIDs:    eval.RuleIDs,
	})
}

func requestHost(r *http.Request) string {
	host := r.Host
	if idx := strings.LastIndex(host, ":"); idx >= 0 && !strings.Contains(host[idx:], "]") {
		host = host[:idx]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

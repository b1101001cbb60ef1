// Package antibot screens write requests with layered checks: a honeypot
// header bots fill and humans never see, a minimum form-to-submit time,
// one-time form tokens, and idempotency keys against duplicate submission.
package antibot

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

import (
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/sysconfig"
)

// Headers and the challenge cookie consumed by the validator.
const (
	HeaderFormToken      = "X-Form-Token"
	HeaderFormLoadTime   = "X-Form-Load-Time"
	HeaderHoneypot       = "X-Honeypot"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	ChallengeCookie      = "X-Form-Token-Challenge"
)

// Rejection reasons reported in X-Rejection-Reason.
const (
	ReasonHoneypot     = "honeypot"
	ReasonTooFast      = "too-fast"
	ReasonInvalidToken = "invalid-token"
	ReasonReusedToken  = "reused-token"
	ReasonDuplicate    = "duplicate"
)

const (
	cacheCapacity  = 100_000
	validTokenTTL  = 10 * time.Minute
	usedTokenTTL   = 15 * time.Minute
	idempotencyTTL = time.Hour
	tokenTTLSecs   = 600 // advertised to clients alongside issued tokens
)

// Result is the outcome of one validation pass.
type Result struct {
	OK        bool
	Status    int    // 403 for bot suspicion, 409 for duplicates
	Reason    string // one of the Reason* constants
	Duplicate bool
}

func pass() Result { return Result{OK: true} }

func reject(reason string) Result {
	return Result{Status: http.StatusForbidden, Reason: reason}
}

// Validator holds the token and idempotency caches. All three are bounded
// and expire per entry, so an abusive client can at worst churn its own
// slots.
type Validator struct {
	cfg         *sysconfig.Service
	validTokens *expirable.LRU[string, int64] // token -> issue time (unix ms)
	usedTokens  *expirable.LRU[string, struct{}]
	idemKeys    *expirable.LRU[string, struct{}]
	logger      *slog.Logger
	now         func() time.Time
}

func NewValidator(cfg *sysconfig.Service, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		cfg:         cfg,
		validTokens: expirable.NewLRU[string, int64](cacheCapacity, nil, validTokenTTL),
		usedTokens:  expirable.NewLRU[string, struct{}](cacheCapacity, nil, usedTokenTTL),
		idemKeys:    expirable.NewLRU[string, struct{}](cacheCapacity, nil, idempotencyTTL),
		logger:      logger,
		now:         time.Now,
	}
}

// IssuedToken is the payload returned by the token issuance endpoints.
type IssuedToken struct {
	Token         string `json:"token"`
	LoadTime      int64  `json:"loadTime"`
	HoneypotField string `json:"honeypotField"`
	ExpiresIn     int    `json:"expiresIn"`
}

// Issue mints a fresh one-time token and records it as valid.
func (v *Validator) Issue(ctx context.Context) IssuedToken {
	token := uuid.NewString()
	now := v.now().UnixMilli()
	v.validTokens.Add(token, now)
	return IssuedToken{
		Token:         token,
		LoadTime:      now,
		HoneypotField: v.cfg.GetString(ctx, sysconfig.KeyAntibotHoneypotField, "_hp_email"),
		ExpiresIn:     tokenTTLSecs,
	}
}

// Validate runs the checks in order against a write request; the first
// failure wins. On success the token is consumed (moved valid -> used) and
// the idempotency key, when present, is recorded.
func (v *Validator) Validate(ctx context.Context, req *http.Request, clientIP string) Result {
	if !v.cfg.GetBool(ctx, sysconfig.KeyAntibotEnabled, true) {
		return pass()
	}
	if !IsWriteMethod(req.Method) {
		return pass()
	}

	// 1. Honeypot: any value means a bot filled a field humans never see.
	if req.Header.Get(HeaderHoneypot) != "" {
		v.logger.Warn("honeypot triggered", "ip", clientIP)
		return reject(ReasonHoneypot)
	}

	// 2. Time-to-submit, when the client reports its form load time. An
	// unparseable value is logged and skipped rather than rejected.
	if raw := req.Header.Get(HeaderFormLoadTime); raw != "" {
		loadTime, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			v.logger.Warn("invalid form load time", "ip", clientIP, "value", raw)
		} else {
			elapsed := v.now().UnixMilli() - loadTime
			minSubmit := v.cfg.GetInt64(ctx, sysconfig.KeyAntibotMinSubmitTime, 2000)
			if elapsed < minSubmit {
				v.logger.Warn("form submitted too fast", "ip", clientIP, "elapsed_ms", elapsed)
				return reject(ReasonTooFast)
			}
		}
	}

	// 3. One-time token, from the header or the challenge cookie set by the
	// no-JS meta-refresh flow.
	token := req.Header.Get(HeaderFormToken)
	if token == "" {
		if c, err := req.Cookie(ChallengeCookie); err == nil {
			token = c.Value
		}
	}
	if _, reused := v.usedTokens.Get(token); token != "" && reused {
		v.logger.Warn("reused form token", "ip", clientIP)
		return reject(ReasonReusedToken)
	}
	if _, fresh := v.validTokens.Get(token); token == "" || !fresh {
		v.logger.Warn("missing or invalid form token", "ip", clientIP)
		return reject(ReasonInvalidToken)
	}
	v.validTokens.Remove(token)
	v.usedTokens.Add(token, struct{}{})

	// 4. Idempotency key.
	if key := req.Header.Get(HeaderIdempotencyKey); key != "" {
		if _, dup := v.idemKeys.Get(key); dup {
			v.logger.Info("duplicate request blocked", "idempotency_key", key)
			return Result{Status: http.StatusConflict, Reason: ReasonDuplicate, Duplicate: true}
		}
		v.idemKeys.Add(key, struct{}{})
	}

	return pass()
}

// IsWriteMethod reports whether the method is screened by the validator.
func IsWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

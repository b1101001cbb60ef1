// Package identity maps a request onto the canonical string its rate-limit
// counters are keyed by: the client IP unless the matched rule selects a
// header, cookie, body-field or JWT-claims source.
package identity

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/rule"
)

// Resolver extracts rate-limit identifiers per rule configuration.
type Resolver struct {
	logger *slog.Logger
}

func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Resolve walks the rule's identifier sources in fixed priority order:
// header > cookie > body field > JWT claims > IP. The first source yielding
// a non-empty value wins; a failed source silently falls through. With
// combine_with_ip the result is "ip:value", otherwise the value replaces
// the IP outright.
func (rv *Resolver) Resolve(req *http.Request, r rule.Rule, clientIP string, body []byte) string {
	if r.HeaderLimitEnabled && strings.TrimSpace(r.HeaderName) != "" {
		if v := strings.TrimSpace(req.Header.Get(r.HeaderName)); v != "" {
			return applyMode(r.HeaderMode(), clientIP, v)
		}
		rv.logger.Debug("header identifier missing, falling through", "header", r.HeaderName)
	}

	if r.CookieLimitEnabled && strings.TrimSpace(r.CookieName) != "" {
		if c, err := req.Cookie(r.CookieName); err == nil && strings.TrimSpace(c.Value) != "" {
			return applyMode(r.CookieMode(), clientIP, strings.TrimSpace(c.Value))
		}
		rv.logger.Debug("cookie identifier missing, falling through", "cookie", r.CookieName)
	}

	if r.BodyLimitEnabled && strings.TrimSpace(r.BodyFieldPath) != "" {
		if v := ExtractBodyField(body, r.BodyFieldPath, r.BodyContentType, req.Header.Get("Content-Type")); v != "" {
			return applyMode(r.BodyMode(), clientIP, v)
		}
		rv.logger.Debug("body identifier missing, falling through", "field", r.BodyFieldPath)
	}

	if r.JwtEnabled {
		claims := r.ClaimNames()
		if len(claims) == 0 {
			rv.logger.Warn("jwt limiting enabled without claims, falling back to ip", "rule", r.ID)
		} else if v, ok := ExtractJwtClaims(req.Header.Get("Authorization"), claims, r.ClaimSeparator()); ok {
			return v
		} else {
			rv.logger.Debug("jwt claims unavailable, falling back to ip", "rule", r.ID)
		}
	}

	return clientIP
}

func applyMode(mode, clientIP, value string) string {
	if mode == rule.ModeCombineWithIP {
		return clientIP + ":" + value
	}
	return value
}

// ClientIP extracts the peer address of a request, without the port.
func ClientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if req.RemoteAddr != "" {
		return req.RemoteAddr
	}
	return "unknown"
}

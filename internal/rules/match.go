package rules

import (
	"github.com/nanjiek/pixiu-gateway/internal/antpath"
	"github.com/nanjiek/pixiu-gateway/internal/rule"
)

// RequestCtx is the input used for rule matching.
type RequestCtx struct {
	Path   string
	Method string
	Host   string
}

// Match filters the active rules for the request and orders them for
// evaluation: specific rules first (priority ascending), then global /**
// rules. A global rule caps traffic that a more targeted rule would let
// through, so it can never be bypassed by a specific override. An empty
// result means no rule enforces the request.
func (c *Cache) Match(ctx RequestCtx) []rule.Rule {
	active := c.snap.Load().Active

	var specific, global []rule.Rule
	for _, r := range active {
		if !matches(r, ctx) {
			continue
		}
		if r.IsGlobal() {
			global = append(global, r)
		} else {
			specific = append(specific, r)
		}
	}
	return append(specific, global...)
}

func matches(r rule.Rule, ctx RequestCtx) bool {
	if !antpath.Match(r.PathPattern, ctx.Path) {
		return false
	}
	if !r.MatchesMethod(ctx.Method) {
		return false
	}
	return matchesHost(r, ctx.Host)
}

func matchesHost(r rule.Rule, host string) bool {
	hosts := r.HostList()
	if len(hosts) == 0 {
		return true
	}
	if host == "" {
		return false
	}
	for _, pattern := range hosts {
		if antpath.Match(pattern, host) {
			return true
		}
	}
	return false
}

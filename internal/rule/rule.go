package rule

import (
	"encoding/json"
	"strings"
)

// Identifier-source modes. replace_ip substitutes the extracted value for the
// client IP; combine_with_ip counts on "ip:value".
const (
	ModeReplaceIP     = "replace_ip"
	ModeCombineWithIP = "combine_with_ip"
)

// Body content types a rule may declare for field extraction.
const (
	BodyTypeJSON      = "json"
	BodyTypeForm      = "form-url-encoded"
	BodyTypeXML       = "xml"
	BodyTypeMultipart = "multipart"
)

// GlobalPattern marks a rule that applies as a ceiling across all paths.
const GlobalPattern = "/**"

// Rule is one rate-limit policy. Rules are stored JSON-serialized in the
// rate_limit_rules hash, field = ID.
type Rule struct {
	ID          string `yaml:"id"          json:"id"`
	PathPattern string `yaml:"pathPattern" json:"pathPattern"` // ant-style glob: ?, *, **
	TargetURI   string `yaml:"targetUri"   json:"targetUri"`   // upstream for matched traffic
	Priority    int    `yaml:"priority"    json:"priority"`    // lower evaluates earlier
	Active      bool   `yaml:"active"      json:"active"`

	// Route predicates; empty means match-all.
	Methods string `yaml:"methods" json:"methods"` // CSV, e.g. "GET,POST"
	Hosts   string `yaml:"hosts"   json:"hosts"`   // CSV of glob patterns, e.g. "*.example.com"

	// Quota.
	AllowedRequests int `yaml:"allowedRequests" json:"allowedRequests"`
	WindowSeconds   int `yaml:"windowSeconds"   json:"windowSeconds"`

	// Leaky-bucket queueing.
	QueueEnabled      bool `yaml:"queueEnabled"      json:"queueEnabled"`
	MaxQueueSize      int  `yaml:"maxQueueSize"      json:"maxQueueSize"`
	DelayPerRequestMs int  `yaml:"delayPerRequestMs" json:"delayPerRequestMs"`

	// Header identifier source.
	HeaderLimitEnabled bool   `yaml:"headerLimitEnabled" json:"headerLimitEnabled"`
	HeaderName         string `yaml:"headerName"         json:"headerName"`
	HeaderLimitType    string `yaml:"headerLimitType"    json:"headerLimitType"` // replace_ip | combine_with_ip

	// Cookie identifier source.
	CookieLimitEnabled bool   `yaml:"cookieLimitEnabled" json:"cookieLimitEnabled"`
	CookieName         string `yaml:"cookieName"         json:"cookieName"`
	CookieLimitType    string `yaml:"cookieLimitType"    json:"cookieLimitType"`

	// Body-field identifier source.
	BodyLimitEnabled bool   `yaml:"bodyLimitEnabled" json:"bodyLimitEnabled"`
	BodyFieldPath    string `yaml:"bodyFieldPath"    json:"bodyFieldPath"`   // dot path / form name / XPath / part name
	BodyLimitType    string `yaml:"bodyLimitType"    json:"bodyLimitType"`   // replace_ip | combine_with_ip
	BodyContentType  string `yaml:"bodyContentType"  json:"bodyContentType"` // json | form-url-encoded | xml | multipart

	// JWT-claims identifier source. Claims are parsed without signature
	// verification; upstream auth is trusted to have validated the token.
	JwtEnabled        bool   `yaml:"jwtEnabled"        json:"jwtEnabled"`
	JwtClaims         string `yaml:"jwtClaims"         json:"jwtClaims"` // JSON array of claim names
	JwtClaimSeparator string `yaml:"jwtClaimSeparator" json:"jwtClaimSeparator"`
}

// IsGlobal reports whether the rule is the /** ceiling rule.
func (r Rule) IsGlobal() bool {
	return strings.TrimSpace(r.PathPattern) == GlobalPattern
}

// MethodList splits the CSV methods predicate; nil means match-all.
func (r Rule) MethodList() []string {
	return splitCSV(r.Methods)
}

// HostList splits the CSV hosts predicate; nil means match-all.
func (r Rule) HostList() []string {
	return splitCSV(r.Hosts)
}

// ClaimNames decodes the jwtClaims JSON array. A malformed or empty
// configuration yields nil, which makes the JWT source fall through.
func (r Rule) ClaimNames() []string {
	raw := strings.TrimSpace(r.JwtClaims)
	if raw == "" {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil
	}
	if len(names) == 0 {
		return nil
	}
	return names
}

// ClaimSeparator returns the configured separator, defaulting to ":".
func (r Rule) ClaimSeparator() string {
	if r.JwtClaimSeparator == "" {
		return ":"
	}
	return r.JwtClaimSeparator
}

// HeaderMode returns the header source mode, defaulting to replace_ip.
func (r Rule) HeaderMode() string { return normalizeMode(r.HeaderLimitType) }

// CookieMode returns the cookie source mode, defaulting to replace_ip.
func (r Rule) CookieMode() string { return normalizeMode(r.CookieLimitType) }

// BodyMode returns the body source mode, defaulting to replace_ip.
func (r Rule) BodyMode() string { return normalizeMode(r.BodyLimitType) }

func normalizeMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), ModeCombineWithIP) {
		return ModeCombineWithIP
	}
	return ModeReplaceIP
}

func splitCSV(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MatchesMethod checks the CSV methods predicate case-insensitively.
func (r Rule) MatchesMethod(method string) bool {
	methods := r.MethodList()
	if len(methods) == 0 {
		return true
	}
	if method == "" {
		return false
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

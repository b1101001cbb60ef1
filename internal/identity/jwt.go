package identity

import (
	"encoding/json"
	"strconv"
	"strings"
)

import (
	"github.com/golang-jwt/jwt/v4"
)

// ExtractJwtClaims parses the bearer token WITHOUT verifying its signature
// and joins the named claims with the separator. Rate limiting only needs
// a stable grouping key: upstream auth is trusted to have validated the
// token, and limiting on forged claims only hurts the forger.
//
// Every configured claim must be present; a missing claim fails the whole
// source so the resolver falls through.
func ExtractJwtClaims(authHeader string, claimNames []string, separator string) (string, bool) {
	token := strings.TrimSpace(authHeader)
	if token == "" || len(claimNames) == 0 {
		return "", false
	}
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", false
	}

	values := make([]string, 0, len(claimNames))
	for _, name := range claimNames {
		v, ok := claims[name]
		if !ok || v == nil {
			return "", false
		}
		values = append(values, stringifyClaim(v))
	}
	return strings.Join(values, separator), true
}

func stringifyClaim(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

package rule

import (
	"encoding/json"
	"testing"
)

func TestIsGlobal(t *testing.T) {
	if !(Rule{PathPattern: "/**"}).IsGlobal() {
		t.Fatal("/** should be global")
	}
	if !(Rule{PathPattern: " /** "}).IsGlobal() {
		t.Fatal("whitespace-padded /** should be global")
	}
	if (Rule{PathPattern: "/api/**"}).IsGlobal() {
		t.Fatal("/api/** is not global")
	}
}

func TestMethodList(t *testing.T) {
	r := Rule{Methods: "GET, post ,PUT"}
	got := r.MethodList()
	if len(got) != 3 || got[0] != "GET" || got[1] != "post" || got[2] != "PUT" {
		t.Fatalf("got %v", got)
	}
	if (Rule{}).MethodList() != nil {
		t.Fatal("empty CSV should yield nil")
	}
	if (Rule{Methods: " , "}).MethodList() != nil {
		t.Fatal("blank CSV should yield nil")
	}
}

func TestMatchesMethod(t *testing.T) {
	r := Rule{Methods: "GET,POST"}
	if !r.MatchesMethod("get") || !r.MatchesMethod("POST") {
		t.Fatal("expected case-insensitive match")
	}
	if r.MatchesMethod("DELETE") {
		t.Fatal("DELETE should not match")
	}
	if !(Rule{}).MatchesMethod("ANYTHING") {
		t.Fatal("no predicate should match all")
	}
	if r.MatchesMethod("") {
		t.Fatal("empty method should not match a configured predicate")
	}
}

func TestClaimNames(t *testing.T) {
	r := Rule{JwtClaims: `["sub","tenant"]`}
	got := r.ClaimNames()
	if len(got) != 2 || got[0] != "sub" || got[1] != "tenant" {
		t.Fatalf("got %v", got)
	}
	if (Rule{JwtClaims: "not json"}).ClaimNames() != nil {
		t.Fatal("malformed claims should yield nil")
	}
	if (Rule{JwtClaims: "[]"}).ClaimNames() != nil {
		t.Fatal("empty claims should yield nil")
	}
	if (Rule{}).ClaimNames() != nil {
		t.Fatal("absent claims should yield nil")
	}
}

func TestModesDefaultToReplaceIP(t *testing.T) {
	r := Rule{}
	if r.HeaderMode() != ModeReplaceIP || r.CookieMode() != ModeReplaceIP || r.BodyMode() != ModeReplaceIP {
		t.Fatal("expected replace_ip defaults")
	}
	r = Rule{HeaderLimitType: "Combine_With_IP"}
	if r.HeaderMode() != ModeCombineWithIP {
		t.Fatal("expected case-insensitive combine_with_ip")
	}
}

func TestClaimSeparatorDefault(t *testing.T) {
	if (Rule{}).ClaimSeparator() != ":" {
		t.Fatal("expected default separator")
	}
	if (Rule{JwtClaimSeparator: "|"}).ClaimSeparator() != "|" {
		t.Fatal("expected configured separator")
	}
}

func TestJSONRoundTripKeepsIdentifierConfig(t *testing.T) {
	r := Rule{
		ID: "r1", PathPattern: "/api/**", Priority: 3, Active: true,
		AllowedRequests: 10, WindowSeconds: 60,
		QueueEnabled: true, MaxQueueSize: 5, DelayPerRequestMs: 200,
		HeaderLimitEnabled: true, HeaderName: "X-API-Key", HeaderLimitType: ModeCombineWithIP,
		JwtEnabled: true, JwtClaims: `["sub"]`, JwtClaimSeparator: ":",
	}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var back Rule
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back != r {
		t.Fatalf("round trip changed rule:\n%+v\n%+v", r, back)
	}
}

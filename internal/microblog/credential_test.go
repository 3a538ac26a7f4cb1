package microblog

import (
	"net/http"
	"strings"
	"testing"
)

func TestBearerCredentialSetsAuthorizationHeader(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/2/users/me", nil)
	cred := BearerCredential{Token: "abc123"}
	if err := cred.Apply(req); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer abc123" {
		t.Fatalf("Authorization header = %q", got)
	}
	if cred.Kind() != Bearer {
		t.Fatalf("expected Bearer kind")
	}
}

func TestUserContextCredentialSignsAndSetsOAuthHeader(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "https://api.example.com/2/tweets?foo=bar", nil)
	cred := UserContextCredential{
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		AccessToken:    "at",
		AccessSecret:   "as",
	}
	if err := cred.Apply(req); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "OAuth ") {
		t.Fatalf("expected OAuth-prefixed header, got %q", auth)
	}
	for _, want := range []string{"oauth_consumer_key", "oauth_nonce", "oauth_signature", "oauth_signature_method", "oauth_timestamp", "oauth_token", "oauth_version"} {
		if !strings.Contains(auth, want) {
			t.Fatalf("expected header to contain %q, got %q", want, auth)
		}
	}
	if cred.Kind() != UserContext {
		t.Fatalf("expected UserContext kind")
	}
}

func TestUserContextCredentialSignatureIsDeterministicForSameInputs(t *testing.T) {
	params := map[string]string{
		"oauth_consumer_key":     "ck",
		"oauth_nonce":            "fixednonce",
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        "1700000000",
		"oauth_token":            "at",
		"oauth_version":          "1.0",
	}
	cred := UserContextCredential{ConsumerKey: "ck", ConsumerSecret: "cs", AccessToken: "at", AccessSecret: "as"}
	sig1 := cred.sign(http.MethodPost, "https://api.example.com/2/tweets", params)
	sig2 := cred.sign(http.MethodPost, "https://api.example.com/2/tweets", params)
	if sig1 != sig2 {
		t.Fatalf("expected deterministic signature for identical inputs")
	}
}

func TestPercentEncodeUsesRFC3986NotFormEncoding(t *testing.T) {
	got := percentEncode("a b+c")
	if strings.Contains(got, "+") {
		t.Fatalf("percentEncode must not leave literal '+' for space: %q", got)
	}
	if !strings.Contains(got, "%20") {
		t.Fatalf("expected space encoded as %%20, got %q", got)
	}
}

func TestBaseURLNoQueryStripsQueryAndFragment(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/2/tweets?a=1#frag", nil)
	got := baseURLNoQuery(req.URL)
	if got != "https://api.example.com/2/tweets" {
		t.Fatalf("baseURLNoQuery = %q", got)
	}
}

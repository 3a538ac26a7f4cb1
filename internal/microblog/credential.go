package microblog

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // required by the OAuth1 signing scheme, not used for security
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CredentialKind distinguishes the two disjoint permission classes the
// microblog API exposes: read-only app-bearer, and write-capable
// user-context (OAuth1 signed requests acting as the bot account).
type CredentialKind int

const (
	// Bearer is used for read endpoints (mentions, user lookup, timeline).
	Bearer CredentialKind = iota
	// UserContext is used for write endpoints (media upload, post, reply, repost).
	UserContext
)

// Credential attaches the right auth headers to an outgoing request.
type Credential interface {
	Kind() CredentialKind
	Apply(req *http.Request) error
}

// BearerCredential is a static app-bearer token.
type BearerCredential struct {
	Token string
}

// Kind implements Credential.
func (BearerCredential) Kind() CredentialKind { return Bearer }

// Apply implements Credential.
func (c BearerCredential) Apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+c.Token)
	return nil
}

// UserContextCredential signs requests with OAuth1 (HMAC-SHA1), acting as
// the bot's own account. Required for write endpoints.
type UserContextCredential struct {
	ConsumerKey    string
	ConsumerSecret string
	AccessToken    string
	AccessSecret   string
}

// Kind implements Credential.
func (UserContextCredential) Kind() CredentialKind { return UserContext }

// Apply signs req in place per RFC 5849 (OAuth1, HMAC-SHA1), attaching an
// Authorization header. Query parameters already present on req.URL are
// included in the signature base string, but the request body (multipart
// uploads) is not, matching standard microblog-API OAuth1 practice.
func (c UserContextCredential) Apply(req *http.Request) error {
	nonce, err := randomNonce()
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	params := map[string]string{
		"oauth_consumer_key":     c.ConsumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        ts,
		"oauth_token":            c.AccessToken,
		"oauth_version":          "1.0",
	}
	for k, vs := range req.URL.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}

	sig := c.sign(req.Method, baseURLNoQuery(req.URL), params)
	params["oauth_signature"] = sig

	req.Header.Set("Authorization", authHeader(params))
	return nil
}

func (c UserContextCredential) sign(method, baseURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, percentEncode(k)+"="+percentEncode(params[k]))
	}
	paramStr := strings.Join(parts, "&")

	base := strings.Join([]string{
		strings.ToUpper(method),
		percentEncode(baseURL),
		percentEncode(paramStr),
	}, "&")

	key := percentEncode(c.ConsumerSecret) + "&" + percentEncode(c.AccessSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func authHeader(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if strings.HasPrefix(k, "oauth_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, percentEncode(k), percentEncode(params[k])))
	}
	return "OAuth " + strings.Join(parts, ", ")
}

func percentEncode(s string) string {
	// RFC 3986 percent-encoding: url.QueryEscape leaves only the unreserved
	// set unescaped but form-encodes space as "+", so that "+" is rewritten
	// to "%20" (a literal "+" in s is already escaped as "%2B").
	encoded := url.QueryEscape(s)
	encoded = strings.ReplaceAll(encoded, "+", "%20")
	return encoded
}

func baseURLNoQuery(u *url.URL) string {
	out := *u
	out.RawQuery = ""
	out.Fragment = ""
	return out.String()
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// nonceAlphabet matches the teacher's generateHumanReadableID approach
// of building a short opaque identifier from a fixed character set,
// generalized here to the alphanumeric OAuth 1.0a nonce: 16 characters
// for signed requests, 32 for the live session token handshake.
const nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Signer builds OAuth 1.0a authorization headers and owns the live
// session token handshake. It is the only component that mutates live
// session state, and it serializes concurrent handshakes so only one
// runs at a time — per spec §5's "Live session state" rule.
type Signer struct {
	cfg    OAuthConfig
	logger *Logger
	client *http.Client

	mu      sync.Mutex
	session liveSession
}

// liveSession is the mutable state produced by the LST handshake.
type liveSession struct {
	token        []byte // decoded live session token
	tokenB64     string
	expiresAtMS  int64
	signature    string
	acquiredOnce bool
}

// NewSigner verifies the OAuth config and returns a ready-to-use Signer.
// Verification happens once here, per spec's "verified once at
// construction, failing loudly" invariant. client is used for the LST
// handshake's POST; when nil, http.DefaultClient is used.
func NewSigner(cfg OAuthConfig, logger *Logger, client *http.Client) (*Signer, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return &Signer{cfg: cfg, logger: logOrDefault(logger), client: client}, nil
}

// nearExpiry is how far ahead of the recorded expiration we proactively
// refresh, mirroring the teacher's earlyRefreshTime constant in oauth.go.
const nearExpiry = 2 * time.Minute

// EnsureLiveSessionToken returns a currently-valid live session token,
// performing the handshake if none exists yet or if the existing one is
// within nearExpiry of expiring. Concurrent callers are serialized so
// exactly one handshake runs even under contention.
func (s *Signer) EnsureLiveSessionToken() (token []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session.acquiredOnce && !s.nearingExpiryLocked() {
		return s.session.token, nil
	}

	tokenB64, expiresAtMS, signature, err := s.requestLiveSessionToken()
	if err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(tokenB64)
	if err != nil {
		return nil, newAuthError("live session token is not valid base64", err)
	}
	s.session = liveSession{
		token:        decoded,
		tokenB64:     tokenB64,
		expiresAtMS:  expiresAtMS,
		signature:    signature,
		acquiredOnce: true,
	}
	return s.session.token, nil
}

func (s *Signer) nearingExpiryLocked() bool {
	expiry := time.UnixMilli(s.session.expiresAtMS)
	return time.Until(expiry) < nearExpiry
}

// GenerateOAuthHeaders returns the complete set of headers required to
// authenticate one request. signatureMethod selects the signing:
// "RSA-SHA256" signs with the configured signature key, "HMAC-SHA256"
// signs with HMAC-SHA256 keyed by lst and fails when lst is nil, and
// any other method is an error.
func (s *Signer) GenerateOAuthHeaders(method, rawURL string, lst []byte, extraHeaders map[string]string, params map[string]string, signatureMethod string, prepend string) (map[string]string, error) {
	nonce, err := randomNonce(16)
	if err != nil {
		return nil, newAuthError("failed to generate nonce", err)
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	authParams := map[string]string{
		"oauth_consumer_key":     s.cfg.ConsumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": signatureMethod,
		"oauth_timestamp":        timestamp,
		"oauth_token":            s.cfg.AccessToken,
	}

	baseString := buildBaseString(method, rawURL, mergeParams(authParams, params), prepend)

	var signature string
	switch signatureMethod {
	case "RSA-SHA256":
		sig, err := signRSASHA256(baseString, s.cfg.SignatureKeyPath)
		if err != nil {
			return nil, err
		}
		signature = sig
	case "HMAC-SHA256":
		if lst == nil {
			return nil, newAuthError("HMAC-SHA256 signing requires a live session token", nil)
		}
		signature = signHMACSHA256(baseString, lst)
	default:
		return nil, newAuthError(fmt.Sprintf("unsupported oauth signature method %q", signatureMethod), nil)
	}
	authParams["oauth_signature"] = signature

	headerValue := buildAuthorizationHeader(s.cfg.Realm, authParams)

	headers := map[string]string{}
	for k, v := range extraHeaders {
		headers[k] = v
	}
	headers["Authorization"] = headerValue
	return headers, nil
}

// SignRequest is the per-request entry point protected REST calls use:
// it ensures a live session token is available and returns the headers
// to attach to the outgoing request.
func (s *Signer) SignRequest(method, rawURL string, params map[string]string, extraHeaders map[string]string) (map[string]string, error) {
	token, err := s.EnsureLiveSessionToken()
	if err != nil {
		return nil, err
	}
	return s.GenerateOAuthHeaders(method, rawURL, token, extraHeaders, params, "HMAC-SHA256", "")
}

func buildAuthorizationHeader(realm string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("OAuth ")
	if realm != "" {
		b.WriteString(fmt.Sprintf(`realm="%s", `, realm))
	}
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, `%s="%s"`, k, percentEncode(params[k]))
	}
	return b.String()
}

func mergeParams(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// buildBaseString assembles method & url-encoded-url & url-encoded
// param-list, prefixed (no separator) with prepend, per spec §4.2 step 4.
func buildBaseString(method, rawURL string, params map[string]string, prepend string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", percentEncode(k), percentEncode(params[k])))
	}
	paramString := strings.Join(pairs, "&")

	base := fmt.Sprintf("%s&%s&%s", method, percentEncode(rawURL), percentEncode(paramString))
	return prepend + base
}

// percentEncode implements the OAuth 1.0a encoding rule: it applies
// url.QueryEscape (space becomes '+', a literal '+' becomes %2B) and then
// leaves the characters ! * ' ( ) unescaped.
func percentEncode(s string) string {
	escaped := url.QueryEscape(s)
	// url.QueryEscape encodes ! * ' ( ), which this encoding leaves
	// as-is; normalize those back.
	escaped = strings.ReplaceAll(escaped, "%21", "!")
	escaped = strings.ReplaceAll(escaped, "%2A", "*")
	escaped = strings.ReplaceAll(escaped, "%27", "'")
	escaped = strings.ReplaceAll(escaped, "%28", "(")
	escaped = strings.ReplaceAll(escaped, "%29", ")")
	return escaped
}

func randomNonce(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = nonceAlphabet[int(b)%len(nonceAlphabet)]
	}
	return string(out), nil
}

func signHMACSHA256(baseString string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(baseString))
	sum := mac.Sum(nil)
	return percentEncode(base64.StdEncoding.EncodeToString(sum))
}

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, baseURL string) *Engine {
	t.Helper()
	cfg := Defaults()
	cfg.BaseURL = baseURL
	cfg.MaxRetries = 3
	cfg.Timeout = 2 * time.Second
	engine, err := NewEngine(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	return engine
}

func TestRequestDecodesJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	engine := newTestEngine(t, server.URL)
	defer engine.Shutdown()

	result, err := engine.Get(context.Background(), "/ping", nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	data, ok := result.Data.(map[string]any)
	if !ok || data["ok"] != true {
		t.Errorf("Data = %#v, want map with ok=true", result.Data)
	}
}

func TestRequestEmptyBodyYieldsNilData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	engine := newTestEngine(t, server.URL)
	defer engine.Shutdown()

	result, err := engine.Get(context.Background(), "/empty", nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if result.Data != nil {
		t.Errorf("Data = %#v, want nil for an empty body", result.Data)
	}
}

func TestRequestClassifiesHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	engine := newTestEngine(t, server.URL)
	defer engine.Shutdown()

	_, err := engine.Get(context.Background(), "/fail", nil)
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
	gwErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type = %T, want *gateway.Error", err)
	}
	if gwErr.Kind != KindExternalBroker {
		t.Errorf("Kind = %v, want %v", gwErr.Kind, KindExternalBroker)
	}
	if gwErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want %d", gwErr.StatusCode, http.StatusInternalServerError)
	}
}

func TestRequestRewritesNoBridgeMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("Bad Request: no bridge"))
	}))
	defer server.Close()

	engine := newTestEngine(t, server.URL)
	defer engine.Shutdown()

	_, err := engine.Get(context.Background(), "/needs-session", nil)
	gwErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type = %T, want *gateway.Error", err)
	}
	if contains(gwErr.Message, "Bad Request: no bridge") {
		t.Error("message should be rewritten, not pass through the raw gateway text")
	}
	if !contains(gwErr.Message, "brokerage session") {
		t.Errorf("message = %q, want a hint about initializing the brokerage session", gwErr.Message)
	}
}

func TestRequestElidesNullBodyEntries(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	engine := newTestEngine(t, server.URL)
	defer engine.Shutdown()

	_, err := engine.Post(context.Background(), "/orders", map[string]any{
		"side":  "BUY",
		"price": nil,
		"nested": map[string]any{
			"keep": "yes",
			"drop": nil,
		},
	})
	if err != nil {
		t.Fatalf("Post returned error: %v", err)
	}

	if _, present := gotBody["price"]; present {
		t.Error("null-valued top-level entry should have been elided")
	}
	nested, _ := gotBody["nested"].(map[string]any)
	if _, present := nested["drop"]; present {
		t.Error("null-valued nested entry should have been elided")
	}
	if nested["keep"] != "yes" {
		t.Errorf("nested[\"keep\"] = %#v, want \"yes\"", nested["keep"])
	}
}

func TestRequestRetriesOnTimeoutThenSucceeds(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n <= 3 {
			time.Sleep(100 * time.Millisecond)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	cfg := Defaults()
	cfg.BaseURL = server.URL
	cfg.MaxRetries = 3
	cfg.Timeout = 30 * time.Millisecond
	engine, err := NewEngine(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	defer engine.Shutdown()

	result, err := engine.Get(context.Background(), "/flaky", nil)
	if err != nil {
		t.Fatalf("expected eventual success, got error: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 4 {
		t.Errorf("attempts = %d, want 4 (3 timeouts + 1 success)", got)
	}
	data, _ := result.Data.(map[string]any)
	if data["ok"] != true {
		t.Errorf("Data = %#v, want ok=true", result.Data)
	}
}

func TestRequestRetryExhaustion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	cfg := Defaults()
	cfg.BaseURL = server.URL
	cfg.MaxRetries = 3
	cfg.Timeout = 20 * time.Millisecond
	engine, err := NewEngine(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	defer engine.Shutdown()

	_, err = engine.Get(context.Background(), "/always-slow", nil)
	if err == nil {
		t.Fatal("expected an error after retry exhaustion")
	}
	gwErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type = %T, want *gateway.Error", err)
	}
	if gwErr.Kind != KindTransientIO {
		t.Errorf("Kind = %v, want %v", gwErr.Kind, KindTransientIO)
	}
	if !contains(gwErr.Message, "reached max retries (3)") {
		t.Errorf("message = %q, want it to state the retry ceiling", gwErr.Message)
	}
}

// TestRequestSignsQueryParamsOnceNotInURL guards against regressing the
// OAuth base string to include the query twice: once percent-encoded
// into the signed URL and once in the parameter list. It recomputes the
// expected signature server-side from the oauth_* values actually sent
// plus the query the test server observed on the wire, using a base URL with no
// query string, and checks it against what the signer produced.
func TestRequestSignsQueryParamsOnceNotInURL(t *testing.T) {
	lst := []byte("shared-secret-session-token")

	var gotAuth, gotPath, gotRawQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotRawQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	cfg := Defaults()
	cfg.BaseURL = server.URL
	cfg.UseOAuth = true
	cfg.OAuth = OAuthConfig{ConsumerKey: "ck", AccessToken: "tok", Realm: "limited_poa"}

	signer := &Signer{
		cfg:     cfg.OAuth,
		logger:  defaultLogger(),
		session: liveSession{token: lst, acquiredOnce: true, expiresAtMS: time.Now().Add(time.Hour).UnixMilli()},
	}
	engine, err := NewEngine(cfg, nil, signer)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	defer engine.Shutdown()

	_, err = engine.Get(context.Background(), "/snapshot", map[string]any{"conids": "265598", "fields": "31"})
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if gotRawQuery == "" {
		t.Fatal("server did not observe a query string on the request")
	}

	authParams := parseOAuthHeader(t, gotAuth)
	signature := authParams["oauth_signature"]
	delete(authParams, "oauth_signature")
	delete(authParams, "realm")

	queryValues, err := url.ParseQuery(gotRawQuery)
	if err != nil {
		t.Fatalf("failed to parse observed query: %v", err)
	}
	for k := range queryValues {
		authParams[k] = queryValues.Get(k)
	}

	rawURL := server.URL + gotPath // deliberately excludes the query
	wantBase := buildBaseString("GET", rawURL, authParams, "")
	wantSignature := signHMACSHA256(wantBase, lst)

	if signature != wantSignature {
		t.Errorf("oauth_signature = %q, want %q recomputed from a query-less signing URL with the query folded into the param list once", signature, wantSignature)
	}
}

func parseOAuthHeader(t *testing.T, header string) map[string]string {
	t.Helper()
	header = strings.TrimPrefix(header, "OAuth ")
	out := map[string]string{}
	for _, part := range strings.Split(header, ", ") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := kv[0]
		value := strings.Trim(kv[1], `"`)
		unescaped, err := url.QueryUnescape(value)
		if err != nil {
			t.Fatalf("failed to unescape oauth header value %q: %v", value, err)
		}
		out[key] = unescaped
	}
	return out
}

func TestShutdownIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	engine := newTestEngine(t, server.URL)
	engine.Shutdown()
	engine.Shutdown() // must not panic
}

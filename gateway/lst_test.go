package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // verifying the handshake's own LST derivation, not choosing it
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeTestRSAKey(t *testing.T, dir, name string) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test RSA key: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write test key file: %v", err)
	}
	return key, path
}

func TestLoadRSAPrivateKeyRoundTrips(t *testing.T) {
	dir := t.TempDir()
	want, path := writeTestRSAKey(t, dir, "key.pem")

	got, err := loadRSAPrivateKey(path)
	if err != nil {
		t.Fatalf("loadRSAPrivateKey returned error: %v", err)
	}
	if got.D.Cmp(want.D) != 0 {
		t.Error("loaded key does not match the generated key")
	}
}

func TestLoadRSAPrivateKeyRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(path, []byte("not a pem file"), 0o600); err != nil {
		t.Fatalf("failed to write garbage file: %v", err)
	}
	if _, err := loadRSAPrivateKey(path); err == nil {
		t.Fatal("expected an error for a non-PEM file")
	}
}

func TestBigIntToLowerHex(t *testing.T) {
	v := big.NewInt(0xABCDEF)
	got := bigIntToLowerHex(v)
	if got != "abcdef" {
		t.Errorf("bigIntToLowerHex(0xABCDEF) = %q, want %q", got, "abcdef")
	}
}

// TestRequestLiveSessionTokenHandshake drives the full handshake against a
// local server that plays the broker side of the DH exchange, and checks
// that the signer accepts a correctly-derived signature.
func TestRequestLiveSessionTokenHandshake(t *testing.T) {
	dir := t.TempDir()
	encKey, encPath := writeTestRSAKey(t, dir, "encryption.pem")
	_, sigPath := writeTestRSAKey(t, dir, "signature.pem")

	dhPrime, ok := new(big.Int).SetString("B10B8F96A080E01DDE92DE5EAE5D54EC52C99FBCFB06A3C69A6A9DCA52D23B616073E28675A23D189838EF1E2EE652C013ECB4AEA906112324975C3CD49B83BFACCBDD7D90C4BD7098488E9C219A73724EFFD6FAE5644738FAA31A4FF55BCCC0A151AF5F0DC8B4BD45BF37DF365C1A65E68CFDA76D4DA708DF1FB2BC2E4A4371", 16)
	if !ok {
		t.Fatal("failed to parse the RFC 5114 test prime")
	}

	accessTokenSecretPlaintextHex := "deadbeefcafef00d"
	plaintext, err := hex.DecodeString(accessTokenSecretPlaintextHex)
	if err != nil {
		t.Fatalf("failed to decode test plaintext: %v", err)
	}
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, &encKey.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("failed to encrypt test access token secret: %v", err)
	}

	var serverDHRandom *big.Int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqBody struct{}
		_ = json.NewDecoder(r.Body).Decode(&reqBody)

		authHeader := r.Header.Get("Authorization")
		challengeHex := extractAuthParam(authHeader, "diffie_hellman_challenge")
		dhChallenge, ok := new(big.Int).SetString(challengeHex, 16)
		if !ok {
			http.Error(w, "bad challenge", http.StatusBadRequest)
			return
		}

		serverRandomBytes := make([]byte, 32)
		_, _ = rand.Read(serverRandomBytes)
		serverDHRandom = new(big.Int).SetBytes(serverRandomBytes)

		dhGenerator := big.NewInt(2)
		dhResponse := new(big.Int).Exp(dhGenerator, serverDHRandom, dhPrime)
		sharedSecret := new(big.Int).Exp(dhChallenge, serverDHRandom, dhPrime)
		kBytes := signBitEncode(sharedSecret)

		mac := hmac.New(sha1.New, kBytes)
		mac.Write(plaintext)
		lst := mac.Sum(nil)

		validateMAC := hmac.New(sha1.New, lst)
		validateMAC.Write([]byte("test-consumer-key"))
		signature := hex.EncodeToString(validateMAC.Sum(nil))

		resp := map[string]any{
			"diffie_hellman_response":      bigIntToLowerHex(dhResponse),
			"live_session_token_expiration": int64(1893456000000),
			"live_session_token_signature":  signature,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	signer := &Signer{
		cfg: OAuthConfig{
			ConsumerKey:          "test-consumer-key",
			AccessToken:          "test-access-token",
			AccessTokenSecret:    base64.StdEncoding.EncodeToString(ciphertext),
			DHPrimeHex:           bigIntToLowerHex(dhPrime),
			DHGenerator:          2,
			Realm:                "limited_poa",
			EncryptionKeyPath:    encPath,
			SignatureKeyPath:     sigPath,
			RESTURL:              server.URL,
			LiveSessionTokenPath: "",
		},
	}

	tokenB64, expiresAtMS, signature, err := signer.requestLiveSessionToken()
	if err != nil {
		t.Fatalf("requestLiveSessionToken returned error: %v", err)
	}
	if tokenB64 == "" {
		t.Error("expected a non-empty live session token")
	}
	if expiresAtMS != 1893456000000 {
		t.Errorf("expiresAtMS = %d, want 1893456000000", expiresAtMS)
	}
	if signature == "" {
		t.Error("expected a non-empty signature")
	}
	if serverDHRandom == nil {
		t.Fatal("server handler never ran")
	}
}

// TestRequestLiveSessionTokenRejectsNonJSONErrorBody guards against
// reordering the status check back after the JSON decode: a gateway
// error page (plain text, 401/500) must surface as a KindAuth
// rejection, not a JSON-decode failure.
func TestRequestLiveSessionTokenRejectsNonJSONErrorBody(t *testing.T) {
	dir := t.TempDir()
	encKey, encPath := writeTestRSAKey(t, dir, "encryption.pem")
	_, sigPath := writeTestRSAKey(t, dir, "signature.pem")

	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, &encKey.PublicKey, []byte("deadbeef"))
	if err != nil {
		t.Fatalf("failed to encrypt test access token secret: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("<html>not authorized</html>"))
	}))
	defer server.Close()

	signer := &Signer{
		cfg: OAuthConfig{
			ConsumerKey:          "test-consumer-key",
			AccessToken:          "test-access-token",
			AccessTokenSecret:    base64.StdEncoding.EncodeToString(ciphertext),
			DHPrimeHex:           "ff",
			DHGenerator:          2,
			Realm:                "limited_poa",
			EncryptionKeyPath:    encPath,
			SignatureKeyPath:     sigPath,
			RESTURL:              server.URL,
			LiveSessionTokenPath: "",
		},
	}

	_, _, _, err := signer.requestLiveSessionToken()
	if err == nil {
		t.Fatal("expected an error for a non-2xx handshake response")
	}
	gwErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type = %T, want *gateway.Error", err)
	}
	if gwErr.Kind != KindAuth {
		t.Errorf("Kind = %v, want %v", gwErr.Kind, KindAuth)
	}
	if gwErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want %d", gwErr.StatusCode, http.StatusUnauthorized)
	}
}

func extractAuthParam(header, key string) string {
	prefix := key + `="`
	idx := indexOf(header, prefix)
	if idx < 0 {
		return ""
	}
	rest := header[idx+len(prefix):]
	end := indexOf(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

package gateway

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // required by the gateway's LST derivation, not a security choice of ours
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"
)

// rsaKeyPair holds the encryption and signature keys. loadRSAKeyPair
// reads both from disk at the start of every handshake; they are not
// cached on the Signer. Both files were already confirmed present by
// OAuthConfig.Verify at construction.
type rsaKeyPair struct {
	encryption *rsa.PrivateKey
	signature  *rsa.PrivateKey
}

func loadRSAKeyPair(cfg OAuthConfig) (*rsaKeyPair, error) {
	enc, err := loadRSAPrivateKey(cfg.EncryptionKeyPath)
	if err != nil {
		return nil, newConfigError("failed to load oauth encryption key", err)
	}
	sig, err := loadRSAPrivateKey(cfg.SignatureKeyPath)
	if err != nil {
		return nil, newConfigError("failed to load oauth signature key", err)
	}
	return &rsaKeyPair{encryption: enc, signature: sig}, nil
}

func loadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: not a PKCS#1 or PKCS#8 RSA key: %w", path, err)
	}
	key, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: PKCS#8 key is not RSA", path)
	}
	return key, nil
}

// requestLiveSessionToken performs the LST handshake described in spec
// §4.2 and returns the base64 live session token, its expiration in
// milliseconds since epoch, and the server-asserted signature used to
// validate it.
func (s *Signer) requestLiveSessionToken() (tokenB64 string, expiresAtMS int64, signature string, err error) {
	keys, err := loadRSAKeyPair(s.cfg)
	if err != nil {
		return "", 0, "", err
	}

	// Step 1: 32-byte random value, lowercase hex.
	dhRandomBytes := make([]byte, 32)
	if _, err := rand.Read(dhRandomBytes); err != nil {
		return "", 0, "", newAuthError("failed to generate dh random value", err)
	}
	dhRandom := new(big.Int).SetBytes(dhRandomBytes)

	dhPrime, ok := new(big.Int).SetString(s.cfg.DHPrimeHex, 16)
	if !ok {
		return "", 0, "", newConfigError("dh prime is not valid hex", nil)
	}
	dhGenerator := big.NewInt(int64(s.cfg.DHGenerator))

	// Step 2: dh_challenge = generator^dh_random mod dh_prime.
	dhChallenge := new(big.Int).Exp(dhGenerator, dhRandom, dhPrime)
	dhChallengeHex := bigIntToLowerHex(dhChallenge)

	// Step 3: decrypt the access-token-secret with PKCS#1 v1.5, the
	// plaintext's hex is the "prepend".
	secretCiphertext, err := base64.StdEncoding.DecodeString(s.cfg.AccessTokenSecret)
	if err != nil {
		return "", 0, "", newAuthError("access token secret is not valid base64", err)
	}
	plaintext, err := rsa.DecryptPKCS1v15(nil, keys.encryption, secretCiphertext)
	if err != nil {
		return "", 0, "", newAuthError("failed to decrypt access token secret", err)
	}
	prepend := hex.EncodeToString(plaintext)

	// Steps 4-5: build and RSA-SHA256 sign the prepended base string.
	authParams := map[string]string{
		"oauth_consumer_key":            s.cfg.ConsumerKey,
		"oauth_nonce":                   mustNonce(),
		"oauth_signature_method":        "RSA-SHA256",
		"oauth_timestamp":               fmt.Sprintf("%d", time.Now().Unix()),
		"oauth_token":                   s.cfg.AccessToken,
		"diffie_hellman_challenge":      dhChallengeHex,
	}
	baseString := buildBaseString(http.MethodPost, s.cfg.RESTURL+s.cfg.LiveSessionTokenPath, authParams, prepend)

	sig, err := signRSASHA256WithKey(baseString, keys.signature)
	if err != nil {
		return "", 0, "", err
	}
	authParams["oauth_signature"] = sig

	headerValue := buildAuthorizationHeader(s.cfg.Realm, authParams)

	// Step 6: POST to the LST endpoint.
	reqURL := s.cfg.RESTURL + s.cfg.LiveSessionTokenPath
	req, err := http.NewRequest(http.MethodPost, reqURL, nil)
	if err != nil {
		return "", 0, "", newAuthError("failed to build live session token request", err)
	}
	req.Header.Set("Authorization", headerValue)
	req.Header.Set("User-Agent", "cpgateway/1.0")

	client := s.httpClient()
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, "", newAuthError("live session token request failed", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, "", newAuthError("failed to read live session token response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, "", &Error{Kind: KindAuth, Method: http.MethodPost, URL: reqURL, StatusCode: resp.StatusCode, Message: "live session token handshake rejected: " + string(bodyBytes)}
	}

	var body struct {
		DiffieHellmanResponse      string `json:"diffie_hellman_response"`
		LiveSessionTokenExpiration int64  `json:"live_session_token_expiration"`
		LiveSessionTokenSignature  string `json:"live_session_token_signature"`
	}
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		return "", 0, "", newAuthError("failed to decode live session token response", err)
	}

	// Step 7-8: shared secret K, sign-bit convention, derive the LST.
	dhResponse, ok := new(big.Int).SetString(body.DiffieHellmanResponse, 16)
	if !ok {
		return "", 0, "", newAuthError("diffie_hellman_response is not valid hex", nil)
	}
	sharedSecret := new(big.Int).Exp(dhResponse, dhRandom, dhPrime)
	kBytes := signBitEncode(sharedSecret)

	secretBytes, err := hex.DecodeString(prepend)
	if err != nil {
		return "", 0, "", newAuthError("failed to decode prepend hex", err)
	}

	mac := hmac.New(sha1.New, kBytes)
	mac.Write(secretBytes)
	lst := mac.Sum(nil)
	lstB64 := base64.StdEncoding.EncodeToString(lst)

	// Step 9: validate hex(HMAC-SHA1(LST, consumer_key_utf8)) against the
	// server-returned signature.
	validateMAC := hmac.New(sha1.New, lst)
	validateMAC.Write([]byte(s.cfg.ConsumerKey))
	computedSignature := hex.EncodeToString(validateMAC.Sum(nil))
	if !strings.EqualFold(computedSignature, body.LiveSessionTokenSignature) {
		return "", 0, "", newAuthError("live session token signature validation failed", nil)
	}

	return lstB64, body.LiveSessionTokenExpiration, body.LiveSessionTokenSignature, nil
}

// signBitEncode converts K to a big-endian byte sequence, prefixing a
// leading zero byte whenever the bit length is a multiple of eight —
// the sign-bit convention spec §4.2 step 8 and §8 scenario 2 require.
func signBitEncode(k *big.Int) []byte {
	b := k.Bytes()
	if k.BitLen()%8 == 0 {
		return append([]byte{0x00}, b...)
	}
	return b
}

func bigIntToLowerHex(v *big.Int) string {
	s := v.Text(16)
	return strings.ToLower(s)
}

func signRSASHA256(baseString, signatureKeyPath string) (string, error) {
	key, err := loadRSAPrivateKey(signatureKeyPath)
	if err != nil {
		return "", newConfigError("failed to load oauth signature key", err)
	}
	return signRSASHA256WithKey(baseString, key)
}

func signRSASHA256WithKey(baseString string, key *rsa.PrivateKey) (string, error) {
	digest := sha256.Sum256([]byte(baseString))
	der, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", newAuthError("failed to compute RSA-SHA256 signature", err)
	}
	return percentEncode(base64.StdEncoding.EncodeToString(der)), nil
}

func mustNonce() string {
	n, err := randomNonce(32)
	if err != nil {
		// crypto/rand failure is unrecoverable; a zero-value nonce would
		// silently break signing, so surface it via panic at this single
		// call site deep in the handshake instead of threading another
		// error return through buildBaseString's caller.
		panic(fmt.Sprintf("cpgateway: failed to generate handshake nonce: %v", err))
	}
	return n
}

func (s *Signer) httpClient() *http.Client {
	if s.client != nil {
		return s.client
	}
	return http.DefaultClient
}

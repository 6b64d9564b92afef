package gateway

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every environment variable name the resolver
// reads, e.g. with the default prefix "IBKR" the base-URL key resolves
// to IBKR_REST_URL.
const EnvPrefix = "IBKR"

// Config is an immutable bundle of everything the REST and WebSocket
// engines need. It is built once at startup via Resolve and never
// mutated afterward — following the teacher's LoadSaxoEnvironmentConfig
// pattern of a single environment read at construction time, generalized
// into a three-layer (default < environment < explicit) resolver.
type Config struct {
	BaseURL              string
	Host                 string
	Port                 int
	CACertPath           string
	InsecureSkipVerify   bool
	Timeout              time.Duration
	MaxRetries           int
	UseSession           bool
	AutoRegisterShutdown bool
	LogResponses         bool

	UseOAuth bool
	OAuth    OAuthConfig

	WebSocketURL          string
	PingInterval          time.Duration
	MaxPingInterval       time.Duration
	SubscriptionRetries   int
	SubscriptionTimeout   time.Duration
	TicklerInterval       time.Duration
	LogRawWebSocketFrames bool
}

// OAuthConfig holds the OAuth 1.0a live-session-token credentials and
// endpoints. Required in full whenever Config.UseOAuth is true.
type OAuthConfig struct {
	ConsumerKey            string
	AccessToken             string
	AccessTokenSecret       string
	DHPrimeHex              string
	DHGenerator             int
	Realm                   string
	EncryptionKeyPath       string
	SignatureKeyPath        string
	RESTURL                 string
	LiveSessionTokenPath    string
}

// Verify enforces that every required OAuth field is non-empty and that
// both key files are readable. It is deferred to the consumer (the
// signer constructor, NewSigner), not run implicitly during Resolve, matching
// spec's "verification is deferred to the consumer" rule.
func (o OAuthConfig) Verify() error {
	required := map[string]string{
		"consumer key":             o.ConsumerKey,
		"access token":             o.AccessToken,
		"access token secret":      o.AccessTokenSecret,
		"dh prime":                 o.DHPrimeHex,
		"realm":                    o.Realm,
		"encryption key path":      o.EncryptionKeyPath,
		"signature key path":       o.SignatureKeyPath,
		"oauth rest url":           o.RESTURL,
		"live session token path":  o.LiveSessionTokenPath,
	}
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			return newConfigError(fmt.Sprintf("oauth config missing required field: %s", name), nil)
		}
	}
	if o.DHGenerator == 0 {
		return newConfigError("oauth config missing dh generator", nil)
	}
	for _, path := range []string{o.EncryptionKeyPath, o.SignatureKeyPath} {
		if _, err := os.Stat(path); err != nil {
			return newConfigError(fmt.Sprintf("oauth key file not readable: %s", path), err)
		}
	}
	return nil
}

// Defaults returns the built-in defaults, the bottom layer of the
// resolver.
func Defaults() Config {
	return Config{
		BaseURL:             "https://localhost:5000/v1/api",
		Host:                "localhost",
		Port:                5000,
		Timeout:             15 * time.Second,
		MaxRetries:          3,
		UseSession:          true,
		WebSocketURL:        "wss://localhost:5000/v1/api/ws",
		PingInterval:        45 * time.Second,
		MaxPingInterval:     90 * time.Second,
		SubscriptionRetries: 3,
		SubscriptionTimeout: 5 * time.Second,
		TicklerInterval:     60 * time.Second,
		OAuth: OAuthConfig{
			DHGenerator: 2,
		},
	}
}

// Resolve builds a Config by layering, for each recognized key, an
// explicit override over the process environment over the default:
// explicit argument wins when set, otherwise the named environment
// variable is consulted, otherwise the default stands. overrides may be
// the zero value Config{} when the caller has nothing to override.
func Resolve(overrides Config) (Config, error) {
	cfg := Defaults()
	r := &envReader{prefix: EnvPrefix}

	var err error
	cfg.BaseURL = firstNonEmpty(overrides.BaseURL, r.str("REST_URL", cfg.BaseURL))
	cfg.Host = firstNonEmpty(overrides.Host, r.str("HOST", cfg.Host))
	if cfg.Port, err = r.overrideInt(overrides.Port, "PORT", cfg.Port); err != nil {
		return Config{}, err
	}
	cfg.CACertPath = firstNonEmpty(overrides.CACertPath, r.str("CACERT", cfg.CACertPath))
	if overrides.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	} else if v, ok, err := r.optBool("CACERT_DISABLE_VERIFY"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.InsecureSkipVerify = v
	}

	if cfg.Timeout, err = r.overrideDuration(overrides.Timeout, "WS_TIMEOUT", cfg.Timeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxRetries, err = r.overrideInt(overrides.MaxRetries, "MAX_RETRIES", cfg.MaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.UseSession, err = r.overrideBool(overrides.UseSession, "USE_SESSION", cfg.UseSession); err != nil {
		return Config{}, err
	}
	if cfg.AutoRegisterShutdown, err = r.overrideBool(overrides.AutoRegisterShutdown, "AUTO_REGISTER_SHUTDOWN", cfg.AutoRegisterShutdown); err != nil {
		return Config{}, err
	}
	if cfg.LogResponses, err = r.overrideBool(overrides.LogResponses, "LOG_RESPONSES", cfg.LogResponses); err != nil {
		return Config{}, err
	}
	if cfg.UseOAuth, err = r.overrideBool(overrides.UseOAuth, "USE_OAUTH", cfg.UseOAuth); err != nil {
		return Config{}, err
	}

	cfg.WebSocketURL = firstNonEmpty(overrides.WebSocketURL, r.str("WS_URL", cfg.WebSocketURL))
	if cfg.PingInterval, err = r.overrideDuration(overrides.PingInterval, "WS_PING_INTERVAL", cfg.PingInterval); err != nil {
		return Config{}, err
	}
	if cfg.MaxPingInterval, err = r.overrideDuration(overrides.MaxPingInterval, "WS_MAX_PING_INTERVAL", cfg.MaxPingInterval); err != nil {
		return Config{}, err
	}
	if cfg.SubscriptionRetries, err = r.overrideInt(overrides.SubscriptionRetries, "WS_SUBSCRIPTION_RETRIES", cfg.SubscriptionRetries); err != nil {
		return Config{}, err
	}
	if cfg.SubscriptionTimeout, err = r.overrideDuration(overrides.SubscriptionTimeout, "WS_SUBSCRIPTION_TIMEOUT", cfg.SubscriptionTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TicklerInterval, err = r.overrideDuration(overrides.TicklerInterval, "TICKLER_INTERVAL", cfg.TicklerInterval); err != nil {
		return Config{}, err
	}
	if cfg.LogRawWebSocketFrames, err = r.overrideBool(overrides.LogRawWebSocketFrames, "WS_LOG_RAW_MESSAGES", cfg.LogRawWebSocketFrames); err != nil {
		return Config{}, err
	}

	cfg.OAuth = resolveOAuth(overrides.OAuth, r)

	return cfg, nil
}

func resolveOAuth(overrides OAuthConfig, r *envReader) OAuthConfig {
	dhGen := overrides.DHGenerator
	if dhGen == 0 {
		if v, ok, err := r.optInt("OAUTH1A_DH_GENERATOR"); err == nil && ok {
			dhGen = v
		}
	}
	if dhGen == 0 {
		dhGen = 2
	}
	return OAuthConfig{
		ConsumerKey:          firstNonEmpty(overrides.ConsumerKey, r.str("OAUTH1A_CONSUMER_KEY", "")),
		AccessToken:          firstNonEmpty(overrides.AccessToken, r.str("OAUTH1A_ACCESS_TOKEN", "")),
		AccessTokenSecret:    firstNonEmpty(overrides.AccessTokenSecret, r.str("OAUTH1A_ACCESS_TOKEN_SECRET", "")),
		DHPrimeHex:           firstNonEmpty(overrides.DHPrimeHex, r.str("OAUTH1A_DH_PRIME", "")),
		DHGenerator:          dhGen,
		Realm:                firstNonEmpty(overrides.Realm, r.str("OAUTH1A_REALM", "")),
		EncryptionKeyPath:    firstNonEmpty(overrides.EncryptionKeyPath, r.str("OAUTH1A_ENCRYPTION_KEY_FP", "")),
		SignatureKeyPath:     firstNonEmpty(overrides.SignatureKeyPath, r.str("OAUTH1A_SIGNATURE_KEY_FP", "")),
		RESTURL:              firstNonEmpty(overrides.RESTURL, r.str("OAUTH1A_REST_URL", "")),
		LiveSessionTokenPath: firstNonEmpty(overrides.LiveSessionTokenPath, r.str("OAUTH1A_LIVE_SESSION_TOKEN_ENDPOINT", "")),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// envReader centralizes the prefix<NAME> lookup and boolean/int parsing
// rules from spec §4.1: booleans accept {y,yes,t,true,on,1} / {n,no,f,
// false,off,0} case-insensitively, anything else is a hard error;
// integers require a parseable decimal.
type envReader struct {
	prefix string
}

func (r *envReader) key(name string) string {
	return r.prefix + "_" + name
}

func (r *envReader) has(name string) bool {
	_, ok := os.LookupEnv(r.key(name))
	return ok
}

func (r *envReader) str(name, def string) string {
	if v, ok := os.LookupEnv(r.key(name)); ok {
		return v
	}
	return def
}

func (r *envReader) overrideInt(explicit int, name string, def int) (int, error) {
	if explicit != 0 {
		return explicit, nil
	}
	v, ok, err := r.optInt(name)
	if err != nil {
		return 0, err
	}
	if ok {
		return v, nil
	}
	return def, nil
}

func (r *envReader) optInt(name string) (int, bool, error) {
	raw, ok := os.LookupEnv(r.key(name))
	if !ok || raw == "" {
		return 0, false, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false, newConfigError(fmt.Sprintf("%s: invalid integer %q", r.key(name), raw), err)
	}
	return v, true, nil
}

func (r *envReader) overrideDuration(explicit time.Duration, name string, def time.Duration) (time.Duration, error) {
	if explicit != 0 {
		return explicit, nil
	}
	raw, ok := os.LookupEnv(r.key(name))
	if !ok || raw == "" {
		return def, nil
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, newConfigError(fmt.Sprintf("%s: invalid duration (seconds) %q", r.key(name), raw), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (r *envReader) overrideBool(explicit bool, name string, def bool) (bool, error) {
	if explicit {
		return true, nil
	}
	v, ok, err := r.optBool(name)
	if err != nil {
		return false, err
	}
	if ok {
		return v, nil
	}
	return def, nil
}

func (r *envReader) optBool(name string) (bool, bool, error) {
	raw, ok := os.LookupEnv(r.key(name))
	if !ok || raw == "" {
		return false, false, nil
	}
	b, err := parseBool(raw)
	if err != nil {
		return false, false, newConfigError(fmt.Sprintf("%s: %v", r.key(name), err), err)
	}
	return b, true, nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "y", "yes", "t", "true", "on", "1":
		return true, nil
	case "n", "no", "f", "false", "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("not a recognized boolean: %q", raw)
	}
}
